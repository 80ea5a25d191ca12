package build

import "fmt"

// ErrSourceMissing is returned when the entry source file does not exist.
type ErrSourceMissing struct {
	Path string
}

func (e *ErrSourceMissing) Error() string {
	return fmt.Sprintf("build: source file %q not found", e.Path)
}

// ErrNoSourcesDiscovered is returned when discovery finds no compilable files
// in the entry source's directory.
type ErrNoSourcesDiscovered struct {
	Dir string
}

func (e *ErrNoSourcesDiscovered) Error() string {
	return fmt.Sprintf("build: no compilable sources found in %q", e.Dir)
}

// ErrSignatureUnparseable is returned when the target function's prototype
// could not be located or parsed.
type ErrSignatureUnparseable struct {
	FuncName string
	Reason   string
}

func (e *ErrSignatureUnparseable) Error() string {
	return fmt.Sprintf("build: signature of %q unparseable: %s", e.FuncName, e.Reason)
}

// ErrToolchainFailed carries captured stderr from a failed subprocess
// invocation (compiler or linker).
type ErrToolchainFailed struct {
	Tool   string
	Args   []string
	Stderr string
	Cause  error
}

func (e *ErrToolchainFailed) Error() string {
	return fmt.Sprintf("build: %s failed: %v\nstderr:\n%s", e.Tool, e.Cause, e.Stderr)
}

func (e *ErrToolchainFailed) Unwrap() error { return e.Cause }

// ErrUnresolvedSymbol is returned when the linker reports an unresolved
// external reference.
type ErrUnresolvedSymbol struct {
	Symbol string
}

func (e *ErrUnresolvedSymbol) Error() string {
	return fmt.Sprintf("build: unresolved symbol %q", e.Symbol)
}

// ErrArtifactTooLarge is returned when the padded artifact exceeds the
// configured maximum size.
type ErrArtifactTooLarge struct {
	Size uint32
	Max  uint32
}

func (e *ErrArtifactTooLarge) Error() string {
	return fmt.Sprintf("build: artifact size %d exceeds maximum %d", e.Size, e.Max)
}

// ErrEntryNotFound is returned when the entry symbol is missing from the
// linked artifact's symbol table.
type ErrEntryNotFound struct {
	Name string
}

func (e *ErrEntryNotFound) Error() string {
	return fmt.Sprintf("build: entry symbol %q not found after link", e.Name)
}

// ErrFirmwareArtifactMissing is returned when resolve_against_firmware is
// requested but the configured firmware artifact path does not exist.
type ErrFirmwareArtifactMissing struct {
	Path string
}

func (e *ErrFirmwareArtifactMissing) Error() string {
	return fmt.Sprintf("build: firmware artifact %q requested for symbol bridging but not found", e.Path)
}

// ErrSectionBelowBase is returned by Artifact.Validate.
type ErrSectionBelowBase struct {
	Kind    SectionKind
	Address uint32
	Base    uint32
}

func (e *ErrSectionBelowBase) Error() string {
	return fmt.Sprintf("build: section %s at 0x%x is below base address 0x%x", e.Kind, e.Address, e.Base)
}

// ErrPaddedSizeTooSmall is returned by Artifact.Validate.
type ErrPaddedSizeTooSmall struct {
	Padded       uint32
	SectionTotal uint32
}

func (e *ErrPaddedSizeTooSmall) Error() string {
	return fmt.Sprintf("build: padded size %d is smaller than total section size %d", e.Padded, e.SectionTotal)
}

// ErrEntryOutsideText is returned by Artifact.Validate.
type ErrEntryOutsideText struct {
	Entry     uint32
	TextStart uint32
	TextEnd   uint32
}

func (e *ErrEntryOutsideText) Error() string {
	return fmt.Sprintf("build: entry address 0x%x lies outside .text [0x%x, 0x%x)", e.Entry, e.TextStart, e.TextEnd)
}
