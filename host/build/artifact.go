// Package build implements the two-pass position-specific build pipeline of
// spec §4.1: source discovery, wrapper generation, toolchain invocation,
// linking, raw-binary extraction, padding, and section/symbol table
// extraction.
package build

// SectionKind names the four section categories a BinaryArtifact tracks.
type SectionKind string

const (
	SectionText   SectionKind = ".text"
	SectionRodata SectionKind = ".rodata"
	SectionData   SectionKind = ".data"
	SectionBSS    SectionKind = ".bss"
)

// Section describes one of the four tracked sections.
type Section struct {
	Address uint32
	Size    uint32
	// Filled is false for .bss: its bytes are not present in the linked
	// artifact's file image, only reserved and zeroed by padding.
	Filled bool
}

// SymbolKind distinguishes function from data symbols.
type SymbolKind int

const (
	SymFunction SymbolKind = iota
	SymObject
)

// Symbol is one entry of the linked artifact's symbol table (spec §3).
type Symbol struct {
	Address uint32
	Size    uint32
	Kind    SymbolKind
}

// Artifact is the BinaryArtifact of spec §3: raw bytes (code + initialized
// data + trailing zero padding covering BSS and alignment), addresses, the
// section table, the symbol table, and the argument-buffer metadata needed by
// the marshaller.
type Artifact struct {
	Bytes        []byte
	BaseAddress  uint32
	EntryAddress uint32
	ArgsAddress  uint32
	Sections     map[SectionKind]Section
	Symbols      map[string]Symbol
}

// Size is the padded upload size: len(Bytes).
func (a *Artifact) Size() int { return len(a.Bytes) }

// Validate checks the invariants of spec §3/§4.1 step 10: every section's
// address is at or above the base address, the total padded size covers the
// sum of section sizes, and the entry address lies inside .text.
func (a *Artifact) Validate(maxSize uint32) error {
	if uint32(len(a.Bytes)) > maxSize {
		return &ErrArtifactTooLarge{Size: uint32(len(a.Bytes)), Max: maxSize}
	}
	var sumSizes uint64
	for kind, sec := range a.Sections {
		if sec.Address < a.BaseAddress {
			return &ErrSectionBelowBase{Kind: kind, Address: sec.Address, Base: a.BaseAddress}
		}
		sumSizes += uint64(sec.Size)
	}
	if uint64(len(a.Bytes)) < sumSizes {
		return &ErrPaddedSizeTooSmall{Padded: uint32(len(a.Bytes)), SectionTotal: uint32(sumSizes)}
	}
	text, ok := a.Sections[SectionText]
	if !ok {
		return &ErrEntryNotFound{Name: "(no .text section)"}
	}
	if a.EntryAddress < text.Address || a.EntryAddress >= text.Address+text.Size {
		return &ErrEntryOutsideText{Entry: a.EntryAddress, TextStart: text.Address, TextEnd: text.Address + text.Size}
	}
	return nil
}
