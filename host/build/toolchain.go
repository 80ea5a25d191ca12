package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
)

// Toolchain is the external collaborator of spec §1/§6: the cross compiler,
// linker, and (via ExtractArtifact operating on the linked ELF directly) the
// objcopy-equivalent. Each invocation is an opaque subprocess; a nonzero exit
// is a build error carrying captured stderr.
type Toolchain interface {
	// Compile builds one source file to an object file.
	Compile(ctx context.Context, compiler string, args []string, src, obj string) error
	// Link invokes the linker with a generated script, object files, and
	// optional extra flags, producing a linked ELF at out.
	Link(ctx context.Context, linker string, args []string, objs []string, scriptPath, out string) error
}

// RealToolchain shells out to an actual cross-compiler and linker via
// os/exec — there is no third-party process-exec wrapper in the retrieval
// pack for a regular Go binary (std/os/exec in the teacher is its own
// self-hosted runtime's syscall shim, not applicable here; see DESIGN.md).
type RealToolchain struct{}

func (RealToolchain) Compile(ctx context.Context, compiler string, args []string, src, obj string) error {
	fullArgs := append(append([]string{}, args...), "-c", src, "-o", obj)
	return run(ctx, compiler, fullArgs)
}

func (RealToolchain) Link(ctx context.Context, linker string, args []string, objs []string, scriptPath, out string) error {
	fullArgs := append([]string{"-T", scriptPath}, args...)
	fullArgs = append(fullArgs, objs...)
	fullArgs = append(fullArgs, "-o", out)
	if err := run(ctx, linker, fullArgs); err != nil {
		if sym, ok := unresolvedSymbol(err); ok {
			return &ErrUnresolvedSymbol{Symbol: sym}
		}
		return err
	}
	return nil
}

func run(ctx context.Context, tool string, args []string) error {
	cmd := exec.CommandContext(ctx, tool, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &ErrToolchainFailed{Tool: tool, Args: args, Stderr: stderr.String(), Cause: err}
	}
	return nil
}

// unresolvedSymbolRe matches GNU ld's and lld's "undefined reference to"
// diagnostic, which quotes the symbol with either backtick-quote or
// straight single quotes depending on linker/locale.
var unresolvedSymbolRe = regexp.MustCompile(`undefined reference to [` + "`" + `']([^'"]+)['"]`)

// unresolvedSymbol reports the first unresolved symbol named in a failed
// link's captured stderr, distinguishing spec §4.1's "linker-reported
// unresolved symbol" failure kind from a generic toolchain failure so
// callers can errors.As for it specifically.
func unresolvedSymbol(err error) (string, bool) {
	var tf *ErrToolchainFailed
	if !errors.As(err, &tf) {
		return "", false
	}
	m := unresolvedSymbolRe.FindStringSubmatch(tf.Stderr)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// FakeToolchain is a test double: instead of invoking a real cross-compiler,
// it copies canned bytes in for each object/link step, so the build pipeline
// can be exercised without a toolchain installed. LinkedELF must be set to a
// well-formed little-endian ELF32/64 image (see elf_test.go for how one is
// constructed) before Link is called.
type FakeToolchain struct {
	LinkedELF []byte
}

func (f *FakeToolchain) Compile(ctx context.Context, compiler string, args []string, src, obj string) error {
	return os.WriteFile(obj, []byte("fake-object:"+filepath.Base(src)), 0o644)
}

func (f *FakeToolchain) Link(ctx context.Context, linker string, args []string, objs []string, scriptPath, out string) error {
	if f.LinkedELF == nil {
		return fmt.Errorf("build: FakeToolchain.LinkedELF not set")
	}
	return os.WriteFile(out, f.LinkedELF, 0o644)
}
