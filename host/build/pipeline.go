package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"rdnl/config"
	"rdnl/host/wrapper"
)

// Pipeline runs the ten-step build of spec §4.1 against a Toolchain. Debug,
// when set, writes stage progress to os.Stderr, the same gate the teacher
// uses in std/compiler/main.go.
type Pipeline struct {
	Config    config.Config
	Toolchain Toolchain
	Debug     bool

	// WorkDir is the scratch directory generated sources, objects, and the
	// linked ELF are written to. A fresh temp dir is used if empty.
	WorkDir string
}

func (p *Pipeline) debugf(format string, args ...any) {
	if p.Debug {
		fmt.Fprintf(os.Stderr, "build: "+format+"\n", args...)
	}
}

// Run executes the full pipeline for one (entrySource, functionName) pair
// against the given base/args addresses, implementing spec §4.1 steps 1-10.
// resolveAgainstFirmware requests step 6's firmware-symbol-bridging link
// option.
func (p *Pipeline) Run(ctx context.Context, entrySource, functionName string, baseAddress, argsAddress uint32, optimization string, resolveAgainstFirmware bool) (*Artifact, error) {
	workDir := p.WorkDir
	if workDir == "" {
		dir, err := os.MkdirTemp("", "rdnl-build-")
		if err != nil {
			return nil, fmt.Errorf("build: creating work dir: %w", err)
		}
		workDir = dir
	}

	// Step 1: discover sources.
	sources, err := DiscoverSources(entrySource, p.Config.CompilerForExt)
	if err != nil {
		return nil, err
	}
	p.debugf("discovered %d source file(s)", len(sources))

	// Step 2: parse the target function's signature.
	entryText, err := os.ReadFile(entrySource)
	if err != nil {
		return nil, &ErrSourceMissing{Path: entrySource}
	}
	sig, err := wrapper.ParseSignature(string(entryText), functionName)
	if err != nil {
		return nil, &ErrSignatureUnparseable{FuncName: functionName, Reason: err.Error()}
	}
	p.debugf("parsed signature of %s: %d parameter(s), returns %s", sig.Name, len(sig.Params), sig.ReturnType)

	// Step 3: generate wrapper source + header.
	entryName := p.Config.EntryName
	if entryName == "" {
		entryName = "call_remote"
	}
	wrapperSrc, wrapperHdr := wrapper.Generate(sig, argsAddress, entryName)
	wrapperSrcPath := filepath.Join(workDir, entryName+".c")
	wrapperHdrPath := filepath.Join(workDir, entryName+".h")
	if err := os.WriteFile(wrapperSrcPath, []byte(wrapperSrc), 0o644); err != nil {
		return nil, fmt.Errorf("build: writing wrapper source: %w", err)
	}
	if err := os.WriteFile(wrapperHdrPath, []byte(wrapperHdr), 0o644); err != nil {
		return nil, fmt.Errorf("build: writing wrapper header: %w", err)
	}

	// Step 4: compile every discovered unit plus the wrapper.
	opt := optimization
	if opt == "" {
		opt = p.Config.DefaultOptimization
	}
	includeDir := filepath.Dir(entrySource)
	var objects []string
	allUnits := append(append([]string{}, sources...), wrapperSrcPath)
	for _, src := range allUnits {
		compiler, ok := p.Config.CompilerForExt[filepath.Ext(src)]
		if !ok {
			return nil, fmt.Errorf("build: no compiler configured for extension %q of %q", filepath.Ext(src), src)
		}
		if p.Config.ToolchainPrefix != "" {
			compiler = p.Config.ToolchainPrefix + compiler
		}
		objPath := filepath.Join(workDir, baseNameNoExt(src)+".o")
		args := p.compileArgs(opt, includeDir)
		p.debugf("compiling %s -> %s", src, objPath)
		if err := p.Toolchain.Compile(ctx, compiler, args, src, objPath); err != nil {
			return nil, err
		}
		objects = append(objects, objPath)
	}

	// Step 5: generate the linker script.
	scriptPath := filepath.Join(workDir, "link.ld")
	script := GenerateLinkerScript(entryName, baseAddress, p.Config.MaxBinarySize)
	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		return nil, fmt.Errorf("build: writing linker script: %w", err)
	}

	// Step 6: link, optionally bridging symbols against an already-linked
	// firmware artifact.
	linkArgs := append([]string{}, p.Config.ExtraFlags["link"]...)
	if resolveAgainstFirmware {
		if p.Config.FirmwareArtifactPath == "" {
			return nil, &ErrFirmwareArtifactMissing{Path: "(none configured)"}
		}
		if _, err := os.Stat(p.Config.FirmwareArtifactPath); err != nil {
			return nil, &ErrFirmwareArtifactMissing{Path: p.Config.FirmwareArtifactPath}
		}
		linkArgs = append(linkArgs, "--just-symbols="+p.Config.FirmwareArtifactPath)
	}
	linker := "ld"
	if p.Config.ToolchainPrefix != "" {
		linker = p.Config.ToolchainPrefix + linker
	}
	linkedPath := filepath.Join(workDir, entryName+".elf")
	p.debugf("linking %d object(s) -> %s", len(objects), linkedPath)
	if err := p.Toolchain.Link(ctx, linker, linkArgs, objects, scriptPath, linkedPath); err != nil {
		return nil, err
	}

	// Steps 7-9: extract raw bytes, pad, and read section/symbol tables.
	linkedELF, err := os.ReadFile(linkedPath)
	if err != nil {
		return nil, fmt.Errorf("build: reading linked artifact: %w", err)
	}
	artifact, err := ExtractArtifact(linkedELF, baseAddress, argsAddress, entryName)
	if err != nil {
		return nil, err
	}
	p.debugf("extracted artifact: %d bytes, entry at 0x%x", artifact.Size(), artifact.EntryAddress)

	// Step 10: validate.
	if err := artifact.Validate(p.Config.MaxBinarySize); err != nil {
		return nil, err
	}

	return artifact, nil
}

func (p *Pipeline) compileArgs(optimization, includeDir string) []string {
	args := []string{"-march=" + p.Config.TargetArch, "-mabi=" + p.Config.TargetABI, "-O" + optimization, "-I", includeDir}
	args = append(args, p.Config.ExtraFlags["compile"]...)
	return args
}

func baseNameNoExt(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}
