// Package config holds the single configuration surface described in spec
// §6: toolchain selection, target ISA/ABI, build flags, the optional firmware
// artifact path, size/alignment limits, and the wrapper ABI constants.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config is constructed via Default() and overridden field-by-field; there is
// no separate builder or options pattern, matching the teacher's flat global
// configuration in std/compiler/main.go (targetGOOS/targetGOARCH/buildTags as
// package-level vars there; a struct here since this is a library, not a CLI).
type Config struct {
	// ToolchainPrefix is prepended to each tool name, e.g. "riscv32-unknown-elf-".
	ToolchainPrefix string
	// ToolchainDir, if non-empty, is searched before $PATH.
	ToolchainDir string

	// CompilerForExt maps a source extension (".c", ".cpp", ".S") to the
	// compiler executable name (before ToolchainPrefix is applied).
	CompilerForExt map[string]string

	// TargetArch and TargetABI are passed to the compiler/linker as -march/-mabi
	// style flags; their exact spelling is toolchain-specific and lives here
	// rather than being hardcoded into the build pipeline.
	TargetArch string
	TargetABI  string

	// DefaultOptimization is the -O level used when the caller does not
	// override it ("2" by default, matching "optimization level (default
	// highest)" read as -O2 for a constrained target rather than -O3, which
	// most embedded cross toolchains warn against for code size).
	DefaultOptimization string

	// ExtraFlags are appended per build stage ("compile", "link") in addition
	// to the fixed flags the pipeline always passes.
	ExtraFlags map[string][]string

	// FirmwareArtifactPath, if set, is the already-linked firmware ELF used
	// for symbol bridging when resolve_against_firmware is requested.
	FirmwareArtifactPath string

	// MaxBinarySize bounds the padded upload size (spec §4.1 step 10).
	MaxBinarySize uint32

	// DefaultAlignment is used for code-region allocation requests when the
	// caller does not specify one explicitly.
	DefaultAlignment uint32

	// EntryName is the wrapper's exported symbol name. Spec fixes this at
	// "call_remote"; it is still a field so build and wrapper generation share
	// one source of truth instead of each hardcoding the literal.
	EntryName string

	// SlotCount is structurally fixed at 32 by the wire ABI (spec §3, §6).
	// Changing it changes the argument-frame layout on both sides; it is
	// exposed here only so both sides can assert on it, not so it can be
	// casually tuned.
	SlotCount int

	// MaxAllocations mirrors the device table's fixed capacity
	// (device.DefaultCapacity). The host shadow table is an unbounded map and
	// does not read it.
	MaxAllocations int
}

// Default returns the baseline configuration for a RISC-V 32-bit bare-metal
// target, the most common case in this space.
func Default() Config {
	return Config{
		ToolchainPrefix: "riscv32-unknown-elf-",
		CompilerForExt: map[string]string{
			".c":   "gcc",
			".cc":  "g++",
			".cpp": "g++",
			".S":   "gcc",
		},
		TargetArch:          "rv32imac",
		TargetABI:           "ilp32",
		DefaultOptimization: "2",
		ExtraFlags: map[string][]string{
			"compile": {"-ffreestanding", "-fno-builtin", "-ffunction-sections", "-fdata-sections"},
			"link":    {"--gc-sections"},
		},
		MaxBinarySize:    64 * 1024,
		DefaultAlignment: 4,
		EntryName:        "call_remote",
		SlotCount:        32,
		MaxAllocations:   64,
	}
}

// Load reads a JSON file declaring the configuration surface (spec §6:
// "a single file declares" it) and applies it on top of Default(), so a file
// need only set the fields it wants to override.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}
