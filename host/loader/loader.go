// Package loader ties host/build, host/marshal, and host/transport together
// into the user-visible two-pass load operation of spec §4.5.
package loader

import (
	"context"
	"fmt"
	"os"

	"rdnl/config"
	"rdnl/device"
	"rdnl/host/build"
	"rdnl/host/marshal"
	"rdnl/host/transport"
	"rdnl/host/wrapper"
)

const argsRegionSize = 128 // 32 slots * 4 bytes, fixed by the wire ABI.

// Loader binds a Pipeline, a transport Client, and a ShadowTable into the
// load/call/free façade. Slack is extra bytes requested beyond the probe
// artifact's size, to absorb nondeterminism introduced by the code address
// itself shifting a small number of branch/literal-pool encodings — zero is
// safe whenever the toolchain's codegen is address-invariant, which is the
// common case on RISC-V/ARM with position-independent branch ranges; callers
// targeting toolchains that are not address-invariant should raise it.
type Loader struct {
	Pipeline *build.Pipeline
	Client   *transport.Client
	Shadow   *transport.ShadowTable
	Config   config.Config

	Slack uint32
}

// Function is the handle spec §3 calls "Loaded function": the artifact, its
// two device addresses, the parsed signature, and the marshaller built
// around them.
type Function struct {
	loader      *Loader
	sig         *wrapper.Signature
	codeAddress uint32
	argsAddress uint32
	artifact    *build.Artifact
	marshaller  *marshal.Marshaller
	valid       bool
}

// Load implements spec §4.5 end to end: probe build, allocate, final build,
// upload, return a handle.
func (l *Loader) Load(ctx context.Context, entrySource, funcName string, optimization string, resolveAgainstFirmware bool) (*Function, error) {
	// Step 1: probe pass with placeholder addresses. Only the resulting size
	// is used — the placeholder addresses themselves never reach the device.
	const probeBase, probeArgs = 0x10000000, 0x20000000
	probe, err := l.Pipeline.Run(ctx, entrySource, funcName, probeBase, probeArgs, optimization, resolveAgainstFirmware)
	if err != nil {
		return nil, fmt.Errorf("loader: probe pass: %w", err)
	}

	// Step 2: allocate code + args regions, record both in the shadow table.
	codeSize := uint32(probe.Size()) + l.Slack
	codeAddr, err := l.Client.Allocate(ctx, codeSize, l.Config.DefaultAlignment, device.CapExecutable)
	if err != nil {
		return nil, fmt.Errorf("loader: allocating code region: %w", err)
	}
	l.Shadow.Insert(codeAddr, codeSize)

	argsAddr, err := l.Client.Allocate(ctx, argsRegionSize, 4, device.CapByteAddressable|device.CapDMA)
	if err != nil {
		_ = l.Client.Free(ctx, codeAddr)
		l.Shadow.Remove(codeAddr)
		return nil, fmt.Errorf("loader: allocating args region: %w", err)
	}
	l.Shadow.Insert(argsAddr, argsRegionSize)

	// Step 3: final pass against the allocated addresses. Determinism (spec
	// §4.1) guarantees the resulting size does not exceed the reserved region.
	final, err := l.Pipeline.Run(ctx, entrySource, funcName, codeAddr, argsAddr, optimization, resolveAgainstFirmware)
	if err != nil {
		l.freeRegions(ctx, codeAddr, argsAddr)
		return nil, fmt.Errorf("loader: final pass: %w", err)
	}
	if uint32(final.Size()) > codeSize {
		l.freeRegions(ctx, codeAddr, argsAddr)
		return nil, fmt.Errorf("loader: final artifact size %d exceeds reserved code region %d (determinism violated)", final.Size(), codeSize)
	}

	// Step 4: upload. The device performs cache sync automatically as part
	// of its write-memory handler (spec §5 ordering guarantee). Shadow.CheckRange
	// rejects a bad address host-side before the packet is ever sent (spec §3).
	if err := l.Shadow.CheckRange(codeAddr, uint32(len(final.Bytes))); err != nil {
		l.freeRegions(ctx, codeAddr, argsAddr)
		return nil, fmt.Errorf("loader: uploading artifact: %w", err)
	}
	if _, err := l.Client.Write(ctx, codeAddr, final.Bytes, false); err != nil {
		l.freeRegions(ctx, codeAddr, argsAddr)
		return nil, fmt.Errorf("loader: uploading artifact: %w", err)
	}

	entryText, err := os.ReadFile(entrySource)
	if err != nil {
		l.freeRegions(ctx, codeAddr, argsAddr)
		return nil, fmt.Errorf("loader: re-reading entry source for marshaller: %w", err)
	}
	sig, err := wrapper.ParseSignature(string(entryText), funcName)
	if err != nil {
		l.freeRegions(ctx, codeAddr, argsAddr)
		return nil, fmt.Errorf("loader: re-parsing signature for marshaller: %w", err)
	}

	fn := &Function{
		loader:      l,
		sig:         sig,
		codeAddress: codeAddr,
		argsAddress: argsAddr,
		artifact:    final,
		valid:       true,
	}
	fn.marshaller = &marshal.Marshaller{
		Client:         l.Client,
		Shadow:         l.Shadow,
		Sig:            sig,
		SlotCount:      l.Config.SlotCount,
		ArrayAlignment: l.Config.DefaultAlignment,
	}
	return fn, nil
}

func (l *Loader) freeRegions(ctx context.Context, codeAddr, argsAddr uint32) {
	_ = l.Client.Free(ctx, codeAddr)
	l.Shadow.Remove(codeAddr)
	_ = l.Client.Free(ctx, argsAddr)
	l.Shadow.Remove(argsAddr)
}

// Call invokes the loaded function with args validated and marshalled per
// spec §4.6.
func (f *Function) Call(ctx context.Context, args ...marshal.Value) (marshal.Value, error) {
	if !f.valid {
		return marshal.Value{}, fmt.Errorf("loader: function handle is no longer valid (already freed)")
	}
	return f.marshaller.Call(ctx, f.argsAddress, f.codeAddress, args...)
}

// Free releases both device regions and invalidates the handle, per spec
// §4.5's "free on the handle releases both device regions... and marks the
// handle invalid."
func (f *Function) Free(ctx context.Context) error {
	if !f.valid {
		return nil
	}
	f.valid = false
	err1 := f.loader.Client.Free(ctx, f.codeAddress)
	f.loader.Shadow.Remove(f.codeAddress)
	err2 := f.loader.Client.Free(ctx, f.argsAddress)
	f.loader.Shadow.Remove(f.argsAddress)
	if err1 != nil {
		return err1
	}
	return err2
}

// Valid reports whether the handle is still usable.
func (f *Function) Valid() bool { return f.valid }

// Artifact exposes the final-pass build artifact, e.g. for diagnostics.
func (f *Function) Artifact() *build.Artifact { return f.artifact }

// CodeAddress is the device address the artifact was uploaded to.
func (f *Function) CodeAddress() uint32 { return f.codeAddress }

// ArgsAddress is the device address of this handle's 128-byte argument frame.
func (f *Function) ArgsAddress() uint32 { return f.argsAddress }
