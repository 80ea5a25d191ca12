package loader

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"rdnl/config"
	"rdnl/device"
	"rdnl/host/build"
	"rdnl/host/marshal"
	"rdnl/host/transport"
)

// minimalFakeELF64 builds the smallest well-formed little-endian ELF64 image
// ExtractArtifact can read: one .text section and a symbol table with a
// single FUNC symbol at its start, named entryName. Good enough to exercise
// the loader's two-pass flow against a FakeToolchain. textAddr is the virtual
// address baked into the canned ELF; since FakeToolchain returns the same
// bytes on both the probe and final passes regardless of the requested base
// address, textAddr must dominate every base address a test's Pipeline.Run
// call uses, or Artifact.Validate's "section below base" check trips.
func minimalFakeELF64(entryName string, textSize, textAddr uint32) []byte {
	const ehdrSize = 64
	const shdrSize = 64
	const symSize = 24

	text := make([]byte, textSize)

	shstrtab := []byte{0}
	appendName := func(tab *[]byte, name string) uint32 {
		off := uint32(len(*tab))
		*tab = append(*tab, append([]byte(name), 0)...)
		return off
	}
	textNameOff := appendName(&shstrtab, ".text")
	shstrtabNameOff := appendName(&shstrtab, ".shstrtab")
	symtabNameOff := appendName(&shstrtab, ".symtab")
	strtabNameOff := appendName(&shstrtab, ".strtab")

	strtab := []byte{0}
	entryNameOff := appendName(&strtab, entryName)

	textOff := uint32(ehdrSize)
	shstrtabOff := textOff + uint32(len(text))
	strtabOff := shstrtabOff + uint32(len(shstrtab))
	symtabOff := strtabOff + uint32(len(strtab))
	const numSyms = 2 // null + entry
	symtabSize := uint32(numSyms * symSize)
	const numSections = 5 // null, .text, .shstrtab, .symtab, .strtab
	shoff := symtabOff + symtabSize

	buf := make([]byte, shoff+uint32(numSections*shdrSize))

	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2
	buf[5] = 1
	buf[6] = 1
	binary.LittleEndian.PutUint16(buf[16:18], 2)
	binary.LittleEndian.PutUint32(buf[20:24], 1)
	binary.LittleEndian.PutUint64(buf[24:32], 0) // entry unused by ExtractArtifact
	binary.LittleEndian.PutUint64(buf[40:48], uint64(shoff))
	binary.LittleEndian.PutUint16(buf[52:54], ehdrSize)
	binary.LittleEndian.PutUint16(buf[58:60], shdrSize)
	binary.LittleEndian.PutUint16(buf[60:62], numSections)
	binary.LittleEndian.PutUint16(buf[62:64], 2) // shstrndx

	copy(buf[textOff:], text)
	copy(buf[shstrtabOff:], shstrtab)
	copy(buf[strtabOff:], strtab)

	writeSym := func(idx int, nameOff uint32, value, size uint64, info byte, shndx uint16) {
		off := int(symtabOff) + idx*symSize
		binary.LittleEndian.PutUint32(buf[off:off+4], nameOff)
		buf[off+4] = info
		binary.LittleEndian.PutUint16(buf[off+6:off+8], shndx)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], value)
		binary.LittleEndian.PutUint64(buf[off+16:off+24], size)
	}
	writeSym(0, 0, 0, 0, 0, 0)
	const sttFuncInfo = (1 << 4) | 2
	writeSym(1, entryNameOff, uint64(textAddr), uint64(textSize), sttFuncInfo, 1)

	writeShdr := func(idx int, name, typ uint32, flags, addr, offset, size uint64, link uint32) {
		off := int(shoff) + idx*shdrSize
		binary.LittleEndian.PutUint32(buf[off:off+4], name)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], typ)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], flags)
		binary.LittleEndian.PutUint64(buf[off+16:off+24], addr)
		binary.LittleEndian.PutUint64(buf[off+24:off+32], offset)
		binary.LittleEndian.PutUint64(buf[off+32:off+40], size)
		binary.LittleEndian.PutUint32(buf[off+40:off+44], link)
		binary.LittleEndian.PutUint64(buf[off+56:off+64], symSize)
	}
	const shfAlloc = 0x2
	const shfExecInstr = 0x4
	const shtSymtabT = 2
	const shtStrtabT = 3
	writeShdr(0, 0, 0, 0, 0, 0, 0, 0)
	writeShdr(1, textNameOff, 1, shfAlloc|shfExecInstr, uint64(textAddr), uint64(textOff), uint64(len(text)), 0)
	writeShdr(2, shstrtabNameOff, shtStrtabT, 0, 0, uint64(shstrtabOff), uint64(len(shstrtab)), 0)
	writeShdr(3, symtabNameOff, shtSymtabT, 0, 0, uint64(symtabOff), uint64(symtabSize), 4)
	writeShdr(4, strtabNameOff, shtStrtabT, 0, 0, uint64(strtabOff), uint64(len(strtab)), 0)

	return buf
}

type pipeRWC struct {
	io.Reader
	io.Writer
}

func (p pipeRWC) Close() error { return nil }

func startLoopback(t *testing.T) (*transport.Client, *device.Dispatcher, func()) {
	t.Helper()
	deviceIn, hostToDevice := io.Pipe()
	hostFrom, deviceOut := io.Pipe()

	// The arena starts at the same address minimalFakeELF64 bakes into its
	// .text section, so the allocator's first Allocate call (the code region)
	// returns exactly that address and the final pass's extraction sees no
	// gap between the artifact's base and its .text section.
	mem := device.NewMemory(0x10000000, 0x40000)
	alloc := device.NewSimAllocator(0x10000000, 0x40000)
	disp := device.NewDispatcher(mem, alloc, device.NullCacheSync{}, 32)
	q := device.NewByteQueue(4096)
	srv := device.NewServer(q, disp, deviceOut)

	go func() {
		buf := make([]byte, 256)
		for {
			n, err := deviceIn.Read(buf)
			if n > 0 {
				q.Push(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
	go srv.Run()

	client := transport.NewClient(pipeRWC{Reader: hostFrom, Writer: hostToDevice}, 1)
	cleanup := func() {
		srv.Stop()
		hostToDevice.Close()
		deviceIn.Close()
		deviceOut.Close()
		hostFrom.Close()
	}
	return client, disp, cleanup
}

func TestLoaderLoadCallFree(t *testing.T) {
	client, disp, cleanup := startLoopback(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := client.Handshake(ctx); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	dir := t.TempDir()
	entrySource := filepath.Join(dir, "entry.c")
	src := "int32_t add_one(int32_t x) {\n    return x + 1;\n}\n"
	if err := os.WriteFile(entrySource, []byte(src), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := config.Default()
	// textAddr must dominate both the probe pass's placeholder base (0x10000000,
	// hardcoded in Loader.Load) and the final pass's small SimAllocator-issued
	// code address, since FakeToolchain returns this same canned ELF both times.
	tc := &build.FakeToolchain{LinkedELF: minimalFakeELF64(cfg.EntryName, 16, 0x10000000)}
	pipeline := &build.Pipeline{Config: cfg, Toolchain: tc, WorkDir: t.TempDir()}
	shadow := transport.NewShadowTable()

	ldr := &Loader{Pipeline: pipeline, Client: client, Shadow: shadow, Config: cfg}

	fn, err := ldr.Load(ctx, entrySource, "add_one", "2", false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !fn.Valid() {
		t.Fatal("expected a valid handle after Load")
	}

	// Install the "device-side" behavior the real generated wrapper would
	// perform: read slot 0, add one, write the result to slot 31.
	disp.RegisterCode(fn.CodeAddress(), func() uint32 {
		argsBuf, err := mem(disp).Read(fn.ArgsAddress(), 128)
		if err != nil {
			t.Errorf("reading args region: %v", err)
			return 0
		}
		x := int32(binary.LittleEndian.Uint32(argsBuf[0:4]))
		binary.LittleEndian.PutUint32(argsBuf[31*4:31*4+4], uint32(x+1))
		if err := mem(disp).Write(fn.ArgsAddress(), argsBuf); err != nil {
			t.Errorf("writing args region back: %v", err)
		}
		return 0
	})

	result, err := fn.Call(ctx, marshal.Int32(41))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.Int32() != 42 {
		t.Errorf("result = %d, want 42", result.Int32())
	}

	if err := fn.Free(ctx); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if fn.Valid() {
		t.Error("expected handle to be invalid after Free")
	}
	if len(shadow.Live()) != 0 {
		t.Errorf("shadow table should be empty after Free, got %v", shadow.Live())
	}

	if _, err := fn.Call(ctx, marshal.Int32(1)); err == nil {
		t.Error("expected Call on a freed handle to fail")
	}
}

func TestLoaderLoadSignatureNotFound(t *testing.T) {
	client, _, cleanup := startLoopback(t)
	defer cleanup()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.Handshake(ctx); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	dir := t.TempDir()
	entrySource := filepath.Join(dir, "entry.c")
	if err := os.WriteFile(entrySource, []byte("void other(void) {}\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := config.Default()
	pipeline := &build.Pipeline{Config: cfg, Toolchain: &build.FakeToolchain{}, WorkDir: t.TempDir()}
	ldr := &Loader{Pipeline: pipeline, Client: client, Shadow: transport.NewShadowTable(), Config: cfg}

	_, err := ldr.Load(ctx, entrySource, "missing", "2", false)
	if err == nil {
		t.Fatal("expected Load to fail for a missing function")
	}
}

// mem exposes the Dispatcher's memory arena for the test's simulated
// wrapper behavior; Dispatcher.Mem is already an exported field.
func mem(d *device.Dispatcher) *device.Memory { return d.Mem }
