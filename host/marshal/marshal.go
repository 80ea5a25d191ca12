package marshal

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"rdnl/device"
	"rdnl/host/transport"
	"rdnl/host/wrapper"
)

// execClient is the subset of *transport.Client the marshaller needs; an
// interface so tests can substitute a fake without a real device/pipe.
type execClient interface {
	Allocate(ctx context.Context, size, alignment, caps uint32) (uint32, error)
	Free(ctx context.Context, address uint32) error
	Write(ctx context.Context, address uint32, data []byte, skipBounds bool) (uint32, error)
	Read(ctx context.Context, address, size uint32, skipBounds bool) ([]byte, error)
	Execute(ctx context.Context, address uint32) (uint32, error)
}

var _ execClient = (*transport.Client)(nil)

// Marshaller validates a value sequence against a signature, packs the
// 128-byte argument frame, and drives one call through an execClient per
// spec §4.6. It is single-use per call: concurrent calls sharing the same
// args region are undefined, matching spec §4.6's final note.
type Marshaller struct {
	Client    execClient
	Shadow    *transport.ShadowTable
	Sig       *wrapper.Signature
	SlotCount int // 32 per spec §3/§6; slot SlotCount-1 holds the return value.

	// ArrayAlignment is the alignment requested for transient array
	// allocations.
	ArrayAlignment uint32
}

// Call implements spec §4.6's validation and ordered post-call steps for one
// invocation of the function loaded at codeAddress, with its argument frame
// at argsAddress.
func (m *Marshaller) Call(ctx context.Context, argsAddress, codeAddress uint32, args ...Value) (result Value, err error) {
	if len(args) != len(m.Sig.Params) {
		return Value{}, &ErrArgumentCount{Got: len(args), Want: len(m.Sig.Params)}
	}
	for i, p := range m.Sig.Params {
		if err := checkArgument(i, p, args[i]); err != nil {
			return Value{}, err
		}
	}

	slotCount := m.SlotCount
	if slotCount == 0 {
		slotCount = 32
	}
	returnSlot := slotCount - 1

	frame := make([]byte, slotCount*4)
	var transients []uint32
	var tracked []*Array

	// Array handling step 2-5, and value encoding, per parameter.
	for i, p := range m.Sig.Params {
		v := args[i]
		if p.Class == wrapper.Pointer {
			arr := v.Array()
			addr, allocErr := m.allocateTransient(ctx, arr)
			if allocErr != nil {
				m.freeTransients(ctx, transients)
				return Value{}, fmt.Errorf("marshal: array parameter %d (%s): %w", i, p.Name, allocErr)
			}
			transients = append(transients, addr)
			binary.LittleEndian.PutUint32(frame[i*4:i*4+4], addr)
			if arr.Sync {
				tracked = append(tracked, arr)
				// Stash the region so the post-call sync-back step below
				// knows where to read from; shape/len come from arr.Data.
				arr.deviceAddress = addr
			}
			continue
		}
		binary.LittleEndian.PutUint32(frame[i*4:i*4+4], encodeSlot(v))
	}

	// Post-call step 1: write the packed frame. Shadow.CheckRange rejects a
	// bad address host-side, before a packet ever reaches the wire (spec §3
	// "every host-originated memory access is validated against it").
	if cerr := m.Shadow.CheckRange(argsAddress, uint32(len(frame))); cerr != nil {
		m.freeTransients(ctx, transients)
		return Value{}, fmt.Errorf("marshal: writing argument frame: %w", cerr)
	}
	if _, werr := m.Client.Write(ctx, argsAddress, frame, false); werr != nil {
		m.freeTransients(ctx, transients)
		return Value{}, fmt.Errorf("marshal: writing argument frame: %w", werr)
	}

	// Post-call step 2: execute. The wrapper's own C return value (always 0,
	// per spec §4.2 step (e)) is discarded here; the typed result lives in
	// slot SlotCount-1 of the args region and is fetched in step 4 below.
	if cerr := m.Shadow.CheckRange(codeAddress, 1); cerr != nil {
		m.freeTransients(ctx, transients)
		return Value{}, fmt.Errorf("marshal: execute: %w", cerr)
	}
	if _, xerr := m.Client.Execute(ctx, codeAddress); xerr != nil {
		m.freeTransients(ctx, transients)
		return Value{}, fmt.Errorf("marshal: execute: %w", xerr)
	}

	// Post-call step 3: sync tracked arrays back.
	for _, arr := range tracked {
		if cerr := m.Shadow.CheckRange(arr.deviceAddress, uint32(len(arr.Data))); cerr != nil {
			m.freeTransients(ctx, transients)
			return Value{}, fmt.Errorf("marshal: syncing array back from 0x%x: %w", arr.deviceAddress, cerr)
		}
		data, rerr := m.Client.Read(ctx, arr.deviceAddress, uint32(len(arr.Data)), false)
		if rerr != nil {
			m.freeTransients(ctx, transients)
			return Value{}, fmt.Errorf("marshal: syncing array back from 0x%x: %w", arr.deviceAddress, rerr)
		}
		copy(arr.Data, data)
	}

	// Post-call step 4: read slot SlotCount-1 from the args region and decode
	// it per the declared return type.
	returnSlotAddr := argsAddress + uint32(returnSlot)*4
	if cerr := m.Shadow.CheckRange(returnSlotAddr, 4); cerr != nil {
		m.freeTransients(ctx, transients)
		return Value{}, fmt.Errorf("marshal: reading return slot: %w", cerr)
	}
	slotBytes, rerr := m.Client.Read(ctx, returnSlotAddr, 4, false)
	if rerr != nil {
		m.freeTransients(ctx, transients)
		return Value{}, fmt.Errorf("marshal: reading return slot: %w", rerr)
	}
	result = decodeReturn(m.Sig.ReturnType, binary.LittleEndian.Uint32(slotBytes))

	// Post-call step 5: free every transient, even if a prior step errored.
	m.freeTransients(ctx, transients)

	return result, nil
}

func (m *Marshaller) allocateTransient(ctx context.Context, arr *Array) (uint32, error) {
	align := m.ArrayAlignment
	if align == 0 {
		align = 4
	}
	size := uint32(len(arr.Data))
	addr, err := m.Client.Allocate(ctx, size, align, device.CapDMA|device.CapByteAddressable)
	if err != nil {
		return 0, err
	}
	m.Shadow.Insert(addr, size)
	if err := m.Shadow.CheckRange(addr, size); err != nil {
		m.freeTransients(ctx, []uint32{addr})
		return 0, fmt.Errorf("writing flattened array: %w", err)
	}
	if _, err := m.Client.Write(ctx, addr, arr.Data, false); err != nil {
		m.freeTransients(ctx, []uint32{addr})
		return 0, fmt.Errorf("writing flattened array: %w", err)
	}
	return addr, nil
}

func (m *Marshaller) freeTransients(ctx context.Context, addrs []uint32) {
	for _, addr := range addrs {
		_ = m.Client.Free(ctx, addr)
		m.Shadow.Remove(addr)
	}
}

// checkArgument enforces spec §4.6's classification and strict-width
// validation, identifying the offending parameter index on failure.
func checkArgument(i int, p wrapper.Param, v Value) error {
	if p.Class == wrapper.Pointer {
		if v.Kind() != KindArray || v.Array() == nil {
			return &ErrArgumentType{Index: i, ParamName: p.Name, ParamType: p.Type, Got: v.Kind()}
		}
		return nil
	}
	if v.Kind() == KindArray {
		return &ErrArgumentType{Index: i, ParamName: p.Name, ParamType: p.Type, Got: v.Kind()}
	}
	if !widthMatches(p.Type, v.Kind()) {
		return &ErrArgumentType{Index: i, ParamName: p.Name, ParamType: p.Type, Got: v.Kind()}
	}
	return nil
}

// widthMatches reports whether value kind's width matches the C type text's
// width — spec §4.6: "arbitrary host-language scalar types that match the C
// width are accepted", so signedness is not enforced, only width.
func widthMatches(cType string, k Kind) bool {
	t := strings.TrimSpace(cType)
	switch {
	case strings.Contains(t, "float"):
		return k == KindFloat32
	case strings.Contains(t, "8"):
		return k == KindInt8 || k == KindUint8
	case strings.Contains(t, "16"):
		return k == KindInt16 || k == KindUint16
	default:
		return k == KindInt32 || k == KindUint32
	}
}

func decodeReturn(returnType string, raw uint32) Value {
	t := strings.TrimSpace(returnType)
	switch {
	case t == "void":
		return Void
	case strings.Contains(t, "*"):
		return Uint32(raw)
	case t == "float":
		return Float32(math.Float32frombits(raw))
	case t == "double":
		// The wrapper truncates double returns to float on the device side
		// (spec §4.2); the host decodes the same bit pattern as float.
		return Float32(math.Float32frombits(raw))
	case strings.Contains(t, "8"):
		if strings.HasPrefix(t, "u") {
			return Uint8(uint8(raw))
		}
		return Int8(int8(int32(raw)))
	case strings.Contains(t, "16"):
		if strings.HasPrefix(t, "u") {
			return Uint16(uint16(raw))
		}
		return Int16(int16(int32(raw)))
	default:
		if strings.HasPrefix(t, "u") {
			return Uint32(raw)
		}
		return Int32(int32(raw))
	}
}
