package device

import (
	"fmt"
	"io"

	"rdnl/protocol"
)

// ExecFunc is what "coerce the address to a function pointer of signature
// int(void) and invoke it synchronously" (spec §4.4) becomes in this Go model:
// there is no real RISC core to jump into, so a loaded artifact's entry point
// is represented by a registered closure the caller installs at upload time
// (see host/build.FakeToolchain and host/loader for how a real deployment
// would instead flash actual machine code and the CPU would do the jump).
type ExecFunc func() uint32

// Dispatcher implements the eight-plus-two command handlers (ping, get-info,
// allocate, free, write-memory, read-memory, execute, heap-info, get-stats,
// reset-stats), each validating bounds against the AllocTable before touching
// Memory, per spec §4.4.
type Dispatcher struct {
	Mem       *Memory
	Table     *AllocTable
	Alloc     Allocator
	Cache     CacheSync
	CacheLine uint32

	FirmwareVersion [16]byte
	ProtocolMajor   uint8
	ProtocolMinor   uint8
	MaxPayload      uint32

	// Debug gates diagnostic logging, matching the teacher's compilerDebug
	// global in std/compiler/main.go.
	Debug  bool
	Logger io.Writer

	code map[uint32]ExecFunc

	stats protocol.StatsResponse
}

// NewDispatcher wires a Dispatcher over an already-sized Memory arena.
func NewDispatcher(mem *Memory, alloc Allocator, cache CacheSync, cacheLine uint32) *Dispatcher {
	return &Dispatcher{
		Mem:            mem,
		Table:          NewAllocTable(),
		Alloc:          alloc,
		Cache:          cache,
		CacheLine:      cacheLine,
		ProtocolMajor:  1,
		ProtocolMinor:  0,
		MaxPayload:     1 << 17,
		code:           make(map[uint32]ExecFunc),
	}
}

// RegisterCode installs the executable behavior for an entry address, as
// described on ExecFunc.
func (d *Dispatcher) RegisterCode(address uint32, fn ExecFunc) {
	d.code[address] = fn
}

// UnregisterCode removes a previously-registered entry point, e.g. on free.
func (d *Dispatcher) UnregisterCode(address uint32) {
	delete(d.code, address)
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.Debug && d.Logger != nil {
		fmt.Fprintf(d.Logger, format, args...)
	}
}

// Handle dispatches a single decoded request frame and returns the response
// frame to send. It never returns an error for user-induced conditions: those
// become an error-flagged response frame, per spec §7's propagation policy.
func (d *Dispatcher) Handle(req protocol.Frame) protocol.Frame {
	d.stats.FramesReceived++
	switch req.Command {
	case protocol.CmdPing:
		return d.handlePing(req)
	case protocol.CmdGetInfo:
		return d.handleGetInfo(req)
	case protocol.CmdAllocate:
		return d.handleAllocate(req)
	case protocol.CmdFree:
		return d.handleFree(req)
	case protocol.CmdWriteMemory:
		return d.handleWrite(req)
	case protocol.CmdReadMemory:
		return d.handleRead(req)
	case protocol.CmdExecute:
		return d.handleExecute(req)
	case protocol.CmdHeapInfo:
		return d.handleHeapInfo(req)
	case protocol.CmdGetStats:
		return d.handleGetStats(req)
	case protocol.CmdResetStats:
		return d.handleResetStats(req)
	default:
		d.stats.UnknownCommands++
		return errorFrame(req.Command, protocol.ErrCodeMalformed)
	}
}

func errorFrame(cmd byte, code uint32) protocol.Frame {
	return protocol.Frame{
		Command: cmd,
		Flags:   protocol.FlagError,
		Payload: protocol.ErrorResponse{Code: code}.Encode(),
	}
}

func okFrame(cmd byte, payload []byte) protocol.Frame {
	return protocol.Frame{Command: cmd, Flags: protocol.FlagOK, Payload: payload}
}

func (d *Dispatcher) handlePing(req protocol.Frame) protocol.Frame {
	return okFrame(req.Command, req.Payload)
}

func (d *Dispatcher) handleGetInfo(req protocol.Frame) protocol.Frame {
	resp := protocol.GetInfoResponse{
		ProtocolMajor:   d.ProtocolMajor,
		ProtocolMinor:   d.ProtocolMinor,
		MaxPayload:      d.MaxPayload,
		CacheLine:       d.CacheLine,
		MaxAllocations:  DefaultCapacity,
		FirmwareVersion: d.FirmwareVersion,
	}
	return okFrame(req.Command, resp.Encode())
}

func (d *Dispatcher) handleAllocate(req protocol.Frame) protocol.Frame {
	areq, err := protocol.DecodeAllocateRequest(req.Payload)
	if err != nil {
		return errorFrame(req.Command, protocol.ErrCodeMalformed)
	}
	result, err := d.Alloc.Allocate(areq.Size, areq.Alignment, areq.Caps)
	if err != nil {
		// Allocator refusal is an ok-response carrying an inner error code,
		// not a transport-level error response (spec §4.3 command table).
		return okFrame(req.Command, protocol.AllocateResponse{Address: 0, Error: protocol.ErrCodeAllocFailed}.Encode())
	}
	if result.WrongRegion {
		d.logf("device: allocate returned address 0x%x from the wrong region for caps 0x%x\n", result.Address, areq.Caps)
	}
	if err := d.Table.Insert(result.Address, areq.Size); err != nil {
		return okFrame(req.Command, protocol.AllocateResponse{Address: 0, Error: protocol.ErrCodeAllocFailed}.Encode())
	}
	return okFrame(req.Command, protocol.AllocateResponse{Address: result.Address, Error: 0}.Encode())
}

func (d *Dispatcher) handleFree(req protocol.Frame) protocol.Frame {
	freq, err := protocol.DecodeFreeRequest(req.Payload)
	if err != nil {
		return errorFrame(req.Command, protocol.ErrCodeMalformed)
	}
	if !d.Table.ContainsExact(freq.Address) {
		return errorFrame(req.Command, protocol.ErrCodeInvalidAddress)
	}
	d.Table.Remove(freq.Address)
	d.UnregisterCode(freq.Address)
	_ = d.Alloc.Free(freq.Address)
	return okFrame(req.Command, protocol.FreeResponse{Status: 0}.Encode())
}

func (d *Dispatcher) handleWrite(req protocol.Frame) protocol.Frame {
	wreq, err := protocol.DecodeWriteMemoryRequest(req.Payload)
	if err != nil {
		return errorFrame(req.Command, protocol.ErrCodeMalformed)
	}
	skip := wreq.Flags&protocol.WriteFlagSkipBounds != 0
	if !skip && !d.Table.RangeFits(wreq.Address, uint32(len(wreq.Data))) {
		return errorFrame(req.Command, protocol.ErrCodeInvalidAddress)
	}
	if err := d.Mem.Write(wreq.Address, wreq.Data); err != nil {
		return errorFrame(req.Command, protocol.ErrCodeInvalidAddress)
	}
	alignedStart, alignedEnd := RoundOut(wreq.Address, uint32(len(wreq.Data)), d.CacheLine)
	d.Cache.Sync(alignedStart, alignedEnd-alignedStart)
	return okFrame(req.Command, protocol.WriteMemoryResponse{BytesWritten: uint32(len(wreq.Data)), Status: 0}.Encode())
}

func (d *Dispatcher) handleRead(req protocol.Frame) protocol.Frame {
	rreq, err := protocol.DecodeReadMemoryRequest(req.Payload)
	if err != nil {
		return errorFrame(req.Command, protocol.ErrCodeMalformed)
	}
	skip := rreq.Flags&protocol.WriteFlagSkipBounds != 0
	if !skip && !d.Table.RangeFits(rreq.Address, rreq.Size) {
		return errorFrame(req.Command, protocol.ErrCodeInvalidAddress)
	}
	data, err := d.Mem.Read(rreq.Address, rreq.Size)
	if err != nil {
		return errorFrame(req.Command, protocol.ErrCodeInvalidAddress)
	}
	return okFrame(req.Command, data)
}

func (d *Dispatcher) handleExecute(req protocol.Frame) protocol.Frame {
	ereq, err := protocol.DecodeExecuteRequest(req.Payload)
	if err != nil {
		return errorFrame(req.Command, protocol.ErrCodeMalformed)
	}
	if !d.Table.RangeFits(ereq.Address, 1) {
		return errorFrame(req.Command, protocol.ErrCodeInvalidAddress)
	}
	fn, ok := d.code[ereq.Address]
	if !ok {
		return errorFrame(req.Command, protocol.ErrCodeInvalidAddress)
	}
	ret := fn()
	return okFrame(req.Command, protocol.ExecuteResponse{ReturnValue: ret}.Encode())
}

func (d *Dispatcher) handleHeapInfo(req protocol.Frame) protocol.Frame {
	// The simulated allocator does not track free/total byte counts the way a
	// real target heap implementation would; report the arena size as both
	// free and total external, and zero internal (on-chip SRAM is not modeled).
	resp := protocol.HeapInfoResponse{
		FreeExternal:  d.Mem.Size(),
		TotalExternal: d.Mem.Size(),
		FreeInternal:  0,
		TotalInternal: 0,
	}
	return okFrame(req.Command, resp.Encode())
}

func (d *Dispatcher) handleGetStats(req protocol.Frame) protocol.Frame {
	return okFrame(req.Command, d.stats.Encode())
}

func (d *Dispatcher) handleResetStats(req protocol.Frame) protocol.Frame {
	d.stats = protocol.StatsResponse{}
	return okFrame(req.Command, protocol.FreeResponse{Status: 0}.Encode())
}

// NoteChecksumError lets the Server record a checksum failure observed while
// decoding a frame, since that happens before Handle ever sees a Frame.
func (d *Dispatcher) NoteChecksumError() { d.stats.ChecksumErrors++ }

// NoteBytesDropped lets the Server record bytes discarded while resynchronizing
// after an oversize-payload frame.
func (d *Dispatcher) NoteBytesDropped(n uint32) { d.stats.BytesDropped += n }
