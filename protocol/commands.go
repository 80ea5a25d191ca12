package protocol

import (
	"encoding/binary"
	"fmt"
)

// GetInfoResponse is the payload of an ok response to CmdGetInfo.
type GetInfoResponse struct {
	ProtocolMajor   uint8
	ProtocolMinor   uint8
	MaxPayload      uint32
	CacheLine       uint32
	MaxAllocations  uint32
	FirmwareVersion [16]byte // NUL-padded ASCII
}

// Encode packs the response into its 1+1+2(reserved)+4+4+4+16 = 32-byte wire form.
func (r GetInfoResponse) Encode() []byte {
	buf := make([]byte, 32)
	buf[0] = r.ProtocolMajor
	buf[1] = r.ProtocolMinor
	// bytes 2:4 reserved, left zero
	binary.LittleEndian.PutUint32(buf[4:8], r.MaxPayload)
	binary.LittleEndian.PutUint32(buf[8:12], r.CacheLine)
	binary.LittleEndian.PutUint32(buf[12:16], r.MaxAllocations)
	copy(buf[16:32], r.FirmwareVersion[:])
	return buf
}

// DecodeGetInfoResponse parses the wire form produced by Encode.
func DecodeGetInfoResponse(buf []byte) (GetInfoResponse, error) {
	if len(buf) < 32 {
		return GetInfoResponse{}, fmt.Errorf("protocol: get-info response too short (%d bytes)", len(buf))
	}
	var r GetInfoResponse
	r.ProtocolMajor = buf[0]
	r.ProtocolMinor = buf[1]
	r.MaxPayload = binary.LittleEndian.Uint32(buf[4:8])
	r.CacheLine = binary.LittleEndian.Uint32(buf[8:12])
	r.MaxAllocations = binary.LittleEndian.Uint32(buf[12:16])
	copy(r.FirmwareVersion[:], buf[16:32])
	return r, nil
}

// AllocateRequest is the payload of a CmdAllocate request.
type AllocateRequest struct {
	Size      uint32
	Caps      uint32
	Alignment uint32
}

func (a AllocateRequest) Encode() []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], a.Size)
	binary.LittleEndian.PutUint32(buf[4:8], a.Caps)
	binary.LittleEndian.PutUint32(buf[8:12], a.Alignment)
	return buf
}

func DecodeAllocateRequest(buf []byte) (AllocateRequest, error) {
	if len(buf) < 12 {
		return AllocateRequest{}, fmt.Errorf("protocol: allocate request too short (%d bytes)", len(buf))
	}
	return AllocateRequest{
		Size:      binary.LittleEndian.Uint32(buf[0:4]),
		Caps:      binary.LittleEndian.Uint32(buf[4:8]),
		Alignment: binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

// AllocateResponse is the payload of an ok response to CmdAllocate. Address==0
// signals allocator refusal (inner error, distinct from a transport-level error
// response); Error carries 0 on success.
type AllocateResponse struct {
	Address uint32
	Error   uint32
}

func (a AllocateResponse) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], a.Address)
	binary.LittleEndian.PutUint32(buf[4:8], a.Error)
	return buf
}

func DecodeAllocateResponse(buf []byte) (AllocateResponse, error) {
	if len(buf) < 8 {
		return AllocateResponse{}, fmt.Errorf("protocol: allocate response too short (%d bytes)", len(buf))
	}
	return AllocateResponse{
		Address: binary.LittleEndian.Uint32(buf[0:4]),
		Error:   binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// FreeRequest is the payload of a CmdFree request.
type FreeRequest struct {
	Address uint32
}

func (f FreeRequest) Encode() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, f.Address)
	return buf
}

func DecodeFreeRequest(buf []byte) (FreeRequest, error) {
	if len(buf) < 4 {
		return FreeRequest{}, fmt.Errorf("protocol: free request too short (%d bytes)", len(buf))
	}
	return FreeRequest{Address: binary.LittleEndian.Uint32(buf[0:4])}, nil
}

// FreeResponse is the payload of an ok response to CmdFree.
type FreeResponse struct {
	Status uint32
}

func (f FreeResponse) Encode() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, f.Status)
	return buf
}

func DecodeFreeResponse(buf []byte) (FreeResponse, error) {
	if len(buf) < 4 {
		return FreeResponse{}, fmt.Errorf("protocol: free response too short (%d bytes)", len(buf))
	}
	return FreeResponse{Status: binary.LittleEndian.Uint32(buf[0:4])}, nil
}

// WriteFlagSkipBounds is bit0 of the write/read flags byte: skip device-table
// bounds checking for legitimate cross-subsystem access.
const WriteFlagSkipBounds uint8 = 0x01

// WriteMemoryRequest is the payload of a CmdWriteMemory request.
type WriteMemoryRequest struct {
	Address uint32
	Flags   uint8
	Data    []byte
}

func (w WriteMemoryRequest) Encode() []byte {
	buf := make([]byte, 8+len(w.Data))
	binary.LittleEndian.PutUint32(buf[0:4], w.Address)
	buf[4] = w.Flags
	// buf[5:8] reserved
	copy(buf[8:], w.Data)
	return buf
}

func DecodeWriteMemoryRequest(buf []byte) (WriteMemoryRequest, error) {
	if len(buf) < 8 {
		return WriteMemoryRequest{}, fmt.Errorf("protocol: write-memory request too short (%d bytes)", len(buf))
	}
	data := make([]byte, len(buf)-8)
	copy(data, buf[8:])
	return WriteMemoryRequest{
		Address: binary.LittleEndian.Uint32(buf[0:4]),
		Flags:   buf[4],
		Data:    data,
	}, nil
}

// WriteMemoryResponse is the payload of an ok response to CmdWriteMemory.
type WriteMemoryResponse struct {
	BytesWritten uint32
	Status       uint32
}

func (w WriteMemoryResponse) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], w.BytesWritten)
	binary.LittleEndian.PutUint32(buf[4:8], w.Status)
	return buf
}

func DecodeWriteMemoryResponse(buf []byte) (WriteMemoryResponse, error) {
	if len(buf) < 8 {
		return WriteMemoryResponse{}, fmt.Errorf("protocol: write-memory response too short (%d bytes)", len(buf))
	}
	return WriteMemoryResponse{
		BytesWritten: binary.LittleEndian.Uint32(buf[0:4]),
		Status:       binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// ReadMemoryRequest is the payload of a CmdReadMemory request.
type ReadMemoryRequest struct {
	Address uint32
	Size    uint32
	Flags   uint8
}

func (r ReadMemoryRequest) Encode() []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], r.Address)
	binary.LittleEndian.PutUint32(buf[4:8], r.Size)
	buf[8] = r.Flags
	return buf
}

func DecodeReadMemoryRequest(buf []byte) (ReadMemoryRequest, error) {
	if len(buf) < 12 {
		return ReadMemoryRequest{}, fmt.Errorf("protocol: read-memory request too short (%d bytes)", len(buf))
	}
	return ReadMemoryRequest{
		Address: binary.LittleEndian.Uint32(buf[0:4]),
		Size:    binary.LittleEndian.Uint32(buf[4:8]),
		Flags:   buf[8],
	}, nil
}

// ExecuteRequest is the payload of a CmdExecute request.
type ExecuteRequest struct {
	Address uint32
}

func (e ExecuteRequest) Encode() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, e.Address)
	return buf
}

func DecodeExecuteRequest(buf []byte) (ExecuteRequest, error) {
	if len(buf) < 4 {
		return ExecuteRequest{}, fmt.Errorf("protocol: execute request too short (%d bytes)", len(buf))
	}
	return ExecuteRequest{Address: binary.LittleEndian.Uint32(buf[0:4])}, nil
}

// ExecuteResponse is the payload of an ok response to CmdExecute.
type ExecuteResponse struct {
	ReturnValue uint32
}

func (e ExecuteResponse) Encode() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, e.ReturnValue)
	return buf
}

func DecodeExecuteResponse(buf []byte) (ExecuteResponse, error) {
	if len(buf) < 4 {
		return ExecuteResponse{}, fmt.Errorf("protocol: execute response too short (%d bytes)", len(buf))
	}
	return ExecuteResponse{ReturnValue: binary.LittleEndian.Uint32(buf[0:4])}, nil
}

// HeapInfoResponse is the payload of an ok response to CmdHeapInfo.
type HeapInfoResponse struct {
	FreeExternal  uint32
	TotalExternal uint32
	FreeInternal  uint32
	TotalInternal uint32
}

func (h HeapInfoResponse) Encode() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], h.FreeExternal)
	binary.LittleEndian.PutUint32(buf[4:8], h.TotalExternal)
	binary.LittleEndian.PutUint32(buf[8:12], h.FreeInternal)
	binary.LittleEndian.PutUint32(buf[12:16], h.TotalInternal)
	return buf
}

func DecodeHeapInfoResponse(buf []byte) (HeapInfoResponse, error) {
	if len(buf) < 16 {
		return HeapInfoResponse{}, fmt.Errorf("protocol: heap-info response too short (%d bytes)", len(buf))
	}
	return HeapInfoResponse{
		FreeExternal:  binary.LittleEndian.Uint32(buf[0:4]),
		TotalExternal: binary.LittleEndian.Uint32(buf[4:8]),
		FreeInternal:  binary.LittleEndian.Uint32(buf[8:12]),
		TotalInternal: binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// StatsResponse is the payload of an ok response to CmdGetStats (supplemented
// introspection command, see SPEC_FULL.md).
type StatsResponse struct {
	FramesReceived  uint32
	ChecksumErrors  uint32
	UnknownCommands uint32
	BytesDropped    uint32
}

func (s StatsResponse) Encode() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], s.FramesReceived)
	binary.LittleEndian.PutUint32(buf[4:8], s.ChecksumErrors)
	binary.LittleEndian.PutUint32(buf[8:12], s.UnknownCommands)
	binary.LittleEndian.PutUint32(buf[12:16], s.BytesDropped)
	return buf
}

func DecodeStatsResponse(buf []byte) (StatsResponse, error) {
	if len(buf) < 16 {
		return StatsResponse{}, fmt.Errorf("protocol: get-stats response too short (%d bytes)", len(buf))
	}
	return StatsResponse{
		FramesReceived:  binary.LittleEndian.Uint32(buf[0:4]),
		ChecksumErrors:  binary.LittleEndian.Uint32(buf[4:8]),
		UnknownCommands: binary.LittleEndian.Uint32(buf[8:12]),
		BytesDropped:    binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// ErrorResponse is the payload of any error-flagged response frame.
type ErrorResponse struct {
	Code uint32
}

func (e ErrorResponse) Encode() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, e.Code)
	return buf
}

func DecodeErrorResponse(buf []byte) (ErrorResponse, error) {
	if len(buf) < 4 {
		return ErrorResponse{}, fmt.Errorf("protocol: error response too short (%d bytes)", len(buf))
	}
	return ErrorResponse{Code: binary.LittleEndian.Uint32(buf[0:4])}, nil
}
