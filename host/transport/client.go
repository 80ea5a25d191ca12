// Package transport implements the host-side half of the framed protocol:
// a single-in-flight request/response client, the shadow allocation table
// used to pre-validate memory access before a packet is ever sent, and (on
// Linux) raw serial port configuration for the CDC-ACM byte pipe.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"rdnl/protocol"
)

// ErrMajorVersionMismatch is returned by Handshake when the device's
// protocol_major does not match Expected.
var ErrMajorVersionMismatch = errors.New("transport: incompatible protocol major version")

// ErrTimeout is returned when a response is not read before the context
// deadline; the client discards any buffered state on this path.
var ErrTimeout = errors.New("transport: read timeout")

// ErrBusy is returned when a second request is attempted while one is still
// in flight, per spec §5 "one in-flight request at a time."
var ErrBusy = errors.New("transport: request already in flight")

// Logf is a debug log hook; nil disables logging. Matches the Debug-gated
// fmt.Fprintf idiom used throughout the teacher's compiler package.
type Logf func(format string, args ...any)

// Client is the host-side transport: single in-flight request, version
// handshake via Handshake, and discard-on-timeout semantics.
type Client struct {
	rw io.ReadWriteCloser

	mu      sync.Mutex
	busy    bool
	version protocol.GetInfoResponse

	MaxPayload    int
	ExpectedMajor uint8

	Log Logf
}

// NewClient wraps an already-open reliable ordered byte stream (a serial
// port, a pipe, anything). It does not itself open the device node; see
// OpenSerial for that on Linux.
func NewClient(rw io.ReadWriteCloser, expectedMajor uint8) *Client {
	return &Client{rw: rw, ExpectedMajor: expectedMajor, MaxPayload: 1 << 17}
}

func (c *Client) logf(format string, args ...any) {
	if c.Log != nil {
		c.Log(format, args...)
	}
}

// roundTrip sends req and returns the decoded response, respecting the
// single-in-flight rule and the context deadline. On a context error it
// discards client-side session state so the next call starts clean, per
// spec §4.3 "Host client ... on timeout the client discards the serial
// buffer and raises to the caller."
func (c *Client) roundTrip(ctx context.Context, req protocol.Frame) (protocol.Frame, error) {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return protocol.Frame{}, ErrBusy
	}
	c.busy = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	if err := protocol.WriteFrame(c.rw, req); err != nil {
		return protocol.Frame{}, fmt.Errorf("transport: write request: %w", err)
	}

	type result struct {
		frame protocol.Frame
		err   error
	}
	resultCh := make(chan result, 1)
	go func() {
		f, err := protocol.ReadFrame(c.rw, c.MaxPayload)
		resultCh <- result{f, err}
	}()

	select {
	case <-ctx.Done():
		c.discard()
		return protocol.Frame{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	case r := <-resultCh:
		if r.err != nil {
			return protocol.Frame{}, fmt.Errorf("transport: read response: %w", r.err)
		}
		return r.frame, nil
	}
}

// discard drops buffered session state after a timeout. The underlying
// stream itself cannot be rewound; closing and the caller reopening the port
// is the documented recovery path for a genuinely desynchronized link.
func (c *Client) discard() {
	c.logf("transport: discarding session state after timeout\n")
}

// Do sends a request frame and returns the response, or an error describing
// an error-flagged response (ErrorResponse) wrapped with its code.
func (c *Client) Do(ctx context.Context, cmd byte, payload []byte) (protocol.Frame, error) {
	resp, err := c.roundTrip(ctx, protocol.Frame{Command: cmd, Flags: protocol.FlagRequest, Payload: payload})
	if err != nil {
		return protocol.Frame{}, err
	}
	if resp.Flags == protocol.FlagError {
		er, decodeErr := protocol.DecodeErrorResponse(resp.Payload)
		if decodeErr != nil {
			return protocol.Frame{}, fmt.Errorf("transport: error response with unparseable payload: %w", decodeErr)
		}
		return protocol.Frame{}, &DeviceError{Command: cmd, Code: er.Code}
	}
	return resp, nil
}

// DeviceError wraps an error-flagged response's code, per spec §7's "Memory"
// and protocol error kinds.
type DeviceError struct {
	Command byte
	Code    uint32
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("transport: device rejected command 0x%02x with error 0x%02x", e.Command, e.Code)
}

// Handshake issues get-info and refuses the connection when the device's
// major version differs from ExpectedMajor. The minor version is not
// compared, and no warning is logged for it.
func (c *Client) Handshake(ctx context.Context) (protocol.GetInfoResponse, error) {
	resp, err := c.Do(ctx, protocol.CmdGetInfo, nil)
	if err != nil {
		return protocol.GetInfoResponse{}, fmt.Errorf("transport: handshake: %w", err)
	}
	info, err := protocol.DecodeGetInfoResponse(resp.Payload)
	if err != nil {
		return protocol.GetInfoResponse{}, fmt.Errorf("transport: handshake: %w", err)
	}
	if info.ProtocolMajor != c.ExpectedMajor {
		return info, fmt.Errorf("%w: device is %d.%d, expected major %d", ErrMajorVersionMismatch, info.ProtocolMajor, info.ProtocolMinor, c.ExpectedMajor)
	}
	c.version = info
	return info, nil
}

// Close releases the underlying stream.
func (c *Client) Close() error { return c.rw.Close() }

// Ping exercises the echo command.
func (c *Client) Ping(ctx context.Context, payload []byte) ([]byte, error) {
	resp, err := c.Do(ctx, protocol.CmdPing, payload)
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// Allocate requests a device memory region.
func (c *Client) Allocate(ctx context.Context, size, alignment, caps uint32) (uint32, error) {
	resp, err := c.Do(ctx, protocol.CmdAllocate, protocol.AllocateRequest{Size: size, Caps: caps, Alignment: alignment}.Encode())
	if err != nil {
		return 0, err
	}
	ar, err := protocol.DecodeAllocateResponse(resp.Payload)
	if err != nil {
		return 0, err
	}
	if ar.Error != 0 {
		return 0, &DeviceError{Command: protocol.CmdAllocate, Code: ar.Error}
	}
	return ar.Address, nil
}

// Free releases a device memory region.
func (c *Client) Free(ctx context.Context, address uint32) error {
	resp, err := c.Do(ctx, protocol.CmdFree, protocol.FreeRequest{Address: address}.Encode())
	if err != nil {
		return err
	}
	fr, err := protocol.DecodeFreeResponse(resp.Payload)
	if err != nil {
		return err
	}
	if fr.Status != 0 {
		return fmt.Errorf("transport: free of 0x%x reported nonzero status %d", address, fr.Status)
	}
	return nil
}

// Write uploads data to a device address.
func (c *Client) Write(ctx context.Context, address uint32, data []byte, skipBounds bool) (uint32, error) {
	var flags uint8
	if skipBounds {
		flags = protocol.WriteFlagSkipBounds
	}
	resp, err := c.Do(ctx, protocol.CmdWriteMemory, protocol.WriteMemoryRequest{Address: address, Flags: flags, Data: data}.Encode())
	if err != nil {
		return 0, err
	}
	wr, err := protocol.DecodeWriteMemoryResponse(resp.Payload)
	if err != nil {
		return 0, err
	}
	return wr.BytesWritten, nil
}

// Read downloads size bytes from a device address.
func (c *Client) Read(ctx context.Context, address, size uint32, skipBounds bool) ([]byte, error) {
	var flags uint8
	if skipBounds {
		flags = protocol.WriteFlagSkipBounds
	}
	resp, err := c.Do(ctx, protocol.CmdReadMemory, protocol.ReadMemoryRequest{Address: address, Size: size, Flags: flags}.Encode())
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// Execute runs the loaded entry point at address and returns its u32 result.
func (c *Client) Execute(ctx context.Context, address uint32) (uint32, error) {
	resp, err := c.Do(ctx, protocol.CmdExecute, protocol.ExecuteRequest{Address: address}.Encode())
	if err != nil {
		return 0, err
	}
	er, err := protocol.DecodeExecuteResponse(resp.Payload)
	if err != nil {
		return 0, err
	}
	return er.ReturnValue, nil
}

// HeapInfo queries device heap statistics.
func (c *Client) HeapInfo(ctx context.Context) (protocol.HeapInfoResponse, error) {
	resp, err := c.Do(ctx, protocol.CmdHeapInfo, nil)
	if err != nil {
		return protocol.HeapInfoResponse{}, err
	}
	return protocol.DecodeHeapInfoResponse(resp.Payload)
}
