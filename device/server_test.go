package device

import (
	"bytes"
	"testing"
	"time"

	"rdnl/protocol"
)

func TestServerEchoesPingOverQueue(t *testing.T) {
	d := newTestDispatcher()
	q := NewByteQueue(1024)
	var out bytes.Buffer
	srv := NewServer(q, d, &out)
	go srv.Run()
	defer srv.Stop()

	req := protocol.Encode(protocol.Frame{Command: protocol.CmdPing, Payload: []byte{1, 2, 3}})
	q.Push(req)

	deadline := time.Now().Add(time.Second)
	for out.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert(t, out.Len() > 0, "expected a response frame to be written")

	resp, err := protocol.Decode(out.Bytes())
	assert(t, err == nil, "decode response: %v", err)
	assert(t, resp.Flags == protocol.FlagOK, "expected ok response")
	assert(t, bytes.Equal(resp.Payload, []byte{1, 2, 3}), "expected echoed payload")
}

func TestServerReportsChecksumErrorWithOriginalCommand(t *testing.T) {
	d := newTestDispatcher()
	q := NewByteQueue(1024)
	var out bytes.Buffer
	srv := NewServer(q, d, &out)
	go srv.Run()
	defer srv.Stop()

	wire := protocol.Encode(protocol.Frame{Command: protocol.CmdGetInfo, Payload: nil})
	wire[len(wire)-1] ^= 0xFF // corrupt checksum
	q.Push(wire)

	deadline := time.Now().Add(time.Second)
	for out.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert(t, out.Len() > 0, "expected an error response frame")

	resp, err := protocol.Decode(out.Bytes())
	assert(t, err == nil, "decode response: %v", err)
	assert(t, resp.Command == protocol.CmdGetInfo, "expected error response to carry the original command id")
	assert(t, resp.Flags == protocol.FlagError, "expected error-flagged response")
	er, err := protocol.DecodeErrorResponse(resp.Payload)
	assert(t, err == nil, "decode error payload: %v", err)
	assert(t, er.Code == protocol.ErrCodeChecksum, "expected checksum error code, got 0x%x", er.Code)
}
