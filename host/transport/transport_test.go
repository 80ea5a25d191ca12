package transport

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"rdnl/device"
	"rdnl/protocol"
)

func assert(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

// pipeRWC glues a Client's io.ReadWriteCloser requirement onto a pair of
// io.Pipe halves so the host and an in-process device.Server can talk without
// real hardware.
type pipeRWC struct {
	io.Reader
	io.Writer
}

func (p pipeRWC) Close() error { return nil }

func startLoopback(t *testing.T) (*Client, *device.Dispatcher, func()) {
	t.Helper()
	deviceIn, hostToDevice := io.Pipe()
	hostFrom, deviceOut := io.Pipe()

	mem := device.NewMemory(0x1000, 0x20000)
	alloc := device.NewSimAllocator(0x1000, 0x20000)
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

	client := NewClient(pipeRWC{Reader: hostFrom, Writer: hostToDevice}, 1)
	cleanup := func() {
		srv.Stop()
		hostToDevice.Close()
		deviceIn.Close()
		deviceOut.Close()
		hostFrom.Close()
	}
	return client, disp, cleanup
}

func TestEndToEndHandshakeAndPing(t *testing.T) {
	client, _, cleanup := startLoopback(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	info, err := client.Handshake(ctx)
	assert(t, err == nil, "handshake: %v", err)
	assert(t, info.ProtocolMajor == 1, "expected major version 1")

	echoed, err := client.Ping(ctx, []byte{0xCA, 0xFE})
	assert(t, err == nil, "ping: %v", err)
	assert(t, bytes.Equal(echoed, []byte{0xCA, 0xFE}), "expected echoed payload")
}

func TestEndToEndAllocateWriteReadFreeWithShadowParity(t *testing.T) {
	client, _, cleanup := startLoopback(t)
	defer cleanup()
	shadow := NewShadowTable()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	addr, err := client.Allocate(ctx, 32, 8, 0)
	assert(t, err == nil, "allocate: %v", err)
	shadow.Insert(addr, 32)

	assert(t, shadow.CheckRange(addr, 32) == nil, "shadow should cover the allocated range")

	data := bytes.Repeat([]byte{0x7E}, 32)
	n, err := client.Write(ctx, addr, data, false)
	assert(t, err == nil, "write: %v", err)
	assert(t, n == 32, "expected 32 bytes written, got %d", n)

	got, err := client.Read(ctx, addr, 32, false)
	assert(t, err == nil, "read: %v", err)
	assert(t, bytes.Equal(got, data), "read data mismatch")

	err = client.Free(ctx, addr)
	assert(t, err == nil, "free: %v", err)
	shadow.Remove(addr)

	assert(t, len(shadow.Live()) == 0, "shadow table should be empty after free")
}

func TestEndToEndOutOfBoundsReadRejected(t *testing.T) {
	client, _, cleanup := startLoopback(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	addr, err := client.Allocate(ctx, 16, 4, 0)
	assert(t, err == nil, "allocate: %v", err)

	_, err = client.Read(ctx, addr, 64, false)
	assert(t, err != nil, "expected out-of-bounds read to fail")
	var devErr *DeviceError
	assert(t, asDeviceError(err, &devErr), "expected a DeviceError, got %v", err)
	assert(t, devErr.Code == protocol.ErrCodeInvalidAddress, "expected ErrCodeInvalidAddress, got 0x%x", devErr.Code)
}

func asDeviceError(err error, target **DeviceError) bool {
	de, ok := err.(*DeviceError)
	if ok {
		*target = de
	}
	return ok
}
