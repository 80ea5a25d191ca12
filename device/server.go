package device

import (
	"errors"
	"io"
	"time"

	"rdnl/protocol"
)

// queueReader adapts a ByteQueue to io.Reader by polling: the protocol loop
// "blocks in read on the transport byte queue" (spec §5), which here is a
// short sleep-and-retry since ByteQueue itself never blocks.
type queueReader struct {
	q    *ByteQueue
	poll time.Duration
	stop chan struct{}
}

func (r *queueReader) Read(p []byte) (int, error) {
	for {
		n := r.q.Pop(p)
		if n > 0 {
			return n, nil
		}
		select {
		case <-r.stop:
			return 0, errServerStopped
		default:
		}
		time.Sleep(r.poll)
	}
}

// frameWriter is anything the loop can send a response frame to; in
// production this is the transport's outgoing half, in tests a bytes.Buffer
// or io.Pipe.
type frameWriter interface {
	Write(p []byte) (int, error)
}

// Server is the single cooperative protocol loop of spec §4 "Device side":
// it reads frames off its ByteQueue (fed from an interrupt handler via Push),
// dispatches each to the Dispatcher, and writes exactly one response frame per
// request. It never blocks anywhere except the queue read, and a long-running
// execute blocks all further commands until it returns — documented as
// intentional in spec §5.
type Server struct {
	Queue      *ByteQueue
	Dispatcher *Dispatcher
	Out        frameWriter
	MaxPayload int

	stop chan struct{}
	done chan struct{}
}

// NewServer wires a Server over an already-created queue, dispatcher, and
// output sink.
func NewServer(queue *ByteQueue, disp *Dispatcher, out frameWriter) *Server {
	return &Server{
		Queue:      queue,
		Dispatcher: disp,
		Out:        out,
		MaxPayload: int(disp.MaxPayload),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run executes the protocol loop until Stop is called. It is meant to run on
// its own goroutine, standing in for "the lifetime of the firmware."
func (s *Server) Run() {
	defer close(s.done)
	r := &queueReader{q: s.Queue, poll: 200 * time.Microsecond, stop: s.stop}
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		frame, err := s.readOne(r)
		if err != nil {
			if errors.Is(err, errServerStopped) {
				return
			}
			continue
		}
		resp := s.Dispatcher.Handle(frame)
		_ = protocol.WriteFrame(s.Out, resp)
	}
}

var errServerStopped = errors.New("device: server stopped")

// readOne reads and, where the receive state machine calls for it, directly
// handles a framing-level failure (checksum mismatch, oversize payload)
// without involving the Dispatcher's command table.
func (s *Server) readOne(r io.Reader) (protocol.Frame, error) {
	select {
	case <-s.stop:
		return protocol.Frame{}, errServerStopped
	default:
	}
	frame, err := protocol.ReadFrame(r, s.MaxPayload)
	if err == nil {
		return frame, nil
	}
	var checksumErr *protocol.ChecksumError
	if errors.As(err, &checksumErr) {
		s.Dispatcher.NoteChecksumError()
		resp := protocol.Frame{
			Command: checksumErr.Command,
			Flags:   protocol.FlagError,
			Payload: protocol.ErrorResponse{Code: protocol.ErrCodeChecksum}.Encode(),
		}
		_ = protocol.WriteFrame(s.Out, resp)
		return protocol.Frame{}, err
	}
	var oversizeErr *protocol.OversizePayloadError
	if errors.As(err, &oversizeErr) {
		// Spec §4.3: "no response is sent for that frame" on oversize payload.
		s.Dispatcher.NoteBytesDropped(oversizeErr.Drained)
		return protocol.Frame{}, err
	}
	return protocol.Frame{}, err
}

// Stop signals Run to exit and waits for it to finish.
func (s *Server) Stop() {
	close(s.stop)
	<-s.done
}
