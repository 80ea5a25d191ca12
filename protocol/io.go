package protocol

import (
	"encoding/binary"
	"io"
)

// ChecksumError is returned by ReadFrame when a frame's trailing checksum does
// not match, carrying the command id that was received so the caller can
// reply with an error frame attributing the failure to the intended request
// (spec §4.3: "the device replies with an error frame using the received
// command id").
type ChecksumError struct {
	Command byte
}

func (e *ChecksumError) Error() string { return "protocol: checksum mismatch" }

func (e *ChecksumError) Unwrap() error { return ErrChecksum }

// OversizePayloadError is returned by ReadFrame when a frame claims a payload
// length larger than maxPayload. Drained records how many bytes were consumed
// off the stream to resynchronize (L+2, per spec §4.3).
type OversizePayloadError struct {
	Drained uint32
}

func (e *OversizePayloadError) Error() string { return "protocol: oversize payload" }

func (e *OversizePayloadError) Unwrap() error { return ErrOversizePayload }

// ReadFrame pulls exactly one frame off r. Both the host client and the
// device's receive loop (device.Server) use it: it resynchronizes on the magic bytes
// byte-by-byte before committing to reading a header, matching spec §4.3's
// "out of band: bad magic resynchronizes by byte" rule.
//
// maxPayload bounds how large a claimed payload length is accepted; a frame
// claiming more is drained (to keep the stream in sync for the next caller)
// and an *OversizePayloadError, which unwraps to ErrOversizePayload, is
// returned.
func ReadFrame(r io.Reader, maxPayload int) (Frame, error) {
	var hdr [HeaderSize]byte

	// Resync on magic: read one byte at a time until we see Magic0 followed by Magic1.
	if _, err := io.ReadFull(r, hdr[:1]); err != nil {
		return Frame{}, err
	}
	for hdr[0] != Magic0 {
		if _, err := io.ReadFull(r, hdr[:1]); err != nil {
			return Frame{}, err
		}
	}
	if _, err := io.ReadFull(r, hdr[1:2]); err != nil {
		return Frame{}, err
	}
	for hdr[1] != Magic1 {
		hdr[0] = hdr[1]
		for hdr[0] != Magic0 {
			if _, err := io.ReadFull(r, hdr[:1]); err != nil {
				return Frame{}, err
			}
		}
		if _, err := io.ReadFull(r, hdr[1:2]); err != nil {
			return Frame{}, err
		}
	}

	if _, err := io.ReadFull(r, hdr[2:HeaderSize]); err != nil {
		return Frame{}, err
	}
	cmd := hdr[2]
	flags := hdr[3]
	length := binary.LittleEndian.Uint32(hdr[4:8])

	if int(length) > maxPayload {
		// Drain L+2 bytes to resynchronize, per spec §4.3.
		drain := make([]byte, 4096)
		total := int(length) + TrailerSize
		remaining := total
		for remaining > 0 {
			n := remaining
			if n > len(drain) {
				n = len(drain)
			}
			read, err := io.ReadFull(r, drain[:n])
			remaining -= read
			if err != nil {
				return Frame{}, err
			}
		}
		return Frame{}, &OversizePayloadError{Drained: uint32(total)}
	}

	body := make([]byte, int(length)+TrailerSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	payload := body[:length]
	wantSum := binary.LittleEndian.Uint16(body[length:])
	gotSum := checksum(hdr[:], payload)
	if wantSum != gotSum {
		return Frame{}, &ChecksumError{Command: cmd}
	}

	return Frame{Command: cmd, Flags: flags, Payload: payload}, nil
}

// WriteFrame encodes and writes f to w in one call.
func WriteFrame(w io.Writer, f Frame) error {
	_, err := w.Write(Encode(f))
	return err
}
