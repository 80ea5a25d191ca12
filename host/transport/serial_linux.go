//go:build linux

package transport

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// baudRates maps common rates to the termios speed constants. The CDC-ACM
// gadget class doesn't actually regulate real UART timing — actual hardware
// USB framing is used regardless — but firmware implementations still expect
// the host to open the device node in raw, non-canonical mode, so that part
// is not optional.
var baudRates = map[int]uint32{
	9600:    unix.B9600,
	115200:  unix.B115200,
	921600:  unix.B921600,
	1500000: unix.B1500000,
}

// OpenSerial opens path (e.g. "/dev/ttyACM0") and configures it as a raw,
// non-canonical byte pipe: no line discipline, no echo, no signal generation,
// 8-N-1, matching the "ordered reliable byte stream" the rest of the protocol
// assumes. This is the one piece of the out-of-scope CDC-ACM transport driver
// (spec §1) that legitimately lives on the host side: configuring the device
// node, not implementing the USB class.
func OpenSerial(path string, baud int) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: open serial port %s: %w", path, err)
	}

	speed, ok := baudRates[baud]
	if !ok {
		f.Close()
		return nil, fmt.Errorf("transport: unsupported baud rate %d", baud)
	}

	term, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("transport: get termios on %s: %w", path, err)
	}

	// cfmakeraw equivalent: disable all input/output/line processing.
	term.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	term.Oflag &^= unix.OPOST
	term.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	term.Cflag &^= unix.CSIZE | unix.PARENB
	term.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	term.Cc[unix.VMIN] = 1
	term.Cc[unix.VTIME] = 0

	term.Ispeed = speed
	term.Ospeed = speed
	setBaudBits(term, speed)

	if err := unix.IoctlSetTermios(int(f.Fd()), unix.TCSETS, term); err != nil {
		f.Close()
		return nil, fmt.Errorf("transport: set termios on %s: %w", path, err)
	}

	return f, nil
}

func setBaudBits(term *unix.Termios, speed uint32) {
	term.Cflag &^= unix.CBAUD
	term.Cflag |= speed & unix.CBAUD
}
