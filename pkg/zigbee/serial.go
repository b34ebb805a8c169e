package zigbee

import (
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

// UARTPort is the byte-duplex channel the ASH codec runs over. Write must
// be atomic per call: no partial writes are visible to other writers.
// ReadByte blocks until a byte is available or the port is closed.
type UARTPort interface {
	Write(data []byte) (int, error)
	ReadByte() (byte, error)
	Close() error
}

// SerialPort wraps a real serial connection to the Zigbee NCP.
type SerialPort struct {
	port serial.Port
	mu   sync.Mutex
}

// OpenSerial opens the serial port at 115200 baud, 8N1.
func OpenSerial(portPath string) (*SerialPort, error) {
	mode := &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portPath, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", portPath, err)
	}

	// Silicon Labs EZSP dongles require RTS/CTS hardware flow control.
	if err := port.SetRTS(true); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set RTS: %w", err)
	}

	log.Info().Str("port", portPath).Msg("Serial port opened")

	return &SerialPort{port: port}, nil
}

// Write sends raw bytes to the serial port. A single call to the
// underlying driver keeps the write atomic with respect to other writers.
func (s *SerialPort) Write(data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port.Write(data)
}

// Close closes the serial port.
func (s *SerialPort) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port.Close()
}

// ReadByte reads a single byte from the serial port.
func (s *SerialPort) ReadByte() (byte, error) {
	buf := make([]byte, 1)
	_, err := io.ReadFull(s.port, buf)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

// loopbackPort is an in-memory UARTPort used by tests: bytes written to
// one end are read back from the other, like a null-modem cable.
type loopbackPort struct {
	toPeer   chan byte
	fromPeer chan byte
	closed   chan struct{}
	closeMu  sync.Mutex
	isClosed bool
}

// newLoopbackPair returns two UARTPorts wired to each other.
func newLoopbackPair() (*loopbackPort, *loopbackPort) {
	a := make(chan byte, 4096)
	b := make(chan byte, 4096)
	closeA := make(chan struct{})
	closeB := make(chan struct{})
	return &loopbackPort{toPeer: a, fromPeer: b, closed: closeA},
		&loopbackPort{toPeer: b, fromPeer: a, closed: closeB}
}

func (p *loopbackPort) Write(data []byte) (int, error) {
	for _, b := range data {
		select {
		case p.toPeer <- b:
		case <-p.closed:
			return 0, io.ErrClosedPipe
		}
	}
	return len(data), nil
}

func (p *loopbackPort) ReadByte() (byte, error) {
	select {
	case b := <-p.fromPeer:
		return b, nil
	case <-p.closed:
		return 0, io.EOF
	}
}

func (p *loopbackPort) Close() error {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if !p.isClosed {
		p.isClosed = true
		close(p.closed)
	}
	return nil
}
