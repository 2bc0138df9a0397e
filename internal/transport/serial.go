package transport

import (
	"bytes"
	"fmt"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/muurk/sonixflash/internal/logging"
)

const (
	// DefaultBaudRate is the fixed ISP link speed.
	DefaultBaudRate = 750000

	// DefaultEchoTimeout bounds the wait for the echo of one Send.
	DefaultEchoTimeout = 50 * time.Millisecond
)

// Port is the part of serial.Port used by Serial.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	Close() error
}

// Serial is a Channel over a serial port.
type Serial struct {
	port   Port
	name   string
	logger *zap.Logger

	echo        bool
	echoTimeout time.Duration

	releasePin   Pin
	releaseLevel bool

	readTimeout time.Duration
	closed      bool
}

// Option configures a Serial.
type Option func(*Serial)

// WithLogger sets the logger used for traffic dumps.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Serial) {
		s.logger = logger
	}
}

// WithEcho enables or disables echo checking on Send.
func WithEcho(enabled bool) Option {
	return func(s *Serial) {
		s.echo = enabled
	}
}

// WithEchoTimeout sets how long Send waits for its echo.
func WithEchoTimeout(d time.Duration) Option {
	return func(s *Serial) {
		s.echoTimeout = d
	}
}

// WithReleaseLine sets the line state restored on Close.
func WithReleaseLine(pin Pin, level bool) Option {
	return func(s *Serial) {
		s.releasePin = pin
		s.releaseLevel = level
	}
}

// OpenSerial opens name at 750,000 baud 8N1.
func OpenSerial(name string, opts ...Option) (*Serial, error) {
	mode := &serial.Mode{
		BaudRate: DefaultBaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", name, err)
	}

	s := NewSerial(port, name, opts...)
	if err := port.ResetInputBuffer(); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("flush serial port %s: %w", name, err)
	}
	return s, nil
}

// NewSerial wraps an already opened port.
func NewSerial(port Port, name string, opts ...Option) *Serial {
	s := &Serial{
		port:        port,
		name:        name,
		logger:      zap.NewNop(),
		echo:        true,
		echoTimeout: DefaultEchoTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the port name.
func (s *Serial) Name() string {
	return s.name
}

func (s *Serial) Send(data []byte) error {
	if s.closed {
		return ErrClosed
	}
	logging.LogRawBytes(s.logger, "TX", data)

	for written := 0; written < len(data); {
		n, err := s.port.Write(data[written:])
		if err != nil {
			return fmt.Errorf("write %s: %w", s.name, err)
		}
		written += n
	}

	if !s.echo {
		return nil
	}

	echo, err := s.Receive(len(data), s.echoTimeout)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEchoMismatch, err)
	}
	if !bytes.Equal(echo, data) {
		return fmt.Errorf("%w: sent % X, read back % X", ErrEchoMismatch, data, echo)
	}
	return nil
}

func (s *Serial) Receive(n int, timeout time.Duration) ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}

	buf := make([]byte, n)
	got := 0
	deadline := time.Now().Add(timeout)

	for got < n {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if remaining != s.readTimeout {
			if err := s.port.SetReadTimeout(remaining); err != nil {
				return buf[:got], fmt.Errorf("set read timeout: %w", err)
			}
			s.readTimeout = remaining
		}

		r, err := s.port.Read(buf[got:])
		if err != nil {
			return buf[:got], fmt.Errorf("read %s: %w", s.name, err)
		}
		if r == 0 {
			// read timeout
			break
		}
		got += r
	}

	logging.LogRawBytes(s.logger, "RX", buf[:got])
	if got < n {
		return buf[:got], &TimeoutError{Want: n, Got: got}
	}
	return buf, nil
}

func (s *Serial) SetLine(pin Pin, level bool) error {
	if s.closed {
		return ErrClosed
	}
	s.logger.Debug("set modem line", zap.Stringer("pin", pin), zap.Bool("level", level))

	switch pin {
	case PinRTS:
		return s.port.SetRTS(level)
	case PinDTR:
		return s.port.SetDTR(level)
	}
	return nil
}

func (s *Serial) Discard() error {
	if s.closed {
		return ErrClosed
	}
	return s.port.ResetInputBuffer()
}

// Close releases the reset line and closes the port. It is safe to call twice.
func (s *Serial) Close() error {
	if s.closed {
		return nil
	}
	lineErr := s.SetLine(s.releasePin, s.releaseLevel)
	s.closed = true

	if err := s.port.Close(); err != nil {
		return fmt.Errorf("close %s: %w", s.name, err)
	}
	if lineErr != nil {
		return fmt.Errorf("release reset line: %w", lineErr)
	}
	return nil
}
