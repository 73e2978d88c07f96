package snoop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/ranging.report/internal/monitoring"
	"github.com/banshee-data/ranging.report/internal/timeutil"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutSerialPorter extends SerialPorter with timeout capabilities.
// This is an optional interface that serial ports may implement.
type TimeoutSerialPorter interface {
	SerialPorter
	// SetReadTimeout sets the read timeout for the serial port.
	SetReadTimeout(timeout time.Duration) error
}

// standardBaudRates lists the rates accepted for an HCI UART, including the
// high-speed rates controllers switch to after initialisation.
var standardBaudRates = []int{9600, 19200, 38400, 57600, 115200, 230400, 460800, 921600, 1000000, 2000000, 3000000}

// PortOptions describes the serial connection to the controller's HCI UART.
// The JSON tags match the serial section of the config file.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalise validates the options and applies defaults for any unset values.
func (o PortOptions) Normalise() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}
	if !slices.Contains(standardBaudRates, opts.BaudRate) {
		return opts, fmt.Errorf("unsupported baud rate %d", opts.BaudRate)
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	parity := strings.TrimSpace(strings.ToUpper(opts.Parity))
	if parity == "" {
		parity = "N"
	}

	switch parity {
	case "N", "NONE":
		parity = "N"
	case "E", "EVEN":
		parity = "E"
	case "O", "ODD":
		parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}

	opts.Parity = parity
	return opts, nil
}

// SerialMode converts the port options into the serial.Mode structure required by
// go.bug.st/serial when opening a port.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalise()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	} else {
		mode.StopBits = serial.OneStopBit
	}

	switch opts.Parity {
	case "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}

	return mode, nil
}

// OpenSerialPort opens the controller UART at path.
func OpenSerialPort(path string, opts PortOptions) (serial.Port, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	return port, nil
}

// serialReadTimeout bounds each blocking read so cancellation is noticed.
const serialReadTimeout = 200 * time.Millisecond

// SerialSource reads the raw HCI byte stream from a controller UART. Each
// read becomes one record stamped with the clock's current time.
//
// The UART only echoes what the controller received, so every successful
// Write is also queued as a Sent record. Next returns queued writes before
// reading the port again, which lets the trace show this device's own
// transmissions the way an HCI snoop log does.
type SerialSource struct {
	port  SerialPorter
	clock timeutil.Clock
	buf   []byte

	mu   sync.Mutex
	sent []Record
}

// NewSerialSource wraps port. A nil clock uses the wall clock.
func NewSerialSource(port SerialPorter, clock timeutil.Clock) *SerialSource {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if tp, ok := port.(TimeoutSerialPorter); ok {
		if err := tp.SetReadTimeout(serialReadTimeout); err != nil {
			monitoring.Logf("serial: failed to set read timeout, cancellation waits for the next byte: %v", err)
		}
	}
	return &SerialSource{port: port, clock: clock, buf: make([]byte, 4096)}
}

// Stream reports that packets may span several reads.
func (s *SerialSource) Stream() bool { return true }

// Next blocks until bytes arrive, the port fails, or ctx is cancelled.
func (s *SerialSource) Next(ctx context.Context) (Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Record{}, err
		}
		if rec, ok := s.nextSent(); ok {
			return rec, nil
		}
		n, err := s.port.Read(s.buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, s.buf[:n])
			return Record{Timestamp: timeutil.Micros(s.clock.Now()), Data: data}, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Record{}, io.EOF
			}
			return Record{}, fmt.Errorf("serial read failed: %w", err)
		}
		// n == 0 without error is a read timeout.
	}
}

// Write sends bytes to the controller, used for outbound ranging packets.
func (s *SerialSource) Write(p []byte) (int, error) {
	n, err := s.port.Write(p)
	if n > 0 {
		data := make([]byte, n)
		copy(data, p[:n])
		s.mu.Lock()
		s.sent = append(s.sent, Record{Timestamp: timeutil.Micros(s.clock.Now()), Data: data, Sent: true})
		s.mu.Unlock()
	}
	return n, err
}

func (s *SerialSource) nextSent() (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return Record{}, false
	}
	rec := s.sent[0]
	s.sent = s.sent[1:]
	return rec, true
}

// Close closes the port.
func (s *SerialSource) Close() error {
	return s.port.Close()
}
