package reader

import (
	"fmt"
	"io"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/slamfeed/internal/config"
	"github.com/banshee-data/slamfeed/internal/stopping"
)

// SerialScheme prefixes source paths that name a serial device.
const SerialScheme = "serial://"

// serialReadTimeout bounds each blocking read so the stop flag is observed.
const serialReadTimeout = 200 * time.Millisecond

// SerialPort is the subset of serial.Port used by the NMEA reader.
type SerialPort interface {
	io.ReadCloser
	SetReadTimeout(t time.Duration) error
}

// SerialOpener opens a serial device.
type SerialOpener func(device string, mode *serial.Mode) (SerialPort, error)

// OpenSerialPort opens a real serial device with go.bug.st/serial.
func OpenSerialPort(device string, mode *serial.Mode) (SerialPort, error) {
	return serial.Open(device, mode)
}

// NMEA 0183 receivers talk 4800 baud 8N1 unless configured otherwise.
const defaultNMEABaud = 4800

var stopBitModes = map[int]serial.StopBits{
	0: serial.OneStopBit,
	1: serial.OneStopBit,
	2: serial.TwoStopBits,
}

var parityModes = map[string]serial.Parity{
	"":     serial.NoParity,
	"n":    serial.NoParity,
	"none": serial.NoParity,
	"e":    serial.EvenParity,
	"even": serial.EvenParity,
	"o":    serial.OddParity,
	"odd":  serial.OddParity,
}

// serialMode builds the port mode for a source. Unset fields take the NMEA
// defaults.
func serialMode(src config.SourceConfig) (*serial.Mode, error) {
	mode := &serial.Mode{BaudRate: src.BaudRate, DataBits: src.DataBits}
	if mode.BaudRate <= 0 {
		mode.BaudRate = defaultNMEABaud
	}
	switch {
	case mode.DataBits == 0:
		mode.DataBits = 8
	case mode.DataBits < 5 || mode.DataBits > 8:
		return nil, fmt.Errorf("%w: data bits %d outside 5..8", config.ErrConfiguration, src.DataBits)
	}

	stop, ok := stopBitModes[src.StopBits]
	if !ok {
		return nil, fmt.Errorf("%w: stop bits %d, want 1 or 2", config.ErrConfiguration, src.StopBits)
	}
	mode.StopBits = stop

	parity, ok := parityModes[strings.ToLower(strings.TrimSpace(src.Parity))]
	if !ok {
		return nil, fmt.Errorf("%w: parity %q, want none, even or odd", config.ErrConfiguration, src.Parity)
	}
	mode.Parity = parity
	return mode, nil
}

// serialSource adapts a serial port into a finite reader: it reports io.EOF
// once the stop flag is raised, since a live device never ends on its own.
type serialSource struct {
	port SerialPort
	stop *stopping.Criterion
}

func openSerialSource(env Env, path string, src config.SourceConfig) (*serialSource, error) {
	mode, err := serialMode(src)
	if err != nil {
		return nil, err
	}
	device := strings.TrimPrefix(path, SerialScheme)
	port, err := env.OpenSerial(device, mode)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		port.Close()
		return nil, err
	}
	return &serialSource{port: port, stop: env.Stop}, nil
}

func (s *serialSource) Read(p []byte) (int, error) {
	for {
		if s.stop != nil && s.stop.ON() {
			return 0, io.EOF
		}
		// A read timeout returns 0, nil.
		n, err := s.port.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func (s *serialSource) Close() error {
	return s.port.Close()
}
