package driver

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// SerialTransport is a Transport over a hardware serial port. The ST3215 bus
// runs 8N1 at 1 Mbaud by default.
type SerialTransport struct {
	port serial.Port
	name string
}

// OpenSerial opens the serial port at the given path and baud rate.
func OpenSerial(path string, baudRate int, timeout time.Duration) (*SerialTransport, error) {
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}

	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &SerialTransport{port: port, name: path}, nil
}

func (t *SerialTransport) Read(p []byte) (int, error) {
	return t.port.Read(p)
}

func (t *SerialTransport) Write(p []byte) (int, error) {
	return t.port.Write(p)
}

func (t *SerialTransport) Close() error {
	return t.port.Close()
}

func (t *SerialTransport) SetReadTimeout(timeout time.Duration) error {
	return t.port.SetReadTimeout(timeout)
}

func (t *SerialTransport) Flush() error {
	return t.port.ResetInputBuffer()
}

// PortName returns the path the transport was opened on.
func (t *SerialTransport) PortName() string {
	return t.name
}
