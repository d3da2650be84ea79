package driver

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout    = errors.New("communication timeout")
	ErrNoResponse = errors.New("no response from servo")
	ErrInvalidID  = errors.New("invalid servo ID")
)

// Conn is an open connection to an ST3215 servo bus. It is not safe for
// concurrent use; the bus manager above it serializes all access.
type Conn struct {
	transport Transport
	timeout   time.Duration
}

// Config holds configuration for opening a connection.
type Config struct {
	// Transport is the underlying communication transport.
	// If nil, Port must be specified to open a serial connection.
	Transport Transport

	// Port is the serial port path (e.g., "/dev/ttyUSB0").
	// Ignored if Transport is provided.
	Port string

	// BaudRate is the communication speed. Default is 1000000.
	BaudRate int

	// Timeout for communication operations. Default is 1 second.
	Timeout time.Duration
}

// Open opens a connection to the servo bus described by cfg.
func Open(cfg Config) (*Conn, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 1000000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}

	transport := cfg.Transport
	if transport == nil {
		if cfg.Port == "" {
			return nil, errors.New("either Transport or Port must be specified")
		}
		var err error
		transport, err = OpenSerial(cfg.Port, cfg.BaudRate, cfg.Timeout)
		if err != nil {
			return nil, err
		}
	}

	return &Conn{
		transport: transport,
		timeout:   cfg.Timeout,
	}, nil
}

// Close closes the underlying transport.
func (c *Conn) Close() error {
	return c.transport.Close()
}

// Ping reports whether the servo with the given ID answers on the bus.
func (c *Conn) Ping(ctx context.Context, id int) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}

	if err := c.sendPacket(pingPacket(byte(id))); err != nil {
		return false, err
	}

	resp, err := c.readResponse(ctx, 6)
	if err != nil {
		if errors.Is(err, ErrNoResponse) || errors.Is(err, ErrTimeout) {
			return false, nil
		}
		return false, err
	}

	return resp.ID == byte(id), nil
}

// ListServos scans the full ID range and returns every ID that answers.
func (c *Conn) ListServos(ctx context.Context) ([]int, error) {
	var found []int
	for id := 0; id <= int(MaxServoID); id++ {
		select {
		case <-ctx.Done():
			return found, ctx.Err()
		default:
		}

		ok, err := c.Ping(ctx, id)
		if err != nil {
			return found, err
		}
		if ok {
			found = append(found, id)
		}
	}
	return found, nil
}

// MoveTo commands the servo to the given absolute position. Acceleration is
// written first, then position, time and speed in one register block.
func (c *Conn) MoveTo(ctx context.Context, id, position, speed, accel int) error {
	if err := c.writeRegister(ctx, byte(id), regAcceleration, []byte{byte(accel)}); err != nil {
		return err
	}

	// goal position(2) + time(2, unused) + speed(2)
	data := make([]byte, 0, 6)
	data = append(data, encodeWord(uint16(position))...)
	data = append(data, encodeWord(0)...)
	data = append(data, encodeWord(uint16(speed))...)

	return c.writeRegister(ctx, byte(id), regGoalPosition, data)
}

// ReadPosition reads the servo's present position (0-4095).
func (c *Conn) ReadPosition(ctx context.Context, id int) (int, error) {
	data, err := c.readRegister(ctx, byte(id), regPresentPosition, 2)
	if err != nil {
		return 0, err
	}
	return int(decodeWord(data)), nil
}

// ReadTemperature reads the servo's temperature in degrees Celsius.
func (c *Conn) ReadTemperature(ctx context.Context, id int) (float64, error) {
	data, err := c.readRegister(ctx, byte(id), regPresentTemp, 1)
	if err != nil {
		return 0, err
	}
	return float64(data[0]), nil
}

// ReadVoltage reads the servo's supply voltage in volts.
func (c *Conn) ReadVoltage(ctx context.Context, id int) (float64, error) {
	data, err := c.readRegister(ctx, byte(id), regPresentVoltage, 1)
	if err != nil {
		return 0, err
	}
	return float64(data[0]) / 10.0, nil
}

// ReadCurrent reads the servo's present current draw in milliamps.
func (c *Conn) ReadCurrent(ctx context.Context, id int) (float64, error) {
	data, err := c.readRegister(ctx, byte(id), regPresentCurrent, 2)
	if err != nil {
		return 0, err
	}
	return float64(decodeWord(data)) * currentScaleMA, nil
}

// StartServo enables the servo's torque output.
func (c *Conn) StartServo(ctx context.Context, id int) error {
	return c.writeRegister(ctx, byte(id), regTorqueEnable, []byte{1})
}

// StopServo disables the servo's torque output, leaving it free to move.
func (c *Conn) StopServo(ctx context.Context, id int) error {
	return c.writeRegister(ctx, byte(id), regTorqueEnable, []byte{0})
}

// IsMoving reports whether the servo's moving flag is set.
func (c *Conn) IsMoving(ctx context.Context, id int) (bool, error) {
	data, err := c.readRegister(ctx, byte(id), regMoving, 1)
	if err != nil {
		return false, err
	}
	return data[0] != 0, nil
}

// SetSpeed writes the servo's goal speed register.
func (c *Conn) SetSpeed(ctx context.Context, id, speed int) error {
	return c.writeRegister(ctx, byte(id), regGoalSpeed, encodeWord(uint16(speed)))
}

// SetAcceleration writes the servo's acceleration register.
func (c *Conn) SetAcceleration(ctx context.Context, id, accel int) error {
	return c.writeRegister(ctx, byte(id), regAcceleration, []byte{byte(accel)})
}

// Internal methods

func validateID(id int) error {
	if id < 0 || id > int(MaxServoID) {
		return fmt.Errorf("%w: %d (valid range: 0-%d)", ErrInvalidID, id, MaxServoID)
	}
	return nil
}

func (c *Conn) sendPacket(pkt []byte) error {
	// Flush any stale input
	c.transport.Flush()

	n, err := c.transport.Write(pkt)
	if err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	if n != len(pkt) {
		return fmt.Errorf("incomplete write: %d of %d bytes", n, len(pkt))
	}

	// Small delay for half-duplex turnaround
	time.Sleep(100 * time.Microsecond)

	return nil
}

func (c *Conn) readRegister(ctx context.Context, id, address, length byte) ([]byte, error) {
	if err := c.sendPacket(readPacket(id, address, length)); err != nil {
		return nil, err
	}

	resp, err := c.readResponse(ctx, expectedResponseLength(int(length)))
	if err != nil {
		return nil, err
	}

	if resp.ID != id {
		return nil, fmt.Errorf("wrong servo ID in response: expected %d, got %d", id, resp.ID)
	}

	if resp.Error.HasError() {
		return nil, resp.Error
	}

	return resp.Parameters, nil
}

func (c *Conn) writeRegister(ctx context.Context, id, address byte, data []byte) error {
	if err := c.sendPacket(writePacket(id, address, data)); err != nil {
		return err
	}

	resp, err := c.readResponse(ctx, 6)
	if err != nil {
		return err
	}

	if resp.ID != id {
		return fmt.Errorf("wrong servo ID in response: expected %d, got %d", id, resp.ID)
	}

	if resp.Error.HasError() {
		return resp.Error
	}

	return nil
}

func (c *Conn) readResponse(ctx context.Context, expectedLen int) (packet, error) {
	data, err := c.readRawBytes(ctx, expectedLen)
	if err != nil {
		return packet{}, err
	}

	return decodePacket(data)
}

func (c *Conn) readRawBytes(ctx context.Context, expectedLen int) ([]byte, error) {
	buffer := make([]byte, expectedLen*2) // Extra space for safety
	totalRead := 0
	deadline := time.Now().Add(c.timeout)

	for totalRead < expectedLen {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if time.Now().After(deadline) {
			if totalRead == 0 {
				return nil, ErrNoResponse
			}
			return nil, fmt.Errorf("%w: read %d of %d expected bytes", ErrTimeout, totalRead, expectedLen)
		}

		remaining := time.Until(deadline)
		if remaining < 10*time.Millisecond {
			remaining = 10 * time.Millisecond
		}
		c.transport.SetReadTimeout(remaining)

		n, err := c.transport.Read(buffer[totalRead:])
		if err != nil {
			// A zero-byte read is the transport's timeout signal
			if n == 0 {
				time.Sleep(time.Millisecond)
				continue
			}
			return nil, fmt.Errorf("read error: %w", err)
		}

		totalRead += n
	}

	return buffer[:totalRead], nil
}
