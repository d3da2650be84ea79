package st3215

import "context"

// Conn is an open device-level connection to a servo bus. Implementations
// are not required to be safe for concurrent use; the Bus serializes all
// access through its lock.
type Conn interface {
	// Ping reports whether the servo answers on the bus.
	Ping(ctx context.Context, id int) (bool, error)

	// ListServos returns every servo ID that answers on the bus.
	ListServos(ctx context.Context) ([]int, error)

	// MoveTo commands an absolute move (position 0-4095, speed 0-3400,
	// accel 0-254).
	MoveTo(ctx context.Context, id, position, speed, accel int) error

	// ReadPosition reads the present position (0-4095).
	ReadPosition(ctx context.Context, id int) (int, error)

	// ReadTemperature reads the servo temperature in degrees Celsius.
	ReadTemperature(ctx context.Context, id int) (float64, error)

	// ReadVoltage reads the supply voltage in volts.
	ReadVoltage(ctx context.Context, id int) (float64, error)

	// ReadCurrent reads the present current draw in milliamps.
	ReadCurrent(ctx context.Context, id int) (float64, error)

	// StartServo enables torque output.
	StartServo(ctx context.Context, id int) error

	// StopServo disables torque output.
	StopServo(ctx context.Context, id int) error

	// IsMoving reports whether the servo's moving flag is set.
	IsMoving(ctx context.Context, id int) (bool, error)

	// SetSpeed writes the goal speed register.
	SetSpeed(ctx context.Context, id, speed int) error

	// SetAcceleration writes the acceleration register.
	SetAcceleration(ctx context.Context, id, accel int) error

	// Close releases the underlying transport.
	Close() error
}

// Driver opens device-level connections to physical serial endpoints.
type Driver interface {
	Open(ctx context.Context, port string, baud int) (Conn, error)
}

// DriverFunc adapts a function to the Driver interface.
type DriverFunc func(ctx context.Context, port string, baud int) (Conn, error)

func (f DriverFunc) Open(ctx context.Context, port string, baud int) (Conn, error) {
	return f(ctx, port, baud)
}

// Telemetry is the composed result of the three advisory status reads.
// Fields are nil when the corresponding read failed.
type Telemetry struct {
	Temperature *float64 // degrees Celsius
	Voltage     *float64 // volts
	Current     *float64 // milliamps
}
