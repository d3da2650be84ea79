package st3215

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

const (
	// maxRetries bounds the attempts made by executeWithRetry.
	maxRetries = 3

	// retryBackoff is the fixed wait between attempts. No exponential
	// growth; this is the sole retry policy in the system.
	retryBackoff = 500 * time.Millisecond
)

// Bus manages a shared serial connection to ST3215 servos. One Bus exists
// per physical port+baud combination and is shared by every servo on that
// port; all device I/O and cache mutation happens under its lock, so
// operations from different servos are strictly serialized.
type Bus struct {
	port   string
	baud   int
	driver Driver
	logger *log.Logger

	// sleep performs the retry backoff. Overridable for tests. It runs
	// outside the lock so other servos' operations can proceed during
	// the wait.
	sleep func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	conn       Conn
	connected  bool
	closed     bool
	reconnects int
	lastErr    string
	cache      map[int]int // servo ID -> last known position
}

// NewBus creates a bus manager for the given port. Most callers should go
// through a Registry so servos sharing a port share one Bus.
func NewBus(port string, baud int, driver Driver, logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.Default()
	}
	b := &Bus{
		port:   port,
		baud:   baud,
		driver: driver,
		logger: logger,
		sleep:  sleepContext,
		cache:  make(map[int]int),
	}
	logger.Printf("ST3215Bus: initialized for %s @ %d baud", port, baud)
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Port returns the serial port path this bus is bound to.
func (b *Bus) Port() string { return b.port }

// Baud returns the configured baud rate.
func (b *Bus) Baud() int { return b.baud }

// Connected reports whether the physical connection is live.
func (b *Bus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// LastError returns the most recent failure description, for diagnostics.
func (b *Bus) LastError() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// CachedPosition returns the last successfully observed or commanded
// position for a servo, if any.
func (b *Bus) CachedPosition(id int) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.cache[id]
	return pos, ok
}

// Connect establishes the physical connection if not already connected.
// Calling Connect on a connected bus is a no-op.
func (b *Bus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectLocked(ctx)
}

func (b *Bus) connectLocked(ctx context.Context) error {
	if b.closed {
		return ErrBusClosed
	}
	if b.connected {
		return nil
	}

	conn, err := b.driver.Open(ctx, b.port, b.baud)
	if err != nil {
		b.lastErr = err.Error()
		cerr := &ConnectError{Port: b.port, Err: err}
		b.logger.Printf("ST3215Bus: %v", cerr)
		return cerr
	}

	b.conn = conn
	b.connected = true
	b.reconnects = 0
	b.lastErr = ""
	b.logger.Printf("ST3215Bus: connected to %s", b.port)
	return nil
}

// Disconnect releases the physical connection, best effort.
func (b *Bus) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnectLocked()
}

func (b *Bus) disconnectLocked() {
	if b.conn != nil {
		b.conn.Close() // best effort
		b.conn = nil
		b.logger.Printf("ST3215Bus: disconnected from %s", b.port)
	}
	b.connected = false
}

// Close disconnects and marks the bus closed. Further operations fail with
// ErrBusClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnectLocked()
	b.closed = true
}

// executeWithRetry runs op, reconnecting and retrying on failure. Each
// attempt holds the lock for the connect check and the operation itself;
// the backoff sleep happens with the lock released so pending operations
// from other servos are not starved. On exhaustion the last underlying
// error is wrapped in a BusError.
func (b *Bus) executeWithRetry(ctx context.Context, opName string, op func(ctx context.Context, conn Conn) error) error {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := b.attempt(ctx, op)
		if err == nil {
			b.mu.Lock()
			if b.reconnects > 0 {
				b.logger.Printf("ST3215Bus: %s succeeded after reconnect", opName)
				b.reconnects = 0
			}
			b.mu.Unlock()
			return nil
		}

		lastErr = err
		b.setLastError(err)

		if attempt < maxRetries-1 {
			b.logger.Printf("ST3215Bus: %s failed (attempt %d/%d): %v", opName, attempt+1, maxRetries, err)

			// Reconnect cycle: drop the connection, wait the fixed
			// backoff, bring it back up. A failed reconnect is left
			// for the next attempt's connect check.
			b.Disconnect()
			if serr := b.sleep(ctx, retryBackoff); serr != nil {
				return &BusError{Op: opName, Err: serr}
			}
			if cerr := b.Connect(ctx); cerr == nil {
				b.mu.Lock()
				b.reconnects++
				b.mu.Unlock()
			}
		}
	}

	berr := &BusError{Op: opName, Err: lastErr}
	b.logger.Printf("ST3215Bus: %v", berr)
	return berr
}

func (b *Bus) attempt(ctx context.Context, op func(ctx context.Context, conn Conn) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.connectLocked(ctx); err != nil {
		return err
	}
	return op(ctx, b.conn)
}

func (b *Bus) setLastError(err error) {
	b.mu.Lock()
	b.lastErr = err.Error()
	b.mu.Unlock()
}

// Ping reports whether the servo answers. Presence checking is best effort:
// any failure, including a connect failure, yields false.
func (b *Bus) Ping(ctx context.Context, id int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.connectLocked(ctx); err != nil {
		b.logger.Printf("ST3215Bus: failed to ping servo %d: %v", id, err)
		return false
	}

	ok, err := b.conn.Ping(ctx, id)
	if err != nil {
		b.lastErr = err.Error()
		b.logger.Printf("ST3215Bus: failed to ping servo %d: %v", id, err)
		return false
	}
	return ok
}

// ListServos scans the bus for servos. On failure it returns an empty list
// rather than an error.
func (b *Bus) ListServos(ctx context.Context) []int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.connectLocked(ctx); err != nil {
		b.logger.Printf("ST3215Bus: failed to list servos: %v", err)
		return nil
	}

	ids, err := b.conn.ListServos(ctx)
	if err != nil {
		b.lastErr = err.Error()
		b.logger.Printf("ST3215Bus: failed to list servos: %v", err)
		return nil
	}
	return ids
}

// MoveTo commands an absolute move, retrying on failure. On success the
// position cache is updated with the commanded position.
func (b *Bus) MoveTo(ctx context.Context, id, position, speed, accel int) error {
	op := fmt.Sprintf("MoveTo(servo=%d, pos=%d)", id, position)
	err := b.executeWithRetry(ctx, op, func(ctx context.Context, conn Conn) error {
		return conn.MoveTo(ctx, id, position, speed, accel)
	})
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.cache[id] = position
	b.mu.Unlock()
	return nil
}

// ReadPosition reads the servo's position, retrying on failure. If retries
// exhaust, the last cached position is returned instead of an error;
// staleness is preferable to halting the polling loop. The second return is
// false only when no value, live or cached, is available.
func (b *Bus) ReadPosition(ctx context.Context, id int) (int, bool) {
	var pos int
	op := fmt.Sprintf("ReadPosition(servo=%d)", id)
	err := b.executeWithRetry(ctx, op, func(ctx context.Context, conn Conn) error {
		p, rerr := conn.ReadPosition(ctx, id)
		if rerr != nil {
			return rerr
		}
		pos = p
		return nil
	})

	if err == nil {
		b.mu.Lock()
		b.cache[id] = pos
		b.mu.Unlock()
		return pos, true
	}

	cached, ok := b.CachedPosition(id)
	if ok {
		b.logger.Printf("ST3215Bus: using cached position for servo %d: %d", id, cached)
	}
	return cached, ok
}

// ReadTemperature reads the servo temperature, single attempt. Telemetry is
// advisory, so any failure yields an absent value rather than a retry cycle.
func (b *Bus) ReadTemperature(ctx context.Context, id int) (float64, bool) {
	return b.readTelemetry(ctx, id, "temperature", Conn.ReadTemperature)
}

// ReadVoltage reads the servo supply voltage, single attempt.
func (b *Bus) ReadVoltage(ctx context.Context, id int) (float64, bool) {
	return b.readTelemetry(ctx, id, "voltage", Conn.ReadVoltage)
}

// ReadCurrent reads the servo current draw, single attempt.
func (b *Bus) ReadCurrent(ctx context.Context, id int) (float64, bool) {
	return b.readTelemetry(ctx, id, "current", Conn.ReadCurrent)
}

func (b *Bus) readTelemetry(ctx context.Context, id int, what string, read func(Conn, context.Context, int) (float64, error)) (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.connectLocked(ctx); err != nil {
		return 0, false
	}

	v, err := read(b.conn, ctx, id)
	if err != nil {
		b.lastErr = err.Error()
		b.logger.Printf("ST3215Bus: failed to read %s for servo %d: %v", what, id, err)
		return 0, false
	}
	return v, true
}

// ReadStatus composes the three telemetry reads into one record.
func (b *Bus) ReadStatus(ctx context.Context, id int) Telemetry {
	var t Telemetry
	if v, ok := b.ReadTemperature(ctx, id); ok {
		t.Temperature = &v
	}
	if v, ok := b.ReadVoltage(ctx, id); ok {
		t.Voltage = &v
	}
	if v, ok := b.ReadCurrent(ctx, id); ok {
		t.Current = &v
	}
	return t
}

// EnableServo enables torque output, retrying on failure. Enable is safety
// relevant, so exhausted retries surface as an error.
func (b *Bus) EnableServo(ctx context.Context, id int) error {
	op := fmt.Sprintf("StartServo(servo=%d)", id)
	return b.executeWithRetry(ctx, op, func(ctx context.Context, conn Conn) error {
		return conn.StartServo(ctx, id)
	})
}

// DisableServo disables torque output, retrying on failure.
func (b *Bus) DisableServo(ctx context.Context, id int) error {
	op := fmt.Sprintf("StopServo(servo=%d)", id)
	return b.executeWithRetry(ctx, op, func(ctx context.Context, conn Conn) error {
		return conn.StopServo(ctx, id)
	})
}

// IsMoving queries the servo's moving flag, single attempt. The flag
// degrades to false on failure; callers that need to distinguish a failed
// query inspect the returned error.
func (b *Bus) IsMoving(ctx context.Context, id int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.connectLocked(ctx); err != nil {
		return false, err
	}

	moving, err := b.conn.IsMoving(ctx, id)
	if err != nil {
		b.lastErr = err.Error()
		b.logger.Printf("ST3215Bus: failed to check if servo %d is moving: %v", id, err)
		return false, err
	}
	return moving, nil
}

// SetSpeed sets the servo's maximum speed, retrying on failure.
func (b *Bus) SetSpeed(ctx context.Context, id, speed int) error {
	op := fmt.Sprintf("SetSpeed(servo=%d, speed=%d)", id, speed)
	return b.executeWithRetry(ctx, op, func(ctx context.Context, conn Conn) error {
		return conn.SetSpeed(ctx, id, speed)
	})
}

// SetAcceleration sets the servo's acceleration, retrying on failure.
func (b *Bus) SetAcceleration(ctx context.Context, id, accel int) error {
	op := fmt.Sprintf("SetAcceleration(servo=%d, accel=%d)", id, accel)
	return b.executeWithRetry(ctx, op, func(ctx context.Context, conn Conn) error {
		return conn.SetAcceleration(ctx, id, accel)
	})
}
