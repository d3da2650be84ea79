package st3215

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

const (
	// movingDeadband is the position tolerance, in device units, within
	// which a servo is considered arrived. The moving flag derived from
	// it is a heuristic, not a hardware guarantee.
	movingDeadband = 5

	// telemetryRefresh is how often a poll tick additionally pulls
	// temperature, current and voltage.
	telemetryRefresh = 5 * time.Second

	// Bounds for the cooperative wait poll interval in MoveAndWait.
	minWaitPoll = 10 * time.Millisecond
	maxWaitPoll = time.Second
)

// Servo controls a single servo on a shared bus: it enforces the configured
// travel and thermal envelopes, translates logical commands into bus calls,
// tracks approximate device state, and reconciles it on a periodic poll.
type Servo struct {
	name   string
	cfg    ServoConfig
	bus    *Bus
	logger *log.Logger

	// shutdown escalates a thermal fault to a process-fatal condition.
	shutdown func(reason string)

	// Clock and sleep hooks, overridable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu               sync.Mutex
	current          *int
	target           *int
	moving           bool
	enabled          bool
	temperature      *float64
	currentDraw      *float64
	voltage          *float64
	lastStatusUpdate time.Time
	lastErr          string
}

// ServoOptions carries the host collaborators a Servo needs.
type ServoOptions struct {
	// Logger receives operational messages. Defaults to log.Default().
	Logger *log.Logger

	// Shutdown is invoked when the temperature reaches the critical
	// threshold. It must halt the controlling process; thermal runaway
	// outweighs any in-flight operation.
	Shutdown func(reason string)
}

// NewServo creates a controller for one servo. cfg must already be
// validated.
func NewServo(name string, cfg ServoConfig, bus *Bus, opts ServoOptions) *Servo {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	s := &Servo{
		name:     name,
		cfg:      cfg,
		bus:      bus,
		logger:   logger,
		shutdown: opts.Shutdown,
		now:      time.Now,
		sleep:    sleepContext,
	}
	logger.Printf("ST3215Servo: initialized %s (ID=%d, range=%d-%d)", name, cfg.ServoID, cfg.PositionMin, cfg.PositionMax)
	return s
}

// Name returns the servo's configured section name.
func (s *Servo) Name() string { return s.name }

// Config returns the servo's immutable configuration.
func (s *Servo) Config() ServoConfig { return s.cfg }

// Bus returns the shared bus this servo talks through.
func (s *Servo) Bus() *Bus { return s.bus }

// PollInterval returns the configured status poll period.
func (s *Servo) PollInterval() time.Duration {
	return time.Duration(s.cfg.StatusUpdateInterval * float64(time.Second))
}

// HandleConnect runs the host's connect phase: bring up the bus, verify the
// servo answers, and read its starting position. A servo that does not
// answer is a fatal configuration error, not a retried condition.
func (s *Servo) HandleConnect(ctx context.Context) error {
	if err := s.bus.Connect(ctx); err != nil {
		return fmt.Errorf("failed to initialize %s: %w", s.name, err)
	}

	if !s.bus.Ping(ctx, s.cfg.ServoID) {
		return fmt.Errorf("failed to initialize %s: servo ID %d on %s: %w", s.name, s.cfg.ServoID, s.bus.Port(), ErrNotPresent)
	}

	s.logger.Printf("ST3215Servo: %s detected on bus", s.name)

	if pos, ok := s.bus.ReadPosition(ctx, s.cfg.ServoID); ok {
		s.mu.Lock()
		p := pos
		s.current = &p
		s.target = &p
		s.mu.Unlock()
		s.logger.Printf("ST3215Servo: %s initial position: %d", s.name, pos)
	}

	return nil
}

// HandleReady runs the host's ready phase: if an initial position is
// configured, enable the servo and command it there. A failure here leaves
// the servo in an unknown-position state but is not fatal; the caller
// starts the periodic poll regardless.
func (s *Servo) HandleReady(ctx context.Context) {
	if s.cfg.InitialPosition == nil {
		return
	}

	s.logger.Printf("ST3215Servo: moving %s to initial position %d", s.name, *s.cfg.InitialPosition)
	if err := s.Enable(ctx); err != nil {
		s.logger.Printf("ST3215Servo: failed to move to initial position: %v", err)
		return
	}
	if err := s.MoveTo(ctx, *s.cfg.InitialPosition, -1, -1); err != nil {
		s.logger.Printf("ST3215Servo: failed to move to initial position: %v", err)
	}
}

// HandleShutdown disables the servo, best effort.
func (s *Servo) HandleShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Disable(ctx); err != nil {
		return
	}
	s.logger.Printf("ST3215Servo: %s disabled on shutdown", s.name)
}

func (s *Servo) validatePosition(position int) error {
	if position < s.cfg.PositionMin || position > s.cfg.PositionMax {
		return &RangeError{Position: position, Min: s.cfg.PositionMin, Max: s.cfg.PositionMax}
	}
	return nil
}

// checkTemperature enforces the thermal envelope against the cached
// temperature. At or above the critical threshold it invokes the shutdown
// hook and returns a ThermalFault; in the warning band it only logs.
func (s *Servo) checkTemperature() error {
	s.mu.Lock()
	temp := s.temperature
	s.mu.Unlock()

	if temp == nil {
		return nil
	}

	if *temp >= float64(s.cfg.TemperatureCritical) {
		fault := &ThermalFault{Name: s.name, Temperature: *temp, Critical: s.cfg.TemperatureCritical}
		s.logger.Printf("ST3215Servo: %v", fault)
		if s.shutdown != nil {
			s.shutdown(fault.Error())
		}
		return fault
	}

	if *temp >= float64(s.cfg.TemperatureWarning) {
		s.logger.Printf("ST3215Servo: %s temperature high: %.0f°C", s.name, *temp)
	}

	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// MoveTo commands an absolute move. Negative speed or accel select the
// configured maxima; supplied values are clamped into the device ranges.
// The move is fire and forget at the bus level: it does not wait for the
// servo to arrive.
func (s *Servo) MoveTo(ctx context.Context, position, speed, accel int) error {
	if err := s.validatePosition(position); err != nil {
		return err
	}

	if err := s.checkTemperature(); err != nil {
		return err
	}

	if speed < 0 {
		speed = s.cfg.MaxSpeed
	}
	if accel < 0 {
		accel = s.cfg.MaxAccel
	}
	speed = clamp(speed, 0, SpeedLimit)
	accel = clamp(accel, 0, AccelLimit)

	if err := s.bus.MoveTo(ctx, s.cfg.ServoID, position, speed, accel); err != nil {
		return err
	}

	s.mu.Lock()
	p := position
	s.target = &p
	s.moving = true
	s.mu.Unlock()

	s.logger.Printf("ST3215Servo: %s moving to %d (speed=%d, accel=%d)", s.name, position, speed, accel)
	return nil
}

// Stop halts the servo by reading its position and commanding it to stay
// there with zero speed and acceleration. The device has no true emergency
// stop; if the position read fails even against the cache, the halt cannot
// be issued and an error is returned so the caller knows the servo may
// still be moving.
func (s *Servo) Stop(ctx context.Context) (int, error) {
	pos, ok := s.bus.ReadPosition(ctx, s.cfg.ServoID)
	if !ok {
		err := fmt.Errorf("stop %s: position unavailable, halt not issued", s.name)
		s.mu.Lock()
		s.lastErr = err.Error()
		s.mu.Unlock()
		return 0, err
	}

	if err := s.bus.MoveTo(ctx, s.cfg.ServoID, pos, 0, 0); err != nil {
		return 0, err
	}

	s.mu.Lock()
	p := pos
	s.current = &p
	s.target = &p
	s.moving = false
	s.mu.Unlock()

	s.logger.Printf("ST3215Servo: %s stopped at position %d", s.name, pos)
	return pos, nil
}

// Enable allows the servo to move.
func (s *Servo) Enable(ctx context.Context) error {
	if err := s.bus.EnableServo(ctx, s.cfg.ServoID); err != nil {
		return err
	}

	s.mu.Lock()
	s.enabled = true
	s.mu.Unlock()

	s.logger.Printf("ST3215Servo: %s enabled", s.name)
	return nil
}

// Disable releases the servo's torque, leaving it free to move manually.
func (s *Servo) Disable(ctx context.Context) error {
	if err := s.bus.DisableServo(ctx, s.cfg.ServoID); err != nil {
		return err
	}

	s.mu.Lock()
	s.enabled = false
	s.moving = false
	s.mu.Unlock()

	s.logger.Printf("ST3215Servo: %s disabled", s.name)
	return nil
}

// SetPosition relabels the current and target position without moving, for
// homing and zeroing. No device command is issued.
func (s *Servo) SetPosition(position int) error {
	if err := s.validatePosition(position); err != nil {
		return err
	}

	s.mu.Lock()
	p := position
	s.current = &p
	s.target = &p
	s.mu.Unlock()

	s.logger.Printf("ST3215Servo: %s position set to %d", s.name, position)
	return nil
}

// Status is a snapshot of the servo's tracked state. Pointer fields are nil
// until the corresponding value has been observed.
type Status struct {
	Position    *int
	Target      *int
	Moving      bool
	Temperature *float64
	Current     *float64
	Voltage     *float64
	Enabled     bool
	LastError   string
}

// Status returns the tracked-state snapshot. It never blocks on the bus.
func (s *Servo) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Status{
		Position:    copyInt(s.current),
		Target:      copyInt(s.target),
		Moving:      s.moving,
		Temperature: copyFloat(s.temperature),
		Current:     copyFloat(s.currentDraw),
		Voltage:     copyFloat(s.voltage),
		Enabled:     s.enabled,
		LastError:   s.lastErr,
	}
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Poll runs one reconciliation tick and returns the next wake time. Errors
// during the tick are recorded into the status snapshot and do not stop the
// loop; a successful tick clears the recorded error.
func (s *Servo) Poll(ctx context.Context, now time.Time) time.Time {
	if err := s.poll(ctx, now); err != nil {
		s.mu.Lock()
		s.lastErr = err.Error()
		s.mu.Unlock()
		s.logger.Printf("ST3215Servo: status update error for %s: %v", s.name, err)
	} else {
		s.mu.Lock()
		s.lastErr = ""
		s.mu.Unlock()
	}

	return now.Add(s.PollInterval())
}

func (s *Servo) poll(ctx context.Context, now time.Time) error {
	// Position is read every tick; the moving flag is recomputed from the
	// dead-band around the target.
	if pos, ok := s.bus.ReadPosition(ctx, s.cfg.ServoID); ok {
		s.mu.Lock()
		p := pos
		s.current = &p
		if s.target != nil {
			delta := pos - *s.target
			if delta < 0 {
				delta = -delta
			}
			s.moving = delta > movingDeadband
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	due := now.Sub(s.lastStatusUpdate) >= telemetryRefresh
	s.mu.Unlock()

	if due {
		tel := s.bus.ReadStatus(ctx, s.cfg.ServoID)
		s.mu.Lock()
		if tel.Temperature != nil {
			s.temperature = tel.Temperature
		}
		if tel.Current != nil {
			s.currentDraw = tel.Current
		}
		if tel.Voltage != nil {
			s.voltage = tel.Voltage
		}
		s.lastStatusUpdate = now
		s.mu.Unlock()

		// The fatal path has already been escalated through the
		// shutdown hook; the tick itself carries on.
		_ = s.checkTemperature()
	}

	return nil
}

// MoveAndWait issues a move and blocks cooperatively until the servo stops
// moving, the timeout elapses (ErrWaitTimeout), or the moving query fails.
// The wait sleeps in the caller's goroutine and re-acquires bus access
// freshly on each check, so other servos keep making progress.
func (s *Servo) MoveAndWait(ctx context.Context, position, speed, accel int, timeout time.Duration) error {
	if err := s.MoveTo(ctx, position, speed, accel); err != nil {
		return err
	}
	return s.WaitForStop(ctx, timeout)
}

// WaitForStop blocks until the servo's moving flag clears or the timeout
// elapses.
func (s *Servo) WaitForStop(ctx context.Context, timeout time.Duration) error {
	interval := s.PollInterval()
	if interval < minWaitPoll {
		interval = minWaitPoll
	}
	if interval > maxWaitPoll {
		interval = maxWaitPoll
	}

	deadline := s.now().Add(timeout)

	for {
		moving, err := s.bus.IsMoving(ctx, s.cfg.ServoID)
		if err != nil {
			return fmt.Errorf("error checking servo moving state: %w", err)
		}
		if !moving {
			return nil
		}

		if !s.now().Before(deadline) {
			return fmt.Errorf("%w: %s did not stop within %s", ErrWaitTimeout, s.name, timeout)
		}

		if err := s.sleep(ctx, interval); err != nil {
			return err
		}
	}
}
