// Package st3215 drives ST3215 serial bus servos from a host controller:
// a shared reconnecting bus manager multiplexing many servos over one serial
// port, and a per-servo controller enforcing travel and thermal limits.
package st3215

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrBusClosed   = errors.New("bus is closed")
	ErrNotPresent  = errors.New("servo not found on bus")
	ErrWaitTimeout = errors.New("timeout waiting for move")
)

// BusError indicates a device operation failed after exhausting its retry
// budget.
type BusError struct {
	Op  string // Operation that failed (e.g., "MoveTo(servo=1, pos=2048)")
	Err error  // Last underlying error
}

func (e *BusError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, maxRetries, e.Err)
}

func (e *BusError) Unwrap() error {
	return e.Err
}

// ConnectError indicates the physical serial connection could not be opened.
type ConnectError struct {
	Port string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Port, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// ConfigError indicates an invalid servo configuration. It is fatal at load
// time and never retried.
type ConfigError struct {
	Servo  string
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Servo == "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("servo %q: %s: %s", e.Servo, e.Field, e.Reason)
}

// RangeError indicates a commanded position outside the configured travel
// bounds. It is rejected before any device I/O.
type RangeError struct {
	Position int
	Min      int
	Max      int
}

func (e *RangeError) Error() string {
	if e.Position < e.Min {
		return fmt.Sprintf("position %d below minimum %d", e.Position, e.Min)
	}
	return fmt.Sprintf("position %d above maximum %d", e.Position, e.Max)
}

// ThermalFault indicates a servo temperature at or above the critical
// threshold. It is escalated to a process-fatal condition.
type ThermalFault struct {
	Name        string
	Temperature float64
	Critical    int
}

func (e *ThermalFault) Error() string {
	return fmt.Sprintf("%s temperature critical: %.0f°C (limit %d°C)", e.Name, e.Temperature, e.Critical)
}

// IsBusError reports whether err wraps a BusError.
func IsBusError(err error) bool {
	var busErr *BusError
	return errors.As(err, &busErr)
}
