package st3215

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"
)

// fakeConn implements Conn for tests. Function fields override individual
// operations; unset operations succeed with zero values. Calls are counted
// per operation.
type fakeConn struct {
	mu    sync.Mutex
	calls map[string]int

	pingFunc     func(id int) (bool, error)
	listFunc     func() ([]int, error)
	moveFunc     func(id, position, speed, accel int) error
	readPosFunc  func(id int) (int, error)
	tempFunc     func(id int) (float64, error)
	voltFunc     func(id int) (float64, error)
	currFunc     func(id int) (float64, error)
	startFunc    func(id int) error
	stopFunc     func(id int) error
	movingFunc   func(id int) (bool, error)
	setSpeedFunc func(id, speed int) error
	setAccelFunc func(id, accel int) error

	lastMove struct {
		id, position, speed, accel int
	}
	closes int
}

func newFakeConn() *fakeConn {
	return &fakeConn{calls: make(map[string]int)}
}

func (f *fakeConn) count(op string) {
	f.mu.Lock()
	f.calls[op]++
	f.mu.Unlock()
}

func (f *fakeConn) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeConn) Ping(ctx context.Context, id int) (bool, error) {
	f.count("ping")
	if f.pingFunc != nil {
		return f.pingFunc(id)
	}
	return true, nil
}

func (f *fakeConn) ListServos(ctx context.Context) ([]int, error) {
	f.count("list")
	if f.listFunc != nil {
		return f.listFunc()
	}
	return nil, nil
}

func (f *fakeConn) MoveTo(ctx context.Context, id, position, speed, accel int) error {
	f.count("move")
	if f.moveFunc != nil {
		if err := f.moveFunc(id, position, speed, accel); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.lastMove.id = id
	f.lastMove.position = position
	f.lastMove.speed = speed
	f.lastMove.accel = accel
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) ReadPosition(ctx context.Context, id int) (int, error) {
	f.count("readPos")
	if f.readPosFunc != nil {
		return f.readPosFunc(id)
	}
	return 0, nil
}

func (f *fakeConn) ReadTemperature(ctx context.Context, id int) (float64, error) {
	f.count("temp")
	if f.tempFunc != nil {
		return f.tempFunc(id)
	}
	return 0, nil
}

func (f *fakeConn) ReadVoltage(ctx context.Context, id int) (float64, error) {
	f.count("volt")
	if f.voltFunc != nil {
		return f.voltFunc(id)
	}
	return 0, nil
}

func (f *fakeConn) ReadCurrent(ctx context.Context, id int) (float64, error) {
	f.count("curr")
	if f.currFunc != nil {
		return f.currFunc(id)
	}
	return 0, nil
}

func (f *fakeConn) StartServo(ctx context.Context, id int) error {
	f.count("start")
	if f.startFunc != nil {
		return f.startFunc(id)
	}
	return nil
}

func (f *fakeConn) StopServo(ctx context.Context, id int) error {
	f.count("stop")
	if f.stopFunc != nil {
		return f.stopFunc(id)
	}
	return nil
}

func (f *fakeConn) IsMoving(ctx context.Context, id int) (bool, error) {
	f.count("moving")
	if f.movingFunc != nil {
		return f.movingFunc(id)
	}
	return false, nil
}

func (f *fakeConn) SetSpeed(ctx context.Context, id, speed int) error {
	f.count("setSpeed")
	if f.setSpeedFunc != nil {
		return f.setSpeedFunc(id, speed)
	}
	return nil
}

func (f *fakeConn) SetAcceleration(ctx context.Context, id, accel int) error {
	f.count("setAccel")
	if f.setAccelFunc != nil {
		return f.setAccelFunc(id, accel)
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

// fakeDriver hands out a single fakeConn and counts opens, so tests can
// observe reconnect cycles.
type fakeDriver struct {
	mu      sync.Mutex
	conn    *fakeConn
	openErr error
	opens   int
}

func (d *fakeDriver) Open(ctx context.Context, port string, baud int) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	if d.openErr != nil {
		return nil, d.openErr
	}
	return d.conn, nil
}

func (d *fakeDriver) openCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// newTestBus wires a bus to a fake driver with the backoff sleep replaced
// by a counter, so retry tests run instantly.
func newTestBus(t *testing.T, conn *fakeConn) (*Bus, *fakeDriver, *int) {
	t.Helper()
	d := &fakeDriver{conn: conn}
	b := NewBus("/dev/ttyTEST", 1000000, d, testLogger())
	sleeps := 0
	b.sleep = func(ctx context.Context, dur time.Duration) error {
		if dur != retryBackoff {
			t.Errorf("backoff: got %v, want %v", dur, retryBackoff)
		}
		sleeps++
		return nil
	}
	return b, d, &sleeps
}
