package driver

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func testConn(t *testing.T, mock *MockTransport) *Conn {
	t.Helper()
	c, err := Open(Config{Transport: mock, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return c
}

func TestOpenRequiresPortOrTransport(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Error("expected an error with neither Transport nor Port")
	}
}

func TestConnPing(t *testing.T) {
	mock := &MockTransport{}
	mock.Queue([]byte{0xFF, 0xFF, 0x01, 0x02, 0x00, 0xFC})
	c := testConn(t, mock)

	ok, err := c.Ping(context.Background(), 1)
	if err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if !ok {
		t.Error("servo answered, Ping must report true")
	}

	want := []byte{0xFF, 0xFF, 0x01, 0x02, 0x01, 0xFB}
	if !bytes.Equal(mock.Sent, want) {
		t.Errorf("wire bytes: got % X, want % X", mock.Sent, want)
	}
}

func TestConnPingNoResponse(t *testing.T) {
	c := testConn(t, &MockTransport{})

	ok, err := c.Ping(context.Background(), 1)
	if err != nil {
		t.Fatalf("silent bus must not be an error, got %v", err)
	}
	if ok {
		t.Error("no answer, Ping must report false")
	}
}

func TestConnPingWrongResponder(t *testing.T) {
	// ID 2 answers a ping addressed to ID 1.
	mock := &MockTransport{}
	mock.Queue([]byte{0xFF, 0xFF, 0x02, 0x02, 0x00, 0xFB})
	c := testConn(t, mock)

	ok, err := c.Ping(context.Background(), 1)
	if err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if ok {
		t.Error("answer from a different ID must not count")
	}
}

func TestConnValidatesID(t *testing.T) {
	c := testConn(t, &MockTransport{})

	for _, id := range []int{-1, 254, 300} {
		if _, err := c.Ping(context.Background(), id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("id %d: expected ErrInvalidID, got %v", id, err)
		}
	}
}

func TestConnReadPosition(t *testing.T) {
	// Present position 2048 (0x0800, little-endian on the wire).
	mock := &MockTransport{}
	mock.Queue([]byte{0xFF, 0xFF, 0x01, 0x04, 0x00, 0x00, 0x08, 0xF2})
	c := testConn(t, mock)

	pos, err := c.ReadPosition(context.Background(), 1)
	if err != nil {
		t.Fatalf("ReadPosition failed: %v", err)
	}
	if pos != 2048 {
		t.Errorf("position: got %d, want 2048", pos)
	}

	want := []byte{0xFF, 0xFF, 0x01, 0x04, 0x02, 0x38, 0x02, 0xBE}
	if !bytes.Equal(mock.Sent, want) {
		t.Errorf("wire bytes: got % X, want % X", mock.Sent, want)
	}
}

func TestConnTelemetryScaling(t *testing.T) {
	cases := []struct {
		name string
		resp []byte
		read func(c *Conn) (float64, error)
		want float64
	}{
		{
			// Raw 38 is degrees directly.
			"temperature",
			[]byte{0xFF, 0xFF, 0x01, 0x03, 0x00, 0x26, 0xD5},
			func(c *Conn) (float64, error) { return c.ReadTemperature(context.Background(), 1) },
			38,
		},
		{
			// Raw 120 decivolts is 12.0V.
			"voltage",
			[]byte{0xFF, 0xFF, 0x01, 0x03, 0x00, 0x78, 0x83},
			func(c *Conn) (float64, error) { return c.ReadVoltage(context.Background(), 1) },
			12.0,
		},
		{
			// Raw 100 at 6.5mA per unit is 650mA.
			"current",
			[]byte{0xFF, 0xFF, 0x01, 0x04, 0x00, 0x64, 0x00, 0x96},
			func(c *Conn) (float64, error) { return c.ReadCurrent(context.Background(), 1) },
			650,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mock := &MockTransport{}
			mock.Queue(tc.resp)
			c := testConn(t, mock)

			got, err := tc.read(c)
			if err != nil {
				t.Fatalf("read failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("value: got %g, want %g", got, tc.want)
			}
		})
	}
}

func TestConnMoveTo(t *testing.T) {
	ack := []byte{0xFF, 0xFF, 0x01, 0x02, 0x00, 0xFC}
	mock := &MockTransport{}
	mock.Queue(ack, ack)
	c := testConn(t, mock)

	if err := c.MoveTo(context.Background(), 1, 2048, 100, 50); err != nil {
		t.Fatalf("MoveTo failed: %v", err)
	}

	// Acceleration register first, then position/time/speed in one block.
	want := writePacket(1, regAcceleration, []byte{50})
	want = append(want, writePacket(1, regGoalPosition, []byte{
		0x00, 0x08, // position 2048
		0x00, 0x00, // time, unused
		0x64, 0x00, // speed 100
	})...)
	if !bytes.Equal(mock.Sent, want) {
		t.Errorf("wire bytes:\ngot  % X\nwant % X", mock.Sent, want)
	}
}

func TestConnTorqueControl(t *testing.T) {
	ack := []byte{0xFF, 0xFF, 0x01, 0x02, 0x00, 0xFC}
	mock := &MockTransport{}
	mock.Queue(ack, ack)
	c := testConn(t, mock)
	ctx := context.Background()

	if err := c.StartServo(ctx, 1); err != nil {
		t.Fatalf("StartServo failed: %v", err)
	}
	if err := c.StopServo(ctx, 1); err != nil {
		t.Fatalf("StopServo failed: %v", err)
	}

	want := writePacket(1, regTorqueEnable, []byte{1})
	want = append(want, writePacket(1, regTorqueEnable, []byte{0})...)
	if !bytes.Equal(mock.Sent, want) {
		t.Errorf("wire bytes:\ngot  % X\nwant % X", mock.Sent, want)
	}
}

func TestConnIsMoving(t *testing.T) {
	mock := &MockTransport{}
	mock.Queue([]byte{0xFF, 0xFF, 0x01, 0x03, 0x00, 0x01, 0xFA})
	c := testConn(t, mock)

	moving, err := c.IsMoving(context.Background(), 1)
	if err != nil {
		t.Fatalf("IsMoving failed: %v", err)
	}
	if !moving {
		t.Error("moving flag set, IsMoving must report true")
	}
}

func TestConnStatusErrorSurfaced(t *testing.T) {
	// Overheat flag set in the response error byte.
	mock := &MockTransport{}
	mock.Queue([]byte{0xFF, 0xFF, 0x01, 0x03, 0x04, 0x26, 0xD1})
	c := testConn(t, mock)

	_, err := c.ReadTemperature(context.Background(), 1)
	var se StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se&StatusOverheat == 0 {
		t.Errorf("flags: got %v, want overheat", se)
	}
}

func TestConnReadTimeout(t *testing.T) {
	c := testConn(t, &MockTransport{})

	_, err := c.ReadPosition(context.Background(), 1)
	if !errors.Is(err, ErrNoResponse) {
		t.Errorf("expected ErrNoResponse, got %v", err)
	}
}

func TestConnReadHonorsContext(t *testing.T) {
	c := testConn(t, &MockTransport{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.ReadPosition(ctx, 1)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
