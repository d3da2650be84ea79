package st3215

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Args holds the parsed parameters of one textual command, keyed by
// upper-case parameter name.
type Args map[string]string

func (a Args) getInt(key string, def, min, max int) (int, error) {
	raw, ok := a[key]
	if !ok {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("unable to parse %s: %q", key, raw)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("%s must be in %d-%d, got %d", key, min, max, v)
	}
	return v, nil
}

func (a Args) requireInt(key string, min, max int) (int, error) {
	if _, ok := a[key]; !ok {
		return 0, fmt.Errorf("missing required parameter %s", key)
	}
	return a.getInt(key, 0, min, max)
}

func (a Args) getFloat(key string, def float64) (float64, error) {
	raw, ok := a[key]
	if !ok {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("unable to parse %s: %q", key, raw)
	}
	return v, nil
}

// CmdMove handles MOVE POSITION=n [SPEED=n] [ACCEL=n] [WAIT=seconds].
// With WAIT greater than zero it blocks cooperatively until the move
// completes or the wait times out.
func (s *Servo) CmdMove(ctx context.Context, args Args) (string, error) {
	position, err := args.requireInt("POSITION", s.cfg.PositionMin, s.cfg.PositionMax)
	if err != nil {
		return "", err
	}
	speed, err := args.getInt("SPEED", s.cfg.MaxSpeed, 0, SpeedLimit)
	if err != nil {
		return "", err
	}
	accel, err := args.getInt("ACCEL", s.cfg.MaxAccel, 0, AccelLimit)
	if err != nil {
		return "", err
	}
	wait, err := args.getFloat("WAIT", 0)
	if err != nil {
		return "", err
	}

	if err := s.MoveTo(ctx, position, speed, accel); err != nil {
		return "", err
	}

	resp := fmt.Sprintf("Moving %s to position %d (speed=%d, accel=%d)", s.name, position, speed, accel)

	if wait > 0 {
		timeout := time.Duration(wait * float64(time.Second))
		if err := s.WaitForStop(ctx, timeout); err != nil {
			return "", err
		}
		resp += fmt.Sprintf("\n%s reached position %d", s.name, position)
	}

	return resp, nil
}

// CmdStop handles STOP.
func (s *Servo) CmdStop(ctx context.Context, args Args) (string, error) {
	pos, err := s.Stop(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Stopped %s at position %d", s.name, pos), nil
}

// CmdEnable handles ENABLE.
func (s *Servo) CmdEnable(ctx context.Context, args Args) (string, error) {
	if err := s.Enable(ctx); err != nil {
		return "", err
	}
	return fmt.Sprintf("Enabled %s", s.name), nil
}

// CmdDisable handles DISABLE.
func (s *Servo) CmdDisable(ctx context.Context, args Args) (string, error) {
	if err := s.Disable(ctx); err != nil {
		return "", err
	}
	return fmt.Sprintf("Disabled %s", s.name), nil
}

// CmdSetPosition handles SET_POSITION POSITION=n: a logical re-zero with no
// device command.
func (s *Servo) CmdSetPosition(ctx context.Context, args Args) (string, error) {
	position, err := args.requireInt("POSITION", s.cfg.PositionMin, s.cfg.PositionMax)
	if err != nil {
		return "", err
	}
	if err := s.SetPosition(position); err != nil {
		return "", err
	}
	return fmt.Sprintf("Set %s position to %d", s.name, position), nil
}

// CmdStatus handles STATUS: a formatted report of the tracked state.
func (s *Servo) CmdStatus(ctx context.Context, args Args) (string, error) {
	st := s.Status()

	var b strings.Builder
	fmt.Fprintf(&b, "%s Status:\n", s.name)
	fmt.Fprintf(&b, "  Position: %s\n", fmtOptInt(st.Position))
	fmt.Fprintf(&b, "  Target: %s\n", fmtOptInt(st.Target))
	fmt.Fprintf(&b, "  Moving: %t\n", st.Moving)

	if st.Temperature != nil {
		fmt.Fprintf(&b, "  Temperature: %.1f°C\n", *st.Temperature)
	}
	if st.Current != nil {
		fmt.Fprintf(&b, "  Current: %.1fmA\n", *st.Current)
	}
	if st.Voltage != nil {
		fmt.Fprintf(&b, "  Voltage: %.1fV\n", *st.Voltage)
	}

	fmt.Fprintf(&b, "  Enabled: %t", st.Enabled)

	if st.LastError != "" {
		fmt.Fprintf(&b, "\n  Last Error: %s", st.LastError)
	}

	return b.String(), nil
}

func fmtOptInt(p *int) string {
	if p == nil {
		return "unknown"
	}
	return strconv.Itoa(*p)
}

// ParseArgs splits KEY=VALUE tokens into an Args map. Keys are upper-cased.
func ParseArgs(tokens []string) (Args, error) {
	args := make(Args, len(tokens))
	for _, tok := range tokens {
		key, value, found := strings.Cut(tok, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("malformed parameter %q, expected KEY=VALUE", tok)
		}
		args[strings.ToUpper(key)] = value
	}
	return args, nil
}
