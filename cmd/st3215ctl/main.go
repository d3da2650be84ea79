// st3215ctl is an interactive host for ST3215 serial bus servos: it loads a
// YAML configuration, brings each configured servo up through its connect
// and ready phases, runs the periodic status poller, and exposes the servo
// command set as an interactive shell.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/abiosoft/ishell"
	"github.com/caarlos0/env/v6"

	"github.com/freefoote/klipper-st3215/driver"
	"github.com/freefoote/klipper-st3215/st3215"
	"github.com/freefoote/klipper-st3215/telemetry"
)

type EnvConfig struct {
	Config      string `env:"CONFIG" envDefault:"st3215.yaml"`
	TelemetryDB string `env:"TELEMETRY_DB"`
	Debug       bool   `env:"DEBUG" envDefault:"0"`
}

func serialDriver(ctx context.Context, port string, baud int) (st3215.Conn, error) {
	return driver.Open(driver.Config{Port: port, BaudRate: baud})
}

func main() {
	envCfg := new(EnvConfig)
	if err := env.Parse(envCfg); err != nil {
		log.Fatalf("environment error: %v", err)
	}

	configPath := flag.String("config", envCfg.Config, "path to servo configuration file")
	flag.Parse()

	logger := log.New(os.Stderr, "", log.LstdFlags)
	if envCfg.Debug {
		logger.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}

	cfg, err := st3215.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("configuration error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := st3215.NewRegistry(st3215.DriverFunc(serialDriver), logger)
	defer registry.Close()

	// A critical servo temperature halts the whole process: every servo
	// is disabled best effort, then the host exits.
	var servos map[string]*st3215.Servo
	var fatalOnce sync.Once
	shutdown := func(reason string) {
		fatalOnce.Do(func() {
			logger.Printf("FATAL: %s", reason)
			cancel()
			for _, s := range servos {
				s.HandleShutdown()
			}
			registry.Close()
			os.Exit(1)
		})
	}

	servos = make(map[string]*st3215.Servo, len(cfg.Servos))
	var names []string
	for name, sc := range cfg.Servos {
		bus := registry.Bus(sc.Serial, sc.BaudRate)
		servos[name] = st3215.NewServo(name, sc, bus, st3215.ServoOptions{
			Logger:   logger,
			Shutdown: shutdown,
		})
		names = append(names, name)
	}

	// Connect phase: a servo missing from its bus is fatal.
	for _, s := range servos {
		if err := s.HandleConnect(ctx); err != nil {
			logger.Fatalf("%v", err)
		}
	}

	// Ready phase: initial moves, then the shared poll loop.
	poller := st3215.NewPoller()
	for _, s := range servos {
		s.HandleReady(ctx)
		poller.Add(s)
	}
	go poller.Run(ctx)

	var wg sync.WaitGroup
	if envCfg.TelemetryDB != "" {
		db, err := telemetry.Open(envCfg.TelemetryDB)
		if err != nil {
			logger.Fatalf("unable to open telemetry database: %v", err)
		}
		defer db.Close()

		samples := make(chan telemetry.Sample, 64)
		wg.Add(1)
		go telemetry.Recorder(ctx, &wg, db, samples, logger)
		go sampleLoop(ctx, servos, samples)
	}

	runShell(ctx, servos, names, registry)

	cancel()
	for _, s := range servos {
		s.HandleShutdown()
	}
	wg.Wait()
}

// sampleLoop snapshots every servo's status once per second for the
// telemetry recorder. Snapshots never touch the bus.
func sampleLoop(ctx context.Context, servos map[string]*st3215.Servo, samples chan<- telemetry.Sample) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(samples)
			return
		case now := <-ticker.C:
			for name, s := range servos {
				st := s.Status()
				sample := telemetry.Sample{
					Timestamp:   now,
					Servo:       name,
					Position:    st.Position,
					Target:      st.Target,
					Moving:      st.Moving,
					Temperature: st.Temperature,
					Current:     st.Current,
					Voltage:     st.Voltage,
					Enabled:     st.Enabled,
					LastError:   st.LastError,
				}
				select {
				case samples <- sample:
				default: // recorder is behind, drop the sample
				}
			}
		}
	}
}

func runShell(ctx context.Context, servos map[string]*st3215.Servo, names []string, registry *st3215.Registry) {
	shell := ishell.New()
	shell.Println("ST3215 servo host. Type 'help' for commands.")

	servoNames := func(args []string) []string {
		return names
	}

	lookup := func(c *ishell.Context) *st3215.Servo {
		if len(c.Args) < 1 {
			c.Err(fmt.Errorf("usage: %s", c.Cmd.Help))
			return nil
		}
		s, ok := servos[c.Args[0]]
		if !ok {
			c.Err(fmt.Errorf("unknown servo %q", c.Args[0]))
			return nil
		}
		return s
	}

	// respond runs a command handler and prints its confirmation text.
	respond := func(c *ishell.Context, s *st3215.Servo, run func(context.Context, st3215.Args) (string, error), args st3215.Args) {
		resp, err := run(ctx, args)
		if err != nil {
			c.Err(err)
			return
		}
		c.Println(resp)
	}

	shell.AddCmd(&ishell.Cmd{
		Name:      "move",
		Completer: servoNames,
		Help:      "move <servo> <position> [speed] [accel] [wait_seconds]",
		Func: func(c *ishell.Context) {
			s := lookup(c)
			if s == nil || len(c.Args) < 2 {
				return
			}
			args := st3215.Args{"POSITION": c.Args[1]}
			if len(c.Args) >= 3 {
				args["SPEED"] = c.Args[2]
			}
			if len(c.Args) >= 4 {
				args["ACCEL"] = c.Args[3]
			}
			if len(c.Args) >= 5 {
				args["WAIT"] = c.Args[4]
			}
			respond(c, s, s.CmdMove, args)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "stop",
		Completer: servoNames,
		Help:      "stop <servo>",
		Func: func(c *ishell.Context) {
			if s := lookup(c); s != nil {
				respond(c, s, s.CmdStop, nil)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "enable",
		Completer: servoNames,
		Help:      "enable <servo>",
		Func: func(c *ishell.Context) {
			if s := lookup(c); s != nil {
				respond(c, s, s.CmdEnable, nil)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "disable",
		Completer: servoNames,
		Help:      "disable <servo>",
		Func: func(c *ishell.Context) {
			if s := lookup(c); s != nil {
				respond(c, s, s.CmdDisable, nil)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "setpos",
		Completer: servoNames,
		Help:      "setpos <servo> <position>",
		Func: func(c *ishell.Context) {
			s := lookup(c)
			if s == nil || len(c.Args) < 2 {
				return
			}
			respond(c, s, s.CmdSetPosition, st3215.Args{"POSITION": c.Args[1]})
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "status",
		Completer: servoNames,
		Help:      "status <servo>",
		Func: func(c *ishell.Context) {
			if s := lookup(c); s != nil {
				respond(c, s, s.CmdStatus, nil)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "scan",
		Help: "scan <port> [baud] - list servo IDs answering on a bus",
		Func: func(c *ishell.Context) {
			if len(c.Args) < 1 {
				c.Err(fmt.Errorf("usage: %s", c.Cmd.Help))
				return
			}
			baud := 1000000
			if len(c.Args) >= 2 {
				b, err := strconv.Atoi(c.Args[1])
				if err != nil {
					c.Err(fmt.Errorf("unable to parse baud rate: %q", c.Args[1]))
					return
				}
				baud = b
			}
			c.Println("Scanning bus, this can take a while...")
			ids := registry.Bus(c.Args[0], baud).ListServos(ctx)
			if len(ids) == 0 {
				c.Println("No servos found")
				return
			}
			c.Printf("Found servos: %v\n", ids)
		},
	})

	shell.Run()
}
