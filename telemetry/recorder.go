// Package telemetry records servo status snapshots to a SQLite database so
// position and thermal history survive the process.
package telemetry

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Sample is one status snapshot of one servo.
type Sample struct {
	Timestamp   time.Time
	Servo       string
	Position    *int
	Target      *int
	Moving      bool
	Temperature *float64
	Current     *float64
	Voltage     *float64
	Enabled     bool
	LastError   string
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT NOT NULL,
    servo TEXT NOT NULL,
    position INTEGER,
    target INTEGER,
    moving INTEGER NOT NULL,
    temperature REAL,
    current_ma REAL,
    voltage REAL,
    enabled INTEGER NOT NULL,
    last_error TEXT
);`

const insertSQL = `INSERT INTO samples(timestamp, servo, position, target, moving, temperature, current_ma, voltage, enabled, last_error)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Open creates or opens the sample database at path.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Recorder is a long-running goroutine that listens for samples and writes
// them to db. On shutdown it drains whatever is still buffered in the
// channel before returning.
func Recorder(ctx context.Context, wg *sync.WaitGroup, db *sql.DB, samples <-chan Sample, logger *log.Logger) {
	defer wg.Done()
	logger.Println("Telemetry recorder started.")

	write := func(s Sample) {
		_, err := db.Exec(insertSQL,
			s.Timestamp.Format("2006-01-02 15:04:05.000"),
			s.Servo,
			optInt(s.Position),
			optInt(s.Target),
			boolInt(s.Moving),
			optFloat(s.Temperature),
			optFloat(s.Current),
			optFloat(s.Voltage),
			boolInt(s.Enabled),
			s.LastError,
		)
		if err != nil {
			logger.Printf("ERROR: failed to insert telemetry sample: %v", err)
		}
	}

	for {
		select {
		case s, ok := <-samples:
			if !ok {
				logger.Println("Telemetry recorder shutting down.")
				return
			}
			write(s)

		case <-ctx.Done():
			logger.Println("Shutdown signal received. Writing remaining telemetry samples...")
			for len(samples) > 0 {
				write(<-samples)
			}
			return
		}
	}
}

func optInt(p *int) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func optFloat(p *float64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
