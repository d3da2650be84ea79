package st3215

import (
	"log"
	"sync"
)

type busKey struct {
	port string
	baud int
}

// Registry hands out shared Bus instances keyed by serial port and baud
// rate, so every servo configured on the same port talks through the same
// connection. Tear down with Close.
type Registry struct {
	driver Driver
	logger *log.Logger

	mu    sync.Mutex
	buses map[busKey]*Bus
}

// NewRegistry creates an empty bus registry using driver to open physical
// connections.
func NewRegistry(driver Driver, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		driver: driver,
		logger: logger,
		buses:  make(map[busKey]*Bus),
	}
}

// Bus returns the shared bus for the given port and baud rate, creating it
// on first use.
func (r *Registry) Bus(port string, baud int) *Bus {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := busKey{port: port, baud: baud}
	b, ok := r.buses[key]
	if !ok {
		b = NewBus(port, baud, r.driver, r.logger)
		r.buses[key] = b
	}
	return b
}

// Close tears down every bus in the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, b := range r.buses {
		b.Close()
		delete(r.buses, key)
	}
}
