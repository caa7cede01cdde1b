package telemetry

import (
	"context"
	"sync"

	"github.com/taskfactory/factoryd/internal/events"
	"github.com/taskfactory/factoryd/internal/logging"
)

// Collector subscribes to the control bus and feeds the rollup store.
// Persistence failures are logged and never propagated; telemetry must not
// disturb the factory line.
type Collector struct {
	store  *Store
	bus    *events.Bus
	logger *logging.Logger

	ch   <-chan events.Event
	once sync.Once
	done chan struct{}
}

// NewCollector creates a collector over the given store and bus.
func NewCollector(store *Store, bus *events.Bus, logger *logging.Logger) *Collector {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Collector{
		store:  store,
		bus:    bus,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start begins consuming events. It returns immediately. The priority
// subscription guarantees terminal turn and move events reach the rollup
// even when regular subscriber buffers overflow.
func (c *Collector) Start() {
	c.ch = c.bus.SubscribePriority()
	go c.run()
}

func (c *Collector) run() {
	defer close(c.done)
	ctx := context.Background()
	for ev := range c.ch {
		switch e := ev.(type) {
		case events.TurnEndEvent:
			if err := c.store.RecordTurn(ctx, e.WorkspaceID(), e.TaskID, e.TurnID, string(e.Outcome), e.DurationMs); err != nil {
				c.logger.Warn("telemetry turn record failed", "error", err)
			}
		case events.TaskMovedEvent:
			if err := c.store.RecordMove(ctx, e.WorkspaceID(), e.TaskID, e.From, e.To, e.Actor); err != nil {
				c.logger.Warn("telemetry move record failed", "error", err)
			}
		}
	}
}

// Stop unsubscribes and waits for in-flight records to land.
func (c *Collector) Stop() {
	c.once.Do(func() {
		if c.ch != nil {
			c.bus.Unsubscribe(c.ch)
			<-c.done
		}
	})
}
