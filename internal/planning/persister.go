package planning

import (
	"sync"
	"time"

	"github.com/taskfactory/factoryd/internal/logging"
)

// defaultPersistDelay coalesces bursts of message updates into one write.
const defaultPersistDelay = 500 * time.Millisecond

// persister debounces message-file writes. Schedule arms (or re-arms) the
// timer; Flush cancels it and writes synchronously.
type persister struct {
	delay  time.Duration
	write  func() error
	logger *logging.Logger

	mu    sync.Mutex
	timer *time.Timer
}

func newPersister(delay time.Duration, write func() error, logger *logging.Logger) *persister {
	if delay <= 0 {
		delay = defaultPersistDelay
	}
	return &persister{delay: delay, write: write, logger: logger}
}

func (p *persister) Schedule() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Reset(p.delay)
		return
	}
	p.timer = time.AfterFunc(p.delay, p.fire)
}

func (p *persister) fire() {
	p.mu.Lock()
	p.timer = nil
	p.mu.Unlock()

	if err := p.write(); err != nil {
		p.logger.Error("planning message persist failed", "error", err)
	}
}

// Flush writes pending state synchronously. Safe with no write scheduled.
func (p *persister) Flush() error {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()
	return p.write()
}
