// Package shutdown coordinates graceful drain of in-flight streams. New
// work is refused once draining starts; remaining streams get a grace
// period before their contexts are cancelled.
package shutdown

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/botmesh/botmesh/internal/common/logger"
)

// ErrDraining is returned by Register once shutdown has been initiated.
var ErrDraining = errors.New("server is draining")

// Coordinator tracks active streams by id. The WS gateway also consults
// Draining to refuse new connections during drain.
type Coordinator struct {
	mu       sync.Mutex
	draining bool
	streams  map[int64]func()
	drained  chan struct{}
	logger   *logger.Logger
}

// NewCoordinator creates an idle coordinator.
func NewCoordinator(log *logger.Logger) *Coordinator {
	return &Coordinator{
		streams: make(map[int64]func()),
		logger:  log.WithFields(zap.String("component", "shutdown-coordinator")),
	}
}

// Register adds a stream and its cancel function. It fails once draining
// has started so no new streams begin mid-shutdown.
func (c *Coordinator) Register(id int64, cancel func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draining {
		return ErrDraining
	}
	c.streams[id] = cancel
	return nil
}

// Unregister removes a stream. The last stream to leave during a drain
// releases Shutdown.
func (c *Coordinator) Unregister(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.streams, id)
	if c.draining && len(c.streams) == 0 && c.drained != nil {
		close(c.drained)
		c.drained = nil
	}
}

// Draining reports whether shutdown has been initiated.
func (c *Coordinator) Draining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draining
}

// ActiveStreams returns the number of registered streams.
func (c *Coordinator) ActiveStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

// Shutdown initiates the drain: it waits up to timeout for registered
// streams to finish on their own, then cancels whatever is left. It is
// safe to call once; subsequent calls return immediately.
func (c *Coordinator) Shutdown(timeout time.Duration) {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	if len(c.streams) == 0 {
		c.mu.Unlock()
		c.logger.Info("shutdown: no active streams")
		return
	}
	waitCh := make(chan struct{})
	c.drained = waitCh
	active := len(c.streams)
	c.mu.Unlock()

	c.logger.Info("shutdown: draining streams",
		zap.Int("active", active),
		zap.Duration("timeout", timeout))

	select {
	case <-waitCh:
		c.logger.Info("shutdown: all streams drained")
	case <-time.After(timeout):
		c.mu.Lock()
		remaining := len(c.streams)
		for id, cancel := range c.streams {
			cancel()
			delete(c.streams, id)
		}
		c.drained = nil
		c.mu.Unlock()
		c.logger.Warn("shutdown: drain timeout, cancelled remaining streams",
			zap.Int("cancelled", remaining))
	}
}
