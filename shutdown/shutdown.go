package shutdown

import (
	"os"
	"os/signal"
	"sync"

	"github.com/sirupsen/logrus"
)

// Handle is the part of a database handle the coordinator drives during
// termination.
type Handle interface {
	Shutdown() error
}

// Coordinator tracks every live handle and defers process exit until
// each one has completed its forced flush. Handles shut down
// independently but the process exits together only once all are done.
type Coordinator struct {
	mu       sync.Mutex
	handles  []Handle
	inflight sync.WaitGroup
	once     sync.Once
	done     chan struct{}
	logger   *logrus.Entry
}

func NewCoordinator() *Coordinator {
	return &Coordinator{
		done:   make(chan struct{}),
		logger: logrus.WithField("component", "shutdown"),
	}
}

// Register adds a handle. Handles registered after the termination
// signal fired are not flushed by the coordinator.
func (c *Coordinator) Register(h Handle) {
	c.mu.Lock()
	c.handles = append(c.handles, h)
	c.mu.Unlock()
}

// Notify installs the signal handler. Every received signal triggers the
// coordinated shutdown; all but the first are no-ops.
func (c *Coordinator) Notify(signals ...os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)
	go func() {
		for sig := range ch {
			c.logger.WithField("signal", sig.String()).Info("signal received")
			c.Trigger()
		}
	}()
}

// Trigger starts one forced flush per registered handle. Concurrent and
// repeated calls collapse into the first.
func (c *Coordinator) Trigger() {
	c.once.Do(func() {
		c.mu.Lock()
		handles := append([]Handle{}, c.handles...)
		c.mu.Unlock()

		for _, h := range handles {
			c.inflight.Add(1)
			go func(h Handle) {
				defer c.inflight.Done()
				err := h.Shutdown()
				if err != nil {
					c.logger.WithError(err).Error("handle shutdown")
				}
			}(h)
		}

		go func() {
			c.inflight.Wait()
			close(c.done)
		}()
	})
}

// Done is closed once every registered handle has durably flushed.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}
