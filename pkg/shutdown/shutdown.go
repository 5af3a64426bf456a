// Package shutdown coordinates graceful teardown of the host process.
// Hooks registered first shut down last, so the loader outlives the
// surfaces built on top of it.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/wasmhost/pkg/logging"
)

// Manager runs registered hooks in LIFO order on shutdown
type Manager struct {
	mu      sync.Mutex
	hooks   []func(context.Context) error
	timeout time.Duration
	done    chan struct{}
	once    sync.Once
	log     *logging.Logger
}

// New creates a manager that grants hooks at most timeout in total
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &Manager{
		timeout: timeout,
		done:    make(chan struct{}),
		log:     logger.WithField("component", "shutdown"),
	}
}

// Register adds a shutdown hook. Hooks run in reverse registration order.
func (m *Manager) Register(fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Done is closed once shutdown has been initiated
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until SIGTERM or SIGINT, then runs the hooks
func (m *Manager) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	m.log.Info("received signal, shutting down", map[string]interface{}{"signal": sig.String()})

	m.once.Do(func() { close(m.done) })
	m.Shutdown()
}

// Shutdown runs all registered hooks LIFO under the manager's timeout
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	for i := len(m.hooks) - 1; i >= 0; i-- {
		if err := m.hooks[i](ctx); err != nil {
			m.log.Error("shutdown hook failed", map[string]interface{}{"hook": i, "error": err.Error()})
		}
	}
	m.log.Info("shutdown complete")
}

// StopHTTPServer wraps an http.Server-shaped value as a shutdown hook
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return server.Shutdown(ctx)
	}
}

// CloseResource wraps an io.Closer as a shutdown hook
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return closer.Close()
	}
}
