// Package teardown implements the Teardown Coordinator: a LIFO stack of
// release actions seeded by each subsystem at acquisition time. The
// original registers exactly one fixed cleanup callback via Python's
// atexit; this generalizes that to an arbitrary stack, since the IFB
// device and the three qdiscs each need their own independently scoped
// release action here.
package teardown

import (
	"log/slog"
	"sync"
)

// Action is a single idempotent release step. It must tolerate being
// run against a resource that is already gone — RunAll makes no
// distinction between "never existed" and "already released".
type Action func() error

// Coordinator drains its actions in reverse registration order on any
// exit path: normal return, signal, or unrecovered error.
type Coordinator struct {
	logger *slog.Logger

	mu      sync.Mutex
	actions []Action
}

// New constructs an empty Coordinator. A nil logger falls back to
// slog.Default(), which still reports drain failures.
func New(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{logger: logger}
}

// Register pushes action onto the stack. Actions registered later run
// first on drain, mirroring the dependency order in which resources
// were acquired (a leaf class must go before the qdisc that owns it).
func (c *Coordinator) Register(action Action) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, action)
}

// RunAll drains every registered action in LIFO order and clears the
// stack. Calling RunAll again afterward is a no-op, which is what makes
// running the whole sequence twice equivalent to running it once.
func (c *Coordinator) RunAll() {
	c.mu.Lock()
	actions := c.actions
	c.actions = nil
	c.mu.Unlock()

	for i := len(actions) - 1; i >= 0; i-- {
		if err := actions[i](); err != nil {
			c.logger.Warn("teardown action failed", "error", err)
		}
	}
}

// Len reports how many actions are currently registered, for tests and
// diagnostics.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.actions)
}
