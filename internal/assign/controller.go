package assign

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/jhult/emailengine/internal/accounts"
	"github.com/jhult/emailengine/internal/control"
	"github.com/jhult/emailengine/internal/metrics"
)

// Assignee is a worker that can receive account assignments. Deliver
// reports false when the worker's mailbox is gone.
type Assignee interface {
	ID() string
	Deliver(msg control.Message) bool
}

// stateWriter publishes account state so API reads stay accurate while an
// account waits for reassignment.
type stateWriter interface {
	SetState(ctx context.Context, id string, state accounts.State, lastErr *accounts.LastError) error
}

const (
	// reconnectBase seeds the damping delay on the first tight reconnect.
	reconnectBase = 2 * time.Second
	// reconnectCap bounds the damping delay.
	reconnectCap = 60 * time.Second
	// historySize bounds the per-account disconnect ring.
	historySize = 10
)

// damper tracks recent disconnects of one account and computes the delay
// before its next assignment attempt.
type damper struct {
	history   []time.Time
	lastDelay time.Duration
}

// next records a disconnect at now and returns the cooling delay. A gap of
// a minute or more since the previous disconnect resets the backoff.
func (d *damper) next(now time.Time) time.Duration {
	gap := time.Duration(-1)
	if len(d.history) > 0 {
		gap = now.Sub(d.history[len(d.history)-1])
	}
	d.history = append(d.history, now)
	if len(d.history) > historySize {
		d.history = d.history[len(d.history)-historySize:]
	}
	if gap < 0 || gap >= reconnectCap {
		d.lastDelay = 0
		return 0
	}
	if d.lastDelay == 0 {
		d.lastDelay = reconnectBase
	} else {
		d.lastDelay = (d.lastDelay*3 + 1) / 2
		if d.lastDelay > reconnectCap {
			d.lastDelay = reconnectCap
		}
	}
	return d.lastDelay
}

// Controller owns the account-to-worker assignment maps. All methods are
// safe for concurrent use; AssignCycle itself is serialized so overlapping
// triggers run one pass at a time.
type Controller struct {
	mu             sync.Mutex
	unassigned     map[string]struct{}
	assigned       map[string]string
	workerAssigned map[string]map[string]struct{}
	workers        map[string]Assignee
	dampers        map[string]*damper
	cooling        map[string]*time.Timer

	cycleMu sync.Mutex

	states  stateWriter
	logger  *log.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option customizes the controller.
type Option func(*Controller)

// WithClock overrides the wall clock, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMetrics attaches assignment counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// NewController creates an empty controller.
func NewController(states stateWriter, logger *log.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = log.New(log.Writer(), "[ASSIGN] ", log.LstdFlags)
	}
	c := &Controller{
		unassigned:     make(map[string]struct{}),
		assigned:       make(map[string]string),
		workerAssigned: make(map[string]map[string]struct{}),
		workers:        make(map[string]Assignee),
		dampers:        make(map[string]*damper),
		cooling:        make(map[string]*time.Timer),
		states:         states,
		logger:         logger,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bootstrap seeds the unassigned set with every registered account.
func (c *Controller) Bootstrap(ctx context.Context, ids []string) {
	c.mu.Lock()
	for _, id := range ids {
		if _, owned := c.assigned[id]; !owned {
			c.unassigned[id] = struct{}{}
		}
	}
	c.mu.Unlock()
	c.AssignCycle(ctx)
}

// AccountNew registers a fresh account and triggers an assignment pass.
func (c *Controller) AccountNew(ctx context.Context, id string) {
	c.mu.Lock()
	if _, owned := c.assigned[id]; owned {
		c.mu.Unlock()
		return
	}
	c.unassigned[id] = struct{}{}
	c.mu.Unlock()
	c.AssignCycle(ctx)
}

// AccountDeleted drops the account from every map. The owning worker, if
// any, is told to close the connection.
func (c *Controller) AccountDeleted(ctx context.Context, id string) {
	c.mu.Lock()
	delete(c.unassigned, id)
	delete(c.dampers, id)
	if timer, ok := c.cooling[id]; ok {
		timer.Stop()
		delete(c.cooling, id)
	}
	var owner Assignee
	if workerID, ok := c.assigned[id]; ok {
		delete(c.assigned, id)
		if set, ok := c.workerAssigned[workerID]; ok {
			delete(set, id)
		}
		owner = c.workers[workerID]
	}
	c.mu.Unlock()
	if owner != nil {
		owner.Deliver(control.Message{Cmd: control.CmdDelete, Account: id})
	}
}

// AccountUpdated forwards connection-affecting changes to the owner so it
// reconnects with fresh credentials. Unowned accounts just wait their turn.
func (c *Controller) AccountUpdated(ctx context.Context, id string) {
	c.mu.Lock()
	var owner Assignee
	if workerID, ok := c.assigned[id]; ok {
		owner = c.workers[workerID]
	}
	c.mu.Unlock()
	if owner != nil {
		owner.Deliver(control.Message{Cmd: control.CmdUpdate, Account: id})
	}
}

// WorkerReady adds a worker to the available pool.
func (c *Controller) WorkerReady(ctx context.Context, w Assignee) {
	c.mu.Lock()
	c.workers[w.ID()] = w
	if _, ok := c.workerAssigned[w.ID()]; !ok {
		c.workerAssigned[w.ID()] = make(map[string]struct{})
	}
	c.mu.Unlock()
	c.AssignCycle(ctx)
}

// WorkerExited releases every account the worker owned. Released accounts
// pass through the reconnect damper before rejoining the unassigned set.
func (c *Controller) WorkerExited(ctx context.Context, workerID string) {
	c.mu.Lock()
	delete(c.workers, workerID)
	owned := c.workerAssigned[workerID]
	delete(c.workerAssigned, workerID)
	released := make([]string, 0, len(owned))
	for id := range owned {
		delete(c.assigned, id)
		released = append(released, id)
	}
	c.mu.Unlock()

	sort.Strings(released)
	for _, id := range released {
		if c.metrics != nil {
			c.metrics.Reassignments.Inc()
		}
		c.release(ctx, id)
	}
	c.AssignCycle(ctx)
}

// Release returns an account to the pool after its connection dropped,
// applying the reconnect damper. Used for transport-level failures the
// worker will not retry locally.
func (c *Controller) Release(ctx context.Context, id string) {
	c.mu.Lock()
	workerID, owned := c.assigned[id]
	if owned {
		delete(c.assigned, id)
		if set, ok := c.workerAssigned[workerID]; ok {
			delete(set, id)
		}
	}
	c.mu.Unlock()
	c.release(ctx, id)
	c.AssignCycle(ctx)
}

// release damps and schedules the account's return to unassigned. Callers
// must have removed it from assigned already.
func (c *Controller) release(ctx context.Context, id string) {
	now := c.now()
	c.mu.Lock()
	d, ok := c.dampers[id]
	if !ok {
		d = &damper{}
		c.dampers[id] = d
	}
	delay := d.next(now)
	if delay <= 0 {
		c.unassigned[id] = struct{}{}
		c.mu.Unlock()
		return
	}
	if timer, ok := c.cooling[id]; ok {
		timer.Stop()
	}
	c.cooling[id] = time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.cooling, id)
		c.unassigned[id] = struct{}{}
		c.mu.Unlock()
		c.AssignCycle(context.Background())
	})
	c.mu.Unlock()

	// The account sits out its cooling period; reflect that for API reads.
	if c.states != nil {
		if err := c.states.SetState(ctx, id, accounts.StateDisconnected, nil); err != nil {
			c.logger.Printf("set disconnected state for %s: %v", id, err)
		}
	}
	c.logger.Printf("account %s cooling for %s before reassignment", id, delay)
}

// AssignCycle walks the unassigned set and hands each account to its
// rendezvous-chosen worker. Serialized: concurrent triggers queue behind
// the running pass.
func (c *Controller) AssignCycle(ctx context.Context) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	for {
		c.mu.Lock()
		if len(c.unassigned) == 0 || len(c.workers) == 0 {
			c.mu.Unlock()
			return
		}
		workerIDs := make([]string, 0, len(c.workers))
		for id := range c.workers {
			workerIDs = append(workerIDs, id)
		}
		pending := make([]string, 0, len(c.unassigned))
		for id := range c.unassigned {
			pending = append(pending, id)
		}
		c.mu.Unlock()
		sort.Strings(pending)

		progressed := false
		for _, account := range pending {
			workerID, ok := pickWorker(workerIDs, account)
			if !ok {
				return
			}
			c.mu.Lock()
			if _, still := c.unassigned[account]; !still {
				c.mu.Unlock()
				continue
			}
			worker, alive := c.workers[workerID]
			if !alive {
				c.mu.Unlock()
				break
			}
			delete(c.unassigned, account)
			c.assigned[account] = workerID
			c.workerAssigned[workerID][account] = struct{}{}
			c.mu.Unlock()

			if !worker.Deliver(control.Message{Cmd: control.CmdAssign, Account: account}) {
				// Mailbox gone: undo and let the worker-exit path clean up.
				c.mu.Lock()
				delete(c.assigned, account)
				if set, ok := c.workerAssigned[workerID]; ok {
					delete(set, account)
				}
				c.unassigned[account] = struct{}{}
				c.mu.Unlock()
				continue
			}
			progressed = true
			if c.metrics != nil {
				c.metrics.Assignments.Inc()
			}
		}
		if !progressed {
			return
		}
		// Re-check: new accounts or workers may have arrived mid-pass.
		c.mu.Lock()
		again := len(c.unassigned) > 0 && len(c.workers) > 0
		c.mu.Unlock()
		if !again {
			return
		}
	}
}

// Owner reports the worker currently owning the account.
func (c *Controller) Owner(account string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	workerID, ok := c.assigned[account]
	return workerID, ok
}

// OwnerHandle returns the owning worker's assignee handle.
func (c *Controller) OwnerHandle(account string) (Assignee, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	workerID, ok := c.assigned[account]
	if !ok {
		return nil, false
	}
	w, ok := c.workers[workerID]
	return w, ok
}

// Snapshot returns a copy of the assignment map. Tests and diagnostics.
func (c *Controller) Snapshot() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.assigned))
	for account, workerID := range c.assigned {
		out[account] = workerID
	}
	return out
}

// Unassigned returns the accounts waiting for a worker. Tests and
// diagnostics.
func (c *Controller) Unassigned() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.unassigned))
	for id := range c.unassigned {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
