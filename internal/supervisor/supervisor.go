// Package supervisor spawns and monitors the worker fleet, routes
// cross-worker RPC through the assignment map and aggregates metrics.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jhult/emailengine/internal/accounts"
	"github.com/jhult/emailengine/internal/assign"
	"github.com/jhult/emailengine/internal/control"
	"github.com/jhult/emailengine/internal/imapworker"
	"github.com/jhult/emailengine/internal/kvstore"
	"github.com/jhult/emailengine/internal/metrics"
)

// DefaultCallTimeout bounds every cross-worker RPC.
const DefaultCallTimeout = 10 * time.Second

// Runner is a supervised worker: submit and notify consumers, the SMTP
// reception server. IMAP workers are registered separately because they
// also receive assignments.
type Runner interface {
	Run(ctx context.Context) error
}

// ChangeListener observes account state broadcasts (API workers).
type ChangeListener func(account string, payload json.RawMessage)

// Supervisor owns the worker fleet and the only writable copy of the
// assignment maps (through the embedded controller).
type Supervisor struct {
	bus      chan control.Envelope
	ctrl     *assign.Controller
	registry *accounts.Registry
	kv       kvstore.Store
	calls    *callQueue
	stats    *statsSink

	mu           sync.Mutex
	imapWorkers  map[string]*imapworker.Worker
	runners      map[string]Runner
	listeners    []ChangeListener
	smtpFactory  func(ctx context.Context) Runner
	smtpCancel   context.CancelFunc
	smtpEnabled  bool
	closing      bool
	callTimeout  time.Duration
	restartDelay time.Duration

	logger  *log.Logger
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

// Option customizes the supervisor.
type Option func(*Supervisor)

// WithCallTimeout overrides the RPC deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

// WithMetrics attaches the metric set.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithRestartDelay overrides the crash-restart backoff. Tests shorten it.
func WithRestartDelay(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.restartDelay = d
		}
	}
}

// New creates a supervisor.
func New(registry *accounts.Registry, ctrl *assign.Controller, kv kvstore.Store, retentionDays int, opts ...Option) *Supervisor {
	s := &Supervisor{
		bus:          make(chan control.Envelope, 4096),
		ctrl:         ctrl,
		registry:     registry,
		kv:           kv,
		calls:        newCallQueue(),
		stats:        newStatsSink(kv, retentionDays),
		imapWorkers:  make(map[string]*imapworker.Worker),
		runners:      make(map[string]Runner),
		callTimeout:  DefaultCallTimeout,
		restartDelay: time.Second,
		logger:       log.New(log.Writer(), "[SUPERVISOR] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bus returns the channel workers report on. Worker constructors take it.
func (s *Supervisor) Bus() chan control.Envelope {
	return s.bus
}

// AddIMAPWorker registers an IMAP worker before Run.
func (s *Supervisor) AddIMAPWorker(w *imapworker.Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.imapWorkers[w.ID()] = w
}

// AddRunner registers a supervised plain worker before Run.
func (s *Supervisor) AddRunner(id string, r Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runners[id] = r
}

// SetSMTPServer installs the reception-server factory; smtpReload messages
// start or stop it according to the enabled flag.
func (s *Supervisor) SetSMTPServer(enabled bool, factory func(ctx context.Context) Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.smtpEnabled = enabled
	s.smtpFactory = factory
}

// OnChange registers a state-broadcast listener.
func (s *Supervisor) OnChange(fn ChangeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Run starts the fleet and processes the bus until ctx ends.
func (s *Supervisor) Run(ctx context.Context) error {
	// Control-channel subscription: registry and settings writes from any
	// process arrive here.
	ctrlCh, cancelSub, err := s.kv.Subscribe(ctx, control.Channel)
	if err != nil {
		return fmt.Errorf("subscribe control channel: %w", err)
	}
	defer cancelSub()

	s.mu.Lock()
	for id, w := range s.imapWorkers {
		s.superviseIMAP(ctx, id, w)
	}
	for id, r := range s.runners {
		s.supervise(ctx, id, r)
	}
	if s.smtpEnabled && s.smtpFactory != nil {
		s.startSMTPLocked(ctx)
	}
	s.mu.Unlock()

	// Seed assignments with everything already registered.
	ids, err := s.registry.IDs(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	s.ctrl.Bootstrap(ctx, ids)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case env := <-s.bus:
			s.handleEnvelope(ctx, env)
		case payload, ok := <-ctrlCh:
			if !ok {
				return errors.New("control channel closed")
			}
			s.handleControl(ctx, payload)
		}
	}
}

// superviseIMAP keeps an IMAP worker running, re-registering it with the
// assignment controller around every restart.
func (s *Supervisor) superviseIMAP(ctx context.Context, id string, w *imapworker.Worker) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			err := w.Run(ctx)
			s.ctrl.WorkerExited(ctx, id)
			if ctx.Err() != nil {
				return
			}
			s.logger.Printf("imap worker %s exited: %v; restarting", id, err)
			if s.metrics != nil {
				s.metrics.WorkerRestart.WithLabelValues("imap").Inc()
			}
			select {
			case <-time.After(s.restartDelay):
			case <-ctx.Done():
				return
			}
		}
	}()
}

// supervise keeps a plain runner alive.
func (s *Supervisor) supervise(ctx context.Context, id string, r Runner) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			err := r.Run(ctx)
			if ctx.Err() != nil {
				return
			}
			s.logger.Printf("worker %s exited: %v; restarting", id, err)
			if s.metrics != nil {
				s.metrics.WorkerRestart.WithLabelValues("worker").Inc()
			}
			select {
			case <-time.After(s.restartDelay):
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Supervisor) startSMTPLocked(ctx context.Context) {
	smtpCtx, cancel := context.WithCancel(ctx)
	s.smtpCancel = cancel
	runner := s.smtpFactory(smtpCtx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			err := runner.Run(smtpCtx)
			if smtpCtx.Err() != nil {
				return
			}
			s.logger.Printf("smtp server exited: %v; restarting", err)
			if s.metrics != nil {
				s.metrics.WorkerRestart.WithLabelValues("smtp").Inc()
			}
			select {
			case <-time.After(s.restartDelay):
			case <-smtpCtx.Done():
				return
			}
		}
	}()
}

// smtpReload terminates the reception server and, when enabled, spawns a
// fresh one.
func (s *Supervisor) smtpReload(ctx context.Context, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.smtpEnabled = enabled
	if s.smtpCancel != nil {
		s.smtpCancel()
		s.smtpCancel = nil
	}
	if enabled && s.smtpFactory != nil && !s.closing {
		s.startSMTPLocked(ctx)
	}
}

func (s *Supervisor) handleEnvelope(ctx context.Context, env control.Envelope) {
	msg := env.Msg
	switch msg.Cmd {
	case control.CmdReady:
		s.mu.Lock()
		w, ok := s.imapWorkers[env.From]
		s.mu.Unlock()
		if ok {
			s.ctrl.WorkerReady(ctx, w)
		}
	case control.CmdResp:
		s.calls.resolve(msg)
	case control.CmdChange:
		switch msg.Kind {
		case "released":
			s.ctrl.Release(ctx, msg.Account)
		case "state":
			s.broadcastChange(msg.Account, msg.Payload)
		}
	case control.CmdMetrics:
		if err := s.stats.record(ctx, msg.Key, msg.Value); err != nil {
			s.logger.Printf("record metric %s: %v", msg.Key, err)
		}
	}
}

// handleControl reacts to registry and settings messages from the KV
// control channel.
func (s *Supervisor) handleControl(ctx context.Context, payload []byte) {
	var msg struct {
		Cmd     control.Cmd `json:"cmd"`
		Account string      `json:"account"`
		Key     string      `json:"key"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.logger.Printf("bad control message: %v", err)
		return
	}
	switch msg.Cmd {
	case control.CmdNew:
		s.ctrl.AccountNew(ctx, msg.Account)
	case control.CmdDelete:
		// Queued submit jobs for the account resolve to missing blobs after
		// the registry drops the iaq hash and ack themselves silently.
		s.ctrl.AccountDeleted(ctx, msg.Account)
	case control.CmdUpdate:
		s.ctrl.AccountUpdated(ctx, msg.Account)
	case control.CmdSettings:
		s.applySetting(ctx, msg.Key)
	}
}

// applySetting fans a settings change out to the workers that care.
func (s *Supervisor) applySetting(ctx context.Context, key string) {
	switch key {
	case "smtpServerEnabled":
		enabled := false
		if raw, err := s.kv.HGet(ctx, "settings", key); err == nil {
			enabled = raw == "true" || raw == "1"
		}
		s.smtpReload(ctx, enabled)
	case "logs":
		var value int64
		if raw, err := s.kv.HGet(ctx, "settings", key); err == nil && (raw == "true" || raw == "1") {
			value = 1
		}
		s.mu.Lock()
		workers := make([]*imapworker.Worker, 0, len(s.imapWorkers))
		for _, w := range s.imapWorkers {
			workers = append(workers, w)
		}
		s.mu.Unlock()
		for _, w := range workers {
			w.Deliver(control.Message{Cmd: control.CmdSettings, Key: key, Value: value})
		}
	}
}

func (s *Supervisor) broadcastChange(account string, payload json.RawMessage) {
	s.mu.Lock()
	listeners := append([]ChangeListener(nil), s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(account, payload)
	}
}

// CallAccount routes an RPC to the account's owning IMAP worker and waits
// for the reply within the call timeout.
func (s *Supervisor) CallAccount(ctx context.Context, account, op string, params any) (json.RawMessage, error) {
	handle, ok := s.ctrl.OwnerHandle(account)
	if !ok {
		return nil, control.NoActiveHandler()
	}

	mid := uuid.NewString()
	replyCh := s.calls.register(mid)
	msg := control.Message{
		Cmd:     control.CmdCall,
		MID:     mid,
		Account: account,
		Op:      op,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			s.calls.drop(mid)
			return nil, fmt.Errorf("encode %s params: %w", op, err)
		}
		msg.Payload = raw
	}
	if !handle.Deliver(msg) {
		s.calls.drop(mid)
		return nil, control.NoActiveHandler()
	}

	timer := time.NewTimer(s.callTimeout)
	defer timer.Stop()
	select {
	case reply := <-replyCh:
		if reply.Error != nil {
			return nil, reply.Error
		}
		return reply.Response, nil
	case <-timer.C:
		s.calls.drop(mid)
		if s.metrics != nil {
			s.metrics.RPCTimeouts.Inc()
		}
		return nil, control.Timeout()
	case <-ctx.Done():
		s.calls.drop(mid)
		return nil, ctx.Err()
	}
}

// CountConnections asks every IMAP worker to report its connection count.
func (s *Supervisor) CountConnections() {
	s.mu.Lock()
	workers := make([]*imapworker.Worker, 0, len(s.imapWorkers))
	for _, w := range s.imapWorkers {
		workers = append(workers, w)
	}
	s.mu.Unlock()
	for _, w := range workers {
		w.Deliver(control.Message{Cmd: control.CmdCountConnections})
	}
}

// Controller exposes the assignment controller for diagnostics.
func (s *Supervisor) Controller() *assign.Controller {
	return s.ctrl
}

// shutdown marks closing and waits briefly for workers to wind down.
// Active queue jobs become visible again via lease expiry on next start.
func (s *Supervisor) shutdown() {
	s.mu.Lock()
	s.closing = true
	if s.smtpCancel != nil {
		s.smtpCancel()
		s.smtpCancel = nil
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2500 * time.Millisecond):
		s.logger.Printf("shutdown timeout, abandoning remaining workers")
	}
}
