package imapworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jhult/emailengine/internal/accounts"
	"github.com/jhult/emailengine/internal/control"
	"github.com/jhult/emailengine/internal/events"
	"github.com/jhult/emailengine/internal/metrics"
	"github.com/jhult/emailengine/internal/oauth2"
	"github.com/jhult/emailengine/internal/queue"
	"github.com/jhult/emailengine/internal/smtpclient"
)

// Settings are the tunables shared by every connection the worker hosts.
type Settings struct {
	DialTimeout   time.Duration
	PollInterval  time.Duration
	NotifyRetries int
	NotifyBackoff time.Duration
	AccountLogs   bool
}

// Worker hosts a set of per-account connections. The supervisor delivers
// control messages into its mailbox; everything else is internal.
type Worker struct {
	id      string
	mailbox chan control.Message
	bus     chan<- control.Envelope

	registry *accounts.Registry
	logs     *accounts.LogRing
	engine   *queue.Engine
	smtp     *smtpclient.Client

	newClient ClientFactory
	oauth     *oauth2.Manager
	settings  Settings

	mu    sync.Mutex
	conns map[string]*Connection

	logger  *log.Logger
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

// Option customizes a worker.
type Option func(*Worker)

// WithClientFactory overrides how IMAP clients are dialed. Tests inject
// fakes here.
func WithClientFactory(factory ClientFactory) Option {
	return func(w *Worker) {
		if factory != nil {
			w.newClient = factory
		}
	}
}

// WithMetrics attaches connection and event counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithOAuth enables access-token refresh for provider-backed accounts.
func WithOAuth(mgr *oauth2.Manager) Option {
	return func(w *Worker) { w.oauth = mgr }
}

// WithLogger overrides the worker logger.
func WithLogger(logger *log.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// New creates an IMAP worker.
func New(id string, bus chan<- control.Envelope, registry *accounts.Registry, logs *accounts.LogRing, engine *queue.Engine, smtp *smtpclient.Client, settings Settings, opts ...Option) *Worker {
	if settings.PollInterval <= 0 {
		settings.PollInterval = 30 * time.Second
	}
	if settings.DialTimeout <= 0 {
		settings.DialTimeout = 10 * time.Second
	}
	if settings.NotifyRetries <= 0 {
		settings.NotifyRetries = 10
	}
	if settings.NotifyBackoff <= 0 {
		settings.NotifyBackoff = 5 * time.Second
	}
	w := &Worker{
		id:        id,
		mailbox:   make(chan control.Message, 1024),
		bus:       bus,
		registry:  registry,
		logs:      logs,
		engine:    engine,
		smtp:      smtp,
		newClient: DialClient,
		settings:  settings,
		conns:     make(map[string]*Connection),
		logger:    log.New(log.Writer(), fmt.Sprintf("[IMAP %s] ", id), log.LstdFlags),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.id }

// Deliver enqueues a control message. False means the mailbox is full or
// the worker stopped; the caller keeps the account unassigned.
func (w *Worker) Deliver(msg control.Message) bool {
	select {
	case w.mailbox <- msg:
		return true
	default:
		return false
	}
}

// Run processes the mailbox until ctx ends. It announces readiness first so
// the assignment controller starts handing out accounts.
func (w *Worker) Run(ctx context.Context) error {
	w.send(control.Envelope{From: w.id, Msg: control.Message{Cmd: control.CmdReady}})

	defer func() {
		w.closeAll()
		w.wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-w.mailbox:
			w.handle(ctx, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg control.Message) {
	switch msg.Cmd {
	case control.CmdAssign:
		w.assign(ctx, msg.Account)
	case control.CmdDelete:
		w.drop(msg.Account)
	case control.CmdUpdate:
		// Reconnect with fresh credentials: drop and reassign locally.
		w.drop(msg.Account)
		w.assign(ctx, msg.Account)
	case control.CmdSettings:
		w.applySettings(msg)
	case control.CmdCountConnections:
		w.reportConnections()
	case control.CmdCall:
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.serveCall(ctx, msg)
		}()
	}
}

// assign loads the account and starts its connection loop.
func (w *Worker) assign(ctx context.Context, id string) {
	acct, err := w.registry.Load(ctx, id)
	if errors.Is(err, accounts.ErrNotFound) {
		w.logger.Printf("assign %s: account gone", id)
		return
	}
	if err != nil {
		w.logger.Printf("assign %s: %v", id, err)
		w.release(id)
		return
	}
	if acct.IMAP == nil && acct.OAuth2 == nil {
		// Credentials tombstoned mid-flight.
		return
	}
	if acct.OAuth2 != nil && acct.IMAP == nil {
		if !w.refreshAccessToken(ctx, acct) {
			return
		}
	}

	conn := newConnection(acct, connDeps{
		newClient:    w.newClient,
		dialTimeout:  w.settings.DialTimeout,
		pollInterval: w.settings.PollInterval,
		setState: func(ctx context.Context, state accounts.State, lastErr *accounts.LastError) {
			w.publishState(ctx, acct.ID, state, lastErr)
		},
		emit: func(ctx context.Context, kind events.Type, data any) {
			w.emit(ctx, acct, kind, data)
		},
		logf: func(level, format string, args ...any) {
			w.accountLog(acct, level, format, args...)
		},
	})

	w.mu.Lock()
	if _, dup := w.conns[id]; dup {
		w.mu.Unlock()
		return
	}
	w.conns[id] = conn
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		err := conn.Run(ctx)
		w.mu.Lock()
		delete(w.conns, id)
		w.mu.Unlock()
		if errors.Is(err, ErrTransport) || errors.Is(err, ErrAuth) {
			// Failed sessions go back through the supervisor's damper; tight
			// auth-rejection loops are exactly what it exists for.
			w.release(id)
		}
	}()
}

// refreshAccessToken ensures the cached access token is fresh enough to
// open a session. Returns false when the account cannot proceed.
func (w *Worker) refreshAccessToken(ctx context.Context, acct *accounts.Account) bool {
	creds := acct.OAuth2
	if creds.AccessToken != "" && time.Until(creds.Expires) > time.Minute {
		return true
	}
	if w.oauth == nil {
		w.publishState(ctx, acct.ID, accounts.StateAuthenticationError, &accounts.LastError{
			Code:      "OAuthNotConfigured",
			Message:   "no oauth2 providers configured",
			Timestamp: time.Now().UTC(),
		})
		return false
	}
	token, expires, err := w.oauth.Refresh(ctx, creds.Provider, creds.RefreshToken)
	if err != nil {
		var re *oauth2.RefreshError
		if errors.As(err, &re) && re.Permanent {
			// The grant is dead: park the account until the operator
			// relinks it.
			w.publishState(ctx, acct.ID, accounts.StateAuthenticationError, &accounts.LastError{
				Code:      "OAuthRefreshRejected",
				Message:   err.Error(),
				Timestamp: time.Now().UTC(),
			})
			w.emit(ctx, acct, events.AuthenticationError, map[string]string{"error": err.Error()})
			return false
		}
		w.accountLog(acct, "warn", "token refresh failed: %v", err)
		w.release(acct.ID)
		return false
	}
	creds.AccessToken = token
	creds.Expires = expires
	if err := w.registry.SetAccessToken(ctx, acct.ID, token, expires); err != nil {
		w.logger.Printf("cache access token for %s: %v", acct.ID, err)
	}
	return true
}

// drop closes and forgets a connection.
func (w *Worker) drop(id string) {
	w.mu.Lock()
	conn, ok := w.conns[id]
	if ok {
		delete(w.conns, id)
	}
	w.mu.Unlock()
	if ok {
		conn.Stop()
	}
}

func (w *Worker) closeAll() {
	w.mu.Lock()
	conns := make([]*Connection, 0, len(w.conns))
	for _, conn := range w.conns {
		conns = append(conns, conn)
	}
	w.conns = make(map[string]*Connection)
	w.mu.Unlock()
	for _, conn := range conns {
		conn.Stop()
	}
}

// conn returns the live connection for an account.
func (w *Worker) conn(id string) (*Connection, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	conn, ok := w.conns[id]
	return conn, ok
}

// release hands the account back to the supervisor for reassignment.
func (w *Worker) release(id string) {
	w.send(control.Envelope{From: w.id, Msg: control.Message{
		Cmd:     control.CmdChange,
		Kind:    "released",
		Account: id,
	}})
}

// publishState writes the transition to the account hash and broadcasts it
// so API workers see live state.
func (w *Worker) publishState(ctx context.Context, id string, state accounts.State, lastErr *accounts.LastError) {
	if err := w.registry.SetState(ctx, id, state, lastErr); err != nil {
		w.logger.Printf("persist state %s=%s: %v", id, state, err)
	}
	w.send(control.Envelope{From: w.id, Msg: control.Message{
		Cmd:     control.CmdChange,
		Kind:    "state",
		Account: id,
		Payload: control.MarshalPayload(map[string]any{"state": state, "error": lastErr}),
	}})
	if w.metrics != nil {
		w.metrics.Connections.WithLabelValues(string(state)).Inc()
	}
}

// emit queues a notification job for the event.
func (w *Worker) emit(ctx context.Context, acct *accounts.Account, kind events.Type, data any) {
	evt := events.New(acct.ID, kind, data)
	payload, err := evt.Encode()
	if err != nil {
		w.logger.Printf("encode %s event for %s: %v", kind, acct.ID, err)
		return
	}
	if _, err := w.engine.Enqueue(ctx, queue.Notify, payload, queue.EnqueueOpts{
		Attempts:  w.settings.NotifyRetries,
		BaseDelay: w.settings.NotifyBackoff,
	}); err != nil {
		w.logger.Printf("enqueue %s event for %s: %v", kind, acct.ID, err)
		return
	}
	if w.metrics != nil {
		w.metrics.Events.WithLabelValues(string(kind)).Inc()
	}
	w.accountLog(acct, "info", "event %s", kind)
}

// accountLog appends to the account's log ring when enabled.
func (w *Worker) accountLog(acct *accounts.Account, level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	w.logger.Printf("%s: %s", acct.ID, msg)
	if !acct.Logs && !w.settings.AccountLogs {
		return
	}
	entry := accounts.LogEntry{Level: level, Component: "imap", Message: msg}
	if err := w.logs.Append(context.Background(), acct.ID, entry); err != nil {
		w.logger.Printf("append log for %s: %v", acct.ID, err)
	}
}

// applySettings reacts to settings broadcasts that affect this worker. The
// supervisor resolves the new value before fanning out.
func (w *Worker) applySettings(msg control.Message) {
	if msg.Key != "logs" {
		return
	}
	w.settings.AccountLogs = msg.Value != 0
}

func (w *Worker) reportConnections() {
	w.mu.Lock()
	count := int64(len(w.conns))
	w.mu.Unlock()
	w.send(control.Envelope{From: w.id, Msg: control.Message{
		Cmd:   control.CmdMetrics,
		Key:   "connections",
		Value: count,
	}})
}

// serveCall handles one RPC message and replies on the bus.
func (w *Worker) serveCall(ctx context.Context, msg control.Message) {
	resp, err := w.dispatch(ctx, msg.Account, msg.Op, msg.Payload)
	reply := control.Message{Cmd: control.CmdResp, MID: msg.MID}
	if err != nil {
		reply.Error = control.AsCallError(err)
	} else {
		raw, marshalErr := json.Marshal(resp)
		if marshalErr != nil {
			reply.Error = control.AsCallError(fmt.Errorf("encode %s response: %w", msg.Op, marshalErr))
		} else {
			reply.Response = raw
		}
	}
	w.send(control.Envelope{From: w.id, Msg: reply})
}

func (w *Worker) send(env control.Envelope) {
	select {
	case w.bus <- env:
	default:
		// Bus congested; drop rather than deadlock the worker loop. The
		// supervisor recovers via timeouts and lease expiry.
		w.logger.Printf("bus full, dropped %s", env.Msg.Cmd)
	}
}
