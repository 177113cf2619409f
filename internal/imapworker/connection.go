package imapworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-sasl"

	"github.com/jhult/emailengine/internal/accounts"
	"github.com/jhult/emailengine/internal/events"
)

// connDeps are the narrow hooks a connection needs from its worker. The
// connection never holds the worker itself.
type connDeps struct {
	newClient    ClientFactory
	dialTimeout  time.Duration
	pollInterval time.Duration
	setState     func(ctx context.Context, state accounts.State, lastErr *accounts.LastError)
	emit         func(ctx context.Context, kind events.Type, data any)
	logf         func(level, format string, args ...any)
}

// messageInfo is the event payload describing one message.
type messageInfo struct {
	UID     uint32    `json:"uid"`
	Mailbox string    `json:"mailbox"`
	Subject string    `json:"subject,omitempty"`
	From    string    `json:"from,omitempty"`
	Date    time.Time `json:"date,omitempty"`
	Size    int64     `json:"size,omitempty"`
}

// Connection drives the state machine of one account. All client access,
// including RPC served by the worker, is serialized by mu.
type Connection struct {
	acct *accounts.Account
	deps connDeps

	mu     sync.Mutex
	client Client

	state       accounts.State
	mailbox     string
	lastUIDNext uint32
	lastExists  uint32
	knownBoxes  map[string]struct{}

	cancel  context.CancelFunc
	stopped bool
	done    chan struct{}
}

func newConnection(acct *accounts.Account, deps connDeps) *Connection {
	return &Connection{
		acct:       acct,
		deps:       deps,
		state:      accounts.StateInit,
		mailbox:    "INBOX",
		knownBoxes: make(map[string]struct{}),
		done:       make(chan struct{}),
	}
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() accounts.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) transition(ctx context.Context, state accounts.State, lastErr *accounts.LastError) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	c.deps.setState(ctx, state, lastErr)
	c.deps.logf("info", "account %s state %s", c.acct.ID, state)
}

// Run connects and keeps the session alive until ctx ends or the transport
// fails. The returned error tells the worker how the session ended:
// ErrAuth parks the account, ErrTransport releases it for reassignment,
// nil means graceful shutdown.
func (c *Connection) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	if c.stopped {
		// Stop raced ahead of Run; bail out before touching the network.
		cancel()
	}
	c.mu.Unlock()
	defer close(c.done)
	defer cancel()
	if ctx.Err() != nil {
		return nil
	}

	if err := c.connect(ctx); err != nil {
		return err
	}
	if err := c.sync(ctx); err != nil {
		return c.failed(ctx, err)
	}
	c.transition(ctx, accounts.StateConnected, nil)

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			c.transition(context.Background(), accounts.StateDisconnected, nil)
			return nil
		case <-time.After(c.deps.pollInterval):
		}
		if err := c.poll(ctx); err != nil {
			return c.failed(ctx, err)
		}
	}
}

// Stop asks the connection to close gracefully and waits for it.
func (c *Connection) Stop() {
	c.mu.Lock()
	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-c.done
}

func (c *Connection) connect(ctx context.Context) error {
	c.transition(ctx, accounts.StateConnecting, nil)

	client, err := c.deps.newClient(ctx, c.acct, c.deps.dialTimeout)
	if err != nil {
		return c.failed(ctx, classify(err))
	}
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	switch {
	case c.acct.IMAP != nil:
		if err := client.Login(c.acct.IMAP.User, c.acct.IMAP.Password); err != nil {
			client.Close()
			return c.failed(ctx, classify(err))
		}
	case c.acct.OAuth2 != nil:
		mech := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: c.acct.Email,
			Token:    c.acct.OAuth2.AccessToken,
		})
		if err := client.Authenticate(mech); err != nil {
			client.Close()
			return c.failed(ctx, classify(err))
		}
	}
	return nil
}

// sync performs the initial mailbox discovery and sets the change-detection
// baseline.
func (c *Connection) sync(ctx context.Context) error {
	c.transition(ctx, accounts.StateSyncing, nil)

	c.mu.Lock()
	defer c.mu.Unlock()

	boxes, err := c.client.List("", "*")
	if err != nil {
		return classify(err)
	}
	first := len(c.knownBoxes) == 0
	seen := make(map[string]struct{}, len(boxes))
	for _, box := range boxes {
		seen[box.Mailbox] = struct{}{}
		if _, known := c.knownBoxes[box.Mailbox]; !known && !first {
			c.emitLocked(ctx, events.MailboxNew, map[string]string{"path": box.Mailbox})
		}
	}
	for box := range c.knownBoxes {
		if _, still := seen[box]; !still {
			c.emitLocked(ctx, events.MailboxDeleted, map[string]string{"path": box})
		}
	}
	c.knownBoxes = seen

	sel, err := c.client.Select(c.mailbox, &imap.SelectOptions{ReadOnly: true})
	if err != nil {
		return classify(err)
	}
	c.lastUIDNext = uint32(sel.UIDNext)
	c.lastExists = sel.NumMessages
	return nil
}

// poll diffs the watched mailbox against the last baseline and emits the
// changes observed since.
func (c *Connection) poll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.client.Noop(); err != nil {
		return classify(err)
	}
	sel, err := c.client.Select(c.mailbox, &imap.SelectOptions{ReadOnly: true})
	if err != nil {
		return classify(err)
	}

	uidNext := uint32(sel.UIDNext)
	newCount := uint32(0)
	if uidNext > c.lastUIDNext {
		newCount = uidNext - c.lastUIDNext
	}

	if newCount > 0 {
		if err := c.announceNew(ctx, c.lastUIDNext, uidNext); err != nil {
			return err
		}
	}
	// Fewer messages than the baseline plus arrivals means something was
	// expunged since the last pass.
	expected := c.lastExists + newCount
	if sel.NumMessages < expected {
		removed := expected - sel.NumMessages
		c.emitLocked(ctx, events.MessageDeleted, map[string]any{
			"mailbox": c.mailbox,
			"removed": removed,
		})
	}
	if sel.UIDValidity != 0 && c.lastUIDNext > uidNext {
		// UIDNEXT moved backwards: the mailbox was rebuilt underneath us.
		c.emitLocked(ctx, events.MailboxReset, map[string]string{"path": c.mailbox})
	}

	c.lastUIDNext = uidNext
	c.lastExists = sel.NumMessages
	return nil
}

// announceNew fetches the newly arrived UID window and emits messageNew
// events, honoring the notifyFrom watermark.
func (c *Connection) announceNew(ctx context.Context, fromUID, toUID uint32) error {
	if fromUID == 0 {
		fromUID = 1
	}
	var uidSet imap.UIDSet
	uidSet.AddRange(imap.UID(fromUID), imap.UID(toUID-1))
	fetched, err := c.client.Fetch(uidSet, &imap.FetchOptions{
		UID:          true,
		Envelope:     true,
		InternalDate: true,
		RFC822Size:   true,
	})
	if err != nil {
		return classify(err)
	}
	for _, msg := range fetched {
		info := messageInfo{
			UID:     uint32(msg.UID),
			Mailbox: c.mailbox,
			Date:    msg.InternalDate,
			Size:    msg.RFC822Size,
		}
		if msg.Envelope != nil {
			info.Subject = msg.Envelope.Subject
			if len(msg.Envelope.From) > 0 {
				info.From = msg.Envelope.From[0].Addr()
			}
			if info.Date.IsZero() {
				info.Date = msg.Envelope.Date
			}
		}
		// notifyFrom is monotonic: older mail never produces messageNew.
		if !c.acct.NotifyFrom.IsZero() && info.Date.Before(c.acct.NotifyFrom) {
			continue
		}
		c.emitLocked(ctx, events.MessageNew, info)
	}
	return nil
}

// failed routes a terminal connection error to the right state and event.
func (c *Connection) failed(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	c.shutdown()
	lastErr := &accounts.LastError{Message: err.Error(), Timestamp: time.Now().UTC()}
	switch {
	case errors.Is(err, ErrAuth):
		lastErr.Code = "AuthenticationFailed"
		c.transition(ctx, accounts.StateAuthenticationError, lastErr)
		c.deps.emit(ctx, events.AuthenticationError, map[string]string{"error": err.Error()})
	default:
		lastErr.Code = "ConnectFailed"
		c.transition(ctx, accounts.StateConnectError, lastErr)
		c.deps.emit(ctx, events.ConnectError, map[string]string{"error": err.Error()})
	}
	return err
}

// shutdown closes the client, ignoring errors from an already-dead link.
func (c *Connection) shutdown() {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return
	}
	if err := client.Logout(); err != nil {
		client.Close()
	}
}

// emitLocked emits while holding mu; the emit hook must not call back into
// the connection.
func (c *Connection) emitLocked(ctx context.Context, kind events.Type, data any) {
	c.deps.emit(ctx, kind, data)
}

// withClient runs fn with exclusive client access. RPC entrypoint.
func (c *Connection) withClient(fn func(client Client) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil || (c.state != accounts.StateConnected && c.state != accounts.StateSyncing) {
		return fmt.Errorf("account %s is not connected (state %s)", c.acct.ID, c.state)
	}
	return fn(c.client)
}
