package imapworker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhult/emailengine/internal/accounts"
	"github.com/jhult/emailengine/internal/events"
)

// fakeMessage is one message in the scripted mailbox.
type fakeMessage struct {
	uid     uint32
	subject string
	from    string
	date    time.Time
}

// fakeClient scripts an IMAP server for connection tests.
type fakeClient struct {
	mu       sync.Mutex
	loginErr error
	messages []fakeMessage
	uidNext  uint32
	boxes    []string
	loggedIn bool
	closed   bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{uidNext: 1, boxes: []string{"INBOX"}}
}

// deliver adds a message as if the remote server received mail.
func (f *fakeClient) deliver(msg fakeMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg.uid = f.uidNext
	f.uidNext++
	f.messages = append(f.messages, msg)
}

func (f *fakeClient) Login(username, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loginErr != nil {
		return f.loginErr
	}
	f.loggedIn = true
	return nil
}

func (f *fakeClient) Authenticate(mech sasl.Client) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loginErr != nil {
		return f.loginErr
	}
	f.loggedIn = true
	return nil
}

func (f *fakeClient) Logout() error { return nil }
func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) Select(mailbox string, options *imap.SelectOptions) (*imap.SelectData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &imap.SelectData{
		NumMessages: uint32(len(f.messages)),
		UIDNext:     imap.UID(f.uidNext),
		UIDValidity: 1,
	}, nil
}

func (f *fakeClient) List(ref, pattern string) ([]*imap.ListData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*imap.ListData, 0, len(f.boxes))
	for _, box := range f.boxes {
		out = append(out, &imap.ListData{Mailbox: box})
	}
	return out, nil
}

func (f *fakeClient) Status(mailbox string, options *imap.StatusOptions) (*imap.StatusData, error) {
	return &imap.StatusData{Mailbox: mailbox}, nil
}

func (f *fakeClient) Fetch(numSet imap.NumSet, options *imap.FetchOptions) ([]*imapclient.FetchMessageBuffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uidSet, ok := numSet.(imap.UIDSet)
	if !ok {
		return nil, errors.New("fake supports uid fetch only")
	}
	var out []*imapclient.FetchMessageBuffer
	for _, msg := range f.messages {
		if !uidSet.Contains(imap.UID(msg.uid)) {
			continue
		}
		out = append(out, &imapclient.FetchMessageBuffer{
			UID:          imap.UID(msg.uid),
			InternalDate: msg.date,
			Envelope: &imap.Envelope{
				Subject: msg.subject,
				Date:    msg.date,
				From:    []imap.Address{{Mailbox: "sender", Host: "example.com", Name: msg.from}},
			},
		})
	}
	return out, nil
}

func (f *fakeClient) UIDSearch(criteria *imap.SearchCriteria) (*imap.SearchData, error) {
	return &imap.SearchData{}, nil
}
func (f *fakeClient) Store(numSet imap.NumSet, flags *imap.StoreFlags) error { return nil }
func (f *fakeClient) Move(uids imap.UIDSet, mailbox string) error           { return nil }
func (f *fakeClient) UIDExpunge(uids imap.UIDSet) error                     { return nil }
func (f *fakeClient) Append(mailbox string, raw []byte, flags []imap.Flag) error {
	return nil
}
func (f *fakeClient) Create(mailbox string) error { return nil }
func (f *fakeClient) Delete(mailbox string) error { return nil }
func (f *fakeClient) Noop() error                 { return nil }

// recorder collects state transitions and emitted events.
type recorder struct {
	mu     sync.Mutex
	states []accounts.State
	events []events.Type
	data   []any
}

func (r *recorder) deps(client Client) connDeps {
	return connDeps{
		newClient: func(ctx context.Context, acct *accounts.Account, dialTimeout time.Duration) (Client, error) {
			return client, nil
		},
		dialTimeout:  time.Second,
		pollInterval: 10 * time.Millisecond,
		setState: func(ctx context.Context, state accounts.State, lastErr *accounts.LastError) {
			r.mu.Lock()
			r.states = append(r.states, state)
			r.mu.Unlock()
		},
		emit: func(ctx context.Context, kind events.Type, data any) {
			r.mu.Lock()
			r.events = append(r.events, kind)
			r.data = append(r.data, data)
			r.mu.Unlock()
		},
		logf: func(level, format string, args ...any) {},
	}
}

func (r *recorder) stateSeq() []accounts.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]accounts.State(nil), r.states...)
}

func (r *recorder) eventSeq() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Type(nil), r.events...)
}

func testConn(client Client, rec *recorder, acct *accounts.Account) *Connection {
	if acct == nil {
		acct = &accounts.Account{
			ID:    "acct-1",
			Email: "user@example.com",
			IMAP:  &IMAPTestCreds,
		}
	}
	return newConnection(acct, rec.deps(client))
}

// IMAPTestCreds is a reusable credentials value for connection tests.
var IMAPTestCreds = accounts.IMAPCredentials{
	Host: "imap.example.com", Port: 993, TLS: true,
	User: "user@example.com", Password: "pw",
}

func TestConnectionWalksLifecycleStates(t *testing.T) {
	client := newFakeClient()
	rec := &recorder{}
	conn := testConn(client, rec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- conn.Run(ctx) }()

	require.Eventually(t, func() bool {
		return conn.State() == accounts.StateConnected
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	seq := rec.stateSeq()
	assert.Equal(t, []accounts.State{
		accounts.StateConnecting,
		accounts.StateSyncing,
		accounts.StateConnected,
		accounts.StateDisconnected,
	}, seq)
}

func TestPollEmitsMessageNewInArrivalOrder(t *testing.T) {
	client := newFakeClient()
	rec := &recorder{}
	conn := testConn(client, rec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)
	require.Eventually(t, func() bool {
		return conn.State() == accounts.StateConnected
	}, time.Second, 5*time.Millisecond)

	now := time.Now().UTC()
	client.deliver(fakeMessage{subject: "first", date: now})
	client.deliver(fakeMessage{subject: "second", date: now.Add(time.Second)})

	require.Eventually(t, func() bool {
		return len(rec.eventSeq()) >= 2
	}, time.Second, 5*time.Millisecond)

	seq := rec.eventSeq()
	assert.Equal(t, events.MessageNew, seq[0])
	assert.Equal(t, events.MessageNew, seq[1])
	rec.mu.Lock()
	first := rec.data[0].(messageInfo)
	second := rec.data[1].(messageInfo)
	rec.mu.Unlock()
	assert.Equal(t, "first", first.Subject)
	assert.Equal(t, "second", second.Subject)
	assert.Less(t, first.UID, second.UID)
}

func TestNotifyFromWatermarkSkipsOldMail(t *testing.T) {
	client := newFakeClient()
	rec := &recorder{}
	watermark := time.Now().UTC()
	acct := &accounts.Account{
		ID:         "acct-1",
		Email:      "user@example.com",
		IMAP:       &IMAPTestCreds,
		NotifyFrom: watermark,
	}
	conn := testConn(client, rec, acct)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)
	require.Eventually(t, func() bool {
		return conn.State() == accounts.StateConnected
	}, time.Second, 5*time.Millisecond)

	client.deliver(fakeMessage{subject: "old", date: watermark.Add(-time.Hour)})
	client.deliver(fakeMessage{subject: "new", date: watermark.Add(time.Hour)})

	require.Eventually(t, func() bool {
		return len(rec.eventSeq()) >= 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	seq := rec.eventSeq()
	require.Len(t, seq, 1, "watermarked message leaked through")
	rec.mu.Lock()
	info := rec.data[0].(messageInfo)
	rec.mu.Unlock()
	assert.Equal(t, "new", info.Subject)
}

func TestAuthFailureParksAccount(t *testing.T) {
	client := newFakeClient()
	client.loginErr = &imap.Error{Type: imap.StatusResponseTypeNo, Text: "LOGIN failed"}
	rec := &recorder{}
	conn := testConn(client, rec, nil)

	err := conn.Run(context.Background())
	assert.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, accounts.StateAuthenticationError, conn.State())
	assert.Contains(t, rec.eventSeq(), events.AuthenticationError)
}

func TestDialFailureIsTransport(t *testing.T) {
	rec := &recorder{}
	deps := rec.deps(nil)
	deps.newClient = func(ctx context.Context, acct *accounts.Account, dialTimeout time.Duration) (Client, error) {
		return nil, errors.New("connection refused")
	}
	acct := &accounts.Account{ID: "acct-1", IMAP: &IMAPTestCreds}
	conn := newConnection(acct, deps)

	err := conn.Run(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, accounts.StateConnectError, conn.State())
	assert.Contains(t, rec.eventSeq(), events.ConnectError)
}
