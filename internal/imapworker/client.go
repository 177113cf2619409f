// Package imapworker hosts per-account IMAP connections, emits change
// events into the notification queue and serves account-scoped RPC.
package imapworker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"

	"github.com/jhult/emailengine/internal/accounts"
)

// Client is the slice of the IMAP protocol the worker depends on. Tests
// inject fakes; production wraps imapclient.
type Client interface {
	Login(username, password string) error
	Authenticate(mech sasl.Client) error
	Logout() error
	Close() error
	Select(mailbox string, options *imap.SelectOptions) (*imap.SelectData, error)
	List(ref, pattern string) ([]*imap.ListData, error)
	Status(mailbox string, options *imap.StatusOptions) (*imap.StatusData, error)
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) ([]*imapclient.FetchMessageBuffer, error)
	UIDSearch(criteria *imap.SearchCriteria) (*imap.SearchData, error)
	Store(numSet imap.NumSet, flags *imap.StoreFlags) error
	Move(uids imap.UIDSet, mailbox string) error
	UIDExpunge(uids imap.UIDSet) error
	Append(mailbox string, raw []byte, flags []imap.Flag) error
	Create(mailbox string) error
	Delete(mailbox string) error
	Noop() error
}

// ClientFactory opens a logged-out client for the account.
type ClientFactory func(ctx context.Context, acct *accounts.Account, dialTimeout time.Duration) (Client, error)

// ErrAuth marks a credentials rejection; the account parks in
// authenticationError until the operator changes its config.
var ErrAuth = errors.New("imap: authentication rejected")

// ErrTransport marks a connection-level failure; the account is released
// for damped reassignment.
var ErrTransport = errors.New("imap: transport error")

// DialClient is the production ClientFactory. OAuth2-only accounts connect
// to their provider's well-known IMAP endpoint.
func DialClient(ctx context.Context, acct *accounts.Account, dialTimeout time.Duration) (Client, error) {
	host, port, useTLS, err := imapEndpoint(acct)
	if err != nil {
		return nil, err
	}
	opts := &imapclient.Options{Dialer: &net.Dialer{Timeout: dialTimeout}}
	addr := fmt.Sprintf("%s:%d", host, port)
	var client *imapclient.Client
	if useTLS {
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialInsecure(addr, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return &clientWrapper{Client: client}, nil
}

func imapEndpoint(acct *accounts.Account) (host string, port int, useTLS bool, err error) {
	if acct.IMAP != nil {
		port = acct.IMAP.Port
		if port == 0 {
			if acct.IMAP.TLS {
				port = 993
			} else {
				port = 143
			}
		}
		return acct.IMAP.Host, port, acct.IMAP.TLS, nil
	}
	if acct.OAuth2 != nil {
		switch acct.OAuth2.Provider {
		case "gmail":
			return "imap.gmail.com", 993, true, nil
		case "outlook":
			return "outlook.office365.com", 993, true, nil
		}
		return "", 0, false, fmt.Errorf("account %s: no imap endpoint for provider %s", acct.ID, acct.OAuth2.Provider)
	}
	return "", 0, false, fmt.Errorf("account %s has no imap credentials", acct.ID)
}

type clientWrapper struct{ *imapclient.Client }

func (w *clientWrapper) Login(username, password string) error {
	return w.Client.Login(username, password).Wait()
}

func (w *clientWrapper) Authenticate(mech sasl.Client) error {
	return w.Client.Authenticate(mech)
}

func (w *clientWrapper) Logout() error {
	return w.Client.Logout().Wait()
}

func (w *clientWrapper) Select(mailbox string, options *imap.SelectOptions) (*imap.SelectData, error) {
	return w.Client.Select(mailbox, options).Wait()
}

func (w *clientWrapper) List(ref, pattern string) ([]*imap.ListData, error) {
	return w.Client.List(ref, pattern, nil).Collect()
}

func (w *clientWrapper) Status(mailbox string, options *imap.StatusOptions) (*imap.StatusData, error) {
	return w.Client.Status(mailbox, options).Wait()
}

func (w *clientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) ([]*imapclient.FetchMessageBuffer, error) {
	return w.Client.Fetch(numSet, options).Collect()
}

func (w *clientWrapper) UIDSearch(criteria *imap.SearchCriteria) (*imap.SearchData, error) {
	return w.Client.UIDSearch(criteria, nil).Wait()
}

func (w *clientWrapper) Store(numSet imap.NumSet, flags *imap.StoreFlags) error {
	return w.Client.Store(numSet, flags, nil).Close()
}

func (w *clientWrapper) Move(uids imap.UIDSet, mailbox string) error {
	_, err := w.Client.Move(uids, mailbox).Wait()
	return err
}

func (w *clientWrapper) UIDExpunge(uids imap.UIDSet) error {
	return w.Client.UIDExpunge(uids).Close()
}

func (w *clientWrapper) Append(mailbox string, raw []byte, flags []imap.Flag) error {
	opts := &imap.AppendOptions{Flags: flags}
	cmd := w.Client.Append(mailbox, int64(len(raw)), opts)
	if _, err := cmd.Write(raw); err != nil {
		cmd.Close()
		return err
	}
	if err := cmd.Close(); err != nil {
		return err
	}
	_, err := cmd.Wait()
	return err
}

func (w *clientWrapper) Create(mailbox string) error {
	return w.Client.Create(mailbox, nil).Wait()
}

func (w *clientWrapper) Delete(mailbox string) error {
	return w.Client.Delete(mailbox).Wait()
}

func (w *clientWrapper) Noop() error {
	return w.Client.Noop().Wait()
}

// classify maps a client error to the auth/transport split used by the
// connection state machine.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var imapErr *imap.Error
	if errors.As(err, &imapErr) && imapErr.Type == imap.StatusResponseTypeNo {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrTransport) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}
