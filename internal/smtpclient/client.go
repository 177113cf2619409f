// Package smtpclient sends submitted messages through the account's
// outbound server.
package smtpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/jhult/emailengine/internal/accounts"
)

// SendError carries the SMTP status code of a rejected submission so the
// queue can tell permanent server errors from transient ones.
type SendError struct {
	Code int
	Err  error
}

func (e *SendError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("smtp %d: %v", e.Code, e.Err)
	}
	return e.Err.Error()
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// StatusCode extracts the SMTP code from an error chain, or 0 for
// transport-level failures.
func StatusCode(err error) int {
	var se *SendError
	if errors.As(err, &se) {
		return se.Code
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code
	}
	return 0
}

// Client submits messages over SMTP with the account's credentials.
type Client struct {
	dialTimeout time.Duration
}

// Option customizes the client.
type Option func(*Client)

// WithDialTimeout overrides the socket dial timeout.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.dialTimeout = timeout
		}
	}
}

// New creates a submission client.
func New(opts ...Option) *Client {
	c := &Client{dialTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send submits raw to the account's SMTP server. OAuth2 accounts
// authenticate with OAUTHBEARER using the cached access token.
func (c *Client) Send(ctx context.Context, acct *accounts.Account, from string, to []string, raw []byte) error {
	if acct.SMTP == nil && acct.OAuth2 == nil {
		return &SendError{Err: fmt.Errorf("account %s has no submission credentials", acct.ID)}
	}
	if len(to) == 0 {
		return &SendError{Err: errors.New("no recipients")}
	}

	host, port, useTLS := submissionEndpoint(acct)
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	client, err := c.dial(ctx, addr, host, useTLS)
	if err != nil {
		return &SendError{Err: fmt.Errorf("smtp connect: %w", err)}
	}
	defer client.Close()

	auth := c.auth(acct, host)
	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return wrapSMTP("smtp auth", err)
		}
	}

	if err := client.Mail(from, nil); err != nil {
		return wrapSMTP("smtp mail", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt, nil); err != nil {
			return wrapSMTP(fmt.Sprintf("smtp rcpt %s", rcpt), err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return wrapSMTP("smtp data", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return wrapSMTP("smtp write", err)
	}
	if err := w.Close(); err != nil {
		return wrapSMTP("smtp finish", err)
	}
	return client.Quit()
}

func (c *Client) dial(ctx context.Context, addr, host string, useTLS bool) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	tlsConfig := &tls.Config{ServerName: host}
	if useTLS {
		tlsConn := tls.Client(conn, tlsConfig)
		client := smtp.NewClient(tlsConn)
		if err := client.Hello("localhost"); err != nil {
			client.Close()
			return nil, err
		}
		return client, nil
	}
	client := smtp.NewClient(conn)
	if err := client.Hello("localhost"); err != nil {
		client.Close()
		return nil, err
	}
	if ok, _ := client.Extension("STARTTLS"); ok {
		client.Close()
		tlsConn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		client, err = smtp.NewClientStartTLS(tlsConn, tlsConfig)
		if err != nil {
			return nil, err
		}
	}
	return client, nil
}

func (c *Client) auth(acct *accounts.Account, host string) sasl.Client {
	if acct.OAuth2 != nil && acct.OAuth2.AccessToken != "" {
		user := acct.Email
		if acct.SMTP != nil && acct.SMTP.User != "" {
			user = acct.SMTP.User
		}
		return sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: user,
			Token:    acct.OAuth2.AccessToken,
			Host:     host,
		})
	}
	if acct.SMTP != nil && acct.SMTP.User != "" {
		return sasl.NewPlainClient("", acct.SMTP.User, acct.SMTP.Password)
	}
	return nil
}

func submissionEndpoint(acct *accounts.Account) (host string, port int, useTLS bool) {
	if acct.SMTP != nil && acct.SMTP.Host != "" {
		port = acct.SMTP.Port
		if port == 0 {
			if acct.SMTP.TLS {
				port = 465
			} else {
				port = 587
			}
		}
		return acct.SMTP.Host, port, acct.SMTP.TLS
	}
	// OAuth2-only accounts fall back to the provider's submission endpoint
	// derived from the mailbox domain.
	return "smtp." + domainOf(acct.Email), 465, true
}

func domainOf(email string) string {
	if i := strings.LastIndexByte(email, '@'); i >= 0 {
		return email[i+1:]
	}
	return email
}

func wrapSMTP(op string, err error) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return &SendError{Code: smtpErr.Code, Err: fmt.Errorf("%s: %w", op, err)}
	}
	return &SendError{Err: fmt.Errorf("%s: %w", op, err)}
}
