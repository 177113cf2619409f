// Package smtpserver runs the submission SMTP endpoint. Authenticated
// clients hand over messages that are queued through the submit pipeline
// exactly like the HTTP submit path.
package smtpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/jhult/emailengine/internal/accounts"
	"github.com/jhult/emailengine/internal/kvstore"
	"github.com/jhult/emailengine/internal/queue"
	"github.com/jhult/emailengine/internal/submitworker"
	"github.com/jhult/emailengine/internal/tokens"
)

// KeySMTP is the hash recording reception-server state for diagnostics.
const KeySMTP = "smtp"

// Config tunes the server.
type Config struct {
	Addr     string
	Domain   string
	MaxBytes int64
}

// Server accepts authenticated submissions.
type Server struct {
	cfg      Config
	kv       kvstore.Store
	registry *accounts.Registry
	engine   *queue.Engine
	tokens   *tokens.Service
	logger   *log.Logger
	server   *smtp.Server
}

// New creates the reception server.
func New(cfg Config, kv kvstore.Store, registry *accounts.Registry, engine *queue.Engine, tok *tokens.Service) *Server {
	s := &Server{
		cfg:      cfg,
		kv:       kv,
		registry: registry,
		engine:   engine,
		tokens:   tok,
		logger:   log.New(log.Writer(), "[SMTP] ", log.LstdFlags),
	}
	srv := smtp.NewServer(&backend{s})
	srv.Addr = cfg.Addr
	srv.Domain = cfg.Domain
	srv.MaxMessageBytes = cfg.MaxBytes
	srv.ReadTimeout = time.Minute
	srv.WriteTimeout = time.Minute
	srv.AllowInsecureAuth = true
	s.server = srv
	return s
}

// Run serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("smtp listen %s: %w", s.cfg.Addr, err)
	}
	s.logger.Printf("listening on %s", s.cfg.Addr)
	s.recordState(ctx, "listening")

	done := make(chan error, 1)
	go func() { done <- s.server.Serve(ln) }()
	select {
	case <-ctx.Done():
		s.server.Close()
		<-done
		s.recordState(context.Background(), "stopped")
		return ctx.Err()
	case err := <-done:
		s.recordState(context.Background(), "stopped")
		return err
	}
}

func (s *Server) recordState(ctx context.Context, state string) {
	if s.kv == nil {
		return
	}
	if err := s.kv.HSet(ctx, KeySMTP, map[string]string{
		"state":   state,
		"addr":    s.cfg.Addr,
		"updated": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		s.logger.Printf("record smtp state: %v", err)
	}
}

type backend struct{ s *Server }

func (b *backend) NewSession(conn *smtp.Conn) (smtp.Session, error) {
	return &session{s: b.s}, nil
}

type session struct {
	s       *Server
	account *accounts.Account
	from    string
	to      []string
}

// AuthMechanisms advertises PLAIN only; credentials are an account id plus
// an api-scoped access token.
func (s *session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

// Auth maps SASL PLAIN credentials to an account.
func (s *session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, smtp.ErrAuthUnsupported
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		ctx := context.Background()
		rec, err := s.s.tokens.Verify(ctx, password)
		if err != nil {
			return smtp.ErrAuthFailed
		}
		if !rec.Allowed(tokens.ScopeAPI) {
			return smtp.ErrAuthFailed
		}
		acct, err := s.s.registry.Load(ctx, username)
		if errors.Is(err, accounts.ErrNotFound) {
			return smtp.ErrAuthFailed
		}
		if err != nil {
			return err
		}
		s.account = acct
		return nil
	}), nil
}

func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	if s.account == nil {
		return smtp.ErrAuthRequired
	}
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if s.account == nil {
		return smtp.ErrAuthRequired
	}
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	if s.account == nil {
		return smtp.ErrAuthRequired
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	queueID, err := submitworker.Queue(context.Background(), s.s.registry, s.s.engine, s.account.ID, &submitworker.Blob{
		From: s.from,
		To:   s.to,
		Raw:  raw,
	}, submitworker.QueueOptions{})
	if err != nil {
		s.s.logger.Printf("queue submission for %s: %v", s.account.ID, err)
		return &smtp.SMTPError{Code: 451, Message: "failed to queue message"}
	}
	s.s.logger.Printf("queued %s for %s (%d bytes)", queueID, s.account.ID, len(raw))
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}
