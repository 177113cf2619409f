// Package accounts implements the durable account catalog, credential
// encryption at rest and the per-account log ring.
package accounts

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the connection lifecycle state of an account. It is written by
// the owning IMAP worker only.
type State string

const (
	StateInit                State = "init"
	StateConnecting          State = "connecting"
	StateSyncing             State = "syncing"
	StateConnected           State = "connected"
	StateAuthenticationError State = "authenticationError"
	StateConnectError        State = "connectError"
	StateUnset               State = "unset"
	StateDisconnected        State = "disconnected"
)

// MaxIDLength bounds account ids.
const MaxIDLength = 256

// IMAPCredentials hold classic password credentials for one side of the
// connection. Password is encrypted at rest when an encryption key is
// configured.
type IMAPCredentials struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	TLS      bool   `json:"tls"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// SMTPCredentials mirror IMAPCredentials for the submission side.
type SMTPCredentials struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	TLS      bool   `json:"tls"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// OAuth2Credentials hold provider-backed credentials. RefreshToken is
// encrypted at rest; AccessToken is a cache written by the owning worker.
type OAuth2Credentials struct {
	Provider     string    `json:"provider"`
	RefreshToken string    `json:"refreshToken"`
	AccessToken  string    `json:"accessToken,omitempty"`
	Expires      time.Time `json:"expires,omitempty"`
}

// LastError records the most recent failure surfaced for the account.
type LastError struct {
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Account is the registry record.
type Account struct {
	ID         string
	Name       string
	Email      string
	NotifyFrom time.Time
	CopyOnSend bool
	Logs       bool

	IMAP   *IMAPCredentials
	SMTP   *SMTPCredentials
	OAuth2 *OAuth2Credentials

	State     State
	LastError *LastError

	Created time.Time
	Updated time.Time
}

// Validate checks the invariants enforced at the registry boundary.
func (a *Account) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("account id is required")
	}
	if len(a.ID) > MaxIDLength {
		return fmt.Errorf("account id exceeds %d characters", MaxIDLength)
	}
	if a.IMAP == nil && a.OAuth2 == nil {
		return fmt.Errorf("account %s has no credentials", a.ID)
	}
	return nil
}

// Patch is a partial update applied through Registry.Update. Nil fields are
// left untouched.
type Patch struct {
	Name       *string            `json:"name,omitempty"`
	Email      *string            `json:"email,omitempty"`
	NotifyFrom *time.Time         `json:"notifyFrom,omitempty"`
	CopyOnSend *bool              `json:"copyOnSend,omitempty"`
	Logs       *bool              `json:"logs,omitempty"`
	IMAP       *IMAPCredentials   `json:"imap,omitempty"`
	SMTP       *SMTPCredentials   `json:"smtp,omitempty"`
	OAuth2     *OAuth2Credentials `json:"oauth2,omitempty"`
}

// connectionAffecting reports whether applying the patch requires the
// owning worker to reconnect.
func (p *Patch) connectionAffecting() bool {
	return p.IMAP != nil || p.SMTP != nil || p.OAuth2 != nil
}

const timeLayout = time.RFC3339Nano

// encode flattens the account into hash fields. Credential JSON is written
// with secrets already encrypted by the caller.
func (a *Account) encode() (map[string]string, error) {
	fields := map[string]string{
		"account":    a.ID,
		"name":       a.Name,
		"email":      a.Email,
		"copyOnSend": boolString(a.CopyOnSend),
		"logs":       boolString(a.Logs),
		"state":      string(a.State),
		"created":    a.Created.UTC().Format(timeLayout),
		"updated":    a.Updated.UTC().Format(timeLayout),
	}
	if !a.NotifyFrom.IsZero() {
		fields["notifyFrom"] = a.NotifyFrom.UTC().Format(timeLayout)
	}
	for name, v := range map[string]any{"imap": a.IMAP, "smtp": a.SMTP, "oauth2": a.OAuth2, "lastError": a.LastError} {
		if isNilPtr(v) {
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode account %s field %s: %w", a.ID, name, err)
		}
		fields[name] = string(b)
	}
	return fields, nil
}

// decodeAccount rebuilds an account from hash fields.
func decodeAccount(fields map[string]string) (*Account, error) {
	a := &Account{
		ID:         fields["account"],
		Name:       fields["name"],
		Email:      fields["email"],
		CopyOnSend: fields["copyOnSend"] == "true",
		Logs:       fields["logs"] == "true",
		State:      State(fields["state"]),
	}
	if a.State == "" {
		a.State = StateInit
	}
	parse := func(s string) time.Time {
		t, _ := time.Parse(timeLayout, s)
		return t
	}
	a.NotifyFrom = parse(fields["notifyFrom"])
	a.Created = parse(fields["created"])
	a.Updated = parse(fields["updated"])

	if raw := fields["imap"]; raw != "" {
		a.IMAP = &IMAPCredentials{}
		if err := json.Unmarshal([]byte(raw), a.IMAP); err != nil {
			return nil, fmt.Errorf("decode account %s imap: %w", a.ID, err)
		}
	}
	if raw := fields["smtp"]; raw != "" {
		a.SMTP = &SMTPCredentials{}
		if err := json.Unmarshal([]byte(raw), a.SMTP); err != nil {
			return nil, fmt.Errorf("decode account %s smtp: %w", a.ID, err)
		}
	}
	if raw := fields["oauth2"]; raw != "" {
		a.OAuth2 = &OAuth2Credentials{}
		if err := json.Unmarshal([]byte(raw), a.OAuth2); err != nil {
			return nil, fmt.Errorf("decode account %s oauth2: %w", a.ID, err)
		}
	}
	if raw := fields["lastError"]; raw != "" {
		a.LastError = &LastError{}
		if err := json.Unmarshal([]byte(raw), a.LastError); err != nil {
			return nil, fmt.Errorf("decode account %s lastError: %w", a.ID, err)
		}
	}
	return a, nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func isNilPtr(v any) bool {
	switch t := v.(type) {
	case *IMAPCredentials:
		return t == nil
	case *SMTPCredentials:
		return t == nil
	case *OAuth2Credentials:
		return t == nil
	case *LastError:
		return t == nil
	}
	return v == nil
}
