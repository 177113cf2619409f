package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/jhult/emailengine/internal/control"
	"github.com/jhult/emailengine/internal/kvstore"
)

// Key layout, relative to the store prefix.
const (
	KeyAccounts = "accounts"
)

// AccountKey returns the hash key of an account record.
func AccountKey(id string) string { return "iad:" + id }

// LogKey returns the list key of an account's log ring.
func LogKey(id string) string { return "iah:" + id }

// QueueKey returns the hash key of an account's queued message blobs.
func QueueKey(id string) string { return "iaq:" + id }

// ErrNotFound is returned for unknown accounts.
var ErrNotFound = errors.New("accounts: not found")

// ControlMessage is the payload published on the control channel.
type ControlMessage struct {
	Cmd     control.Cmd `json:"cmd"`
	Account string      `json:"account"`
}

// Registry is the durable account catalog. All writes to account records go
// through it; owning workers are limited to state, lastError and the cached
// OAuth access token.
type Registry struct {
	kv     kvstore.Store
	cipher *Cipher
	logger *log.Logger
	now    func() time.Time
}

// NewRegistry creates a registry over the shared store.
func NewRegistry(kv kvstore.Store, cipher *Cipher, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(log.Writer(), "[ACCOUNTS] ", log.LstdFlags)
	}
	return &Registry{
		kv:     kv,
		cipher: cipher,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create writes the account record, adds it to the accounts set and
// announces it. Creating an existing id updates it in place.
func (r *Registry) Create(ctx context.Context, acct *Account) error {
	if err := acct.Validate(); err != nil {
		return err
	}
	now := r.now()
	if acct.Created.IsZero() {
		acct.Created = now
	}
	acct.Updated = now
	if acct.State == "" {
		acct.State = StateInit
	}

	sealed := *acct
	if err := r.sealCredentials(&sealed); err != nil {
		return err
	}
	fields, err := sealed.encode()
	if err != nil {
		return err
	}
	if err := r.kv.HSet(ctx, AccountKey(acct.ID), fields); err != nil {
		return fmt.Errorf("write account %s: %w", acct.ID, err)
	}
	if err := r.kv.SAdd(ctx, KeyAccounts, acct.ID); err != nil {
		return fmt.Errorf("index account %s: %w", acct.ID, err)
	}
	return r.publish(ctx, control.CmdNew, acct.ID)
}

// Load reads and decrypts an account record.
func (r *Registry) Load(ctx context.Context, id string) (*Account, error) {
	fields, err := r.kv.HGetAll(ctx, AccountKey(id))
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	acct, err := decodeAccount(fields)
	if err != nil {
		return nil, err
	}
	if err := r.openCredentials(acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// Update merges the patch into the record. Connection-affecting changes are
// announced so the owning worker reconnects.
func (r *Registry) Update(ctx context.Context, id string, patch *Patch) (*Account, error) {
	acct, err := r.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		acct.Name = *patch.Name
	}
	if patch.Email != nil {
		acct.Email = *patch.Email
	}
	if patch.NotifyFrom != nil {
		// notifyFrom is monotonic: moving the watermark backwards would
		// replay events for old mail.
		if patch.NotifyFrom.After(acct.NotifyFrom) {
			acct.NotifyFrom = *patch.NotifyFrom
		}
	}
	if patch.CopyOnSend != nil {
		acct.CopyOnSend = *patch.CopyOnSend
	}
	if patch.Logs != nil {
		acct.Logs = *patch.Logs
	}
	if patch.IMAP != nil {
		acct.IMAP = patch.IMAP
	}
	if patch.SMTP != nil {
		acct.SMTP = patch.SMTP
	}
	if patch.OAuth2 != nil {
		acct.OAuth2 = patch.OAuth2
	}
	acct.Updated = r.now()

	sealed := *acct
	if err := r.sealCredentials(&sealed); err != nil {
		return nil, err
	}
	fields, err := sealed.encode()
	if err != nil {
		return nil, err
	}
	if err := r.kv.HSet(ctx, AccountKey(id), fields); err != nil {
		return nil, fmt.Errorf("update account %s: %w", id, err)
	}
	if patch.connectionAffecting() {
		if err := r.publish(ctx, control.CmdUpdate, id); err != nil {
			return nil, err
		}
	}
	return acct, nil
}

// Delete removes the account. Credentials are tombstoned first so an
// in-flight worker sees auth gone before the record disappears. Idempotent.
func (r *Registry) Delete(ctx context.Context, id string) error {
	exists, err := r.kv.Exists(ctx, AccountKey(id))
	if err != nil {
		return fmt.Errorf("delete account %s: %w", id, err)
	}
	if !exists {
		return nil
	}
	if err := r.kv.HDel(ctx, AccountKey(id), "imap", "smtp", "oauth2"); err != nil {
		return fmt.Errorf("tombstone account %s: %w", id, err)
	}
	if err := r.kv.HSet(ctx, AccountKey(id), map[string]string{"state": string(StateUnset)}); err != nil {
		return fmt.Errorf("tombstone account %s: %w", id, err)
	}
	if err := r.kv.SRem(ctx, KeyAccounts, id); err != nil {
		return fmt.Errorf("deindex account %s: %w", id, err)
	}
	if err := r.publish(ctx, control.CmdDelete, id); err != nil {
		return err
	}
	if err := r.kv.Del(ctx, AccountKey(id), LogKey(id), QueueKey(id)); err != nil {
		return fmt.Errorf("drop account %s keys: %w", id, err)
	}
	return nil
}

// ListPage is one page of accounts.
type ListPage struct {
	Accounts []*Account `json:"accounts"`
	Pages    int        `json:"pages"`
	Page     int        `json:"page"`
	Total    int        `json:"total"`
}

// List returns accounts ordered by id, optionally filtered by state.
func (r *Registry) List(ctx context.Context, stateFilter State, page, pageSize int) (*ListPage, error) {
	ids, err := r.kv.SMembers(ctx, KeyAccounts)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	sort.Strings(ids)

	var all []*Account
	for _, id := range ids {
		acct, err := r.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if stateFilter != "" && acct.State != stateFilter {
			continue
		}
		all = append(all, acct)
	}

	if pageSize < 1 {
		pageSize = 20
	}
	pages := (len(all) + pageSize - 1) / pageSize
	if page < 0 {
		page = 0
	}
	start := page * pageSize
	if start > len(all) {
		start = len(all)
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return &ListPage{Accounts: all[start:end], Pages: pages, Page: page, Total: len(all)}, nil
}

// IDs returns every registered account id.
func (r *Registry) IDs(ctx context.Context) ([]string, error) {
	ids, err := r.kv.SMembers(ctx, KeyAccounts)
	if err != nil {
		return nil, fmt.Errorf("read accounts set: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// SetState records a connection state transition. Worker-side write.
func (r *Registry) SetState(ctx context.Context, id string, state State, lastErr *LastError) error {
	fields := map[string]string{"state": string(state)}
	if lastErr != nil {
		b, err := json.Marshal(lastErr)
		if err != nil {
			return fmt.Errorf("encode lastError: %w", err)
		}
		fields["lastError"] = string(b)
	}
	if err := r.kv.HSet(ctx, AccountKey(id), fields); err != nil {
		return fmt.Errorf("set state %s=%s: %w", id, state, err)
	}
	return nil
}

// SetAccessToken caches a refreshed OAuth access token. Worker-side write.
func (r *Registry) SetAccessToken(ctx context.Context, id, token string, expires time.Time) error {
	acct, err := r.Load(ctx, id)
	if err != nil {
		return err
	}
	if acct.OAuth2 == nil {
		return fmt.Errorf("account %s has no oauth2 credentials", id)
	}
	acct.OAuth2.AccessToken = token
	acct.OAuth2.Expires = expires

	sealed := *acct
	if err := r.sealCredentials(&sealed); err != nil {
		return err
	}
	b, err := json.Marshal(sealed.OAuth2)
	if err != nil {
		return fmt.Errorf("encode oauth2: %w", err)
	}
	return r.kv.HSet(ctx, AccountKey(id), map[string]string{"oauth2": string(b)})
}

// StoreQueuedMessage writes a durable message blob under the account's queue
// hash, keyed by queueId. Last write wins.
func (r *Registry) StoreQueuedMessage(ctx context.Context, id, queueID string, blob []byte) error {
	return r.kv.HSet(ctx, QueueKey(id), map[string]string{queueID: string(blob)})
}

// LoadQueuedMessage reads a queued blob, or ErrNotFound.
func (r *Registry) LoadQueuedMessage(ctx context.Context, id, queueID string) ([]byte, error) {
	raw, err := r.kv.HGet(ctx, QueueKey(id), queueID)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(raw), nil
}

// DeleteQueuedMessage removes a blob after its job reached a terminal state.
func (r *Registry) DeleteQueuedMessage(ctx context.Context, id, queueID string) error {
	return r.kv.HDel(ctx, QueueKey(id), queueID)
}

func (r *Registry) publish(ctx context.Context, cmd control.Cmd, id string) error {
	payload, err := json.Marshal(ControlMessage{Cmd: cmd, Account: id})
	if err != nil {
		return err
	}
	if err := r.kv.Publish(ctx, control.Channel, payload); err != nil {
		return fmt.Errorf("publish %s for %s: %w", cmd, id, err)
	}
	return nil
}

func (r *Registry) sealCredentials(acct *Account) error {
	if acct.IMAP != nil {
		cp := *acct.IMAP
		enc, err := r.cipher.Encrypt(cp.Password)
		if err != nil {
			return err
		}
		cp.Password = enc
		acct.IMAP = &cp
	}
	if acct.SMTP != nil {
		cp := *acct.SMTP
		enc, err := r.cipher.Encrypt(cp.Password)
		if err != nil {
			return err
		}
		cp.Password = enc
		acct.SMTP = &cp
	}
	if acct.OAuth2 != nil {
		cp := *acct.OAuth2
		enc, err := r.cipher.Encrypt(cp.RefreshToken)
		if err != nil {
			return err
		}
		cp.RefreshToken = enc
		acct.OAuth2 = &cp
	}
	return nil
}

func (r *Registry) openCredentials(acct *Account) error {
	if acct.IMAP != nil {
		plain, err := r.cipher.Decrypt(acct.IMAP.Password)
		if err != nil {
			return fmt.Errorf("account %s imap password: %w", acct.ID, err)
		}
		acct.IMAP.Password = plain
	}
	if acct.SMTP != nil {
		plain, err := r.cipher.Decrypt(acct.SMTP.Password)
		if err != nil {
			return fmt.Errorf("account %s smtp password: %w", acct.ID, err)
		}
		acct.SMTP.Password = plain
	}
	if acct.OAuth2 != nil {
		plain, err := r.cipher.Decrypt(acct.OAuth2.RefreshToken)
		if err != nil {
			return fmt.Errorf("account %s refresh token: %w", acct.ID, err)
		}
		acct.OAuth2.RefreshToken = plain
	}
	return nil
}
