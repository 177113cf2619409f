// Package tokens manages API access tokens: opaque secrets whose HMAC
// digest indexes a stored scope record. Tokens round-trip through a
// MessagePack export format so they can move between installations.
package tokens

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/jhult/emailengine/internal/kvstore"
)

// KeyTokens is the hash holding token records, keyed by digest.
const KeyTokens = "tokens"

// Valid scopes.
const (
	ScopeAll     = "*"
	ScopeAPI     = "api"
	ScopeMetrics = "metrics"
)

// ErrInvalidToken is returned when a presented token matches no record.
var ErrInvalidToken = errors.New("tokens: invalid token")

// ErrInvalidScope rejects scopes outside the known set.
var ErrInvalidScope = errors.New("tokens: invalid scope")

// Record is the stored description of a token.
type Record struct {
	Digest      string    `json:"digest"`
	Scopes      []string  `json:"scopes"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Export is the portable MessagePack form of a token. It carries the raw
// secret, so exports are as sensitive as the token itself.
type Export struct {
	Token       string    `msgpack:"token"`
	Scopes      []string  `msgpack:"scopes"`
	Description string    `msgpack:"description"`
	CreatedAt   time.Time `msgpack:"createdAt"`
}

// Service issues and verifies tokens. The digest is an HMAC keyed with the
// service secret, so a leaked store alone cannot be used to forge lookups.
type Service struct {
	kv     kvstore.Store
	secret []byte
	now    func() time.Time
}

// NewService creates the token service.
func NewService(kv kvstore.Store, serviceSecret string) *Service {
	return &Service{
		kv:     kv,
		secret: []byte(serviceSecret),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ValidScopes checks that every scope is known and at least one is given.
func ValidScopes(scopes []string) error {
	if len(scopes) == 0 {
		return fmt.Errorf("%w: at least one scope required", ErrInvalidScope)
	}
	for _, s := range scopes {
		switch s {
		case ScopeAll, ScopeAPI, ScopeMetrics:
		default:
			return fmt.Errorf("%w: %q", ErrInvalidScope, s)
		}
	}
	return nil
}

// Issue creates a token and stores its record. The returned string is shown
// once; only the digest is retained.
func (s *Service) Issue(ctx context.Context, scopes []string, description string) (string, *Record, error) {
	if err := ValidScopes(scopes); err != nil {
		return "", nil, err
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	rec := &Record{
		Digest:      s.digest(token),
		Scopes:      normalizeScopes(scopes),
		Description: description,
		CreatedAt:   s.now(),
	}
	if err := s.store(ctx, rec); err != nil {
		return "", nil, err
	}
	return token, rec, nil
}

// Verify resolves a presented token to its record.
func (s *Service) Verify(ctx context.Context, token string) (*Record, error) {
	raw, err := s.kv.HGet(ctx, KeyTokens, s.digest(token))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	rec := &Record{}
	if err := json.Unmarshal([]byte(raw), rec); err != nil {
		return nil, fmt.Errorf("decode token record: %w", err)
	}
	return rec, nil
}

// Allowed reports whether the record grants the wanted scope.
func (r *Record) Allowed(scope string) bool {
	for _, s := range r.Scopes {
		if s == ScopeAll || s == scope {
			return true
		}
	}
	return false
}

// ExportToken packages a token for transfer as base64url(MessagePack).
func (s *Service) ExportToken(ctx context.Context, token string) (string, error) {
	rec, err := s.Verify(ctx, token)
	if err != nil {
		return "", err
	}
	exp := Export{
		Token:       token,
		Scopes:      rec.Scopes,
		Description: rec.Description,
		CreatedAt:   rec.CreatedAt,
	}
	raw, err := msgpack.Marshal(exp)
	if err != nil {
		return "", fmt.Errorf("encode token export: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// ImportToken restores an exported token. The regenerated record is
// identical: the same secret authorizes the same scopes.
func (s *Service) ImportToken(ctx context.Context, encoded string) (*Record, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode token export: %w", err)
	}
	var exp Export
	if err := msgpack.Unmarshal(raw, &exp); err != nil {
		return nil, fmt.Errorf("parse token export: %w", err)
	}
	if err := ValidScopes(exp.Scopes); err != nil {
		return nil, err
	}
	rec := &Record{
		Digest:      s.digest(exp.Token),
		Scopes:      normalizeScopes(exp.Scopes),
		Description: exp.Description,
		CreatedAt:   exp.CreatedAt,
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	if err := s.store(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete revokes a token by its digest.
func (s *Service) Delete(ctx context.Context, digest string) error {
	return s.kv.HDel(ctx, KeyTokens, digest)
}

// List returns every stored record.
func (s *Service) List(ctx context.Context) ([]*Record, error) {
	all, err := s.kv.HGetAll(ctx, KeyTokens)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	recs := make([]*Record, 0, len(all))
	for _, raw := range all {
		rec := &Record{}
		if err := json.Unmarshal([]byte(raw), rec); err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs, nil
}

func (s *Service) store(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode token record: %w", err)
	}
	if err := s.kv.HSet(ctx, KeyTokens, map[string]string{rec.Digest: string(raw)}); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	return nil
}

func (s *Service) digest(token string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(token))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func normalizeScopes(scopes []string) []string {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
