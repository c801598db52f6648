package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/wire"
)

// HeaderSessionID lets clients pin a session explicitly.
const HeaderSessionID = "X-Session-Id"

// DefaultTTL is how long an idle session keeps its provider binding.
const DefaultTTL = 5 * time.Minute

// Store persists session bindings and sequence counters.
type Store interface {
	// Binding returns the provider bound to sessionID, if any.
	Binding(ctx context.Context, sessionID string) (providerID int64, ok bool, err error)
	// Bind binds sessionID to providerID for ttl.
	Bind(ctx context.Context, sessionID string, providerID int64, ttl time.Duration) error
	// Next increments and returns the request sequence of sessionID.
	Next(ctx context.Context, sessionID string, ttl time.Duration) (int64, error)
}

// Manager assigns session ids and tracks the session→provider binding used
// for sticky provider reuse.
//
// Store errors never fail a request: they are logged and the request
// continues without stickiness.
type Manager struct {
	store Store
	ttl   time.Duration
	log   *slog.Logger
	now   func() time.Time
}

// NewManager creates a Manager. ttl ≤ 0 uses DefaultTTL.
func NewManager(store Store, ttl time.Duration, log *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: store, ttl: ttl, log: log, now: time.Now}
}

// Assign derives the session id of s and stamps its sequence number.
func (m *Manager) Assign(ctx context.Context, s *Session) {
	s.SessionID = m.DeriveID(s)
	if s.SessionID == "" {
		return
	}
	seq, err := m.store.Next(ctx, s.SessionID, m.ttl)
	if err != nil {
		m.log.Warn("session_sequence_failed",
			slog.String("request_id", s.RequestID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.Sequence = seq
}

// DeriveID returns the session id of s, from the first available source:
// the Anthropic metadata.user_id session suffix, the X-Session-Id header, or
// a digest of key, first user message and UTC day. Client-supplied ids are
// prefixed with the key id, so two keys never share a binding or sequence.
func (m *Manager) DeriveID(s *Session) string {
	var keyID int64
	if s.Auth != nil {
		keyID = s.Auth.KeyID
	}

	if id := wire.SessionFromMetadata(s.Request.MetadataUserID); id != "" {
		return keyScoped(keyID, id)
	}
	if id := strings.TrimSpace(s.Headers.Get(HeaderSessionID)); id != "" {
		return keyScoped(keyID, id)
	}
	if s.Request.FirstUserText == "" {
		return ""
	}

	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(keyID, 10)))
	h.Write([]byte{0})
	h.Write([]byte(s.Request.FirstUserText))
	h.Write([]byte{0})
	h.Write([]byte(m.now().UTC().Format(time.DateOnly)))
	return "h_" + hex.EncodeToString(h.Sum(nil))[:32]
}

func keyScoped(keyID int64, id string) string {
	return "k" + strconv.FormatInt(keyID, 10) + ":" + id
}

// Bound returns the provider bound to sessionID.
func (m *Manager) Bound(ctx context.Context, sessionID string) (int64, bool) {
	if sessionID == "" {
		return 0, false
	}
	id, ok, err := m.store.Binding(ctx, sessionID)
	if err != nil {
		m.log.Warn("session_binding_lookup_failed", slog.String("error", err.Error()))
		return 0, false
	}
	return id, ok
}

// Bind sticks sessionID to providerID.
func (m *Manager) Bind(ctx context.Context, sessionID string, providerID int64) {
	if sessionID == "" {
		return
	}
	if err := m.store.Bind(ctx, sessionID, providerID, m.ttl); err != nil {
		m.log.Warn("session_bind_failed", slog.String("error", err.Error()))
	}
}
