// Package audit keeps the provider chain of recent requests for the
// read-only chain route.
package audit

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nulpointcorp/llm-relay/internal/session"
)

// DefaultSize is the number of requests remembered when none is configured.
const DefaultSize = 10_000

// Record is the audited outcome of one request.
type Record struct {
	ID              string          `json:"id"`
	RequestID       string          `json:"requestId"`
	SessionID       string          `json:"sessionId,omitempty"`
	Sequence        int64           `json:"sequence,omitempty"`
	Format          string          `json:"format"`
	OriginalModel   string          `json:"originalModel"`
	RedirectedModel string          `json:"redirectedModel,omitempty"`
	StatusCode      int             `json:"statusCode"`
	DurationMs      int64           `json:"durationMs"`
	Chain           []session.Entry `json:"providerChain"`
	FinishedAt      time.Time       `json:"finishedAt"`
}

// ChainLog is a bounded session id → Record map. Safe for concurrent use.
type ChainLog struct {
	cache *lru.Cache[string, Record]
}

// New returns a ChainLog holding at most size records (DefaultSize when
// size ≤ 0).
func New(size int) *ChainLog {
	if size <= 0 {
		size = DefaultSize
	}
	c, _ := lru.New[string, Record](size) // only fails on size ≤ 0
	return &ChainLog{cache: c}
}

// Record stores the final state of s under its relay-generated id.
func (l *ChainLog) Record(s *session.Session, status int) Record {
	r := Record{
		ID:              s.ID,
		RequestID:       s.RequestID,
		SessionID:       s.SessionID,
		Sequence:        s.Sequence,
		Format:          string(s.Format),
		OriginalModel:   s.OriginalModel,
		RedirectedModel: s.RedirectedModel,
		StatusCode:      status,
		DurationMs:      s.Elapsed().Milliseconds(),
		Chain:           s.Chain.Entries(),
		FinishedAt:      time.Now().UTC(),
	}
	l.cache.Add(r.ID, r)
	return r
}

// Get returns the record of the session with the given id.
func (l *ChainLog) Get(id string) (Record, bool) {
	return l.cache.Get(id)
}

// Len returns the number of records held.
func (l *ChainLog) Len() int { return l.cache.Len() }
