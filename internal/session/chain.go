package session

import (
	"sync"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/circuit"
	"github.com/nulpointcorp/llm-relay/internal/failure"
)

// Reason is the closed outcome label of one attempt.
type Reason string

const (
	ReasonSuccess            Reason = "success"
	ReasonRetrySuccess       Reason = "retry_success"
	ReasonSystemError        Reason = "system_error"
	ReasonProviderError      Reason = "provider_error"
	ReasonClientNonRetryable Reason = "client_error_non_retryable"
	ReasonConcurrentLimit    Reason = "concurrent_limit_failed"
	ReasonClientAbort        Reason = "client_abort"
)

// ReasonFor maps an attempt outcome to its chain label.
func ReasonFor(c failure.Category, attempt int) Reason {
	switch c {
	case failure.None:
		if attempt > 1 {
			return ReasonRetrySuccess
		}
		return ReasonSuccess
	case failure.System:
		return ReasonSystemError
	case failure.ClientNonRetryable, failure.Validation:
		return ReasonClientNonRetryable
	case failure.ConcurrentLimit, failure.RateLimit:
		return ReasonConcurrentLimit
	case failure.ClientAbort:
		return ReasonClientAbort
	}
	return ReasonProviderError
}

// Entry is one upstream attempt. Immutable once appended.
type Entry struct {
	Attempt      int              `json:"attempt"`
	ProviderID   int64            `json:"providerId"`
	ProviderName string           `json:"providerName"`
	EndpointID   *int64           `json:"endpointId"`
	EndpointURL  string           `json:"endpointUrl"`
	Reason       Reason           `json:"reason"`
	StatusCode   int              `json:"statusCode,omitempty"`
	Circuit      circuit.Snapshot `json:"circuit"`
	Decision     *DecisionContext `json:"decisionContext,omitempty"`
	Error        string           `json:"error,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// Chain is the append-only list of attempts of one request.
type Chain struct {
	mu      sync.Mutex
	entries []Entry
}

// Append assigns the next attempt number to e and stores it. The decision
// context is kept only on the first entry.
func (c *Chain) Append(e Entry) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.Attempt = len(c.entries) + 1
	if e.Attempt > 1 {
		e.Decision = nil
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	c.entries = append(c.entries, e)
	return e
}

// Entries returns a copy of the chain.
func (c *Chain) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Len returns the number of attempts recorded.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Last returns the most recent entry.
func (c *Chain) Last() (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return Entry{}, false
	}
	return c.entries[len(c.entries)-1], true
}

// EndpointIDs returns the endpoint id of each attempt, 0 for a nil id.
func (c *Chain) EndpointIDs() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, len(c.entries))
	for i, e := range c.entries {
		if e.EndpointID != nil {
			out[i] = *e.EndpointID
		}
	}
	return out
}
