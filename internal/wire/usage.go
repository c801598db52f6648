package wire

import (
	"bytes"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/llm-relay/internal/pricing"
	"github.com/nulpointcorp/llm-relay/internal/providers"
)

// ExtractUsage reads the usage block of a non-streaming response body.
func ExtractUsage(f providers.Format, body []byte) pricing.Usage {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return pricing.Usage{}
	}
	root := gjson.ParseBytes(body)
	switch f {
	case providers.FormatMessages:
		return messagesUsage(root.Get("usage"))
	case providers.FormatChat:
		return chatUsage(root.Get("usage"))
	case providers.FormatResponses:
		return responsesUsage(root.Get("usage"))
	case providers.FormatGemini:
		return geminiUsage(root.Get("usageMetadata"))
	}
	return pricing.Usage{}
}

func messagesUsage(u gjson.Result) pricing.Usage {
	if !u.Exists() {
		return pricing.Usage{}
	}
	out := pricing.Usage{
		InputTokens:     u.Get("input_tokens").Int(),
		OutputTokens:    u.Get("output_tokens").Int(),
		CacheReadTokens: u.Get("cache_read_input_tokens").Int(),
	}
	// The 5m/1h split, when present, supersedes the flat creation count.
	if cc := u.Get("cache_creation"); cc.Exists() {
		out.CacheWrite5mTokens = cc.Get("ephemeral_5m_input_tokens").Int()
		out.CacheWrite1hTokens = cc.Get("ephemeral_1h_input_tokens").Int()
	} else {
		out.CacheWrite5mTokens = u.Get("cache_creation_input_tokens").Int()
	}
	return out
}

func chatUsage(u gjson.Result) pricing.Usage {
	if !u.Exists() {
		return pricing.Usage{}
	}
	cached := u.Get("prompt_tokens_details.cached_tokens").Int()
	return pricing.Usage{
		InputTokens:     u.Get("prompt_tokens").Int() - cached,
		OutputTokens:    u.Get("completion_tokens").Int(),
		CacheReadTokens: cached,
	}
}

func responsesUsage(u gjson.Result) pricing.Usage {
	if !u.Exists() {
		return pricing.Usage{}
	}
	cached := u.Get("input_tokens_details.cached_tokens").Int()
	return pricing.Usage{
		InputTokens:     u.Get("input_tokens").Int() - cached,
		OutputTokens:    u.Get("output_tokens").Int(),
		CacheReadTokens: cached,
	}
}

func geminiUsage(u gjson.Result) pricing.Usage {
	if !u.Exists() {
		return pricing.Usage{}
	}
	cached := u.Get("cachedContentTokenCount").Int()
	return pricing.Usage{
		InputTokens:     u.Get("promptTokenCount").Int() - cached,
		OutputTokens:    u.Get("candidatesTokenCount").Int() + u.Get("thoughtsTokenCount").Int(),
		CacheReadTokens: cached,
	}
}

// ── SSE ─────────────────────────────────────────────────────────────────────

// maxLine bounds the partial-line buffer of a UsageScanner. Usage events are
// small; longer lines are content deltas and are skipped.
const maxLine = 256 << 10

// UsageScanner observes an SSE stream as it is relayed and accumulates the
// usage it reports. It implements io.Writer so it can sit behind a TeeReader.
type UsageScanner struct {
	format providers.Format
	buf    []byte
	skip   bool
	usage  pricing.Usage
	events int
}

// NewUsageScanner returns a scanner for format f.
func NewUsageScanner(f providers.Format) *UsageScanner {
	return &UsageScanner{format: f}
}

// Write consumes one chunk of the stream. It never fails.
func (s *UsageScanner) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			if !s.skip {
				s.buf = append(s.buf, p...)
				if len(s.buf) > maxLine {
					s.buf = s.buf[:0]
					s.skip = true
				}
			}
			break
		}
		if !s.skip {
			s.buf = append(s.buf, p[:i]...)
			s.line(s.buf)
		}
		s.buf = s.buf[:0]
		s.skip = false
		p = p[i+1:]
	}
	return n, nil
}

// Usage returns the usage accumulated so far.
func (s *UsageScanner) Usage() pricing.Usage { return s.usage }

// Events returns the number of data events seen.
func (s *UsageScanner) Events() int { return s.events }

func (s *UsageScanner) line(l []byte) {
	l = bytes.TrimRight(l, "\r")
	data, ok := bytes.CutPrefix(l, []byte("data:"))
	if !ok {
		return
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return // "[DONE]" and keep-alives
	}
	s.events++
	ev := gjson.ParseBytes(data)

	switch s.format {
	case providers.FormatMessages:
		switch ev.Get("type").String() {
		case "message_start":
			s.usage = mergeMessages(s.usage, messagesUsage(ev.Get("message.usage")))
		case "message_delta":
			s.usage = mergeMessages(s.usage, messagesUsage(ev.Get("usage")))
		}
	case providers.FormatChat:
		if u := ev.Get("usage"); u.Exists() && u.Type != gjson.Null {
			s.usage = chatUsage(u)
		}
	case providers.FormatResponses:
		if ev.Get("type").String() == "response.completed" {
			s.usage = responsesUsage(ev.Get("response.usage"))
		}
	case providers.FormatGemini:
		if u := ev.Get("usageMetadata"); u.Exists() {
			s.usage = geminiUsage(u)
		}
	}
}

// mergeMessages folds a message_delta usage over message_start. Deltas carry
// cumulative counts; a zero field means "not reported".
func mergeMessages(acc, next pricing.Usage) pricing.Usage {
	if next.InputTokens > 0 {
		acc.InputTokens = next.InputTokens
	}
	if next.OutputTokens > 0 {
		acc.OutputTokens = next.OutputTokens
	}
	if next.CacheWrite5mTokens > 0 {
		acc.CacheWrite5mTokens = next.CacheWrite5mTokens
	}
	if next.CacheWrite1hTokens > 0 {
		acc.CacheWrite1hTokens = next.CacheWrite1hTokens
	}
	if next.CacheReadTokens > 0 {
		acc.CacheReadTokens = next.CacheReadTokens
	}
	return acc
}
