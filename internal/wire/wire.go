// Package wire parses the inbound request shapes the relay accepts and holds
// the small body helpers shared by the guard, the forwarding engine and the
// dispatcher. Bodies are treated as opaque JSON and read with gjson; only the
// fields routing and metering need are extracted.
package wire

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

var (
	ErrInvalidJSON  = errors.New("request body must be a JSON object")
	ErrMissingModel = errors.New("model is required")
)

// Request is the routing view of an inbound body.
type Request struct {
	Model  string
	Stream bool
	// UserText is the concatenated text of every user-authored message.
	UserText string
	// FirstUserText is the text of the first user message.
	FirstUserText string
	// MessageCount is the number of conversation messages / input items.
	MessageCount int
	// MetadataUserID is the Anthropic metadata.user_id, if any.
	MetadataUserID string
	// MaxTokens is the output-token cap; 0 when absent.
	MaxTokens int64
}

// Parse extracts the routing view of body for format f. For Gemini the model
// and the stream flag live in the path; pathModel and pathStream carry them.
func Parse(f providers.Format, body []byte, pathModel string, pathStream bool) (Request, error) {
	if len(body) == 0 || !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return Request{}, ErrInvalidJSON
	}

	var r Request
	switch f {
	case providers.FormatMessages:
		r.Model = gjson.GetBytes(body, "model").String()
		r.Stream = gjson.GetBytes(body, "stream").Bool()
		r.MaxTokens = gjson.GetBytes(body, "max_tokens").Int()
		r.MetadataUserID = gjson.GetBytes(body, "metadata.user_id").String()
		r.collectMessages(gjson.GetBytes(body, "messages"), "content")

	case providers.FormatChat:
		r.Model = gjson.GetBytes(body, "model").String()
		r.Stream = gjson.GetBytes(body, "stream").Bool()
		r.MaxTokens = firstInt(body, "max_completion_tokens", "max_tokens")
		r.collectMessages(gjson.GetBytes(body, "messages"), "content")

	case providers.FormatResponses:
		r.Model = gjson.GetBytes(body, "model").String()
		r.Stream = gjson.GetBytes(body, "stream").Bool()
		r.MaxTokens = gjson.GetBytes(body, "max_output_tokens").Int()
		input := gjson.GetBytes(body, "input")
		if input.Type == gjson.String {
			r.MessageCount = 1
			r.UserText = input.String()
			r.FirstUserText = r.UserText
		} else {
			r.collectMessages(input, "content")
		}

	case providers.FormatGemini:
		r.Model = pathModel
		r.Stream = pathStream
		r.MaxTokens = gjson.GetBytes(body, "generationConfig.maxOutputTokens").Int()
		r.collectMessages(gjson.GetBytes(body, "contents"), "parts")
	}

	r.Model = strings.TrimSpace(r.Model)
	if r.Model == "" {
		return r, ErrMissingModel
	}
	return r, nil
}

func (r *Request) collectMessages(msgs gjson.Result, contentField string) {
	if !msgs.IsArray() {
		return
	}
	var all []string
	msgs.ForEach(func(_, m gjson.Result) bool {
		r.MessageCount++
		role := m.Get("role").String()
		if role != "" && role != "user" {
			return true
		}
		text := Text(m.Get(contentField))
		if text == "" {
			return true
		}
		if r.FirstUserText == "" {
			r.FirstUserText = text
		}
		all = append(all, text)
		return true
	})
	r.UserText = strings.Join(all, "\n")
}

// Text flattens a content value: a plain string, an array of blocks with a
// "text" field, or an array of plain strings.
func Text(content gjson.Result) string {
	switch {
	case content.Type == gjson.String:
		return content.String()
	case content.IsArray():
		var parts []string
		content.ForEach(func(_, block gjson.Result) bool {
			if block.Type == gjson.String {
				parts = append(parts, block.String())
			} else if t := block.Get("text"); t.Exists() {
				parts = append(parts, t.String())
			}
			return true
		})
		return strings.Join(parts, "\n")
	}
	return ""
}

func firstInt(body []byte, paths ...string) int64 {
	for _, p := range paths {
		if v := gjson.GetBytes(body, p); v.Exists() {
			return v.Int()
		}
	}
	return 0
}

// RewriteModel replaces the body model with model. Gemini bodies carry no
// model and are returned unchanged; use GeminiPath for those.
func RewriteModel(f providers.Format, body []byte, model string) ([]byte, error) {
	model = strings.TrimSpace(model)
	if f == providers.FormatGemini || model == "" {
		return body, nil
	}
	if gjson.GetBytes(body, "model").String() == model {
		return body, nil
	}
	return sjson.SetBytes(body, "model", model)
}

// SessionFromMetadata extracts the session id embedded in an Anthropic
// metadata.user_id of the form "user_<h>_account_<a>_session_<id>".
func SessionFromMetadata(userID string) string {
	const marker = "_session_"
	i := strings.LastIndex(userID, marker)
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(userID[i+len(marker):])
}

// ── Paths ───────────────────────────────────────────────────────────────────

// IsPassThrough reports whether path is a token-counting shape. Those are
// forwarded to the provider base URL and never go through endpoint selection.
func IsPassThrough(path string) bool {
	return strings.HasSuffix(path, "/messages/count_tokens") ||
		strings.HasSuffix(path, "/responses/input_tokens") ||
		strings.HasSuffix(path, ":countTokens")
}

// ParseGeminiTarget splits a "{model}:{action}" path segment.
func ParseGeminiTarget(target string) (model, action string, ok bool) {
	i := strings.LastIndexByte(target, ':')
	if i <= 0 || i == len(target)-1 {
		return "", "", false
	}
	return target[:i], target[i+1:], true
}

// GeminiPath builds the upstream path for a Gemini call.
func GeminiPath(model, action string) string {
	return "/v1beta/models/" + model + ":" + action
}

// ── Warm-up ─────────────────────────────────────────────────────────────────

// IsWarmup reports whether body is a Claude CLI warm-up request: a messages
// call whose only user message is the literal "Warmup".
func IsWarmup(f providers.Format, r Request) bool {
	return f == providers.FormatMessages &&
		r.MessageCount == 1 &&
		strings.EqualFold(strings.TrimSpace(r.FirstUserText), "warmup")
}

// WarmupResponse is the canned messages-format answer to a warm-up request.
func WarmupResponse(id, model string) []byte {
	out := []byte(`{"type":"message","role":"assistant","content":[{"type":"text","text":"OK"}],"stop_reason":"end_turn","stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}`)
	out, _ = sjson.SetBytes(out, "id", id)
	out, _ = sjson.SetBytes(out, "model", model)
	return out
}
