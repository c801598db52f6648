package guard

import (
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nulpointcorp/llm-relay/internal/session"
	"github.com/nulpointcorp/llm-relay/internal/store"
)

// ApplyFilters applies every filter accepted by match to the headers and
// body of s, in slice order. A body set whose value is valid JSON inserts it
// raw; anything else is set as a string. Failing filters are logged and
// skipped.
func ApplyFilters(filters []store.Filter, s *session.Session, match func(store.Filter) bool, log *slog.Logger) int {
	applied := 0
	for _, f := range filters {
		if !f.Enabled || !match(f) || strings.TrimSpace(f.Key) == "" {
			continue
		}
		if err := applyFilter(f, s); err != nil {
			log.Warn("request_filter_failed",
				slog.String("request_id", s.RequestID),
				slog.Int64("filter_id", f.ID),
				slog.String("filter", f.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		applied++
	}
	return applied
}

func applyFilter(f store.Filter, s *session.Session) error {
	switch f.Target {
	case store.TargetHeader:
		switch f.Action {
		case store.ActionSet:
			s.Headers.Set(f.Key, f.Value)
		case store.ActionRemove:
			s.Headers.Del(f.Key)
		}
		return nil

	case store.TargetBody:
		var (
			body []byte
			err  error
		)
		switch f.Action {
		case store.ActionSet:
			if gjson.Valid(f.Value) {
				body, err = sjson.SetRawBytes(s.Body, f.Key, []byte(f.Value))
			} else {
				body, err = sjson.SetBytes(s.Body, f.Key, f.Value)
			}
		case store.ActionRemove:
			if !gjson.GetBytes(s.Body, f.Key).Exists() {
				return nil
			}
			body, err = sjson.DeleteBytes(s.Body, f.Key)
		default:
			return nil
		}
		if err != nil {
			return err
		}
		s.Body = body
	}
	return nil
}
