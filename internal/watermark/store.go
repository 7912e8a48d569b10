package watermark

import (
	"encoding/json"
	"log/slog"
	"time"

	"graph_collector/internal/domain"
)

// TimeLayout renders UTC instants fixed-width with microsecond precision,
// so rendered values order the same lexically as chronologically.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// FormatTime renders t in the store's comparable layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// DefaultLookback bounds the first collection of an entity that has no
// stored watermark yet.
const DefaultLookback = 24 * time.Hour

// Store tracks the highest timestamp handled per (tenant, scope, record
// type) across one collection run. It is owned by a single goroutine; the
// orchestrator walks tenants sequentially.
type Store struct {
	state    domain.Watermark
	lookback time.Duration
	now      func() time.Time
}

// NewStore seeds a run-scoped store from previously persisted state. A nil
// prior is treated as empty.
func NewStore(prior domain.Watermark, lookback time.Duration) *Store {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	return &Store{
		state:    cloneState(prior),
		lookback: lookback,
		now:      time.Now,
	}
}

// Decode parses a persisted watermark blob. Absent or malformed state never
// fails a run; it just widens the next collection to the fallback lookback.
func Decode(raw []byte, logger *slog.Logger) domain.Watermark {
	if len(raw) == 0 {
		return domain.Watermark{}
	}

	var state domain.Watermark
	if err := json.Unmarshal(raw, &state); err != nil {
		logger.Warn("discarding malformed watermark state", "error", err)
		return domain.Watermark{}
	}
	if state == nil {
		state = domain.Watermark{}
	}
	return state
}

// Last returns the stored timestamp for the key, or "" when none exists.
func (s *Store) Last(tenant, scope, key string) string {
	return s.state[tenant][scope][key]
}

// Since returns the timestamp floor bounding the next fetch for the key:
// the stored watermark when one exists, otherwise now minus the fallback
// lookback.
func (s *Store) Since(tenant, scope, key string) string {
	if last := s.Last(tenant, scope, key); last != "" {
		return last
	}
	return FormatTime(s.now().Add(-s.lookback))
}

// IsNew reports whether ts is strictly newer than the floor returned by
// Since.
func (s *Store) IsNew(tenant, scope, key, ts string) bool {
	return ts > s.Since(tenant, scope, key)
}

// Advance raises the stored watermark to ts if ts is newer. A watermark
// never moves backward.
func (s *Store) Advance(tenant, scope, key, ts string) {
	if ts == "" || ts <= s.Last(tenant, scope, key) {
		return
	}

	scopes, ok := s.state[tenant]
	if !ok {
		scopes = make(map[string]map[string]string)
		s.state[tenant] = scopes
	}
	keys, ok := scopes[scope]
	if !ok {
		keys = make(map[string]string)
		scopes[scope] = keys
	}
	keys[key] = ts
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() domain.Watermark {
	return cloneState(s.state)
}

func cloneState(state domain.Watermark) domain.Watermark {
	out := make(domain.Watermark, len(state))
	for tenant, scopes := range state {
		outScopes := make(map[string]map[string]string, len(scopes))
		for scope, keys := range scopes {
			outKeys := make(map[string]string, len(keys))
			for k, v := range keys {
				outKeys[k] = v
			}
			outScopes[scope] = outKeys
		}
		out[tenant] = outScopes
	}
	return out
}
