// Package contextstore holds per-user session context with TTL. Entries
// live in redis; when redis is unreachable the store degrades to an
// in-process cache scoped to this gateway instance rather than failing.
package contextstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/easydatahq/agent-gateway/internal/config"
	"github.com/easydatahq/agent-gateway/internal/logging"
	"github.com/easydatahq/agent-gateway/internal/metrics"
)

// StageEntry is one stage's recorded output inside a session context.
type StageEntry struct {
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// SessionContext maps stage names to their recorded outputs.
type SessionContext map[string]StageEntry

// Entry builds a StageEntry from any payload, stamping it now.
func Entry(payload any) (StageEntry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return StageEntry{}, fmt.Errorf("failed to marshal stage payload: %w", err)
	}
	return StageEntry{Payload: raw, Timestamp: time.Now().UTC()}, nil
}

type memoryEntry struct {
	data   SessionContext
	expiry time.Time
}

// Store is the session context store.
type Store struct {
	rdb        *redis.Client
	defaultTTL time.Duration
	logger     *slog.Logger

	mu       sync.Mutex
	fallback map[string]memoryEntry

	now func() time.Time
}

// New creates a Store backed by redis. A failed initial ping is logged
// and the store starts in fallback mode; it probes redis again on every
// call, so a recovered redis is picked up transparently.
func New(cfg *config.RedisConfig, defaultTTL time.Duration) *Store {
	s := &Store{
		defaultTTL: defaultTTL,
		logger:     logging.WithComponent("contextstore"),
		fallback:   make(map[string]memoryEntry),
		now:        time.Now,
	}

	if cfg != nil && cfg.Addr != "" {
		s.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			s.logger.Warn("redis unavailable at startup, using in-process cache", "error", err)
		}
	} else {
		s.logger.Warn("no redis configured, using in-process cache only")
	}

	return s
}

func key(userID string) string {
	return "user:" + userID + ":context"
}

// marshalFields renders a context as one hash field per stage key.
func marshalFields(sc SessionContext) (map[string]string, error) {
	fields := make(map[string]string, len(sc))
	for stage, entry := range sc {
		raw, err := json.Marshal(entry)
		if err != nil {
			return nil, err
		}
		fields[stage] = string(raw)
	}
	return fields, nil
}

// Get returns the session context for a user, or ok=false when none exists.
func (s *Store) Get(ctx context.Context, userID string) (SessionContext, bool) {
	if s.rdb != nil {
		raw, err := s.rdb.HGetAll(ctx, key(userID)).Result()
		if err == nil {
			if len(raw) == 0 {
				return nil, false
			}
			sc := make(SessionContext, len(raw))
			for stage, v := range raw {
				var entry StageEntry
				if uerr := json.Unmarshal([]byte(v), &entry); uerr != nil {
					s.logger.Warn("corrupt context entry, discarding", "user_id", userID, "stage", stage)
					return nil, false
				}
				sc[stage] = entry
			}
			return sc, true
		}
		s.logger.Warn("redis get failed, falling back to in-process cache", "error", err)
		metrics.ContextFallback.Inc()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.fallback[key(userID)]
	if !ok {
		return nil, false
	}
	if s.now().After(entry.expiry) {
		delete(s.fallback, key(userID))
		return nil, false
	}
	return entry.data.clone(), true
}

// Set replaces the session context for a user and refreshes the TTL.
func (s *Store) Set(ctx context.Context, userID string, sc SessionContext, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	if s.rdb != nil {
		fields, err := marshalFields(sc)
		if err != nil {
			s.logger.Error("failed to marshal session context", "error", err)
			return
		}
		pipe := s.rdb.TxPipeline()
		pipe.Del(ctx, key(userID))
		if len(fields) > 0 {
			pipe.HSet(ctx, key(userID), fields)
			pipe.Expire(ctx, key(userID), ttl)
		}
		_, err = pipe.Exec(ctx)
		if err == nil {
			return
		}
		s.logger.Warn("redis set failed, falling back to in-process cache", "error", err)
		metrics.ContextFallback.Inc()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback[key(userID)] = memoryEntry{data: sc.clone(), expiry: s.now().Add(ttl)}
}

// AppendMerge merges partial stage results into the existing context,
// last write wins per stage key, and refreshes the TTL. Each tier is
// atomic per stage key: the redis hash takes one HSET per field, and
// the fallback map is merged under the store lock, so two concurrent
// runs merging different stage keys for the same user never lose one
// another's writes.
func (s *Store) AppendMerge(ctx context.Context, userID string, partial SessionContext) {
	if len(partial) == 0 {
		return
	}

	if s.rdb != nil {
		fields, err := marshalFields(partial)
		if err != nil {
			s.logger.Error("failed to marshal session context", "error", err)
			return
		}
		pipe := s.rdb.TxPipeline()
		pipe.HSet(ctx, key(userID), fields)
		pipe.Expire(ctx, key(userID), s.defaultTTL)
		_, err = pipe.Exec(ctx)
		if err == nil {
			return
		}
		s.logger.Warn("redis merge failed, falling back to in-process cache", "error", err)
		metrics.ContextFallback.Inc()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(userID)
	entry, ok := s.fallback[k]
	if !ok || s.now().After(entry.expiry) {
		entry = memoryEntry{data: make(SessionContext, len(partial))}
	}
	merged := entry.data.clone()
	for stage, e := range partial {
		merged[stage] = e
	}
	s.fallback[k] = memoryEntry{data: merged, expiry: s.now().Add(s.defaultTTL)}
}

// Clear removes the stored context for a user from both tiers.
func (s *Store) Clear(ctx context.Context, userID string) {
	if s.rdb != nil {
		if err := s.rdb.Del(ctx, key(userID)).Err(); err != nil {
			s.logger.Warn("redis delete failed", "error", err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fallback, key(userID))
}

// Sweep drops expired entries from the in-process cache. Run periodically
// by the scheduler; redis expires its own keys.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	now := s.now()
	for k, entry := range s.fallback {
		if now.After(entry.expiry) {
			delete(s.fallback, k)
			removed++
		}
	}
	return removed
}

func (sc SessionContext) clone() SessionContext {
	out := make(SessionContext, len(sc))
	for k, v := range sc {
		out[k] = v
	}
	return out
}
