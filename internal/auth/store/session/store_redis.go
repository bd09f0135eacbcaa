package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"shepherd/internal/auth/models"
	"shepherd/pkg/domain"
	"shepherd/pkg/platform/sentinel"
)

const (
	sessionKeyPrefix = "session:"
	actorKeyPrefix   = "session:actor:"

	// Revoked sessions linger briefly after expiry so a late request still
	// reads "revoked" rather than "unknown".
	expiryGrace = time.Minute
)

// RedisStore shares sessions between processes. Each session is a JSON
// document whose TTL follows ExpiresAt; a per-actor set indexes them.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func sessionKey(id domain.SessionID) string { return sessionKeyPrefix + id.String() }

func actorKey(id domain.ActorID) string { return actorKeyPrefix + id.String() }

func (s *RedisStore) ttl(session *models.Session) time.Duration {
	ttl := session.ExpiresAt.Sub(s.now()) + expiryGrace
	if ttl < expiryGrace {
		ttl = expiryGrace
	}
	return ttl
}

func (s *RedisStore) Create(ctx context.Context, session *models.Session) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ttl := s.ttl(session)
	created, err := s.client.SetNX(ctx, sessionKey(session.ID), payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	if !created {
		return sentinel.ErrAlreadyUsed
	}
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, actorKey(session.ActorID), session.ID.String())
	// Sessions share one TTL, so the newest session outlives the rest.
	pipe.Expire(ctx, actorKey(session.ActorID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index session: %w", err)
	}
	return nil
}

func (s *RedisStore) FindByID(ctx context.Context, id domain.SessionID) (*models.Session, error) {
	return s.load(ctx, s.client, id)
}

func (s *RedisStore) load(ctx context.Context, c redis.Cmdable, id domain.SessionID) (*models.Session, error) {
	raw, err := c.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var session models.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &session, nil
}

// Execute applies validate and mutate under WATCH. A concurrent write to the
// same session makes it return redis.TxFailedErr; callers may retry.
func (s *RedisStore) Execute(ctx context.Context, id domain.SessionID, validate func(*models.Session) error, mutate func(*models.Session)) (*models.Session, error) {
	var result *models.Session
	key := sessionKey(id)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		session, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := validate(session); err != nil {
			return err
		}
		mutate(session)
		payload, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl(session))
			return nil
		})
		if err != nil {
			return err
		}
		result = session
		return nil
	}, key)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListByActor returns the actor's live sessions, newest first. Index entries
// whose session expired are pruned.
func (s *RedisStore) ListByActor(ctx context.Context, actorID domain.ActorID) ([]*models.Session, error) {
	ids, err := s.client.SMembers(ctx, actorKey(actorID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var out []*models.Session
	for _, raw := range ids {
		id, err := domain.ParseSessionID(raw)
		if err != nil {
			continue
		}
		session, err := s.load(ctx, s.client, id)
		if errors.Is(err, sentinel.ErrNotFound) {
			s.client.SRem(ctx, actorKey(actorID), raw)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	slices.SortFunc(out, func(a, b *models.Session) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}
