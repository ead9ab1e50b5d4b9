package presence

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Store mirrors room membership somewhere outside the process. It is never
// the source of truth: the relay's in-memory registry is.
type Store interface {
	Reset(ctx context.Context) error
	AddPeer(ctx context.Context, roomID, id string) error
	RemovePeer(ctx context.Context, roomID, id string) error
	Peers(ctx context.Context, roomID string) ([]string, error)
	Rooms(ctx context.Context) ([]string, error)
}

// RedisStore implements Store with one Redis set per room plus an index set
// of room ids.
type RedisStore struct {
	rdb      redis.UniversalClient
	prefix   string
	keyRooms string
}

// NewRedisStore builds a presence store backed by Redis. Prefix is optional (e.g., "p2pcall").
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "p2pcall"
	}
	return &RedisStore{
		rdb:      rdb,
		prefix:   p,
		keyRooms: fmt.Sprintf("%s:rooms", p),
	}
}

func (s *RedisStore) peersKey(roomID string) string {
	return fmt.Sprintf("%s:rooms:%s:peers", s.prefix, roomID)
}

// Reset drops every mirrored room. Called at startup since no membership
// survives a relay restart.
func (s *RedisStore) Reset(ctx context.Context) error {
	roomIDs, err := s.rdb.SMembers(ctx, s.keyRooms).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(roomIDs)+1)
	for _, id := range roomIDs {
		keys = append(keys, s.peersKey(id))
	}
	keys = append(keys, s.keyRooms)
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *RedisStore) AddPeer(ctx context.Context, roomID, id string) error {
	pipe := s.rdb.TxPipeline()
	_ = pipe.SAdd(ctx, s.peersKey(roomID), id)
	_ = pipe.SAdd(ctx, s.keyRooms, roomID)
	_, err := pipe.Exec(ctx)
	return err
}

// RemovePeer removes id and drops the room from the index once its set is empty.
func (s *RedisStore) RemovePeer(ctx context.Context, roomID, id string) error {
	key := s.peersKey(roomID)
	pipe := s.rdb.TxPipeline()
	_ = pipe.SRem(ctx, key, id)
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if card.Val() == 0 {
		return s.rdb.SRem(ctx, s.keyRooms, roomID).Err()
	}
	return nil
}

func (s *RedisStore) Peers(ctx context.Context, roomID string) ([]string, error) {
	vals, err := s.rdb.SMembers(ctx, s.peersKey(roomID)).Result()
	if err != nil {
		return nil, err
	}
	return vals, nil
}

func (s *RedisStore) Rooms(ctx context.Context) ([]string, error) {
	vals, err := s.rdb.SMembers(ctx, s.keyRooms).Result()
	if err != nil {
		return nil, err
	}
	return vals, nil
}
