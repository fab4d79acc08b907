package store

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"shieldpool/pool-node/logging"

	"github.com/redis/go-redis/v9"
)

const (
	// LeavesKey holds the append-only commitment sequence (RPUSH order is
	// leaf-index order).
	LeavesKey = "pool_leaves"
	// NullifiersKey is the set of burned nullifiers.
	NullifiersKey = "pool_nullifiers"
	// RootsKey holds the recent roots, oldest first, trimmed to the
	// configured history window.
	RootsKey = "pool_roots"
)

// RedisStore persists ledger state in Redis. Transition batches go through
// MULTI/EXEC so a withdrawal's nullifier and output leaves land together.
type RedisStore struct {
	Client      *redis.Client
	Ctx         context.Context
	rootHistory int64
}

func NewRedisStore(redisURL string, rootHistory int) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts.DialTimeout = 10 * time.Second
	opts.ReadTimeout = 30 * time.Second
	opts.WriteTimeout = 10 * time.Second
	opts.MaxRetries = 3

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.Logger().Info().
		Str("addr", opts.Addr).
		Int("root_history", rootHistory).
		Msg("Redis ledger store connected")

	return &RedisStore{
		Client:      client,
		Ctx:         context.Background(),
		rootHistory: int64(rootHistory),
	}, nil
}

func (s *RedisStore) ApplyDeposit(leaf *big.Int) error {
	if err := s.Client.RPush(s.Ctx, LeavesKey, hexKey(leaf)).Err(); err != nil {
		return fmt.Errorf("failed to persist deposit: %w", err)
	}
	return nil
}

func (s *RedisStore) ApplyWithdrawal(nullifier *big.Int, leaves []*big.Int) error {
	pipe := s.Client.TxPipeline()
	pipe.SAdd(s.Ctx, NullifiersKey, hexKey(nullifier))
	for _, leaf := range leaves {
		pipe.RPush(s.Ctx, LeavesKey, hexKey(leaf))
	}
	_, err := pipe.Exec(s.Ctx)
	if err != nil {
		return fmt.Errorf("failed to persist withdrawal: %w", err)
	}
	return nil
}

func (s *RedisStore) SaveRoots(roots []*big.Int) error {
	pipe := s.Client.TxPipeline()
	pipe.Del(s.Ctx, RootsKey)
	for _, root := range roots {
		pipe.RPush(s.Ctx, RootsKey, hexKey(root))
	}
	pipe.LTrim(s.Ctx, RootsKey, -s.rootHistory, -1)
	_, err := pipe.Exec(s.Ctx)
	if err != nil {
		return fmt.Errorf("failed to persist root history: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadLeaves() ([]*big.Int, error) {
	items, err := s.Client.LRange(s.Ctx, LeavesKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load leaves: %w", err)
	}
	return parseHexList(items)
}

func (s *RedisStore) LoadNullifiers() ([]*big.Int, error) {
	items, err := s.Client.SMembers(s.Ctx, NullifiersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load nullifiers: %w", err)
	}
	return parseHexList(items)
}

func (s *RedisStore) LoadRoots() ([]*big.Int, error) {
	items, err := s.Client.LRange(s.Ctx, RootsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load roots: %w", err)
	}
	return parseHexList(items)
}

func (s *RedisStore) Close() error {
	return s.Client.Close()
}

func hexKey(v *big.Int) string {
	return fmt.Sprintf("0x%064x", v)
}

func parseHexList(items []string) ([]*big.Int, error) {
	out := make([]*big.Int, len(items))
	for i, item := range items {
		v, ok := new(big.Int).SetString(strings.TrimPrefix(item, "0x"), 16)
		if !ok {
			return nil, fmt.Errorf("corrupt stored value: %s", item)
		}
		out[i] = v
	}
	return out, nil
}
