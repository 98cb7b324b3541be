package redis

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "streambroker:shards:"

// ErrShardNotClaimed is returned by Owner when no process holds the shard.
var ErrShardNotClaimed = errors.New("storage: shard not claimed")

//go:embed lua/claim.lua
var claimSource string

//go:embed lua/release.lua
var releaseSource string

var (
	claimScript   = redis.NewScript(claimSource)
	releaseScript = redis.NewScript(releaseSource)
)

// ShardOwner records which gateway process holds a shard connection
type ShardOwner struct {
	ShardID   int       `json:"shard_id"`
	Owner     string    `json:"owner"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// ShardRegistry tracks shard ownership in Redis. Claims expire after ttl
// unless refreshed, so a crashed gateway releases its shards by itself.
type ShardRegistry struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewShardRegistry creates a new Redis shard registry
func NewShardRegistry(client *redis.Client, ttl time.Duration, logger *zap.Logger) *ShardRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShardRegistry{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// TTL returns the claim lifetime
func (s *ShardRegistry) TTL() time.Duration {
	return s.ttl
}

// Claim takes shardID for owner, or refreshes the claim if owner already
// holds it. It returns false when another owner holds the shard.
func (s *ShardRegistry) Claim(ctx context.Context, shardID int, owner string) (bool, error) {
	key := getShardKey(shardID)

	held, err := claimScript.Run(ctx, s.client, []string{key},
		owner, s.ttl.Milliseconds(), time.Now().UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to claim shard %d: %w", shardID, err)
	}

	if held == 0 {
		s.logger.Debug("shard held by another owner",
			zap.Int("shard_id", shardID),
			zap.String("owner", owner))
		return false, nil
	}
	return true, nil
}

// Release drops owner's claim on shardID. Claims held by other owners are
// left alone.
func (s *ShardRegistry) Release(ctx context.Context, shardID int, owner string) error {
	key := getShardKey(shardID)

	released, err := releaseScript.Run(ctx, s.client, []string{key}, owner).Int()
	if err != nil {
		return fmt.Errorf("failed to release shard %d: %w", shardID, err)
	}

	s.logger.Debug("shard released",
		zap.Int("shard_id", shardID),
		zap.String("owner", owner),
		zap.Bool("held", released == 1))

	return nil
}

// Owner returns the current owner of shardID
func (s *ShardRegistry) Owner(ctx context.Context, shardID int) (*ShardOwner, error) {
	fields, err := s.client.HGetAll(ctx, getShardKey(shardID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get shard %d: %w", shardID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrShardNotClaimed, shardID)
	}
	return parseShardOwner(shardID, fields), nil
}

// List returns every claimed shard ordered by shard id
func (s *ShardRegistry) List(ctx context.Context) ([]ShardOwner, error) {
	var cursor uint64
	var keys []string

	for {
		var batch []string
		var err error

		batch, cursor, err = s.client.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}

		keys = append(keys, batch...)

		if cursor == 0 {
			break
		}
	}

	pipe := s.client.Pipeline()
	cmds := make(map[int]*redis.MapStringStringCmd, len(keys))
	for _, key := range keys {
		shardID, err := strconv.Atoi(strings.TrimPrefix(key, keyPrefix))
		if err != nil {
			continue
		}
		cmds[shardID] = pipe.HGetAll(ctx, key)
	}
	if len(cmds) == 0 {
		return []ShardOwner{}, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to get shards: %w", err)
	}

	owners := make([]ShardOwner, 0, len(cmds))
	for shardID, cmd := range cmds {
		fields := cmd.Val()
		// Expired between SCAN and HGETALL.
		if len(fields) == 0 {
			continue
		}
		owners = append(owners, *parseShardOwner(shardID, fields))
	}

	sort.Slice(owners, func(i, j int) bool { return owners[i].ShardID < owners[j].ShardID })
	return owners, nil
}

func parseShardOwner(shardID int, fields map[string]string) *ShardOwner {
	owner := &ShardOwner{ShardID: shardID, Owner: fields["owner"]}
	if ms, err := strconv.ParseInt(fields["claimed_at"], 10, 64); err == nil {
		owner.ClaimedAt = time.UnixMilli(ms).UTC()
	}
	return owner
}

// getShardKey returns the Redis key for a shard claim
func getShardKey(shardID int) string {
	return fmt.Sprintf("%s%d", keyPrefix, shardID)
}
