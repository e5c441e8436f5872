// Package cache provides a Dragonfly/Redis client wrapper and the points
// leaderboard kept in it.
package cache

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

const (
	leaderboardKey = "pai-arena:leaderboard"
	namesKey       = "pai-arena:leaderboard:names"
)

// Cache wraps a Redis/Dragonfly client.
type Cache struct {
	Client *redis.Client
}

// ParseURL validates a Redis connection URL.
func ParseURL(url string) (*redis.Options, error) {
	if url == "" {
		return nil, fmt.Errorf("cache URL is empty")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid cache URL: %w", err)
	}
	return opts, nil
}

// New creates a new cache client.
func New(ctx context.Context, url string) (*Cache, error) {
	opts, err := ParseURL(url)
	if err != nil {
		return nil, err
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging cache: %w", err)
	}

	return &Cache{Client: client}, nil
}

// Close shuts down the cache client.
func (c *Cache) Close() error {
	return c.Client.Close()
}

// HealthCheck verifies the cache connection is alive.
func (c *Cache) HealthCheck(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

// Entry is one leaderboard row.
type Entry struct {
	StudentID   string
	DisplayName string
	TotalPoints int
}

// SetPoints records a student's total and display name. A cached total only
// moves up, so a late write of an older total is ignored; Replace is the
// only way to lower one.
func (c *Cache) SetPoints(ctx context.Context, e Entry) error {
	pipe := c.Client.TxPipeline()
	pipe.ZAddGT(ctx, leaderboardKey, redis.Z{Score: float64(e.TotalPoints), Member: e.StudentID})
	pipe.HSet(ctx, namesKey, e.StudentID, e.DisplayName)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update leaderboard for %s: %w", e.StudentID, err)
	}
	return nil
}

// Replace swaps the whole leaderboard for entries.
func (c *Cache) Replace(ctx context.Context, entries []Entry) error {
	pipe := c.Client.TxPipeline()
	pipe.Del(ctx, leaderboardKey, namesKey)
	for _, e := range entries {
		pipe.ZAdd(ctx, leaderboardKey, redis.Z{Score: float64(e.TotalPoints), Member: e.StudentID})
		pipe.HSet(ctx, namesKey, e.StudentID, e.DisplayName)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("replace leaderboard: %w", err)
	}
	return nil
}

// Top returns the n highest totals, ties broken by display name then id.
// Members tied with the n-th score are fetched so the cut is exact.
func (c *Cache) Top(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return []Entry{}, nil
	}

	head, err := c.Client.ZRevRangeWithScores(ctx, leaderboardKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read leaderboard: %w", err)
	}
	if len(head) == 0 {
		return []Entry{}, nil
	}

	floor := strconv.FormatFloat(head[len(head)-1].Score, 'f', -1, 64)
	zs, err := c.Client.ZRevRangeByScoreWithScores(ctx, leaderboardKey, &redis.ZRangeBy{
		Min: floor,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read leaderboard ties: %w", err)
	}

	ids := make([]string, 0, len(zs))
	for _, z := range zs {
		ids = append(ids, fmt.Sprint(z.Member))
	}
	names, err := c.Client.HMGet(ctx, namesKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("read leaderboard names: %w", err)
	}

	entries := make([]Entry, 0, len(zs))
	for i, z := range zs {
		e := Entry{StudentID: ids[i], TotalPoints: int(z.Score)}
		if s, ok := names[i].(string); ok {
			e.DisplayName = s
		}
		entries = append(entries, e)
	}
	return rankEntries(entries, n), nil
}

func rankEntries(entries []Entry, n int) []Entry {
	col := collate.New(language.Und, collate.IgnoreCase)
	slices.SortFunc(entries, func(a, b Entry) int {
		if c := cmp.Compare(b.TotalPoints, a.TotalPoints); c != 0 {
			return c
		}
		if c := col.CompareString(a.DisplayName, b.DisplayName); c != 0 {
			return c
		}
		return cmp.Compare(a.StudentID, b.StudentID)
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries
}
