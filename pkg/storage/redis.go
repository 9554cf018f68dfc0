package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"
)

const DefaultRedisPrefix = "nomad-idle-scaler:"

// RedisOptions configures a RedisHistory
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key, default DefaultRedisPrefix
	Prefix string
	Limit  int
}

// RedisHistory is a History shared by every replica and idlectl. Each job
// is a capped list of JSON entries; a set indexes the jobs.
type RedisHistory struct {
	cli    *redis.Client
	prefix string
	limit  int
}

// NewRedisHistory connects to Redis and verifies the connection.
func NewRedisHistory(opts RedisOptions) (*RedisHistory, error) {
	cli := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cli.Ping(ctx).Err(); err != nil {
		cli.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}
	klog.V(2).Infof("Connected to Redis at %s", opts.Addr)

	return newRedisHistory(cli, opts), nil
}

func newRedisHistory(cli *redis.Client, opts RedisOptions) *RedisHistory {
	if opts.Prefix == "" {
		opts.Prefix = DefaultRedisPrefix
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultMaxEntriesPerJob
	}
	return &RedisHistory{cli: cli, prefix: opts.Prefix, limit: opts.Limit}
}

func (r *RedisHistory) jobKey(job string) string {
	return r.prefix + "history:" + job
}

func (r *RedisHistory) indexKey() string {
	return r.prefix + "history-jobs"
}

func (r *RedisHistory) Record(ctx context.Context, job string, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		values = append(values, data)
	}

	key := r.jobKey(job)
	_, err := r.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		pipe.LTrim(ctx, key, int64(-r.limit), -1)
		pipe.SAdd(ctx, r.indexKey(), job)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record history of %s: %w", job, err)
	}
	return nil
}

func (r *RedisHistory) Entries(ctx context.Context, job string) ([]Entry, error) {
	raw, err := r.cli.LRange(ctx, r.jobKey(job), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history of %s: %w", job, err)
	}
	return decodeEntries(raw)
}

func (r *RedisHistory) ListJobs(ctx context.Context) ([]string, error) {
	jobs, err := r.cli.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list history jobs: %w", err)
	}
	sort.Strings(jobs)
	return jobs, nil
}

// Flush is a no-op, every Record is written through.
func (r *RedisHistory) Flush(context.Context) error {
	return nil
}

func (r *RedisHistory) Close() error {
	return r.cli.Close()
}

func decodeEntries(raw []string) ([]Entry, error) {
	entries := make([]Entry, 0, len(raw))
	for _, s := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("decode history entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
