package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"cronward/internal/task"
	logx "cronward/pkg/logx"
)

// redisStore keys, all under one prefix:
//
//	<key>:status          string, JSON snapshot (same document as the file driver)
//	<key>:runs            sorted set of run JSON, scored by finish time (unix ms)
//	<key>:runs:<task id>  same, per task
//	<key>:tasks           set of task ids that have history
type redisStore struct {
	client *redis.Client
	key    string
	log    logx.Logger
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	url := strings.TrimSpace(cfg.RedisURL)
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	key := strings.TrimSpace(cfg.RedisKey)
	if key == "" {
		key = "cronward"
	}
	return &redisStore{client: client, key: key, log: log}, nil
}

func (s *redisStore) statusKey() string            { return s.key + ":status" }
func (s *redisStore) runsKey() string              { return s.key + ":runs" }
func (s *redisStore) taskRunsKey(id string) string { return s.key + ":runs:" + id }
func (s *redisStore) tasksKey() string             { return s.key + ":tasks" }

func (s *redisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *redisStore) LoadStatus(ctx context.Context) (map[string]task.Status, error) {
	out := map[string]task.Status{}
	b, err := s.client.Get(ctx, s.statusKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.statusKey(), err)
	}
	return out, nil
}

// SaveStatus replaces the snapshot with a single SET.
func (s *redisStore) SaveStatus(ctx context.Context, table map[string]task.Status) error {
	if table == nil {
		table = map[string]task.Status{}
	}
	data, err := json.Marshal(table)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.statusKey(), data, 0).Err()
}

func (s *redisStore) AppendRun(ctx context.Context, r task.RunRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	z := redis.Z{Score: float64(r.FinishedAt.UnixMilli()), Member: data}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, s.runsKey(), z)
	pipe.ZAdd(ctx, s.taskRunsKey(r.TaskID), z)
	pipe.SAdd(ctx, s.tasksKey(), r.TaskID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) ListRuns(ctx context.Context, f RunFilter) ([]task.RunRecord, error) {
	key := s.runsKey()
	if f.TaskID != "" {
		key = s.taskRunsKey(f.TaskID)
	}
	stop := int64(-1)
	if f.Limit > 0 {
		stop = int64(f.Limit) - 1
	}
	members, err := s.client.ZRevRange(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]task.RunRecord, 0, len(members))
	for _, m := range members {
		var r task.RunRecord
		if err := json.Unmarshal([]byte(m), &r); err != nil {
			s.log.Debug("skipping undecodable run record", logx.String("key", key), logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *redisStore) PruneRuns(ctx context.Context, before time.Time) (int, error) {
	ids, err := s.client.SMembers(ctx, s.tasksKey()).Result()
	if err != nil {
		return 0, err
	}
	// Exclusive upper bound: strictly before the cutoff.
	upper := "(" + strconv.FormatInt(before.UnixMilli(), 10)

	pipe := s.client.Pipeline()
	total := pipe.ZRemRangeByScore(ctx, s.runsKey(), "-inf", upper)
	for _, id := range ids {
		pipe.ZRemRangeByScore(ctx, s.taskRunsKey(id), "-inf", upper)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(total.Val()), nil
}
