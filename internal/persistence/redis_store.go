package persistence

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/boardflow/pkg/api"
)

// RedisRunStore is a RunStore and EventStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>run:<id>                => JSON run document
//	<prefix>idx:all                 => SET of all run IDs
//	<prefix>idx:board:<board>       => SET of run IDs for a board
//	<prefix>idx:status:<status>     => SET of run IDs for a status
//	<prefix>events:<id>             => LIST of JSON events
//
// ListRuns intersects the index sets and re-checks the filter against the
// payload.
type RedisRunStore struct {
	client *redis.Client
	prefix string
}

var (
	_ RunStore   = (*RedisRunStore)(nil)
	_ EventStore = (*RedisRunStore)(nil)
)

var allStatuses = []api.Status{
	api.StatusPending, api.StatusRunning, api.StatusWaiting,
	api.StatusCompleted, api.StatusFailed, api.StatusCancelled,
}

// NewRedisRunStore creates a RedisRunStore. prefix defaults to "boardflow:".
func NewRedisRunStore(client *redis.Client, prefix string) *RedisRunStore {
	if prefix == "" {
		prefix = "boardflow:"
	}
	return &RedisRunStore{client: client, prefix: prefix}
}

func (s *RedisRunStore) keyRun(id string) string { return s.prefix + "run:" + id }
func (s *RedisRunStore) keyAll() string { return s.prefix + "idx:all" }
func (s *RedisRunStore) keyBoard(name string) string { return s.prefix + "idx:board:" + name }
func (s *RedisRunStore) keyStatus(st api.Status) string { return s.prefix + "idx:status:" + string(st) }
func (s *RedisRunStore) keyEvents(runID string) string { return s.prefix + "events:" + runID }

func (s *RedisRunStore) index(ctx context.Context, rec *api.RunRecord) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.keyAll(), rec.ID)
	pipe.SAdd(ctx, s.keyBoard(rec.Board), rec.ID)
	for _, st := range allStatuses {
		if st != rec.Status {
			pipe.SRem(ctx, s.keyStatus(st), rec.ID)
		}
	}
	pipe.SAdd(ctx, s.keyStatus(rec.Status), rec.ID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisRunStore) SaveRun(ctx context.Context, rec *api.RunRecord) error {
	data, err := EncodeRun(rec)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.keyRun(rec.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrRunExists
	}
	return s.index(ctx, rec)
}

func (s *RedisRunStore) UpdateRun(ctx context.Context, rec *api.RunRecord) error {
	data, err := EncodeRun(rec)
	if err != nil {
		return err
	}
	ok, err := s.client.SetXX(ctx, s.keyRun(rec.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrRunNotFound
	}
	return s.index(ctx, rec)
}

func (s *RedisRunStore) GetRun(ctx context.Context, id string) (*api.RunRecord, error) {
	data, err := s.client.Get(ctx, s.keyRun(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return DecodeRun(data)
}

func (s *RedisRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.RunRecord, error) {
	var keys []string
	if filter.Board != "" {
		keys = append(keys, s.keyBoard(filter.Board))
	}
	if filter.Status != "" {
		keys = append(keys, s.keyStatus(filter.Status))
	}
	if len(keys) == 0 {
		keys = append(keys, s.keyAll())
	}

	ids, err := s.client.SInter(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(ids) == 0 {
		return []*api.RunRecord{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyRun(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	runs := make([]*api.RunRecord, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		rec, err := DecodeRun(data)
		if err != nil {
			return nil, err
		}
		if filter.Matches(rec) {
			runs = append(runs, rec)
		}
	}
	sortRuns(runs)
	return runs, nil
}

func (s *RedisRunStore) AppendEvent(ctx context.Context, ev api.RunEvent) error {
	ev.At = eventTime(ev)
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.keyEvents(ev.RunID), data).Err()
}

func (s *RedisRunStore) ListEvents(ctx context.Context, runID string) ([]api.RunEvent, error) {
	items, err := s.client.LRange(ctx, s.keyEvents(runID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]api.RunEvent, 0, len(items))
	for _, item := range items {
		var ev api.RunEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
