package segment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic-lock retries on a contended job key.
const maxTxRetries = 5

// RedisStore persists jobs in Redis.
//
// Layout under prefix:
//
//	seq            INCR counter for job ids
//	job:<id>       hash with the job fields
//	jobs           ZSET of ids in creation order
//	status:<code>  ZSET of ids scored by id, one per status
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

func (s *RedisStore) seqKey() string { return s.prefix + "seq" }
func (s *RedisStore) indexKey() string { return s.prefix + "jobs" }
func (s *RedisStore) jobKey(id int64) string { return s.prefix + "job:" + strconv.FormatInt(id, 10) }
func (s *RedisStore) statusKey(st Status) string { return s.prefix + "status:" + string(st) }

func (s *RedisStore) Create(ctx context.Context, filePath string) (*Job, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file path is required")
	}
	id, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis INCR %s: %w", s.seqKey(), err)
	}

	now := s.now().UTC()
	job := &Job{
		ID:        id,
		FilePath:  filePath,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.jobKey(id), encode(job))
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(id), Member: id})
		pipe.ZAdd(ctx, s.statusKey(StatusPending), redis.Z{Score: float64(id), Member: id})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create job %d: %w", id, err)
	}
	return job, nil
}

func (s *RedisStore) Get(ctx context.Context, id int64) (*Job, error) {
	return s.get(ctx, s.client, id)
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (s *RedisStore) get(ctx context.Context, c hashReader, id int64) (*Job, error) {
	fields, err := c.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL %s: %w", s.jobKey(id), err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	return decode(fields)
}

// Transition applies a validated status change with WATCH/MULTI so the
// status, transcription and index updates land together.
func (s *RedisStore) Transition(ctx context.Context, id int64, to Status, transcription string) (*Job, error) {
	key := s.jobKey(id)
	var updated *Job

	txf := func(tx *redis.Tx) error {
		job, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		from := job.Status
		if !CanTransition(from, to) {
			return transitionError(id, from, to)
		}
		apply(job, to, transcription, s.now().UTC())

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"status", string(job.Status),
				"attempts", job.Attempts,
				"updated_at", job.UpdatedAt.Format(time.RFC3339Nano),
			)
			if job.Transcription != nil {
				pipe.HSet(ctx, key, "transcription", *job.Transcription)
			} else {
				pipe.HDel(ctx, key, "transcription")
			}
			pipe.ZRem(ctx, s.statusKey(from), id)
			pipe.ZAdd(ctx, s.statusKey(to), redis.Z{Score: float64(id), Member: id})
			return nil
		})
		if err != nil {
			return err
		}
		updated = job
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("job %d: transition to %s: too much contention", id, to.Label())
}

func (s *RedisStore) List(ctx context.Context, limit int) ([]*Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZREVRANGE %s: %w", s.indexKey(), err)
	}
	return s.fetch(ctx, ids, "")
}

func (s *RedisStore) ListByStatus(ctx context.Context, status Status, afterID int64, limit int) ([]*Job, error) {
	jobs := []*Job{}
	for {
		opt := &redis.ZRangeBy{
			Min: "(" + strconv.FormatInt(afterID, 10),
			Max: "+inf",
		}
		if limit > 0 {
			opt.Count = int64(limit - len(jobs))
		}
		ids, err := s.client.ZRangeByScore(ctx, s.statusKey(status), opt).Result()
		if err != nil {
			return nil, fmt.Errorf("redis ZRANGEBYSCORE %s: %w", s.statusKey(status), err)
		}
		page, err := s.fetch(ctx, ids, status)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, page...)

		// fetch drops ids that moved on since the index read; keep reading
		// so a short page still means the index is exhausted.
		if limit <= 0 || len(jobs) >= limit || int64(len(ids)) < opt.Count {
			return jobs, nil
		}
		last, err := strconv.ParseInt(ids[len(ids)-1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad job id %q in index: %w", ids[len(ids)-1], err)
		}
		afterID = last
	}
}

// Delete removes a Pending job and its index entries in one transaction.
func (s *RedisStore) Delete(ctx context.Context, id int64) error {
	key := s.jobKey(id)
	txf := func(tx *redis.Tx) error {
		job, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if job.Status != StatusPending {
			return fmt.Errorf("job %d: delete in status %s: %w", id, job.Status.Label(), ErrInvalidTransition)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, s.indexKey(), id)
			pipe.ZRem(ctx, s.statusKey(StatusPending), id)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("job %d: delete: too much contention", id)
}

// fetch loads the hashes for ids in order. When status is set, jobs whose
// hash moved on since the index read are dropped.
func (s *RedisStore) fetch(ctx context.Context, ids []string, status Status) ([]*Job, error) {
	if len(ids) == 0 {
		return []*Job{}, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, raw := range ids {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("bad job id %q in index: %w", raw, err)
			}
			cmds[i] = pipe.HGetAll(ctx, s.jobKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		job, err := decode(fields)
		if err != nil {
			return nil, err
		}
		if status != "" && job.Status != status {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func encode(j *Job) map[string]interface{} {
	fields := map[string]interface{}{
		"id":         j.ID,
		"file_path":  j.FilePath,
		"status":     string(j.Status),
		"attempts":   j.Attempts,
		"created_at": j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if j.Transcription != nil {
		fields["transcription"] = *j.Transcription
	}
	return fields
}

func decode(fields map[string]string) (*Job, error) {
	id, err := strconv.ParseInt(fields["id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode job id %q: %w", fields["id"], err)
	}
	status := Status(fields["status"])
	if !status.Valid() {
		return nil, fmt.Errorf("decode job %d: unknown status %q", id, fields["status"])
	}
	attempts, _ := strconv.Atoi(fields["attempts"])
	created, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("decode job %d created_at: %w", id, err)
	}
	updated, err := time.Parse(time.RFC3339Nano, fields["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("decode job %d updated_at: %w", id, err)
	}

	job := &Job{
		ID:        id,
		FilePath:  fields["file_path"],
		Status:    status,
		Attempts:  attempts,
		CreatedAt: created,
		UpdatedAt: updated,
	}
	if text, ok := fields["transcription"]; ok {
		job.Transcription = &text
	}
	return job, nil
}
