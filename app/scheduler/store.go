package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimScript first returns expired leases to the due set, then moves up to
// ARGV[3] due jobs into the in-flight set under a new lease. The reply is a
// flat list of id, body pairs.
//
// KEYS: due, inflight, jobs. ARGV: now (ms), lease deadline (ms), limit.
var claimScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1])
for _, id in ipairs(expired) do
	redis.call("ZREM", KEYS[2], id)
	redis.call("ZADD", KEYS[1], ARGV[1], id)
end
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[3]))
local out = {}
for _, id in ipairs(ids) do
	redis.call("ZREM", KEYS[1], id)
	local body = redis.call("HGET", KEYS[3], id)
	if body then
		redis.call("ZADD", KEYS[2], ARGV[2], id)
		table.insert(out, id)
		table.insert(out, body)
	end
end
return out
`)

// Store persists jobs between scheduling and execution.
type Store interface {
	Add(ctx context.Context, job Job) error
	Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Job, error)
	Complete(ctx context.Context, job Job) error
	Reschedule(ctx context.Context, job Job) error
	Bury(ctx context.Context, job Job) error
}

// RedisStore keeps job bodies in a hash and orders them by run time in a
// sorted set, so pending jobs survive restarts of the process.
type RedisStore struct {
	client   *redis.Client
	due      string
	inflight string
	jobs     string
	dead     string
}

// NewRedisStore constructs a job store whose keys share the given prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "notifications:scheduler"
	}
	return &RedisStore{
		client:   client,
		due:      prefix + ":due",
		inflight: prefix + ":inflight",
		jobs:     prefix + ":jobs",
		dead:     prefix + ":dead",
	}
}

// Add stores a new job and makes it due at job.RunAt.
func (s *RedisStore) Add(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.jobs, job.ID, body)
		pipe.ZAdd(ctx, s.due, redis.Z{Score: float64(dueScore(job.RunAt)), Member: job.ID})
		return nil
	})
	return err
}

// Claim leases up to limit jobs whose run time is not after now.
func (s *RedisStore) Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 1
	}
	res, err := claimScript.Run(ctx, s.client,
		[]string{s.due, s.inflight, s.jobs},
		now.UnixMilli(), now.Add(lease).UnixMilli(), limit,
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}

	reply, _ := res.([]interface{})
	jobs := make([]Job, 0, len(reply)/2)
	var errs []error
	for i := 0; i+1 < len(reply); i += 2 {
		id, _ := reply[i].(string)
		body, _ := reply[i+1].(string)
		var job Job
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			// An unreadable body would be reclaimed forever; bury it and
			// hand out the rest of the batch.
			decodeErr := fmt.Errorf("decode job %s: %w", id, err)
			if buryErr := s.Bury(ctx, Job{ID: id, LastError: truncate(decodeErr.Error(), maxLastErrorLen)}); buryErr != nil {
				decodeErr = errors.Join(decodeErr, fmt.Errorf("bury job %s: %w", id, buryErr))
			}
			errs = append(errs, decodeErr)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, errors.Join(errs...)
}

// Complete forgets a finished job.
func (s *RedisStore) Complete(ctx context.Context, job Job) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.inflight, job.ID)
		pipe.HDel(ctx, s.jobs, job.ID)
		return nil
	})
	return err
}

// Reschedule stores the updated job and makes it due again at job.RunAt.
func (s *RedisStore) Reschedule(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.jobs, job.ID, body)
		pipe.ZRem(ctx, s.inflight, job.ID)
		pipe.ZAdd(ctx, s.due, redis.Z{Score: float64(dueScore(job.RunAt)), Member: job.ID})
		return nil
	})
	return err
}

// Bury moves a job that will not be retried into the dead hash.
func (s *RedisStore) Bury(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.inflight, job.ID)
		pipe.HDel(ctx, s.jobs, job.ID)
		pipe.HSet(ctx, s.dead, job.ID, body)
		return nil
	})
	return err
}

// Dead lists buried jobs.
func (s *RedisStore) Dead(ctx context.Context) ([]Job, error) {
	bodies, err := s.client.HVals(ctx, s.dead).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(bodies))
	for _, body := range bodies {
		var job Job
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Pending counts jobs that are due or leased.
func (s *RedisStore) Pending(ctx context.Context) (int64, error) {
	return s.client.HLen(ctx, s.jobs).Result()
}

// dueScore rounds up to the millisecond so a job is never claimed early.
func dueScore(t time.Time) int64 {
	ms := t.UnixMilli()
	if t.Sub(time.UnixMilli(ms)) > 0 {
		ms++
	}
	return ms
}
