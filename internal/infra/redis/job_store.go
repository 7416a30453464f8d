package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"media-fetch-service/internal/domain"
	"media-fetch-service/internal/domain/model"
	"media-fetch-service/internal/domain/ports/repository"
)

var _ repository.JobStore = (*JobStore)(nil)

// JobStore keeps one hash per job plus a waiting list and per-state sorted sets:
//
//	<queue>:job:<id>   hash with the job record
//	<queue>:wait       list of ids, LPUSH on enqueue, RPOP on claim
//	<queue>:delayed    zset scored by run-at
//	<queue>:active     zset scored by lease expiry
//	<queue>:completed  zset scored by finish time
//	<queue>:failed     zset scored by finish time
//
// Every state change runs as a Lua script so it is atomic with its guard.
type JobStore struct {
	client *Client
	prefix string
	log    *zerolog.Logger
}

func NewJobStore(client *Client, queueName string, logger *zerolog.Logger) *JobStore {
	return &JobStore{client: client, prefix: queueName + ":", log: logger}
}

func (s *JobStore) jobKey(id string) string { return s.prefix + "job:" + id }
func (s *JobStore) waitKey() string         { return s.prefix + "wait" }
func (s *JobStore) delayedKey() string      { return s.prefix + "delayed" }
func (s *JobStore) activeKey() string       { return s.prefix + "active" }
func (s *JobStore) completedKey() string    { return s.prefix + "completed" }
func (s *JobStore) failedKey() string       { return s.prefix + "failed" }

// leaseGuard is prepended to scripts that require the caller to own an active job.
// KEYS[1] is the job hash, ARGV[1] the lease token.
const leaseGuard = `
local st = redis.call("HGET", KEYS[1], "state")
if not st then return -2 end
if st ~= "active" or redis.call("HGET", KEYS[1], "lease_token") ~= ARGV[1] then return -1 end
`

var (
	luaEnqueue = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then return 0 end
redis.call("HSET", KEYS[1],
	"id", ARGV[1], "url", ARGV[2], "mode", ARGV[3], "state", "waiting",
	"progress", "0", "attempts", "0", "max_attempts", ARGV[4],
	"created_at", ARGV[5], "updated_at", ARGV[5])
redis.call("LPUSH", KEYS[2], ARGV[1])
return 1`)

	// KEYS: wait, delayed, active. ARGV: job key prefix, now, token, lease until.
	luaClaim = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[2])
for i = #due, 1, -1 do
	local key = ARGV[1] .. due[i]
	redis.call("ZREM", KEYS[2], due[i])
	if redis.call("HGET", key, "state") == "delayed" then
		redis.call("HSET", key, "state", "waiting", "run_at", "0", "updated_at", ARGV[2])
		redis.call("RPUSH", KEYS[1], due[i])
	end
end
while true do
	local id = redis.call("RPOP", KEYS[1])
	if not id then return false end
	local key = ARGV[1] .. id
	if redis.call("HGET", key, "state") == "waiting" then
		redis.call("HSET", key, "state", "active", "lease_token", ARGV[3], "lease_until", ARGV[4],
			"processed_at", ARGV[2], "updated_at", ARGV[2], "run_at", "0")
		redis.call("ZADD", KEYS[3], ARGV[4], id)
		return id
	end
end`)

	// KEYS: job, active. ARGV: token, lease until, now, id.
	luaRenew = redis.NewScript(leaseGuard + `
redis.call("HSET", KEYS[1], "lease_until", ARGV[2], "updated_at", ARGV[3])
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[4])
return 1`)

	// KEYS: job. ARGV: token, progress, now.
	luaProgress = redis.NewScript(leaseGuard + `
local cur = tonumber(redis.call("HGET", KEYS[1], "progress") or "0") or 0
if tonumber(ARGV[2]) > cur then
	redis.call("HSET", KEYS[1], "progress", ARGV[2], "updated_at", ARGV[3])
	return 1
end
return 0`)

	// KEYS: job, active, completed. ARGV: token, now, path, filename, id.
	luaComplete = redis.NewScript(leaseGuard + `
redis.call("HSET", KEYS[1], "state", "completed", "progress", "100",
	"result_path", ARGV[3], "result_filename", ARGV[4],
	"finished_at", ARGV[2], "updated_at", ARGV[2], "lease_token", "", "lease_until", "0")
redis.call("ZREM", KEYS[2], ARGV[5])
redis.call("ZADD", KEYS[3], ARGV[2], ARGV[5])
return 1`)

	// KEYS: job, active, delayed. ARGV: token, now, run at, attempts, last error, id.
	luaRetry = redis.NewScript(leaseGuard + `
redis.call("HSET", KEYS[1], "state", "delayed", "attempts", ARGV[4], "last_error", ARGV[5],
	"run_at", ARGV[3], "updated_at", ARGV[2], "lease_token", "", "lease_until", "0")
redis.call("ZREM", KEYS[2], ARGV[6])
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[6])
return 1`)

	// KEYS: job, active, failed. ARGV: token, now, attempts, reason, id.
	luaFail = redis.NewScript(leaseGuard + `
redis.call("HSET", KEYS[1], "state", "failed", "attempts", ARGV[3],
	"failure_reason", ARGV[4], "last_error", ARGV[4],
	"finished_at", ARGV[2], "updated_at", ARGV[2], "lease_token", "", "lease_until", "0")
redis.call("ZREM", KEYS[2], ARGV[5])
redis.call("ZADD", KEYS[3], ARGV[2], ARGV[5])
return 1`)

	// KEYS: active, delayed. ARGV: job key prefix, now.
	luaRequeueStalled = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[2])
local moved = {}
for _, id in ipairs(ids) do
	local key = ARGV[1] .. id
	redis.call("ZREM", KEYS[1], id)
	if redis.call("HGET", key, "state") == "active" then
		redis.call("HSET", key, "state", "delayed", "run_at", ARGV[2], "updated_at", ARGV[2],
			"lease_token", "", "lease_until", "0", "last_error", "worker lease expired")
		redis.call("ZADD", KEYS[2], ARGV[2], id)
		table.insert(moved, id)
	end
end
return moved`)

	// KEYS: completed. ARGV: job key prefix.
	luaArtifactPaths = redis.NewScript(`
local ids = redis.call("ZRANGE", KEYS[1], 0, -1)
local paths = {}
for _, id in ipairs(ids) do
	local p = redis.call("HGET", ARGV[1] .. id, "result_path")
	if p and p ~= "" then table.insert(paths, p) end
end
return paths`)

	// KEYS: completed. ARGV: job key prefix, older than.
	luaPurgeCompleted = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[2])
local paths = {}
for _, id in ipairs(ids) do
	local key = ARGV[1] .. id
	local p = redis.call("HGET", key, "result_path")
	if p and p ~= "" then table.insert(paths, p) end
	redis.call("DEL", key)
	redis.call("ZREM", KEYS[1], id)
end
return paths`)
)

func (s *JobStore) Enqueue(ctx context.Context, job *model.Job) error {
	now := ms(job.CreatedAt)
	if job.CreatedAt.IsZero() {
		now = ms(time.Now())
	}
	ok, err := luaEnqueue.Run(ctx, s.client.cli,
		[]string{s.jobKey(job.ID), s.waitKey()},
		job.ID, job.Payload.URL, string(job.Payload.Mode), job.MaxAttempts, now,
	).Int64()
	if err != nil {
		return storeErr(err)
	}
	if ok == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*model.Job, error) {
	fields, err := s.client.cli.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, storeErr(err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrNotFound
	}
	return decodeJob(fields)
}

func (s *JobStore) Claim(ctx context.Context, leaseToken string, leaseTTL time.Duration) (*model.Job, error) {
	now := time.Now()
	id, err := luaClaim.Run(ctx, s.client.cli,
		[]string{s.waitKey(), s.delayedKey(), s.activeKey()},
		s.prefix+"job:", ms(now), leaseToken, ms(now.Add(leaseTTL)),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return s.Get(ctx, id)
}

func (s *JobStore) RenewLease(ctx context.Context, id, leaseToken string, leaseTTL time.Duration) error {
	now := time.Now()
	res, err := luaRenew.Run(ctx, s.client.cli,
		[]string{s.jobKey(id), s.activeKey()},
		leaseToken, ms(now.Add(leaseTTL)), ms(now), id,
	).Int64()
	return guardResult(res, err)
}

func (s *JobStore) UpdateProgress(ctx context.Context, id, leaseToken string, progress float64) error {
	res, err := luaProgress.Run(ctx, s.client.cli,
		[]string{s.jobKey(id)},
		leaseToken, formatFloat(model.ClampProgress(progress)), ms(time.Now()),
	).Int64()
	return guardResult(res, err)
}

func (s *JobStore) Complete(ctx context.Context, id, leaseToken string, result model.JobResult) error {
	res, err := luaComplete.Run(ctx, s.client.cli,
		[]string{s.jobKey(id), s.activeKey(), s.completedKey()},
		leaseToken, ms(time.Now()), result.Path, result.Filename, id,
	).Int64()
	return guardResult(res, err)
}

func (s *JobStore) Retry(ctx context.Context, id, leaseToken string, attempts int, lastError string, delay time.Duration) error {
	now := time.Now()
	res, err := luaRetry.Run(ctx, s.client.cli,
		[]string{s.jobKey(id), s.activeKey(), s.delayedKey()},
		leaseToken, ms(now), ms(now.Add(delay)), attempts, lastError, id,
	).Int64()
	return guardResult(res, err)
}

func (s *JobStore) Fail(ctx context.Context, id, leaseToken string, attempts int, reason string) error {
	res, err := luaFail.Run(ctx, s.client.cli,
		[]string{s.jobKey(id), s.activeKey(), s.failedKey()},
		leaseToken, ms(time.Now()), attempts, reason, id,
	).Int64()
	return guardResult(res, err)
}

func (s *JobStore) RequeueStalled(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := luaRequeueStalled.Run(ctx, s.client.cli,
		[]string{s.activeKey(), s.delayedKey()},
		s.prefix+"job:", ms(now),
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, storeErr(err)
	}
	return ids, nil
}

func (s *JobStore) PurgeCompleted(ctx context.Context, olderThan time.Time) ([]string, error) {
	paths, err := luaPurgeCompleted.Run(ctx, s.client.cli,
		[]string{s.completedKey()},
		s.prefix+"job:", ms(olderThan),
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, storeErr(err)
	}
	return paths, nil
}

func (s *JobStore) ArtifactPaths(ctx context.Context) ([]string, error) {
	paths, err := luaArtifactPaths.Run(ctx, s.client.cli,
		[]string{s.completedKey()},
		s.prefix+"job:",
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, storeErr(err)
	}
	return paths, nil
}

func (s *JobStore) Counts(ctx context.Context) (map[model.JobState]int64, error) {
	pipe := s.client.cli.Pipeline()
	wait := pipe.LLen(ctx, s.waitKey())
	delayed := pipe.ZCard(ctx, s.delayedKey())
	active := pipe.ZCard(ctx, s.activeKey())
	completed := pipe.ZCard(ctx, s.completedKey())
	failed := pipe.ZCard(ctx, s.failedKey())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, storeErr(err)
	}
	return map[model.JobState]int64{
		model.JobStateWaiting:   wait.Val(),
		model.JobStateDelayed:   delayed.Val(),
		model.JobStateActive:    active.Val(),
		model.JobStateCompleted: completed.Val(),
		model.JobStateFailed:    failed.Val(),
	}, nil
}

func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx); err != nil {
		return storeErr(err)
	}
	return nil
}

// KeepAlive runs the periodic ping for the store's connection until ctx is done.
func (s *JobStore) KeepAlive(ctx context.Context, interval time.Duration) {
	s.client.KeepAlive(ctx, interval, s.log)
}

func (s *JobStore) Close() error { return s.client.Close() }

func guardResult(res int64, err error) error {
	if err != nil {
		return storeErr(err)
	}
	switch res {
	case -2:
		return domain.ErrNotFound
	case -1:
		return domain.ErrLeaseLost
	default:
		return nil
	}
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
}

func decodeJob(f map[string]string) (*model.Job, error) {
	job := &model.Job{
		ID: f["id"],
		Payload: model.Payload{
			URL:  f["url"],
			Mode: model.Mode(f["mode"]),
		},
		State:         model.JobState(f["state"]),
		FailureReason: f["failure_reason"],
		LastError:     f["last_error"],
		LeaseToken:    f["lease_token"],
	}
	var err error
	if job.Progress, err = parseFloat(f["progress"]); err != nil {
		return nil, fmt.Errorf("decode progress: %w", domain.ErrReadDatabaseRow)
	}
	job.Attempts, _ = strconv.Atoi(f["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(f["max_attempts"])
	if p := f["result_path"]; p != "" && job.State == model.JobStateCompleted {
		job.Result = &model.JobResult{Path: p, Filename: f["result_filename"]}
	}
	job.RunAt = fromMS(f["run_at"])
	job.LeaseUntil = fromMS(f["lease_until"])
	job.CreatedAt = fromMS(f["created_at"])
	job.UpdatedAt = fromMS(f["updated_at"])
	if t := fromMS(f["processed_at"]); !t.IsZero() {
		job.ProcessedAt = &t
	}
	if t := fromMS(f["finished_at"]); !t.IsZero() {
		job.FinishedAt = &t
	}
	return job, nil
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}
