package jobs

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"study-lifecycle-go/pkg/apperr"
)

// State 是结果后端中任务的状态。
type State string

const (
	StatePending State = "PENDING"
	StateStarted State = "STARTED"
	StateRetry   State = "RETRY"
	StateSuccess State = "SUCCESS"
	StateFailure State = "FAILURE"
)

// Result 是任务 ID 对应的结果记录。
type Result struct {
	TaskID    string    `json:"taskId"`
	State     State     `json:"state"`
	Kind      string    `json:"kind"`
	Step      int       `json:"step"`
	Steps     int       `json:"steps"`
	Attempt   int       `json:"attempt"`
	StudyID   string    `json:"studyId"`
	Error     string    `json:"error,omitempty"`
	Payload   string    `json:"payload,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ResultStore 把任务结果保存在 Redis hash 中：jobs:result:<task_id>。
type ResultStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewResultStore 创建一个新的 ResultStore。
func NewResultStore(rdb *redis.Client, ttl time.Duration) *ResultStore {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &ResultStore{rdb: rdb, ttl: ttl}
}

func resultKey(taskID string) string {
	return "jobs:result:" + taskID
}

// Set 写入一条结果记录并刷新过期时间。
func (s *ResultStore) Set(ctx context.Context, res Result) error {
	key := resultKey(res.TaskID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"state":      string(res.State),
		"kind":       res.Kind,
		"step":       res.Step,
		"steps":      res.Steps,
		"attempt":    res.Attempt,
		"study_id":   res.StudyID,
		"error":      res.Error,
		"payload":    res.Payload,
		"updated_at": res.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Get 读取任务结果；不存在时返回 not-found。
func (s *ResultStore) Get(ctx context.Context, taskID string) (*Result, error) {
	fields, err := s.rdb.HGetAll(ctx, resultKey(taskID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, apperr.NotFound.New("task %s", taskID)
	}
	res := &Result{
		TaskID:  taskID,
		State:   State(fields["state"]),
		Kind:    fields["kind"],
		StudyID: fields["study_id"],
		Error:   fields["error"],
		Payload: fields["payload"],
	}
	res.Step, _ = strconv.Atoi(fields["step"])
	res.Steps, _ = strconv.Atoi(fields["steps"])
	res.Attempt, _ = strconv.Atoi(fields["attempt"])
	res.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	return res, nil
}

const heartbeatKey = "jobs:heartbeats"

// Heartbeat 记录 worker 的最近心跳时间。
func (s *ResultStore) Heartbeat(ctx context.Context, worker string, at time.Time) error {
	return s.rdb.HSet(ctx, heartbeatKey, worker, at.UTC().Format(time.RFC3339Nano)).Err()
}

// Heartbeats 返回所有 worker 的最近心跳。
func (s *ResultStore) Heartbeats(ctx context.Context) (map[string]time.Time, error) {
	fields, err := s.rdb.HGetAll(ctx, heartbeatKey).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(fields))
	for worker, v := range fields {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			out[worker] = t
		}
	}
	return out, nil
}
