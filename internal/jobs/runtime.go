// Package jobs 实现作业运行时：任务链、重试、超时与结果后端。
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"study-lifecycle-go/internal/config"
	"study-lifecycle-go/internal/model"
	"study-lifecycle-go/pkg/apperr"
	"study-lifecycle-go/pkg/log"
	"study-lifecycle-go/pkg/metrics"
	"study-lifecycle-go/pkg/tasks"
)

// Handler 执行一个任务步骤。它可以修改 params，修改后的记录会传给下一步。
type Handler func(ctx context.Context, params *model.PipelineParams) error

// ErrSoftTimeLimit 表示步骤超过软超时；该步骤被判定失败且不再重试。
var ErrSoftTimeLimit = errors.New("soft time limit exceeded")

// Runtime 在 Broker 之上执行任务链。
type Runtime struct {
	broker  Broker
	results *ResultStore
	cfg     config.JobsConfig

	mu       sync.RWMutex
	handlers map[tasks.Kind]Handler

	now   func() time.Time
	fatal func(template string, args ...interface{})
}

// NewRuntime 创建一个新的 Runtime。
func NewRuntime(broker Broker, results *ResultStore, cfg config.JobsConfig) *Runtime {
	return &Runtime{
		broker:   broker,
		results:  results,
		cfg:      cfg,
		handlers: map[tasks.Kind]Handler{},
		now:      func() time.Time { return time.Now().UTC() },
		fatal:    log.Fatalf,
	}
}

// Register 为任务种类登记处理器。
func (r *Runtime) Register(kind tasks.Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Serve 让当前进程消费给定池的消息；实际的拉取循环由 Broker.Run 驱动。
func (r *Runtime) Serve(pools ...tasks.Pool) {
	for _, pool := range pools {
		r.broker.Subscribe(pool, r.Deliver)
	}
}

// Results 返回结果后端。
func (r *Runtime) Results() *ResultStore {
	return r.results
}

// Submit 提交一条任务链，返回任务 ID。链上第 k 步成功后才会启动第 k+1 步；
// 任一步最终失败时以原始载荷调用 onFailure。
func (r *Runtime) Submit(ctx context.Context, chain []tasks.Kind, onFailure tasks.Kind, params model.PipelineParams) (string, error) {
	if len(chain) == 0 {
		return "", apperr.InvalidInput.New("empty task chain")
	}
	env := tasks.Envelope{
		ID:          uuid.NewString(),
		Chain:       chain,
		OnFailure:   onFailure,
		Params:      params,
		Original:    params,
		SubmittedAt: r.now(),
	}
	if err := r.record(ctx, env, StatePending, ""); err != nil {
		return "", apperr.External.Wrap(err)
	}
	log.Infof("[Jobs] 提交任务链 %s: study=%s, chain=%v", env.ID, params.StudyID, chain)
	if err := r.broker.Publish(ctx, chain[0].Pool(), env); err != nil {
		_ = r.record(ctx, env, StateFailure, err.Error())
		return env.ID, apperr.External.Wrap(err)
	}
	return env.ID, nil
}

// Deliver 执行信封的当前步骤。成功则发布下一步；失败则记录结果并投递 on_failure。
func (r *Runtime) Deliver(ctx context.Context, env tasks.Envelope) error {
	kind := env.Current()
	r.mu.RLock()
	handler, ok := r.handlers[kind]
	r.mu.RUnlock()
	if !ok {
		err := apperr.InvalidInput.New("no handler registered for %s", kind)
		r.fail(ctx, env, err)
		return err
	}

	_ = r.record(ctx, env, StateStarted, "")
	start := time.Now()
	params := env.Params
	err := r.run(ctx, &env, kind, handler, &params)
	metrics.JobDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	if err != nil {
		log.Errorf("[Jobs] 任务 %s 步骤 %s 失败: study=%s, err=%v", env.ID, kind, env.Params.StudyID, err)
		env.Params = params
		r.fail(ctx, env, err)
		return nil
	}

	env.Params = params
	if env.Last() {
		log.Infof("[Jobs] 任务链 %s 完成: study=%s", env.ID, env.Params.StudyID)
		metrics.PipelineRuns.WithLabelValues(env.Params.Pipeline, "success").Inc()
		return r.record(ctx, env, StateSuccess, "")
	}
	env.Index++
	env.Attempt = 0
	if err := r.record(ctx, env, StatePending, ""); err != nil {
		log.Warnf("[Jobs] 写入任务结果失败: %v", err)
	}
	if err := r.broker.Publish(ctx, env.Current().Pool(), env); err != nil {
		r.fail(ctx, env, apperr.External.Wrap(err))
		return err
	}
	return nil
}

// run 带重试地执行一步。不可重试的错误和软超时立即返回。
func (r *Runtime) run(ctx context.Context, env *tasks.Envelope, kind tasks.Kind, handler Handler, params *model.PipelineParams) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.InitialBackoff
	policy.MaxInterval = r.cfg.MaxBackoff
	policy.MaxElapsedTime = 0
	retries := r.cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}

	operation := func() error {
		env.Attempt++
		err := r.attempt(ctx, handler, params)
		metrics.JobAttempts.WithLabelValues(string(kind), metrics.Outcome(err)).Inc()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrSoftTimeLimit) || !apperr.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warnf("[Jobs] 任务 %s 步骤 %s 第 %d 次执行失败，%s 后重试: %v", env.ID, kind, env.Attempt, wait, err)
		_ = r.record(ctx, *env, StateRetry, err.Error())
	}
	return backoff.RetryNotify(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx), notify)
}

// attempt 执行一次处理器。超过软超时会取消其 context；处理器在硬超时前仍未返回则视为致命错误。
func (r *Runtime) attempt(ctx context.Context, handler Handler, params *model.PipelineParams) error {
	soft, hard := r.cfg.SoftTimeLimit, r.cfg.HardTimeLimit
	if soft <= 0 {
		soft = 10 * time.Minute
	}
	if hard < soft {
		hard = soft
	}
	stepCtx, cancel := context.WithTimeout(ctx, soft)
	defer cancel()

	work := *params
	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("panic: %v", p)
			}
		}()
		done <- handler(stepCtx, &work)
	}()

	select {
	case err := <-done:
		if err == nil {
			*params = work
			return nil
		}
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: %v", ErrSoftTimeLimit, err)
		}
		return err
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		grace := time.NewTimer(hard - soft)
		defer grace.Stop()
		select {
		case <-done:
			return ErrSoftTimeLimit
		case <-grace.C:
			r.fatal("[Jobs] 任务超过硬超时 %s，worker 退出", hard)
			return fmt.Errorf("hard time limit exceeded")
		}
	}
}

// fail 记录失败并投递 on_failure。on_failure 收到原始载荷，Error 字段带上失败原因。
func (r *Runtime) fail(ctx context.Context, env tasks.Envelope, cause error) {
	metrics.PipelineRuns.WithLabelValues(env.Params.Pipeline, "failure").Inc()
	if err := r.record(ctx, env, StateFailure, cause.Error()); err != nil {
		log.Warnf("[Jobs] 写入任务结果失败: %v", err)
	}
	if env.OnFailure == "" {
		return
	}
	original := env.Original
	original.Error = cause.Error()
	compensation := tasks.Envelope{
		ID:          env.ID + "-on-failure",
		Chain:       []tasks.Kind{env.OnFailure},
		Params:      original,
		Original:    original,
		SubmittedAt: r.now(),
	}
	_ = r.record(ctx, compensation, StatePending, "")
	if err := r.broker.Publish(ctx, env.OnFailure.Pool(), compensation); err != nil {
		log.Errorf("[Jobs] 投递失败回调 %s 失败: task=%s, err=%v", env.OnFailure, env.ID, err)
	}
}

func (r *Runtime) record(ctx context.Context, env tasks.Envelope, state State, errMsg string) error {
	if r.results == nil {
		return nil
	}
	payload, _ := json.Marshal(env.Params)
	return r.results.Set(ctx, Result{
		TaskID:    env.ID,
		State:     state,
		Kind:      string(env.Current()),
		Step:      env.Index + 1,
		Steps:     len(env.Chain),
		Attempt:   env.Attempt,
		StudyID:   env.Params.StudyID,
		Error:     errMsg,
		Payload:   string(payload),
		UpdatedAt: r.now(),
	})
}

// RegisterMonitor 登记 monitor 池的心跳处理器。
func (r *Runtime) RegisterMonitor(worker string) {
	r.Register(tasks.Heartbeat, func(ctx context.Context, params *model.PipelineParams) error {
		name := params.Worker
		if name == "" {
			name = worker
		}
		return r.results.Heartbeat(ctx, name, r.now())
	})
}
