// Package validator 提供了与外部元数据验证服务交互的客户端。
package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"study-lifecycle-go/internal/config"
	"study-lifecycle-go/pkg/apperr"
	"study-lifecycle-go/pkg/log"
)

// 报告中 task_result.status 的取值。
const (
	ReportSuccess = "success"
	ReportWarning = "warning"
	ReportError   = "error"
)

// TaskResult 是验证报告的汇总结果。
type TaskResult struct {
	Status string `json:"status"`
}

// State 是验证服务返回的一次任务状态。
type State struct {
	Status     string      `json:"status"`
	TaskID     string      `json:"task_id"`
	TaskResult *TaskResult `json:"task_result,omitempty"`
}

// Terminal 报告任务是否已经结束。
func (s State) Terminal() bool {
	switch strings.ToUpper(s.Status) {
	case "SUCCESS", "FAILURE", "FAILED", "COMPLETED", "ERROR", "REVOKED":
		return true
	}
	return s.TaskResult != nil && s.TaskResult.Status != ""
}

// ReportStatus 返回报告状态（小写），任务未产出报告时为空。
func (s State) ReportStatus() string {
	if s.TaskResult == nil {
		return ""
	}
	return strings.ToLower(s.TaskResult.Status)
}

// Client 是验证服务的客户端。
type Client struct {
	baseURL      string
	apiToken     string
	pollInterval time.Duration
	maxPolls     int
	httpClient   *http.Client
}

// NewClient 创建一个新的验证服务客户端。
func NewClient(cfg config.ValidatorConfig) *Client {
	maxPolls := cfg.MaxPolls
	if maxPolls <= 0 {
		maxPolls = 1
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiToken:     cfg.APIToken,
		pollInterval: cfg.PollInterval,
		maxPolls:     maxPolls,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Start 为研究发起一次验证，返回验证服务分配的任务 ID。
func (c *Client) Start(ctx context.Context, studyID string) (State, error) {
	body, _ := json.Marshal(map[string]string{"study_id": studyID})
	return c.do(ctx, http.MethodPost, c.baseURL+"/"+url.PathEscape(studyID), bytes.NewReader(body))
}

// Get 查询一次验证任务的状态。
func (c *Client) Get(ctx context.Context, studyID, taskID string) (State, error) {
	u := c.baseURL + "/" + url.PathEscape(studyID) + "?task_id=" + url.QueryEscape(taskID)
	return c.do(ctx, http.MethodGet, u, nil)
}

// Poll 返回一个惰性的状态序列：每次迭代发起一次 GET，遇到终态、出错或轮询次数用尽时结束。
// 轮询次数用尽时序列最后产出一个 external-error。
func (c *Client) Poll(ctx context.Context, studyID, taskID string) iter.Seq2[State, error] {
	return func(yield func(State, error) bool) {
		for attempt := 0; attempt < c.maxPolls; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					yield(State{}, apperr.External.Wrap(ctx.Err()))
					return
				case <-time.After(c.pollInterval):
				}
			}
			state, err := c.Get(ctx, studyID, taskID)
			if err != nil {
				yield(State{}, err)
				return
			}
			if !yield(state, nil) || state.Terminal() {
				return
			}
		}
		yield(State{}, apperr.External.New("验证任务 %s 在 %d 次轮询后仍未结束", taskID, c.maxPolls))
	}
}

// Validate 发起验证并等待终态。报告状态为 error 时返回 invalid-input，警告可以接受。
func (c *Client) Validate(ctx context.Context, studyID string) (State, error) {
	started, err := c.Start(ctx, studyID)
	if err != nil {
		return State{}, err
	}
	log.Infof("[Validator] 研究 %s 的验证任务已提交: task_id=%s", studyID, started.TaskID)

	final := started
	if !started.Terminal() {
		for state, err := range c.Poll(ctx, studyID, started.TaskID) {
			if err != nil {
				return final, err
			}
			final = state
		}
	}

	switch {
	case final.ReportStatus() == ReportError:
		return final, apperr.InvalidInput.New("研究 %s 验证失败，报告状态为 error", studyID)
	case final.ReportStatus() == "" && strings.EqualFold(final.Status, "FAILURE"):
		return final, apperr.External.New("验证任务 %s 执行失败", final.TaskID)
	}
	log.Infof("[Validator] 研究 %s 验证结束: status=%s, report=%s", studyID, final.Status, final.ReportStatus())
	return final, nil
}

func (c *Client) do(ctx context.Context, method, u string, body io.Reader) (State, error) {
	var state State
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return state, apperr.External.Wrap(fmt.Errorf("创建请求失败: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiToken != "" {
		req.Header.Set("user-token", c.apiToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return state, apperr.External.Wrap(fmt.Errorf("调用验证服务失败: %w", err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return state, apperr.External.Wrap(fmt.Errorf("读取验证服务响应失败: %w", err))
	}
	if resp.StatusCode >= 300 {
		return state, apperr.External.New("验证服务返回错误 [%d]: %s", resp.StatusCode, string(payload))
	}
	if err := json.Unmarshal(payload, &state); err != nil {
		return state, apperr.External.Wrap(fmt.Errorf("解析验证服务响应失败: %w", err))
	}
	return state, nil
}
