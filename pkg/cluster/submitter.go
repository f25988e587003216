// Package cluster 负责向外部批处理调度器提交 shell 脚本作业。
package cluster

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"

	"study-lifecycle-go/internal/config"
	"study-lifecycle-go/pkg/apperr"
	"study-lifecycle-go/pkg/log"
)

// JobSpec 描述一次集群作业提交。
type JobSpec struct {
	Name    string // 作业名，同时用作脚本和日志文件名
	StudyID string
	// LogDir 位于研究的 internal-root 下，脚本、stdout 和 stderr 都写在这里。
	LogDir string
	Script string
}

// Submission 是一次成功提交的结果。
type Submission struct {
	JobID      string
	ScriptPath string
	StdoutPath string
	StderrPath string
}

// Submitter 提交集群作业并返回调度器分配的作业 ID。
type Submitter interface {
	Submit(ctx context.Context, spec JobSpec) (*Submission, error)
}

// ShellSubmitter 通过调度器命令行（如 sbatch）提交作业。
type ShellSubmitter struct {
	command string
	args    []string
}

// NewShellSubmitter 创建一个新的 ShellSubmitter。
func NewShellSubmitter(cfg config.ClusterConfig) *ShellSubmitter {
	return &ShellSubmitter{command: cfg.SubmitCommand, args: cfg.SubmitArgs}
}

var jobIDPattern = regexp.MustCompile(`\d+`)

// ParseJobID 从调度器输出中提取作业 ID（第一段数字）。
func ParseJobID(output string) (string, bool) {
	id := jobIDPattern.FindString(output)
	return id, id != ""
}

// Submit 写出脚本并提交。调度器的输出被追加到 <name>.submit.log。
func (s *ShellSubmitter) Submit(ctx context.Context, spec JobSpec) (*Submission, error) {
	if err := os.MkdirAll(spec.LogDir, 0o750); err != nil {
		return nil, apperr.FileOp.Wrap(err)
	}
	sub := &Submission{
		ScriptPath: filepath.Join(spec.LogDir, spec.Name+".sh"),
		StdoutPath: filepath.Join(spec.LogDir, spec.Name+".out"),
		StderrPath: filepath.Join(spec.LogDir, spec.Name+".err"),
	}
	if err := os.WriteFile(sub.ScriptPath, []byte(spec.Script), 0o750); err != nil {
		return nil, apperr.FileOp.Wrap(err)
	}

	args := append([]string{}, s.args...)
	args = append(args,
		"--job-name="+spec.Name,
		"--output="+sub.StdoutPath,
		"--error="+sub.StderrPath,
		sub.ScriptPath,
	)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.command, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	logPath := filepath.Join(spec.LogDir, spec.Name+".submit.log")
	record := fmt.Sprintf("$ %s %s\n%s%s", s.command, strings.Join(args, " "), stdout.String(), stderr.String())
	if err := os.WriteFile(logPath, []byte(record), 0o640); err != nil {
		log.Warnf("[Cluster] 写入提交日志失败: %s, err=%v", logPath, err)
	}
	if runErr != nil {
		return nil, apperr.External.New("提交集群作业 %s 失败: %v: %s", spec.Name, runErr, strings.TrimSpace(stderr.String()))
	}

	id, ok := ParseJobID(stdout.String())
	if !ok {
		return nil, apperr.External.New("无法从调度器输出中解析作业 ID: %q", stdout.String())
	}
	sub.JobID = id
	log.Infof("[Cluster] 研究 %s 的作业 %s 已提交, job_id=%s", spec.StudyID, spec.Name, id)
	return sub, nil
}

// MirrorSyncRequest 是镜像同步脚本的参数。
type MirrorSyncRequest struct {
	StudyID        string
	RevisionNumber int
	RsyncCommand   string
	Transfers      []Transfer
	CallbackURL    string
	CallbackToken  string
}

// Transfer 是一次 rsync 的源与目标。以 "/" 结尾的源目录会同步其内容。
type Transfer struct {
	Source string
	Target string
}

var mirrorSyncTemplate = template.Must(template.New("mirror-sync").Parse(`#!/bin/bash
set -u
report() {
{{- if .CallbackURL }}
  curl -s -X PUT {{ printf "%q" .CallbackURL }} \
    -H "user-token: {{ .CallbackToken }}" \
    -H "Content-Type: application/json" \
    -d "{\"task_status\": \"$1\", \"task_message\": \"$2\"}"
{{- else }}
  echo "$1: $2"
{{- end }}
}
{{- range .Transfers }}
mkdir -p {{ printf "%q" .Target }} || { report FAILED "mkdir failed: {{ .Target }}"; exit 1; }
{{ $.RsyncCommand }} -rlt --chmod=Du=rwx,Dg=rx,Do=rx,Fu=rw,Fg=r,Fo=r {{ printf "%q" .Source }} {{ printf "%q" .Target }} || { report FAILED "rsync failed: {{ .Source }}"; exit 1; }
{{- end }}
report COMPLETED "{{ .StudyID }} revision {{ .RevisionNumber }} synchronised"
`))

// RenderMirrorSync 生成镜像同步脚本：rsync 成功后回调 COMPLETED，失败回调 FAILED。
// CallbackURL 为空时只把结果写到作业日志。
func RenderMirrorSync(req MirrorSyncRequest) (string, error) {
	var buf bytes.Buffer
	if err := mirrorSyncTemplate.Execute(&buf, req); err != nil {
		return "", err
	}
	return buf.String(), nil
}
