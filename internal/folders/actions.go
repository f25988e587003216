package folders

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/afero"

	"study-lifecycle-go/pkg/apperr"
	"study-lifecycle-go/pkg/log"
	"study-lifecycle-go/pkg/metrics"
)

// ActionType 是维护动作的类型。
type ActionType string

const (
	ActionCreateFolder     ActionType = "create-folder"
	ActionCreateSymlink    ActionType = "create-symlink"
	ActionChmod            ActionType = "chmod"
	ActionChown            ActionType = "chown"
	ActionMoveToRecycle    ActionType = "move-to-recycle"
	ActionWritePlaceholder ActionType = "write-placeholder"
	ActionDeleteEmpty      ActionType = "delete-empty"
	ActionRenameFile       ActionType = "rename-file"
	ActionSnapshotMetadata ActionType = "snapshot-metadata"
)

// ActionStatus 是动作的执行状态。
type ActionStatus string

const (
	ActionPlanned ActionStatus = "planned"
	ActionSuccess ActionStatus = "success"
	ActionFailed  ActionStatus = "failed"
	ActionSkipped ActionStatus = "skipped"
)

// Action 是一次维护运行中的单个文件系统变更。
type Action struct {
	Type    ActionType   `json:"type"`
	Path    string       `json:"path"`
	Target  string       `json:"target,omitempty"`
	Mode    uint32       `json:"mode,omitempty"`
	UID     int          `json:"uid,omitempty"`
	GID     int          `json:"gid,omitempty"`
	Content string       `json:"-"`
	Reason  string       `json:"reason,omitempty"`
	Status  ActionStatus `json:"status"`
	Error   string       `json:"error,omitempty"`
	At      *time.Time   `json:"at,omitempty"`
}

// ActionLog 是持久化到 internal-root/<id>/logs/maintenance/<ts>/actions.json 的动作日志。
type ActionLog struct {
	StudyID     string    `json:"studyId"`
	Stage       string    `json:"stage"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
	ClusterMode bool      `json:"clusterMode"`
	Actions     []Action  `json:"actions"`
	Warnings    []string  `json:"warnings,omitempty"`
}

// runActions 依序执行动作，遇到第一个失败即停止，其余动作标记为 skipped。
func (m *Maintainer) runActions(studyID string, actions []Action) error {
	var firstErr error
	for i := range actions {
		a := &actions[i]
		if firstErr != nil {
			a.Status = ActionSkipped
			continue
		}
		at := m.now()
		a.At = &at
		if err := m.apply(studyID, a); err != nil {
			a.Status = ActionFailed
			a.Error = err.Error()
			firstErr = apperr.FileOp.New("%s %s: %v", a.Type, a.Path, err)
			log.Errorf("[Maintainer] 研究 %s 动作失败: %s %s, err=%v", studyID, a.Type, a.Path, err)
		} else {
			a.Status = ActionSuccess
		}
		metrics.MaintenanceActions.WithLabelValues(string(a.Type), string(a.Status)).Inc()
	}
	return firstErr
}

func (m *Maintainer) apply(studyID string, a *Action) error {
	switch a.Type {
	case ActionCreateFolder:
		if err := m.fs.MkdirAll(a.Path, fs.FileMode(a.Mode)); err != nil {
			return err
		}
		return m.fs.Chmod(a.Path, fs.FileMode(a.Mode))
	case ActionCreateSymlink:
		if m.links == nil {
			return errSymlinksUnsupported
		}
		if info, err := lstat(m.fs, a.Path); err == nil {
			// 只移除旧链接本身；其他占位者必须已经进了回收站
			if info.Mode()&fs.ModeSymlink == 0 {
				return os.ErrExist
			}
			if err := m.fs.Remove(a.Path); err != nil {
				return err
			}
		}
		return m.links.SymlinkIfPossible(a.Target, a.Path)
	case ActionChmod:
		return m.fs.Chmod(a.Path, fs.FileMode(a.Mode))
	case ActionChown:
		return m.fs.Chown(a.Path, a.UID, a.GID)
	case ActionMoveToRecycle:
		dest, err := m.moveToRecycle(studyID, a.Path)
		a.Target = dest
		return err
	case ActionWritePlaceholder:
		if err := m.fs.MkdirAll(filepath.Dir(a.Path), 0o755); err != nil {
			return err
		}
		return afero.WriteFile(m.fs, a.Path, []byte(a.Content), fs.FileMode(a.Mode))
	case ActionDeleteEmpty:
		empty, err := afero.IsEmpty(m.fs, a.Path)
		if err != nil {
			return err
		}
		if !empty {
			return os.ErrExist
		}
		return m.fs.Remove(a.Path)
	case ActionRenameFile:
		if _, err := lstat(m.fs, a.Target); err == nil {
			return os.ErrExist
		}
		if err := m.fs.MkdirAll(filepath.Dir(a.Target), 0o755); err != nil {
			return err
		}
		return m.fs.Rename(a.Path, a.Target)
	case ActionSnapshotMetadata:
		dir, err := m.snapshotMetadata(studyID, a.Reason)
		a.Target = dir
		return err
	}
	return apperr.InvalidInput.New("unknown action type %q", a.Type)
}

// writeActionLog 把动作日志写入维护日志目录，返回文件路径。
func (m *Maintainer) writeActionLog(entry ActionLog) (string, error) {
	dir, err := m.uniqueDir(filepath.Join(m.layout.MaintenanceLogsDir(entry.StudyID), entry.StartedAt.Format(TimestampFormat)))
	if err != nil {
		return "", err
	}
	body, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "actions.json")
	if err := afero.WriteFile(m.fs, path, body, 0o640); err != nil {
		return "", err
	}
	return path, nil
}

// uniqueDir 创建 base 目录；已存在时依次尝试 base_1、base_2 ...
func (m *Maintainer) uniqueDir(base string) (string, error) {
	dir := base
	for i := 1; ; i++ {
		if _, err := m.fs.Stat(dir); os.IsNotExist(err) {
			break
		}
		dir = base + "_" + strconv.Itoa(i)
	}
	if err := m.fs.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	return dir, nil
}
