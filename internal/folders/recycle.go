package folders

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"

	"study-lifecycle-go/pkg/apperr"
	"study-lifecycle-go/pkg/log"
)

// moveToRecycle 把 path 移动到 recycle-bin/<id>/<ts>/<原绝对路径>，返回目标路径。
func (m *Maintainer) moveToRecycle(studyID, path string) (string, error) {
	base := filepath.Join(m.layout.RecycleBinDir(studyID), m.now().Format(TimestampFormat),
		strings.TrimPrefix(filepath.Clean(path), string(filepath.Separator)))
	dest := base
	for i := 1; m.exists(dest); i++ {
		dest = base + "." + strconv.Itoa(i)
	}
	if err := m.fs.MkdirAll(filepath.Dir(dest), dirMode); err != nil {
		return "", err
	}
	if err := m.fs.Rename(path, dest); err != nil {
		return "", err
	}
	log.Infof("[Maintainer] 已移入回收站: %s -> %s", path, dest)
	return dest, nil
}

// MoveToRecycle 把单个路径移入研究的回收站。
func (m *Maintainer) MoveToRecycle(studyID, path string) (string, error) {
	dest, err := m.moveToRecycle(studyID, path)
	if err != nil {
		return "", apperr.FileOp.Wrap(err)
	}
	return dest, nil
}

// PurgeRecycleBin 删除回收站中早于 olderThan 的批次。studyID 为空时处理全部研究。
// 这是唯一会真正删除文件的代码路径。
func (m *Maintainer) PurgeRecycleBin(ctx context.Context, studyID string, olderThan time.Duration) ([]string, error) {
	root := m.cfg.RecycleBinRoot
	var studies []string
	if studyID != "" {
		studies = []string{studyID}
	} else {
		entries, err := afero.ReadDir(m.fs, root)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, apperr.FileOp.Wrap(err)
		}
		for _, e := range entries {
			if e.IsDir() {
				studies = append(studies, e.Name())
			}
		}
	}

	cutoff := m.now().Add(-olderThan)
	var removed []string
	for _, sid := range studies {
		entries, err := afero.ReadDir(m.fs, m.layout.RecycleBinDir(sid))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, apperr.FileOp.Wrap(err)
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return removed, err
			}
			name := e.Name()
			if len(name) < len(TimestampFormat) {
				continue
			}
			ts, err := time.Parse(TimestampFormat, name[:len(TimestampFormat)])
			if err != nil || !ts.Before(cutoff) {
				continue
			}
			path := filepath.Join(m.layout.RecycleBinDir(sid), name)
			if err := m.fs.RemoveAll(path); err != nil {
				return removed, apperr.FileOp.Wrap(err)
			}
			removed = append(removed, path)
			log.Infof("[Maintainer] 已清理回收站批次: %s", path)
		}
	}
	return removed, nil
}

func (m *Maintainer) writeJSON(path string, v interface{}) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := m.fs.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(m.fs, tmp, body, 0o640); err != nil {
		return err
	}
	return m.fs.Rename(tmp, path)
}

// copyFile 复制单个文件并保留权限位。
func (m *Maintainer) copyFile(src, dst string) error {
	info, err := m.fs.Stat(src)
	if err != nil {
		return err
	}
	body, err := afero.ReadFile(m.fs, src)
	if err != nil {
		return err
	}
	if err := m.fs.MkdirAll(filepath.Dir(dst), dirMode); err != nil {
		return err
	}
	return afero.WriteFile(m.fs, dst, body, info.Mode().Perm())
}

// copyTree 复制目录树中的普通文件，skip 返回 true 的顶层条目被跳过。
func (m *Maintainer) copyTree(src, dst string, skip func(name string) bool) error {
	return afero.Walk(m.fs, src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil || rel == "." {
			return err
		}
		top := strings.SplitN(rel, string(filepath.Separator), 2)[0]
		if skip != nil && skip(top) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return m.fs.MkdirAll(target, dirMode)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return m.copyFile(path, target)
	})
}
