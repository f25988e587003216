package folders

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/afero"

	"study-lifecycle-go/internal/config"
	"study-lifecycle-go/internal/model"
	"study-lifecycle-go/pkg/apperr"
	"study-lifecycle-go/pkg/log"
)

var errSymlinksUnsupported = errors.New("filesystem does not support symlinks")

const (
	dirMode      = 0o750
	metadataMode = 0o640
)

// Maintainer 负责规划并执行研究目录的维护动作。
type Maintainer struct {
	fs     afero.Fs
	links  afero.Symlinker
	layout Layout
	cfg    config.StorageConfig
	now    func() time.Time
}

// NewMaintainer 创建一个新的 Maintainer。fsys 需要支持符号链接（afero.OsFs）。
func NewMaintainer(fsys afero.Fs, cfg config.StorageConfig) *Maintainer {
	links, _ := fsys.(afero.Symlinker)
	return &Maintainer{
		fs:     fsys,
		links:  links,
		layout: NewLayout(cfg),
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Layout 返回路径计算器。
func (m *Maintainer) Layout() Layout {
	return m.layout
}

// Fs 返回底层文件系统。
func (m *Maintainer) Fs() afero.Fs {
	return m.fs
}

// MaintenanceRequest 是一次维护运行的输入。
type MaintenanceRequest struct {
	StudyID             string
	Status              model.StudyStatus
	ExpectedReleaseDate *time.Time
	SubmissionDate      *time.Time
	ObfuscationCode     string
	// PreviousIDs 是研究曾经使用的标识（如分配 accession 之前的提交号），其目录会被迁移到当前标识下。
	PreviousIDs []string
	ClusterMode bool
	Force       bool
	Stage       string
}

// MaintenanceResult 是一次维护运行的输出。
type MaintenanceResult struct {
	StudyID  string   `json:"studyId"`
	Actions  []Action `json:"actions"`
	LogPath  string   `json:"logPath,omitempty"`
	Executed bool     `json:"executed"`
}

// Maintain 规划并执行一次维护运行。
// 相同输入第二次运行不会产生任何动作，也不会写动作日志。
// ClusterMode 下只规划不执行，执行由 data-mover 池完成。
func (m *Maintainer) Maintain(ctx context.Context, req MaintenanceRequest) (*MaintenanceResult, error) {
	if req.StudyID == "" {
		return nil, apperr.InvalidInput.New("study id is required")
	}
	if req.Stage == "" {
		req.Stage = "maintenance"
	}
	started := m.now()
	actions, err := m.Plan(req)
	if err != nil {
		return nil, err
	}
	result := &MaintenanceResult{StudyID: req.StudyID, Actions: actions}
	if len(actions) == 0 {
		log.Infof("[Maintainer] 研究 %s 目录已是最新状态", req.StudyID)
		return result, nil
	}
	if req.ClusterMode {
		log.Infof("[Maintainer] 研究 %s 规划了 %d 个动作（cluster mode，未执行）", req.StudyID, len(actions))
		return result, nil
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	runErr := m.runActions(req.StudyID, result.Actions)
	result.Executed = true
	logPath, logErr := m.writeActionLog(ActionLog{
		StudyID:    req.StudyID,
		Stage:      req.Stage,
		StartedAt:  started,
		FinishedAt: m.now(),
		Actions:    result.Actions,
	})
	if logErr != nil {
		log.Errorf("[Maintainer] 写入研究 %s 的动作日志失败: %v", req.StudyID, logErr)
	}
	result.LogPath = logPath
	log.Infof("[Maintainer] 研究 %s 执行了 %d 个动作, 日志: %s", req.StudyID, len(result.Actions), logPath)
	return result, runErr
}

// Plan 只计算需要执行的动作，不修改文件系统。
func (m *Maintainer) Plan(req MaintenanceRequest) ([]Action, error) {
	var actions []Action
	sid := req.StudyID
	l := m.layout

	// 1. 迁移旧标识下的目录
	moved := map[string]bool{}
	for _, prev := range req.PreviousIDs {
		if prev == "" || prev == sid {
			continue
		}
		pairs := [][2]string{
			{l.MetadataDir(prev), l.MetadataDir(sid)},
			{l.DataDir(prev), l.DataDir(sid)},
			{l.AuditRootDir(prev), l.AuditRootDir(sid)},
			{l.InternalDir(prev), l.InternalDir(sid)},
		}
		if req.ObfuscationCode != "" {
			pairs = append(pairs, [2]string{l.PrivateFTPDir(prev, req.ObfuscationCode), l.PrivateFTPDir(sid, req.ObfuscationCode)})
		}
		for _, p := range pairs {
			actions = append(actions, m.planMigration(p[0], p[1], moved)...)
		}
	}

	// 2. 各存储层的目录
	dirs := []string{
		l.MetadataDir(sid),
		l.DataDir(sid),
		l.AuditDir(sid),
		l.InternalDir(sid),
		l.LogsDir(sid),
		filepath.Dir(l.DataIndexPath(sid)),
		l.PublicMetadataDir(sid),
		filepath.Join(l.PublicMetadataDir(sid), HashesDir),
		l.RevisionsDir(sid),
	}
	if req.Status == model.StatusPublic {
		dirs = append(dirs, l.PublicMirrorDir(sid))
	}
	for _, dir := range dirs {
		if !m.exists(dir) && !moved[dir] {
			actions = append(actions, Action{Type: ActionCreateFolder, Path: dir, Mode: dirMode, Status: ActionPlanned})
		}
	}

	// 3. 私有 FTP 目录与权限
	if req.ObfuscationCode != "" {
		ftpDir := l.PrivateFTPDir(sid, req.ObfuscationCode)
		mode := m.FTPMode(req.Status)
		if !m.exists(ftpDir) && !moved[ftpDir] {
			actions = append(actions, Action{Type: ActionCreateFolder, Path: ftpDir, Mode: mode, Reason: "private ftp folder", Status: ActionPlanned})
		} else {
			actions = append(actions, m.planChmod(ftpDir, mode, req.Force)...)
		}
	}

	// 4. 元数据目录中的符号链接
	links := map[string]string{
		FilesLink:         l.DataDir(sid),
		AuditFilesLink:    l.AuditDir(sid),
		InternalFilesLink: l.InternalDir(sid),
	}
	for _, name := range []string{FilesLink, AuditFilesLink, InternalFilesLink} {
		path := filepath.Join(l.MetadataDir(sid), name)
		if target, ok := m.readlink(path); !ok || target != links[name] {
			reason := "missing"
			if ok {
				reason = "retarget from " + target
			} else if m.links != nil && m.exists(path) {
				// 同名的普通文件或目录是用户内容，先移入回收站
				actions = append(actions, Action{Type: ActionMoveToRecycle, Path: path, Reason: "occupied by a non-symlink", Status: ActionPlanned})
				reason = "replace recycled occupant"
			}
			actions = append(actions, Action{Type: ActionCreateSymlink, Path: path, Target: links[name], Reason: reason, Status: ActionPlanned})
		}
	}

	// 5. 元数据文件名规范化；改名前先做审计快照。
	// 元数据目录本次刚从旧标识迁移过来时，从旧目录读取文件列表。
	sourceDir := l.MetadataDir(sid)
	if moved[sourceDir] {
		for _, prev := range req.PreviousIDs {
			if prev != "" && prev != sid && m.exists(l.MetadataDir(prev)) {
				sourceDir = l.MetadataDir(prev)
				break
			}
		}
	}
	renames, err := m.planSanitise(sourceDir, l.MetadataDir(sid), sid, req.PreviousIDs)
	if err != nil {
		return nil, err
	}
	if len(renames) > 0 {
		actions = append(actions, Action{Type: ActionSnapshotMetadata, Path: l.MetadataDir(sid), Reason: req.Stage, Status: ActionPlanned})
		actions = append(actions, renames...)
	}
	if !m.hasInvestigationVariant(sourceDir) {
		actions = append(actions, Action{
			Type:    ActionWritePlaceholder,
			Path:    filepath.Join(l.MetadataDir(sid), InvestigationFile),
			Mode:    metadataMode,
			Content: investigationTemplate(sid, req.SubmissionDate, req.ExpectedReleaseDate),
			Reason:  "investigation file missing",
			Status:  ActionPlanned,
		})
	}

	// 6. 属主
	if m.cfg.OwnerUID >= 0 || m.cfg.OwnerGID >= 0 {
		for _, dir := range dirs {
			actions = append(actions, m.planChown(dir)...)
		}
	}
	return actions, nil
}

// planMigration 把旧标识目录迁移到新位置。新位置已存在时旧目录为空则删除，否则移入回收站。
func (m *Maintainer) planMigration(from, to string, moved map[string]bool) []Action {
	if !m.exists(from) {
		return nil
	}
	if !m.exists(to) && !moved[to] {
		moved[to] = true
		return []Action{{Type: ActionRenameFile, Path: from, Target: to, Reason: "identifier changed", Status: ActionPlanned}}
	}
	if empty, err := afero.IsEmpty(m.fs, from); err == nil && empty {
		return []Action{{Type: ActionDeleteEmpty, Path: from, Reason: "superseded by " + to, Status: ActionPlanned}}
	}
	return []Action{{Type: ActionMoveToRecycle, Path: from, Reason: "superseded by " + to, Status: ActionPlanned}}
}

// FTPMode 返回研究状态对应的 FTP 目录权限：只有 Provisional 可写。
func (m *Maintainer) FTPMode(status model.StudyStatus) uint32 {
	if status == model.StatusProvisional {
		return uint32(m.cfg.FTPReadWriteMode)
	}
	return uint32(m.cfg.FTPReadOnlyMode)
}

// planChmod 在权限不符时规划 chmod；recursive 时同时检查全部子目录。
func (m *Maintainer) planChmod(dir string, mode uint32, recursive bool) []Action {
	var actions []Action
	check := func(path string, info fs.FileInfo) {
		if uint32(info.Mode().Perm()) != mode {
			actions = append(actions, Action{Type: ActionChmod, Path: path, Mode: mode, Status: ActionPlanned})
		}
	}
	info, err := m.fs.Stat(dir)
	if err != nil {
		return nil
	}
	check(dir, info)
	if !recursive {
		return actions
	}
	_ = afero.Walk(m.fs, dir, func(path string, info fs.FileInfo, err error) error {
		if err != nil || path == dir || !info.IsDir() {
			return nil
		}
		check(path, info)
		return nil
	})
	return actions
}

func (m *Maintainer) planChown(path string) []Action {
	info, err := m.fs.Stat(path)
	if err != nil {
		// 目录尚未创建：创建后再属主化
		return []Action{{Type: ActionChown, Path: path, UID: m.cfg.OwnerUID, GID: m.cfg.OwnerGID, Status: ActionPlanned}}
	}
	uid, gid, ok := fileOwner(info)
	if !ok {
		return nil
	}
	if (m.cfg.OwnerUID < 0 || uid == m.cfg.OwnerUID) && (m.cfg.OwnerGID < 0 || gid == m.cfg.OwnerGID) {
		return nil
	}
	return []Action{{Type: ActionChown, Path: path, UID: m.cfg.OwnerUID, GID: m.cfg.OwnerGID, Status: ActionPlanned}}
}

// SetFTPPermission 把 FTP 目录设为只读或读写并记录动作日志。recursive 时同时处理全部子目录。
func (m *Maintainer) SetFTPPermission(ctx context.Context, studyID, obfuscationCode string, readOnly, recursive bool) ([]Action, error) {
	mode := uint32(m.cfg.FTPReadWriteMode)
	stage := "ftp-read-write"
	if readOnly {
		mode = uint32(m.cfg.FTPReadOnlyMode)
		stage = "ftp-read-only"
	}
	dir := m.layout.PrivateFTPDir(studyID, obfuscationCode)
	if !m.exists(dir) {
		return nil, apperr.FileOp.New("private ftp folder %s does not exist", dir)
	}
	actions := m.planChmod(dir, mode, recursive)
	if len(actions) == 0 {
		return nil, nil
	}
	started := m.now()
	runErr := m.runActions(studyID, actions)
	if _, err := m.writeActionLog(ActionLog{StudyID: studyID, Stage: stage, StartedAt: started, FinishedAt: m.now(), Actions: actions}); err != nil {
		log.Errorf("[Maintainer] 写入研究 %s 的动作日志失败: %v", studyID, err)
	}
	log.Infof("[Maintainer] 研究 %s 的 FTP 目录权限已设置为 %o", studyID, mode)
	return actions, runErr
}

// FTPPermission 返回 FTP 目录当前的权限位。
func (m *Maintainer) FTPPermission(studyID, obfuscationCode string) (uint32, error) {
	info, err := m.fs.Stat(m.layout.PrivateFTPDir(studyID, obfuscationCode))
	if err != nil {
		return 0, apperr.FileOp.Wrap(err)
	}
	return uint32(info.Mode().Perm()), nil
}

// DeleteStudyFolders 把研究在各存储层上的目录全部移入回收站。
func (m *Maintainer) DeleteStudyFolders(ctx context.Context, studyID, obfuscationCode string) ([]Action, error) {
	l := m.layout
	candidates := []string{
		l.MetadataDir(studyID), l.DataDir(studyID), l.AuditRootDir(studyID),
		l.InternalDir(studyID), l.PublicMirrorDir(studyID),
	}
	if obfuscationCode != "" {
		candidates = append(candidates, l.PrivateFTPDir(studyID, obfuscationCode))
	}
	var actions []Action
	for _, dir := range candidates {
		if m.exists(dir) {
			actions = append(actions, Action{Type: ActionMoveToRecycle, Path: dir, Reason: "study folders deleted", Status: ActionPlanned})
		}
	}
	if len(actions) == 0 {
		return nil, nil
	}
	// 动作日志写在回收站中，因为 internal-root 本身也被移走了
	started := m.now()
	runErr := m.runActions(studyID, actions)
	body := ActionLog{StudyID: studyID, Stage: "delete", StartedAt: started, FinishedAt: m.now(), Actions: actions}
	if err := m.writeJSON(filepath.Join(l.RecycleBinDir(studyID), started.Format(TimestampFormat), "actions.json"), body); err != nil {
		log.Errorf("[Maintainer] 写入研究 %s 的删除日志失败: %v", studyID, err)
	}
	return actions, runErr
}

func (m *Maintainer) exists(path string) bool {
	_, err := lstat(m.fs, path)
	return err == nil
}

func (m *Maintainer) readlink(path string) (string, bool) {
	if m.links == nil {
		return "", false
	}
	target, err := m.links.ReadlinkIfPossible(path)
	if err != nil {
		return "", false
	}
	return target, true
}

func (m *Maintainer) hasInvestigationVariant(dir string) bool {
	names, err := m.listMetadataFiles(dir)
	if err != nil {
		return false
	}
	for _, n := range names {
		if isInvestigationName(n) {
			return true
		}
	}
	return false
}

// listMetadataFiles 返回目录第一层中的元数据文件名（已排序）。
func (m *Maintainer) listMetadataFiles(dir string) ([]string, error) {
	entries, err := afero.ReadDir(m.fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Mode().IsRegular() && IsMetadataFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func lstat(fsys afero.Fs, path string) (fs.FileInfo, error) {
	if l, ok := fsys.(afero.Lstater); ok {
		info, _, err := l.LstatIfPossible(path)
		return info, err
	}
	return fsys.Stat(path)
}
