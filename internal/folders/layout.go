// Package folders 维护研究在各存储层上的目录结构。
//
// 一次维护运行先规划出一组 Action，再逐条执行并写入动作日志。
// 删除一律实现为移动到回收站，只有 PurgeRecycleBin 会真正删除文件。
package folders

import (
	"fmt"
	"path/filepath"
	"strings"

	"study-lifecycle-go/internal/config"
)

// 研究目录中的固定名称。
const (
	InvestigationFile     = "i_Investigation.txt"
	FilesLink             = "FILES"
	AuditFilesLink        = "AUDIT_FILES"
	InternalFilesLink     = "INTERNAL_FILES"
	PublicMetadataDir     = "PUBLIC_METADATA"
	HashesDir             = "HASHES"
	MetadataRevisionsDir  = "METADATA_REVISIONS"
	DataFilesDir          = "DATA_FILES"
	DataIndexFile         = "data_file_index.json"
	MetadataSignatureFile = "metadata_files_signature.txt"
	DataSignatureFile     = "data_files_signature.txt"
	DataDigestsFile       = "data_sha256.json"

	// TimestampFormat 用于审计、日志与回收站目录名。
	TimestampFormat = "2006-01-02_15-04-05"
)

// Layout 根据存储配置计算研究在各层上的路径。
type Layout struct {
	cfg config.StorageConfig
}

// NewLayout 创建一个新的 Layout。
func NewLayout(cfg config.StorageConfig) Layout {
	return Layout{cfg: cfg}
}

func (l Layout) MetadataDir(studyID string) string {
	return filepath.Join(l.cfg.StudyMetadataRoot, studyID)
}

func (l Layout) DataDir(studyID string) string {
	return filepath.Join(l.cfg.DataRoot, studyID)
}

// AuditRootDir 是 audit-root/<id>，AuditDir 是其下的 audit 子目录。
func (l Layout) AuditRootDir(studyID string) string {
	return filepath.Join(l.cfg.AuditRoot, studyID)
}

func (l Layout) AuditDir(studyID string) string {
	return filepath.Join(l.AuditRootDir(studyID), "audit")
}

func (l Layout) InternalDir(studyID string) string {
	return filepath.Join(l.cfg.InternalRoot, studyID)
}

func (l Layout) LogsDir(studyID string) string {
	return filepath.Join(l.InternalDir(studyID), "logs")
}

func (l Layout) ClusterLogsDir(studyID string) string {
	return filepath.Join(l.LogsDir(studyID), "cluster")
}

func (l Layout) MaintenanceLogsDir(studyID string) string {
	return filepath.Join(l.LogsDir(studyID), "maintenance")
}

func (l Layout) DataIndexPath(studyID string) string {
	return filepath.Join(l.InternalDir(studyID), DataFilesDir, DataIndexFile)
}

func (l Layout) PublicMetadataDir(studyID string) string {
	return filepath.Join(l.InternalDir(studyID), PublicMetadataDir)
}

func (l Layout) RevisionsDir(studyID string) string {
	return filepath.Join(l.PublicMetadataDir(studyID), MetadataRevisionsDir)
}

// RevisionDir 返回 METADATA_REVISIONS/<id>_<NN>。
func (l Layout) RevisionDir(studyID string, number int) string {
	return filepath.Join(l.RevisionsDir(studyID), RevisionFolderName(studyID, number))
}

// RevisionFolderName 返回修订目录名，修订号至少两位并补零。
func RevisionFolderName(studyID string, number int) string {
	return fmt.Sprintf("%s_%02d", studyID, number)
}

func (l Layout) PublicMirrorDir(studyID string) string {
	return filepath.Join(l.cfg.PublicMirrorRoot, studyID)
}

// PrivateFTPDir 返回 <id 小写>-<混淆码>。
func (l Layout) PrivateFTPDir(studyID, obfuscationCode string) string {
	return filepath.Join(l.cfg.PrivateFTPRoot, strings.ToLower(studyID)+"-"+obfuscationCode)
}

func (l Layout) RecycleBinDir(studyID string) string {
	return filepath.Join(l.cfg.RecycleBinRoot, studyID)
}
