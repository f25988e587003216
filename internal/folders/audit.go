package folders

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"study-lifecycle-go/pkg/apperr"
	"study-lifecycle-go/pkg/log"
)

// snapshotMetadata 把元数据目录第一层的元数据文件复制到
// audit-root/<id>/audit/<ts>_<stage>/，返回快照目录。
func (m *Maintainer) snapshotMetadata(studyID, stage string) (string, error) {
	src := m.layout.MetadataDir(studyID)
	names, err := m.listMetadataFiles(src)
	if err != nil {
		return "", err
	}
	stage = Transliterate(strings.TrimSpace(stage))
	if stage == "" {
		stage = "snapshot"
	}
	dir, err := m.uniqueDir(filepath.Join(m.layout.AuditDir(studyID), m.now().Format(TimestampFormat)+"_"+stage))
	if err != nil {
		return "", err
	}
	for _, n := range names {
		if err := m.copyFile(filepath.Join(src, n), filepath.Join(dir, n)); err != nil {
			return dir, err
		}
	}
	log.Infof("[Maintainer] 研究 %s 元数据审计快照: %s (%d 个文件)", studyID, dir, len(names))
	return dir, nil
}

// SnapshotMetadata 在修改元数据目录之前创建审计快照。
func (m *Maintainer) SnapshotMetadata(studyID, stage string) (string, error) {
	dir, err := m.snapshotMetadata(studyID, stage)
	if err != nil {
		return "", apperr.FileOp.Wrap(err)
	}
	return dir, nil
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}

// investigationTemplate 生成新研究的占位 i_Investigation.txt。
func investigationTemplate(studyID string, submissionDate, releaseDate *time.Time) string {
	lines := []string{
		"ONTOLOGY SOURCE REFERENCE",
		"Term Source Name",
		"Term Source File",
		"Term Source Version",
		"Term Source Description",
		"INVESTIGATION",
		"Investigation Identifier\t" + quote(studyID),
		"Investigation Title",
		"Investigation Description",
		"Investigation Submission Date",
		"Investigation Public Release Date",
		"INVESTIGATION PUBLICATIONS",
		"Investigation PubMed ID",
		"Investigation Publication DOI",
		"Investigation Publication Author List",
		"Investigation Publication Title",
		"Investigation Publication Status",
		"INVESTIGATION CONTACTS",
		"Investigation Person Last Name",
		"Investigation Person First Name",
		"Investigation Person Email",
		"STUDY",
		"Study Identifier\t" + quote(studyID),
		"Study Title",
		"Study Description",
		"Study Submission Date\t" + quote(formatDate(submissionDate)),
		"Study Public Release Date\t" + quote(formatDate(releaseDate)),
		"Study File Name\t" + quote(fmt.Sprintf("s_%s.txt", studyID)),
		"STUDY DESIGN DESCRIPTORS",
		"STUDY PUBLICATIONS",
		"STUDY FACTORS",
		"STUDY ASSAYS",
		"STUDY PROTOCOLS",
		"STUDY CONTACTS",
	}
	return strings.Join(lines, "\n") + "\n"
}

func quote(v string) string {
	return `"` + v + `"`
}
