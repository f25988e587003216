package folders

import (
	"context"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"study-lifecycle-go/pkg/apperr"
	"study-lifecycle-go/pkg/log"
)

// DataFileEntry 是数据文件索引中的一项。
type DataFileEntry struct {
	Name               string  `json:"name"`
	RelativePath       string  `json:"relative_path"`
	IsDir              bool    `json:"is_dir"`
	ModifiedTime       float64 `json:"modified_time"`
	Extension          string  `json:"extension"`
	FileSize           int64   `json:"file_size"`
	IsEmpty            bool    `json:"is_empty"`
	ParentRelativePath string  `json:"parent_relative_path"`
}

// DataIndex 是 DATA_FILES/data_file_index.json 的内容。
type DataIndex struct {
	StudyID       string                   `json:"study_id"`
	IndexDatetime string                   `json:"index_datetime"`
	DataFiles     map[string]DataFileEntry `json:"data_files"`
}

// excludedFromDataIndex 判断文件是否为不进入数据索引的元数据文件。
func excludedFromDataIndex(name string) bool {
	lower := strings.ToLower(name)
	switch {
	case strings.HasPrefix(lower, "m_"):
		return strings.HasSuffix(lower, ".tsv")
	case strings.HasPrefix(lower, "i_"), strings.HasPrefix(lower, "s_"), strings.HasPrefix(lower, "a_"):
		return strings.HasSuffix(lower, ".txt")
	}
	return false
}

// BuildDataIndex 遍历研究的数据目录并生成索引，不跟随符号链接。
func (m *Maintainer) BuildDataIndex(ctx context.Context, studyID string) (*DataIndex, error) {
	root := m.layout.DataDir(studyID)
	index := &DataIndex{
		StudyID:       studyID,
		IndexDatetime: m.now().Format(time.RFC3339),
		DataFiles:     map[string]DataFileEntry{},
	}
	if !m.exists(root) {
		return index, nil
	}
	err := afero.Walk(m.fs, root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !info.IsDir() && excludedFromDataIndex(info.Name()) {
			return nil
		}
		entry := DataFileEntry{
			Name:         info.Name(),
			RelativePath: rel,
			IsDir:        info.IsDir(),
			ModifiedTime: float64(info.ModTime().UnixNano()) / 1e9,
			FileSize:     info.Size(),
		}
		if parent := path.Dir(rel); parent != "." {
			entry.ParentRelativePath = parent
		}
		if info.IsDir() {
			entry.FileSize = 0
			entry.IsEmpty, _ = afero.IsEmpty(m.fs, p)
		} else {
			entry.Extension = strings.ToLower(path.Ext(info.Name()))
			entry.IsEmpty = info.Size() == 0
		}
		index.DataFiles[rel] = entry
		return nil
	})
	if err != nil {
		return nil, apperr.FileOp.Wrap(err)
	}
	return index, nil
}

// WriteDataIndex 重建并以原子替换方式写入数据文件索引。
func (m *Maintainer) WriteDataIndex(ctx context.Context, studyID string) (*DataIndex, error) {
	index, err := m.BuildDataIndex(ctx, studyID)
	if err != nil {
		return nil, err
	}
	if err := m.writeJSON(m.layout.DataIndexPath(studyID), index); err != nil {
		return nil, apperr.FileOp.Wrap(err)
	}
	log.Infof("[Maintainer] 研究 %s 的数据文件索引已更新, 共 %d 项", studyID, len(index.DataFiles))
	return index, nil
}
