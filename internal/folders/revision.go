package folders

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"study-lifecycle-go/pkg/apperr"
	"study-lifecycle-go/pkg/log"
)

// RevisionFolderRequest 描述一次修订目录的物化。
type RevisionFolderRequest struct {
	StudyID          string
	RevisionNumber   int
	RevisionDatetime time.Time
	Comment          string
}

// RevisionFolderResult 是物化结果。
type RevisionFolderResult struct {
	RevisionDir string      `json:"revisionDir"`
	AuditDir    string      `json:"auditDir"`
	Signatures  *Signatures `json:"signatures"`
	Recycled    []string    `json:"recycled,omitempty"`
}

// CreateRevisionFolder 更新 i_Investigation.txt 中的修订块，计算签名，
// 把元数据复制到 METADATA_REVISIONS/<id>_<NN>/ 并刷新 PUBLIC_METADATA 顶层的最新视图。
// 重试时已存在的同号修订目录先移入回收站。
func (m *Maintainer) CreateRevisionFolder(ctx context.Context, req RevisionFolderRequest) (*RevisionFolderResult, error) {
	sid := req.StudyID
	if sid == "" || req.RevisionNumber <= 0 {
		return nil, apperr.InvalidInput.New("invalid revision request for study %q", sid)
	}
	result := &RevisionFolderResult{RevisionDir: m.layout.RevisionDir(sid, req.RevisionNumber)}

	auditDir, err := m.snapshotMetadata(sid, fmt.Sprintf("revision_%02d", req.RevisionNumber))
	if err != nil {
		return nil, apperr.FileOp.Wrap(err)
	}
	result.AuditDir = auditDir

	if err := m.WriteRevisionBlock(sid, &RevisionBlock{
		Number: req.RevisionNumber,
		Date:   req.RevisionDatetime,
		Log:    req.Comment,
	}); err != nil {
		return nil, err
	}

	sig, err := m.ComputeSignatures(ctx, sid)
	if err != nil {
		return nil, apperr.FileOp.Wrap(err)
	}
	result.Signatures = sig

	if m.exists(result.RevisionDir) {
		dest, err := m.moveToRecycle(sid, result.RevisionDir)
		if err != nil {
			return nil, apperr.FileOp.Wrap(err)
		}
		result.Recycled = append(result.Recycled, dest)
		log.Warnf("[Maintainer] 研究 %s 的修订目录 %s 已存在，旧内容移入回收站: %s", sid, result.RevisionDir, dest)
	}
	if err := m.fs.MkdirAll(result.RevisionDir, dirMode); err != nil {
		return nil, apperr.FileOp.Wrap(err)
	}
	src := m.layout.MetadataDir(sid)
	for name := range sig.MetadataDigests {
		if err := m.copyFile(filepath.Join(src, name), filepath.Join(result.RevisionDir, name)); err != nil {
			return nil, apperr.FileOp.Wrap(err)
		}
	}
	if err := m.writeHashes(filepath.Join(result.RevisionDir, HashesDir), sig); err != nil {
		return nil, apperr.FileOp.Wrap(err)
	}

	recycled, err := m.RestoreLatestView(sid, req.RevisionNumber)
	result.Recycled = append(result.Recycled, recycled...)
	if err != nil {
		return result, err
	}
	log.Infof("[Maintainer] 研究 %s 的修订 %d 已物化: %s", sid, req.RevisionNumber, result.RevisionDir)
	return result, nil
}

// RestoreLatestView 把 PUBLIC_METADATA 顶层内容（METADATA_REVISIONS 除外）移入回收站，
// 再复制修订 number 的内容。number 为 0 时只清空。
func (m *Maintainer) RestoreLatestView(studyID string, number int) ([]string, error) {
	publicDir := m.layout.PublicMetadataDir(studyID)
	var recycled []string
	entries, err := afero.ReadDir(m.fs, publicDir)
	if err != nil && !m.exists(publicDir) {
		entries = nil
	} else if err != nil {
		return nil, apperr.FileOp.Wrap(err)
	}
	for _, e := range entries {
		if e.Name() == MetadataRevisionsDir {
			continue
		}
		dest, err := m.moveToRecycle(studyID, filepath.Join(publicDir, e.Name()))
		if err != nil {
			return recycled, apperr.FileOp.Wrap(err)
		}
		recycled = append(recycled, dest)
	}
	if number <= 0 {
		return recycled, nil
	}
	revDir := m.layout.RevisionDir(studyID, number)
	if !m.exists(revDir) {
		return recycled, apperr.FileOp.New("revision folder %s does not exist", revDir)
	}
	if err := m.copyTree(revDir, publicDir, nil); err != nil {
		return recycled, apperr.FileOp.Wrap(err)
	}
	return recycled, nil
}

// RemoveRevisionFolder 把修订目录移入回收站；目录不存在时什么也不做。
func (m *Maintainer) RemoveRevisionFolder(studyID string, number int) (string, error) {
	dir := m.layout.RevisionDir(studyID, number)
	if !m.exists(dir) {
		return "", nil
	}
	dest, err := m.moveToRecycle(studyID, dir)
	if err != nil {
		return "", apperr.FileOp.Wrap(err)
	}
	return dest, nil
}

// WriteRevisionBlock 改写元数据目录中 i_Investigation.txt 的修订块；block 为 nil 时删除修订块。
func (m *Maintainer) WriteRevisionBlock(studyID string, block *RevisionBlock) error {
	path := filepath.Join(m.layout.MetadataDir(studyID), InvestigationFile)
	content, err := afero.ReadFile(m.fs, path)
	if err != nil {
		return apperr.FileOp.New("read %s: %v", path, err)
	}
	var updated []byte
	if block == nil {
		updated = RemoveRevisionBlock(content)
	} else {
		updated = UpdateRevisionBlock(content, *block)
	}
	info, err := m.fs.Stat(path)
	if err != nil {
		return apperr.FileOp.Wrap(err)
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(m.fs, tmp, updated, info.Mode().Perm()); err != nil {
		return apperr.FileOp.Wrap(err)
	}
	if err := m.fs.Rename(tmp, path); err != nil {
		return apperr.FileOp.Wrap(err)
	}
	return nil
}

// ReadRevisionFolderBlock 读取修订目录中 i_Investigation.txt 的修订块。
func (m *Maintainer) ReadRevisionFolderBlock(studyID string, number int) (*RevisionBlock, error) {
	content, err := afero.ReadFile(m.fs, filepath.Join(m.layout.RevisionDir(studyID, number), InvestigationFile))
	if err != nil {
		return nil, apperr.FileOp.Wrap(err)
	}
	block, ok, err := ReadRevisionBlock(content)
	if err != nil {
		return nil, apperr.FileOp.Wrap(err)
	}
	if !ok {
		return nil, nil
	}
	return &block, nil
}

// VerifyResult 是修订签名校验的结果。
type VerifyResult struct {
	StudyID           string   `json:"studyId"`
	RevisionNumber    int      `json:"revisionNumber"`
	MetadataSignature string   `json:"metadataSignature"`
	DataSignature     string   `json:"dataSignature"`
	MetadataMatch     bool     `json:"metadataMatch"`
	DataMatch         bool     `json:"dataMatch"`
	Warnings          []string `json:"warnings,omitempty"`
}

// OK 两个签名都一致时为 true。
func (v *VerifyResult) OK() bool {
	return v.MetadataMatch && v.DataMatch
}

// VerifyRevision 重新计算修订目录中元数据文件与研究数据目录中全部文件的摘要，并与 HASHES 中保存的值比较。
// 数据目录在修订之间可以变化，因此较早的修订出现数据差异是正常的。
// 不一致只产生警告并写入动作日志，不返回错误。
func (m *Maintainer) VerifyRevision(ctx context.Context, studyID string, number int) (*VerifyResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	revDir := m.layout.RevisionDir(studyID, number)
	hashesDir := filepath.Join(revDir, HashesDir)
	storedMeta, err := m.readSignature(filepath.Join(hashesDir, MetadataSignatureFile))
	if err != nil {
		return nil, apperr.FileOp.Wrap(err)
	}
	storedData, err := m.readSignature(filepath.Join(hashesDir, DataSignatureFile))
	if err != nil {
		return nil, apperr.FileOp.Wrap(err)
	}
	metaDigests, err := m.MetadataDigests(revDir)
	if err != nil {
		return nil, apperr.FileOp.Wrap(err)
	}
	body, err := afero.ReadFile(m.fs, filepath.Join(hashesDir, DataDigestsFile))
	if err != nil {
		return nil, apperr.FileOp.Wrap(err)
	}
	recorded := map[string]string{}
	if err := json.Unmarshal(body, &recorded); err != nil {
		return nil, apperr.FileOp.Wrap(err)
	}
	dataDigests, err := m.DataDigests(ctx, m.layout.DataDir(studyID))
	if err != nil {
		return nil, apperr.FileOp.Wrap(err)
	}

	result := &VerifyResult{
		StudyID:           studyID,
		RevisionNumber:    number,
		MetadataSignature: CombineDigests(metaDigests),
		DataSignature:     CombineDigests(dataDigests),
	}
	result.MetadataMatch = result.MetadataSignature == storedMeta
	result.DataMatch = result.DataSignature == storedData
	if !result.MetadataMatch {
		result.Warnings = append(result.Warnings, fmt.Sprintf("metadata signature mismatch: stored %s, computed %s", storedMeta, result.MetadataSignature))
	}
	if !result.DataMatch {
		result.Warnings = append(result.Warnings, fmt.Sprintf("data signature mismatch: stored %s, computed %s", storedData, result.DataSignature))
		if changed := diffDigests(recorded, dataDigests); len(changed) > 0 {
			result.Warnings = append(result.Warnings, "data files changed: "+strings.Join(changed, ", "))
		}
	}
	if len(result.Warnings) > 0 {
		now := m.now()
		if _, err := m.writeActionLog(ActionLog{
			StudyID:    studyID,
			Stage:      fmt.Sprintf("verify-revision-%02d", number),
			StartedAt:  now,
			FinishedAt: now,
			Warnings:   result.Warnings,
		}); err != nil {
			log.Errorf("[Maintainer] 写入研究 %s 的校验日志失败: %v", studyID, err)
		}
		log.Warnf("[Maintainer] 研究 %s 修订 %d 签名校验不一致: %s", studyID, number, strings.Join(result.Warnings, "; "))
	}
	return result, nil
}

// diffDigests 返回两份摘要清单中新增、删除或内容不同的相对路径（已排序，最多 maxDiffPaths 个）。
func diffDigests(recorded, current map[string]string) []string {
	var changed []string
	for p, d := range current {
		if recorded[p] != d {
			changed = append(changed, p)
		}
	}
	for p := range recorded {
		if _, ok := current[p]; !ok {
			changed = append(changed, p)
		}
	}
	sort.Strings(changed)
	if len(changed) > maxDiffPaths {
		changed = append(changed[:maxDiffPaths], fmt.Sprintf("... %d more", len(changed)-maxDiffPaths))
	}
	return changed
}

const maxDiffPaths = 20

func (m *Maintainer) readSignature(path string) (string, error) {
	body, err := afero.ReadFile(m.fs, path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}
