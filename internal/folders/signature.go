package folders

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// Signatures 是一个修订的两个签名以及数据文件摘要。
type Signatures struct {
	Metadata        string            `json:"metadata"`
	Data            string            `json:"data"`
	MetadataDigests map[string]string `json:"-"`
	DataDigests     map[string]string `json:"-"`
}

// FileDigest 返回文件内容的 SHA-256 十六进制摘要。
func FileDigest(fsys afero.Fs, path string) (string, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CombineDigests 按键排序后拼接各摘要，再计算一次 SHA-256。
// 结果只取决于键与摘要，与遍历顺序无关。
func CombineDigests(digests map[string]string) string {
	keys := make([]string, 0, len(digests))
	for k := range digests {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(digests[k])
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// MetadataDigests 计算目录第一层元数据文件的摘要。
func (m *Maintainer) MetadataDigests(dir string) (map[string]string, error) {
	names, err := m.listMetadataFiles(dir)
	if err != nil {
		return nil, err
	}
	digests := make(map[string]string, len(names))
	for _, n := range names {
		d, err := FileDigest(m.fs, filepath.Join(dir, n))
		if err != nil {
			return nil, err
		}
		digests[n] = d
	}
	return digests, nil
}

// DataDigests 以 HashWorkers 个并发计算数据目录下全部普通文件的摘要，键为相对路径。
func (m *Maintainer) DataDigests(ctx context.Context, dir string) (map[string]string, error) {
	if !m.exists(dir) {
		return map[string]string{}, nil
	}
	var paths []string
	err := afero.Walk(m.fs, dir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	workers := m.cfg.HashWorkers
	if workers <= 0 {
		workers = 4
	}
	var (
		mu      sync.Mutex
		digests = make(map[string]string, len(paths))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, p := range paths {
		p := p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			d, err := FileDigest(m.fs, p)
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(dir, p)
			if err != nil {
				return err
			}
			mu.Lock()
			digests[filepath.ToSlash(rel)] = d
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return digests, nil
}

// ComputeSignatures 计算元数据目录与数据目录的签名。
func (m *Maintainer) ComputeSignatures(ctx context.Context, studyID string) (*Signatures, error) {
	meta, err := m.MetadataDigests(m.layout.MetadataDir(studyID))
	if err != nil {
		return nil, err
	}
	data, err := m.DataDigests(ctx, m.layout.DataDir(studyID))
	if err != nil {
		return nil, err
	}
	return &Signatures{
		Metadata:        CombineDigests(meta),
		Data:            CombineDigests(data),
		MetadataDigests: meta,
		DataDigests:     data,
	}, nil
}

// writeHashes 把签名写入 dir（HASHES 目录）。
func (m *Maintainer) writeHashes(dir string, sig *Signatures) error {
	if err := m.fs.MkdirAll(dir, dirMode); err != nil {
		return err
	}
	if err := afero.WriteFile(m.fs, filepath.Join(dir, MetadataSignatureFile), []byte(sig.Metadata+"\n"), metadataMode); err != nil {
		return err
	}
	if err := afero.WriteFile(m.fs, filepath.Join(dir, DataSignatureFile), []byte(sig.Data+"\n"), metadataMode); err != nil {
		return err
	}
	digests := sig.DataDigests
	if digests == nil {
		digests = map[string]string{}
	}
	return m.writeJSON(filepath.Join(dir, DataDigestsFile), digests)
}
