// Package storage 提供了与对象存储服务（MinIO）交互的功能，用于下游数据归档。
package storage

import (
	"context"
	"io"
	"io/fs"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/afero"

	"study-lifecycle-go/internal/config"
	"study-lifecycle-go/pkg/apperr"
	"study-lifecycle-go/pkg/log"
)

// ObjectStore 是归档所需的对象存储操作，*minio.Client 实现了它。
type ObjectStore interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// NewMinIO 初始化 MinIO 客户端并确保指定的存储桶存在。
func NewMinIO(ctx context.Context, cfg config.MinIOConfig) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	log.Info("MinIO 客户端初始化成功")

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, err
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
		log.Infof("存储桶 '%s' 创建成功", cfg.BucketName)
	}
	return client, nil
}

// Archiver 把本地目录树上传到归档存储桶。
type Archiver struct {
	store  ObjectStore
	bucket string
	fs     afero.Fs
}

// NewArchiver 创建一个新的 Archiver。
func NewArchiver(store ObjectStore, bucket string, fsys afero.Fs) *Archiver {
	return &Archiver{store: store, bucket: bucket, fs: fsys}
}

// ArchiveTree 上传 root 下的所有普通文件，对象名为 prefix/<相对路径>。返回上传的对象数。
func (a *Archiver) ArchiveTree(ctx context.Context, root, prefix string) (int, error) {
	uploaded := 0
	err := afero.Walk(a.fs, root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		f, err := a.fs.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()

		object := path.Join(prefix, filepath.ToSlash(rel))
		if _, err := a.store.PutObject(ctx, a.bucket, object, f, info.Size(), minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		}); err != nil {
			return apperr.External.Wrap(err)
		}
		uploaded++
		return nil
	})
	if err != nil {
		return uploaded, apperr.External.Wrap(err)
	}
	log.Infof("[Archive] %s 已上传 %d 个对象到 %s/%s", root, uploaded, a.bucket, prefix)
	return uploaded, nil
}
