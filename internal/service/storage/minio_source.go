package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/scanbridge/gradescan/internal/config"
)

// minioSource reads scans from a MinIO bucket. The inbox and destination
// folders are object key prefixes; moving a file is a server-side copy
// followed by a delete, since object stores have no rename.
type minioSource struct {
	client *minio.Client
	bucket string
	inbox  string
	name   string
	logger zerolog.Logger
}

func NewMinioSource(cfg config.MinIOConfig, storageCfg config.StorageConfig, logger zerolog.Logger) (FileSource, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &minioSource{
		client: client,
		bucket: storageCfg.BucketName,
		inbox:  strings.Trim(storageCfg.InboxFolder, "/"),
		name:   storageCfg.SourceName,
		logger: logger,
	}, nil
}

func (s *minioSource) Name() string {
	return s.name
}

// ListNew returns the files currently sitting directly in the inbox folder.
// Folder-marker objects and anything nested deeper are skipped.
func (s *minioSource) ListNew(ctx context.Context) ([]File, error) {
	prefix := s.inbox + "/"

	var files []File
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: false,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list inbox objects: %w", object.Err)
		}
		if strings.HasSuffix(object.Key, "/") || object.Key == prefix {
			continue
		}

		mimeType := object.ContentType
		if mimeType == "" {
			stat, err := s.client.StatObject(ctx, s.bucket, object.Key, minio.StatObjectOptions{})
			if err != nil {
				return nil, fmt.Errorf("failed to stat object %s: %w", object.Key, err)
			}
			mimeType = stat.ContentType
		}

		files = append(files, File{
			ID:        object.Key,
			Name:      path.Base(object.Key),
			MimeType:  mimeType,
			Size:      object.Size,
			CreatedAt: object.LastModified,
		})
	}

	return files, nil
}

func (s *minioSource) Download(ctx context.Context, id string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.bucket, id, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", id, err)
	}
	defer object.Close()

	content, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", id, err)
	}

	return content, nil
}

func (s *minioSource) Move(ctx context.Context, id, folder string) (string, error) {
	dest := strings.Trim(folder, "/") + "/" + path.Base(id)

	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: dest},
		minio.CopySrcOptions{Bucket: s.bucket, Object: id},
	)
	if err != nil {
		return "", fmt.Errorf("failed to copy object %s to %s: %w", id, dest, err)
	}

	if err := s.client.RemoveObject(ctx, s.bucket, id, minio.RemoveObjectOptions{}); err != nil {
		return "", fmt.Errorf("failed to remove object %s after copy: %w", id, err)
	}

	s.logger.Debug().Str("from", id).Str("to", dest).Msg("Moved object")

	return dest, nil
}

// EnsureFolder creates an empty marker object so the folder shows up in
// bucket browsers even before any file lands in it.
func (s *minioSource) EnsureFolder(ctx context.Context, folder string) error {
	key := strings.Trim(folder, "/") + "/"

	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return nil
	}

	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(nil), 0, minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to create folder %s: %w", folder, err)
	}

	return nil
}
