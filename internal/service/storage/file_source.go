// Package storage abstracts the bucket where scanned files arrive and where
// they are filed after processing.
package storage

import (
	"context"
	"time"
)

// File describes one object sitting in the inbox.
type File struct {
	ID        string
	Name      string
	MimeType  string
	Size      int64
	CreatedAt time.Time
}

// FileSource lists incoming scans and relocates them once processed. Folder
// names are logical; implementations map them onto whatever hierarchy the
// backing store supports.
type FileSource interface {
	Name() string
	ListNew(ctx context.Context) ([]File, error)
	Download(ctx context.Context, id string) ([]byte, error)
	Move(ctx context.Context, id, folder string) (string, error)
	EnsureFolder(ctx context.Context, folder string) error
}
