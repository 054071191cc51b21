package ports

import (
	"context"
	"errors"
	"io"

	"mediaq/internal/config"
	"mediaq/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid entity")
)

// MediaWorker is the interface served by every worker process.
type MediaWorker interface {
	HandleUploadedFile(ctx context.Context, mediaID string) error
	PurgeDeletedMedia(ctx context.Context) error
}

// ConfigSource is the interface the parent process serves to its workers.
type ConfigSource interface {
	GetConfig(ctx context.Context) (config.TaskWorkerConfig, error)
}

type Notifier interface {
	SendMessage(ctx context.Context, msg domain.Message) error
}

type UploadRemover interface {
	DeleteUploadedFile(ctx context.Context, mediaID string) error
}

type UploadStorage interface {
	UploadRemover
	Save(ctx context.Context, mediaID string, r io.Reader) (int64, error)
	Open(mediaID string) (io.ReadCloser, error)
}

type OwnerLookup interface {
	OwnerOf(ctx context.Context, mediaID string) (domain.User, error)
}

type MediaStore interface {
	OwnerLookup
	Create(ctx context.Context, m domain.Media) error
	Get(ctx context.Context, id string) (*domain.Media, error)
	MarkProcessed(ctx context.Context, id, thumbnailPath string) error
	SoftDelete(ctx context.Context, id string) error
	ListDeleted(ctx context.Context, limit int) ([]domain.Media, error)
	Purge(ctx context.Context, id string) error
}

// RetryStore persists retry state so pending retries survive a restart.
type RetryStore interface {
	Save(ctx context.Context, s domain.RetryState) error
	Delete(ctx context.Context, mediaID string) error
	List(ctx context.Context) ([]domain.RetryState, error)
}
