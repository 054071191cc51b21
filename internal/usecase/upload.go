package usecase

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"mediaq/internal/domain"
	"mediaq/internal/metrics"
	"mediaq/internal/ports"
	"mediaq/internal/taskmanager"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrOverloaded    = errors.New("too many tasks in progress")
	ErrTooLarge      = errors.New("upload exceeds size limit")
	ErrInvalidUpload = errors.New("invalid upload")
)

// sniffLen is how much of an upload is inspected to detect its type.
const sniffLen = 3072

// TaskStarter is the part of the task manager the upload flow drives.
type TaskStarter interface {
	CanStartTask() bool
	HandleUploadedFile(ctx context.Context, mediaID string, attempt int) taskmanager.Outcome
}

type UploadRequest struct {
	OwnerID  string
	Filename string
	Body     io.Reader
}

// Uploader accepts uploads and starts their processing. Processing runs
// with the context given to NewUploader, not the request's.
type Uploader struct {
	Tasks    TaskStarter
	Store    ports.MediaStore
	Files    ports.UploadStorage
	MaxBytes int64

	ctx context.Context
	log zerolog.Logger
	wg  sync.WaitGroup
}

func NewUploader(ctx context.Context, tasks TaskStarter, store ports.MediaStore, files ports.UploadStorage, maxBytes int64, logger zerolog.Logger) *Uploader {
	return &Uploader{
		Tasks:    tasks,
		Store:    store,
		Files:    files,
		MaxBytes: maxBytes,
		ctx:      ctx,
		log:      logger.With().Str("component", "uploader").Logger(),
	}
}

// Upload stores a new file and starts processing it. Admission is checked
// before anything is written.
func (u *Uploader) Upload(ctx context.Context, req UploadRequest) (domain.Media, error) {
	if !u.Tasks.CanStartTask() {
		metrics.UploadsRejected.Inc()
		return domain.Media{}, ErrOverloaded
	}
	if req.OwnerID == "" || req.Filename == "" || req.Body == nil {
		return domain.Media{}, fmt.Errorf("%w: owner and file are required", ErrInvalidUpload)
	}

	br := bufio.NewReaderSize(req.Body, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return domain.Media{}, fmt.Errorf("read upload: %w", err)
	}
	if len(head) == 0 {
		return domain.Media{}, fmt.Errorf("%w: empty file", ErrInvalidUpload)
	}
	mime := mimetype.Detect(head)

	m := domain.Media{
		ID:          uuid.NewString(),
		OwnerID:     req.OwnerID,
		Filename:    req.Filename,
		ContentType: mime.String(),
		Status:      domain.StatusUploaded,
		CreatedAt:   time.Now().UTC(),
	}

	src := io.Reader(br)
	if u.MaxBytes > 0 {
		src = io.LimitReader(br, u.MaxBytes+1)
	}
	n, err := u.Files.Save(ctx, m.ID, src)
	if err != nil {
		return domain.Media{}, err
	}
	if u.MaxBytes > 0 && n > u.MaxBytes {
		u.discard(m.ID)
		return domain.Media{}, ErrTooLarge
	}
	m.Size = n

	if err := u.Store.Create(ctx, m); err != nil {
		u.discard(m.ID)
		return domain.Media{}, err
	}

	u.log.Info().Str("media_id", m.ID).Str("content_type", m.ContentType).Int64("size", n).Msg("upload stored")
	u.start(m.ID)
	return m, nil
}

// Get returns media owned by ownerID.
func (u *Uploader) Get(ctx context.Context, ownerID, mediaID string) (*domain.Media, error) {
	m, err := u.Store.Get(ctx, mediaID)
	if err != nil {
		return nil, err
	}
	if m.OwnerID != ownerID || m.DeletedAt != nil {
		return nil, ports.ErrNotFound
	}
	return m, nil
}

// Delete soft-deletes media; the periodic purge removes its files.
func (u *Uploader) Delete(ctx context.Context, ownerID, mediaID string) error {
	if _, err := u.Get(ctx, ownerID, mediaID); err != nil {
		return err
	}
	return u.Store.SoftDelete(ctx, mediaID)
}

// Wait blocks until processing started by Upload has returned.
func (u *Uploader) Wait() { u.wg.Wait() }

func (u *Uploader) start(mediaID string) {
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		out := u.Tasks.HandleUploadedFile(u.ctx, mediaID, 0)
		u.log.Debug().Str("media_id", mediaID).Str("outcome", string(out.Kind)).Msg("first processing attempt finished")
	}()
}

func (u *Uploader) discard(mediaID string) {
	if err := u.Files.DeleteUploadedFile(context.WithoutCancel(u.ctx), mediaID); err != nil {
		u.log.Warn().Err(err).Str("media_id", mediaID).Msg("failed to remove rejected upload")
	}
}
