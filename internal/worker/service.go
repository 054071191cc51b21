package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"strings"

	"mediaq/internal/ports"

	"github.com/rs/zerolog"
)

var ErrUnsupportedMedia = errors.New("worker: unsupported media type")

const purgeBatch = 100

// Files is the part of the upload storage a worker touches.
type Files interface {
	Open(mediaID string) (io.ReadCloser, error)
	WriteThumbnail(mediaID string, fn func(w io.Writer) error) (string, error)
	DeleteUploadedFile(ctx context.Context, mediaID string) error
}

// Service implements the worker side of ports.MediaWorker. Calls block
// until Configure has been called.
type Service struct {
	log   zerolog.Logger
	ready chan struct{}

	store     ports.MediaStore
	files     Files
	thumbSize int
}

var _ ports.MediaWorker = (*Service)(nil)

func NewService(logger zerolog.Logger) *Service {
	return &Service{log: logger, ready: make(chan struct{})}
}

// Configure must be called exactly once.
func (s *Service) Configure(store ports.MediaStore, files Files, thumbSize int) {
	s.store = store
	s.files = files
	s.thumbSize = thumbSize
	close(s.ready)
}

func (s *Service) wait(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker not configured: %w", ctx.Err())
	}
}

func (s *Service) HandleUploadedFile(ctx context.Context, mediaID string) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	logger := s.log.With().Str("media_id", mediaID).Logger()

	m, err := s.store.Get(ctx, mediaID)
	if err != nil {
		return err
	}
	if m.DeletedAt != nil {
		logger.Info().Msg("media was deleted before processing, skipping")
		return nil
	}
	if !strings.HasPrefix(m.ContentType, "image/") {
		return fmt.Errorf("%w: %s", ErrUnsupportedMedia, m.ContentType)
	}

	src, err := s.decode(mediaID)
	if err != nil {
		return err
	}
	thumb := Thumbnail(src, s.thumbSize)
	path, err := s.files.WriteThumbnail(mediaID, func(w io.Writer) error {
		return jpeg.Encode(w, thumb, &jpeg.Options{Quality: 85})
	})
	if err != nil {
		return err
	}
	if err := s.store.MarkProcessed(ctx, mediaID, path); err != nil {
		return err
	}

	b := thumb.Bounds()
	logger.Info().Int("width", b.Dx()).Int("height", b.Dy()).Msg("thumbnail created")
	return nil
}

func (s *Service) decode(mediaID string) (image.Image, error) {
	f, err := s.files.Open(mediaID)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", mediaID, err)
	}
	s.log.Debug().Str("media_id", mediaID).Str("format", format).Msg("image decoded")
	return img, nil
}

// PurgeDeletedMedia removes the files and rows of soft-deleted media. It
// stops after the first batch with failures so failing rows are not
// retried in a loop.
func (s *Service) PurgeDeletedMedia(ctx context.Context) error {
	if err := s.wait(ctx); err != nil {
		return err
	}

	purged := 0
	for {
		batch, err := s.store.ListDeleted(ctx, purgeBatch)
		if err != nil {
			return err
		}

		var errs []error
		for _, m := range batch {
			if err := s.files.DeleteUploadedFile(ctx, m.ID); err != nil {
				errs = append(errs, err)
				continue
			}
			if err := s.store.Purge(ctx, m.ID); err != nil {
				errs = append(errs, err)
				continue
			}
			purged++
		}
		if len(errs) > 0 {
			s.log.Warn().Int("purged", purged).Int("failed", len(errs)).Msg("purge incomplete")
			return errors.Join(errs...)
		}
		if len(batch) < purgeBatch {
			break
		}
	}

	s.log.Info().Int("purged", purged).Msg("deleted media purged")
	return nil
}
