// Package uploads stores uploaded originals and generated thumbnails on the
// local filesystem shared by the server and its workers.
package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"mediaq/internal/ports"
)

var ErrInvalidID = errors.New("uploads: invalid media id")

var _ ports.UploadStorage = (*Storage)(nil)

type Storage struct {
	UploadDir    string
	ThumbnailDir string
}

// New creates both directories if needed.
func New(uploadDir, thumbnailDir string) (*Storage, error) {
	for _, dir := range []string{uploadDir, thumbnailDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Storage{UploadDir: uploadDir, ThumbnailDir: thumbnailDir}, nil
}

func checkID(mediaID string) error {
	if mediaID == "" || mediaID == "." || mediaID == ".." || filepath.Base(mediaID) != mediaID {
		return fmt.Errorf("%w: %q", ErrInvalidID, mediaID)
	}
	return nil
}

func (s *Storage) Path(mediaID string) string { return filepath.Join(s.UploadDir, mediaID) }

func (s *Storage) ThumbnailPath(mediaID string) string {
	return filepath.Join(s.ThumbnailDir, mediaID+".jpg")
}

// Save writes r to the upload directory. The file appears under its final
// name only once it is complete.
func (s *Storage) Save(ctx context.Context, mediaID string, r io.Reader) (int64, error) {
	if err := checkID(mediaID); err != nil {
		return 0, err
	}
	var n int64
	err := writeAtomic(s.Path(mediaID), func(w io.Writer) error {
		var err error
		n, err = io.Copy(w, readerWithContext{ctx: ctx, r: r})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("save upload %s: %w", mediaID, err)
	}
	return n, nil
}

func (s *Storage) Open(mediaID string) (io.ReadCloser, error) {
	if err := checkID(mediaID); err != nil {
		return nil, err
	}
	f, err := os.Open(s.Path(mediaID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("open upload %s: %w", mediaID, ports.ErrNotFound)
	}
	return f, err
}

// DeleteUploadedFile removes the original and its thumbnail. Missing files
// are not an error.
func (s *Storage) DeleteUploadedFile(ctx context.Context, mediaID string) error {
	if err := checkID(mediaID); err != nil {
		return err
	}
	for _, p := range []string{s.Path(mediaID), s.ThumbnailPath(mediaID)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete %s: %w", p, err)
		}
	}
	return nil
}

// WriteThumbnail stores a thumbnail produced by fn and returns its path.
func (s *Storage) WriteThumbnail(mediaID string, fn func(w io.Writer) error) (string, error) {
	if err := checkID(mediaID); err != nil {
		return "", err
	}
	p := s.ThumbnailPath(mediaID)
	if err := writeAtomic(p, fn); err != nil {
		return "", fmt.Errorf("write thumbnail %s: %w", mediaID, err)
	}
	return p, nil
}

func writeAtomic(path string, fn func(w io.Writer) error) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if err = fn(tmp); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

type readerWithContext struct {
	ctx context.Context
	r   io.Reader
}

func (r readerWithContext) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
