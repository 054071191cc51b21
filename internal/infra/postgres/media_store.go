package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"mediaq/internal/domain"
	"mediaq/internal/ports"
)

var _ ports.MediaStore = (*MediaStore)(nil)

type MediaStore struct {
	db *sql.DB
}

func NewMediaStore(db *sql.DB) *MediaStore {
	return &MediaStore{db: db}
}

const mediaColumns = `id, owner_id, filename, content_type, size, status, thumbnail_path, created_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMedia(row rowScanner) (domain.Media, error) {
	var (
		m         domain.Media
		status    string
		deletedAt sql.NullTime
	)
	err := row.Scan(&m.ID, &m.OwnerID, &m.Filename, &m.ContentType, &m.Size,
		&status, &m.ThumbnailPath, &m.CreatedAt, &deletedAt)
	if err != nil {
		return domain.Media{}, err
	}
	m.Status = domain.MediaStatus(status)
	if deletedAt.Valid {
		t := deletedAt.Time
		m.DeletedAt = &t
	}
	return m, nil
}

func (s *MediaStore) Create(ctx context.Context, m domain.Media) error {
	if m.Status == "" {
		m.Status = domain.StatusUploaded
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO media (id, owner_id, filename, content_type, size, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.OwnerID, m.Filename, m.ContentType, m.Size, string(m.Status), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("create media %s: %w", m.ID, mapError(err))
	}
	return nil
}

func (s *MediaStore) Get(ctx context.Context, id string) (*domain.Media, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mediaColumns+` FROM media WHERE id = $1`, id)
	m, err := scanMedia(row)
	if err != nil {
		return nil, fmt.Errorf("get media %s: %w", id, mapError(err))
	}
	return &m, nil
}

func (s *MediaStore) OwnerOf(ctx context.Context, mediaID string) (domain.User, error) {
	var u domain.User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.email, u.name
		FROM media m JOIN users u ON u.id = m.owner_id
		WHERE m.id = $1`, mediaID).Scan(&u.ID, &u.Email, &u.Name)
	if err != nil {
		return domain.User{}, fmt.Errorf("owner of media %s: %w", mediaID, mapError(err))
	}
	return u, nil
}

func (s *MediaStore) MarkProcessed(ctx context.Context, id, thumbnailPath string) error {
	return s.exec1(ctx, "mark media processed", id, `
		UPDATE media SET status = $2, thumbnail_path = $3
		WHERE id = $1 AND deleted_at IS NULL`,
		id, string(domain.StatusProcessed), thumbnailPath)
}

// SoftDelete marks media as deleted; PurgeDeletedMedia removes it later.
func (s *MediaStore) SoftDelete(ctx context.Context, id string) error {
	return s.exec1(ctx, "delete media", id, `
		UPDATE media SET status = $2, deleted_at = now()
		WHERE id = $1 AND deleted_at IS NULL`,
		id, string(domain.StatusDeleted))
}

func (s *MediaStore) ListDeleted(ctx context.Context, limit int) ([]domain.Media, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mediaColumns+` FROM media
		WHERE deleted_at IS NOT NULL
		ORDER BY deleted_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list deleted media: %w", mapError(err))
	}
	defer rows.Close()

	var out []domain.Media
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, fmt.Errorf("scan media: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *MediaStore) Purge(ctx context.Context, id string) error {
	return s.exec1(ctx, "purge media", id, `DELETE FROM media WHERE id = $1`, id)
}

// exec1 runs a statement that must affect exactly one row.
func (s *MediaStore) exec1(ctx context.Context, op, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, mapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", op, id, ports.ErrNotFound)
	}
	return nil
}
