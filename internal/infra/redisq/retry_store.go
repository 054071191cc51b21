package redisq

import (
	"context"
	"fmt"
	"strconv"

	"mediaq/internal/domain"
	"mediaq/internal/ports"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var _ ports.RetryStore = (*RetryStore)(nil)

// RetryStore keeps one hash per media item under RetryKeyPrefix and indexes
// them in RetryZSet by next run time.
type RetryStore struct {
	C *Client
}

func NewRetryStore(c *Client) *RetryStore { return &RetryStore{C: c} }

func (s *RetryStore) key(mediaID string) string { return s.C.Cfg.RetryKeyPrefix + mediaID }

func (s *RetryStore) Save(ctx context.Context, st domain.RetryState) error {
	_, err := s.C.Rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.key(st.MediaID), map[string]any{
			"attempt":     st.Attempt,
			"last_error":  st.LastError,
			"next_run_at": toMs(st.NextRunAt),
		})
		p.ZAdd(ctx, s.C.Cfg.RetryZSet, redis.Z{
			Score:  float64(toMs(st.NextRunAt)),
			Member: st.MediaID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("save retry state of %s: %w", st.MediaID, err)
	}
	return nil
}

func (s *RetryStore) Delete(ctx context.Context, mediaID string) error {
	_, err := s.C.Rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.key(mediaID))
		p.ZRem(ctx, s.C.Cfg.RetryZSet, mediaID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete retry state of %s: %w", mediaID, err)
	}
	return nil
}

// List returns all pending retries ordered by next run time. Index entries
// whose hash has disappeared are dropped.
func (s *RetryStore) List(ctx context.Context) ([]domain.RetryState, error) {
	ids, err := s.C.Rdb.ZRange(ctx, s.C.Cfg.RetryZSet, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list retries: %w", err)
	}

	out := make([]domain.RetryState, 0, len(ids))
	for _, id := range ids {
		h, err := s.C.Rdb.HGetAll(ctx, s.key(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("read retry state of %s: %w", id, err)
		}
		if len(h) == 0 {
			_ = s.C.Rdb.ZRem(ctx, s.C.Cfg.RetryZSet, id).Err()
			continue
		}
		st, err := parseRetryState(id, h)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("media_id", id).Msg("skipping malformed retry state")
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

func parseRetryState(id string, h map[string]string) (domain.RetryState, error) {
	attempt, err := strconv.Atoi(h["attempt"])
	if err != nil {
		return domain.RetryState{}, fmt.Errorf("attempt: %w", err)
	}
	next, err := fromMs(h["next_run_at"])
	if err != nil {
		return domain.RetryState{}, fmt.Errorf("next_run_at: %w", err)
	}
	return domain.RetryState{
		MediaID:   id,
		Attempt:   attempt,
		LastError: h["last_error"],
		NextRunAt: next,
	}, nil
}
