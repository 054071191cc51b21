package redisq

import (
	"context"
	"encoding/json"
	"fmt"

	"mediaq/internal/domain"
	"mediaq/internal/ports"

	"github.com/redis/go-redis/v9"
)

var _ ports.Notifier = (*Notifier)(nil)

// Notifier appends messages to NotificationStream, where the mail service
// of the application picks them up.
type Notifier struct {
	C *Client
}

func NewNotifier(c *Client) *Notifier { return &Notifier{C: c} }

func (n *Notifier) SendMessage(ctx context.Context, msg domain.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := n.C.Rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: n.C.Cfg.NotificationStream,
		Values: map[string]interface{}{"to": msg.To, "message": b},
	}).Err(); err != nil {
		return fmt.Errorf("publish notification to %s: %w", msg.To, err)
	}
	return nil
}
