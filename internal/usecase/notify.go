package usecase

import (
	"context"

	"mediaq/internal/domain"
	"mediaq/internal/ports"

	"github.com/rs/zerolog"
)

var _ ports.Notifier = LogNotifier{}

// LogNotifier only logs messages. It is used when no notification stream
// is configured.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) SendMessage(ctx context.Context, msg domain.Message) error {
	n.Log.Warn().
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Str("content", msg.Content).
		Msg("notification (no delivery configured)")
	return nil
}
