// messenger.go — изменение и удаление сообщений с учётом rate limit.
// При RateLimitError операция ждёт ровно RetryAfter и повторяется один раз.
// К горячему пути стриминга не применяется.
package backend

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/mediastream/internal/domain/model"
)

var rateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ms_backend_rate_limited_total",
	Help: "Количество ответов rate limit от шлюза мессенджера (по операции).",
}, []string{"op"})

// MessageAPI — операции над сообщениями, которые выполняет сессия.
type MessageAPI interface {
	DeleteMessage(ctx context.Context, channelID, messageID int64) error
	EditCaption(ctx context.Context, channelID, messageID int64, caption string) error
}

// Messenger — обёртка над MessageAPI с однократным повтором после rate limit.
type Messenger struct {
	api    MessageAPI
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewMessenger создаёт Messenger поверх сессии (обычно основной).
func NewMessenger(api MessageAPI, logger *slog.Logger) *Messenger {
	return &Messenger{
		api:    api,
		logger: logger.With(slog.String("component", "messenger")),
		sleep:  sleepContext,
	}
}

// DeleteMessage удаляет сообщение по координате.
func (m *Messenger) DeleteMessage(ctx context.Context, coord model.Coordinate) error {
	err := m.withRetry(ctx, "delete", coord, func(ctx context.Context) error {
		return m.api.DeleteMessage(ctx, coord.ChannelID, coord.MessageID)
	})
	if err == nil {
		m.logger.Info("Сообщение удалено",
			slog.Int64("channel_id", coord.ChannelID),
			slog.Int64("message_id", coord.MessageID),
		)
	}
	return err
}

// EditCaption заменяет подпись сообщения по координате.
func (m *Messenger) EditCaption(ctx context.Context, coord model.Coordinate, caption string) error {
	return m.withRetry(ctx, "edit_caption", coord, func(ctx context.Context) error {
		return m.api.EditCaption(ctx, coord.ChannelID, coord.MessageID, caption)
	})
}

func (m *Messenger) withRetry(ctx context.Context, op string, coord model.Coordinate, fn func(context.Context) error) error {
	err := fn(ctx)

	var rl *RateLimitError
	if !errors.As(err, &rl) {
		return err
	}

	rateLimitedTotal.WithLabelValues(op).Inc()
	m.logger.Warn("Rate limit шлюза, ожидание перед повтором",
		slog.String("op", op),
		slog.Int64("channel_id", coord.ChannelID),
		slog.Int64("message_id", coord.MessageID),
		slog.Duration("retry_after", rl.RetryAfter),
	)

	if err := m.sleep(ctx, rl.RetryAfter); err != nil {
		return err
	}
	return fn(ctx)
}

// sleepContext ждёт d или отмены контекста.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
