package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/mediastream/internal/domain/model"
)

var (
	tasksDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ms_message_tasks_queue_depth",
		Help: "Количество операций над сообщениями в очереди.",
	})
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ms_message_tasks_total",
		Help: "Выполненные операции над сообщениями по типу и результату.",
	}, []string{"op", "result"})
)

// MessageOps — операции над сообщениями с учётом rate limit (backend.Messenger).
type MessageOps interface {
	DeleteMessage(ctx context.Context, coord model.Coordinate) error
	EditCaption(ctx context.Context, coord model.Coordinate, caption string) error
}

type taskKind string

const (
	taskDelete taskKind = "delete"
	taskEdit   taskKind = "edit_caption"
)

type task struct {
	kind    taskKind
	coord   model.Coordinate
	caption string
}

// Tasks — фоновая очередь операций над сообщениями. Операции выполняются
// по одной с паузой interval между ними; ошибки логируются и не повторяются
// сверх повтора Messenger.
type Tasks struct {
	queue    *Queue[task]
	ops      MessageOps
	interval time.Duration
	logger   *slog.Logger
}

// NewTasks создаёт очередь операций.
func NewTasks(ops MessageOps, interval time.Duration, logger *slog.Logger) *Tasks {
	return &Tasks{
		queue:    NewQueue[task](tasksDepth),
		ops:      ops,
		interval: interval,
		logger:   logger.With(slog.String("component", "message-tasks")),
	}
}

// DeleteMessage ставит удаление сообщения в очередь.
func (t *Tasks) DeleteMessage(coord model.Coordinate) {
	t.queue.Push(task{kind: taskDelete, coord: coord})
}

// EditCaption ставит правку подписи в очередь.
func (t *Tasks) EditCaption(coord model.Coordinate, caption string) {
	t.queue.Push(task{kind: taskEdit, coord: coord, caption: caption})
}

// Run выполняет операции до отмены контекста.
func (t *Tasks) Run(ctx context.Context) {
	for {
		tk, err := t.queue.Pop(ctx)
		if err != nil {
			return
		}
		t.execute(ctx, tk)

		if t.interval > 0 {
			timer := time.NewTimer(t.interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

func (t *Tasks) execute(ctx context.Context, tk task) {
	var err error
	switch tk.kind {
	case taskDelete:
		err = t.ops.DeleteMessage(ctx, tk.coord)
	case taskEdit:
		err = t.ops.EditCaption(ctx, tk.coord, tk.caption)
	}
	if err != nil {
		tasksTotal.WithLabelValues(string(tk.kind), "error").Inc()
		t.logger.Error("Операция над сообщением не выполнена",
			slog.String("op", string(tk.kind)),
			slog.Int64("channel_id", tk.coord.ChannelID),
			slog.Int64("message_id", tk.coord.MessageID),
			slog.String("error", err.Error()),
		)
		return
	}
	tasksTotal.WithLabelValues(string(tk.kind), "ok").Inc()
}
