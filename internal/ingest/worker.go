package ingest

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/mediastream/internal/domain/model"
	"github.com/bigkaa/mediastream/internal/shardstore"
)

// Prometheus-метрики ингеста.
var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ms_ingest_queue_depth",
		Help: "Количество событий ингеста в очереди.",
	})
	ingestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ms_ingest_total",
		Help: "Обработанные события ингеста по результату.",
	}, []string{"result"})
)

// Ingester — хранилище, принимающее события ингеста.
type Ingester interface {
	Ingest(ctx context.Context, ev *model.IngestEvent) (uuid.UUID, error)
}

// Worker — единственный обработчик очереди ингеста. События записываются
// в хранилище строго по одному, в порядке поступления.
type Worker struct {
	queue  *Queue[*model.IngestEvent]
	store  Ingester
	tasks  *Tasks
	suffix string
	logger *slog.Logger
}

// NewWorker создаёт обработчик. Если suffix не пуст, после успешной записи
// подпись сообщения дополняется suffix через tasks.
func NewWorker(store Ingester, tasks *Tasks, suffix string, logger *slog.Logger) *Worker {
	return &Worker{
		queue:  NewQueue[*model.IngestEvent](queueDepth),
		store:  store,
		tasks:  tasks,
		suffix: suffix,
		logger: logger.With(slog.String("component", "ingest")),
	}
}

// Submit ставит событие в очередь.
func (w *Worker) Submit(ev *model.IngestEvent) {
	w.queue.Push(ev)
}

// Pending возвращает количество необработанных событий.
func (w *Worker) Pending() int {
	return w.queue.Len()
}

// Run обрабатывает очередь до отмены контекста.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("Обработчик ингеста запущен")
	for {
		ev, err := w.queue.Pop(ctx)
		if err != nil {
			w.logger.Info("Обработчик ингеста остановлен", slog.Int("pending", w.queue.Len()))
			return
		}
		w.process(ctx, ev)
	}
}

func (w *Worker) process(ctx context.Context, ev *model.IngestEvent) {
	log := w.logger.With(
		slog.String("title", ev.Metadata.Title),
		slog.String("media_type", string(ev.Metadata.MediaType)),
		slog.String("quality", ev.Quality),
		slog.Int64("message_id", ev.Coordinate.MessageID),
	)

	id, err := w.store.Ingest(ctx, ev)
	if err != nil {
		var verr *shardstore.ValidationError
		switch {
		case errors.As(err, &verr):
			ingestTotal.WithLabelValues("invalid").Inc()
			log.Warn("Событие ингеста отклонено", slog.String("error", err.Error()))
		case errors.Is(err, shardstore.ErrAllShardsExhausted):
			ingestTotal.WithLabelValues("exhausted").Inc()
			log.Error("Событие ингеста отброшено: все шарды заполнены", slog.String("error", err.Error()))
		default:
			ingestTotal.WithLabelValues("error").Inc()
			log.Error("Ошибка записи события ингеста", slog.String("error", err.Error()))
		}
		return
	}

	ingestTotal.WithLabelValues("ok").Inc()
	log.Info("Событие ингеста записано", slog.String("id", id.String()))

	if w.suffix != "" && w.tasks != nil {
		w.tasks.EditCaption(ev.Coordinate, Caption(ev.Caption, w.suffix))
	}
}
