// Пакет shardstore — метаданные медиа поверх упорядоченного списка
// storage-шардов с ограниченной ёмкостью и одного служебного шарда,
// хранящего указатель активного шарда.
//
// Все записи (ингест, правки, удаления) и любые изменения указателя
// выполняются под одним мьютексом. Чтения (список, поиск, статистика)
// идут параллельно с записью.
package shardstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/mediastream/internal/domain/model"
	"github.com/bigkaa/mediastream/internal/repository"
)

// Ошибки хранилища.
var (
	// ErrShardWrite — запись в шард не удалась (не по квоте).
	ErrShardWrite = errors.New("ошибка записи в шард")
	// ErrQuotaExceeded — шард исчерпал место.
	ErrQuotaExceeded = repository.ErrQuotaExceeded
	// ErrAllShardsExhausted — все storage-шарды перепробованы и заполнены.
	ErrAllShardsExhausted = errors.New("все storage-шарды заполнены")
	// ErrNotFound — запись или её элемент не найдены.
	ErrNotFound = repository.ErrNotFound
)

// ValidationError — некорректные данные ингеста или правки.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("некорректное поле %s: %s", e.Field, e.Reason)
}

// Prometheus-метрики шардов.
var (
	activeShardGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ms_active_shard",
		Help: "Номер активного storage-шарда.",
	})
	shardOverflowTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ms_shard_overflow_total",
		Help: "Количество переключений активного шарда по квоте.",
	})
	shardMigrationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ms_shard_migrations_total",
		Help: "Количество перенесённых в активный шард записей.",
	})
)

// Partition — один storage-шард.
type Partition interface {
	Index() int
	FindByNaturalKey(ctx context.Context, mt model.MediaType, key model.NaturalKey) (*model.MediaRecord, error)
	GetByTMDBID(ctx context.Context, mt model.MediaType, tmdbID int64) (*model.MediaRecord, error)
	Insert(ctx context.Context, rec *model.MediaRecord) error
	// Replace перезаписывает документ с проверкой ёмкости шарда.
	Replace(ctx context.Context, rec *model.MediaRecord) error
	// ReplaceTrimmed перезаписывает уменьшившийся документ без проверки ёмкости.
	ReplaceTrimmed(ctx context.Context, rec *model.MediaRecord) error
	Delete(ctx context.Context, mt model.MediaType, id uuid.UUID) error
	List(ctx context.Context, mt model.MediaType, params repository.ListParams) ([]*model.MediaRecord, error)
	Count(ctx context.Context, mt model.MediaType) (int64, error)
	Search(ctx context.Context, query string) ([]*model.MediaRecord, error)
	Stats(ctx context.Context) (*model.ShardStats, error)
}

// Tracker — хранилище указателя активного шарда.
type Tracker interface {
	ActiveShard(ctx context.Context) (int, error)
	SetActiveShard(ctx context.Context, index int) error
}

// Store — шардированное хранилище записей.
type Store struct {
	partitions   []Partition
	tracker      Tracker
	onSuperseded func(model.Coordinate)
	logger       *slog.Logger
	now          func() time.Time

	// mu сериализует все записи и изменения указателя.
	mu     sync.Mutex
	active atomic.Int64
}

// New создаёт хранилище над шардами partitions (шард i+1 = partitions[i])
// и читает сохранённый указатель. onSuperseded получает координаты
// объектов мессенджера, вытесненных новым вариантом качества (может быть nil).
func New(ctx context.Context, partitions []Partition, tracker Tracker, onSuperseded func(model.Coordinate), logger *slog.Logger) (*Store, error) {
	if len(partitions) == 0 {
		return nil, errors.New("нужен хотя бы один storage-шард")
	}
	s := &Store{
		partitions:   partitions,
		tracker:      tracker,
		onSuperseded: onSuperseded,
		logger:       logger.With(slog.String("component", "shardstore")),
		now:          func() time.Time { return time.Now().UTC() },
	}

	active, err := tracker.ActiveShard(ctx)
	if err != nil {
		return nil, err
	}
	if active < 1 || active > len(partitions) {
		s.logger.Warn("Сохранённый указатель шарда вне диапазона, сброс на 1",
			slog.Int("stored", active),
			slog.Int("shards", len(partitions)),
		)
		if err := tracker.SetActiveShard(ctx, 1); err != nil {
			return nil, err
		}
		active = 1
	}
	s.active.Store(int64(active))
	activeShardGauge.Set(float64(active))

	s.logger.Info("Активный storage-шард",
		slog.Int("active", active),
		slog.Int("shards", len(partitions)),
	)
	return s, nil
}

// ShardCount возвращает количество storage-шардов N.
func (s *Store) ShardCount() int {
	return len(s.partitions)
}

// Active возвращает текущий указатель активного шарда (1..N).
func (s *Store) Active() int {
	return int(s.active.Load())
}

func (s *Store) partition(index int) Partition {
	return s.partitions[index-1]
}

func (s *Store) checkShard(index int) error {
	if index < 1 || index > len(s.partitions) {
		return &ValidationError{Field: "shard", Reason: fmt.Sprintf("ожидается 1..%d", len(s.partitions))}
	}
	return nil
}

// setActive сохраняет и публикует новый указатель. Вызывается под mu.
func (s *Store) setActive(ctx context.Context, index int) error {
	if err := s.tracker.SetActiveShard(ctx, index); err != nil {
		return err
	}
	s.active.Store(int64(index))
	activeShardGauge.Set(float64(index))
	return nil
}

// withOverflow выполняет op против активного шарда. Ошибка квоты переключает
// указатель на (p mod N) + 1 и повторяет op; всего не более N попыток.
// Если все шарды заполнены, возвращает ErrAllShardsExhausted, указатель
// остаётся на последнем опробованном шарде. Вызывается под mu.
func (s *Store) withOverflow(ctx context.Context, op func(active int) error) error {
	n := len(s.partitions)
	for attempt := 0; attempt < n; attempt++ {
		active := s.Active()
		err := op(active)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrQuotaExceeded) {
			return classifyError(err)
		}

		if attempt == n-1 {
			s.logger.Error("Все storage-шарды заполнены",
				slog.Int("active", active),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("%w: %v", ErrAllShardsExhausted, err)
		}

		next := active%n + 1
		shardOverflowTotal.Inc()
		s.logger.Warn("Шард заполнен, переключение",
			slog.Int("from", active),
			slog.Int("to", next),
			slog.String("error", err.Error()),
		)
		if err := s.setActive(ctx, next); err != nil {
			return fmt.Errorf("%w: сохранение указателя: %w", ErrShardWrite, err)
		}
	}
	return ErrAllShardsExhausted
}

// classifyError оставляет известные ошибки как есть, прочие оборачивает в ErrShardWrite.
func classifyError(err error) error {
	var verr *ValidationError
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrShardWrite),
		errors.Is(err, ErrAllShardsExhausted),
		errors.As(err, &verr),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %w", ErrShardWrite, err)
}

// migrate переносит запись из шарда from в шард to с сохранением ID.
// Если удалить старую копию не удалось, новая копия удаляется,
// чтобы запись оставалась в единственном экземпляре.
func (s *Store) migrate(ctx context.Context, rec *model.MediaRecord, from, to int) error {
	rec.ShardIndex = to
	if err := s.partition(to).Insert(ctx, rec); err != nil {
		rec.ShardIndex = from
		return err
	}
	if err := s.partition(from).Delete(ctx, rec.MediaType, rec.ID); err != nil {
		if derr := s.partition(to).Delete(ctx, rec.MediaType, rec.ID); derr != nil {
			s.logger.Error("Не удалось откатить перенос записи",
				slog.String("id", rec.ID.String()),
				slog.Int("to", to),
				slog.String("error", derr.Error()),
			)
		}
		rec.ShardIndex = from
		return fmt.Errorf("%w: удаление старой копии из шарда %d: %w", ErrShardWrite, from, err)
	}

	shardMigrationsTotal.Inc()
	s.logger.Info("Запись перенесена в активный шард",
		slog.String("id", rec.ID.String()),
		slog.Int64("tmdb_id", rec.TMDBID),
		slog.Int("from", from),
		slog.Int("to", to),
	)
	return nil
}

// findByNaturalKey ищет запись во всех шардах 1..N по порядку.
// Возвращает nil без ошибки, если записи нет.
func (s *Store) findByNaturalKey(ctx context.Context, mt model.MediaType, key model.NaturalKey) (*model.MediaRecord, error) {
	for _, p := range s.partitions {
		rec, err := p.FindByNaturalKey(ctx, mt, key)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}
