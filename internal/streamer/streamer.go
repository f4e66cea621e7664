// Пакет streamer — потоковая отдача объекта мессенджера по HTTP Range.
// Выбирает наименее нагруженную сессию, получает свойства объекта
// (с кэшем на сессию), сверяет хэш и возвращает ленивый pull-итератор
// фрагментов, который удерживает нагрузку сессии до Close.
package streamer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/mediastream/internal/backend"
	"github.com/bigkaa/mediastream/internal/clientpool"
	"github.com/bigkaa/mediastream/internal/domain/model"
)

// Ошибки стриминга.
var (
	// ErrIntegrity — хэш объекта не совпал с ожидаемым.
	ErrIntegrity = errors.New("хэш объекта не совпадает с токеном")
	// ErrObjectNotFound — координата не указывает на объект.
	ErrObjectNotFound = errors.New("объект не найден")
	// ErrResolutionFailed — сессия не смогла получить свойства объекта.
	ErrResolutionFailed = errors.New("не удалось получить свойства объекта")
	// ErrRetryable — временный отказ мессенджера, запрос можно повторить.
	ErrRetryable = errors.New("временный отказ мессенджера")
	// ErrShortChunk — мессенджер вернул чанк короче ожидаемого.
	ErrShortChunk = errors.New("получен неполный чанк")
	// ErrStreamClosed — чтение из закрытого потока.
	ErrStreamClosed = errors.New("поток закрыт")
)

// RetryableError — rate limit на горячем пути, несёт рекомендуемую паузу.
type RetryableError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%v (повтор через %s)", e.Err, e.RetryAfter)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// Is позволяет errors.Is(err, ErrRetryable).
func (e *RetryableError) Is(target error) bool {
	return target == ErrRetryable
}

// Prometheus-метрики кэша свойств объектов.
var (
	descriptorCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ms_descriptor_cache_hits_total",
		Help: "Попадания в кэш свойств объектов.",
	})
	descriptorCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ms_descriptor_cache_misses_total",
		Help: "Промахи кэша свойств объектов.",
	})
	chunkFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ms_chunk_fetch_duration_seconds",
		Help:    "Длительность запроса одного чанка у мессенджера.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})
)

// Source — сессия мессенджера, из которой читаются объекты.
type Source interface {
	ResolveDescriptor(ctx context.Context, coord model.Coordinate) (*model.ObjectDescriptor, error)
	FetchChunk(ctx context.Context, fileRef string, offset, limit int64) ([]byte, error)
}

// Config — параметры стримера.
type Config struct {
	ChunkSize int64
	CacheSize int
	CacheTTL  time.Duration
}

// coordKey — ключ кэша (без хэша из токена).
type coordKey struct {
	channelID int64
	messageID int64
}

// resolver — долгоживущий адаптер одной сессии с собственным кэшем.
type resolver struct {
	src   Source
	cache *expirable.LRU[coordKey, *model.ObjectDescriptor]
}

// Streamer — движок потоковой отдачи.
type Streamer struct {
	pool   *clientpool.Pool[Source]
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	resolvers map[int]*resolver
}

// New создаёт стример поверх пула сессий.
func New(pool *clientpool.Pool[Source], cfg Config, logger *slog.Logger) *Streamer {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Minute
	}
	return &Streamer{
		pool:      pool,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "streamer")),
		resolvers: make(map[int]*resolver),
	}
}

// ChunkSize возвращает размер чанка.
func (s *Streamer) ChunkSize() int64 {
	return s.cfg.ChunkSize
}

// resolverFor возвращает (создаёт при первом обращении) адаптер сессии.
func (s *Streamer) resolverFor(index int, src Source) *resolver {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resolvers[index]
	if !ok {
		r = &resolver{
			src:   src,
			cache: expirable.NewLRU[coordKey, *model.ObjectDescriptor](s.cfg.CacheSize, nil, s.cfg.CacheTTL),
		}
		s.resolvers[index] = r
	}
	return r
}

// Resolve получает свойства объекта через сессию index (с кэшем на сессию).
func (s *Streamer) Resolve(ctx context.Context, index int, src Source, coord model.Coordinate) (*model.ObjectDescriptor, error) {
	r := s.resolverFor(index, src)
	key := coordKey{channelID: coord.ChannelID, messageID: coord.MessageID}

	if d, ok := r.cache.Get(key); ok {
		descriptorCacheHits.Inc()
		return d, nil
	}
	descriptorCacheMisses.Inc()

	d, err := r.src.ResolveDescriptor(ctx, coord)
	if err != nil {
		return nil, classifyBackendError(err, ErrResolutionFailed)
	}
	r.cache.Add(key, d)
	return d, nil
}

// ExpectedHash возвращает хэш, с которым сверяется объект: из токена,
// а если токен его не несёт — независимо полученный основной сессией.
func (s *Streamer) ExpectedHash(ctx context.Context, coord model.Coordinate) (string, error) {
	if coord.Hash != "" {
		return coord.Hash, nil
	}
	primary, ok := s.pool.Client(0)
	if !ok {
		return "", clientpool.ErrNoClientAvailable
	}
	d, err := s.Resolve(ctx, 0, primary, coord)
	if err != nil {
		return "", err
	}
	return d.HashPrefix(), nil
}

// Open выбирает сессию, получает свойства объекта, сверяет хэш, разбирает Range
// и возвращает поток. Нагрузка сессии удерживается до Stream.Close.
// При любой ошибке нагрузка освобождается и байты не отдаются.
func (s *Streamer) Open(ctx context.Context, coord model.Coordinate, expectedHash, rangeHeader string) (*Stream, error) {
	lease, err := s.pool.Acquire()
	if err != nil {
		return nil, err
	}

	desc, err := s.Resolve(ctx, lease.Index(), lease.Client(), coord)
	if err != nil {
		lease.Release()
		return nil, err
	}

	if desc.HashPrefix() != model.HashPrefix(expectedHash) {
		lease.Release()
		s.logger.Warn("Хэш объекта не совпадает",
			slog.Int64("channel_id", coord.ChannelID),
			slog.Int64("message_id", coord.MessageID),
			slog.Int("client", lease.Index()),
		)
		return nil, ErrIntegrity
	}

	from, until, err := ParseRange(rangeHeader, desc.Size)
	if err != nil {
		lease.Release()
		return nil, err
	}

	return &Stream{
		src:     lease.Client(),
		release: lease.Release,
		client:  lease.Index(),
		desc:    desc,
		plan:    PlanRange(from, until, s.cfg.ChunkSize),
		partial: strings.TrimSpace(rangeHeader) != "",
	}, nil
}

// classifyBackendError приводит ошибки сессии к таксономии стримера.
func classifyBackendError(err, fallback error) error {
	var rl *backend.RateLimitError
	switch {
	case errors.As(err, &rl):
		return &RetryableError{RetryAfter: rl.RetryAfter, Err: err}
	case errors.Is(err, backend.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrObjectNotFound, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", fallback, err)
	}
}
