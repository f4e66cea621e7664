// download.go — сервис потоковой отдачи объектов мессенджера по токену.
// Pipeline: токен → координата → ожидаемый хэш → поток стримера →
// заголовки ответа → копирование фрагментов в ResponseWriter.
package service

import (
	"context"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/mediastream/internal/domain/model"
	"github.com/bigkaa/mediastream/internal/locator"
	"github.com/bigkaa/mediastream/internal/streamer"
)

// Prometheus-метрики download.
var (
	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ms_downloads_total",
		Help: "Общее количество запросов на скачивание (по статусу).",
	}, []string{"status"})

	downloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ms_download_duration_seconds",
		Help:    "Длительность потоковой отдачи (от запроса до последнего байта).",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 900},
	})

	downloadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ms_download_bytes_total",
		Help: "Общее количество переданных байт при скачивании.",
	})

	activeDownloads = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ms_active_downloads",
		Help: "Количество активных потоков скачивания.",
	})
)

// DownloadRequest — параметры запроса на скачивание.
type DownloadRequest struct {
	Token string
	Range string
	// Head — отдать только заголовки, без запроса чанков
	Head bool
}

// DownloadService — сервис потоковой отдачи.
type DownloadService struct {
	streamer *streamer.Streamer
	logger   *slog.Logger
}

// NewDownloadService создаёт сервис потоковой отдачи.
func NewDownloadService(st *streamer.Streamer, logger *slog.Logger) *DownloadService {
	return &DownloadService{
		streamer: st,
		logger:   logger.With(slog.String("component", "download_service")),
	}
}

// Download выполняет полный pipeline потоковой отдачи.
//
// Pipeline:
//  1. Декодировать токен в координату
//  2. Получить ожидаемый хэш (из токена или основной сессией)
//  3. Открыть поток: выбор сессии, свойства объекта, сверка хэша, разбор Range
//  4. Записать заголовки (200 или 206)
//  5. Для GET скопировать фрагменты в ответ
//
// Ошибки до записи заголовков возвращаются вызывающему для маппинга в HTTP.
// Ошибка после записи заголовков только логируется: ответ уже начат.
func (ds *DownloadService) Download(ctx context.Context, w http.ResponseWriter, req DownloadRequest) error {
	start := time.Now()
	activeDownloads.Inc()
	defer activeDownloads.Dec()

	// 1. Токен → координата
	coord, err := locator.Decode(req.Token)
	if err != nil {
		downloadsTotal.WithLabelValues("bad_token").Inc()
		return err
	}

	// 2. Ожидаемый хэш
	expected, err := ds.streamer.ExpectedHash(ctx, coord)
	if err != nil {
		downloadsTotal.WithLabelValues("resolve_error").Inc()
		return err
	}

	// 3. Поток
	st, err := ds.streamer.Open(ctx, coord, expected, req.Range)
	if err != nil {
		downloadsTotal.WithLabelValues("open_error").Inc()
		return err
	}
	defer st.Close()

	// 4. Заголовки
	status := ds.writeHeaders(w, st)
	w.WriteHeader(status)

	if req.Head {
		downloadsTotal.WithLabelValues("head").Inc()
		return nil
	}

	// 5. Копирование фрагментов
	written, err := st.CopyTo(ctx, w)
	downloadBytesTotal.Add(float64(written))
	if err != nil {
		ds.logger.Warn("Потоковая отдача прервана",
			slog.Int64("channel_id", coord.ChannelID),
			slog.Int64("message_id", coord.MessageID),
			slog.Int("client", st.Client()),
			slog.Int64("bytes_written", written),
			slog.String("error", err.Error()),
		)
		downloadsTotal.WithLabelValues("stream_error").Inc()
		return nil
	}

	duration := time.Since(start)
	downloadsTotal.WithLabelValues("success").Inc()
	downloadDuration.Observe(duration.Seconds())

	ds.logger.Debug("Потоковая отдача завершена",
		slog.Int64("message_id", coord.MessageID),
		slog.Int("client", st.Client()),
		slog.Int64("bytes", written),
		slog.Duration("duration", duration),
		slog.Int("status", status),
	)
	return nil
}

// writeHeaders записывает заголовки ответа и возвращает статус.
func (ds *DownloadService) writeHeaders(w http.ResponseWriter, st *streamer.Stream) int {
	desc := st.Descriptor()
	name, mimeType := fileIdentity(desc)

	h := w.Header()
	h.Set("Content-Type", mimeType)
	h.Set("Content-Length", strconv.FormatInt(st.Plan().Length(), 10))
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": name}))
	h.Set("Cache-Control", "public, max-age=3600, immutable")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Expose-Headers", "Content-Length, Content-Range, Accept-Ranges, Content-Disposition")

	if st.Partial() {
		h.Set("Content-Range", st.ContentRange())
		return http.StatusPartialContent
	}
	return http.StatusOK
}

// fileIdentity возвращает имя файла и MIME-тип ответа.
// Без имени: 4 hex-символа и расширение по MIME-типу.
// Без MIME-типа: по расширению имени, иначе application/octet-stream.
func fileIdentity(desc *model.ObjectDescriptor) (name, mimeType string) {
	name = desc.Name
	mimeType = desc.Mime

	if mimeType == "" && name != "" {
		mimeType = mime.TypeByExtension(filepath.Ext(name))
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	if name == "" {
		ext := "bin"
		if base, _, err := mime.ParseMediaType(mimeType); err == nil && mimeType != "application/octet-stream" {
			if _, sub, ok := strings.Cut(base, "/"); ok && sub != "" {
				ext = sub
			}
		}
		name = uuid.NewString()[:4] + "." + ext
	}
	return name, mimeType
}
