// handler.go — основной обработчик API Media Stream.
// Объединяет health, download, media и system обработчики и маппит
// ошибки сервисного слоя в HTTP-ответы.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/mediastream/internal/api/errors"
	"github.com/bigkaa/mediastream/internal/clientpool"
	"github.com/bigkaa/mediastream/internal/locator"
	"github.com/bigkaa/mediastream/internal/repository"
	"github.com/bigkaa/mediastream/internal/shardstore"
	"github.com/bigkaa/mediastream/internal/streamer"
)

// APIHandler — основной обработчик API Media Stream.
type APIHandler struct {
	*HealthHandler
	*DownloadHandler
	*MediaHandler
	*SystemHandler
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(
	health *HealthHandler,
	download *DownloadHandler,
	media *MediaHandler,
	system *SystemHandler,
) *APIHandler {
	return &APIHandler{
		HealthHandler:   health,
		DownloadHandler: download,
		MediaHandler:    media,
		SystemHandler:   system,
	}
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeServiceError маппит ошибку сервисного слоя в HTTP-ответ.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var (
		validation    *shardstore.ValidationError
		unsatisfiable *streamer.UnsatisfiableRangeError
		retryable     *streamer.RetryableError
	)

	switch {
	case errors.As(err, &validation):
		apierrors.ValidationError(w, validation.Error())
	case errors.Is(err, locator.ErrMalformedToken):
		apierrors.MalformedToken(w, "Некорректная ссылка на скачивание")
	case errors.Is(err, streamer.ErrMalformedRange):
		apierrors.WriteError(w, http.StatusBadRequest, apierrors.CodeInvalidRange, "Некорректный заголовок Range")
	case errors.As(err, &unsatisfiable):
		apierrors.InvalidRange(w, unsatisfiable.ContentRange(), "Запрошенный диапазон вне объекта")
	case errors.Is(err, streamer.ErrIntegrity):
		apierrors.IntegrityMismatch(w, "Ссылка не соответствует объекту")
	case errors.Is(err, clientpool.ErrNoClientAvailable):
		apierrors.NoClientAvailable(w, "Нет доступных сессий мессенджера")
	case errors.As(err, &retryable):
		apierrors.RateLimited(w, retryable.RetryAfter, "Мессенджер ограничил частоту запросов, повторите позже")
	case errors.Is(err, streamer.ErrRetryable):
		apierrors.RateLimited(w, 0, "Мессенджер ограничил частоту запросов, повторите позже")
	case errors.Is(err, streamer.ErrObjectNotFound), errors.Is(err, shardstore.ErrNotFound):
		apierrors.NotFound(w, "Не найдено")
	case errors.Is(err, streamer.ErrResolutionFailed):
		apierrors.UpstreamError(w, "Не удалось получить объект у мессенджера")
	case errors.Is(err, shardstore.ErrAllShardsExhausted):
		apierrors.StorageFull(w, "Все storage-шарды заполнены")
	case errors.Is(err, repository.ErrConflict):
		apierrors.Conflict(w, "Запись с таким ключом уже существует")
	case errors.Is(err, context.Canceled):
		// Клиент ушёл, отвечать некому.
	default:
		logger.Error("Внутренняя ошибка", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}
