// download.go — HTTP handler потоковой отдачи объектов по capability-ссылке
// /dl/{token}/{name}. Имя в пути служит только для браузера и плееров.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/mediastream/internal/service"
)

// Downloader — потоковая отдача (service.DownloadService).
type Downloader interface {
	Download(ctx context.Context, w http.ResponseWriter, req service.DownloadRequest) error
}

// DownloadHandler — обработчик скачивания.
type DownloadHandler struct {
	svc    Downloader
	logger *slog.Logger
}

// NewDownloadHandler создаёт обработчик скачивания.
func NewDownloadHandler(svc Downloader, logger *slog.Logger) *DownloadHandler {
	return &DownloadHandler{
		svc:    svc,
		logger: logger.With(slog.String("component", "download_handler")),
	}
}

// Download обрабатывает GET и HEAD /dl/{token}/{name}.
// Поддерживает Range (206); HEAD отдаёт те же заголовки без тела.
func (h *DownloadHandler) Download(w http.ResponseWriter, r *http.Request) {
	err := h.svc.Download(r.Context(), w, service.DownloadRequest{
		Token: chi.URLParam(r, "token"),
		Range: r.Header.Get("Range"),
		Head:  r.Method == http.MethodHead,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
	}
}
