// system.go — HTTP handlers системной информации: нагрузка сессий
// мессенджера и статистика storage-шардов.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/bigkaa/mediastream/internal/service"
)

// SystemService — системная информация (service.MediaService).
type SystemService interface {
	Workloads() map[string]int64
	ClientNames() []string
	Shards(ctx context.Context) (*service.ShardsInfo, error)
}

// SystemHandler — обработчик /api/v1/system.
type SystemHandler struct {
	svc    SystemService
	logger *slog.Logger
}

// NewSystemHandler создаёт обработчик системной информации.
func NewSystemHandler(svc SystemService, logger *slog.Logger) *SystemHandler {
	return &SystemHandler{
		svc:    svc,
		logger: logger.With(slog.String("component", "system_handler")),
	}
}

// workloadsResponse — нагрузка сессий по индексу и их имена.
type workloadsResponse struct {
	Loads   map[string]int64 `json:"loads"`
	Clients []string         `json:"clients"`
}

// GetWorkloads обрабатывает GET /api/v1/system/workloads.
func (h *SystemHandler) GetWorkloads(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, workloadsResponse{
		Loads:   h.svc.Workloads(),
		Clients: h.svc.ClientNames(),
	})
}

// GetShards обрабатывает GET /api/v1/system/shards.
func (h *SystemHandler) GetShards(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.Shards(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
