// media.go — HTTP handlers администрирования медиа-записей:
// список и поиск, детали, правка, удаления и приём событий ингеста.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"

	apierrors "github.com/bigkaa/mediastream/internal/api/errors"
	"github.com/bigkaa/mediastream/internal/domain/model"
	"github.com/bigkaa/mediastream/internal/service"
	"github.com/bigkaa/mediastream/internal/shardstore"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	// maxBodyBytes — предел тела JSON-запросов admin API.
	maxBodyBytes = 1 << 20
)

// MediaService — операции администрирования (service.MediaService).
type MediaService interface {
	List(ctx context.Context, req service.ListRequest) (*shardstore.Page, error)
	Details(ctx context.Context, mt model.MediaType, shard int, tmdbID int64, season, episode *int) (*shardstore.Details, error)
	Update(ctx context.Context, mt model.MediaType, shard int, tmdbID int64, patch *shardstore.DocumentPatch) (*model.MediaRecord, bool, error)
	Delete(ctx context.Context, mt model.MediaType, shard int, tmdbID int64) error
	DeleteMovieQuality(ctx context.Context, shard int, tmdbID int64, quality string) error
	DeleteSeason(ctx context.Context, shard int, tmdbID int64, season int) error
	DeleteEpisode(ctx context.Context, shard int, tmdbID int64, season, episode int) error
	DeleteEpisodeQuality(ctx context.Context, shard int, tmdbID int64, season, episode int, quality string) error
	Ingest(req *service.IngestRequest) (int, error)
}

// MediaHandler — обработчик /api/v1/media и /api/v1/ingest.
type MediaHandler struct {
	svc    MediaService
	logger *slog.Logger
}

// NewMediaHandler создаёт обработчик медиа-записей.
func NewMediaHandler(svc MediaService, logger *slog.Logger) *MediaHandler {
	return &MediaHandler{
		svc:    svc,
		logger: logger.With(slog.String("component", "media_handler")),
	}
}

// detailsResponse — ответ GET записи.
type detailsResponse struct {
	Item    *model.MediaRecord `json:"item"`
	Season  *model.Season      `json:"season,omitempty"`
	Episode *model.Episode     `json:"episode,omitempty"`
}

// updateResponse — ответ PATCH записи.
type updateResponse struct {
	Item    *model.MediaRecord `json:"item"`
	Updated bool               `json:"updated"`
}

// ingestResponse — ответ POST /api/v1/ingest.
type ingestResponse struct {
	Status  string `json:"status"`
	Pending int    `json:"pending"`
}

// recordKey — адрес записи в пути: /{media_type}/{shard}/{tmdb_id}.
type recordKey struct {
	mediaType model.MediaType
	shard     int
	tmdbID    int64
}

// --- Привязка параметров ---

func bindPath(r *http.Request, name string, dst any) error {
	err := runtime.BindStyledParameterWithOptions("simple", name, chi.URLParam(r, name), dst,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		return &shardstore.ValidationError{Field: name, Reason: err.Error()}
	}
	return nil
}

func bindQuery(r *http.Request, name string, dst any) error {
	if err := runtime.BindQueryParameter("form", true, false, name, r.URL.Query(), dst); err != nil {
		return &shardstore.ValidationError{Field: name, Reason: err.Error()}
	}
	return nil
}

// bindRecordKey разбирает {media_type}, {shard} и {tmdb_id}.
func bindRecordKey(r *http.Request) (recordKey, error) {
	var (
		key recordKey
		raw string
	)
	if err := bindPath(r, "media_type", &raw); err != nil {
		return key, err
	}
	if err := bindPath(r, "shard", &key.shard); err != nil {
		return key, err
	}
	if err := bindPath(r, "tmdb_id", &key.tmdbID); err != nil {
		return key, err
	}
	mt, ok := model.ParseMediaType(raw)
	if !ok {
		return key, &shardstore.ValidationError{Field: "media_type", Reason: "ожидается movie или tv"}
	}
	key.mediaType = mt
	return key, nil
}

// bindTVKey — bindRecordKey с проверкой, что запись сериал.
func bindTVKey(r *http.Request) (recordKey, error) {
	key, err := bindRecordKey(r)
	if err == nil && key.mediaType != model.MediaTypeTV {
		err = &shardstore.ValidationError{Field: "media_type", Reason: "сезоны есть только у сериалов"}
	}
	return key, err
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &shardstore.ValidationError{Field: "body", Reason: fmt.Sprintf("некорректный JSON: %s", err.Error())}
	}
	return nil
}

// --- Handlers ---

// ListMedia обрабатывает GET /api/v1/media.
// Параметры: media_type, page, page_size, search, sort_by, sort_order.
func (h *MediaHandler) ListMedia(w http.ResponseWriter, r *http.Request) {
	var (
		mediaType, search, sortBy, sortOrder *string
		page, pageSize                       *int
	)
	for _, err := range []error{
		bindQuery(r, "media_type", &mediaType),
		bindQuery(r, "search", &search),
		bindQuery(r, "sort_by", &sortBy),
		bindQuery(r, "sort_order", &sortOrder),
		bindQuery(r, "page", &page),
		bindQuery(r, "page_size", &pageSize),
	} {
		if err != nil {
			writeServiceError(w, h.logger, err)
			return
		}
	}

	req := service.ListRequest{Page: 1, PageSize: defaultPageSize}
	if page != nil {
		if *page < 1 {
			apierrors.ValidationError(w, "Параметр page должен быть не меньше 1")
			return
		}
		req.Page = *page
	}
	if pageSize != nil {
		if *pageSize < 1 || *pageSize > maxPageSize {
			apierrors.ValidationError(w, fmt.Sprintf("Параметр page_size должен быть от 1 до %d", maxPageSize))
			return
		}
		req.PageSize = *pageSize
	}
	if mediaType != nil && *mediaType != "" {
		mt, ok := model.ParseMediaType(*mediaType)
		if !ok {
			apierrors.ValidationError(w, fmt.Sprintf("Недопустимый media_type: %s", *mediaType))
			return
		}
		req.MediaType = mt
	}
	if search != nil {
		req.Search = *search
	}
	if sortBy != nil {
		req.SortBy = *sortBy
	}
	if sortOrder != nil {
		req.SortOrder = *sortOrder
	}

	result, err := h.svc.List(r.Context(), req)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetMedia обрабатывает GET /api/v1/media/{media_type}/{shard}/{tmdb_id}.
// Необязательные season и episode сужают ответ до сезона или эпизода.
func (h *MediaHandler) GetMedia(w http.ResponseWriter, r *http.Request) {
	key, err := bindRecordKey(r)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	var season, episode *int
	if err := bindQuery(r, "season", &season); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if err := bindQuery(r, "episode", &episode); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	d, err := h.svc.Details(r.Context(), key.mediaType, key.shard, key.tmdbID, season, episode)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, detailsResponse{Item: d.Record, Season: d.Season, Episode: d.Episode})
}

// UpdateMedia обрабатывает PATCH /api/v1/media/{media_type}/{shard}/{tmdb_id}.
// При нехватке места запись переносится в активный шард: новый адрес
// возвращается в item.shard_index.
func (h *MediaHandler) UpdateMedia(w http.ResponseWriter, r *http.Request) {
	key, err := bindRecordKey(r)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	var patch shardstore.DocumentPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	rec, updated, err := h.svc.Update(r.Context(), key.mediaType, key.shard, key.tmdbID, &patch)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if updated {
		h.logger.Info("Запись обновлена",
			slog.String("media_type", string(key.mediaType)),
			slog.Int64("tmdb_id", key.tmdbID),
			slog.Int("shard", rec.ShardIndex),
		)
	}
	writeJSON(w, http.StatusOK, updateResponse{Item: rec, Updated: updated})
}

// DeleteMedia обрабатывает DELETE /api/v1/media/{media_type}/{shard}/{tmdb_id}.
func (h *MediaHandler) DeleteMedia(w http.ResponseWriter, r *http.Request) {
	key, err := bindRecordKey(r)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	h.finishDelete(w, h.svc.Delete(r.Context(), key.mediaType, key.shard, key.tmdbID))
}

// DeleteMovieQuality обрабатывает DELETE .../movie/{shard}/{tmdb_id}/qualities/{quality}.
func (h *MediaHandler) DeleteMovieQuality(w http.ResponseWriter, r *http.Request) {
	key, err := bindRecordKey(r)
	if err == nil && key.mediaType != model.MediaTypeMovie {
		err = &shardstore.ValidationError{Field: "media_type", Reason: "качество удаляется у фильма или у эпизода"}
	}
	var quality string
	if err == nil {
		err = bindPath(r, "quality", &quality)
	}
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	h.finishDelete(w, h.svc.DeleteMovieQuality(r.Context(), key.shard, key.tmdbID, quality))
}

// DeleteSeason обрабатывает DELETE .../tv/{shard}/{tmdb_id}/seasons/{season}.
func (h *MediaHandler) DeleteSeason(w http.ResponseWriter, r *http.Request) {
	key, err := bindTVKey(r)
	var season int
	if err == nil {
		err = bindPath(r, "season", &season)
	}
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	h.finishDelete(w, h.svc.DeleteSeason(r.Context(), key.shard, key.tmdbID, season))
}

// DeleteEpisode обрабатывает DELETE .../seasons/{season}/episodes/{episode}.
func (h *MediaHandler) DeleteEpisode(w http.ResponseWriter, r *http.Request) {
	key, err := bindTVKey(r)
	var season, episode int
	if err == nil {
		err = bindPath(r, "season", &season)
	}
	if err == nil {
		err = bindPath(r, "episode", &episode)
	}
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	h.finishDelete(w, h.svc.DeleteEpisode(r.Context(), key.shard, key.tmdbID, season, episode))
}

// DeleteEpisodeQuality обрабатывает DELETE .../episodes/{episode}/qualities/{quality}.
func (h *MediaHandler) DeleteEpisodeQuality(w http.ResponseWriter, r *http.Request) {
	key, err := bindTVKey(r)
	var (
		season, episode int
		quality         string
	)
	if err == nil {
		err = bindPath(r, "season", &season)
	}
	if err == nil {
		err = bindPath(r, "episode", &episode)
	}
	if err == nil {
		err = bindPath(r, "quality", &quality)
	}
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	h.finishDelete(w, h.svc.DeleteEpisodeQuality(r.Context(), key.shard, key.tmdbID, season, episode, quality))
}

func (h *MediaHandler) finishDelete(w http.ResponseWriter, err error) {
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// IngestMedia обрабатывает POST /api/v1/ingest.
// Событие проверяется и ставится в очередь; запись выполняется асинхронно.
func (h *MediaHandler) IngestMedia(w http.ResponseWriter, r *http.Request) {
	var req service.IngestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	pending, err := h.svc.Ingest(&req)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ingestResponse{Status: "queued", Pending: pending})
}
