// media.go — сервис администрирования медиа-записей поверх шардированного
// хранилища: список, поиск, детали, правка, удаления, приём событий ингеста,
// статистика шардов и нагрузка сессий.
package service

import (
	"context"
	"strconv"
	"strings"

	"github.com/bigkaa/mediastream/internal/domain/model"
	"github.com/bigkaa/mediastream/internal/ingest"
	"github.com/bigkaa/mediastream/internal/shardstore"
)

// chatIDPrefix — служебное смещение идентификатора канала в адресации мессенджера.
const chatIDPrefix int64 = 1_000_000_000_000

// MediaStore — операции шардированного хранилища (shardstore.Store).
type MediaStore interface {
	Paginate(ctx context.Context, mt model.MediaType, params shardstore.ListParams) (*shardstore.Page, error)
	Search(ctx context.Context, query string, page, pageSize int) (*shardstore.Page, error)
	Details(ctx context.Context, mt model.MediaType, shard int, tmdbID int64, season, episode *int) (*shardstore.Details, error)
	UpdateDocument(ctx context.Context, mt model.MediaType, shard int, tmdbID int64, patch *shardstore.DocumentPatch) (*model.MediaRecord, bool, error)
	DeleteDocument(ctx context.Context, mt model.MediaType, shard int, tmdbID int64) error
	DeleteMovieQuality(ctx context.Context, shard int, tmdbID int64, quality string) error
	DeleteSeason(ctx context.Context, shard int, tmdbID int64, season int) error
	DeleteEpisode(ctx context.Context, shard int, tmdbID int64, season, episode int) error
	DeleteEpisodeQuality(ctx context.Context, shard int, tmdbID int64, season, episode int, quality string) error
	Stats(ctx context.Context) ([]model.ShardStats, error)
	Active() int
}

// IngestQueue — очередь ингеста (ingest.Worker).
type IngestQueue interface {
	Submit(ev *model.IngestEvent)
	Pending() int
}

// PoolInfo — нагрузка и имена сессий (clientpool.Pool).
type PoolInfo interface {
	Workloads() map[int]int64
	Names() []string
}

// ListRequest — параметры списка записей.
type ListRequest struct {
	MediaType model.MediaType
	Search    string
	SortBy    string
	SortOrder string
	Page      int
	PageSize  int
}

// IngestRequest — событие загрузки объекта в мессенджер.
type IngestRequest struct {
	MediaType     string   `json:"media_type"`
	TMDBID        int64    `json:"tmdb_id"`
	IMDBID        string   `json:"imdb_id,omitempty"`
	Title         string   `json:"title"`
	Genres        []string `json:"genres,omitempty"`
	Description   string   `json:"description,omitempty"`
	Rating        float64  `json:"rating,omitempty"`
	ReleaseYear   int      `json:"release_year"`
	Poster        string   `json:"poster,omitempty"`
	Backdrop      string   `json:"backdrop,omitempty"`
	Logo          string   `json:"logo,omitempty"`
	Languages     []string `json:"languages,omitempty"`
	Runtime       int      `json:"runtime,omitempty"`
	TotalSeasons  int      `json:"total_seasons,omitempty"`
	TotalEpisodes int      `json:"total_episodes,omitempty"`

	// ChannelID — канал без префикса -100 или полный chat id
	ChannelID int64  `json:"channel_id"`
	MessageID int64  `json:"message_id"`
	FileHash  string `json:"file_unique_id,omitempty"`
	FileName  string `json:"file_name"`
	FileSize  int64  `json:"file_size"`
	Caption   string `json:"caption,omitempty"`
	Quality   string `json:"quality"`

	Season          int    `json:"season,omitempty"`
	Episode         int    `json:"episode,omitempty"`
	EpisodeTitle    string `json:"episode_title,omitempty"`
	EpisodeBackdrop string `json:"episode_backdrop,omitempty"`
}

// MediaService — сервис администрирования записей.
type MediaService struct {
	store MediaStore
	queue IngestQueue
	pool  PoolInfo
}

// NewMediaService создаёт сервис администрирования.
func NewMediaService(store MediaStore, queue IngestQueue, pool PoolInfo) *MediaService {
	return &MediaService{store: store, queue: queue, pool: pool}
}

// List возвращает страницу записей. С непустым Search выполняется поиск
// по названию и отображаемым именам (оба типа медиа), иначе постраничный
// список типа MediaType.
func (s *MediaService) List(ctx context.Context, req ListRequest) (*shardstore.Page, error) {
	if q := strings.TrimSpace(req.Search); q != "" {
		return s.store.Search(ctx, q, req.Page, req.PageSize)
	}
	if req.MediaType == "" {
		return nil, &shardstore.ValidationError{Field: "media_type", Reason: "ожидается movie или tv"}
	}
	return s.store.Paginate(ctx, req.MediaType, shardstore.ListParams{
		SortBy:    req.SortBy,
		SortOrder: req.SortOrder,
		Page:      req.Page,
		PageSize:  req.PageSize,
	})
}

// Details возвращает запись, сезон или эпизод.
func (s *MediaService) Details(ctx context.Context, mt model.MediaType, shard int, tmdbID int64, season, episode *int) (*shardstore.Details, error) {
	return s.store.Details(ctx, mt, shard, tmdbID, season, episode)
}

// Update применяет патч к записи.
func (s *MediaService) Update(ctx context.Context, mt model.MediaType, shard int, tmdbID int64, patch *shardstore.DocumentPatch) (*model.MediaRecord, bool, error) {
	return s.store.UpdateDocument(ctx, mt, shard, tmdbID, patch)
}

// Delete удаляет запись целиком.
func (s *MediaService) Delete(ctx context.Context, mt model.MediaType, shard int, tmdbID int64) error {
	return s.store.DeleteDocument(ctx, mt, shard, tmdbID)
}

// DeleteMovieQuality удаляет вариант качества фильма.
func (s *MediaService) DeleteMovieQuality(ctx context.Context, shard int, tmdbID int64, quality string) error {
	return s.store.DeleteMovieQuality(ctx, shard, tmdbID, quality)
}

// DeleteSeason удаляет сезон сериала.
func (s *MediaService) DeleteSeason(ctx context.Context, shard int, tmdbID int64, season int) error {
	return s.store.DeleteSeason(ctx, shard, tmdbID, season)
}

// DeleteEpisode удаляет эпизод сериала.
func (s *MediaService) DeleteEpisode(ctx context.Context, shard int, tmdbID int64, season, episode int) error {
	return s.store.DeleteEpisode(ctx, shard, tmdbID, season, episode)
}

// DeleteEpisodeQuality удаляет вариант качества эпизода.
func (s *MediaService) DeleteEpisodeQuality(ctx context.Context, shard int, tmdbID int64, season, episode int, quality string) error {
	return s.store.DeleteEpisodeQuality(ctx, shard, tmdbID, season, episode, quality)
}

// Ingest проверяет событие и ставит его в очередь ингеста.
// Возвращает длину очереди после постановки.
func (s *MediaService) Ingest(req *IngestRequest) (int, error) {
	ev := BuildIngestEvent(req)
	if err := shardstore.ValidateEvent(ev); err != nil {
		return 0, err
	}
	if req.FileSize < 0 {
		return 0, &shardstore.ValidationError{Field: "file_size", Reason: "отрицательный размер"}
	}
	s.queue.Submit(ev)
	return s.queue.Pending(), nil
}

// BuildIngestEvent собирает событие ингеста: нормализует канал, вычисляет
// отображаемое имя и человекочитаемый размер.
func BuildIngestEvent(req *IngestRequest) *model.IngestEvent {
	mt, _ := model.ParseMediaType(req.MediaType)
	ev := &model.IngestEvent{
		Metadata: model.MediaRecord{
			TMDBID:        req.TMDBID,
			IMDBID:        req.IMDBID,
			Title:         strings.TrimSpace(req.Title),
			Genres:        req.Genres,
			Description:   req.Description,
			Rating:        req.Rating,
			ReleaseYear:   req.ReleaseYear,
			Poster:        req.Poster,
			Backdrop:      req.Backdrop,
			Logo:          req.Logo,
			MediaType:     mt,
			Languages:     req.Languages,
			Runtime:       req.Runtime,
			TotalSeasons:  req.TotalSeasons,
			TotalEpisodes: req.TotalEpisodes,
		},
		Coordinate: model.Coordinate{
			ChannelID: NormalizeChannelID(req.ChannelID),
			MessageID: req.MessageID,
			Hash:      model.HashPrefix(req.FileHash),
		},
		Quality:   strings.TrimSpace(req.Quality),
		SizeLabel: ingest.SizeLabel(req.FileSize),
		Caption:   req.Caption,
	}
	if name := strings.TrimSpace(req.FileName); name != "" {
		ev.DisplayName = ingest.DisplayName(name)
	}
	if mt == model.MediaTypeTV {
		ev.Season = req.Season
		ev.Episode = req.Episode
		ev.EpisodeTitle = req.EpisodeTitle
		ev.EpisodeBackdrop = req.EpisodeBackdrop
	}
	return ev
}

// NormalizeChannelID снимает префикс -100 с полного chat id.
func NormalizeChannelID(id int64) int64 {
	if id <= -chatIDPrefix {
		return -id - chatIDPrefix
	}
	return id
}

// ShardsInfo — статистика шардов и активный указатель.
type ShardsInfo struct {
	Active int                `json:"active_shard"`
	Shards []model.ShardStats `json:"shards"`
}

// Shards возвращает статистику шардов.
func (s *MediaService) Shards(ctx context.Context) (*ShardsInfo, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &ShardsInfo{Active: s.store.Active(), Shards: stats}, nil
}

// Workloads возвращает нагрузку сессий по индексу.
func (s *MediaService) Workloads() map[string]int64 {
	loads := s.pool.Workloads()
	out := make(map[string]int64, len(loads))
	for idx, load := range loads {
		out[strconv.Itoa(idx)] = load
	}
	return out
}

// ClientNames возвращает имена сессий в порядке индексов.
func (s *MediaService) ClientNames() []string {
	return s.pool.Names()
}
