// Пакет model — доменные модели Media Stream.
// MediaRecord — корневой документ фильма или сериала, хранящийся в одном
// из storage-шардов (колонка doc JSONB таблиц movie / tv).
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// MediaType — тип медиа-записи.
type MediaType string

const (
	// MediaTypeMovie — фильм (список качеств на уровне записи).
	MediaTypeMovie MediaType = "movie"
	// MediaTypeTV — сериал (сезоны → эпизоды → качества).
	MediaTypeTV MediaType = "tv"
)

// ParseMediaType разбирает строку типа медиа. Допустимы "movie" и "tv".
func ParseMediaType(s string) (MediaType, bool) {
	switch MediaType(strings.ToLower(strings.TrimSpace(s))) {
	case MediaTypeMovie:
		return MediaTypeMovie, true
	case MediaTypeTV:
		return MediaTypeTV, true
	default:
		return "", false
	}
}

// Table возвращает имя таблицы шарда для типа медиа.
func (t MediaType) Table() string {
	if t == MediaTypeTV {
		return "tv"
	}
	return "movie"
}

// QualityVariant — одна закодированная версия (качество) фильма или эпизода.
// Уникальна по Quality внутри родителя.
type QualityVariant struct {
	// Quality — метка качества (1080p, 720p, 2160p HDR ...)
	Quality string `json:"quality"`
	// Token — location token объекта в мессенджере
	Token string `json:"token"`
	// Name — отображаемое имя файла
	Name string `json:"name"`
	// Size — человекочитаемый размер (1.50GB)
	Size string `json:"size"`
}

// Episode — эпизод сериала, уникален по Number внутри сезона.
type Episode struct {
	Number    int              `json:"episode_number"`
	Title     string           `json:"title"`
	Backdrop  string           `json:"episode_backdrop,omitempty"`
	Qualities []QualityVariant `json:"qualities"`
}

// Season — сезон сериала, уникален по Number внутри записи.
type Season struct {
	Number   int       `json:"season_number"`
	Episodes []Episode `json:"episodes"`
}

// NaturalKey — ключ слияния записей между шардами: (title, release_year).
type NaturalKey struct {
	Title       string
	ReleaseYear int
}

// MediaRecord — документ фильма или сериала.
type MediaRecord struct {
	// ID — идентификатор записи, сохраняется при миграции между шардами
	ID uuid.UUID `json:"id"`
	// TMDBID — внешний идентификатор (naturalId в admin API)
	TMDBID int64 `json:"tmdb_id"`
	// IMDBID — внешний идентификатор IMDb (опционально)
	IMDBID string `json:"imdb_id,omitempty"`
	// ShardIndex — индекс storage-шарда, в котором лежит запись (1..N)
	ShardIndex  int       `json:"shard_index"`
	Title       string    `json:"title"`
	Genres      []string  `json:"genres,omitempty"`
	Description string    `json:"description,omitempty"`
	Rating      float64   `json:"rating,omitempty"`
	ReleaseYear int       `json:"release_year,omitempty"`
	Poster      string    `json:"poster,omitempty"`
	Backdrop    string    `json:"backdrop,omitempty"`
	Logo        string    `json:"logo,omitempty"`
	MediaType   MediaType `json:"media_type"`
	Languages   []string  `json:"languages,omitempty"`
	// Runtime — длительность фильма в минутах
	Runtime       int       `json:"runtime,omitempty"`
	TotalSeasons  int       `json:"total_seasons,omitempty"`
	TotalEpisodes int       `json:"total_episodes,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`

	// Qualities — только для фильмов.
	Qualities []QualityVariant `json:"qualities,omitempty"`
	// Seasons — только для сериалов.
	Seasons []Season `json:"seasons,omitempty"`
}

// NaturalKey возвращает ключ слияния записи.
func (r *MediaRecord) NaturalKey() NaturalKey {
	return NaturalKey{Title: r.Title, ReleaseYear: r.ReleaseYear}
}

// DisplayNames возвращает отображаемые имена всех вариантов качества записи
// (используются в поиске наравне с названием).
func (r *MediaRecord) DisplayNames() []string {
	var names []string
	for _, q := range r.Qualities {
		names = append(names, q.Name)
	}
	for _, s := range r.Seasons {
		for _, e := range s.Episodes {
			for _, q := range e.Qualities {
				names = append(names, q.Name)
			}
		}
	}
	return names
}

// Clone возвращает глубокую копию записи.
func (r *MediaRecord) Clone() *MediaRecord {
	c := *r
	c.Genres = append([]string(nil), r.Genres...)
	c.Languages = append([]string(nil), r.Languages...)
	c.Qualities = append([]QualityVariant(nil), r.Qualities...)
	if r.Seasons != nil {
		c.Seasons = make([]Season, len(r.Seasons))
		for i, s := range r.Seasons {
			c.Seasons[i] = Season{Number: s.Number, Episodes: make([]Episode, len(s.Episodes))}
			for j, e := range s.Episodes {
				e.Qualities = append([]QualityVariant(nil), e.Qualities...)
				c.Seasons[i].Episodes[j] = e
			}
		}
	}
	return &c
}

// FindSeason возвращает указатель на сезон по номеру или nil.
func (r *MediaRecord) FindSeason(number int) *Season {
	for i := range r.Seasons {
		if r.Seasons[i].Number == number {
			return &r.Seasons[i]
		}
	}
	return nil
}

// FindEpisode возвращает указатель на эпизод по номеру или nil.
func (s *Season) FindEpisode(number int) *Episode {
	for i := range s.Episodes {
		if s.Episodes[i].Number == number {
			return &s.Episodes[i]
		}
	}
	return nil
}

// ShardStats — статистика одного storage-шарда.
type ShardStats struct {
	ShardIndex    int   `json:"shard_index"`
	RecordCount   int64 `json:"record_count"`
	MovieCount    int64 `json:"movie_count"`
	TVCount       int64 `json:"tv_count"`
	UsedBytes     int64 `json:"used_bytes"`
	CapacityBytes int64 `json:"capacity_bytes"`
	Active        bool  `json:"active"`
}
