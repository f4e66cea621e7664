// write.go — ингест, правка и удаления записей.
package shardstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/bigkaa/mediastream/internal/domain/model"
	"github.com/bigkaa/mediastream/internal/locator"
)

// ValidateEvent проверяет событие ингеста.
func ValidateEvent(ev *model.IngestEvent) error {
	md := &ev.Metadata
	switch {
	case md.MediaType != model.MediaTypeMovie && md.MediaType != model.MediaTypeTV:
		return &ValidationError{Field: "media_type", Reason: "ожидается movie или tv"}
	case strings.TrimSpace(md.Title) == "":
		return &ValidationError{Field: "title", Reason: "пустое название"}
	case md.ReleaseYear <= 0:
		return &ValidationError{Field: "release_year", Reason: "год не указан"}
	case md.TMDBID <= 0:
		return &ValidationError{Field: "tmdb_id", Reason: "ожидается положительное число"}
	case !ev.Coordinate.Valid():
		return &ValidationError{Field: "coordinate", Reason: "нужны channel_id и message_id"}
	case strings.TrimSpace(ev.Quality) == "":
		return &ValidationError{Field: "quality", Reason: "пустая метка качества"}
	case strings.TrimSpace(ev.DisplayName) == "":
		return &ValidationError{Field: "display_name", Reason: "пустое имя"}
	}
	if md.MediaType == model.MediaTypeTV {
		if ev.Season < 0 {
			return &ValidationError{Field: "season", Reason: "номер сезона отрицательный"}
		}
		if ev.Episode < 1 {
			return &ValidationError{Field: "episode", Reason: "ожидается номер эпизода >= 1"}
		}
	}
	return nil
}

// buildRecord собирает входящую запись из события: один вариант качества
// на уровне фильма или внутри сезона и эпизода.
func buildRecord(ev *model.IngestEvent, token string) *model.MediaRecord {
	rec := ev.Metadata.Clone()
	rec.Qualities = nil
	rec.Seasons = nil

	variant := model.QualityVariant{
		Quality: ev.Quality,
		Token:   token,
		Name:    ev.DisplayName,
		Size:    ev.SizeLabel,
	}
	if rec.MediaType == model.MediaTypeMovie {
		rec.Qualities = []model.QualityVariant{variant}
		return rec
	}
	rec.Seasons = []model.Season{{
		Number: ev.Season,
		Episodes: []model.Episode{{
			Number:    ev.Episode,
			Title:     ev.EpisodeTitle,
			Backdrop:  ev.EpisodeBackdrop,
			Qualities: []model.QualityVariant{variant},
		}},
	}}
	return rec
}

// mergeQualities заменяет вариант с той же меткой или добавляет новый.
// Возвращает токены вытесненных объектов.
func mergeQualities(dst *[]model.QualityVariant, incoming []model.QualityVariant) []string {
	var superseded []string
	for _, q := range incoming {
		replaced := false
		for i := range *dst {
			if (*dst)[i].Quality != q.Quality {
				continue
			}
			if old := (*dst)[i].Token; old != "" && old != q.Token {
				superseded = append(superseded, old)
			}
			(*dst)[i] = q
			replaced = true
			break
		}
		if !replaced {
			*dst = append(*dst, q)
		}
	}
	return superseded
}

// mergeRecord вливает варианты качества incoming в dst: для фильмов по метке
// качества, для сериалов по номеру сезона, затем эпизода.
// Метаданные dst не меняются. Возвращает токены вытесненных объектов.
func mergeRecord(dst, incoming *model.MediaRecord) []string {
	if dst.MediaType == model.MediaTypeMovie {
		return mergeQualities(&dst.Qualities, incoming.Qualities)
	}

	var superseded []string
	for _, season := range incoming.Seasons {
		existing := dst.FindSeason(season.Number)
		if existing == nil {
			dst.Seasons = append(dst.Seasons, season)
			continue
		}
		for _, ep := range season.Episodes {
			existingEp := existing.FindEpisode(ep.Number)
			if existingEp == nil {
				existing.Episodes = append(existing.Episodes, ep)
				continue
			}
			superseded = append(superseded, mergeQualities(&existingEp.Qualities, ep.Qualities)...)
		}
	}
	return superseded
}

// Ingest записывает новый объект мессенджера как вариант качества записи.
// Запись ищется по (title, release_year) во всех шардах; найденная запись
// дополняется и при необходимости переносится в активный шард, иначе
// создаётся новая. Возвращает ID записи.
func (s *Store) Ingest(ctx context.Context, ev *model.IngestEvent) (uuid.UUID, error) {
	if err := ValidateEvent(ev); err != nil {
		return uuid.Nil, err
	}

	token, err := locator.Encode(ev.Coordinate)
	if err != nil {
		return uuid.Nil, &ValidationError{Field: "coordinate", Reason: err.Error()}
	}
	incoming := buildRecord(ev, token)

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		id         uuid.UUID
		superseded []string
	)
	err = s.withOverflow(ctx, func(active int) error {
		var opErr error
		id, superseded, opErr = s.upsert(ctx, active, incoming)
		return opErr
	})
	if err != nil {
		return uuid.Nil, err
	}

	s.notifySuperseded(superseded)
	return id, nil
}

// upsert — одна попытка записи против активного шарда.
func (s *Store) upsert(ctx context.Context, active int, incoming *model.MediaRecord) (uuid.UUID, []string, error) {
	existing, err := s.findByNaturalKey(ctx, incoming.MediaType, incoming.NaturalKey())
	if err != nil {
		return uuid.Nil, nil, err
	}

	if existing == nil {
		rec := incoming.Clone()
		rec.ID = uuid.New()
		rec.ShardIndex = active
		rec.UpdatedAt = s.now()
		if err := s.partition(active).Insert(ctx, rec); err != nil {
			return uuid.Nil, nil, err
		}
		s.logger.Info("Запись создана",
			slog.String("id", rec.ID.String()),
			slog.String("title", rec.Title),
			slog.Int("year", rec.ReleaseYear),
			slog.Int("shard", active),
		)
		return rec.ID, nil, nil
	}

	merged := existing.Clone()
	superseded := mergeRecord(merged, incoming)
	merged.UpdatedAt = s.now()

	if existing.ShardIndex == active {
		if err := s.partition(active).Replace(ctx, merged); err != nil {
			return uuid.Nil, nil, err
		}
	} else if err := s.migrate(ctx, merged, existing.ShardIndex, active); err != nil {
		return uuid.Nil, nil, err
	}

	s.logger.Info("Запись обновлена",
		slog.String("id", merged.ID.String()),
		slog.String("title", merged.Title),
		slog.Int("shard", merged.ShardIndex),
		slog.Int("superseded", len(superseded)),
	)
	return merged.ID, superseded, nil
}

// notifySuperseded передаёт координаты вытесненных объектов на удаление.
func (s *Store) notifySuperseded(tokens []string) {
	if s.onSuperseded == nil {
		return
	}
	for _, tok := range tokens {
		coord, err := locator.Decode(tok)
		if err != nil {
			s.logger.Error("Не удалось декодировать вытесненный токен",
				slog.String("error", err.Error()),
			)
			continue
		}
		s.onSuperseded(coord)
	}
}

// DocumentPatch — изменяемые поля записи; nil — поле не меняется.
type DocumentPatch struct {
	Title         *string   `json:"title,omitempty"`
	Genres        *[]string `json:"genres,omitempty"`
	Description   *string   `json:"description,omitempty"`
	Rating        *float64  `json:"rating,omitempty"`
	ReleaseYear   *int      `json:"release_year,omitempty"`
	Poster        *string   `json:"poster,omitempty"`
	Backdrop      *string   `json:"backdrop,omitempty"`
	Logo          *string   `json:"logo,omitempty"`
	IMDBID        *string   `json:"imdb_id,omitempty"`
	Languages     *[]string `json:"languages,omitempty"`
	Runtime       *int      `json:"runtime,omitempty"`
	TotalSeasons  *int      `json:"total_seasons,omitempty"`
	TotalEpisodes *int      `json:"total_episodes,omitempty"`
}

// apply применяет патч и сообщает, изменилось ли что-нибудь.
func (p *DocumentPatch) apply(rec *model.MediaRecord) (bool, error) {
	changed := false
	setString := func(dst *string, v *string) {
		if v != nil && *dst != *v {
			*dst = *v
			changed = true
		}
	}
	setInt := func(dst *int, v *int) {
		if v != nil && *dst != *v {
			*dst = *v
			changed = true
		}
	}
	setList := func(dst *[]string, v *[]string) {
		if v != nil && !equalStrings(*dst, *v) {
			*dst = append([]string(nil), (*v)...)
			changed = true
		}
	}

	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return false, &ValidationError{Field: "title", Reason: "пустое название"}
	}
	if p.ReleaseYear != nil && *p.ReleaseYear <= 0 {
		return false, &ValidationError{Field: "release_year", Reason: "ожидается положительный год"}
	}
	if p.Rating != nil && (*p.Rating < 0 || *p.Rating > 10) {
		return false, &ValidationError{Field: "rating", Reason: "ожидается 0..10"}
	}

	setString(&rec.Title, p.Title)
	setList(&rec.Genres, p.Genres)
	setString(&rec.Description, p.Description)
	if p.Rating != nil && rec.Rating != *p.Rating {
		rec.Rating = *p.Rating
		changed = true
	}
	setInt(&rec.ReleaseYear, p.ReleaseYear)
	setString(&rec.Poster, p.Poster)
	setString(&rec.Backdrop, p.Backdrop)
	setString(&rec.Logo, p.Logo)
	setString(&rec.IMDBID, p.IMDBID)
	setList(&rec.Languages, p.Languages)
	setInt(&rec.Runtime, p.Runtime)
	setInt(&rec.TotalSeasons, p.TotalSeasons)
	setInt(&rec.TotalEpisodes, p.TotalEpisodes)
	return changed, nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// UpdateDocument применяет патч к записи (mediaType, shard, tmdbID).
// Если шард записи заполнен, запись переносится в активный шард через
// тот же цикл переключения. Возвращает актуальную запись и признак изменения.
func (s *Store) UpdateDocument(ctx context.Context, mt model.MediaType, shard int, tmdbID int64, patch *DocumentPatch) (*model.MediaRecord, bool, error) {
	if err := s.checkShard(shard); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.partition(shard).GetByTMDBID(ctx, mt, tmdbID)
	if err != nil {
		return nil, false, classifyError(err)
	}
	changed, err := patch.apply(rec)
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return rec, false, nil
	}
	rec.UpdatedAt = s.now()

	err = s.partition(shard).Replace(ctx, rec)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, ErrQuotaExceeded) {
		return nil, false, classifyError(err)
	}

	s.logger.Warn("Шард записи заполнен, перенос при правке",
		slog.Int64("tmdb_id", tmdbID),
		slog.Int("shard", shard),
	)
	err = s.withOverflow(ctx, func(active int) error {
		if active == shard {
			return fmt.Errorf("%w: шард %d", ErrQuotaExceeded, shard)
		}
		return s.migrate(ctx, rec, shard, active)
	})
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// DeleteDocument удаляет запись целиком.
func (s *Store) DeleteDocument(ctx context.Context, mt model.MediaType, shard int, tmdbID int64) error {
	if err := s.checkShard(shard); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.partition(shard).GetByTMDBID(ctx, mt, tmdbID)
	if err != nil {
		return classifyError(err)
	}
	if err := s.partition(shard).Delete(ctx, mt, rec.ID); err != nil {
		return classifyError(err)
	}
	s.logger.Info("Запись удалена",
		slog.String("media_type", string(mt)),
		slog.Int64("tmdb_id", tmdbID),
		slog.Int("shard", shard),
	)
	return nil
}

// trim загружает запись, применяет удаление и сохраняет документ,
// только если cut сообщил об изменении.
func (s *Store) trim(ctx context.Context, mt model.MediaType, shard int, tmdbID int64, cut func(rec *model.MediaRecord) bool) error {
	if err := s.checkShard(shard); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.partition(shard).GetByTMDBID(ctx, mt, tmdbID)
	if err != nil {
		return classifyError(err)
	}
	if !cut(rec) {
		return ErrNotFound
	}
	rec.UpdatedAt = s.now()
	if err := s.partition(shard).ReplaceTrimmed(ctx, rec); err != nil {
		return classifyError(err)
	}
	return nil
}

// DeleteMovieQuality удаляет вариант качества фильма.
func (s *Store) DeleteMovieQuality(ctx context.Context, shard int, tmdbID int64, quality string) error {
	return s.trim(ctx, model.MediaTypeMovie, shard, tmdbID, func(rec *model.MediaRecord) bool {
		return removeQuality(&rec.Qualities, quality)
	})
}

// DeleteSeason удаляет сезон сериала.
func (s *Store) DeleteSeason(ctx context.Context, shard int, tmdbID int64, season int) error {
	return s.trim(ctx, model.MediaTypeTV, shard, tmdbID, func(rec *model.MediaRecord) bool {
		for i := range rec.Seasons {
			if rec.Seasons[i].Number == season {
				rec.Seasons = append(rec.Seasons[:i], rec.Seasons[i+1:]...)
				return true
			}
		}
		return false
	})
}

// DeleteEpisode удаляет эпизод сезона.
func (s *Store) DeleteEpisode(ctx context.Context, shard int, tmdbID int64, season, episode int) error {
	return s.trim(ctx, model.MediaTypeTV, shard, tmdbID, func(rec *model.MediaRecord) bool {
		sn := rec.FindSeason(season)
		if sn == nil {
			return false
		}
		for i := range sn.Episodes {
			if sn.Episodes[i].Number == episode {
				sn.Episodes = append(sn.Episodes[:i], sn.Episodes[i+1:]...)
				return true
			}
		}
		return false
	})
}

// DeleteEpisodeQuality удаляет вариант качества эпизода.
func (s *Store) DeleteEpisodeQuality(ctx context.Context, shard int, tmdbID int64, season, episode int, quality string) error {
	return s.trim(ctx, model.MediaTypeTV, shard, tmdbID, func(rec *model.MediaRecord) bool {
		sn := rec.FindSeason(season)
		if sn == nil {
			return false
		}
		ep := sn.FindEpisode(episode)
		if ep == nil {
			return false
		}
		return removeQuality(&ep.Qualities, quality)
	})
}

func removeQuality(list *[]model.QualityVariant, quality string) bool {
	for i := range *list {
		if (*list)[i].Quality == quality {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}
