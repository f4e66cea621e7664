package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/mediastream/internal/domain/model"
)

// ListParams — параметры постраничного списка одного шарда.
type ListParams struct {
	// SortBy — поле сортировки: updated_at, title, release_year, rating
	SortBy string
	// SortOrder — направление: asc, desc
	SortOrder string
	Limit     int
	Offset    int
}

// PartitionRepository — storage-шард: таблицы movie и tv одной базы PostgreSQL.
// Документ записи целиком лежит в doc (JSONB).
type PartitionRepository struct {
	db       DBTX
	index    int
	capacity int64
}

// NewPartitionRepository создаёт репозиторий шарда index.
// capacityBytes > 0 ограничивает размер базы: запись в заполненный шард
// завершается ErrQuotaExceeded.
func NewPartitionRepository(db DBTX, index int, capacityBytes int64) *PartitionRepository {
	return &PartitionRepository{db: db, index: index, capacity: capacityBytes}
}

// Index возвращает номер шарда (1..N).
func (r *PartitionRepository) Index() int {
	return r.index
}

// FindByNaturalKey ищет запись по (title, release_year).
func (r *PartitionRepository) FindByNaturalKey(ctx context.Context, mt model.MediaType, key model.NaturalKey) (*model.MediaRecord, error) {
	query := fmt.Sprintf(`SELECT doc FROM %s WHERE title = $1 AND release_year = $2`, mt.Table())
	return r.scanOne(ctx, query, key.Title, key.ReleaseYear)
}

// GetByTMDBID возвращает запись по внешнему идентификатору.
func (r *PartitionRepository) GetByTMDBID(ctx context.Context, mt model.MediaType, tmdbID int64) (*model.MediaRecord, error) {
	query := fmt.Sprintf(`SELECT doc FROM %s WHERE tmdb_id = $1 ORDER BY updated_at DESC LIMIT 1`, mt.Table())
	return r.scanOne(ctx, query, tmdbID)
}

// Insert вставляет запись в шард. ShardIndex записи должен совпадать с шардом.
func (r *PartitionRepository) Insert(ctx context.Context, rec *model.MediaRecord) error {
	if err := r.checkCapacity(ctx); err != nil {
		return err
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ошибка сериализации записи: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, tmdb_id, title, release_year, rating, display_names, doc, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, rec.MediaType.Table())

	_, err = r.db.Exec(ctx, query,
		rec.ID, rec.TMDBID, rec.Title, rec.ReleaseYear, rec.Rating,
		nonNil(rec.DisplayNames()), doc, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ошибка вставки записи в шард %d: %w", r.index, classifyWriteError(err))
	}
	return nil
}

// Replace перезаписывает документ записи по ID.
func (r *PartitionRepository) Replace(ctx context.Context, rec *model.MediaRecord) error {
	return r.replace(ctx, rec, true)
}

// ReplaceTrimmed перезаписывает документ без проверки ёмкости: используется
// при удалении качеств, эпизодов и сезонов, когда документ только уменьшается.
func (r *PartitionRepository) ReplaceTrimmed(ctx context.Context, rec *model.MediaRecord) error {
	return r.replace(ctx, rec, false)
}

func (r *PartitionRepository) replace(ctx context.Context, rec *model.MediaRecord, capacityCheck bool) error {
	if capacityCheck {
		if err := r.checkCapacity(ctx); err != nil {
			return err
		}
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ошибка сериализации записи: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET tmdb_id = $2, title = $3, release_year = $4, rating = $5,
			display_names = $6, doc = $7, updated_at = $8
		WHERE id = $1`, rec.MediaType.Table())

	tag, err := r.db.Exec(ctx, query,
		rec.ID, rec.TMDBID, rec.Title, rec.ReleaseYear, rec.Rating,
		nonNil(rec.DisplayNames()), doc, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ошибка обновления записи в шарде %d: %w", r.index, classifyWriteError(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete удаляет запись по ID.
func (r *PartitionRepository) Delete(ctx context.Context, mt model.MediaType, id uuid.UUID) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, mt.Table())
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления записи из шарда %d: %w", r.index, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List возвращает страницу записей одного типа.
func (r *PartitionRepository) List(ctx context.Context, mt model.MediaType, params ListParams) ([]*model.MediaRecord, error) {
	query := fmt.Sprintf(`SELECT doc FROM %s %s LIMIT $1 OFFSET $2`,
		mt.Table(), buildOrderBy(params.SortBy, params.SortOrder))
	return r.scanMany(ctx, query, params.Limit, params.Offset)
}

// Count возвращает количество записей одного типа.
func (r *PartitionRepository) Count(ctx context.Context, mt model.MediaType) (int64, error) {
	var n int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, mt.Table())
	if err := r.db.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта записей шарда %d: %w", r.index, err)
	}
	return n, nil
}

// Search возвращает все записи шарда (сначала сериалы, затем фильмы),
// у которых название или отображаемое имя любого качества содержит слова
// запроса по порядку, без учёта регистра.
func (r *PartitionRepository) Search(ctx context.Context, query string) ([]*model.MediaRecord, error) {
	pattern := searchPattern(query)

	var result []*model.MediaRecord
	for _, mt := range []model.MediaType{model.MediaTypeTV, model.MediaTypeMovie} {
		q := fmt.Sprintf(`
			SELECT doc FROM %s
			WHERE title ILIKE $1
				OR EXISTS (SELECT 1 FROM unnest(display_names) AS n WHERE n ILIKE $1)
			ORDER BY updated_at DESC`, mt.Table())
		recs, err := r.scanMany(ctx, q, pattern)
		if err != nil {
			return nil, err
		}
		result = append(result, recs...)
	}
	return result, nil
}

// Stats возвращает количество записей и занятый объём базы шарда.
func (r *PartitionRepository) Stats(ctx context.Context) (*model.ShardStats, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM movie),
			(SELECT COUNT(*) FROM tv),
			pg_database_size(current_database())`

	s := &model.ShardStats{ShardIndex: r.index, CapacityBytes: r.capacity}
	if err := r.db.QueryRow(ctx, query).Scan(&s.MovieCount, &s.TVCount, &s.UsedBytes); err != nil {
		return nil, fmt.Errorf("ошибка получения статистики шарда %d: %w", r.index, err)
	}
	s.RecordCount = s.MovieCount + s.TVCount
	return s, nil
}

// checkCapacity возвращает ErrQuotaExceeded, если база шарда достигла ёмкости.
func (r *PartitionRepository) checkCapacity(ctx context.Context) error {
	if r.capacity <= 0 {
		return nil
	}
	var used int64
	if err := r.db.QueryRow(ctx, `SELECT pg_database_size(current_database())`).Scan(&used); err != nil {
		return fmt.Errorf("ошибка получения размера шарда %d: %w", r.index, err)
	}
	if used >= r.capacity {
		return fmt.Errorf("%w: шард %d занимает %d из %d байт", ErrQuotaExceeded, r.index, used, r.capacity)
	}
	return nil
}

func (r *PartitionRepository) scanOne(ctx context.Context, query string, args ...any) (*model.MediaRecord, error) {
	var raw []byte
	if err := r.db.QueryRow(ctx, query, args...).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка чтения записи шарда %d: %w", r.index, err)
	}
	return decodeRecord(raw, r.index)
}

func (r *PartitionRepository) scanMany(ctx context.Context, query string, args ...any) ([]*model.MediaRecord, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения записей шарда %d: %w", r.index, err)
	}
	defer rows.Close()

	var result []*model.MediaRecord
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи: %w", err)
		}
		rec, err := decodeRecord(raw, r.index)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации результатов: %w", err)
	}
	return result, nil
}

// decodeRecord разбирает документ; ShardIndex всегда равен шарду, из которого прочитана запись.
func decodeRecord(raw []byte, index int) (*model.MediaRecord, error) {
	rec := &model.MediaRecord{}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("ошибка разбора документа записи: %w", err)
	}
	rec.ShardIndex = index
	return rec, nil
}

// searchPattern строит ILIKE-шаблон %w1%w2% из слов запроса.
func searchPattern(query string) string {
	words := strings.Fields(query)
	escaper := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	for i, w := range words {
		words[i] = escaper.Replace(w)
	}
	return "%" + strings.Join(words, "%") + "%"
}

const defaultSortColumn = "updated_at"

// buildOrderBy строит ORDER BY с безопасным whitelist полей.
func buildOrderBy(sortBy, sortOrder string) string {
	column := defaultSortColumn
	switch sortBy {
	case "title":
		column = "title"
	case "release_year":
		column = "release_year"
	case "rating":
		column = "rating"
	case defaultSortColumn:
		column = defaultSortColumn
	}

	direction := "DESC"
	if strings.EqualFold(sortOrder, "asc") {
		direction = "ASC"
	}

	// id — стабильный порядок при равных значениях
	return fmt.Sprintf("ORDER BY %s %s, id", column, direction)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
