package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/mediastream/internal/database"
	"github.com/bigkaa/mediastream/internal/domain/model"
)

// --- Unit-тесты ---

func TestBuildOrderBy(t *testing.T) {
	tests := []struct {
		sortBy, sortOrder string
		want              string
	}{
		{"", "", "ORDER BY updated_at DESC, id"},
		{"title", "asc", "ORDER BY title ASC, id"},
		{"release_year", "DESC", "ORDER BY release_year DESC, id"},
		{"rating", "ASC", "ORDER BY rating ASC, id"},
		{"title; DROP TABLE movie", "asc", "ORDER BY updated_at ASC, id"},
	}
	for _, tt := range tests {
		if got := buildOrderBy(tt.sortBy, tt.sortOrder); got != tt.want {
			t.Errorf("buildOrderBy(%q, %q) = %q, ожидалось %q", tt.sortBy, tt.sortOrder, got, tt.want)
		}
	}
}

func TestSearchPattern(t *testing.T) {
	tests := []struct {
		query, want string
	}{
		{"matrix", "%matrix%"},
		{"  the   matrix ", "%the%matrix%"},
		{"100%_off", `%100\%\_off%`},
		{"", "%%"},
	}
	for _, tt := range tests {
		if got := searchPattern(tt.query); got != tt.want {
			t.Errorf("searchPattern(%q) = %q, ожидалось %q", tt.query, got, tt.want)
		}
	}
}

func TestClassifyWriteError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"disk full", &pgconn.PgError{Code: pgerrcode.DiskFull}, ErrQuotaExceeded},
		{"insufficient resources", &pgconn.PgError{Code: pgerrcode.InsufficientResources}, ErrQuotaExceeded},
		{"program limit", fmt.Errorf("обёртка: %w", &pgconn.PgError{Code: pgerrcode.ProgramLimitExceeded}), ErrQuotaExceeded},
		{"unique", &pgconn.PgError{Code: pgerrcode.UniqueViolation}, ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyWriteError(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("classifyWriteError = %v, ожидалась %v", got, tt.want)
			}
		})
	}

	other := errors.New("connection reset")
	if got := classifyWriteError(other); got != other {
		t.Errorf("прочие ошибки должны возвращаться как есть, получено %v", got)
	}
}

// --- Интеграционные тесты ---

// setupTestDB запускает PostgreSQL контейнер и применяет оба набора миграций.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("media_test"),
		postgres.WithUsername("media"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Не удалось получить DSN контейнера: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	for _, schema := range []database.Schema{database.SchemaTracking, database.SchemaStorage} {
		if err := database.Migrate(dsn, schema, logger); err != nil {
			t.Fatalf("Ошибка миграций %s: %v", schema, err)
		}
	}

	pool, err := database.Connect(ctx, "test", dsn, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

func newMovie(title string, year int, names ...string) *model.MediaRecord {
	rec := &model.MediaRecord{
		ID:          uuid.New(),
		TMDBID:      int64(year)*10 + int64(len(title)),
		ShardIndex:  1,
		Title:       title,
		ReleaseYear: year,
		MediaType:   model.MediaTypeMovie,
		UpdatedAt:   time.Now().UTC().Truncate(time.Microsecond),
	}
	for i, n := range names {
		rec.Qualities = append(rec.Qualities, model.QualityVariant{
			Quality: fmt.Sprintf("%dp", 720+i*360), Token: "tok", Name: n, Size: "1.00 GB",
		})
	}
	return rec
}

func TestPartitionCRUD(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewPartitionRepository(pool, 1, 0)

	rec := newMovie("The Matrix", 1999, "The.Matrix.1999.1080p.mkv")
	if err := repo.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// Повторная вставка по тому же natural key — конфликт
	dup := newMovie("The Matrix", 1999)
	if err := repo.Insert(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("Insert дубликата: ошибка = %v, ожидалась ErrConflict", err)
	}

	got, err := repo.FindByNaturalKey(ctx, model.MediaTypeMovie, rec.NaturalKey())
	if err != nil {
		t.Fatalf("FindByNaturalKey: %v", err)
	}
	if got.ID != rec.ID || len(got.Qualities) != 1 || got.ShardIndex != 1 {
		t.Errorf("FindByNaturalKey вернул %+v", got)
	}

	got.Qualities = append(got.Qualities, model.QualityVariant{Quality: "2160p", Token: "t2", Name: "The.Matrix.2160p.mkv"})
	if err := repo.Replace(ctx, got); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	byTMDB, err := repo.GetByTMDBID(ctx, model.MediaTypeMovie, rec.TMDBID)
	if err != nil {
		t.Fatalf("GetByTMDBID: %v", err)
	}
	if len(byTMDB.Qualities) != 2 {
		t.Errorf("качеств после Replace = %d, ожидалось 2", len(byTMDB.Qualities))
	}

	if _, err := repo.GetByTMDBID(ctx, model.MediaTypeTV, rec.TMDBID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByTMDBID(tv): ошибка = %v, ожидалась ErrNotFound", err)
	}

	if err := repo.Delete(ctx, model.MediaTypeMovie, rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := repo.Delete(ctx, model.MediaTypeMovie, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("повторный Delete: ошибка = %v, ожидалась ErrNotFound", err)
	}
	if err := repo.Replace(ctx, rec); !errors.Is(err, ErrNotFound) {
		t.Errorf("Replace удалённой записи: ошибка = %v, ожидалась ErrNotFound", err)
	}
}

func TestPartitionListAndSearch(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewPartitionRepository(pool, 2, 0)

	titles := []string{"Alien", "Blade Runner", "Casablanca", "Dune"}
	for i, title := range titles {
		rec := newMovie(title, 1980+i, title+".1080p.mkv")
		rec.ShardIndex = 2
		rec.Rating = float64(i)
		if err := repo.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert(%s): %v", title, err)
		}
	}
	series := &model.MediaRecord{
		ID: uuid.New(), TMDBID: 77, ShardIndex: 2, Title: "Dark", ReleaseYear: 2017,
		MediaType: model.MediaTypeTV, UpdatedAt: time.Now().UTC(),
		Seasons: []model.Season{{Number: 1, Episodes: []model.Episode{{
			Number: 1, Qualities: []model.QualityVariant{{Quality: "1080p", Token: "t", Name: "Dark.S01E01.Runner.mkv"}},
		}}}},
	}
	if err := repo.Insert(ctx, series); err != nil {
		t.Fatalf("Insert(tv): %v", err)
	}

	page, err := repo.List(ctx, model.MediaTypeMovie, ListParams{SortBy: "title", SortOrder: "asc", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page) != 2 || page[0].Title != "Blade Runner" || page[1].Title != "Casablanca" {
		t.Errorf("List вернул %d записей: %v", len(page), titlesOf(page))
	}

	n, err := repo.Count(ctx, model.MediaTypeMovie)
	if err != nil || n != 4 {
		t.Errorf("Count = %d, %v; ожидалось 4", n, err)
	}

	// "runner" совпадает с названием фильма и с именем файла эпизода; сериалы идут первыми
	found, err := repo.Search(ctx, "RUNNER")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(found) != 2 || found[0].MediaType != model.MediaTypeTV || found[1].Title != "Blade Runner" {
		t.Errorf("Search вернул %v", titlesOf(found))
	}

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.MovieCount != 4 || stats.TVCount != 1 || stats.RecordCount != 5 || stats.UsedBytes <= 0 {
		t.Errorf("Stats = %+v", stats)
	}
}

func TestPartitionCapacity(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()

	// Ёмкость 1 байт — любая база уже заполнена
	repo := NewPartitionRepository(pool, 1, 1)
	if err := repo.Insert(ctx, newMovie("Heat", 1995)); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("Insert в заполненный шард: ошибка = %v, ожидалась ErrQuotaExceeded", err)
	}
}

func TestTrackerRepository(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewTrackerRepository(pool)

	active, err := repo.ActiveShard(ctx)
	if err != nil || active != 1 {
		t.Fatalf("ActiveShard = %d, %v; ожидалось 1", active, err)
	}
	if err := repo.SetActiveShard(ctx, 3); err != nil {
		t.Fatalf("SetActiveShard: %v", err)
	}
	active, err = repo.ActiveShard(ctx)
	if err != nil || active != 3 {
		t.Errorf("ActiveShard после SetActiveShard = %d, %v; ожидалось 3", active, err)
	}
}

func titlesOf(recs []*model.MediaRecord) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Title)
	}
	return out
}
