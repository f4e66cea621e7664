// Пакет database — подключение к шардам PostgreSQL через pgxpool,
// применение миграций (golang-migrate) и проверка готовности.
// Служебный шард и storage-шарды используют разные наборы миграций.
package database

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/storage/*.sql migrations/tracking/*.sql
var migrationsFS embed.FS

// Schema — набор миграций шарда.
type Schema string

const (
	// SchemaTracking — служебный шард (указатель активного шарда).
	SchemaTracking Schema = "tracking"
	// SchemaStorage — storage-шард (таблицы movie и tv).
	SchemaStorage Schema = "storage"
)

// Connect создаёт пул подключений к шарду name.
// Выполняет ping для проверки доступности.
func Connect(ctx context.Context, name, dsn string, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга DSN шарда %s: %w", name, err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания пула подключений шарда %s: %w", name, err)
	}

	// Проверяем подключение
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ошибка подключения к PostgreSQL (шард %s): %w", name, err)
	}

	logger.Info("Подключение к PostgreSQL установлено",
		slog.String("shard", name),
		slog.String("host", poolCfg.ConnConfig.Host),
		slog.Int("port", int(poolCfg.ConnConfig.Port)),
		slog.String("database", poolCfg.ConnConfig.Database),
	)

	return pool, nil
}

// Migrate применяет SQL-миграции набора schema к базе по DSN.
// Использует golang-migrate с драйвером pgx5.
func Migrate(dsn string, schema Schema, logger *slog.Logger) error {
	dir := "migrations/" + string(schema)
	source, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("ошибка создания источника миграций %s: %w", schema, err)
	}

	dbURL, err := MigrationURL(dsn)
	if err != nil {
		return err
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, dbURL)
	if err != nil {
		return fmt.Errorf("ошибка инициализации миграций: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("ошибка применения миграций %s: %w", schema, err)
	}

	version, dirty, _ := m.Version()
	logger.Info("Миграции применены",
		slog.String("schema", string(schema)),
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)

	return nil
}

// MigrationURL переводит DSN вида postgres://... в URL golang-migrate (pgx5://...).
func MigrationURL(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("некорректный DSN: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "postgres", "postgresql", "pgx5":
		u.Scheme = "pgx5"
	default:
		return "", fmt.Errorf("неподдерживаемая схема DSN %q (ожидается postgres://)", u.Scheme)
	}
	return u.String(), nil
}

// Redact скрывает пароль в DSN для логов.
func Redact(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}

// ReadinessChecker — проверка готовности всех шардов PostgreSQL для health endpoint.
// Реализует интерфейс handlers.ReadinessChecker.
type ReadinessChecker struct {
	names []string
	pools []*pgxpool.Pool
}

// NewReadinessChecker создаёт проверку готовности шардов.
func NewReadinessChecker() *ReadinessChecker {
	return &ReadinessChecker{}
}

// Add добавляет шард в проверку.
func (c *ReadinessChecker) Add(name string, pool *pgxpool.Pool) {
	c.names = append(c.names, name)
	c.pools = append(c.pools, pool)
}

// CheckReady пингует каждый шард.
// Возвращает статус ("ok", "fail") и сообщение.
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for i, pool := range c.pools {
		if err := pool.Ping(ctx); err != nil {
			return "fail", fmt.Sprintf("PostgreSQL (шард %s) недоступен: %v", c.names[i], err)
		}
	}
	return "ok", fmt.Sprintf("подключений активно: %d", len(c.pools))
}
