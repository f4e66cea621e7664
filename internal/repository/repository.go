// Пакет repository — слой доступа к шардам PostgreSQL.
// Все запросы — чистый SQL через pgx, без ORM.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — конфликт уникальности (запись с таким ключом уже есть).
	ErrConflict = errors.New("конфликт — запись уже существует")
	// ErrQuotaExceeded — шард исчерпал место; запускает переключение шарда.
	ErrQuotaExceeded = errors.New("квота шарда исчерпана")
)

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// classifyWriteError приводит ошибку записи PostgreSQL к ошибкам репозитория.
// Нехватка места и ресурсов → ErrQuotaExceeded, нарушение уникальности → ErrConflict.
func classifyWriteError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgerrcode.DiskFull,
		pgerrcode.InsufficientResources,
		pgerrcode.OutOfMemory,
		pgerrcode.ConfigurationLimitExceeded,
		pgerrcode.ProgramLimitExceeded:
		return fmt.Errorf("%w: %s (%s)", ErrQuotaExceeded, pgErr.Message, pgErr.Code)
	case pgerrcode.UniqueViolation:
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.Detail)
	}
	return err
}
