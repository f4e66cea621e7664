package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TrackerRepository — указатель активного storage-шарда в служебном шарде
// (таблица shard_state, одна строка).
type TrackerRepository struct {
	db DBTX
}

// NewTrackerRepository создаёт репозиторий указателя.
func NewTrackerRepository(db DBTX) *TrackerRepository {
	return &TrackerRepository{db: db}
}

// ActiveShard возвращает сохранённый указатель. Если строки нет — 1.
func (r *TrackerRepository) ActiveShard(ctx context.Context) (int, error) {
	var active int
	err := r.db.QueryRow(ctx, `SELECT active_shard FROM shard_state WHERE id = 1`).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 1, nil
		}
		return 0, fmt.Errorf("ошибка чтения указателя шарда: %w", err)
	}
	return active, nil
}

// SetActiveShard сохраняет указатель (upsert).
func (r *TrackerRepository) SetActiveShard(ctx context.Context, index int) error {
	query := `
		INSERT INTO shard_state (id, active_shard, updated_at)
		VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE
		SET active_shard = EXCLUDED.active_shard, updated_at = EXCLUDED.updated_at`

	if _, err := r.db.Exec(ctx, query, index); err != nil {
		return fmt.Errorf("ошибка сохранения указателя шарда: %w", err)
	}
	return nil
}
