package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ucrsph/incident-engine/internal/storage"
	"github.com/ucrsph/incident-engine/internal/types"
)

// GetCategoryConfig fetches the per-category clustering knobs. Returns
// storage.ErrNotFound when the category has no config row; the caller picks
// the fallback (the severity path has a built-in weight table).
func (s *Store) GetCategoryConfig(ctx context.Context, categoryID int64) (types.CategoryConfig, error) {
	const query = `
		SELECT base_severity_weight, time_window_hours, similarity_threshold
		FROM category_configs
		WHERE category_id = $1`
	var row struct {
		BaseSeverityWeight  float64 `db:"base_severity_weight"`
		TimeWindowHours     float64 `db:"time_window_hours"`
		SimilarityThreshold float64 `db:"similarity_threshold"`
	}
	if err := s.db.GetContext(ctx, &row, query, categoryID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.CategoryConfig{}, storage.ErrNotFound
		}
		return types.CategoryConfig{}, fmt.Errorf("get category config %d: %w", categoryID, err)
	}
	return types.CategoryConfig{
		CategoryID:          categoryID,
		BaseSeverityWeight:  row.BaseSeverityWeight,
		TimeWindowHours:     row.TimeWindowHours,
		SimilarityThreshold: row.SimilarityThreshold,
	}, nil
}
