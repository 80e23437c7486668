package catalog

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/models"
)

// RecordToolMetric appends one invocation record
func (s *Store) RecordToolMetric(ctx context.Context, metric *models.ToolMetric) error {
	if err := s.conn(ctx).Create(metric).Error; err != nil {
		return errors.Wrapf(err, "failed recording metric for tool %s", metric.ToolID)
	}
	return nil
}

// ListToolMetrics returns the most recent metrics of a tool, newest first
func (s *Store) ListToolMetrics(ctx context.Context, toolID uuid.UUID, limit int) ([]models.ToolMetric, error) {
	var metrics []models.ToolMetric
	q := s.conn(ctx).Where("tool_id = ?", toolID).Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&metrics).Error; err != nil {
		return nil, errors.Wrapf(err, "failed listing metrics for tool %s", toolID)
	}
	return metrics, nil
}

type metricAggregate struct {
	Total     int64
	Successes sql.NullInt64
	MinTime   sql.NullFloat64
	MaxTime   sql.NullFloat64
	AvgTime   sql.NullFloat64
}

// ToolMetricsSummary aggregates all recorded metrics of a tool
func (s *Store) ToolMetricsSummary(ctx context.Context, toolID uuid.UUID) (*models.MetricsSummary, error) {
	db := s.conn(ctx)
	var agg metricAggregate
	err := db.Model(&models.ToolMetric{}).
		Select("COUNT(*) AS total, "+
			"SUM(CASE WHEN is_success THEN 1 ELSE 0 END) AS successes, "+
			"MIN(response_time) AS min_time, MAX(response_time) AS max_time, AVG(response_time) AS avg_time").
		Where("tool_id = ?", toolID).
		Scan(&agg).Error
	if err != nil {
		return nil, errors.Wrapf(err, "failed aggregating metrics for tool %s", toolID)
	}

	summary := &models.MetricsSummary{
		TotalExecutions:      agg.Total,
		SuccessfulExecutions: agg.Successes.Int64,
		FailedExecutions:     agg.Total - agg.Successes.Int64,
	}
	if agg.Total == 0 {
		return summary, nil
	}
	summary.FailureRate = float64(summary.FailedExecutions) / float64(agg.Total)
	if agg.MinTime.Valid {
		summary.MinResponseTime = &agg.MinTime.Float64
	}
	if agg.MaxTime.Valid {
		summary.MaxResponseTime = &agg.MaxTime.Float64
	}
	if agg.AvgTime.Valid {
		summary.AvgResponseTime = &agg.AvgTime.Float64
	}

	var last models.ToolMetric
	err = db.Where("tool_id = ?", toolID).Order("timestamp DESC").Limit(1).Find(&last).Error
	if err != nil {
		return nil, errors.Wrapf(err, "failed loading last metric for tool %s", toolID)
	}
	if !last.Timestamp.IsZero() {
		ts := last.Timestamp.In(time.UTC)
		summary.LastExecutionTime = &ts
	}
	return summary, nil
}
