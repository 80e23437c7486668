package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Outcome classifies how an invocation ended
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeCancelled Outcome = "cancelled"
)

// ToolMetric is an append-only record of a single tool invocation
type ToolMetric struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"      json:"id"`
	ToolID       uuid.UUID `gorm:"type:uuid;not null;index"  json:"toolId"`
	Timestamp    time.Time `gorm:"not null;index"            json:"timestamp"`
	ResponseTime float64   `gorm:"not null"                  json:"responseTime"` // seconds
	IsSuccess    bool      `gorm:"not null"                  json:"isSuccess"`
	Outcome      Outcome   `gorm:"size:16;not null"          json:"outcome"`
	ErrorMessage string    `gorm:"type:text"                 json:"errorMessage,omitempty"`
}

// TableName specifies the table name for ToolMetric model
func (ToolMetric) TableName() string {
	return "tool_metrics"
}

// BeforeCreate hook to ensure ID and timestamp are set
func (m *ToolMetric) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	return nil
}

// BeforeUpdate rejects any modification of a recorded metric
func (m *ToolMetric) BeforeUpdate(tx *gorm.DB) error {
	return ErrMetricImmutable
}

// MetricsSummary aggregates the metrics of one tool
type MetricsSummary struct {
	TotalExecutions      int64      `json:"totalExecutions"`
	SuccessfulExecutions int64      `json:"successfulExecutions"`
	FailedExecutions     int64      `json:"failedExecutions"`
	FailureRate          float64    `json:"failureRate"`
	MinResponseTime      *float64   `json:"minResponseTime,omitempty"`
	MaxResponseTime      *float64   `json:"maxResponseTime,omitempty"`
	AvgResponseTime      *float64   `json:"avgResponseTime,omitempty"`
	LastExecutionTime    *time.Time `json:"lastExecutionTime,omitempty"`
}
