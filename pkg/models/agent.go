package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AgentType selects the protocol spoken with an agent backend
type AgentType string

const (
	AgentTypeGeneric AgentType = "generic"
	AgentTypeOpenAI  AgentType = "openai"
)

// Agent is an agent-to-agent backend that A2A tools delegate to
type Agent struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"          json:"id"`
	Name        string         `gorm:"size:255;not null;uniqueIndex" json:"name"`
	Description string         `gorm:"type:text"                     json:"description,omitempty"`
	EndpointURL string         `gorm:"size:2048;not null"            json:"endpointUrl"`
	AgentType   AgentType      `gorm:"size:32;not null"              json:"agentType"`
	Model       string         `gorm:"size:255"                      json:"model,omitempty"`
	AuthType    AuthType       `gorm:"size:32"                       json:"authType,omitempty"`
	AuthValue   string         `gorm:"size:2048"                     json:"authValue,omitempty"`
	Tags        datatypes.JSON `                                     json:"tags,omitempty"`
	Enabled     bool           `gorm:"not null"                      json:"enabled"`
	CreatedAt   time.Time      `                                     json:"createdAt"`
	UpdatedAt   time.Time      `                                     json:"updatedAt"`
}

// TableName specifies the table name for Agent model
func (Agent) TableName() string {
	return "agents"
}

// BeforeCreate hook to ensure ID is set
func (a *Agent) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// UpdateableColumns lists the columns an update may change
func (Agent) UpdateableColumns() []string {
	return []string{"updated_at", "name", "description", "endpoint_url", "agent_type", "model", "auth_type", "auth_value", "tags", "enabled"}
}
