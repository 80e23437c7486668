package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// IntegrationType selects how a tool invocation is dispatched
type IntegrationType string

const (
	IntegrationREST IntegrationType = "REST"
	IntegrationMCP  IntegrationType = "MCP"
	IntegrationA2A  IntegrationType = "A2A"
)

// Tool is an invocable capability with a name, an input schema and a backend target
type Tool struct {
	ID              uuid.UUID       `gorm:"type:uuid;primaryKey"          json:"id"`
	Name            string          `gorm:"size:255;not null;uniqueIndex" json:"name"`
	OriginalName    string          `gorm:"size:255"                      json:"originalName,omitempty"`
	Description     string          `gorm:"type:text"                     json:"description,omitempty"`
	IntegrationType IntegrationType `gorm:"size:16;not null"              json:"integrationType"`
	URL             string          `gorm:"size:2048"                     json:"url,omitempty"`
	RequestType     string          `gorm:"size:16"                       json:"requestType,omitempty"`
	Headers         datatypes.JSON  `                                     json:"headers,omitempty"`
	AuthType        AuthType        `gorm:"size:32"                       json:"authType,omitempty"`
	AuthValue       string          `gorm:"size:2048"                     json:"authValue,omitempty"`
	InputSchema     datatypes.JSON  `                                     json:"inputSchema,omitempty"`
	Tags            datatypes.JSON  `                                     json:"tags,omitempty"`
	Enabled         bool            `gorm:"not null"                      json:"enabled"`
	GatewayID       *uuid.UUID      `gorm:"type:uuid;index"               json:"gatewayId,omitempty"`
	AgentID         *uuid.UUID      `gorm:"type:uuid;index"               json:"agentId,omitempty"`
	CreatedAt       time.Time       `                                     json:"createdAt"`
	UpdatedAt       time.Time       `                                     json:"updatedAt"`

	// Associations
	Gateway *Gateway `gorm:"foreignKey:GatewayID;constraint:OnDelete:RESTRICT" json:"-"`
	Agent   *Agent   `gorm:"foreignKey:AgentID;constraint:OnDelete:SET NULL"   json:"-"`
}

// TableName specifies the table name for Tool model
func (Tool) TableName() string {
	return "tools"
}

// BeforeCreate hook to ensure ID is set
func (t *Tool) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

func (t Tool) String() string {
	return fmt.Sprintf("%s (%s)", t.Name, t.IntegrationType)
}

// UpdateableColumns lists the columns an update may change. gateway_id is not among them.
func (Tool) UpdateableColumns() []string {
	return []string{
		"updated_at", "name", "original_name", "description", "integration_type", "url", "request_type",
		"headers", "auth_type", "auth_value", "input_schema", "tags", "enabled", "agent_id",
	}
}

// IsFederated reports whether the tool is owned by a peer gateway
func (t Tool) IsFederated() bool {
	return t.GatewayID != nil
}

// RemoteName is the name to use when calling the tool on its owning peer
func (t Tool) RemoteName() string {
	if t.OriginalName != "" {
		return t.OriginalName
	}
	return t.Name
}

// SchemaMap decodes the input schema. An empty schema decodes to nil.
func (t Tool) SchemaMap() (map[string]interface{}, error) {
	if len(t.InputSchema) == 0 {
		return nil, nil
	}
	var schema map[string]interface{}
	if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
		return nil, err
	}
	return schema, nil
}

// HeaderMap decodes the static request headers of the tool
func (t Tool) HeaderMap() map[string]string {
	headers := map[string]string{}
	if len(t.Headers) == 0 {
		return headers
	}
	if err := json.Unmarshal(t.Headers, &headers); err != nil {
		return map[string]string{}
	}
	return headers
}
