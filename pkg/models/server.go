package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// VirtualServer groups existing catalog entities under a named, independently activatable unit
type VirtualServer struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"          json:"id"`
	Name        string    `gorm:"size:255;not null;uniqueIndex" json:"name"`
	Description string    `gorm:"type:text"                     json:"description,omitempty"`
	Enabled     bool      `gorm:"not null"                      json:"enabled"`
	CreatedAt   time.Time `                                     json:"createdAt"`
	UpdatedAt   time.Time `                                     json:"updatedAt"`

	// Associations
	Tools     []Tool     `gorm:"many2many:server_tools;"     json:"tools,omitempty"`
	Resources []Resource `gorm:"many2many:server_resources;" json:"resources,omitempty"`
	Prompts   []Prompt   `gorm:"many2many:server_prompts;"   json:"prompts,omitempty"`
	Agents    []Agent    `gorm:"many2many:server_agents;"    json:"agents,omitempty"`
}

// TableName specifies the table name for VirtualServer model
func (VirtualServer) TableName() string {
	return "servers"
}

// BeforeCreate hook to ensure ID is set
func (s *VirtualServer) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// UpdateableColumns lists the columns an update may change
func (VirtualServer) UpdateableColumns() []string {
	return []string{"updated_at", "name", "description", "enabled"}
}

// ServerMembers references the entities of a virtual server by id
type ServerMembers struct {
	ToolIDs     []uuid.UUID `json:"toolIds"`
	ResourceIDs []uuid.UUID `json:"resourceIds"`
	PromptIDs   []uuid.UUID `json:"promptIds"`
	AgentIDs    []uuid.UUID `json:"agentIds"`
}
