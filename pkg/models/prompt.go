package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PromptArgument describes one named argument of a prompt template
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Prompt is a named, parameterised message template
type Prompt struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey"          json:"id"`
	Name         string         `gorm:"size:255;not null;uniqueIndex" json:"name"`
	OriginalName string         `gorm:"size:255"                      json:"originalName,omitempty"`
	Description  string         `gorm:"type:text"                     json:"description,omitempty"`
	Template     string         `gorm:"type:text"                     json:"template,omitempty"`
	Arguments    datatypes.JSON `                                     json:"arguments,omitempty"`
	Tags         datatypes.JSON `                                     json:"tags,omitempty"`
	Enabled      bool           `gorm:"not null"                      json:"enabled"`
	GatewayID    *uuid.UUID     `gorm:"type:uuid;index"               json:"gatewayId,omitempty"`
	CreatedAt    time.Time      `                                     json:"createdAt"`
	UpdatedAt    time.Time      `                                     json:"updatedAt"`

	// Associations
	Gateway *Gateway `gorm:"foreignKey:GatewayID;constraint:OnDelete:RESTRICT" json:"-"`
}

// TableName specifies the table name for Prompt model
func (Prompt) TableName() string {
	return "prompts"
}

// BeforeCreate hook to ensure ID is set
func (p *Prompt) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// UpdateableColumns lists the columns an update may change
func (Prompt) UpdateableColumns() []string {
	return []string{"updated_at", "name", "original_name", "description", "template", "arguments", "tags", "enabled"}
}

// RemoteName is the name to use when fetching the prompt from its owning peer
func (p Prompt) RemoteName() string {
	if p.OriginalName != "" {
		return p.OriginalName
	}
	return p.Name
}

// ArgumentList decodes the declared arguments of the prompt
func (p Prompt) ArgumentList() []PromptArgument {
	if len(p.Arguments) == 0 {
		return nil
	}
	var args []PromptArgument
	if err := json.Unmarshal(p.Arguments, &args); err != nil {
		return nil
	}
	return args
}

// ArgumentsJSON encodes prompt arguments for storage
func ArgumentsJSON(args []PromptArgument) datatypes.JSON {
	if args == nil {
		args = []PromptArgument{}
	}
	bytes, _ := json.Marshal(args)
	return bytes
}

// IsFederated reports whether the prompt is owned by a peer gateway
func (p Prompt) IsFederated() bool {
	return p.GatewayID != nil
}
