package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Resource is a readable piece of content addressed by URI
type Resource struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"           json:"id"`
	URI         string         `gorm:"size:1000;not null;uniqueIndex" json:"uri"`
	OriginalURI string         `gorm:"size:1000"                      json:"originalUri,omitempty"`
	Name        string         `gorm:"size:500"                       json:"name,omitempty"`
	Description string         `gorm:"type:text"                      json:"description,omitempty"`
	MimeType    string         `gorm:"size:255"                       json:"mimeType,omitempty"`
	Content     string         `gorm:"type:text"                      json:"content,omitempty"`
	Tags        datatypes.JSON `                                      json:"tags,omitempty"`
	Enabled     bool           `gorm:"not null"                       json:"enabled"`
	GatewayID   *uuid.UUID     `gorm:"type:uuid;index"                json:"gatewayId,omitempty"`
	CreatedAt   time.Time      `                                      json:"createdAt"`
	UpdatedAt   time.Time      `                                      json:"updatedAt"`

	// Associations
	Gateway *Gateway `gorm:"foreignKey:GatewayID;constraint:OnDelete:RESTRICT" json:"-"`
}

// TableName specifies the table name for Resource model
func (Resource) TableName() string {
	return "resources"
}

// BeforeCreate hook to ensure ID is set
func (r *Resource) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// UpdateableColumns lists the columns an update may change
func (Resource) UpdateableColumns() []string {
	return []string{"updated_at", "uri", "original_uri", "name", "description", "mime_type", "content", "tags", "enabled"}
}

// RemoteURI is the uri to use when reading the resource from its owning peer
func (r Resource) RemoteURI() string {
	if r.OriginalURI != "" {
		return r.OriginalURI
	}
	return r.URI
}

// IsFederated reports whether the resource is owned by a peer gateway
func (r Resource) IsFederated() bool {
	return r.GatewayID != nil
}
