package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GatewayState is the health state of a federated peer gateway
type GatewayState string

const (
	GatewayStateRegistering  GatewayState = "registering"
	GatewayStateHealthy      GatewayState = "healthy"
	GatewayStateDegraded     GatewayState = "degraded"
	GatewayStateInactive     GatewayState = "inactive"
	GatewayStateDeregistered GatewayState = "deregistered"
)

// Gateway is a federated peer instance whose capabilities are mirrored locally
type Gateway struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey"           json:"id"`
	Name          string         `gorm:"size:255;not null;uniqueIndex"  json:"name"`
	URL           string         `gorm:"size:2048;not null;uniqueIndex" json:"url"`
	Description   string         `gorm:"type:text"                      json:"description,omitempty"`
	Transport     string         `gorm:"size:32;not null"               json:"transport"`
	AuthType      AuthType       `gorm:"size:32"                        json:"authType,omitempty"`
	AuthValue     string         `gorm:"size:2048"                      json:"authValue,omitempty"`
	Capabilities  datatypes.JSON `                                      json:"capabilities,omitempty"`
	State         GatewayState   `gorm:"size:32;not null;index"         json:"state"`
	FailureCount  int            `gorm:"not null"                       json:"failureCount"`
	LastError     string         `gorm:"type:text"                      json:"lastError,omitempty"`
	LastCheckedAt *time.Time     `                                      json:"lastCheckedAt,omitempty"`
	Enabled       bool           `gorm:"not null"                       json:"enabled"`
	CreatedAt     time.Time      `                                      json:"createdAt"`
	UpdatedAt     time.Time      `                                      json:"updatedAt"`
}

// TableName specifies the table name for Gateway model
func (Gateway) TableName() string {
	return "gateways"
}

// BeforeCreate hook to ensure ID is set
func (g *Gateway) BeforeCreate(tx *gorm.DB) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	return nil
}

// Probeable reports whether the health loop should check this peer on a regular tick
func (g Gateway) Probeable(includeInactive bool) bool {
	switch g.State {
	case GatewayStateDeregistered:
		return false
	case GatewayStateInactive:
		return includeInactive
	}
	return true
}

// GatewayCapabilities is the snapshot stored after a successful handshake
type GatewayCapabilities struct {
	ServerName      string   `json:"serverName,omitempty"`
	ServerVersion   string   `json:"serverVersion,omitempty"`
	ProtocolVersion string   `json:"protocolVersion,omitempty"`
	Tools           []string `json:"tools"`
	Resources       []string `json:"resources"`
	Prompts         []string `json:"prompts"`
}
