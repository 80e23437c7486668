package models

import (
	"encoding/json"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// MigrationFunc creates or updates all catalog tables.
// Gateways are migrated first as every federated entity references one.
func MigrationFunc(conn *gorm.DB) error {
	// use conn.Debug().AutoMigrate(...) to enable debugging
	return conn.AutoMigrate(
		&Gateway{},
		&Agent{},
		&Tool{},
		&Resource{},
		&Prompt{},
		&VirtualServer{},
		&ToolMetric{},
	)
}

// AuthType names the scheme used to authenticate against a backend
type AuthType string

const (
	AuthTypeNone    AuthType = ""
	AuthTypeBearer  AuthType = "bearer"
	AuthTypeBasic   AuthType = "basic"
	AuthTypeHeaders AuthType = "headers"
)

// Valid reports whether the auth type is known
func (a AuthType) Valid() bool {
	switch a {
	case AuthTypeNone, AuthTypeBearer, AuthTypeBasic, AuthTypeHeaders:
		return true
	}
	return false
}

// Tags decodes a JSON list of tags. Malformed values yield no tags.
func Tags(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var tags []string
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil
	}
	return tags
}

// TagsJSON encodes a list of tags for storage
func TagsJSON(tags []string) datatypes.JSON {
	if tags == nil {
		tags = []string{}
	}
	bytes, _ := json.Marshal(tags)
	return bytes
}
