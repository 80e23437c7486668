package catalog

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/gwerrors"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/models"
)

// membership describes one association table of a virtual server
type membership struct {
	table  string
	column string
	field  string
	model  interface{}
}

var memberships = []membership{
	{table: "server_tools", column: "tool_id", field: "toolIds", model: &models.Tool{}},
	{table: "server_resources", column: "resource_id", field: "resourceIds", model: &models.Resource{}},
	{table: "server_prompts", column: "prompt_id", field: "promptIds", model: &models.Prompt{}},
	{table: "server_agents", column: "agent_id", field: "agentIds", model: &models.Agent{}},
}

func membersOf(m *models.ServerMembers) [][]uuid.UUID {
	return [][]uuid.UUID{m.ToolIDs, m.ResourceIDs, m.PromptIDs, m.AgentIDs}
}

func validateServer(s *models.VirtualServer) error {
	if strings.TrimSpace(s.Name) == "" {
		return gwerrors.Validation("invalid server", []gwerrors.FieldError{{Field: "name", Message: "is required"}})
	}
	return nil
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// checkMembers verifies every referenced id exists and reports all missing ones at once
func checkMembers(tx *gorm.DB, members *models.ServerMembers) error {
	var fields []gwerrors.FieldError
	for i, ids := range membersOf(members) {
		ids = dedupe(ids)
		if len(ids) == 0 {
			continue
		}
		var found []uuid.UUID
		if err := tx.Model(memberships[i].model).Where("id IN ?", ids).Pluck("id", &found).Error; err != nil {
			return errors.Wrapf(err, "failed resolving %s", memberships[i].field)
		}
		exists := make(map[uuid.UUID]bool, len(found))
		for _, id := range found {
			exists[id] = true
		}
		for _, id := range ids {
			if !exists[id] {
				fields = append(fields, gwerrors.FieldError{Field: memberships[i].field, Message: id.String() + " does not exist"})
			}
		}
	}
	if len(fields) > 0 {
		return gwerrors.Validation("unresolved server members", fields)
	}
	return nil
}

func replaceMembers(tx *gorm.DB, serverID uuid.UUID, members *models.ServerMembers) error {
	for i, ids := range membersOf(members) {
		m := memberships[i]
		if err := tx.Exec("DELETE FROM "+m.table+" WHERE virtual_server_id = ?", serverID).Error; err != nil {
			return errors.Wrapf(err, "failed clearing %s", m.table)
		}
		for _, id := range dedupe(ids) {
			err := tx.Exec("INSERT INTO "+m.table+" (virtual_server_id, "+m.column+") VALUES (?, ?)", serverID, id).Error
			if err != nil {
				return errors.Wrapf(err, "failed writing %s", m.table)
			}
		}
	}
	return nil
}

func loadServer(tx *gorm.DB, id uuid.UUID) (*models.VirtualServer, error) {
	q := tx.Preload("Tools").Preload("Resources").Preload("Prompts").Preload("Agents")
	return first[models.VirtualServer](q, "server", id.String(), "id = ?", id)
}

// findActiveServer returns an enabled server or not found
func (s *Store) findActiveServer(db *gorm.DB, id uuid.UUID) (*models.VirtualServer, error) {
	return first[models.VirtualServer](db.Where("enabled = ?", true), "server", id.String(), "id = ?", id)
}

// CreateServer stores a virtual server with its member references
func (s *Store) CreateServer(ctx context.Context, server *models.VirtualServer, members models.ServerMembers) error {
	if err := validateServer(server); err != nil {
		return err
	}
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := checkMembers(tx, &members); err != nil {
			return err
		}
		if err := tx.Omit("Tools", "Resources", "Prompts", "Agents").Create(server).Error; err != nil {
			return writeErr(err, "server", server.Name)
		}
		if err := replaceMembers(tx, server.ID, &members); err != nil {
			return err
		}
		loaded, err := loadServer(tx, server.ID)
		if err != nil {
			return err
		}
		*server = *loaded
		return nil
	})
}

// UpdateServer updates a virtual server. Nil members leave the associations unchanged.
func (s *Store) UpdateServer(ctx context.Context, server *models.VirtualServer, members *models.ServerMembers) error {
	if err := validateServer(server); err != nil {
		return err
	}
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := first[models.VirtualServer](tx, "server", server.ID.String(), "id = ?", server.ID)
		if err != nil {
			return err
		}
		if members != nil {
			if err := checkMembers(tx, members); err != nil {
				return err
			}
		}
		err = tx.Model(current).Select(models.VirtualServer{}.UpdateableColumns()).
			Omit("Tools", "Resources", "Prompts", "Agents").Updates(server).Error
		if err != nil {
			return writeErr(err, "server", server.Name)
		}
		if members != nil {
			if err := replaceMembers(tx, server.ID, members); err != nil {
				return err
			}
		}
		loaded, err := loadServer(tx, server.ID)
		if err != nil {
			return err
		}
		*server = *loaded
		return nil
	})
}

// GetServer returns a server with its members, whatever their active state
func (s *Store) GetServer(ctx context.Context, id uuid.UUID) (*models.VirtualServer, error) {
	return loadServer(s.conn(ctx), id)
}

// ListServers lists virtual servers, by default only the enabled ones
func (s *Store) ListServers(ctx context.Context, includeInactive bool) ([]models.VirtualServer, error) {
	var servers []models.VirtualServer
	q := s.conn(ctx).Model(&models.VirtualServer{})
	if !includeInactive {
		q = q.Where("enabled = ?", true)
	}
	if err := q.Order("name").Find(&servers).Error; err != nil {
		return nil, errors.Wrap(err, "failed listing servers")
	}
	return servers, nil
}

// SetServerEnabled activates or deactivates a server. Its members are not touched.
func (s *Store) SetServerEnabled(ctx context.Context, id uuid.UUID, enabled bool) (*models.VirtualServer, error) {
	return setEnabled[models.VirtualServer](ctx, s.db, "server", id, enabled)
}

// DeleteServer removes a server and its associations. Member entities are kept.
func (s *Store) DeleteServer(ctx context.Context, id uuid.UUID) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := replaceMembers(tx, id, &models.ServerMembers{}); err != nil {
			return err
		}
		res := tx.Delete(&models.VirtualServer{}, "id = ?", id)
		if res.Error != nil {
			return errors.Wrapf(res.Error, "failed deleting server %s", id)
		}
		if res.RowsAffected == 0 {
			return notFound("server", id.String())
		}
		return nil
	})
}
