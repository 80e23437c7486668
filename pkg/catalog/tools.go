package catalog

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/gwerrors"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/models"
)

var allowedRequestTypes = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

func validateTool(t *models.Tool) error {
	var fields []gwerrors.FieldError
	if strings.TrimSpace(t.Name) == "" {
		fields = append(fields, gwerrors.FieldError{Field: "name", Message: "is required"})
	}
	switch t.IntegrationType {
	case models.IntegrationREST:
		if t.URL == "" {
			fields = append(fields, gwerrors.FieldError{Field: "url", Message: "is required for REST tools"})
		}
		t.RequestType = strings.ToUpper(t.RequestType)
		if t.RequestType == "" {
			t.RequestType = http.MethodGet
		}
		if !allowedRequestTypes[t.RequestType] {
			fields = append(fields, gwerrors.FieldError{Field: "requestType", Message: "unsupported method " + t.RequestType})
		}
	case models.IntegrationMCP:
		if t.GatewayID == nil {
			fields = append(fields, gwerrors.FieldError{Field: "gatewayId", Message: "is required for MCP tools"})
		}
	case models.IntegrationA2A:
		if t.AgentID == nil {
			fields = append(fields, gwerrors.FieldError{Field: "agentId", Message: "is required for A2A tools"})
		}
	default:
		fields = append(fields, gwerrors.FieldError{Field: "integrationType", Message: "must be one of REST, MCP, A2A"})
	}
	if !t.AuthType.Valid() {
		fields = append(fields, gwerrors.FieldError{Field: "authType", Message: "must be one of bearer, basic, headers"})
	}
	if len(fields) > 0 {
		return gwerrors.Validation("invalid tool", fields)
	}
	return nil
}

func checkAgent(tx *gorm.DB, agentID *uuid.UUID) error {
	if agentID == nil {
		return nil
	}
	var count int64
	if err := tx.Model(&models.Agent{}).Where("id = ?", *agentID).Count(&count).Error; err != nil {
		return errors.Wrap(err, "failed checking agent")
	}
	if count == 0 {
		return gwerrors.Validation("invalid agent", []gwerrors.FieldError{
			{Field: "agentId", Message: "agent " + agentID.String() + " does not exist"},
		})
	}
	return nil
}

// CreateTool registers a new tool
func (s *Store) CreateTool(ctx context.Context, tool *models.Tool) error {
	if err := validateTool(tool); err != nil {
		return err
	}
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := checkOwner(tx, tool.GatewayID); err != nil {
			return err
		}
		if err := checkAgent(tx, tool.AgentID); err != nil {
			return err
		}
		if err := tx.Omit("Gateway", "Agent").Create(tool).Error; err != nil {
			return writeErr(err, "tool", tool.Name)
		}
		return nil
	})
}

// UpdateTool updates an existing tool. The owning gateway cannot change.
func (s *Store) UpdateTool(ctx context.Context, tool *models.Tool) error {
	if err := validateTool(tool); err != nil {
		return err
	}
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := first[models.Tool](tx, "tool", tool.ID.String(), "id = ?", tool.ID)
		if err != nil {
			return err
		}
		if err := checkOwnerUnchanged(current.GatewayID, tool.GatewayID); err != nil {
			return err
		}
		if err := checkAgent(tx, tool.AgentID); err != nil {
			return err
		}
		err = tx.Model(current).Select(models.Tool{}.UpdateableColumns()).Omit("Gateway", "Agent").Updates(tool).Error
		if err != nil {
			return writeErr(err, "tool", tool.Name)
		}
		updated, err := first[models.Tool](tx, "tool", tool.ID.String(), "id = ?", tool.ID)
		if err != nil {
			return err
		}
		*tool = *updated
		return nil
	})
}

// GetTool returns a tool by id regardless of its active state
func (s *Store) GetTool(ctx context.Context, id uuid.UUID) (*models.Tool, error) {
	return first[models.Tool](s.conn(ctx), "tool", id.String(), "id = ?", id)
}

// GetToolByName returns a tool by name regardless of its active state
func (s *Store) GetToolByName(ctx context.Context, name string) (*models.Tool, error) {
	return first[models.Tool](s.conn(ctx), "tool", name, "name = ?", name)
}

// FindActiveTool resolves an enabled tool by name. With a server id the tool must also
// be a member of that server and the server must be enabled.
func (s *Store) FindActiveTool(ctx context.Context, name string, serverID *uuid.UUID) (*models.Tool, error) {
	db := s.conn(ctx)
	if serverID != nil {
		if _, err := s.findActiveServer(db, *serverID); err != nil {
			return nil, err
		}
	}
	q := db.Where("enabled = ?", true)
	if serverID != nil {
		q = q.Where("id IN (?)", db.Table("server_tools").Select("tool_id").Where("virtual_server_id = ?", *serverID))
	}
	return first[models.Tool](q, "tool", name, "name = ?", name)
}

// ListTools lists tools, by default only the enabled ones
func (s *Store) ListTools(ctx context.Context, opts ListOptions) ([]models.Tool, error) {
	var tools []models.Tool
	q := applyListOptions(s.conn(ctx).Model(&models.Tool{}), "server_tools", "tool_id", opts)
	if err := q.Order("name").Find(&tools).Error; err != nil {
		return nil, errors.Wrap(err, "failed listing tools")
	}
	return filterByTag(tools, opts.Tag, func(t models.Tool) []string { return models.Tags(t.Tags) }), nil
}

// SetToolEnabled activates or deactivates a tool
func (s *Store) SetToolEnabled(ctx context.Context, id uuid.UUID, enabled bool) (*models.Tool, error) {
	return setEnabled[models.Tool](ctx, s.db, "tool", id, enabled)
}

// DeleteTool removes a tool and its server memberships. Recorded metrics are kept.
func (s *Store) DeleteTool(ctx context.Context, id uuid.UUID) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM server_tools WHERE tool_id = ?", id).Error; err != nil {
			return errors.Wrap(err, "failed removing tool memberships")
		}
		res := tx.Delete(&models.Tool{}, "id = ?", id)
		if res.Error != nil {
			return errors.Wrapf(res.Error, "failed deleting tool %s", id)
		}
		if res.RowsAffected == 0 {
			return notFound("tool", id.String())
		}
		return nil
	})
}
