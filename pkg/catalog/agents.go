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

func validateAgent(a *models.Agent) error {
	var fields []gwerrors.FieldError
	if strings.TrimSpace(a.Name) == "" {
		fields = append(fields, gwerrors.FieldError{Field: "name", Message: "is required"})
	}
	if a.EndpointURL == "" {
		fields = append(fields, gwerrors.FieldError{Field: "endpointUrl", Message: "is required"})
	}
	if a.AgentType == "" {
		a.AgentType = models.AgentTypeGeneric
	}
	if a.AgentType != models.AgentTypeGeneric && a.AgentType != models.AgentTypeOpenAI {
		fields = append(fields, gwerrors.FieldError{Field: "agentType", Message: "must be one of generic, openai"})
	}
	if !a.AuthType.Valid() {
		fields = append(fields, gwerrors.FieldError{Field: "authType", Message: "must be one of bearer, basic, headers"})
	}
	if len(fields) > 0 {
		return gwerrors.Validation("invalid agent", fields)
	}
	return nil
}

// CreateAgent registers a new agent backend
func (s *Store) CreateAgent(ctx context.Context, agent *models.Agent) error {
	if err := validateAgent(agent); err != nil {
		return err
	}
	if err := s.conn(ctx).Create(agent).Error; err != nil {
		return writeErr(err, "agent", agent.Name)
	}
	return nil
}

// UpdateAgent updates an existing agent backend
func (s *Store) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	if err := validateAgent(agent); err != nil {
		return err
	}
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := first[models.Agent](tx, "agent", agent.ID.String(), "id = ?", agent.ID)
		if err != nil {
			return err
		}
		if err := tx.Model(current).Select(models.Agent{}.UpdateableColumns()).Updates(agent).Error; err != nil {
			return writeErr(err, "agent", agent.Name)
		}
		updated, err := first[models.Agent](tx, "agent", agent.ID.String(), "id = ?", agent.ID)
		if err != nil {
			return err
		}
		*agent = *updated
		return nil
	})
}

// GetAgent returns an agent by id regardless of its active state
func (s *Store) GetAgent(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	return first[models.Agent](s.conn(ctx), "agent", id.String(), "id = ?", id)
}

// FindActiveAgent returns an enabled agent by id
func (s *Store) FindActiveAgent(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	return first[models.Agent](s.conn(ctx).Where("enabled = ?", true), "agent", id.String(), "id = ?", id)
}

// ListAgents lists agents, by default only the enabled ones
func (s *Store) ListAgents(ctx context.Context, opts ListOptions) ([]models.Agent, error) {
	var agents []models.Agent
	opts.GatewayID = nil
	q := applyListOptions(s.conn(ctx).Model(&models.Agent{}), "server_agents", "agent_id", opts)
	if err := q.Order("name").Find(&agents).Error; err != nil {
		return nil, errors.Wrap(err, "failed listing agents")
	}
	return filterByTag(agents, opts.Tag, func(a models.Agent) []string { return models.Tags(a.Tags) }), nil
}

// SetAgentEnabled activates or deactivates an agent backend
func (s *Store) SetAgentEnabled(ctx context.Context, id uuid.UUID, enabled bool) (*models.Agent, error) {
	return setEnabled[models.Agent](ctx, s.db, "agent", id, enabled)
}

// DeleteAgent removes an agent backend and its server memberships.
// A2A tools referencing it lose their target and fail resolution.
func (s *Store) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM server_agents WHERE agent_id = ?", id).Error; err != nil {
			return errors.Wrap(err, "failed removing agent memberships")
		}
		if err := tx.Model(&models.Tool{}).Where("agent_id = ?", id).
			Updates(map[string]interface{}{"agent_id": nil, "enabled": false}).Error; err != nil {
			return errors.Wrap(err, "failed detaching agent tools")
		}
		res := tx.Delete(&models.Agent{}, "id = ?", id)
		if res.Error != nil {
			return errors.Wrapf(res.Error, "failed deleting agent %s", id)
		}
		if res.RowsAffected == 0 {
			return notFound("agent", id.String())
		}
		return nil
	})
}
