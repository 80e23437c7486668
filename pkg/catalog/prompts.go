package catalog

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/gwerrors"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/models"
)

func validatePrompt(p *models.Prompt) error {
	var fields []gwerrors.FieldError
	if strings.TrimSpace(p.Name) == "" {
		fields = append(fields, gwerrors.FieldError{Field: "name", Message: "is required"})
	}
	if p.GatewayID == nil && p.Template == "" {
		fields = append(fields, gwerrors.FieldError{Field: "template", Message: "is required for local prompts"})
	}
	for i, arg := range p.ArgumentList() {
		if arg.Name == "" {
			fields = append(fields, gwerrors.FieldError{Field: "arguments[" + strconv.Itoa(i) + "].name", Message: "is required"})
		}
	}
	if len(fields) > 0 {
		return gwerrors.Validation("invalid prompt", fields)
	}
	return nil
}

// CreatePrompt registers a new prompt
func (s *Store) CreatePrompt(ctx context.Context, prompt *models.Prompt) error {
	if err := validatePrompt(prompt); err != nil {
		return err
	}
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := checkOwner(tx, prompt.GatewayID); err != nil {
			return err
		}
		if err := tx.Omit("Gateway").Create(prompt).Error; err != nil {
			return writeErr(err, "prompt", prompt.Name)
		}
		return nil
	})
}

// UpdatePrompt updates an existing prompt. The owning gateway cannot change.
func (s *Store) UpdatePrompt(ctx context.Context, prompt *models.Prompt) error {
	if err := validatePrompt(prompt); err != nil {
		return err
	}
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := first[models.Prompt](tx, "prompt", prompt.ID.String(), "id = ?", prompt.ID)
		if err != nil {
			return err
		}
		if err := checkOwnerUnchanged(current.GatewayID, prompt.GatewayID); err != nil {
			return err
		}
		err = tx.Model(current).Select(models.Prompt{}.UpdateableColumns()).Omit("Gateway").Updates(prompt).Error
		if err != nil {
			return writeErr(err, "prompt", prompt.Name)
		}
		updated, err := first[models.Prompt](tx, "prompt", prompt.ID.String(), "id = ?", prompt.ID)
		if err != nil {
			return err
		}
		*prompt = *updated
		return nil
	})
}

// GetPrompt returns a prompt by id regardless of its active state
func (s *Store) GetPrompt(ctx context.Context, id uuid.UUID) (*models.Prompt, error) {
	return first[models.Prompt](s.conn(ctx), "prompt", id.String(), "id = ?", id)
}

// FindActivePrompt resolves an enabled prompt by name, optionally scoped to a server
func (s *Store) FindActivePrompt(ctx context.Context, name string, serverID *uuid.UUID) (*models.Prompt, error) {
	db := s.conn(ctx)
	if serverID != nil {
		if _, err := s.findActiveServer(db, *serverID); err != nil {
			return nil, err
		}
	}
	q := db.Where("enabled = ?", true)
	if serverID != nil {
		q = q.Where("id IN (?)", db.Table("server_prompts").Select("prompt_id").Where("virtual_server_id = ?", *serverID))
	}
	return first[models.Prompt](q, "prompt", name, "name = ?", name)
}

// ListPrompts lists prompts, by default only the enabled ones
func (s *Store) ListPrompts(ctx context.Context, opts ListOptions) ([]models.Prompt, error) {
	var prompts []models.Prompt
	q := applyListOptions(s.conn(ctx).Model(&models.Prompt{}), "server_prompts", "prompt_id", opts)
	if err := q.Order("name").Find(&prompts).Error; err != nil {
		return nil, errors.Wrap(err, "failed listing prompts")
	}
	return filterByTag(prompts, opts.Tag, func(p models.Prompt) []string { return models.Tags(p.Tags) }), nil
}

// SetPromptEnabled activates or deactivates a prompt
func (s *Store) SetPromptEnabled(ctx context.Context, id uuid.UUID, enabled bool) (*models.Prompt, error) {
	return setEnabled[models.Prompt](ctx, s.db, "prompt", id, enabled)
}

// DeletePrompt removes a prompt and its server memberships
func (s *Store) DeletePrompt(ctx context.Context, id uuid.UUID) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM server_prompts WHERE prompt_id = ?", id).Error; err != nil {
			return errors.Wrap(err, "failed removing prompt memberships")
		}
		res := tx.Delete(&models.Prompt{}, "id = ?", id)
		if res.Error != nil {
			return errors.Wrapf(res.Error, "failed deleting prompt %s", id)
		}
		if res.RowsAffected == 0 {
			return notFound("prompt", id.String())
		}
		return nil
	})
}
