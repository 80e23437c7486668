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

func validateResource(r *models.Resource) error {
	var fields []gwerrors.FieldError
	if strings.TrimSpace(r.URI) == "" {
		fields = append(fields, gwerrors.FieldError{Field: "uri", Message: "is required"})
	}
	if r.GatewayID == nil && r.Content == "" {
		fields = append(fields, gwerrors.FieldError{Field: "content", Message: "is required for local resources"})
	}
	if len(fields) > 0 {
		return gwerrors.Validation("invalid resource", fields)
	}
	if r.Name == "" {
		r.Name = r.URI
	}
	return nil
}

// CreateResource registers a new resource
func (s *Store) CreateResource(ctx context.Context, resource *models.Resource) error {
	if err := validateResource(resource); err != nil {
		return err
	}
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := checkOwner(tx, resource.GatewayID); err != nil {
			return err
		}
		if err := tx.Omit("Gateway").Create(resource).Error; err != nil {
			return writeErr(err, "resource", resource.URI)
		}
		return nil
	})
}

// UpdateResource updates an existing resource. The owning gateway cannot change.
func (s *Store) UpdateResource(ctx context.Context, resource *models.Resource) error {
	if err := validateResource(resource); err != nil {
		return err
	}
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := first[models.Resource](tx, "resource", resource.ID.String(), "id = ?", resource.ID)
		if err != nil {
			return err
		}
		if err := checkOwnerUnchanged(current.GatewayID, resource.GatewayID); err != nil {
			return err
		}
		err = tx.Model(current).Select(models.Resource{}.UpdateableColumns()).Omit("Gateway").Updates(resource).Error
		if err != nil {
			return writeErr(err, "resource", resource.URI)
		}
		updated, err := first[models.Resource](tx, "resource", resource.ID.String(), "id = ?", resource.ID)
		if err != nil {
			return err
		}
		*resource = *updated
		return nil
	})
}

// GetResource returns a resource by id regardless of its active state
func (s *Store) GetResource(ctx context.Context, id uuid.UUID) (*models.Resource, error) {
	return first[models.Resource](s.conn(ctx), "resource", id.String(), "id = ?", id)
}

// FindActiveResource resolves an enabled resource by uri, optionally scoped to a server
func (s *Store) FindActiveResource(ctx context.Context, uri string, serverID *uuid.UUID) (*models.Resource, error) {
	db := s.conn(ctx)
	if serverID != nil {
		if _, err := s.findActiveServer(db, *serverID); err != nil {
			return nil, err
		}
	}
	q := db.Where("enabled = ?", true)
	if serverID != nil {
		q = q.Where("id IN (?)", db.Table("server_resources").Select("resource_id").Where("virtual_server_id = ?", *serverID))
	}
	return first[models.Resource](q, "resource", uri, "uri = ?", uri)
}

// ListResources lists resources, by default only the enabled ones
func (s *Store) ListResources(ctx context.Context, opts ListOptions) ([]models.Resource, error) {
	var resources []models.Resource
	q := applyListOptions(s.conn(ctx).Model(&models.Resource{}), "server_resources", "resource_id", opts)
	if err := q.Order("uri").Find(&resources).Error; err != nil {
		return nil, errors.Wrap(err, "failed listing resources")
	}
	return filterByTag(resources, opts.Tag, func(r models.Resource) []string { return models.Tags(r.Tags) }), nil
}

// SetResourceEnabled activates or deactivates a resource
func (s *Store) SetResourceEnabled(ctx context.Context, id uuid.UUID, enabled bool) (*models.Resource, error) {
	return setEnabled[models.Resource](ctx, s.db, "resource", id, enabled)
}

// DeleteResource removes a resource and its server memberships
func (s *Store) DeleteResource(ctx context.Context, id uuid.UUID) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM server_resources WHERE resource_id = ?", id).Error; err != nil {
			return errors.Wrap(err, "failed removing resource memberships")
		}
		res := tx.Delete(&models.Resource{}, "id = ?", id)
		if res.Error != nil {
			return errors.Wrapf(res.Error, "failed deleting resource %s", id)
		}
		if res.RowsAffected == 0 {
			return notFound("resource", id.String())
		}
		return nil
	})
}
