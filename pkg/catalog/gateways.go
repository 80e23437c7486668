package catalog

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/gwerrors"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/models"
)

// NamespaceSeparator joins a peer name and a remote name when the remote name collides locally
const NamespaceSeparator = "__"

// GatewayTransition describes a single atomic state change of a peer gateway
type GatewayTransition struct {
	// ExpectState guards the write. Empty means any state except deregistered.
	ExpectState models.GatewayState
	// ExpectFailures guards the write against a concurrent health check when set
	ExpectFailures *int

	State        models.GatewayState
	FailureCount int
	LastError    string
	CheckedAt    *time.Time
	Enabled      *bool
	// Cascade sets the active flag of every entity owned by the gateway when set
	Cascade *bool
}

// PeerCapabilities is the capability set fetched from a peer during a handshake
type PeerCapabilities struct {
	Snapshot  models.GatewayCapabilities
	Tools     []models.Tool
	Resources []models.Resource
	Prompts   []models.Prompt
}

// SyncResult counts the catalog changes of a capability sync
type SyncResult struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Removed int `json:"removed"`
}

func validateGateway(g *models.Gateway) error {
	var fields []gwerrors.FieldError
	if strings.TrimSpace(g.Name) == "" {
		fields = append(fields, gwerrors.FieldError{Field: "name", Message: "is required"})
	}
	if strings.Contains(g.Name, NamespaceSeparator) {
		fields = append(fields, gwerrors.FieldError{Field: "name", Message: "must not contain " + NamespaceSeparator})
	}
	if g.URL == "" {
		fields = append(fields, gwerrors.FieldError{Field: "url", Message: "is required"})
	}
	if g.Transport == "" {
		g.Transport = "http"
	}
	if g.Transport != "http" {
		fields = append(fields, gwerrors.FieldError{Field: "transport", Message: "only http is supported"})
	}
	if !g.AuthType.Valid() {
		fields = append(fields, gwerrors.FieldError{Field: "authType", Message: "must be one of bearer, basic, headers"})
	}
	if len(fields) > 0 {
		return gwerrors.Validation("invalid gateway", fields)
	}
	return nil
}

// CreateGateway stores a new peer gateway in the registering state
func (s *Store) CreateGateway(ctx context.Context, gateway *models.Gateway) error {
	if err := validateGateway(gateway); err != nil {
		return err
	}
	gateway.State = models.GatewayStateRegistering
	gateway.FailureCount = 0
	gateway.Enabled = true
	if err := s.conn(ctx).Create(gateway).Error; err != nil {
		return writeErr(err, "gateway", gateway.Name)
	}
	return nil
}

// GetGateway returns a peer gateway by id
func (s *Store) GetGateway(ctx context.Context, id uuid.UUID) (*models.Gateway, error) {
	return first[models.Gateway](s.conn(ctx), "gateway", id.String(), "id = ?", id)
}

// ListGateways lists peer gateways, deregistered ones only on request
func (s *Store) ListGateways(ctx context.Context, includeDeregistered bool) ([]models.Gateway, error) {
	var gateways []models.Gateway
	q := s.conn(ctx).Model(&models.Gateway{})
	if !includeDeregistered {
		q = q.Where("state <> ?", models.GatewayStateDeregistered)
	}
	if err := q.Order("name").Find(&gateways).Error; err != nil {
		return nil, errors.Wrap(err, "failed listing gateways")
	}
	return gateways, nil
}

// TransitionGateway applies a state change and its optional cascade in one transaction.
// It returns ErrStaleState when the guard no longer matches.
func (s *Store) TransitionGateway(ctx context.Context, id uuid.UUID, t GatewayTransition) (*models.Gateway, error) {
	var out *models.Gateway
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&models.Gateway{}).Where("id = ?", id)
		if t.ExpectState != "" {
			q = q.Where("state = ?", t.ExpectState)
		} else {
			q = q.Where("state <> ?", models.GatewayStateDeregistered)
		}
		if t.ExpectFailures != nil {
			q = q.Where("failure_count = ?", *t.ExpectFailures)
		}

		updates := map[string]interface{}{
			"state":         t.State,
			"failure_count": t.FailureCount,
			"last_error":    t.LastError,
		}
		if t.CheckedAt != nil {
			updates["last_checked_at"] = *t.CheckedAt
		}
		if t.Enabled != nil {
			updates["enabled"] = *t.Enabled
		}
		res := q.Updates(updates)
		if res.Error != nil {
			return errors.Wrapf(res.Error, "failed updating gateway %s", id)
		}
		if res.RowsAffected == 0 {
			if _, err := first[models.Gateway](tx, "gateway", id.String(), "id = ?", id); err != nil {
				return err
			}
			return ErrStaleState
		}

		if t.Cascade != nil {
			if err := cascadeOwned(tx, id, *t.Cascade); err != nil {
				return err
			}
		}

		var err error
		out, err = first[models.Gateway](tx, "gateway", id.String(), "id = ?", id)
		return err
	})
	return out, err
}

// cascadeOwned sets the active flag of every tool, resource and prompt owned by a gateway
func cascadeOwned(tx *gorm.DB, gatewayID uuid.UUID, enabled bool) error {
	for _, model := range []interface{}{&models.Tool{}, &models.Resource{}, &models.Prompt{}} {
		err := tx.Model(model).Where("gateway_id = ?", gatewayID).
			Updates(map[string]interface{}{"enabled": enabled}).Error
		if err != nil {
			return errors.Wrapf(err, "failed cascading enabled=%t for gateway %s", enabled, gatewayID)
		}
	}
	return nil
}

// SyncGatewayCapabilities mirrors a fetched capability set into the catalog and marks the
// gateway healthy. Entities the peer no longer offers are removed. Remote names that collide
// with an existing entity are stored as <gateway>__<name>.
func (s *Store) SyncGatewayCapabilities(ctx context.Context, gatewayID uuid.UUID, caps PeerCapabilities) (*models.Gateway, SyncResult, error) {
	var (
		out    *models.Gateway
		result SyncResult
	)
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		gw, err := first[models.Gateway](tx, "gateway", gatewayID.String(), "id = ?", gatewayID)
		if err != nil {
			return err
		}
		if gw.State == models.GatewayStateDeregistered {
			return ErrStaleState
		}
		active := gw.Enabled

		if err := syncTools(tx, gw, caps.Tools, active, &result); err != nil {
			return err
		}
		if err := syncResources(tx, gw, caps.Resources, active, &result); err != nil {
			return err
		}
		if err := syncPrompts(tx, gw, caps.Prompts, active, &result); err != nil {
			return err
		}

		snapshot, err := json.Marshal(caps.Snapshot)
		if err != nil {
			return errors.Wrap(err, "failed encoding capability snapshot")
		}
		now := time.Now().UTC()
		err = tx.Model(&models.Gateway{}).Where("id = ?", gatewayID).Updates(map[string]interface{}{
			"capabilities":    snapshot,
			"state":           models.GatewayStateHealthy,
			"failure_count":   0,
			"last_error":      "",
			"last_checked_at": now,
		}).Error
		if err != nil {
			return errors.Wrapf(err, "failed updating gateway %s", gatewayID)
		}

		out, err = first[models.Gateway](tx, "gateway", gatewayID.String(), "id = ?", gatewayID)
		return err
	})
	return out, result, err
}

// federatedName picks the local name of a remote entity
func federatedName(tx *gorm.DB, model interface{}, column string, gw *models.Gateway, remote string) (string, error) {
	var count int64
	if err := tx.Model(model).Where(column+" = ?", remote).Count(&count).Error; err != nil {
		return "", errors.Wrap(err, "failed checking name collision")
	}
	if count == 0 {
		return remote, nil
	}
	namespaced := gw.Name + NamespaceSeparator + remote
	if err := tx.Model(model).Where(column+" = ?", namespaced).Count(&count).Error; err != nil {
		return "", errors.Wrap(err, "failed checking name collision")
	}
	if count > 0 {
		return "", conflict(column, namespaced)
	}
	return namespaced, nil
}

func staleIDs(owned map[string]uuid.UUID, seen map[string]bool) []uuid.UUID {
	ids := make([]uuid.UUID, 0)
	for remote, id := range owned {
		if !seen[remote] {
			ids = append(ids, id)
		}
	}
	return ids
}

func syncTools(tx *gorm.DB, gw *models.Gateway, remote []models.Tool, active bool, result *SyncResult) error {
	var owned []models.Tool
	if err := tx.Where("gateway_id = ?", gw.ID).Find(&owned).Error; err != nil {
		return errors.Wrap(err, "failed loading owned tools")
	}
	byRemote := make(map[string]models.Tool, len(owned))
	ownedIDs := make(map[string]uuid.UUID, len(owned))
	for _, t := range owned {
		byRemote[t.RemoteName()] = t
		ownedIDs[t.RemoteName()] = t.ID
	}

	seen := map[string]bool{}
	for _, r := range remote {
		remoteName := r.RemoteName()
		seen[remoteName] = true
		if existing, ok := byRemote[remoteName]; ok {
			err := tx.Model(&existing).Updates(map[string]interface{}{
				"description":  r.Description,
				"input_schema": r.InputSchema,
				"url":          gw.URL,
				"enabled":      active,
			}).Error
			if err != nil {
				return errors.Wrapf(err, "failed updating federated tool %s", existing.Name)
			}
			result.Updated++
			continue
		}
		name, err := federatedName(tx, &models.Tool{}, "name", gw, remoteName)
		if err != nil {
			return err
		}
		gatewayID := gw.ID
		tool := models.Tool{
			Name:            name,
			OriginalName:    remoteName,
			Description:     r.Description,
			IntegrationType: models.IntegrationMCP,
			URL:             gw.URL,
			InputSchema:     r.InputSchema,
			Tags:            r.Tags,
			Enabled:         active,
			GatewayID:       &gatewayID,
		}
		if err := tx.Omit("Gateway", "Agent").Create(&tool).Error; err != nil {
			return writeErr(err, "tool", name)
		}
		result.Added++
	}

	stale := staleIDs(ownedIDs, seen)
	if len(stale) == 0 {
		return nil
	}
	if err := tx.Exec("DELETE FROM server_tools WHERE tool_id IN ?", stale).Error; err != nil {
		return errors.Wrap(err, "failed removing stale tool memberships")
	}
	if err := tx.Where("id IN ?", stale).Delete(&models.Tool{}).Error; err != nil {
		return errors.Wrap(err, "failed removing stale tools")
	}
	result.Removed += len(stale)
	return nil
}

func syncResources(tx *gorm.DB, gw *models.Gateway, remote []models.Resource, active bool, result *SyncResult) error {
	var owned []models.Resource
	if err := tx.Where("gateway_id = ?", gw.ID).Find(&owned).Error; err != nil {
		return errors.Wrap(err, "failed loading owned resources")
	}
	byRemote := make(map[string]models.Resource, len(owned))
	ownedIDs := make(map[string]uuid.UUID, len(owned))
	for _, r := range owned {
		byRemote[r.RemoteURI()] = r
		ownedIDs[r.RemoteURI()] = r.ID
	}

	seen := map[string]bool{}
	for _, r := range remote {
		remoteURI := r.RemoteURI()
		seen[remoteURI] = true
		if existing, ok := byRemote[remoteURI]; ok {
			err := tx.Model(&existing).Updates(map[string]interface{}{
				"name":        r.Name,
				"description": r.Description,
				"mime_type":   r.MimeType,
				"enabled":     active,
			}).Error
			if err != nil {
				return errors.Wrapf(err, "failed updating federated resource %s", existing.URI)
			}
			result.Updated++
			continue
		}
		uri, err := federatedName(tx, &models.Resource{}, "uri", gw, remoteURI)
		if err != nil {
			return err
		}
		gatewayID := gw.ID
		resource := models.Resource{
			URI:         uri,
			OriginalURI: remoteURI,
			Name:        r.Name,
			Description: r.Description,
			MimeType:    r.MimeType,
			Tags:        r.Tags,
			Enabled:     active,
			GatewayID:   &gatewayID,
		}
		if err := tx.Omit("Gateway").Create(&resource).Error; err != nil {
			return writeErr(err, "resource", uri)
		}
		result.Added++
	}

	stale := staleIDs(ownedIDs, seen)
	if len(stale) == 0 {
		return nil
	}
	if err := tx.Exec("DELETE FROM server_resources WHERE resource_id IN ?", stale).Error; err != nil {
		return errors.Wrap(err, "failed removing stale resource memberships")
	}
	if err := tx.Where("id IN ?", stale).Delete(&models.Resource{}).Error; err != nil {
		return errors.Wrap(err, "failed removing stale resources")
	}
	result.Removed += len(stale)
	return nil
}

func syncPrompts(tx *gorm.DB, gw *models.Gateway, remote []models.Prompt, active bool, result *SyncResult) error {
	var owned []models.Prompt
	if err := tx.Where("gateway_id = ?", gw.ID).Find(&owned).Error; err != nil {
		return errors.Wrap(err, "failed loading owned prompts")
	}
	byRemote := make(map[string]models.Prompt, len(owned))
	ownedIDs := make(map[string]uuid.UUID, len(owned))
	for _, p := range owned {
		byRemote[p.RemoteName()] = p
		ownedIDs[p.RemoteName()] = p.ID
	}

	seen := map[string]bool{}
	for _, p := range remote {
		remoteName := p.RemoteName()
		seen[remoteName] = true
		if existing, ok := byRemote[remoteName]; ok {
			err := tx.Model(&existing).Updates(map[string]interface{}{
				"description": p.Description,
				"arguments":   p.Arguments,
				"enabled":     active,
			}).Error
			if err != nil {
				return errors.Wrapf(err, "failed updating federated prompt %s", existing.Name)
			}
			result.Updated++
			continue
		}
		name, err := federatedName(tx, &models.Prompt{}, "name", gw, remoteName)
		if err != nil {
			return err
		}
		gatewayID := gw.ID
		prompt := models.Prompt{
			Name:         name,
			OriginalName: remoteName,
			Description:  p.Description,
			Arguments:    p.Arguments,
			Tags:         p.Tags,
			Enabled:      active,
			GatewayID:    &gatewayID,
		}
		if err := tx.Omit("Gateway").Create(&prompt).Error; err != nil {
			return writeErr(err, "prompt", name)
		}
		result.Added++
	}

	stale := staleIDs(ownedIDs, seen)
	if len(stale) == 0 {
		return nil
	}
	if err := tx.Exec("DELETE FROM server_prompts WHERE prompt_id IN ?", stale).Error; err != nil {
		return errors.Wrap(err, "failed removing stale prompt memberships")
	}
	if err := tx.Where("id IN ?", stale).Delete(&models.Prompt{}).Error; err != nil {
		return errors.Wrap(err, "failed removing stale prompts")
	}
	result.Removed += len(stale)
	return nil
}
