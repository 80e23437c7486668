// Package catalog is the storage-backed set of all registered entities and their active state.
// It is the single source of truth read by the invocation pipeline and written by federation
// and administrative operations. Multi-row updates always run in one transaction.
package catalog

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/gwerrors"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/models"
)

// define error messages
var (
	ErrNotFound     = errors.New("entity not found")
	ErrConflict     = errors.New("entity already exists")
	ErrInvalidOwner = errors.New("owning gateway does not exist")
	ErrImmutable    = errors.New("owning gateway cannot be changed")
	ErrStaleState   = errors.New("gateway state changed concurrently")
)

// postgres error code for unique_violation
const pgUniqueViolation = "23505"

// Store provides catalog operations on top of gorm
type Store struct {
	db *gorm.DB
}

// NewStore creates a catalog store
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "failed getting database handle")
	}
	return sqlDB.PingContext(ctx)
}

// ListOptions filters list operations
type ListOptions struct {
	IncludeInactive bool
	GatewayID       *uuid.UUID
	ServerID        *uuid.UUID
	Tag             string
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func notFound(entity, key string) error {
	return gwerrors.NotFound(entity, key).WithCause(ErrNotFound)
}

func conflict(entity, key string) error {
	return gwerrors.New(gwerrors.KindConflict, "%s already exists: %s", entity, key).WithCause(ErrConflict)
}

// isUniqueViolation identifies uniqueness violations of postgres and sqlite
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func writeErr(err error, entity, key string) error {
	if isUniqueViolation(err) {
		return conflict(entity, key)
	}
	return errors.Wrapf(err, "failed writing %s %s", entity, key)
}

func first[T any](db *gorm.DB, entity, key string, query interface{}, args ...interface{}) (*T, error) {
	var out T
	err := db.Where(query, args...).First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(entity, key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed getting %s %s", entity, key)
	}
	return &out, nil
}

// setEnabled flips the active flag of a single row and returns the updated row
func setEnabled[T any](ctx context.Context, db *gorm.DB, entity string, id uuid.UUID, enabled bool) (*T, error) {
	var out *T
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model T
		res := tx.Model(&model).Where("id = ?", id).Updates(map[string]interface{}{"enabled": enabled})
		if res.Error != nil {
			return errors.Wrapf(res.Error, "failed toggling %s %s", entity, id)
		}
		if res.RowsAffected == 0 {
			return notFound(entity, id.String())
		}
		var err error
		out, err = first[T](tx, entity, id.String(), "id = ?", id)
		return err
	})
	return out, err
}

// checkOwner verifies the owning gateway of a federated entity exists
func checkOwner(tx *gorm.DB, gatewayID *uuid.UUID) error {
	if gatewayID == nil {
		return nil
	}
	var count int64
	if err := tx.Model(&models.Gateway{}).Where("id = ?", *gatewayID).Count(&count).Error; err != nil {
		return errors.Wrap(err, "failed checking owning gateway")
	}
	if count == 0 {
		return gwerrors.Validation("invalid owner", []gwerrors.FieldError{
			{Field: "gatewayId", Message: "gateway " + gatewayID.String() + " does not exist"},
		}).WithCause(ErrInvalidOwner)
	}
	return nil
}

// checkOwnerUnchanged enforces that gateway_id never changes once set
func checkOwnerUnchanged(current, incoming *uuid.UUID) error {
	if current == nil && incoming == nil {
		return nil
	}
	if current != nil && incoming != nil && *current == *incoming {
		return nil
	}
	return gwerrors.Validation("invalid owner", []gwerrors.FieldError{
		{Field: "gatewayId", Message: "owning gateway is immutable"},
	}).WithCause(ErrImmutable)
}

func applyListOptions(q *gorm.DB, joinTable, joinColumn string, opts ListOptions) *gorm.DB {
	if !opts.IncludeInactive {
		q = q.Where("enabled = ?", true)
	}
	if opts.GatewayID != nil {
		q = q.Where("gateway_id = ?", *opts.GatewayID)
	}
	if opts.ServerID != nil && joinTable != "" {
		q = q.Where("id IN (?)", q.Session(&gorm.Session{NewDB: true}).
			Table(joinTable).Select(joinColumn).Where("virtual_server_id = ?", *opts.ServerID))
	}
	return q
}

func filterByTag[T any](items []T, tag string, tagsOf func(T) []string) []T {
	if tag == "" {
		return items
	}
	filtered := make([]T, 0, len(items))
	for _, item := range items {
		for _, t := range tagsOf(item) {
			if t == tag {
				filtered = append(filtered, item)
				break
			}
		}
	}
	return filtered
}
