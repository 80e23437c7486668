package handlers_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/catalog"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/handlers"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/models"
)

const (
	livenessURL  = "/checks/liveness"
	readinessURL = "/checks/readiness"
)

type brokenDB struct{}

func (brokenDB) Ping(context.Context) error {
	return errors.New("connection refused")
}

func TestRoutesCheck(t *testing.T) {
	router := handlers.NewChecksHandler(brokenDB{}).Routes()
	assert.NotNil(t, router)
	assert.Len(t, router.Routes(), 2)
}

func TestCheckLiveness(t *testing.T) {
	store := catalog.NewStore(models.InitializeTestDB(t))
	request, _ := http.NewRequest(http.MethodGet, livenessURL, nil)
	response := httptest.NewRecorder()
	handlers.NewChecksHandler(store).Liveness(response, request)
	assert.Equal(t, 200, response.Code)
}

func TestCheckReadiness(t *testing.T) {
	store := catalog.NewStore(models.InitializeTestDB(t))
	request, _ := http.NewRequest(http.MethodGet, readinessURL, nil)
	response := httptest.NewRecorder()
	handlers.NewChecksHandler(store).Readiness(response, request)
	assert.Equal(t, 200, response.Code)
}

func TestCheckReadinessFailure(t *testing.T) {
	request, _ := http.NewRequest(http.MethodGet, readinessURL, nil)
	response := httptest.NewRecorder()
	handlers.NewChecksHandler(brokenDB{}).Readiness(response, request)
	assert.Equal(t, 500, response.Code)
}

func TestCheckReadinessClosedDatabase(t *testing.T) {
	conn := models.InitializeTestDB(t)
	sqlDB, err := conn.DB()
	assert.NoError(t, err)
	assert.NoError(t, sqlDB.Close())

	request, _ := http.NewRequest(http.MethodGet, readinessURL, nil)
	response := httptest.NewRecorder()
	handlers.NewChecksHandler(catalog.NewStore(conn)).Readiness(response, request)
	assert.Equal(t, 500, response.Code)
}
