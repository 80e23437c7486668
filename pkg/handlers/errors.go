package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/gwerrors"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/mcp/protocol"
	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// maxBodyBytes limits request bodies of the RPC and admin endpoints
const maxBodyBytes = 4 << 20

// ErrorResponse is the body of every failed admin request
type ErrorResponse struct {
	Error *gwerrors.Error `json:"error"`
}

// renderError writes err with the HTTP status of its kind. Internal errors are logged
// and reach the client without their message.
func renderError(w http.ResponseWriter, r *http.Request, err error) {
	gwErr := gwerrors.Public(err)
	if gwErr.Kind == gwerrors.KindInternal {
		logging.LogErrorf(err, "%s %s failed", r.Method, r.URL.Path)
	}
	render.Status(r, gwErr.HTTPStatus())
	render.JSON(w, r, ErrorResponse{Error: gwErr})
}

// rpcError converts err into a JSON-RPC error response
func rpcError(id interface{}, err error) *protocol.JSONRPCResponse {
	gwErr := gwerrors.Public(err)
	if gwErr.Kind == gwerrors.KindInternal {
		logging.LogErrorf(err, "rpc request %v failed", id)
	}
	return protocol.NewError(id, gwErr.JSONRPCCode(), gwErr.Message, gwErr)
}

// idParam parses the uuid path parameter name
func idParam(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, gwerrors.Validation("invalid id", []gwerrors.FieldError{{Field: name, Message: "must be a uuid"}})
	}
	return id, nil
}

// boolQuery reads a boolean query parameter
func boolQuery(r *http.Request, name string, def bool) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, gwerrors.Validation("invalid query parameter", []gwerrors.FieldError{{Field: name, Message: "must be a boolean"}})
	}
	return v, nil
}

// decodeBody reads a JSON request body into v
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if err == io.EOF {
			return gwerrors.Validation("request body is required", nil)
		}
		return gwerrors.Wrap(err, gwerrors.KindValidation, "malformed request body: %v", err)
	}
	return nil
}
