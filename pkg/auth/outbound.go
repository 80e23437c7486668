package auth

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/models"
)

// envPrefix marks a credential reference that is resolved from the process environment
const envPrefix = "env:"

// ErrCredentialUnresolved is returned when a credential reference cannot be resolved
var ErrCredentialUnresolved = errors.New("credential reference could not be resolved")

// ResolveCredential returns the secret behind a credential reference.
// Values of the form env:NAME are read from the environment, all others are used as is.
func ResolveCredential(ref string) (string, error) {
	if !strings.HasPrefix(ref, envPrefix) {
		return ref, nil
	}
	name := strings.TrimPrefix(ref, envPrefix)
	value, ok := os.LookupEnv(name)
	if !ok || value == "" {
		return "", errors.Wrapf(ErrCredentialUnresolved, "environment variable %s is not set", name)
	}
	return value, nil
}

// OutboundHeaders builds the request headers that authenticate the gateway against a backend.
// bearer expects a token, basic expects user:password and headers expects a JSON object.
func OutboundHeaders(authType models.AuthType, ref string) (http.Header, error) {
	header := http.Header{}
	if authType == models.AuthTypeNone || ref == "" {
		return header, nil
	}
	secret, err := ResolveCredential(ref)
	if err != nil {
		return nil, err
	}

	switch authType {
	case models.AuthTypeBearer:
		header.Set("Authorization", "Bearer "+secret)
	case models.AuthTypeBasic:
		if !strings.Contains(secret, ":") {
			return nil, errors.Wrap(ErrCredentialUnresolved, "basic credentials must have the form user:password")
		}
		header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(secret)))
	case models.AuthTypeHeaders:
		values := map[string]string{}
		if err := json.Unmarshal([]byte(secret), &values); err != nil {
			return nil, errors.Wrap(ErrCredentialUnresolved, "header credentials must be a JSON object")
		}
		for key, value := range values {
			resolved, err := ResolveCredential(value)
			if err != nil {
				return nil, err
			}
			header.Set(key, resolved)
		}
	default:
		return nil, errors.Errorf("unsupported auth type %q", authType)
	}
	return header, nil
}
