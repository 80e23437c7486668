package invocation

import (
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/gwerrors"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/models"
)

// schemaRoot is how gojsonschema names the document root
const schemaRoot = "(root)"

// compiledKey changes whenever the entity is updated, so stale entries are never served
func compiledKey(kind, id string, updatedAt time.Time) string {
	return fmt.Sprintf("%s:%s:%d", kind, id, updatedAt.UnixNano())
}

func (s *Service) toolSchema(tool *models.Tool) (*gojsonschema.Schema, error) {
	if len(tool.InputSchema) == 0 || string(tool.InputSchema) == "null" {
		return nil, nil
	}
	key := compiledKey("schema", tool.ID.String(), tool.UpdatedAt)
	if cached, ok := s.compiled.Get(key); ok {
		return cached.(*gojsonschema.Schema), nil
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(tool.InputSchema))
	if err != nil {
		return nil, gwerrors.Wrap(err, gwerrors.KindInternal, "tool %s has an invalid input schema", tool.Name)
	}
	s.compiled.Set(key, schema, cache.DefaultExpiration)
	return schema, nil
}

// validateArguments checks arguments against the input schema of the tool and reports
// every violated field
func (s *Service) validateArguments(tool *models.Tool, args map[string]interface{}) error {
	schema, err := s.toolSchema(tool)
	if err != nil || schema == nil {
		return err
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return gwerrors.Wrap(err, gwerrors.KindValidation, "arguments of %s could not be validated", tool.Name)
	}
	if result.Valid() {
		return nil
	}
	fields := make([]gwerrors.FieldError, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		fields = append(fields, gwerrors.FieldError{Field: fieldOf(e), Message: e.Description()})
	}
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })
	return gwerrors.Validation("invalid arguments for "+tool.Name, fields)
}

// fieldOf names the offending field. Missing required properties are reported on the
// property itself instead of its parent.
func fieldOf(e gojsonschema.ResultError) string {
	field := e.Field()
	if e.Type() == "required" {
		if property, ok := e.Details()["property"].(string); ok {
			if field == schemaRoot || field == "" {
				return property
			}
			return field + "." + property
		}
	}
	if field == schemaRoot {
		return ""
	}
	return field
}

// promptTemplate parses the template of a local prompt with the sprig function map
func (s *Service) promptTemplate(prompt *models.Prompt) (*template.Template, error) {
	key := compiledKey("prompt", prompt.ID.String(), prompt.UpdatedAt)
	if cached, ok := s.compiled.Get(key); ok {
		return cached.(*template.Template), nil
	}
	tpl, err := template.New(prompt.Name).Funcs(sprig.TxtFuncMap()).Option("missingkey=zero").Parse(prompt.Template)
	if err != nil {
		return nil, gwerrors.Wrap(err, gwerrors.KindInternal, "prompt %s has an invalid template", prompt.Name)
	}
	s.compiled.Set(key, tpl, cache.DefaultExpiration)
	return tpl, nil
}

// validatePromptArguments reports every missing required argument
func validatePromptArguments(prompt *models.Prompt, args map[string]string) error {
	var fields []gwerrors.FieldError
	for _, a := range prompt.ArgumentList() {
		if !a.Required {
			continue
		}
		if strings.TrimSpace(args[a.Name]) == "" {
			fields = append(fields, gwerrors.FieldError{Field: a.Name, Message: "is required"})
		}
	}
	if len(fields) > 0 {
		return gwerrors.Validation("missing arguments for prompt "+prompt.Name, fields)
	}
	return nil
}

func renderPrompt(tpl *template.Template, args map[string]string) (string, error) {
	var sb strings.Builder
	if err := tpl.Execute(&sb, args); err != nil {
		return "", errors.Wrap(err, "rendering prompt")
	}
	return sb.String(), nil
}
