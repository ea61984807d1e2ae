package gitops

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalidEvent is returned for inbound events that fail schema or field validation.
var ErrInvalidEvent = errors.New("invalid gitops event")

var pushSchema = map[string]any{
	"type":     "object",
	"required": []any{"repository", "ref", "commit"},
	"properties": map[string]any{
		"repository": map[string]any{"type": "string", "minLength": 1},
		"ref":        map[string]any{"type": "string", "minLength": 1},
		"commit":     map[string]any{"type": "string", "pattern": "^[0-9a-fA-F]{7,64}$"},
		"changed_paths": map[string]any{
			"type":  []any{"array", "null"},
			"items": map[string]any{"type": "string", "minLength": 1},
		},
		"pusher": map[string]any{"type": "string"},
	},
}

var environmentCreateSchema = map[string]any{
	"type":     "object",
	"required": []any{"project_id", "environment_id", "name", "repository", "ref"},
	"properties": map[string]any{
		"project_id":     map[string]any{"type": "string", "minLength": 1},
		"environment_id": map[string]any{"type": "string", "minLength": 1, "pattern": "^[A-Za-z0-9._-]+$"},
		"name":           map[string]any{"type": "string", "minLength": 1},
		"repository":     map[string]any{"type": "string", "minLength": 1},
		"ref":            map[string]any{"type": "string", "minLength": 1},
	},
}

// validateSchema validates data against a JSON schema.
func validateSchema(schema map[string]any, data any) error {
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	if !result.Valid() {
		descriptions := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			descriptions = append(descriptions, desc.String())
		}

		return fmt.Errorf("%w: %s", ErrInvalidEvent, strings.Join(descriptions, "; "))
	}

	return nil
}
