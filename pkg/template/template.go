// Package template renders notification messages against the state of a pipeline record.
package template

import (
	"fmt"
	"maps"
	"strings"
	"text/template"
	"time"

	"github.com/dukex/conveyor/pkg/models"
)

var funcs = template.FuncMap{
	"now": func() string {
		return time.Now().UTC().Format(time.RFC3339)
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"join":  strings.Join,
}

// NeedsTemplating reports whether input contains template actions.
func NeedsTemplating(input string) bool {
	return strings.Contains(input, "{{")
}

// Validate parses templateStr without executing it.
func Validate(templateStr string) error {
	_, err := parse(templateStr)

	return err
}

// Render executes templateStr with data. A missing map key does not fail the render.
func Render(templateStr string, data any) (string, error) {
	tmpl, err := parse(templateStr)
	if err != nil {
		return "", err
	}

	var buf strings.Builder

	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	return strings.TrimSpace(buf.String()), nil
}

func parse(templateStr string) (*template.Template, error) {
	tmpl, err := template.New("message").Option("missingkey=zero").Funcs(funcs).Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	return tmpl, nil
}

// RecordData is the data a stage message is rendered with: the record, the stage itself and the results of
// the stages that already passed, keyed by sequence number.
func RecordData(record *models.PipelineRecord, stage *models.StageRecord) map[string]any {
	results := make(map[int]map[string]any)

	for _, s := range record.Stages {
		if s.Status == models.StageStatusPassed && s.Result != nil {
			results[s.SequenceNo] = maps.Clone(s.Result)
		}
	}

	return map[string]any{
		"record": map[string]any{
			"id":           record.ID,
			"graph_id":     record.GraphID,
			"graph_name":   record.GraphName,
			"project_id":   record.ProjectID,
			"triggered_by": record.TriggeredBy,
		},
		"stage": map[string]any{
			"sequence_no": stage.SequenceNo,
			"name":        stage.Name,
			"attempt":     stage.Attempt,
		},
		"results": results,
	}
}
