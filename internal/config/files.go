package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"hopflow/internal/spec"
)

const SupportedSchema = "v1"

// LoadPipeline parses a pipeline YAML, validates schema_version and returns
// the parsed file with the absolute directory it was read from.
func LoadPipeline(path string) (spec.Pipeline, string, error) {
	var p spec.Pipeline
	dir, err := load(path, &p)
	if err != nil {
		return p, "", err
	}
	if p.SchemaVersion, err = checkSchema("pipeline", p.SchemaVersion); err != nil {
		return p, "", err
	}
	if p.Name == "" {
		p.Name = baseName(path)
	}
	return p, dir, nil
}

// LoadWorkflow is LoadPipeline for workflow files.
func LoadWorkflow(path string) (spec.Workflow, string, error) {
	var w spec.Workflow
	dir, err := load(path, &w)
	if err != nil {
		return w, "", err
	}
	if w.SchemaVersion, err = checkSchema("workflow", w.SchemaVersion); err != nil {
		return w, "", err
	}
	if w.Name == "" {
		w.Name = baseName(path)
	}
	return w, dir, nil
}

func load(path string, into any) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if err := yaml.Unmarshal(raw, into); err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Dir(abs), nil
}

func checkSchema(kind, v string) (string, error) {
	if v == "" {
		v = SupportedSchema
	}
	if v != SupportedSchema {
		return v, fmt.Errorf("%s schema_version %q not supported (want %q)", kind, v, SupportedSchema)
	}
	return v, nil
}

func baseName(path string) string {
	b := filepath.Base(path)
	return b[:len(b)-len(filepath.Ext(b))]
}
