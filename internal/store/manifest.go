package store

import (
	"fmt"
	"io/fs"
	stdpath "path"
	"time"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the root structure of a workflows.yaml manifest.
type ManifestFile struct {
	Workflows []WorkflowDef `yaml:"workflows"`
}

// WorkflowDef defines a single workflow in YAML.
type WorkflowDef struct {
	ID             string `yaml:"id"`
	OrganizationID string `yaml:"organization_id"` // empty for global workflows
	Name           string `yaml:"name"`
	Code           string `yaml:"code"`      // inline source
	CodeFile       string `yaml:"code_file"` // source file, relative to the manifest
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// LoadManifest parses a workflow manifest and resolves code_file references
// relative to the manifest's directory. Exactly one of code and code_file
// must be set per workflow.
func LoadManifest(fsys fs.FS, manifestPath string) ([]*Workflow, error) {
	content, err := fs.ReadFile(fsys, manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", manifestPath, err)
	}

	var file ManifestFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", manifestPath, err)
	}

	dir := stdpath.Dir(manifestPath)
	workflows := make([]*Workflow, 0, len(file.Workflows))
	seen := make(map[string]bool)
	for _, def := range file.Workflows {
		if def.ID == "" {
			return nil, fmt.Errorf("workflow in %s: id is required", manifestPath)
		}
		if seen[def.ID] {
			return nil, fmt.Errorf("workflow %s: duplicate id in %s", def.ID, manifestPath)
		}
		seen[def.ID] = true
		if def.TimeoutSeconds < 0 {
			return nil, fmt.Errorf("workflow %s: timeout_seconds must be >= 0", def.ID)
		}

		code := def.Code
		switch {
		case code != "" && def.CodeFile != "":
			return nil, fmt.Errorf("workflow %s: code and code_file are mutually exclusive", def.ID)
		case code == "" && def.CodeFile == "":
			return nil, fmt.Errorf("workflow %s: code or code_file is required", def.ID)
		case def.CodeFile != "":
			// Use path.Join (not filepath.Join) since fs.FS always uses
			// forward slashes.
			raw, err := fs.ReadFile(fsys, stdpath.Join(dir, def.CodeFile))
			if err != nil {
				return nil, fmt.Errorf("workflow %s: read code_file: %w", def.ID, err)
			}
			code = string(raw)
		}

		name := def.Name
		if name == "" {
			name = def.ID
		}
		workflows = append(workflows, &Workflow{
			ID:             def.ID,
			OrganizationID: def.OrganizationID,
			Name:           name,
			Code:           code,
			DefaultTimeout: time.Duration(def.TimeoutSeconds) * time.Second,
		})
	}
	return workflows, nil
}
