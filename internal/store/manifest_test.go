package store

import (
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadManifest(t *testing.T) {
	fsys := fstest.MapFS{
		"workflows/workflows.yaml": {Data: []byte(`
workflows:
  - id: wf-inline
    organization_id: org-1
    name: Inline Workflow
    code: "native:echo"
    timeout_seconds: 60
  - id: wf-file
    code_file: sync.code
`)},
		"workflows/sync.code": {Data: []byte("native:sleep")},
	}

	wfs, err := LoadManifest(fsys, "workflows/workflows.yaml")
	require.NoError(t, err)
	require.Len(t, wfs, 2)

	assert.Equal(t, "wf-inline", wfs[0].ID)
	assert.Equal(t, "org-1", wfs[0].OrganizationID)
	assert.Equal(t, "Inline Workflow", wfs[0].Name)
	assert.Equal(t, "native:echo", wfs[0].Code)
	assert.Equal(t, time.Minute, wfs[0].DefaultTimeout)

	assert.Equal(t, "wf-file", wfs[1].ID)
	assert.Equal(t, "wf-file", wfs[1].Name, "name defaults to id")
	assert.Equal(t, "native:sleep", wfs[1].Code, "code_file resolved relative to the manifest")
	assert.Zero(t, wfs[1].DefaultTimeout)
}

func TestLoadManifestRejectsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		wantErr  string
	}{
		{"missing id", "workflows:\n  - code: x\n", "id is required"},
		{"duplicate id", "workflows:\n  - id: a\n    code: x\n  - id: a\n    code: y\n", "duplicate id"},
		{"no code", "workflows:\n  - id: a\n", "code or code_file is required"},
		{"both code forms", "workflows:\n  - id: a\n    code: x\n    code_file: f\n", "mutually exclusive"},
		{"negative timeout", "workflows:\n  - id: a\n    code: x\n    timeout_seconds: -1\n", "timeout_seconds"},
		{"missing code file", "workflows:\n  - id: a\n    code_file: nope.code\n", "read code_file"},
		{"bad yaml", "workflows: [", "parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := fstest.MapFS{
				"workflows.yaml": {Data: []byte(tt.manifest)},
			}
			_, err := LoadManifest(fsys, "workflows.yaml")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
