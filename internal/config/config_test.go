package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "PO", cfg.Roles.FieldOperator)
	assert.True(t, cfg.IsOffice("PLANNER"))
	assert.False(t, cfg.IsOffice("PO"))
	assert.Equal(t, 500*time.Millisecond, cfg.Region.Debounce.Duration)
	assert.Equal(t, 5*time.Minute, cfg.Region.CacheTTL.Duration)
	assert.Equal(t, "fs", cfg.Export.Driver)
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("roles:\n  field_operator: FIELD\nregion:\n  debounce: 250ms\n"))
	require.NoError(t, err)
	assert.Equal(t, "FIELD", cfg.Roles.FieldOperator)
	assert.Equal(t, []string{"ADMIN", "PLANNER", "SUPERVISOR"}, cfg.Roles.Office)
	assert.Equal(t, 250*time.Millisecond, cfg.Region.Debounce.Duration)
	assert.Equal(t, 5*time.Second, cfg.Region.LookupTimeout.Duration)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"overlapping role":  "roles:\n  office: [PO]\n",
		"bad crs":           "geo:\n  default_crs: mercator\n",
		"s3 without bucket": "export:\n  driver: s3\n",
		"bad driver":        "export:\n  driver: ftp\n",
		"bad duration":      "region:\n  debounce: soon\n",
		"bad encoding":      "logging:\n  encoding: xml\n",
		"negative timeout":  "region:\n  lookup_timeout: -1s\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOrDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOrDefault(dir)
	require.NoError(t, err)
	assert.Equal(t, "PO", cfg.Roles.FieldOperator)

	_, err = Load(dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "forestline.yml"), []byte("geo:\n  default_crs: projected\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "projected", cfg.Geo.DefaultCRS)
}

func TestDurationMarshalsAsString(t *testing.T) {
	out, err := yaml.Marshal(Default().Region)
	require.NoError(t, err)
	assert.Contains(t, string(out), "debounce: 500ms")
}
