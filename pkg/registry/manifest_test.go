package registry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDigest = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func TestManifestValidate(t *testing.T) {
	base := func() Manifest {
		return Manifest{
			ID:            "psu-buck",
			Version:       "1.2",
			Name:          "Buck converter",
			Tags:          []string{"Power", "power", " dcdc "},
			Price:         decimal.RequireFromString("4.50"),
			ContentDigest: "sha256:" + strings.ToUpper(testDigest),
		}
	}

	t.Run("valid manifest is canonicalized", func(t *testing.T) {
		m := base()
		require.NoError(t, m.Validate())
		assert.Equal(t, "1.2.0", m.Version)
		assert.Equal(t, []string{"dcdc", "power"}, m.Tags)
		assert.Equal(t, testDigest, m.ContentDigest)
	})

	tests := []struct {
		name   string
		mutate func(*Manifest)
	}{
		{"missing id", func(m *Manifest) { m.ID = "" }},
		{"id with spaces", func(m *Manifest) { m.ID = "psu buck" }},
		{"missing name", func(m *Manifest) { m.Name = " " }},
		{"bad version", func(m *Manifest) { m.Version = "one" }},
		{"negative price", func(m *Manifest) { m.Price = decimal.RequireFromString("-1") }},
		{"bad digest", func(m *Manifest) { m.ContentDigest = "abc" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := base()
			tt.mutate(&m)
			err := m.Validate()
			assert.ErrorIs(t, err, ErrInvalidManifest)
			assert.True(t, IsValidationError(err))
		})
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	content := `
id: mcu-stm32
version: 2.0.1
name: STM32 core block
description: Microcontroller with SWD header
tags: [mcu, arm]
price: 12.25
content_digest: ` + testDigest + `
compatibility:
  kicad: "8"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "mcu-stm32", m.ID)
	assert.Equal(t, "2.0.1", m.Version)
	assert.True(t, m.Price.Equal(decimal.RequireFromString("12.25")))
	assert.Equal(t, []string{"arm", "mcu"}, m.Tags)
	assert.Equal(t, "8", m.Compatibility["kicad"])
}

func TestLoadManifest_Invalid(t *testing.T) {
	_, err := ParseManifest([]byte("id: [unterminated"))
	assert.ErrorIs(t, err, ErrInvalidManifest)

	_, err = LoadManifest(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
