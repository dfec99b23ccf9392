package tenant

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlug(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"Mon Entreprise SARL": "mon_entreprise_sarl",
		"Café Résumé":         "cafe_resume",
		"":                    "tenant",
		"  --//  ":            "tenant",
		"a/b\\c..d":           "a_b_c_d",
	}
	for in, want := range cases {
		assert.Equal(t, want, Slug(in), in)
	}
	assert.LessOrEqual(t, len(Slug(strings.Repeat("abc ", 40))), maxSlugLen)
}

func TestGenerateID(t *testing.T) {
	t.Parallel()
	id, err := GenerateID("Acme Corp")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^acme_corp_[a-z0-9]{4}$`), id)
}

func TestFileProvisioner_WritesConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := NewFileProvisioner(dir, nil)

	id, err := p.Provision(context.Background(), Request{Company: "OAuth Test Corp", Email: "oauth@test.com", Plan: "bogus"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "oauth_test_corp_"))

	data, err := os.ReadFile(filepath.Join(dir, id, configFile))
	require.NoError(t, err)
	var cfg Config
	require.NoError(t, json.Unmarshal(data, &cfg))
	assert.Equal(t, "starter", cfg.Plan)
	assert.Equal(t, "active", cfg.Status)
	assert.Equal(t, "oauth@test.com", cfg.Contact.Email)
	assert.True(t, cfg.Features["voice_widget"])
}

func TestFileProvisioner_CanceledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewFileProvisioner(t.TempDir(), nil).Provision(ctx, Request{Company: "x"})
	require.ErrorIs(t, err, context.Canceled)
}
