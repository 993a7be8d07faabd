package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/codeswarm/codeswarm/internal/common/errors"
	v1 "github.com/codeswarm/codeswarm/pkg/api/v1"
)

func TestResolve(t *testing.T) {
	p := StaticProvider{
		"ANTHROPIC_CRED": "a-key",
		"GEMINI_CRED":    "g-key",
	}

	val, err := Resolve(p, v1.AgentKindClaude)
	require.NoError(t, err)
	assert.Equal(t, "a-key", val)

	val, err = Resolve(p, v1.AgentKindGemini)
	require.NoError(t, err)
	assert.Equal(t, "g-key", val)
}

func TestResolveMissingIsConfigurationError(t *testing.T) {
	_, err := Resolve(StaticProvider{}, v1.AgentKindCodex)
	require.Error(t, err)
	assert.True(t, apperrors.IsConfiguration(err))
	assert.Contains(t, err.Error(), "OPENAI_CRED")
}

func TestResolveEmptyValueIsMissing(t *testing.T) {
	_, err := Resolve(StaticProvider{"ANTHROPIC_CRED": ""}, v1.AgentKindClaude)
	require.Error(t, err)
	assert.True(t, apperrors.IsConfiguration(err))
}

func TestChainOrder(t *testing.T) {
	chain := Chain{
		StaticProvider{"GEMINI_CRED": "from-first"},
		StaticProvider{"GEMINI_CRED": "from-second", "OPENAI_CRED": "o-key"},
	}

	val, ok := chain.Lookup("GEMINI_CRED")
	require.True(t, ok)
	assert.Equal(t, "from-first", val)

	val, ok = chain.Lookup("OPENAI_CRED")
	require.True(t, ok)
	assert.Equal(t, "o-key", val)

	_, ok = chain.Lookup("ANTHROPIC_CRED")
	assert.False(t, ok)
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("ANTHROPIC_CRED", "env-key")
	t.Setenv("GEMINI_CRED", "")

	val, ok := EnvProvider{}.Lookup("ANTHROPIC_CRED")
	require.True(t, ok)
	assert.Equal(t, "env-key", val)

	_, ok = EnvProvider{}.Lookup("GEMINI_CRED")
	assert.False(t, ok)
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")

	s, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Set("ANTHROPIC_CRED", "persisted"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// Reload from disk.
	reloaded, err := NewStore(path)
	require.NoError(t, err)
	val, ok := reloaded.Lookup("ANTHROPIC_CRED")
	require.True(t, ok)
	assert.Equal(t, "persisted", val)
}

func TestStoreRejectsUnknownKey(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "credentials.json"))
	require.NoError(t, err)
	assert.Error(t, s.Set("RANDOM_KEY", "x"))
}

func TestStoreKeysHideValues(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "credentials.json"))
	require.NoError(t, err)
	require.NoError(t, s.Set("GEMINI_CRED", "secret"))
	require.NoError(t, s.Set("OPENAI_CRED", ""))

	keys := s.Keys()
	assert.Equal(t, []string{"GEMINI_CRED"}, keys)
}
