package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convexity_trading/internal/config"
)

func TestOverrideStore_MissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.json")
	s, err := NewOverrideStore(path)
	require.NoError(t, err)

	v, err := s.Values()
	require.NoError(t, err)
	assert.Empty(t, v)
	assert.Equal(t, "chat", s.Name())
}

func TestOverrideStore_MigratesFlatDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.json")
	legacy := `{"moonshot_target": "0.15", "MAX_TRADES_PER_DAY": 3}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	s, err := NewOverrideStore(path)
	require.NoError(t, err)

	v, _ := s.Values()
	assert.Equal(t, map[string]string{"moonshot_target": "0.15", "max_trades_per_day": "3"}, v)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc document
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, SchemaVersion, doc.Version, "migrated document is written back")

	reloaded, err := NewOverrideStore(path)
	require.NoError(t, err)
	assert.Len(t, reloaded.List(), 2)
}

func TestOverrideStore_SetUnsetPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.json")
	s, err := NewOverrideStore(path)
	require.NoError(t, err)
	pol := config.Defaults()

	o, err := s.Set(pol, "Moonshot_Target", " 0.15 ", "telegram:42")
	require.NoError(t, err)
	assert.Equal(t, "moonshot_target", o.Key)
	assert.Equal(t, "0.15", o.Value)

	_, err = s.Set(pol, "max_trades_per_day", "many", "telegram:42")
	assert.Error(t, err, "unparsable value is refused")
	_, err = s.Set(pol, "no_such_key", "1", "telegram:42")
	assert.Error(t, err)
	_, err = s.Set(pol, "option_dte_min", "500", "telegram:42")
	assert.Error(t, err, "value that breaks policy validation is refused")

	reloaded, err := NewOverrideStore(path)
	require.NoError(t, err)
	list := reloaded.List()
	require.Len(t, list, 1)
	assert.Equal(t, "telegram:42", list[0].SetBy)

	resolved, err := config.Resolve(config.MapSource{Label: "env", Data: map[string]string{"moonshot_target": "0.25"}}, reloaded)
	require.NoError(t, err)
	assert.InDelta(t, 0.15, resolved.MoonshotTarget, 1e-9, "chat layer wins")

	removed, err := reloaded.Unset("moonshot_target")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = reloaded.Unset("moonshot_target")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file is renamed away")
}
