package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convexity_trading/internal/models"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("APCA_API_KEY_ID", "test_key")
	t.Setenv("APCA_API_SECRET_KEY", "test_secret")
	t.Setenv("APCA_API_BASE_URL", "https://paper-api.alpaca.markets")

	for _, k := range []string{"LOG_LEVEL", "HTTP_ADDR", "TRADING_LOOP_INTERVAL_MINS", "KAFKA_BROKERS"} {
		os.Unsetenv(k)
	}

	cfg := Load()

	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 0, cfg.TradingLoopIntervalMins)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Empty(t, cfg.Missing())
}

func TestLoadConfig_BadIntFallsBack(t *testing.T) {
	t.Setenv("TRADING_LOOP_INTERVAL_MINS", "soon")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg := Load()

	assert.Equal(t, 0, cfg.TradingLoopIntervalMins)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "***", Mask("abc"))
	assert.Equal(t, "***7890", Mask("1234567890"))
}

func TestDefaults_AreValid(t *testing.T) {
	p := Defaults()
	require.NoError(t, p.Validate())
	// stock targets overlap the cash floor; that is reported, never rejected
	warnings := p.Targets().Warnings()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "exceed 100%")
	assert.Equal(t, "America/New_York", p.Location().String())
}

func TestResolve_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"max_trades_per_day": 3,
		"cash_minimum": 0.25,
		"theme_underlyings": ["nvda", "amd"],
		"use_max_pain": false
	}`), 0644))

	env := EnvSource{Lookup: func(k string) (string, bool) {
		if k == "MAX_TRADES_PER_DAY" {
			return "4", true
		}
		return "", false
	}}
	chat := MapSource{Label: "chat", Data: map[string]string{"max_trades_per_day": "2"}}

	p, err := Resolve(FileSource{Path: path}, env, chat)
	require.NoError(t, err)

	assert.Equal(t, 2, p.MaxTradesPerDay, "chat beats env and file")
	assert.Equal(t, 0.25, p.CashMinimum, "file beats defaults")
	assert.False(t, p.Selection.UseMaxPain)
	assert.Equal(t, []string{"NVDA", "AMD"}, p.ThemeUnderlyings)
	assert.Equal(t, 0.20, p.MoonshotTarget, "untouched keys keep defaults")
}

func TestResolve_MissingFileIsEmptyLayer(t *testing.T) {
	p, err := Resolve(FileSource{Path: filepath.Join(t.TempDir(), "nope.json")})
	require.NoError(t, err)
	assert.Equal(t, Defaults().MaxTradesPerDay, p.MaxTradesPerDay)
}

func TestResolve_ErrorsNameTheSource(t *testing.T) {
	_, err := Resolve(MapSource{Label: "chat", Data: map[string]string{"max_trades_per_day": "many"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat")
	assert.Contains(t, err.Error(), "max_trades_per_day")

	_, err = Resolve(MapSource{Label: "chat", Data: map[string]string{"bogus_key": "1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown policy key")
}

func TestResolve_RejectsImpossibleWindow(t *testing.T) {
	_, err := Resolve(MapSource{Label: "file", Data: map[string]string{"option_dte_min": "150", "option_dte_max": "90"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dte window")
}

func TestResolve_DoesNotShareStateBetweenSnapshots(t *testing.T) {
	a, err := Resolve(MapSource{Label: "chat", Data: map[string]string{"theme_underlyings": "AAA"}})
	require.NoError(t, err)
	b, err := Resolve()
	require.NoError(t, err)

	assert.Equal(t, []string{"AAA"}, a.ThemeUnderlyings)
	assert.Equal(t, []string{"UMC", "TE", "AMPX"}, b.ThemeUnderlyings)
}

func TestValidateOverride(t *testing.T) {
	base := Defaults()
	assert.NoError(t, ValidateOverride(base, "moonshot_target", "0.15"))
	assert.Error(t, ValidateOverride(base, "execution_tier", "yolo"))
	assert.Error(t, ValidateOverride(base, "take_profit_100_close_pct", "0"))
	assert.Equal(t, 0.20, base.MoonshotTarget, "base is not modified")
}

func TestPolicy_Themes(t *testing.T) {
	p := Defaults()
	themes := p.Themes()

	assert.Equal(t, models.BucketThemeA, themes["UMC"])
	assert.Equal(t, models.BucketThemeB, themes["TE"])
	assert.Equal(t, models.BucketThemeC, themes["AMPX"])
	assert.Equal(t, models.BucketMoonshot, themes["GME.WS"])

	u, ok := p.UnderlyingFor(models.BucketThemeB)
	require.True(t, ok)
	assert.Equal(t, "TE", u)
	_, ok = p.UnderlyingFor(models.BucketMoonshot)
	assert.False(t, ok)
}

func TestPolicy_GetRendersCurrentValue(t *testing.T) {
	p := Defaults()
	v, ok := p.Get("max_roll_debit_pct")
	require.True(t, ok)
	assert.Equal(t, "0.35", v)
	assert.Contains(t, Keys(), "kill_switch_drawdown_pct")
}
