package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "123456:TEST-token-value")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "Bot Factory", cfg.App.Name)
	assert.Equal(t, EnvDevelopment, cfg.App.Environment)
	assert.True(t, cfg.App.Debug, "debug defaults on in development")
	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
	assert.Equal(t, "bot_factory", cfg.Mongo.Database)
	assert.Equal(t, 5*time.Second, cfg.Mongo.ServerSelectionTimeout)
	assert.Equal(t, 10*time.Second, cfg.Telegram.RequestTimeout)
	assert.Equal(t, "./plugins", cfg.App.PluginsDir)
	assert.True(t, cfg.Features.Analytics)
	assert.True(t, cfg.Features.PluginSync)
	assert.Equal(t, "debug", cfg.Observability.LogLevel)
	assert.Equal(t, "text", cfg.Observability.LogFormat)
}

func TestLoadRequiresTelegramToken(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TELEGRAM_TOKEN")
}

func TestSynthesisLimitsClamped(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "123456:TEST-token-value")
	t.Setenv("ANTHROPIC_MAX_TOKENS", "500")
	t.Setenv("ANTHROPIC_TIMEOUT", "5s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Anthropic.MaxTokens, "token budget below the floor is raised")
	assert.Equal(t, 60*time.Second, cfg.Anthropic.RequestTimeout, "timeout below the floor is raised")
}

func TestArtifactStoreAllOrNothing(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "123456:TEST-token-value")
	t.Setenv("GITHUB_TOKEN", "ghp_example")
	t.Setenv("GITHUB_USER", "")
	t.Setenv("GITHUB_REPO", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GITHUB_TOKEN, GITHUB_USER and GITHUB_REPO")
}

func TestProductionGuards(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "123456:TEST-token-value")
	t.Setenv("APP_ENV", "production")
	t.Setenv("DASHBOARD_ALLOW_OPEN", "true")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RENDER_EXTERNAL_URL is required in production")
	assert.Contains(t, err.Error(), "DASHBOARD_ALLOW_OPEN must not be enabled in production")

	t.Setenv("RENDER_EXTERNAL_URL", "https://factory.example.com/")
	t.Setenv("DASHBOARD_ALLOW_OPEN", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://factory.example.com", cfg.Server.ExternalURL, "trailing slash is trimmed")
	assert.False(t, cfg.App.Debug, "debug defaults off outside development")
	assert.Equal(t, "json", cfg.Observability.LogFormat)
}

func TestRedactedMasksSecrets(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "123456789:AAlongSecretTokenValue")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-api-key-value")

	cfg, err := Load()
	require.NoError(t, err)

	summary := cfg.Redacted()
	assert.Equal(t, "1234****", summary["telegram.token"])
	assert.Equal(t, "sk-a****", summary["anthropic.key"])
	assert.NotContains(t, summary["telegram.token"], "AAlongSecret")
}
