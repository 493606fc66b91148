package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresToken(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("TELEGRAM_TOKEN", "")
	t.Setenv("DISCORD_TOKEN", "")
	t.Chdir(t.TempDir())

	_, err := Load()
	require.Error(t, err)
}

func TestLoadLayersYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := `
log_level: debug
captcha:
  timeout: 30s
moderation:
  lookalike_auto_ban: false
  blocked_domains: [bad.example]
audit:
  admin_chat_id: -100
  admin_chats:
    -5: -200
`
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o600))
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("TELEGRAM_TOKEN", "token")
	t.Setenv("TRUSTED_CHATS", "1, 2,x")
	t.Setenv("CLASSIFIER_HIGH_CONFIDENCE", "2.5")
	t.Chdir(dir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.Captcha.Timeout)
	assert.Equal(t, 5*time.Second, cfg.Captcha.SweepInterval)
	assert.False(t, cfg.Moderation.LookalikeAutoBan)
	assert.Equal(t, []string{"bad.example"}, cfg.Moderation.BlockedDomains)
	assert.Equal(t, []int64{1, 2}, cfg.Moderation.TrustedChats)
	assert.Equal(t, 2.5, cfg.Moderation.ClassifierHighConfidence)
	assert.Equal(t, int64(-200), cfg.Audit.AdminChat(-5))
	assert.Equal(t, int64(-100), cfg.Audit.AdminChat(-6))
}

func TestDefaultsMatchAdmissionPolicy(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 45*time.Second, cfg.Captcha.Timeout)
	assert.Equal(t, 8, cfg.Captcha.Options)
	assert.Equal(t, 5*time.Second, cfg.TrustCache.CleanTTL)
	assert.Equal(t, 3*time.Hour, cfg.TrustCache.BannedTTL)
	assert.Equal(t, 24*time.Hour, cfg.Dedup.Window)
	assert.Equal(t, 3, cfg.Moderation.GoodMessagesToTrust)
	assert.Equal(t, 0.75, cfg.ContentAI.Low)
	assert.Equal(t, 0.90, cfg.ContentAI.High)
}

func TestBuildLoggerFallsBackToInfo(t *testing.T) {
	logger, err := BuildLogger("verbose")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(parseLevel("info")))
	assert.False(t, logger.Core().Enabled(parseLevel("debug")))
}
