package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := LoadConfig([]byte(ExampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "example.com", cfg.Homeserver.Domain)
	assert.Equal(t, uint16(29317), cfg.AppService.Port)
	assert.Equal(t, "!tg", cfg.Bridge.CommandPrefix)
	assert.Equal(t, 500*time.Millisecond, cfg.Bridge.Retry.InitialInterval)
	assert.Equal(t, 6*time.Hour, cfg.Bridge.Sync.MetadataInterval)
	assert.Equal(t, PermissionAdmin, cfg.Bridge.Permissions["@admin:example.com"])
	assert.Equal(t, id.UserID("@telegrambot:example.com"), cfg.BotMXID())

	// The example API hash has to be replaced.
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_hash")
}

func TestLoadConfigEnvironment(t *testing.T) {
	t.Setenv("TGBRIDGE_TELEGRAM_API_HASH", "0123456789abcdef")
	t.Setenv("TGBRIDGE_BRIDGE_COMMAND_PREFIX", "!telegram")
	t.Setenv("TGBRIDGE_BRIDGE_SYNC_DIALOG_LIMIT", "5")
	t.Setenv("TGBRIDGE_BRIDGE_DEDUP_TTL", "30s")
	cfg, err := LoadConfig([]byte(ExampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef", cfg.Telegram.APIHash)
	assert.Equal(t, "!telegram", cfg.Bridge.CommandPrefix)
	assert.Equal(t, 5, cfg.Bridge.Sync.DialogLimit)
	assert.Equal(t, 30*time.Second, cfg.Bridge.Dedup.TTL)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigEmpty(t *testing.T) {
	cfg, err := LoadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Bridge.CommandPrefix, cfg.Bridge.CommandPrefix)
	assert.Error(t, cfg.Validate())

	_, err = LoadConfig([]byte("bridge: [not, a, map]"))
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *Config)
		errMsg string
	}{
		{"missing homeserver", func(cfg *Config) { cfg.Homeserver.Address = "" }, "homeserver.address"},
		{"missing domain", func(cfg *Config) { cfg.Homeserver.Domain = "" }, "homeserver.domain"},
		{"missing tokens", func(cfg *Config) { cfg.AppService.HSToken = "" }, "hs_token"},
		{"missing api id", func(cfg *Config) { cfg.Telegram.APIID = 0 }, "api_id"},
		{"relaybot without token", func(cfg *Config) {
			cfg.Bridge.Relaybot.Enabled = true
			cfg.Telegram.BotToken = ""
		}, "bot_token"},
		{"bad username template", func(cfg *Config) { cfg.Bridge.UsernameTemplate = "telegram" }, "username_template"},
		{"prefix with space", func(cfg *Config) { cfg.Bridge.CommandPrefix = "!tg bridge" }, "command_prefix"},
		{"no attempts", func(cfg *Config) { cfg.Bridge.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"no reconnects", func(cfg *Config) { cfg.Bridge.MaxReconnectAttempts = 0 }, "max_reconnect_attempts"},
		{"unknown permission", func(cfg *Config) { cfg.Bridge.Permissions["*"] = "superuser" }, "unknown level"},
		{"broken displayname template", func(cfg *Config) { cfg.Bridge.DisplaynameTemplate = "{{.FullName" }, "displayname_template"},
		{"broken relay template", func(cfg *Config) { cfg.Bridge.Relaybot.MessageFormat = "{{end}}" }, "message_format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestPermission(t *testing.T) {
	cfg := testConfig(t)
	tests := []struct {
		userID id.UserID
		want   PermissionLevel
	}{
		{adminMXID, PermissionAdmin},
		{aliceMXID, PermissionUser},
		{"@someone:other.org", PermissionRelay},
		{"not a user ID", PermissionRelay},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.Bridge.Permission(tt.userID), tt.userID)
	}

	delete(cfg.Bridge.Permissions, "*")
	assert.Equal(t, PermissionNone, cfg.Bridge.Permission("@someone:other.org"))
}

func TestPermissionLevelOrdering(t *testing.T) {
	assert.True(t, PermissionAdmin.AtLeast(PermissionUser))
	assert.True(t, PermissionUser.AtLeast(PermissionUser))
	assert.True(t, PermissionUser.AtLeast(PermissionRelay))
	assert.False(t, PermissionRelay.AtLeast(PermissionUser))
	assert.False(t, PermissionNone.AtLeast(PermissionRelay))
	assert.True(t, PermissionNone.AtLeast(PermissionNone))
}
