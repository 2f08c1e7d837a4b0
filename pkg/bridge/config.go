// mautrix-telegram - A Matrix-Telegram puppeting bridge.
// Copyright (C) 2024 Sumner Evans
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package bridge

import (
	_ "embed"
	"fmt"
	"slices"
	"strings"
	"text/template"
	"time"

	"github.com/caarlos0/env/v10"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/tgbridge/pkg/ids"
	"go.mau.fi/tgbridge/pkg/media"
	"go.mau.fi/tgbridge/pkg/retry"
)

//go:embed example-config.yaml
var ExampleConfig string

type HomeserverConfig struct {
	Address string `yaml:"address" env:"ADDRESS"`
	Domain  string `yaml:"domain" env:"DOMAIN"`
}

type AppServiceConfig struct {
	ID       string `yaml:"id" env:"ID"`
	Address  string `yaml:"address" env:"ADDRESS"`
	Hostname string `yaml:"hostname" env:"HOSTNAME"`
	Port     uint16 `yaml:"port" env:"PORT"`

	ASToken string `yaml:"as_token" env:"AS_TOKEN"`
	HSToken string `yaml:"hs_token" env:"HS_TOKEN"`

	BotUsername    string `yaml:"bot_username" env:"BOT_USERNAME"`
	BotDisplayname string `yaml:"bot_displayname" env:"BOT_DISPLAYNAME"`
	BotAvatar      string `yaml:"bot_avatar" env:"BOT_AVATAR"`
}

type DeviceInfo struct {
	DeviceModel    string `yaml:"device_model" env:"DEVICE_MODEL"`
	SystemVersion  string `yaml:"system_version" env:"SYSTEM_VERSION"`
	AppVersion     string `yaml:"app_version" env:"APP_VERSION"`
	SystemLangCode string `yaml:"system_lang_code" env:"SYSTEM_LANG_CODE"`
	LangCode       string `yaml:"lang_code" env:"LANG_CODE"`
}

type TelegramConfig struct {
	APIID    int    `yaml:"api_id" env:"API_ID"`
	APIHash  string `yaml:"api_hash" env:"API_HASH"`
	BotToken string `yaml:"bot_token" env:"BOT_TOKEN"`

	DeviceInfo DeviceInfo `yaml:"device_info" envPrefix:"DEVICE_"`
}

type RelaybotConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// MessageFormat is an HTML template prepended to relayed messages.
	MessageFormat string `yaml:"message_format" env:"MESSAGE_FORMAT"`

	messageTemplate *template.Template
}

type DedupConfig struct {
	RedisURL string        `yaml:"redis_url" env:"REDIS_URL"`
	TTL      time.Duration `yaml:"ttl" env:"TTL"`
	Size     int           `yaml:"size" env:"SIZE"`
}

type SyncConfig struct {
	SyncOnLogin      bool          `yaml:"sync_on_login" env:"SYNC_ON_LOGIN"`
	DialogLimit      int           `yaml:"dialog_limit" env:"DIALOG_LIMIT"`
	MetadataInterval time.Duration `yaml:"metadata_interval" env:"METADATA_INTERVAL"`
	PuppetTTL        time.Duration `yaml:"puppet_ttl" env:"PUPPET_TTL"`
}

type MediaConfig struct {
	MaxSize     int64               `yaml:"max_size" env:"MAX_SIZE"`
	Concurrency int64               `yaml:"concurrency" env:"CONCURRENCY"`
	Stickers    media.StickerConfig `yaml:"stickers"`
}

type PermissionLevel string

const (
	PermissionNone  PermissionLevel = ""
	PermissionRelay PermissionLevel = "relay"
	PermissionUser  PermissionLevel = "user"
	PermissionAdmin PermissionLevel = "admin"
)

func (pl PermissionLevel) rank() int {
	switch pl {
	case PermissionRelay:
		return 1
	case PermissionUser:
		return 2
	case PermissionAdmin:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether pl grants everything other grants.
func (pl PermissionLevel) AtLeast(other PermissionLevel) bool {
	return pl.rank() >= other.rank()
}

type BridgeConfig struct {
	UsernameTemplate    string `yaml:"username_template" env:"USERNAME_TEMPLATE"`
	DisplaynameTemplate string `yaml:"displayname_template" env:"DISPLAYNAME_TEMPLATE"`
	CommandPrefix       string `yaml:"command_prefix" env:"COMMAND_PREFIX"`

	Relaybot RelaybotConfig `yaml:"relaybot" envPrefix:"RELAYBOT_"`

	Retry                retry.Policy `yaml:"retry"`
	MaxReconnectAttempts int          `yaml:"max_reconnect_attempts" env:"MAX_RECONNECT_ATTEMPTS"`

	Dedup DedupConfig `yaml:"dedup" envPrefix:"DEDUP_"`
	Sync  SyncConfig  `yaml:"sync" envPrefix:"SYNC_"`
	Media MediaConfig `yaml:"media" envPrefix:"MEDIA_"`

	// Permissions maps "*", a server name or a full user ID to a level.
	Permissions map[string]PermissionLevel `yaml:"permissions"`

	displaynameTemplate *template.Template
}

type ProvisioningConfig struct {
	Listen       string `yaml:"listen" env:"LISTEN"`
	Prefix       string `yaml:"prefix" env:"PREFIX"`
	SharedSecret string `yaml:"shared_secret" env:"SHARED_SECRET"`
}

type Config struct {
	Homeserver   HomeserverConfig   `yaml:"homeserver"`
	AppService   AppServiceConfig   `yaml:"appservice"`
	Database     dbutil.Config      `yaml:"database"`
	Telegram     TelegramConfig     `yaml:"telegram"`
	Bridge       BridgeConfig       `yaml:"bridge"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
	Logging      zeroconfig.Config  `yaml:"logging"`
}

func DefaultConfig() *Config {
	return &Config{
		AppService: AppServiceConfig{
			ID:             "telegram",
			Hostname:       "127.0.0.1",
			Port:           29317,
			BotUsername:    "telegrambot",
			BotDisplayname: "Telegram bridge bot",
		},
		Database: dbutil.Config{
			PoolConfig: dbutil.PoolConfig{
				Type:         "sqlite3-fk-wal",
				URI:          "file:tgbridge.db?_txlock=immediate",
				MaxOpenConns: 5,
				MaxIdleConns: 1,
			},
		},
		Telegram: TelegramConfig{
			DeviceInfo: DeviceInfo{
				DeviceModel:    "tgbridge",
				SystemVersion:  "1.0",
				AppVersion:     "auto",
				SystemLangCode: "en",
				LangCode:       "en",
			},
		},
		Bridge: BridgeConfig{
			UsernameTemplate:    "telegram_{{.}}",
			DisplaynameTemplate: "{{.FullName}} (Telegram)",
			CommandPrefix:       "!tg",
			Relaybot: RelaybotConfig{
				MessageFormat: "<b>{{.DisplayName}}</b>: ",
			},
			Retry:                retry.Default(),
			MaxReconnectAttempts: 10,
			Dedup: DedupConfig{
				TTL:  10 * time.Minute,
				Size: 4096,
			},
			Sync: SyncConfig{
				DialogLimit:      30,
				MetadataInterval: 6 * time.Hour,
				PuppetTTL:        24 * time.Hour,
			},
			Media: MediaConfig{
				MaxSize:     100 * 1024 * 1024,
				Concurrency: 4,
				Stickers: media.StickerConfig{
					ConvertWebP: true,
					ConvertTGS:  true,
				},
			},
			Permissions: map[string]PermissionLevel{"*": PermissionRelay},
		},
		Provisioning: ProvisioningConfig{
			Prefix: "/_matrix/provision",
		},
	}
}

// LoadConfig decodes YAML on top of the defaults, then applies TGBRIDGE_*
// environment overrides.
func LoadConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	for prefix, section := range map[string]any{
		"TGBRIDGE_HOMESERVER_":   &cfg.Homeserver,
		"TGBRIDGE_APPSERVICE_":   &cfg.AppService,
		"TGBRIDGE_TELEGRAM_":     &cfg.Telegram,
		"TGBRIDGE_BRIDGE_":       &cfg.Bridge,
		"TGBRIDGE_PROVISIONING_": &cfg.Provisioning,
	} {
		if err := env.ParseWithOptions(section, env.Options{Prefix: prefix}); err != nil {
			return nil, fmt.Errorf("failed to parse %s* environment variables: %w", prefix, err)
		}
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Homeserver.Address == "" {
		return fmt.Errorf("homeserver.address is required")
	} else if c.Homeserver.Domain == "" {
		return fmt.Errorf("homeserver.domain is required")
	} else if c.AppService.ASToken == "" || c.AppService.HSToken == "" {
		return fmt.Errorf("appservice.as_token and appservice.hs_token are required")
	} else if c.AppService.BotUsername == "" {
		return fmt.Errorf("appservice.bot_username is required")
	}
	if c.Telegram.APIID == 0 {
		return fmt.Errorf("telegram.api_id is required")
	}
	if c.Telegram.APIHash == "" || c.Telegram.APIHash == "tjyd5yge35lbodk1xwzw2jstp90k55qz" {
		return fmt.Errorf("telegram.api_hash is required")
	}
	if c.Bridge.Relaybot.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required when the relaybot is enabled")
	}
	if _, err := ids.NewGhostTemplate(c.Bridge.UsernameTemplate, c.Homeserver.Domain); err != nil {
		return fmt.Errorf("bridge.username_template: %w", err)
	}
	if c.Bridge.CommandPrefix == "" || strings.ContainsAny(c.Bridge.CommandPrefix, " \t\n") {
		return fmt.Errorf("bridge.command_prefix must be a single non-empty word")
	}
	if c.Bridge.Retry.MaxAttempts < 1 {
		return fmt.Errorf("bridge.retry.max_attempts must be at least 1")
	}
	if c.Bridge.MaxReconnectAttempts < 1 {
		return fmt.Errorf("bridge.max_reconnect_attempts must be at least 1")
	}
	for key, level := range c.Bridge.Permissions {
		if !slices.Contains([]PermissionLevel{PermissionRelay, PermissionUser, PermissionAdmin}, level) {
			return fmt.Errorf("bridge.permissions: unknown level %q for %q", level, key)
		}
	}
	var err error
	c.Bridge.displaynameTemplate, err = template.New("displayname").Parse(c.Bridge.DisplaynameTemplate)
	if err != nil {
		return fmt.Errorf("bridge.displayname_template: %w", err)
	}
	c.Bridge.Relaybot.messageTemplate, err = template.New("relay").Parse(c.Bridge.Relaybot.MessageFormat)
	if err != nil {
		return fmt.Errorf("bridge.relaybot.message_format: %w", err)
	}
	return nil
}

func (c *Config) BotMXID() id.UserID {
	return id.NewUserID(c.AppService.BotUsername, c.Homeserver.Domain)
}

// Permission returns the most specific level configured for the user.
func (bc *BridgeConfig) Permission(userID id.UserID) PermissionLevel {
	if level, ok := bc.Permissions[string(userID)]; ok {
		return level
	}
	if _, server, err := userID.Parse(); err == nil {
		if level, ok := bc.Permissions[server]; ok {
			return level
		}
	}
	return bc.Permissions["*"]
}
