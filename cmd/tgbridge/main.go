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

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mauflag"

	"go.mau.fi/tgbridge/pkg/bridge"
	"go.mau.fi/tgbridge/pkg/mxclient"
	"go.mau.fi/tgbridge/pkg/provisioning"
	"go.mau.fi/tgbridge/pkg/registry"
	"go.mau.fi/tgbridge/pkg/store"
	"go.mau.fi/tgbridge/pkg/tgclient"
)

// Information to find out exactly which commit the bridge was built from.
// These are filled at build time with the -X linker flag.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath = mauflag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
var generateExampleConfig = mauflag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
var generateRegistration = mauflag.MakeFull("g", "generate-registration", "Generate registration and quit.", "false").Bool()
var registrationPath = mauflag.MakeFull("r", "registration", "The path where to save the appservice registration.", "registration.yaml").String()
var envFile = mauflag.MakeFull("", "env-file", "A .env file to load environment overrides from.", "").String()
var version = mauflag.MakeFull("v", "version", "View bridge version and quit.", "false").Bool()
var wantHelp = mauflag.MakeFull("h", "help", "Show this help message.", "false").Bool()

func main() {
	mauflag.SetHelpTitles("tgbridge - A Matrix-Telegram puppeting bridge.", "tgbridge [-hgev] [-c <path>] [-r <path>] [--env-file <path>]")
	if err := mauflag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		mauflag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		mauflag.PrintHelp()
		os.Exit(0)
	} else if *version {
		fmt.Printf("tgbridge %s (commit %s, built at %s)\n", Tag, Commit, BuildTime)
		os.Exit(0)
	} else if *generateExampleConfig {
		if err := os.WriteFile(*configPath, []byte(bridge.ExampleConfig), 0600); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "Failed to write example config:", err)
			os.Exit(2)
		}
		fmt.Println("Example config written to", *configPath)
		os.Exit(0)
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "Failed to load env file:", err)
			os.Exit(3)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load .env:", err)
		os.Exit(3)
	}

	rawConfig, err := os.ReadFile(*configPath)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to read config:", err)
		os.Exit(10)
	}
	cfg, err := bridge.LoadConfig(rawConfig)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(10)
	}

	if *generateRegistration {
		if err = writeRegistration(cfg, rawConfig); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "Failed to generate registration:", err)
			os.Exit(20)
		}
		fmt.Println("Registration generated. See https://docs.mau.fi/bridges/general/registering-appservices.html for instructions on installing the registration.")
		os.Exit(0)
	}

	if err = cfg.Validate(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Invalid config:", err)
		os.Exit(11)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(12)
	}
	exitCode := run(log.WithContext(context.Background()), cfg, *log)
	os.Exit(exitCode)
}

func writeRegistration(cfg *bridge.Config, rawConfig []byte) error {
	reg := mxclient.GenerateRegistration(cfg)
	if err := reg.Save(*registrationPath); err != nil {
		return fmt.Errorf("failed to save registration: %w", err)
	}
	updated, err := setTokens(rawConfig, cfg.AppService.ASToken, cfg.AppService.HSToken)
	if err != nil {
		return err
	}
	return os.WriteFile(*configPath, updated, 0600)
}

func run(ctx context.Context, cfg *bridge.Config, log zerolog.Logger) int {
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Initializing bridge")

	db, err := dbutil.NewFromConfig("tgbridge", cfg.Database, dbutil.ZeroLogger(log.With().Str("db_section", "main").Logger()))
	if err != nil {
		log.Err(err).Msg("Failed to open database")
		return 13
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}()
	container := store.NewStore(db, dbutil.ZeroLogger(log.With().Str("db_section", "bridge").Logger()))
	if err = container.Upgrade(ctx); err != nil {
		log.Err(err).Msg("Failed to upgrade database")
		return 14
	}

	matrix, err := mxclient.New(cfg, log)
	if err != nil {
		log.Err(err).Msg("Failed to initialize Matrix connection")
		return 15
	}
	seen, closeSeen, err := bridge.NewDedupSet(ctx, cfg.Bridge.Dedup)
	if err != nil {
		log.Err(err).Msg("Failed to initialize deduplication store")
		return 16
	}
	br, err := bridge.New(
		cfg,
		log,
		registry.New(container, log),
		matrix,
		tgclient.NewConnector(cfg.Telegram, container, log),
		seen,
	)
	if err != nil {
		_ = closeSeen()
		log.Err(err).Msg("Failed to initialize bridge")
		return 17
	}
	br.SetCloser(closeSeen)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err = matrix.EnsureBotProfile(ctx, cfg.AppService.BotDisplayname, cfg.AppService.BotAvatar); err != nil {
		log.Err(err).Msg("Failed to set up bridge bot")
		return 18
	}
	if err = br.Start(ctx); err != nil {
		log.Err(err).Msg("Failed to start bridge")
		_ = br.Stop()
		return 19
	}

	provErr := make(chan error, 1)
	if cfg.Provisioning.Listen != "" {
		api := provisioning.New(br, log.With().Str("component", "provisioning").Logger())
		go func() {
			provErr <- api.Run(ctx)
		}()
	}

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Info().Msg("Interrupt received, stopping...")
	case err = <-provErr:
		if err != nil {
			log.Err(err).Msg("Provisioning API stopped")
			exitCode = 21
		}
	}
	cancel()
	if err = br.Stop(); err != nil {
		log.Warn().Err(err).Msg("Errors while stopping bridge")
	}
	return exitCode
}
