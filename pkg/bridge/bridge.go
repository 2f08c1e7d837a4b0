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

// Package bridge is the synchronization core: portals, puppets, users and
// the router that feeds them.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/tgbridge/pkg/dedup"
	"go.mau.fi/tgbridge/pkg/ids"
	"go.mau.fi/tgbridge/pkg/matrixfmt"
	"go.mau.fi/tgbridge/pkg/media"
	"go.mau.fi/tgbridge/pkg/registry"
	"go.mau.fi/tgbridge/pkg/retry"
	"go.mau.fi/tgbridge/pkg/store"
)

var tracer = otel.Tracer("go.mau.fi/tgbridge/pkg/bridge")

type Bridge struct {
	Config   *Config
	Log      zerolog.Logger
	Registry *registry.Registry
	Matrix   MatrixTransport
	Telegram TelegramConnector
	Media    *media.Transferer
	Ghosts   *ids.GhostTemplate
	Retry    retry.Policy
	Router   *Router
	Commands *CommandProcessor

	matrixParser *matrixfmt.HTMLParser

	portalsLock sync.Mutex
	portals     map[ids.PortalKey]*Portal

	puppetsLock  sync.Mutex
	puppets      map[int64]*Puppet
	puppetFetch  singleflight.Group
	usersLock    sync.Mutex
	users        map[id.UserID]*User
	relay        *User

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closer func() error
}

// NewDedupSet picks the Redis window when a URL is configured, otherwise an
// in-memory one. The returned close function is never nil.
func NewDedupSet(ctx context.Context, cfg DedupConfig) (dedup.Set, func() error, error) {
	if cfg.RedisURL == "" {
		return dedup.NewMemory(cfg.Size, cfg.TTL), func() error { return nil }, nil
	}
	client, err := dedup.OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return dedup.NewRedis(client, "tgbridge:dedup:", cfg.TTL), client.Close, nil
}

func New(cfg *Config, log zerolog.Logger, reg *registry.Registry, matrix MatrixTransport, telegram TelegramConnector, seen dedup.Set) (*Bridge, error) {
	ghosts, err := ids.NewGhostTemplate(cfg.Bridge.UsernameTemplate, cfg.Homeserver.Domain)
	if err != nil {
		return nil, err
	} else if cfg.Bridge.displaynameTemplate == nil {
		return nil, fmt.Errorf("config wasn't validated")
	}
	br := &Bridge{
		Config:   cfg,
		Log:      log,
		Registry: reg,
		Matrix:   matrix,
		Telegram: telegram,
		Ghosts:   ghosts,
		Retry:    cfg.Bridge.Retry.WithClassifier(ClassifyRetry),
		Media: media.NewTransferer(
			reg.DB.TelegramFile,
			cfg.Bridge.Media.Concurrency,
			cfg.Bridge.Media.MaxSize,
			cfg.Bridge.Media.Stickers,
		),

		portals: make(map[ids.PortalKey]*Portal),
		puppets: make(map[int64]*Puppet),
		users:   make(map[id.UserID]*User),
	}
	br.matrixParser = &matrixfmt.HTMLParser{GetGhostDetails: br.ghostDetails}
	br.Router = newRouter(br, seen)
	br.Commands = newCommandProcessor(br)
	return br, nil
}

// Start loads the registry, reconnects logged-in users and starts listening
// for Matrix events. It returns once everything has been started.
func (br *Bridge) Start(ctx context.Context) error {
	br.ctx, br.cancel = context.WithCancel(br.Log.WithContext(ctx))
	if err := br.Registry.Load(br.ctx); err != nil {
		return err
	} else if err = br.resetStuckLogins(br.ctx); err != nil {
		return err
	}
	users, err := br.Registry.DB.User.GetAllLoggedIn(br.ctx)
	if err != nil {
		return fmt.Errorf("failed to get logged-in users: %w", err)
	}
	var eg errgroup.Group
	eg.SetLimit(8)
	for _, record := range users {
		eg.Go(func() error {
			user, err := br.GetUser(br.ctx, record.MXID, false)
			if err != nil {
				return fmt.Errorf("failed to load %s: %w", record.MXID, err)
			} else if user != nil {
				user.Connect(br.ctx)
			}
			return nil
		})
	}
	if err = eg.Wait(); err != nil {
		return err
	}
	if br.Config.Bridge.Relaybot.Enabled {
		if err = br.startRelay(br.ctx); err != nil {
			return err
		}
	}
	br.goRun("matrix_listener", func(ctx context.Context) {
		if err := br.Matrix.Listen(ctx, br.Router.HandleMatrixEvent); err != nil && ctx.Err() == nil {
			zerolog.Ctx(ctx).Err(err).Msg("Matrix listener stopped")
		}
	})
	if interval := br.Config.Bridge.Sync.MetadataInterval; interval > 0 {
		br.goRun("metadata_sync", func(ctx context.Context) {
			br.periodicSync(ctx, interval)
		})
	}
	br.Log.Info().Int("user_count", len(users)).Msg("Bridge started")
	return nil
}

func (br *Bridge) goRun(name string, fn func(ctx context.Context)) {
	br.wg.Add(1)
	go func() {
		defer br.wg.Done()
		fn(br.Log.With().Str("component", name).Logger().WithContext(br.ctx))
	}()
}

// SetCloser registers a function called after all actors have stopped.
func (br *Bridge) SetCloser(fn func() error) {
	br.closer = fn
}

// Stop cancels every actor and waits for them to exit.
func (br *Bridge) Stop() error {
	if br.cancel == nil {
		return nil
	}
	br.cancel()
	var errs error
	br.usersLock.Lock()
	users := make([]*User, 0, len(br.users))
	for _, user := range br.users {
		users = append(users, user)
	}
	br.usersLock.Unlock()
	for _, user := range users {
		errs = multierr.Append(errs, user.stopClient())
	}
	br.wg.Wait()
	if br.closer != nil {
		errs = multierr.Append(errs, br.closer())
	}
	br.Log.Info().Msg("Bridge stopped")
	return errs
}

// resetStuckLogins logs out users that were half way through a login when
// the bridge stopped, since the client state the login depended on is gone.
func (br *Bridge) resetStuckLogins(ctx context.Context) error {
	if err := br.Registry.ResetInterruptedLogins(ctx); err != nil {
		return fmt.Errorf("failed to reset interrupted logins: %w", err)
	}
	return nil
}

func (br *Bridge) periodicSync(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
		br.portalsLock.Lock()
		portals := make([]*Portal, 0, len(br.portals))
		for _, portal := range br.portals {
			portals = append(portals, portal)
		}
		br.portalsLock.Unlock()
		zerolog.Ctx(ctx).Debug().Int("portal_count", len(portals)).Msg("Queueing periodic metadata sync")
		for _, portal := range portals {
			portal.QueueSyncMetadata(nil)
		}
	}
}

func (br *Bridge) BotMXID() id.UserID {
	return br.Matrix.BotUserID()
}

// IsGhost reports whether the user ID belongs to a puppet.
func (br *Bridge) IsGhost(userID id.UserID) bool {
	_, ok := br.Ghosts.Parse(userID)
	return ok
}

func (br *Bridge) isBridgeUser(userID id.UserID) bool {
	return userID == br.BotMXID() || br.IsGhost(userID)
}

func (br *Bridge) loadPortal(ctx context.Context, key ids.PortalKey, create bool) (*Portal, error) {
	br.portalsLock.Lock()
	portal, ok := br.portals[key]
	br.portalsLock.Unlock()
	if ok {
		return portal, nil
	}
	// The registry serializes lookups per key, so the database round trip
	// happens without blocking other portals.
	var record *store.Portal
	var err error
	if create {
		record, _, err = br.Registry.GetOrCreatePortal(ctx, key)
		if errors.Is(err, ErrDuplicatePortal) {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("Retrying portal lookup")
			record, _, err = br.Registry.GetOrCreatePortal(ctx, key)
		}
	} else {
		record, err = br.Registry.GetPortal(ctx, key)
	}
	if err != nil || record == nil {
		return nil, err
	}
	br.portalsLock.Lock()
	defer br.portalsLock.Unlock()
	if portal, ok = br.portals[key]; ok {
		return portal, nil
	}
	portal = newPortal(br, record)
	br.portals[key] = portal
	br.startPortal(portal)
	return portal, nil
}

func (br *Bridge) startPortal(portal *Portal) {
	br.wg.Add(1)
	go func() {
		defer br.wg.Done()
		portal.loop(br.ctx)
	}()
}

func (br *Bridge) GetPortal(ctx context.Context, key ids.PortalKey) (*Portal, error) {
	return br.loadPortal(ctx, key, false)
}

func (br *Bridge) GetOrCreatePortal(ctx context.Context, key ids.PortalKey) (*Portal, error) {
	return br.loadPortal(ctx, key, true)
}

func (br *Bridge) GetPortalByRoom(ctx context.Context, roomID id.RoomID) (*Portal, error) {
	record, err := br.Registry.GetPortalByMXID(ctx, roomID)
	if err != nil || record == nil {
		return nil, err
	}
	return br.GetPortal(ctx, record.PortalKey)
}

func (br *Bridge) GetPuppet(ctx context.Context, puppetID int64) (*Puppet, error) {
	br.puppetsLock.Lock()
	defer br.puppetsLock.Unlock()
	if puppet, ok := br.puppets[puppetID]; ok {
		return puppet, nil
	}
	record, _, err := br.Registry.GetOrCreatePuppet(ctx, puppetID)
	if err != nil {
		return nil, err
	}
	puppet := newPuppet(br, record)
	br.puppets[puppetID] = puppet
	return puppet, nil
}

func (br *Bridge) GetPuppetByMXID(ctx context.Context, userID id.UserID) (*Puppet, error) {
	puppetID, ok := br.Ghosts.Parse(userID)
	if !ok {
		return nil, nil
	}
	return br.GetPuppet(ctx, puppetID)
}

// GetUser returns the user with the given MXID. If create is false and the
// user has never interacted with the bridge, it returns nil.
func (br *Bridge) GetUser(ctx context.Context, userID id.UserID, create bool) (*User, error) {
	br.usersLock.Lock()
	defer br.usersLock.Unlock()
	if user, ok := br.users[userID]; ok {
		return user, nil
	}
	var user *User
	if create {
		record, _, err := br.Registry.GetOrCreateUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		user = newUser(br, record)
	} else {
		record, err := br.Registry.GetUser(ctx, userID)
		if err != nil || record == nil {
			return nil, err
		}
		user = newUser(br, record)
	}
	br.users[userID] = user
	return user, nil
}

func (br *Bridge) GetUserByTelegramID(ctx context.Context, telegramID int64) (*User, error) {
	record, err := br.Registry.GetUserByTelegramID(ctx, telegramID)
	if err != nil || record == nil {
		return nil, err
	}
	return br.GetUser(ctx, record.MXID, false)
}

// Relay returns the relaybot user, or nil if the relaybot is disabled.
func (br *Bridge) Relay() *User {
	br.usersLock.Lock()
	defer br.usersLock.Unlock()
	return br.relay
}

func (br *Bridge) startRelay(ctx context.Context) error {
	relay, err := br.GetUser(ctx, br.BotMXID(), true)
	if err != nil {
		return fmt.Errorf("failed to load relaybot user: %w", err)
	}
	br.usersLock.Lock()
	br.relay = relay
	br.usersLock.Unlock()
	return relay.ConnectRelay(ctx, br.Config.Telegram.BotToken)
}

func (br *Bridge) ghostDetails(ctx context.Context, userID id.UserID) (int64, string, bool) {
	puppetID, ok := br.Ghosts.Parse(userID)
	if !ok {
		return 0, "", false
	}
	puppet, err := br.GetPuppet(ctx, puppetID)
	if err != nil {
		return puppetID, "", true
	}
	return puppetID, puppet.Username(), true
}

// sendBotNotice sends a notice as the bridge bot, logging instead of
// returning failures.
func (br *Bridge) sendBotNotice(ctx context.Context, roomID id.RoomID, text string) {
	if roomID == "" {
		return
	}
	content := &event.MessageEventContent{MsgType: event.MsgNotice, Body: text}
	_, err := br.Matrix.SendEvent(ctx, roomID, br.BotMXID(), event.EventMessage, content, "", time.Time{})
	if err != nil {
		zerolog.Ctx(ctx).Err(err).Stringer("room_id", roomID).Msg("Failed to send notice")
	}
}

// retryValue runs fn through the bridge's retry policy and returns its value.
func retryValue[T any](ctx context.Context, br *Bridge, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := br.Retry.Do(ctx, name, func(ctx context.Context) (err error) {
		out, err = fn(ctx)
		return
	})
	return out, err
}
