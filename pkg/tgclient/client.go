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

package tgclient

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"
	"go.mau.fi/zerozap"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"go.mau.fi/tgbridge/pkg/bridge"
	"go.mau.fi/tgbridge/pkg/ids"
	"go.mau.fi/tgbridge/pkg/store"
)

// Client is one MTProto connection backed by gotd.
type Client struct {
	main      *Connector
	sessionID string
	log       zerolog.Logger
	zaplog    *zap.Logger

	client   *telegram.Client
	sessions *store.SessionStore

	selfID  atomic.Int64
	scoped  atomic.Pointer[store.ScopedStore]
	updates atomic.Pointer[updates.Manager]

	// Login tokens arrive as plain updates before the update manager exists.
	loginDispatcher tg.UpdateDispatcher
	loginToken      chan struct{}

	authLock sync.Mutex
	phone    string
	codeHash string
}

var _ bridge.TelegramClient = (*Client)(nil)

func newClient(tc *Connector, sessionID string) *Client {
	log := tc.Log.With().Str("session_id", sessionID).Logger()
	c := &Client{
		main:            tc,
		sessionID:       sessionID,
		log:             log,
		zaplog:          zap.New(zerozap.New(log)),
		sessions:        tc.Store.GetSessionStore(sessionID),
		loginDispatcher: tg.NewUpdateDispatcher(),
		loginToken:      make(chan struct{}, 1),
	}
	c.loginDispatcher.OnLoginToken(func(ctx context.Context, e tg.Entities, update *tg.UpdateLoginToken) error {
		select {
		case c.loginToken <- struct{}{}:
		default:
		}
		return nil
	})
	c.client = telegram.NewClient(tc.Config.APIID, tc.Config.APIHash, telegram.Options{
		SessionStorage: c.sessions,
		Logger:         c.zaplog,
		UpdateHandler:  c,
		Device: telegram.DeviceConfig{
			DeviceModel:    tc.Config.DeviceInfo.DeviceModel,
			SystemVersion:  tc.Config.DeviceInfo.SystemVersion,
			AppVersion:     tc.Config.DeviceInfo.AppVersion,
			SystemLangCode: tc.Config.DeviceInfo.SystemLangCode,
			LangCode:       tc.Config.DeviceInfo.LangCode,
		},
	})
	return c
}

// Handle implements telegram.UpdateHandler. Updates go through the gap-aware
// manager once Subscribe has started it.
func (c *Client) Handle(ctx context.Context, u tg.UpdatesClass) error {
	if manager := c.updates.Load(); manager != nil {
		return manager.Handle(ctx, u)
	}
	return c.loginDispatcher.Handle(ctx, u)
}

func (c *Client) Run(ctx context.Context, ready func(ctx context.Context) error) error {
	err := c.client.Run(c.log.WithContext(ctx), ready)
	if ctx.Err() != nil {
		return err
	}
	return classifyError(err)
}

func (c *Client) IsAuthorized(ctx context.Context) (bool, error) {
	status, err := c.client.Auth().Status(ctx)
	if err != nil {
		return false, rpcError(err, "get auth status")
	}
	return status.Authorized, nil
}

func (c *Client) Self(ctx context.Context) (*bridge.UserInfo, error) {
	self, err := c.client.Self(ctx)
	if err != nil {
		return nil, rpcError(err, "get self")
	}
	return c.setSelf(self), nil
}

func (c *Client) setSelf(self *tg.User) *bridge.UserInfo {
	c.selfID.Store(self.ID)
	c.scoped.Store(c.main.Store.GetScopedStore(self.ID))
	return userInfoFromTelegram(self)
}

func (c *Client) scopedStore(ctx context.Context) (*store.ScopedStore, error) {
	if scoped := c.scoped.Load(); scoped != nil {
		return scoped, nil
	}
	if _, err := c.Self(ctx); err != nil {
		return nil, err
	}
	return c.scoped.Load(), nil
}

func (c *Client) LogOut(ctx context.Context) error {
	_, err := c.client.API().AuthLogOut(ctx)
	if err != nil {
		return rpcError(err, "log out")
	}
	if scoped := c.scoped.Load(); scoped != nil {
		if err = scoped.DeleteAll(ctx); err != nil {
			return errors.Wrap(err, "delete update state")
		}
	}
	return nil
}

func (c *Client) ListDialogs(ctx context.Context, limit int) ([]bridge.ChatRef, error) {
	resp, err := c.client.API().MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      limit,
	})
	if err != nil {
		return nil, rpcError(err, "get dialogs")
	}
	dialogs, ok := resp.AsModified()
	if !ok {
		return nil, errors.Errorf("unexpected dialogs response %T", resp)
	}
	chatList := tg.ChatClassArray(dialogs.GetChats())
	entities := tg.Entities{
		Users:    tg.UserClassArray(dialogs.GetUsers()).NotEmptyToMap(),
		Chats:    chatList.ChatToMap(),
		Channels: chatList.ChannelToMap(),
	}
	if err = c.storeEntities(ctx, entities); err != nil {
		return nil, err
	}
	chats := make([]bridge.ChatRef, 0, len(dialogs.GetDialogs()))
	for _, d := range dialogs.GetDialogs() {
		dialog, ok := d.(*tg.Dialog)
		if !ok {
			continue
		}
		chat, err := c.chatFromPeer(ctx, dialog.Peer, entities.Channels)
		if err != nil {
			c.log.Warn().Err(err).Msg("Skipping dialog with unknown peer")
			continue
		}
		chats = append(chats, chat)
	}
	return chats, nil
}

// storeEntities saves access hashes, usernames and channel kinds so that
// later calls can address the peers.
func (c *Client) storeEntities(ctx context.Context, e tg.Entities) error {
	scoped, err := c.scopedStore(ctx)
	if err != nil {
		return err
	}
	for _, user := range e.Users {
		if user.Min {
			continue
		}
		err = scoped.SetEntityInfo(ctx, ids.PeerTypeUser, user.ID, user.AccessHash, user.Username, false)
		if err != nil {
			return errors.Wrap(err, "save user access hash")
		}
	}
	for _, channel := range e.Channels {
		if channel.Min {
			continue
		}
		err = scoped.SetEntityInfo(ctx, ids.PeerTypeChannel, channel.ID, channel.AccessHash, channel.Username, channel.Broadcast)
		if err != nil {
			return errors.Wrap(err, "save channel access hash")
		}
	}
	return nil
}
