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

// Package mxclient implements the Matrix side of the bridge on top of the
// mautrix appservice API.
package mxclient

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/tgbridge/pkg/bridge"
)

type Client struct {
	AS  *appservice.AppService
	log zerolog.Logger
}

var _ bridge.MatrixTransport = (*Client)(nil)

// Registration builds the appservice registration from the config. The
// namespace covers the bot and every ghost the username template can make.
func Registration(cfg *bridge.Config) *appservice.Registration {
	reg := &appservice.Registration{
		ID:              cfg.AppService.ID,
		URL:             cfg.AppService.Address,
		AppToken:        cfg.AppService.ASToken,
		ServerToken:     cfg.AppService.HSToken,
		SenderLocalpart: cfg.AppService.BotUsername,
		EphemeralEvents: true,
	}
	falseVal := false
	reg.RateLimited = &falseVal
	reg.Namespaces.UserIDs = appservice.NamespaceList{{
		Regex:     ghostRegex(cfg),
		Exclusive: true,
	}, {
		Regex:     fmt.Sprintf("^@%s:%s$", regexp.QuoteMeta(cfg.AppService.BotUsername), regexp.QuoteMeta(cfg.Homeserver.Domain)),
		Exclusive: true,
	}}
	return reg
}

// GenerateRegistration fills in fresh tokens in the config and returns the
// registration to give to the homeserver.
func GenerateRegistration(cfg *bridge.Config) *appservice.Registration {
	generated := appservice.CreateRegistration()
	cfg.AppService.ASToken = generated.AppToken
	cfg.AppService.HSToken = generated.ServerToken
	return Registration(cfg)
}

func ghostRegex(cfg *bridge.Config) string {
	before, after, _ := strings.Cut(cfg.Bridge.UsernameTemplate, "{{.}}")
	return fmt.Sprintf("^@%s(?:channel-)?[0-9]+%s:%s$", regexp.QuoteMeta(before), regexp.QuoteMeta(after), regexp.QuoteMeta(cfg.Homeserver.Domain))
}

func New(cfg *bridge.Config, log zerolog.Logger) (*Client, error) {
	as, err := appservice.CreateFull(appservice.CreateOpts{
		Registration:     Registration(cfg),
		HomeserverDomain: cfg.Homeserver.Domain,
		HomeserverURL:    cfg.Homeserver.Address,
		HostConfig: appservice.HostConfig{
			Hostname: cfg.AppService.Hostname,
			Port:     cfg.AppService.Port,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create appservice: %w", err)
	}
	log = log.With().Str("component", "matrix").Logger()
	as.Log = log
	return &Client{AS: as, log: log}, nil
}

// EnsureBotProfile registers the bridge bot and sets its profile.
func (c *Client) EnsureBotProfile(ctx context.Context, displayname, avatar string) error {
	bot := c.AS.BotIntent()
	if err := bot.EnsureRegistered(ctx); err != nil {
		return fmt.Errorf("failed to register bot: %w", err)
	}
	if displayname != "" {
		if err := bot.SetDisplayName(ctx, displayname); err != nil {
			return fmt.Errorf("failed to set bot displayname: %w", err)
		}
	}
	if avatar != "" {
		uri, err := id.ParseContentURI(avatar)
		if err != nil {
			return fmt.Errorf("invalid bot avatar: %w", err)
		} else if err = bot.SetAvatarURL(ctx, uri); err != nil {
			return fmt.Errorf("failed to set bot avatar: %w", err)
		}
	}
	return nil
}

func (c *Client) BotUserID() id.UserID {
	return c.AS.BotMXID()
}

func (c *Client) intent(userID id.UserID) *appservice.IntentAPI {
	if userID == "" || userID == c.AS.BotMXID() {
		return c.AS.BotIntent()
	}
	return c.AS.Intent(userID)
}

func (c *Client) SendEvent(ctx context.Context, roomID id.RoomID, asUser id.UserID, evtType event.Type, content any, txnID string, ts time.Time) (id.EventID, error) {
	var extra mautrix.ReqSendEvent
	extra.TransactionID = txnID
	if !ts.IsZero() {
		extra.Timestamp = ts.UnixMilli()
	}
	resp, err := c.intent(asUser).SendMessageEvent(ctx, roomID, evtType, content, extra)
	if err != nil {
		return "", classifyError(err)
	}
	return resp.EventID, nil
}

func (c *Client) SetState(ctx context.Context, roomID id.RoomID, asUser id.UserID, evtType event.Type, stateKey string, content any) (id.EventID, error) {
	resp, err := c.intent(asUser).SendStateEvent(ctx, roomID, evtType, stateKey, content)
	if err != nil {
		return "", classifyError(err)
	}
	return resp.EventID, nil
}

func (c *Client) Redact(ctx context.Context, roomID id.RoomID, asUser id.UserID, eventID id.EventID) error {
	_, err := c.intent(asUser).RedactEvent(ctx, roomID, eventID)
	return classifyError(err)
}

func (c *Client) UploadMedia(ctx context.Context, asUser id.UserID, data []byte, mimeType, fileName string) (id.ContentURIString, error) {
	resp, err := c.intent(asUser).UploadBytesWithName(ctx, data, mimeType, fileName)
	if err != nil {
		return "", classifyError(err)
	}
	return resp.ContentURI.CUString(), nil
}

func (c *Client) DownloadMedia(ctx context.Context, uri id.ContentURIString) ([]byte, error) {
	parsed, err := uri.Parse()
	if err != nil {
		return nil, fmt.Errorf("invalid content URI %q: %w", uri, err)
	}
	data, err := c.AS.BotClient().DownloadBytes(ctx, parsed)
	return data, classifyError(err)
}

func (c *Client) CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	resp, err := c.AS.BotIntent().CreateRoom(ctx, req)
	if err != nil {
		return "", classifyError(err)
	}
	return resp.RoomID, nil
}

func (c *Client) Invite(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := c.AS.BotIntent().InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
	return classifyError(err)
}

func (c *Client) EnsureJoined(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	return classifyError(c.intent(userID).EnsureJoined(ctx, roomID))
}

func (c *Client) Leave(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := c.intent(userID).LeaveRoom(ctx, roomID)
	return classifyError(err)
}

func (c *Client) SetDisplayName(ctx context.Context, userID id.UserID, name string) error {
	return classifyError(c.intent(userID).SetDisplayName(ctx, name))
}

func (c *Client) SetAvatarURL(ctx context.Context, userID id.UserID, uri id.ContentURIString) error {
	var parsed id.ContentURI
	if uri != "" {
		var err error
		if parsed, err = uri.Parse(); err != nil {
			return fmt.Errorf("invalid content URI %q: %w", uri, err)
		}
	}
	return classifyError(c.intent(userID).SetAvatarURL(ctx, parsed))
}

func (c *Client) SetTyping(ctx context.Context, roomID id.RoomID, userID id.UserID, timeout time.Duration) error {
	_, err := c.intent(userID).UserTyping(ctx, roomID, timeout > 0, timeout)
	return classifyError(err)
}

func (c *Client) MarkRead(ctx context.Context, roomID id.RoomID, userID id.UserID, eventID id.EventID) error {
	return classifyError(c.intent(userID).MarkRead(ctx, roomID, eventID))
}

func (c *Client) GetDisplayName(ctx context.Context, userID id.UserID) (string, error) {
	resp, err := c.AS.BotClient().GetDisplayName(ctx, userID)
	if err != nil {
		return "", classifyError(err)
	}
	return resp.DisplayName, nil
}

func (c *Client) GetJoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	resp, err := c.AS.BotClient().JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, classifyError(err)
	}
	members := make([]id.UserID, 0, len(resp.Joined))
	for userID := range resp.Joined {
		members = append(members, userID)
	}
	return members, nil
}

// Listen serves the appservice transaction endpoint and hands every event
// to handler in delivery order.
func (c *Client) Listen(ctx context.Context, handler func(ctx context.Context, evt *event.Event)) error {
	go c.AS.Start()
	defer c.AS.Stop()
	ctx = c.log.WithContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-c.AS.Events:
			handler(ctx, evt)
		}
	}
}
