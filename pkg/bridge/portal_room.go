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
	"context"
	"fmt"
	"slices"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/tgbridge/pkg/ids"
)

const (
	adminPowerLevel = 50
	botPowerLevel   = 100
)

// fetchChatInfo gets the chat's metadata. Private chats take it from the
// other party's puppet.
func (p *Portal) fetchChatInfo(ctx context.Context, client TelegramTransport) (*ChatInfo, error) {
	if p.ChatType == ids.ChatTypePrivate {
		puppet, err := p.bridge.GetPuppet(ctx, p.ChatID)
		if err != nil {
			return nil, err
		} else if err = puppet.Sync(ctx, client, false); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to sync private chat puppet")
		}
		return &ChatInfo{Title: puppet.DisplayName(), Members: []int64{p.ChatID}}, nil
	}
	return retryValue(ctx, p.bridge, "telegram_get_chat", func(ctx context.Context) (*ChatInfo, error) {
		return client.GetChatInfo(ctx, p.chatRef())
	})
}

func (p *Portal) createMatrixRoom(ctx context.Context, source *User) error {
	if p.MXID != "" {
		return p.trackUser(ctx, source)
	}
	log := zerolog.Ctx(ctx)
	user, client := p.anySession(ctx, source)
	if client == nil {
		return ErrNoSession
	}
	info, err := p.fetchChatInfo(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get chat info: %w", err)
	}
	botMXID := p.bridge.BotMXID()

	var initialState []*event.Event
	if p.ChatType != ids.ChatTypePrivate && info.Avatar != nil {
		avatarURL, err := p.bridge.transferAvatar(ctx, client, botMXID, info.Avatar)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to transfer chat avatar")
		} else if avatarURL != "" {
			p.AvatarID, p.AvatarMXC, p.AvatarSet = info.AvatarID, avatarURL, true
			initialState = append(initialState, &event.Event{
				Type:    event.StateRoomAvatar,
				Content: event.Content{Parsed: &event.RoomAvatarEventContent{URL: avatarURL}},
			})
		}
	}

	powerLevels := map[id.UserID]int{botMXID: botPowerLevel}
	for _, adminID := range info.Admins {
		powerLevels[p.bridge.Ghosts.Format(adminID)] = adminPowerLevel
	}
	var invites []id.UserID
	for _, memberID := range info.Members {
		if user != nil && memberID == user.TelegramID() {
			continue
		}
		invites = append(invites, p.bridge.Ghosts.Format(memberID))
	}
	realUsers, err := p.bridge.Registry.GetPortalUsers(ctx, p.PortalKey)
	if err != nil {
		return err
	}
	if source != nil && !source.IsRelay() && !slices.Contains(realUsers, source.MXID) {
		realUsers = append(realUsers, source.MXID)
	}
	invites = append(invites, realUsers...)

	req := &mautrix.ReqCreateRoom{
		Visibility:         "private",
		Preset:             "private_chat",
		Invite:             invites,
		IsDirect:           p.ChatType == ids.ChatTypePrivate,
		PowerLevelOverride: &event.PowerLevelsEventContent{Users: powerLevels},
		InitialState:       initialState,
	}
	if p.ChatType != ids.ChatTypePrivate {
		req.Name = info.Title
		req.Topic = info.About
	}
	// Room creation isn't idempotent, so it's only attempted once.
	roomID, err := p.bridge.Matrix.CreateRoom(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to create room: %w", err)
	}
	p.Title, p.Topic, p.NameSet = info.Title, info.About, req.Name != ""
	if user != nil && user.IsRelay() {
		// Chats only the relaybot is in can't be used any other way.
		p.RelayEnabled = true
	}
	if err = p.bridge.Registry.SetPortalMXID(ctx, p.Portal, roomID); err != nil {
		return fmt.Errorf("failed to save room ID: %w", err)
	}
	log.Info().Stringer("room_id", roomID).Msg("Created Matrix room")

	var errs error
	for _, mxid := range realUsers {
		if _, err = p.bridge.Registry.AddUserPortal(ctx, mxid, p.PortalKey); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	for _, memberID := range info.Members {
		if user != nil && memberID == user.TelegramID() {
			continue
		}
		errs = multierr.Append(errs, p.joinMember(ctx, client, memberID))
	}
	return errs
}

func (p *Portal) joinMember(ctx context.Context, client TelegramTransport, memberID int64) error {
	puppet, err := p.bridge.GetPuppet(ctx, memberID)
	if err != nil {
		return err
	}
	if err = puppet.Sync(ctx, client, false); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Int64("puppet_id", memberID).Msg("Failed to sync member puppet")
	}
	return puppet.EnsureJoined(ctx, p)
}

// syncMetadata copies the chat's title, topic, avatar and member list from
// Telegram. Room-local overrides made on Matrix are kept.
func (p *Portal) syncMetadata(ctx context.Context, source *User) error {
	user, client := p.anySession(ctx, source)
	if client == nil {
		return ErrNoSession
	}
	info, err := p.fetchChatInfo(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get chat info: %w", err)
	}
	var errs error
	if p.ChatType != ids.ChatTypePrivate {
		errs = multierr.Append(errs, p.setName(ctx, info.Title))
		errs = multierr.Append(errs, p.setTopic(ctx, info.About))
		errs = multierr.Append(errs, p.setAvatar(ctx, client, info))
	}

	current, err := p.bridge.Registry.GetPortalPuppets(ctx, p.PortalKey)
	if err != nil {
		return multierr.Append(errs, err)
	}
	for _, memberID := range info.Members {
		if user != nil && memberID == user.TelegramID() {
			continue
		}
		errs = multierr.Append(errs, p.joinMember(ctx, client, memberID))
	}
	// Broadcast channels and big groups may not expose their member list, in
	// which case nobody is removed.
	if len(info.Members) > 0 {
		for _, puppetID := range current {
			if slices.Contains(info.Members, puppetID) || ids.IsChannelPuppetID(puppetID) {
				continue
			}
			puppet, err := p.bridge.GetPuppet(ctx, puppetID)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			errs = multierr.Append(errs, puppet.Leave(ctx, p))
		}
	}
	if errs == nil {
		zerolog.Ctx(ctx).Debug().Int("member_count", len(info.Members)).Msg("Synced portal metadata")
	}
	return errs
}

func (p *Portal) setTopic(ctx context.Context, topic string) error {
	if p.Topic == topic {
		return nil
	}
	_, err := retryValue(ctx, p.bridge, "matrix_set_topic", func(ctx context.Context) (id.EventID, error) {
		return p.bridge.Matrix.SetState(ctx, p.MXID, p.bridge.BotMXID(), event.StateTopic, "", &event.TopicEventContent{Topic: topic})
	})
	if err != nil {
		return err
	}
	p.Topic = topic
	return p.bridge.Registry.UpdatePortal(ctx, p.Portal)
}

func (p *Portal) setAvatar(ctx context.Context, client TelegramTransport, info *ChatInfo) error {
	if p.AvatarOverride || (p.AvatarID == info.AvatarID && p.AvatarSet) {
		return nil
	}
	botMXID := p.bridge.BotMXID()
	avatarURL, err := p.bridge.transferAvatar(ctx, client, botMXID, info.Avatar)
	if err == nil {
		_, err = retryValue(ctx, p.bridge, "matrix_set_avatar", func(ctx context.Context) (id.EventID, error) {
			return p.bridge.Matrix.SetState(ctx, p.MXID, botMXID, event.StateRoomAvatar, "", &event.RoomAvatarEventContent{URL: avatarURL})
		})
	}
	p.AvatarID = info.AvatarID
	p.AvatarSet = err == nil
	if err == nil {
		p.AvatarMXC = avatarURL
	}
	return multierr.Append(err, p.bridge.Registry.UpdatePortal(ctx, p.Portal))
}
