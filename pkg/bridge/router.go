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
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"

	"go.mau.fi/tgbridge/pkg/dedup"
	"go.mau.fi/tgbridge/pkg/ids"
)

// Router is the single entry point for both inbound streams. It drops
// duplicates and echoes, resolves the portal and queues the event on it
// without waiting for it to be handled.
type Router struct {
	bridge *Bridge
	seen   dedup.Set
	log    zerolog.Logger
}

func newRouter(br *Bridge, seen dedup.Set) *Router {
	return &Router{
		bridge: br,
		seen:   seen,
		log:    br.Log.With().Str("component", "router").Logger(),
	}
}

// isDuplicate marks the key as seen. Dedup backend failures let the event
// through, since portals are idempotent on their own.
func (r *Router) isDuplicate(ctx context.Context, key string) bool {
	seen, err := r.seen.CheckAndMark(ctx, key)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("dedup_key", key).Msg("Dedup check failed")
		return false
	}
	return seen
}

func telegramDedupKey(update TelegramUpdate) string {
	switch upd := update.(type) {
	case *TelegramNewMessage:
		return fmt.Sprintf("telegram:%s", ids.MessageKey{Space: upd.MessageSpace(), ID: upd.Message.ID})
	case *TelegramEdit:
		return fmt.Sprintf("telegram:%s@%d", ids.MessageKey{Space: upd.MessageSpace(), ID: upd.Message.ID}, upd.Message.EditDate.Unix())
	default:
		return ""
	}
}

func (r *Router) HandleTelegramUpdate(ctx context.Context, source *User, update TelegramUpdate) {
	base := update.Base()
	log := r.log.With().
		Stringer("update_kind", update.Kind()).
		Stringer("source", source.MXID).
		Int64("chat_id", base.Chat.ID).
		Logger()
	ctx = log.WithContext(ctx)
	if key := telegramDedupKey(update); key != "" && r.isDuplicate(ctx, key) {
		log.Debug().Str("dedup_key", key).Msg("Dropping duplicate Telegram update")
		return
	}
	if del, ok := update.(*TelegramDelete); ok && base.Chat.IsZero() {
		r.routeDelete(ctx, source, del)
		return
	} else if !base.Chat.Type.IsValid() {
		log.Warn().Str("chat_type", string(base.Chat.Type)).Msg("Dropping update with invalid chat type")
		return
	}

	var portal *Portal
	var err error
	key := base.PortalKey()
	switch upd := update.(type) {
	case *TelegramNewMessage:
		portal, err = r.bridge.GetOrCreatePortal(ctx, key)
	case *TelegramChatMeta:
		if upd.Deleted {
			portal, err = r.bridge.GetPortal(ctx, key)
		} else {
			portal, err = r.bridge.GetOrCreatePortal(ctx, key)
		}
	default:
		portal, err = r.bridge.GetPortal(ctx, key)
	}
	if err != nil {
		log.Err(err).Stringer("portal_key", key).Msg("Failed to get portal for Telegram update")
		return
	} else if portal == nil {
		log.Debug().Stringer("portal_key", key).Msg("Dropping update for unknown chat")
		return
	}
	portal.QueueTelegramUpdate(source, update)
}

// routeDelete resolves a delete that only has message IDs. Outside channels
// Telegram numbers messages per account, so the IDs are looked up in the
// receiver's space and the delete is split per portal.
func (r *Router) routeDelete(ctx context.Context, source *User, del *TelegramDelete) {
	log := zerolog.Ctx(ctx)
	byPortal := make(map[ids.PortalKey][]int)
	var order []ids.PortalKey
	for _, msgID := range del.MessageIDs {
		rows, err := r.bridge.Registry.GetMessagesBySpace(ctx, ids.MessageKey{Space: del.Receiver, ID: msgID})
		if err != nil {
			log.Err(err).Int("message_id", msgID).Msg("Failed to look up deleted message")
			continue
		}
		for _, row := range rows {
			if row.Portal.ChatType.HasOwnMessageSpace() {
				continue
			}
			if _, ok := byPortal[row.Portal]; !ok {
				order = append(order, row.Portal)
			}
			byPortal[row.Portal] = append(byPortal[row.Portal], msgID)
		}
	}
	for _, key := range order {
		portal, err := r.bridge.GetPortal(ctx, key)
		if err != nil || portal == nil {
			log.Warn().Err(err).Stringer("portal_key", key).Msg("Dropping delete for missing portal")
			continue
		}
		portal.QueueTelegramUpdate(source, &TelegramDelete{
			TelegramUpdateBase: TelegramUpdateBase{
				Receiver: del.Receiver,
				Chat:     ChatRef{ID: key.ChatID, Type: key.ChatType},
			},
			MessageIDs: byPortal[key],
		})
	}
	if len(order) == 0 {
		log.Debug().Ints("message_ids", del.MessageIDs).Msg("Deleted messages weren't bridged")
	}
}

// HandleMatrixEvent is the appservice event callback.
func (r *Router) HandleMatrixEvent(ctx context.Context, evt *event.Event) {
	log := r.log.With().
		Stringer("room_id", evt.RoomID).
		Str("event_type", evt.Type.Type).
		Logger()
	ctx = log.WithContext(ctx)
	for _, converted := range ConvertMatrixEvent(evt) {
		r.routeMatrixEvent(ctx, converted)
	}
}

func (r *Router) routeMatrixEvent(ctx context.Context, evt MatrixEvent) {
	log := zerolog.Ctx(ctx)
	base := evt.Base()
	if member, ok := evt.(*MatrixMembership); ok && member.Target == r.bridge.BotMXID() && member.Membership == event.MembershipInvite {
		r.handleBotInvite(ctx, member)
		return
	}
	if base.Sender != "" && r.bridge.isBridgeUser(base.Sender) {
		return
	}
	if base.EventID != "" && r.isDuplicate(ctx, "matrix:"+base.EventID.String()) {
		log.Debug().Stringer("event_id", base.EventID).Msg("Dropping duplicate Matrix event")
		return
	}
	if msg, ok := evt.(*MatrixMessage); ok && r.isCommand(ctx, msg) {
		go r.bridge.Commands.Handle(ctx, msg)
		return
	}
	portal, err := r.bridge.GetPortalByRoom(ctx, base.RoomID)
	if err != nil {
		log.Err(err).Msg("Failed to get portal for Matrix event")
		return
	} else if portal == nil {
		log.Debug().Stringer("event_kind", evt.Kind()).Msg("Dropping event in unbridged room")
		return
	}
	portal.QueueMatrixEvent(evt)
}

// isCommand is true for text messages with the command prefix and for all
// text messages in the sender's management room.
func (r *Router) isCommand(ctx context.Context, msg *MatrixMessage) bool {
	if msg.Type != event.EventMessage || msg.Content.MsgType != event.MsgText {
		return false
	}
	prefix := r.bridge.Config.Bridge.CommandPrefix
	if body := strings.TrimSpace(msg.Content.Body); body == prefix || strings.HasPrefix(body, prefix+" ") {
		return true
	}
	user, err := r.bridge.GetUser(ctx, msg.Sender, false)
	if err != nil || user == nil {
		return false
	}
	return user.ManagementRoom() == msg.RoomID
}

// handleBotInvite accepts invites to rooms that aren't portals and makes
// them the inviter's management room.
func (r *Router) handleBotInvite(ctx context.Context, evt *MatrixMembership) {
	log := zerolog.Ctx(ctx).With().Stringer("inviter", evt.Sender).Logger()
	if portal, err := r.bridge.GetPortalByRoom(ctx, evt.RoomID); err != nil || portal != nil {
		return
	}
	botMXID := r.bridge.BotMXID()
	if !r.bridge.Config.Bridge.Permission(evt.Sender).AtLeast(PermissionUser) {
		log.Debug().Msg("Rejecting invite from user without permission")
		_ = r.bridge.Matrix.Leave(ctx, evt.RoomID, botMXID)
		return
	}
	err := r.bridge.Retry.Do(ctx, "matrix_join", func(ctx context.Context) error {
		return r.bridge.Matrix.EnsureJoined(ctx, evt.RoomID, botMXID)
	})
	if err != nil {
		log.Err(err).Msg("Failed to accept invite")
		return
	}
	user, err := r.bridge.GetUser(ctx, evt.Sender, true)
	if err != nil {
		log.Err(err).Msg("Failed to load inviter")
		return
	}
	if user.ManagementRoom() == "" {
		if err = user.SetManagementRoom(ctx, evt.RoomID); err != nil {
			log.Err(err).Msg("Failed to save management room")
		}
	}
	r.bridge.sendBotNotice(ctx, evt.RoomID, fmt.Sprintf(
		"Hello, I'm a Telegram bridge bot. Use `%s help` for help.", r.bridge.Config.Bridge.CommandPrefix,
	))
}
