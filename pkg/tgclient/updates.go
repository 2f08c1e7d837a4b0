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

	"github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"

	"go.mau.fi/tgbridge/pkg/bridge"
	"go.mau.fi/tgbridge/pkg/ids"
)

// UpdateDispatcher passes the entities of every update batch to
// EntityHandler before dispatching the individual updates.
type UpdateDispatcher struct {
	tg.UpdateDispatcher
	EntityHandler func(context.Context, tg.Entities) error
}

func (u UpdateDispatcher) Handle(ctx context.Context, updates tg.UpdatesClass) error {
	var e tg.Entities
	switch u := updates.(type) {
	case *tg.Updates:
		e.Users = u.MapUsers().NotEmptyToMap()
		chats := u.MapChats()
		e.Chats = chats.ChatToMap()
		e.Channels = chats.ChannelToMap()
	case *tg.UpdatesCombined:
		e.Users = u.MapUsers().NotEmptyToMap()
		chats := u.MapChats()
		e.Chats = chats.ChatToMap()
		e.Channels = chats.ChannelToMap()
	}
	if u.EntityHandler != nil {
		if err := u.EntityHandler(ctx, e); err != nil {
			return err
		}
	}
	return u.UpdateDispatcher.Handle(ctx, updates)
}

type updateHandler struct {
	*Client
	selfID  int64
	handler func(ctx context.Context, update bridge.TelegramUpdate)
}

func (c *Client) Subscribe(ctx context.Context, handler func(ctx context.Context, update bridge.TelegramUpdate)) error {
	self, err := c.client.Self(ctx)
	if err != nil {
		return rpcError(err, "get self")
	}
	c.setSelf(self)
	scoped := c.scoped.Load()
	uh := &updateHandler{Client: c, selfID: self.ID, handler: handler}
	manager := updates.New(updates.Config{
		Handler:      uh.dispatcher(),
		Logger:       c.zaplog.Named("gaps"),
		Storage:      scoped,
		AccessHasher: scoped,
	})
	c.updates.Store(manager)
	defer c.updates.Store(nil)
	log := c.log.With().Int64("telegram_user_id", self.ID).Logger()
	err = manager.Run(log.WithContext(ctx), c.client.API(), self.ID, updates.AuthOptions{
		IsBot: self.Bot,
		OnStart: func(ctx context.Context) {
			log.Info().Msg("Receiving Telegram updates")
		},
	})
	if ctx.Err() != nil {
		return nil
	}
	return classifyError(err)
}

func (uh *updateHandler) dispatcher() UpdateDispatcher {
	dispatcher := UpdateDispatcher{
		UpdateDispatcher: tg.NewUpdateDispatcher(),
		EntityHandler:    uh.storeEntities,
	}
	dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, update *tg.UpdateNewMessage) error {
		return uh.onMessage(ctx, e, update.Message, false)
	})
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, update *tg.UpdateNewChannelMessage) error {
		return uh.onMessage(ctx, e, update.Message, false)
	})
	dispatcher.OnEditMessage(func(ctx context.Context, e tg.Entities, update *tg.UpdateEditMessage) error {
		return uh.onMessage(ctx, e, update.Message, true)
	})
	dispatcher.OnEditChannelMessage(func(ctx context.Context, e tg.Entities, update *tg.UpdateEditChannelMessage) error {
		return uh.onMessage(ctx, e, update.Message, true)
	})
	dispatcher.OnDeleteMessages(func(ctx context.Context, e tg.Entities, update *tg.UpdateDeleteMessages) error {
		uh.dispatch(ctx, &bridge.TelegramDelete{
			TelegramUpdateBase: bridge.TelegramUpdateBase{Receiver: uh.selfID},
			MessageIDs:         update.Messages,
		})
		return nil
	})
	dispatcher.OnDeleteChannelMessages(func(ctx context.Context, e tg.Entities, update *tg.UpdateDeleteChannelMessages) error {
		chat, err := uh.channelRef(ctx, update.ChannelID, e.Channels)
		if err != nil {
			return err
		}
		uh.dispatch(ctx, &bridge.TelegramDelete{
			TelegramUpdateBase: bridge.TelegramUpdateBase{Receiver: uh.selfID, Chat: chat},
			MessageIDs:         update.Messages,
		})
		return nil
	})
	dispatcher.OnUserTyping(func(ctx context.Context, e tg.Entities, update *tg.UpdateUserTyping) error {
		uh.onTyping(ctx, bridge.ChatRef{ID: update.UserID, Type: ids.ChatTypePrivate}, update.UserID, update.Action)
		return nil
	})
	dispatcher.OnChatUserTyping(func(ctx context.Context, e tg.Entities, update *tg.UpdateChatUserTyping) error {
		uh.onTyping(ctx, bridge.ChatRef{ID: update.ChatID, Type: ids.ChatTypeGroup}, peerUserID(update.FromID), update.Action)
		return nil
	})
	dispatcher.OnChannelUserTyping(func(ctx context.Context, e tg.Entities, update *tg.UpdateChannelUserTyping) error {
		chat, err := uh.channelRef(ctx, update.ChannelID, e.Channels)
		if err != nil {
			return err
		}
		uh.onTyping(ctx, chat, peerUserID(update.FromID), update.Action)
		return nil
	})
	dispatcher.OnReadHistoryOutbox(func(ctx context.Context, e tg.Entities, update *tg.UpdateReadHistoryOutbox) error {
		// Only private chats say who read the messages.
		user, ok := update.Peer.(*tg.PeerUser)
		if !ok {
			return nil
		}
		uh.dispatch(ctx, &bridge.TelegramRead{
			TelegramUpdateBase: bridge.TelegramUpdateBase{
				Receiver: uh.selfID,
				Chat:     bridge.ChatRef{ID: user.UserID, Type: ids.ChatTypePrivate},
			},
			ReaderID: user.UserID,
			MaxID:    update.MaxID,
		})
		return nil
	})
	dispatcher.OnChannel(func(ctx context.Context, e tg.Entities, update *tg.UpdateChannel) error {
		channel, ok := e.Channels[update.ChannelID]
		if !ok || !channel.Left {
			return nil
		}
		chat, err := uh.channelRef(ctx, update.ChannelID, e.Channels)
		if err != nil {
			return err
		}
		uh.dispatch(ctx, &bridge.TelegramChatMeta{
			TelegramUpdateBase: bridge.TelegramUpdateBase{Receiver: uh.selfID, Chat: chat},
			Deleted:            true,
		})
		return nil
	})
	return dispatcher
}

func (uh *updateHandler) dispatch(ctx context.Context, update bridge.TelegramUpdate) {
	zerolog.Ctx(ctx).Trace().
		Stringer("update_kind", update.Kind()).
		Int64("chat_id", update.Base().Chat.ID).
		Msg("Dispatching Telegram update")
	uh.handler(ctx, update)
}

func (uh *updateHandler) onMessage(ctx context.Context, e tg.Entities, msgClass tg.MessageClass, edit bool) error {
	switch msg := msgClass.(type) {
	case *tg.Message:
		chat, err := uh.chatFromPeer(ctx, msg.PeerID, e.Channels)
		if err != nil {
			return err
		}
		base := bridge.TelegramUpdateBase{Receiver: uh.selfID, Chat: chat}
		converted := convertMessage(msg, chat, uh.selfID)
		if edit {
			uh.dispatch(ctx, &bridge.TelegramEdit{TelegramUpdateBase: base, Message: converted})
		} else {
			uh.dispatch(ctx, &bridge.TelegramNewMessage{TelegramUpdateBase: base, Message: converted})
		}
	case *tg.MessageService:
		if edit {
			return nil
		}
		chat, err := uh.chatFromPeer(ctx, msg.PeerID, e.Channels)
		if err != nil {
			return err
		}
		if meta := chatMetaFromAction(msg.Action, peerUserID(msg.FromID), uh.selfID); meta != nil {
			meta.TelegramUpdateBase = bridge.TelegramUpdateBase{Receiver: uh.selfID, Chat: chat}
			uh.dispatch(ctx, meta)
		}
	}
	return nil
}

// chatMetaFromAction converts service messages that change the chat itself.
func chatMetaFromAction(action tg.MessageActionClass, actorID, selfID int64) *bridge.TelegramChatMeta {
	switch a := action.(type) {
	case *tg.MessageActionChatEditTitle:
		return &bridge.TelegramChatMeta{Title: &a.Title}
	case *tg.MessageActionChatEditPhoto, *tg.MessageActionChatDeletePhoto:
		return &bridge.TelegramChatMeta{AvatarChanged: true}
	case *tg.MessageActionChatAddUser:
		return &bridge.TelegramChatMeta{MembersAdded: a.Users}
	case *tg.MessageActionChatJoinedByLink, *tg.MessageActionChatJoinedByRequest:
		if actorID == 0 {
			return nil
		}
		return &bridge.TelegramChatMeta{MembersAdded: []int64{actorID}}
	case *tg.MessageActionChatDeleteUser:
		return &bridge.TelegramChatMeta{MembersRemoved: []int64{a.UserID}, Deleted: a.UserID == selfID}
	default:
		return nil
	}
}

func (uh *updateHandler) onTyping(ctx context.Context, chat bridge.ChatRef, userID int64, action tg.SendMessageActionClass) {
	if userID == 0 || userID == uh.selfID {
		return
	}
	if _, ok := action.(*tg.SendMessageTypingAction); !ok {
		return
	}
	uh.dispatch(ctx, &bridge.TelegramTyping{
		TelegramUpdateBase: bridge.TelegramUpdateBase{Receiver: uh.selfID, Chat: chat},
		UserID:             userID,
	})
}
