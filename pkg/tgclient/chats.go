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

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"

	"go.mau.fi/tgbridge/pkg/bridge"
	"go.mau.fi/tgbridge/pkg/ids"
)

var ErrUnknownAccessHash = errors.New("access hash not known for peer")

const maxParticipants = 200

func (c *Client) accessHash(ctx context.Context, peerType ids.PeerType, id int64) (int64, error) {
	scoped, err := c.scopedStore(ctx)
	if err != nil {
		return 0, err
	}
	hash, found, err := scoped.GetAccessHash(ctx, peerType, id)
	if err != nil {
		return 0, errors.Wrap(err, "get access hash")
	} else if !found {
		return 0, errors.Wrapf(ErrUnknownAccessHash, "%s %d", peerType, id)
	}
	return hash, nil
}

func (c *Client) inputUser(ctx context.Context, userID int64) (tg.InputUserClass, error) {
	if userID == c.selfID.Load() {
		return &tg.InputUserSelf{}, nil
	}
	hash, err := c.accessHash(ctx, ids.PeerTypeUser, userID)
	if err != nil {
		return nil, err
	}
	return &tg.InputUser{UserID: userID, AccessHash: hash}, nil
}

func (c *Client) inputChannel(ctx context.Context, channelID int64) (*tg.InputChannel, error) {
	hash, err := c.accessHash(ctx, ids.PeerTypeChannel, channelID)
	if err != nil {
		return nil, err
	}
	return &tg.InputChannel{ChannelID: channelID, AccessHash: hash}, nil
}

func (c *Client) inputPeer(ctx context.Context, chat bridge.ChatRef) (tg.InputPeerClass, error) {
	switch chat.Type {
	case ids.ChatTypePrivate:
		if chat.ID == c.selfID.Load() {
			return &tg.InputPeerSelf{}, nil
		}
		hash, err := c.accessHash(ctx, ids.PeerTypeUser, chat.ID)
		if err != nil {
			return nil, err
		}
		return &tg.InputPeerUser{UserID: chat.ID, AccessHash: hash}, nil
	case ids.ChatTypeGroup:
		return &tg.InputPeerChat{ChatID: chat.ID}, nil
	case ids.ChatTypeSupergroup, ids.ChatTypeChannel:
		hash, err := c.accessHash(ctx, ids.PeerTypeChannel, chat.ID)
		if err != nil {
			return nil, err
		}
		return &tg.InputPeerChannel{ChannelID: chat.ID, AccessHash: hash}, nil
	default:
		return nil, errors.Errorf("unknown chat type %q", chat.Type)
	}
}

// resolveMention is the userResolver for outgoing messages.
func (c *Client) resolveMention(ctx context.Context, userID int64) tg.InputUserClass {
	user, err := c.inputUser(ctx, userID)
	if err != nil {
		c.log.Debug().Err(err).Int64("user_id", userID).Msg("Dropping mention of unknown user")
		return nil
	}
	return user
}

// chatFromPeer turns a wire peer into a chat reference. Channels are looked
// up in the given entities first and in the store otherwise.
func (c *Client) chatFromPeer(ctx context.Context, peer tg.PeerClass, channels map[int64]*tg.Channel) (bridge.ChatRef, error) {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return bridge.ChatRef{ID: p.UserID, Type: ids.ChatTypePrivate}, nil
	case *tg.PeerChat:
		return bridge.ChatRef{ID: p.ChatID, Type: ids.ChatTypeGroup}, nil
	case *tg.PeerChannel:
		return c.channelRef(ctx, p.ChannelID, channels)
	default:
		return bridge.ChatRef{}, errors.Errorf("unknown peer type %T", peer)
	}
}

func (c *Client) channelRef(ctx context.Context, channelID int64, channels map[int64]*tg.Channel) (bridge.ChatRef, error) {
	ref := bridge.ChatRef{ID: channelID, Type: ids.ChatTypeSupergroup}
	if channel, ok := channels[channelID]; ok {
		if channel.Broadcast {
			ref.Type = ids.ChatTypeChannel
		}
		return ref, nil
	}
	scoped, err := c.scopedStore(ctx)
	if err != nil {
		return ref, err
	}
	isBroadcast, _, err := scoped.IsBroadcastChannel(ctx, channelID)
	if err != nil {
		return ref, errors.Wrap(err, "get channel kind")
	} else if isBroadcast {
		ref.Type = ids.ChatTypeChannel
	}
	return ref, nil
}

func (c *Client) GetUserInfo(ctx context.Context, userID int64) (*bridge.UserInfo, error) {
	input, err := c.inputUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	users, err := c.client.API().UsersGetUsers(ctx, []tg.InputUserClass{input})
	if err != nil {
		return nil, rpcError(err, "get user")
	}
	for _, u := range users {
		if user, ok := u.(*tg.User); ok && user.ID == userID {
			if err = c.storeEntities(ctx, tg.Entities{Users: map[int64]*tg.User{user.ID: user}}); err != nil {
				return nil, err
			}
			return userInfoFromTelegram(user), nil
		}
	}
	return nil, errors.Errorf("user %d not found", userID)
}

func (c *Client) GetChatInfo(ctx context.Context, chat bridge.ChatRef) (*bridge.ChatInfo, error) {
	switch chat.Type {
	case ids.ChatTypePrivate:
		user, err := c.GetUserInfo(ctx, chat.ID)
		if err != nil {
			return nil, err
		}
		return &bridge.ChatInfo{
			Title:    user.FirstName,
			AvatarID: user.AvatarID,
			Avatar:   user.Avatar,
			Members:  []int64{chat.ID},
		}, nil
	case ids.ChatTypeGroup:
		return c.getGroupInfo(ctx, chat.ID)
	case ids.ChatTypeSupergroup, ids.ChatTypeChannel:
		return c.getChannelInfo(ctx, chat.ID)
	default:
		return nil, errors.Errorf("unknown chat type %q", chat.Type)
	}
}

func (c *Client) getGroupInfo(ctx context.Context, chatID int64) (*bridge.ChatInfo, error) {
	full, err := c.client.API().MessagesGetFullChat(ctx, chatID)
	if err != nil {
		return nil, rpcError(err, "get full chat")
	}
	if err = c.storeEntities(ctx, tg.Entities{Users: tg.UserClassArray(full.Users).NotEmptyToMap()}); err != nil {
		return nil, err
	}
	info := &bridge.ChatInfo{}
	for _, ch := range full.Chats {
		if group, ok := ch.(*tg.Chat); ok && group.ID == chatID {
			info.Title = group.Title
			if photoID, ok := chatPhotoID(group.Photo); ok {
				info.AvatarID = photoID
				info.Avatar = avatarFromPhoto(&tg.InputPeerChat{ChatID: chatID}, photoID)
			}
		}
	}
	chatFull, ok := full.FullChat.(*tg.ChatFull)
	if !ok {
		return info, nil
	}
	info.About = chatFull.About
	if participants, ok := chatFull.Participants.(*tg.ChatParticipants); ok {
		for _, p := range participants.Participants {
			info.Members = append(info.Members, p.GetUserID())
			switch p.(type) {
			case *tg.ChatParticipantAdmin, *tg.ChatParticipantCreator:
				info.Admins = append(info.Admins, p.GetUserID())
			}
		}
	}
	return info, nil
}

func (c *Client) getChannelInfo(ctx context.Context, channelID int64) (*bridge.ChatInfo, error) {
	input, err := c.inputChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	full, err := c.client.API().ChannelsGetFullChannel(ctx, input)
	if err != nil {
		return nil, rpcError(err, "get full channel")
	}
	chats := tg.ChatClassArray(full.Chats)
	err = c.storeEntities(ctx, tg.Entities{
		Users:    tg.UserClassArray(full.Users).NotEmptyToMap(),
		Channels: chats.ChannelToMap(),
	})
	if err != nil {
		return nil, err
	}
	info := &bridge.ChatInfo{}
	if channel, ok := chats.ChannelToMap()[channelID]; ok {
		info.Title = channel.Title
		info.IsBroadcast = channel.Broadcast
		if photoID, ok := chatPhotoID(channel.Photo); ok {
			info.AvatarID = photoID
			info.Avatar = avatarFromPhoto(&tg.InputPeerChannel{ChannelID: channelID, AccessHash: input.AccessHash}, photoID)
		}
	}
	if channelFull, ok := full.FullChat.(*tg.ChannelFull); ok {
		info.About = channelFull.About
	}
	if info.IsBroadcast {
		// Subscriber lists of broadcast channels are admin-only.
		return info, nil
	}
	resp, err := c.client.API().ChannelsGetParticipants(ctx, &tg.ChannelsGetParticipantsRequest{
		Channel: input,
		Filter:  &tg.ChannelParticipantsRecent{},
		Limit:   maxParticipants,
	})
	if err != nil {
		c.log.Warn().Err(err).Int64("channel_id", channelID).Msg("Failed to get channel participants")
		return info, nil
	}
	participants, ok := resp.(*tg.ChannelsChannelParticipants)
	if !ok {
		return info, nil
	}
	if err = c.storeEntities(ctx, tg.Entities{Users: tg.UserClassArray(participants.Users).NotEmptyToMap()}); err != nil {
		return nil, err
	}
	for _, p := range participants.Participants {
		switch participant := p.(type) {
		case *tg.ChannelParticipant:
			info.Members = append(info.Members, participant.UserID)
		case *tg.ChannelParticipantSelf:
			info.Members = append(info.Members, participant.UserID)
		case *tg.ChannelParticipantAdmin:
			info.Members = append(info.Members, participant.UserID)
			info.Admins = append(info.Admins, participant.UserID)
		case *tg.ChannelParticipantCreator:
			info.Members = append(info.Members, participant.UserID)
			info.Admins = append(info.Admins, participant.UserID)
		}
	}
	return info, nil
}
