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

package ids

import (
	"fmt"
	"strconv"
	"strings"
)

type PeerType string

const (
	PeerTypeUser    PeerType = "user"
	PeerTypeChat    PeerType = "chat"
	PeerTypeChannel PeerType = "channel"
)

func PeerTypeFromByte(pt byte) (PeerType, error) {
	switch pt {
	case 0x01:
		return PeerTypeUser, nil
	case 0x02:
		return PeerTypeChat, nil
	case 0x03:
		return PeerTypeChannel, nil
	default:
		return "", fmt.Errorf("unknown peer type %d", pt)
	}
}

func (pt PeerType) AsByte() byte {
	switch pt {
	case PeerTypeUser:
		return 0x01
	case PeerTypeChat:
		return 0x02
	case PeerTypeChannel:
		return 0x03
	default:
		panic(fmt.Errorf("unknown peer type %s", pt))
	}
}

// ChatType is the namespace a Telegram chat ID lives in.
type ChatType string

const (
	ChatTypePrivate    ChatType = "private"
	ChatTypeGroup      ChatType = "group"
	ChatTypeSupergroup ChatType = "supergroup"
	ChatTypeChannel    ChatType = "channel"
)

func ParseChatType(s string) (ChatType, error) {
	ct := ChatType(s)
	if !ct.IsValid() {
		return "", fmt.Errorf("unknown chat type %q", s)
	}
	return ct, nil
}

func (ct ChatType) IsValid() bool {
	switch ct {
	case ChatTypePrivate, ChatTypeGroup, ChatTypeSupergroup, ChatTypeChannel:
		return true
	default:
		return false
	}
}

// PeerType returns the MTProto peer type used to address chats of this type.
// Supergroups and broadcast channels are both channels on the wire.
func (ct ChatType) PeerType() PeerType {
	switch ct {
	case ChatTypePrivate:
		return PeerTypeUser
	case ChatTypeGroup:
		return PeerTypeChat
	case ChatTypeSupergroup, ChatTypeChannel:
		return PeerTypeChannel
	default:
		panic(fmt.Errorf("unknown chat type %q", string(ct)))
	}
}

// HasOwnMessageSpace is true for chat types where message IDs are assigned
// per chat rather than per account.
func (ct ChatType) HasOwnMessageSpace() bool {
	return ct == ChatTypeSupergroup || ct == ChatTypeChannel
}

// PortalKey is the natural identity of a bridged Telegram chat.
//
// Receiver is only set for private chats, where ChatID is the other party and
// the same ID names a different conversation for every logged-in account.
type PortalKey struct {
	ChatID   int64
	ChatType ChatType
	Receiver int64
}

func MakePortalKey(chatType ChatType, chatID, receiver int64) PortalKey {
	pk := PortalKey{ChatID: chatID, ChatType: chatType}
	if chatType == ChatTypePrivate {
		pk.Receiver = receiver
	}
	return pk
}

func (pk PortalKey) String() string {
	if pk.Receiver != 0 {
		return fmt.Sprintf("%s:%d/%d", pk.ChatType, pk.ChatID, pk.Receiver)
	}
	return fmt.Sprintf("%s:%d", pk.ChatType, pk.ChatID)
}

func (pk PortalKey) IsZero() bool {
	return pk.ChatID == 0 && pk.ChatType == ""
}

// MessageSpace returns the namespace that message IDs of this chat live in
// when observed through the given account.
func (pk PortalKey) MessageSpace(receiver int64) int64 {
	if pk.ChatType.HasOwnMessageSpace() {
		return pk.ChatID
	}
	return receiver
}

func ParsePortalKey(s string) (pk PortalKey, err error) {
	rawType, rest, ok := strings.Cut(s, ":")
	if !ok {
		return pk, fmt.Errorf("invalid portal key %q", s)
	}
	pk.ChatType, err = ParseChatType(rawType)
	if err != nil {
		return
	}
	rawID, rawReceiver, hasReceiver := strings.Cut(rest, "/")
	pk.ChatID, err = strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return pk, fmt.Errorf("failed to parse chat ID: %w", err)
	}
	if hasReceiver {
		pk.Receiver, err = strconv.ParseInt(rawReceiver, 10, 64)
		if err != nil {
			return pk, fmt.Errorf("failed to parse receiver: %w", err)
		}
	}
	return
}

// MessageKey identifies one Telegram message as seen by one account.
type MessageKey struct {
	Space int64
	ID    int
}

func (mk MessageKey) String() string {
	return fmt.Sprintf("%d.%d", mk.Space, mk.ID)
}

func ParseMessageKey(s string) (mk MessageKey, err error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return mk, fmt.Errorf("invalid number of parts in message key")
	}
	mk.Space, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return mk, fmt.Errorf("failed to parse space: %w", err)
	}
	mk.ID, err = strconv.Atoi(parts[1])
	return
}

// MakeChannelPuppetID returns the puppet ID used for posts authored by a
// channel rather than a user. Channel puppets use negative IDs so they never
// collide with user IDs.
func MakeChannelPuppetID(channelID int64) int64 {
	return -channelID
}

func IsChannelPuppetID(puppetID int64) bool {
	return puppetID < 0
}

func MakeMediaLocationID(kind string, mediaID int64) string {
	return kind + ":" + strconv.FormatInt(mediaID, 10)
}
