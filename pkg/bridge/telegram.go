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
	"time"

	"go.mau.fi/tgbridge/pkg/ids"
	"go.mau.fi/tgbridge/pkg/media"
	"go.mau.fi/tgbridge/pkg/store"
	"go.mau.fi/tgbridge/pkg/telegramfmt"
)

//go:generate go tool stringer -type=TelegramUpdateKind -trimprefix=Update -output=telegram_string.go

type TelegramUpdateKind int

const (
	UpdateNewMessage TelegramUpdateKind = iota
	UpdateEdit
	UpdateDelete
	UpdateTyping
	UpdateRead
	UpdateChatMeta
)

// ChatRef addresses a Telegram chat. For private chats ID is the other user.
type ChatRef struct {
	ID   int64
	Type ids.ChatType
}

func (cr ChatRef) IsZero() bool {
	return cr.ID == 0
}

// TelegramUpdate is one change pushed by a Telegram session. The concrete
// types are the ones in this file; switch on them exhaustively.
type TelegramUpdate interface {
	Kind() TelegramUpdateKind
	Base() *TelegramUpdateBase
	isTelegramUpdate()
}

type TelegramUpdateBase struct {
	// Receiver is the Telegram user ID of the session that observed the update.
	Receiver int64
	Chat     ChatRef
}

func (b *TelegramUpdateBase) Base() *TelegramUpdateBase {
	return b
}

func (b *TelegramUpdateBase) PortalKey() ids.PortalKey {
	return ids.MakePortalKey(b.Chat.Type, b.Chat.ID, b.Receiver)
}

func (b *TelegramUpdateBase) MessageSpace() int64 {
	return b.PortalKey().MessageSpace(b.Receiver)
}

type MediaKind string

const (
	MediaPhoto       MediaKind = "photo"
	MediaDocument    MediaKind = "document"
	MediaSticker     MediaKind = "sticker"
	MediaVoice       MediaKind = "voice"
	MediaVideo       MediaKind = "video"
	MediaAudio       MediaKind = "audio"
	MediaGeo         MediaKind = "geo"
	MediaUnsupported MediaKind = "unsupported"
)

type TelegramMedia struct {
	Kind       MediaKind
	LocationID store.TelegramFileLocationID
	FileName   string
	MIMEType   string
	Size       int64
	Width      int
	Height     int
	Duration   time.Duration
	// Waveform is the packed 5-bit Telegram waveform of voice messages.
	Waveform []byte
	Geo      *media.GeoURI
	// Ref is whatever the transport needs to download the file again.
	Ref any
}

type ForwardHeader struct {
	FromID   int64
	FromName string
}

type TelegramMessage struct {
	ID       int
	SenderID int64
	Date     time.Time
	EditDate time.Time
	Text     string
	Entities telegramfmt.BodyRangeList
	ReplyTo  int
	FwdFrom  *ForwardHeader
	Media    *TelegramMedia
	// Out is set for messages sent by the receiving account itself.
	Out bool
}

type TelegramNewMessage struct {
	TelegramUpdateBase
	Message *TelegramMessage
}

type TelegramEdit struct {
	TelegramUpdateBase
	Message *TelegramMessage
}

// TelegramDelete lists deleted message IDs. Chat is only known for channels.
type TelegramDelete struct {
	TelegramUpdateBase
	MessageIDs []int
}

type TelegramTyping struct {
	TelegramUpdateBase
	UserID int64
}

type TelegramRead struct {
	TelegramUpdateBase
	ReaderID int64
	MaxID    int
}

type TelegramChatMeta struct {
	TelegramUpdateBase
	Title          *string
	AvatarChanged  bool
	MembersAdded   []int64
	MembersRemoved []int64
	// Deleted is set when the chat was deleted or the receiver left it.
	Deleted bool
}

func (*TelegramNewMessage) Kind() TelegramUpdateKind { return UpdateNewMessage }
func (*TelegramEdit) Kind() TelegramUpdateKind       { return UpdateEdit }
func (*TelegramDelete) Kind() TelegramUpdateKind     { return UpdateDelete }
func (*TelegramTyping) Kind() TelegramUpdateKind     { return UpdateTyping }
func (*TelegramRead) Kind() TelegramUpdateKind       { return UpdateRead }
func (*TelegramChatMeta) Kind() TelegramUpdateKind   { return UpdateChatMeta }

func (*TelegramNewMessage) isTelegramUpdate() {}
func (*TelegramEdit) isTelegramUpdate()       {}
func (*TelegramDelete) isTelegramUpdate()     {}
func (*TelegramTyping) isTelegramUpdate()     {}
func (*TelegramRead) isTelegramUpdate()       {}
func (*TelegramChatMeta) isTelegramUpdate()   {}

var (
	_ TelegramUpdate = (*TelegramNewMessage)(nil)
	_ TelegramUpdate = (*TelegramEdit)(nil)
	_ TelegramUpdate = (*TelegramDelete)(nil)
	_ TelegramUpdate = (*TelegramTyping)(nil)
	_ TelegramUpdate = (*TelegramRead)(nil)
	_ TelegramUpdate = (*TelegramChatMeta)(nil)
)
