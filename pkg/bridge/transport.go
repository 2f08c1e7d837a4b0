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
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/tgbridge/pkg/media"
	"go.mau.fi/tgbridge/pkg/telegramfmt"
)

// TelegramFileRef is an uploaded file as returned by the transport. It is
// only passed back to the same transport.
type TelegramFileRef any

type OutgoingMedia struct {
	File     TelegramFileRef
	Kind     MediaKind
	FileName string
	MIMEType string
	Width    int
	Height   int
	Duration time.Duration
	Waveform []byte
}

type OutgoingMessage struct {
	Text     string
	Entities telegramfmt.BodyRangeList
	ReplyTo  int
	Media    *OutgoingMedia
	Geo      *media.GeoURI
	// RandomID makes resending the same message after a failed attempt a no-op
	// on the Telegram side.
	RandomID int64
}

type SentMessage struct {
	ID   int
	Date time.Time
}

type ChatInfo struct {
	Title       string
	About       string
	AvatarID    int64
	Avatar      *TelegramMedia
	Members     []int64
	Admins      []int64
	IsBroadcast bool
}

type UserInfo struct {
	ID        int64
	FirstName string
	LastName  string
	Username  string
	Phone     string
	IsBot     bool
	Deleted   bool
	AvatarID  int64
	Avatar    *TelegramMedia
}

// TelegramTransport is the set of calls portals make on a Telegram session.
type TelegramTransport interface {
	SendMessage(ctx context.Context, chat ChatRef, msg *OutgoingMessage) (*SentMessage, error)
	EditMessage(ctx context.Context, chat ChatRef, messageID int, msg *OutgoingMessage) error
	DeleteMessages(ctx context.Context, chat ChatRef, messageIDs []int) error
	UploadMedia(ctx context.Context, data []byte, fileName, mimeType string) (TelegramFileRef, error)
	DownloadMedia(ctx context.Context, file *TelegramMedia) ([]byte, error)
	GetChatInfo(ctx context.Context, chat ChatRef) (*ChatInfo, error)
	GetUserInfo(ctx context.Context, userID int64) (*UserInfo, error)
	SetTyping(ctx context.Context, chat ChatRef, typing bool) error
	MarkRead(ctx context.Context, chat ChatRef, maxID int) error
}

// TelegramClient is one MTProto session. All calls other than Run require Run
// to be active.
type TelegramClient interface {
	TelegramTransport

	// Run connects and calls ready once the connection is up. It returns when
	// ready returns or the connection fails.
	Run(ctx context.Context, ready func(ctx context.Context) error) error
	IsAuthorized(ctx context.Context) (bool, error)
	SendCode(ctx context.Context, phone string) error
	// SignIn returns ErrPasswordNeeded if the account has two-factor auth.
	SignIn(ctx context.Context, code string) (*UserInfo, error)
	CheckPassword(ctx context.Context, password string) (*UserInfo, error)
	// QRLogin calls show with every new login URL until the code is scanned.
	QRLogin(ctx context.Context, show func(ctx context.Context, url string) error) (*UserInfo, error)
	BotSignIn(ctx context.Context, token string) (*UserInfo, error)
	Self(ctx context.Context) (*UserInfo, error)
	// Subscribe delivers updates to handler until ctx is done or the stream
	// fails.
	Subscribe(ctx context.Context, handler func(ctx context.Context, update TelegramUpdate)) error
	LogOut(ctx context.Context) error
	ListDialogs(ctx context.Context, limit int) ([]ChatRef, error)
}

type TelegramConnector interface {
	// NewClient creates a client whose session is persisted under sessionID.
	NewClient(sessionID string) TelegramClient
}

// MatrixTransport is the appservice side. Calls with an asUser act as that
// ghost or the bridge bot.
type MatrixTransport interface {
	BotUserID() id.UserID
	SendEvent(ctx context.Context, roomID id.RoomID, asUser id.UserID, evtType event.Type, content any, txnID string, ts time.Time) (id.EventID, error)
	SetState(ctx context.Context, roomID id.RoomID, asUser id.UserID, evtType event.Type, stateKey string, content any) (id.EventID, error)
	Redact(ctx context.Context, roomID id.RoomID, asUser id.UserID, eventID id.EventID) error
	UploadMedia(ctx context.Context, asUser id.UserID, data []byte, mimeType, fileName string) (id.ContentURIString, error)
	DownloadMedia(ctx context.Context, uri id.ContentURIString) ([]byte, error)
	CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error)
	Invite(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	EnsureJoined(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	Leave(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	SetDisplayName(ctx context.Context, userID id.UserID, name string) error
	SetAvatarURL(ctx context.Context, userID id.UserID, uri id.ContentURIString) error
	SetTyping(ctx context.Context, roomID id.RoomID, userID id.UserID, timeout time.Duration) error
	MarkRead(ctx context.Context, roomID id.RoomID, userID id.UserID, eventID id.EventID) error
	GetDisplayName(ctx context.Context, userID id.UserID) (string, error)
	GetJoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)
	// Listen delivers events to handler until ctx is done.
	Listen(ctx context.Context, handler func(ctx context.Context, evt *event.Event)) error
}
