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

package store

import (
	"context"
	"time"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/tgbridge/pkg/ids"
)

const (
	messageSelect = `
		SELECT tg_chat_id, tg_chat_type, tg_receiver, tg_space, tgid, mxid, mx_room, sender, mx_sender, content_hash, timestamp, edit_ts
		FROM message
	`
	getMessageByTelegramIDQuery = messageSelect + `
		WHERE tg_chat_id=$1 AND tg_chat_type=$2 AND tg_receiver=$3 AND tg_space=$4 AND tgid=$5
	`
	getMessageByMXIDQuery = messageSelect + `
		WHERE mx_room=$1 AND mxid=$2 ORDER BY timestamp ASC LIMIT 1
	`
	getMessagesByMXIDQuery = messageSelect + "WHERE mx_room=$1 AND mxid=$2"
	getLastMessageBeforeQuery = messageSelect + `
		WHERE tg_chat_id=$1 AND tg_chat_type=$2 AND tg_receiver=$3 AND tg_space=$4 AND tgid<=$5
		ORDER BY tgid DESC LIMIT 1
	`
	// Telegram only sends the message IDs for deletions outside channels, so
	// they have to be found by the account's message space.
	getMessagesBySpaceQuery = messageSelect + `
		WHERE tg_space=$1 AND tgid=$2 AND tg_chat_type IN ('private', 'group')
	`
	// A basic group message seen by several logged-in accounts has a
	// different ID in each account's space but the same sender, date and content.
	getMessageByContentQuery = messageSelect + `
		WHERE tg_chat_id=$1 AND tg_chat_type=$2 AND tg_receiver=$3 AND sender=$4 AND timestamp=$5 AND content_hash=$6
		LIMIT 1
	`
	insertMessageQuery = `
		INSERT INTO message (tg_chat_id, tg_chat_type, tg_receiver, tg_space, tgid, mxid, mx_room, sender, mx_sender, content_hash, timestamp, edit_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (tg_chat_id, tg_chat_type, tg_receiver, tg_space, tgid) DO NOTHING
	`
	updateMessageHashQuery = `
		UPDATE message SET content_hash=$6, edit_ts=$7
		WHERE tg_chat_id=$1 AND tg_chat_type=$2 AND tg_receiver=$3 AND tg_space=$4 AND tgid=$5
	`
	deleteMessageQuery = `
		DELETE FROM message WHERE tg_chat_id=$1 AND tg_chat_type=$2 AND tg_receiver=$3 AND tg_space=$4 AND tgid=$5
	`
)

type MessageQuery struct {
	*dbutil.QueryHelper[*Message]
}

// Message maps one Telegram message (as seen by one account) to the Matrix
// event it was bridged as. Several rows may point to the same event.
type Message struct {
	qh *dbutil.QueryHelper[*Message]

	Portal      ids.PortalKey
	Space       int64
	TelegramID  int
	MXID        id.EventID
	RoomID      id.RoomID
	Sender      int64
	MXSender    id.UserID
	ContentHash []byte
	Timestamp   time.Time
	// EditTimestamp is the date of the last edit applied to the event.
	EditTimestamp time.Time
}

var _ dbutil.DataStruct[*Message] = (*Message)(nil)

func newMessage(qh *dbutil.QueryHelper[*Message]) *Message {
	return &Message{qh: qh}
}

func (mq *MessageQuery) New() *Message {
	return mq.QueryHelper.New()
}

func (mq *MessageQuery) GetByTelegramID(ctx context.Context, portal ids.PortalKey, key ids.MessageKey) (*Message, error) {
	return mq.QueryOne(ctx, getMessageByTelegramIDQuery, portal.ChatID, portal.ChatType, portal.Receiver, key.Space, key.ID)
}

func (mq *MessageQuery) GetByMXID(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*Message, error) {
	return mq.QueryOne(ctx, getMessageByMXIDQuery, roomID, eventID)
}

func (mq *MessageQuery) GetAllByMXID(ctx context.Context, roomID id.RoomID, eventID id.EventID) ([]*Message, error) {
	return mq.QueryMany(ctx, getMessagesByMXIDQuery, roomID, eventID)
}

func (mq *MessageQuery) GetLastBefore(ctx context.Context, portal ids.PortalKey, space int64, maxID int) (*Message, error) {
	return mq.QueryOne(ctx, getLastMessageBeforeQuery, portal.ChatID, portal.ChatType, portal.Receiver, space, maxID)
}

func (mq *MessageQuery) GetBySpace(ctx context.Context, key ids.MessageKey) ([]*Message, error) {
	return mq.QueryMany(ctx, getMessagesBySpaceQuery, key.Space, key.ID)
}

func (mq *MessageQuery) GetByContent(ctx context.Context, portal ids.PortalKey, sender int64, ts time.Time, hash []byte) (*Message, error) {
	return mq.QueryOne(ctx, getMessageByContentQuery, portal.ChatID, portal.ChatType, portal.Receiver, sender, ts.UnixMilli(), hash)
}

func (m *Message) Key() ids.MessageKey {
	return ids.MessageKey{Space: m.Space, ID: m.TelegramID}
}

// Insert stores the mapping unless one already exists for the same Telegram
// message. The returned bool is true if this call created the row.
func (m *Message) Insert(ctx context.Context) (bool, error) {
	res, err := m.qh.GetDB().Exec(ctx, insertMessageQuery, m.sqlVariables()...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (m *Message) UpdateContent(ctx context.Context, hash []byte, editTS time.Time) error {
	m.ContentHash = hash
	m.EditTimestamp = editTS
	return m.qh.Exec(ctx, updateMessageHashQuery, m.Portal.ChatID, m.Portal.ChatType, m.Portal.Receiver, m.Space, m.TelegramID, hash, unixMilli(editTS))
}

func unixMilli(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.UnixMilli()
}

func (m *Message) Delete(ctx context.Context) error {
	return m.qh.Exec(ctx, deleteMessageQuery, m.Portal.ChatID, m.Portal.ChatType, m.Portal.Receiver, m.Space, m.TelegramID)
}

func (m *Message) sqlVariables() []any {
	return []any{
		m.Portal.ChatID,
		m.Portal.ChatType,
		m.Portal.Receiver,
		m.Space,
		m.TelegramID,
		m.MXID,
		m.RoomID,
		m.Sender,
		m.MXSender,
		m.ContentHash,
		m.Timestamp.UnixMilli(),
		unixMilli(m.EditTimestamp),
	}
}

func (m *Message) Scan(row dbutil.Scannable) (*Message, error) {
	var timestamp, editTS int64
	err := row.Scan(
		&m.Portal.ChatID,
		&m.Portal.ChatType,
		&m.Portal.Receiver,
		&m.Space,
		&m.TelegramID,
		&m.MXID,
		&m.RoomID,
		&m.Sender,
		&m.MXSender,
		&m.ContentHash,
		&timestamp,
		&editTS,
	)
	if err != nil {
		return nil, err
	}
	m.Timestamp = time.UnixMilli(timestamp)
	if editTS != 0 {
		m.EditTimestamp = time.UnixMilli(editTS)
	}
	return m, nil
}
