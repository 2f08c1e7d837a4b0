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
	"database/sql"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/tgbridge/pkg/ids"
)

const (
	userSelect = `
		SELECT mxid, tg_user_id, phone, management_room, login_state, is_relay FROM bridge_user
	`
	getUserByMXIDQuery       = userSelect + "WHERE mxid=$1"
	getUserByTelegramIDQuery = userSelect + "WHERE tg_user_id=$1"
	getAllLoggedInUsersQuery = userSelect + "WHERE login_state='logged_in' AND is_relay=false"

	insertUserIfAbsentQuery = `
		INSERT INTO bridge_user (mxid, tg_user_id, phone, management_room, login_state, is_relay)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (mxid) DO NOTHING
	`
	updateUserQuery = `
		UPDATE bridge_user SET tg_user_id=$2, phone=$3, management_room=$4, login_state=$5, is_relay=$6
		WHERE mxid=$1
	`

	addUserPortalQuery = `
		INSERT INTO user_portal (user_mxid, tg_chat_id, tg_chat_type, tg_receiver)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`
	removeUserPortalQuery = `
		DELETE FROM user_portal WHERE user_mxid=$1 AND tg_chat_id=$2 AND tg_chat_type=$3 AND tg_receiver=$4
	`
	getUserPortalsQuery = `
		SELECT tg_chat_id, tg_chat_type, tg_receiver FROM user_portal WHERE user_mxid=$1
	`
	getPortalUsersQuery = `
		SELECT user_mxid FROM user_portal WHERE tg_chat_id=$1 AND tg_chat_type=$2 AND tg_receiver=$3
	`
	clearUserPortalsQuery = "DELETE FROM user_portal WHERE user_mxid=$1"

	resetInterruptedLoginsQuery = `
		UPDATE bridge_user SET login_state='logged_out'
		WHERE login_state IN ('awaiting_code', 'awaiting_password', 'awaiting_qr')
	`
)

type UserQuery struct {
	*dbutil.QueryHelper[*User]
}

type User struct {
	qh *dbutil.QueryHelper[*User]

	MXID           id.UserID
	TelegramID     int64
	Phone          string
	ManagementRoom id.RoomID
	LoginState     string
	IsRelay        bool
}

var _ dbutil.DataStruct[*User] = (*User)(nil)

func newUser(qh *dbutil.QueryHelper[*User]) *User {
	return &User{qh: qh}
}

func (uq *UserQuery) New(mxid id.UserID) *User {
	user := uq.QueryHelper.New()
	user.MXID = mxid
	user.LoginState = "logged_out"
	return user
}

func (uq *UserQuery) GetByMXID(ctx context.Context, mxid id.UserID) (*User, error) {
	return uq.QueryOne(ctx, getUserByMXIDQuery, mxid)
}

func (uq *UserQuery) GetByTelegramID(ctx context.Context, telegramID int64) (*User, error) {
	return uq.QueryOne(ctx, getUserByTelegramIDQuery, telegramID)
}

func (uq *UserQuery) GetAllLoggedIn(ctx context.Context) ([]*User, error) {
	return uq.QueryMany(ctx, getAllLoggedInUsersQuery)
}

func (uq *UserQuery) ResetInterruptedLogins(ctx context.Context) error {
	_, err := uq.GetDB().Exec(ctx, resetInterruptedLoginsQuery)
	return err
}

func (u *User) InsertIfAbsent(ctx context.Context) (bool, error) {
	res, err := u.qh.GetDB().Exec(ctx, insertUserIfAbsentQuery, u.sqlVariables()...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (u *User) Update(ctx context.Context) error {
	return u.qh.Exec(ctx, updateUserQuery, u.sqlVariables()...)
}

func (uq *UserQuery) AddPortal(ctx context.Context, mxid id.UserID, key ids.PortalKey) (bool, error) {
	res, err := uq.GetDB().Exec(ctx, addUserPortalQuery, mxid, key.ChatID, key.ChatType, key.Receiver)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (uq *UserQuery) RemovePortal(ctx context.Context, mxid id.UserID, key ids.PortalKey) error {
	_, err := uq.GetDB().Exec(ctx, removeUserPortalQuery, mxid, key.ChatID, key.ChatType, key.Receiver)
	return err
}

func (uq *UserQuery) ClearPortals(ctx context.Context, mxid id.UserID) error {
	_, err := uq.GetDB().Exec(ctx, clearUserPortalsQuery, mxid)
	return err
}

func scanPortalKey(row dbutil.Scannable) (key ids.PortalKey, err error) {
	err = row.Scan(&key.ChatID, &key.ChatType, &key.Receiver)
	return
}

func (uq *UserQuery) GetPortals(ctx context.Context, mxid id.UserID) ([]ids.PortalKey, error) {
	rows, err := uq.GetDB().Query(ctx, getUserPortalsQuery, mxid)
	return dbutil.NewRowIterWithError(rows, scanPortalKey, err).AsList()
}

func (uq *UserQuery) GetUsersInPortal(ctx context.Context, key ids.PortalKey) ([]id.UserID, error) {
	rows, err := uq.GetDB().Query(ctx, getPortalUsersQuery, key.ChatID, key.ChatType, key.Receiver)
	return dbutil.NewRowIterWithError(rows, dbutil.ScanSingleColumn[id.UserID], err).AsList()
}

func (u *User) sqlVariables() []any {
	return []any{
		u.MXID,
		sql.NullInt64{Int64: u.TelegramID, Valid: u.TelegramID != 0},
		u.Phone,
		u.ManagementRoom,
		u.LoginState,
		u.IsRelay,
	}
}

func (u *User) Scan(row dbutil.Scannable) (*User, error) {
	var telegramID sql.NullInt64
	err := row.Scan(&u.MXID, &telegramID, &u.Phone, &u.ManagementRoom, &u.LoginState, &u.IsRelay)
	if err != nil {
		return nil, err
	}
	u.TelegramID = telegramID.Int64
	return u, nil
}
