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
	"errors"

	"github.com/gotd/td/session"
	"go.mau.fi/util/dbutil"
)

const (
	loadSessionQuery  = `SELECT session_data FROM telegram_session WHERE session_id=$1`
	storeSessionQuery = `
		INSERT INTO telegram_session (session_id, session_data)
		VALUES ($1, $2)
		ON CONFLICT (session_id) DO UPDATE SET session_data=excluded.session_data
	`
	deleteSessionQuery = `DELETE FROM telegram_session WHERE session_id=$1`
)

// SessionStore persists the opaque MTProto session blob of one bridge user.
type SessionStore struct {
	db        *dbutil.Database
	sessionID string
}

var _ session.Storage = (*SessionStore)(nil)

func (s *SessionStore) LoadSession(ctx context.Context) (sessionData []byte, err error) {
	err = s.db.QueryRow(ctx, loadSessionQuery, s.sessionID).Scan(&sessionData)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	return
}

func (s *SessionStore) StoreSession(ctx context.Context, data []byte) error {
	_, err := s.db.Exec(ctx, storeSessionQuery, s.sessionID, data)
	return err
}

func (s *SessionStore) HasSession(ctx context.Context) (bool, error) {
	_, err := s.LoadSession(ctx)
	if errors.Is(err, session.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *SessionStore) DeleteSession(ctx context.Context) error {
	_, err := s.db.Exec(ctx, deleteSessionQuery, s.sessionID)
	return err
}
