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
	"fmt"

	"github.com/gotd/td/telegram/updates"
	"go.mau.fi/util/dbutil"

	"go.mau.fi/tgbridge/pkg/ids"
)

// ScopedStore is a wrapper around a database that implements the gotd update
// state and access hash storage for a single Telegram account.
type ScopedStore struct {
	db             *dbutil.Database
	telegramUserID int64
}

const (
	// State Storage Queries
	allChannelsQuery   = "SELECT channel_id, pts FROM telegram_channel_state WHERE user_id=$1"
	getChannelPtsQuery = "SELECT pts FROM telegram_channel_state WHERE user_id=$1 AND channel_id=$2"
	setChannelPtsQuery = `
		INSERT INTO telegram_channel_state (user_id, channel_id, pts)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, channel_id) DO UPDATE SET pts=excluded.pts
	`
	getStateQuery = "SELECT pts, qts, date, seq from telegram_user_state WHERE user_id=$1"
	setStateQuery = `
		INSERT INTO telegram_user_state (user_id, pts, qts, date, seq)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			pts=excluded.pts,
			qts=excluded.qts,
			date=excluded.date,
			seq=excluded.seq
	`
	setPtsQuery     = "UPDATE telegram_user_state SET pts=$1 WHERE user_id=$2"
	setQtsQuery     = "UPDATE telegram_user_state SET qts=$1 WHERE user_id=$2"
	setDateQuery    = "UPDATE telegram_user_state SET date=$1 WHERE user_id=$2"
	setSeqQuery     = "UPDATE telegram_user_state SET seq=$1 WHERE user_id=$2"
	setDateSeqQuery = "UPDATE telegram_user_state SET date=$1, seq=$2 WHERE user_id=$3"

	// Access Hash Queries
	getAccessHashQuery = `
		SELECT access_hash FROM telegram_access_hash WHERE user_id=$1 AND peer_type=$2 AND entity_id=$3
	`
	setAccessHashQuery = `
		INSERT INTO telegram_access_hash (user_id, peer_type, entity_id, access_hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, peer_type, entity_id) DO UPDATE SET access_hash=excluded.access_hash
	`
	setEntityInfoQuery = `
		INSERT INTO telegram_access_hash (user_id, peer_type, entity_id, access_hash, username, is_broadcast)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, peer_type, entity_id) DO UPDATE SET
			access_hash=excluded.access_hash,
			username=excluded.username,
			is_broadcast=excluded.is_broadcast
	`
	getChannelBroadcastQuery = `
		SELECT is_broadcast FROM telegram_access_hash WHERE user_id=$1 AND peer_type='channel' AND entity_id=$2
	`
	resolveUsernameQuery = `
		SELECT peer_type, entity_id FROM telegram_access_hash WHERE user_id=$1 AND username=$2 AND username<>''
	`

	deleteUserStateQuery    = "DELETE FROM telegram_user_state WHERE user_id=$1"
	deleteChannelStateQuery = "DELETE FROM telegram_channel_state WHERE user_id=$1"
	deleteAccessHashesQuery = "DELETE FROM telegram_access_hash WHERE user_id=$1"
)

var _ updates.StateStorage = (*ScopedStore)(nil)

func (s *ScopedStore) ForEachChannels(ctx context.Context, userID int64, f func(ctx context.Context, channelID int64, pts int) error) error {
	s.assertUserIDMatches(userID)
	rows, err := s.db.Query(ctx, allChannelsQuery, userID)
	if err != nil {
		return err
	}
	defer rows.Close()
	var channelID int64
	var pts int
	for rows.Next() {
		if err = rows.Scan(&channelID, &pts); err != nil {
			return err
		} else if err = f(ctx, channelID, pts); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *ScopedStore) GetChannelPts(ctx context.Context, userID int64, channelID int64) (pts int, found bool, err error) {
	s.assertUserIDMatches(userID)
	err = s.db.QueryRow(ctx, getChannelPtsQuery, userID, channelID).Scan(&pts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	return pts, err == nil, err
}

func (s *ScopedStore) SetChannelPts(ctx context.Context, userID int64, channelID int64, pts int) (err error) {
	s.assertUserIDMatches(userID)
	_, err = s.db.Exec(ctx, setChannelPtsQuery, userID, channelID, pts)
	return
}

func (s *ScopedStore) GetState(ctx context.Context, userID int64) (state updates.State, found bool, err error) {
	s.assertUserIDMatches(userID)
	err = s.db.QueryRow(ctx, getStateQuery, userID).Scan(&state.Pts, &state.Qts, &state.Date, &state.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return state, false, nil
	}
	return state, err == nil, err
}

func (s *ScopedStore) SetState(ctx context.Context, userID int64, state updates.State) (err error) {
	s.assertUserIDMatches(userID)
	_, err = s.db.Exec(ctx, setStateQuery, userID, state.Pts, state.Qts, state.Date, state.Seq)
	return
}

func (s *ScopedStore) SetPts(ctx context.Context, userID int64, pts int) (err error) {
	s.assertUserIDMatches(userID)
	_, err = s.db.Exec(ctx, setPtsQuery, pts, userID)
	return
}

func (s *ScopedStore) SetQts(ctx context.Context, userID int64, qts int) (err error) {
	s.assertUserIDMatches(userID)
	_, err = s.db.Exec(ctx, setQtsQuery, qts, userID)
	return
}

func (s *ScopedStore) SetSeq(ctx context.Context, userID int64, seq int) (err error) {
	s.assertUserIDMatches(userID)
	_, err = s.db.Exec(ctx, setSeqQuery, seq, userID)
	return
}

func (s *ScopedStore) SetDate(ctx context.Context, userID int64, date int) (err error) {
	s.assertUserIDMatches(userID)
	_, err = s.db.Exec(ctx, setDateQuery, date, userID)
	return
}

func (s *ScopedStore) SetDateSeq(ctx context.Context, userID int64, date int, seq int) (err error) {
	s.assertUserIDMatches(userID)
	_, err = s.db.Exec(ctx, setDateSeqQuery, date, seq, userID)
	return
}

var _ updates.ChannelAccessHasher = (*ScopedStore)(nil)

func (s *ScopedStore) GetChannelAccessHash(ctx context.Context, userID int64, channelID int64) (accessHash int64, found bool, err error) {
	s.assertUserIDMatches(userID)
	return s.GetAccessHash(ctx, ids.PeerTypeChannel, channelID)
}

func (s *ScopedStore) SetChannelAccessHash(ctx context.Context, userID int64, channelID int64, accessHash int64) (err error) {
	s.assertUserIDMatches(userID)
	return s.SetAccessHash(ctx, ids.PeerTypeChannel, channelID, accessHash)
}

func (s *ScopedStore) GetAccessHash(ctx context.Context, peerType ids.PeerType, entityID int64) (accessHash int64, found bool, err error) {
	err = s.db.QueryRow(ctx, getAccessHashQuery, s.telegramUserID, peerType, entityID).Scan(&accessHash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	return accessHash, err == nil, err
}

func (s *ScopedStore) SetAccessHash(ctx context.Context, peerType ids.PeerType, entityID, accessHash int64) (err error) {
	_, err = s.db.Exec(ctx, setAccessHashQuery, s.telegramUserID, peerType, entityID, accessHash)
	return
}

// SetEntityInfo stores everything needed to address a user or channel later:
// its access hash, public username and (for channels) whether it's a
// broadcast channel rather than a supergroup.
func (s *ScopedStore) SetEntityInfo(ctx context.Context, peerType ids.PeerType, entityID, accessHash int64, username string, isBroadcast bool) (err error) {
	_, err = s.db.Exec(ctx, setEntityInfoQuery, s.telegramUserID, peerType, entityID, accessHash, username, isBroadcast)
	return
}

func (s *ScopedStore) IsBroadcastChannel(ctx context.Context, channelID int64) (isBroadcast, found bool, err error) {
	err = s.db.QueryRow(ctx, getChannelBroadcastQuery, s.telegramUserID, channelID).Scan(&isBroadcast)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	return isBroadcast, err == nil, err
}

func (s *ScopedStore) ResolveUsername(ctx context.Context, username string) (peerType ids.PeerType, entityID int64, err error) {
	err = s.db.QueryRow(ctx, resolveUsernameQuery, s.telegramUserID, username).Scan(&peerType, &entityID)
	return
}

// DeleteAll removes the update state and cached access hashes of the account.
func (s *ScopedStore) DeleteAll(ctx context.Context) error {
	for _, query := range []string{deleteUserStateQuery, deleteChannelStateQuery, deleteAccessHashesQuery} {
		if _, err := s.db.Exec(ctx, query, s.telegramUserID); err != nil {
			return err
		}
	}
	return nil
}

// Helper Functions

func (s *ScopedStore) assertUserIDMatches(userID int64) {
	if s.telegramUserID != userID {
		panic(fmt.Sprintf("scoped store for %d function called with user ID %d", s.telegramUserID, userID))
	}
}
