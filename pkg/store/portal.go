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
	portalSelect = `
		SELECT tg_chat_id, tg_chat_type, tg_receiver, mxid, title, topic, avatar_id, avatar_mxc,
		       name_set, avatar_set, name_override, avatar_override, encrypted, relay_enabled, chat_gone, defunct
		FROM portal
	`
	getPortalByKeyQuery   = portalSelect + "WHERE tg_chat_id=$1 AND tg_chat_type=$2 AND tg_receiver=$3"
	getPortalByMXIDQuery  = portalSelect + "WHERE mxid=$1"
	getAllPortalsWithMXID = portalSelect + "WHERE mxid IS NOT NULL AND defunct=false"
	getPortalsByReceiver  = portalSelect + "WHERE tg_receiver=$1"

	insertPortalIfAbsentQuery = `
		INSERT INTO portal (
			tg_chat_id, tg_chat_type, tg_receiver, mxid, title, topic, avatar_id, avatar_mxc,
			name_set, avatar_set, name_override, avatar_override, encrypted, relay_enabled, chat_gone, defunct
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (tg_chat_id, tg_chat_type, tg_receiver) DO NOTHING
	`
	updatePortalQuery = `
		UPDATE portal
		SET mxid=$4, title=$5, topic=$6, avatar_id=$7, avatar_mxc=$8, name_set=$9, avatar_set=$10,
		    name_override=$11, avatar_override=$12, encrypted=$13, relay_enabled=$14, chat_gone=$15, defunct=$16
		WHERE tg_chat_id=$1 AND tg_chat_type=$2 AND tg_receiver=$3
	`
	deletePortalQuery = "DELETE FROM portal WHERE tg_chat_id=$1 AND tg_chat_type=$2 AND tg_receiver=$3"

	addPortalPuppetQuery = `
		INSERT INTO portal_puppet (tg_chat_id, tg_chat_type, tg_receiver, tg_user_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`
	removePortalPuppetQuery = `
		DELETE FROM portal_puppet WHERE tg_chat_id=$1 AND tg_chat_type=$2 AND tg_receiver=$3 AND tg_user_id=$4
	`
	getPortalPuppetsQuery = `
		SELECT tg_user_id FROM portal_puppet WHERE tg_chat_id=$1 AND tg_chat_type=$2 AND tg_receiver=$3
	`
)

type PortalQuery struct {
	*dbutil.QueryHelper[*Portal]
}

type Portal struct {
	qh *dbutil.QueryHelper[*Portal]

	ids.PortalKey
	MXID           id.RoomID
	Title          string
	Topic          string
	AvatarID       int64
	AvatarMXC      id.ContentURIString
	NameSet        bool
	AvatarSet      bool
	NameOverride   bool
	AvatarOverride bool
	Encrypted      bool
	RelayEnabled   bool
	// ChatGone is set when Telegram reported the chat deleted or left.
	ChatGone bool
	Defunct  bool
}

var _ dbutil.DataStruct[*Portal] = (*Portal)(nil)

func newPortal(qh *dbutil.QueryHelper[*Portal]) *Portal {
	return &Portal{qh: qh}
}

func (pq *PortalQuery) New(key ids.PortalKey) *Portal {
	portal := pq.QueryHelper.New()
	portal.PortalKey = key
	return portal
}

func (pq *PortalQuery) GetByKey(ctx context.Context, key ids.PortalKey) (*Portal, error) {
	return pq.QueryOne(ctx, getPortalByKeyQuery, key.ChatID, key.ChatType, key.Receiver)
}

func (pq *PortalQuery) GetByMXID(ctx context.Context, mxid id.RoomID) (*Portal, error) {
	return pq.QueryOne(ctx, getPortalByMXIDQuery, mxid)
}

func (pq *PortalQuery) GetAllWithMXID(ctx context.Context) ([]*Portal, error) {
	return pq.QueryMany(ctx, getAllPortalsWithMXID)
}

func (pq *PortalQuery) GetAllByReceiver(ctx context.Context, receiver int64) ([]*Portal, error) {
	return pq.QueryMany(ctx, getPortalsByReceiver, receiver)
}

// InsertIfAbsent inserts the portal unless a row with the same key already
// exists. The returned bool is true if this call created the row.
func (p *Portal) InsertIfAbsent(ctx context.Context) (bool, error) {
	res, err := p.qh.GetDB().Exec(ctx, insertPortalIfAbsentQuery, p.sqlVariables()...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (p *Portal) Update(ctx context.Context) error {
	return p.qh.Exec(ctx, updatePortalQuery, p.sqlVariables()...)
}

func (p *Portal) Delete(ctx context.Context) error {
	return p.qh.Exec(ctx, deletePortalQuery, p.ChatID, p.ChatType, p.Receiver)
}

// AddPuppet records that a puppet is a member of the portal's room. The
// returned bool is false if it was already recorded.
func (pq *PortalQuery) AddPuppet(ctx context.Context, key ids.PortalKey, puppetID int64) (bool, error) {
	res, err := pq.GetDB().Exec(ctx, addPortalPuppetQuery, key.ChatID, key.ChatType, key.Receiver, puppetID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (pq *PortalQuery) RemovePuppet(ctx context.Context, key ids.PortalKey, puppetID int64) error {
	_, err := pq.GetDB().Exec(ctx, removePortalPuppetQuery, key.ChatID, key.ChatType, key.Receiver, puppetID)
	return err
}

func (pq *PortalQuery) GetPuppets(ctx context.Context, key ids.PortalKey) ([]int64, error) {
	rows, err := pq.GetDB().Query(ctx, getPortalPuppetsQuery, key.ChatID, key.ChatType, key.Receiver)
	return dbutil.NewRowIterWithError(rows, dbutil.ScanSingleColumn[int64], err).AsList()
}

func (p *Portal) sqlVariables() []any {
	return []any{
		p.ChatID,
		p.ChatType,
		p.Receiver,
		sql.NullString{String: string(p.MXID), Valid: p.MXID != ""},
		p.Title,
		p.Topic,
		p.AvatarID,
		p.AvatarMXC,
		p.NameSet,
		p.AvatarSet,
		p.NameOverride,
		p.AvatarOverride,
		p.Encrypted,
		p.RelayEnabled,
		p.ChatGone,
		p.Defunct,
	}
}

func (p *Portal) Scan(row dbutil.Scannable) (*Portal, error) {
	var mxid sql.NullString
	err := row.Scan(
		&p.ChatID,
		&p.ChatType,
		&p.Receiver,
		&mxid,
		&p.Title,
		&p.Topic,
		&p.AvatarID,
		&p.AvatarMXC,
		&p.NameSet,
		&p.AvatarSet,
		&p.NameOverride,
		&p.AvatarOverride,
		&p.Encrypted,
		&p.RelayEnabled,
		&p.ChatGone,
		&p.Defunct,
	)
	if err != nil {
		return nil, err
	}
	p.MXID = id.RoomID(mxid.String)
	return p, nil
}
