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
)

const (
	puppetSelect = `
		SELECT tg_user_id, displayname, name_set, username, avatar_id, avatar_mxc, avatar_set,
		       is_bot, is_channel, stale, last_sync
		FROM puppet
	`
	getPuppetByIDQuery  = puppetSelect + "WHERE tg_user_id=$1"
	getPuppetByUsername = puppetSelect + "WHERE username=$1 AND username<>''"

	insertPuppetIfAbsentQuery = `
		INSERT INTO puppet (
			tg_user_id, displayname, name_set, username, avatar_id, avatar_mxc, avatar_set,
			is_bot, is_channel, stale, last_sync
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tg_user_id) DO NOTHING
	`
	updatePuppetQuery = `
		UPDATE puppet
		SET displayname=$2, name_set=$3, username=$4, avatar_id=$5, avatar_mxc=$6, avatar_set=$7,
		    is_bot=$8, is_channel=$9, stale=$10, last_sync=$11
		WHERE tg_user_id=$1
	`
)

type PuppetQuery struct {
	*dbutil.QueryHelper[*Puppet]
}

type Puppet struct {
	qh *dbutil.QueryHelper[*Puppet]

	ID          int64
	DisplayName string
	NameSet     bool
	Username    string
	AvatarID    int64
	AvatarMXC   id.ContentURIString
	AvatarSet   bool
	IsBot       bool
	IsChannel   bool
	Stale       bool
	LastSync    time.Time
}

var _ dbutil.DataStruct[*Puppet] = (*Puppet)(nil)

func newPuppet(qh *dbutil.QueryHelper[*Puppet]) *Puppet {
	return &Puppet{qh: qh}
}

func (pq *PuppetQuery) New(puppetID int64) *Puppet {
	puppet := pq.QueryHelper.New()
	puppet.ID = puppetID
	puppet.IsChannel = puppetID < 0
	return puppet
}

func (pq *PuppetQuery) GetByID(ctx context.Context, puppetID int64) (*Puppet, error) {
	return pq.QueryOne(ctx, getPuppetByIDQuery, puppetID)
}

func (pq *PuppetQuery) GetByUsername(ctx context.Context, username string) (*Puppet, error) {
	return pq.QueryOne(ctx, getPuppetByUsername, username)
}

func (p *Puppet) InsertIfAbsent(ctx context.Context) (bool, error) {
	res, err := p.qh.GetDB().Exec(ctx, insertPuppetIfAbsentQuery, p.sqlVariables()...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (p *Puppet) Update(ctx context.Context) error {
	return p.qh.Exec(ctx, updatePuppetQuery, p.sqlVariables()...)
}

func (p *Puppet) sqlVariables() []any {
	var lastSync int64
	if !p.LastSync.IsZero() {
		lastSync = p.LastSync.UnixMilli()
	}
	return []any{
		p.ID,
		p.DisplayName,
		p.NameSet,
		p.Username,
		p.AvatarID,
		p.AvatarMXC,
		p.AvatarSet,
		p.IsBot,
		p.IsChannel,
		p.Stale,
		lastSync,
	}
}

func (p *Puppet) Scan(row dbutil.Scannable) (*Puppet, error) {
	var lastSync int64
	err := row.Scan(
		&p.ID,
		&p.DisplayName,
		&p.NameSet,
		&p.Username,
		&p.AvatarID,
		&p.AvatarMXC,
		&p.AvatarSet,
		&p.IsBot,
		&p.IsChannel,
		&p.Stale,
		&lastSync,
	)
	if err != nil {
		return nil, err
	}
	if lastSync > 0 {
		p.LastSync = time.UnixMilli(lastSync)
	}
	return p, nil
}
