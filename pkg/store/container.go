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

	"go.mau.fi/util/dbutil"

	"go.mau.fi/tgbridge/pkg/store/upgrades"
)

type Container struct {
	db *dbutil.Database

	Portal       *PortalQuery
	Puppet       *PuppetQuery
	User         *UserQuery
	Message      *MessageQuery
	TelegramFile *TelegramFileQuery
}

func NewStore(db *dbutil.Database, log dbutil.DatabaseLogger) *Container {
	child := db.Child("tgbridge_version", upgrades.Table, log)
	return &Container{
		db:           child,
		Portal:       &PortalQuery{dbutil.MakeQueryHelper(child, newPortal)},
		Puppet:       &PuppetQuery{dbutil.MakeQueryHelper(child, newPuppet)},
		User:         &UserQuery{dbutil.MakeQueryHelper(child, newUser)},
		Message:      &MessageQuery{dbutil.MakeQueryHelper(child, newMessage)},
		TelegramFile: &TelegramFileQuery{dbutil.MakeQueryHelper(child, newTelegramFile)},
	}
}

func (c *Container) Upgrade(ctx context.Context) error {
	return c.db.Upgrade(ctx)
}

func (c *Container) GetSessionStore(sessionID string) *SessionStore {
	return &SessionStore{db: c.db, sessionID: sessionID}
}

func (c *Container) GetScopedStore(telegramUserID int64) *ScopedStore {
	return &ScopedStore{db: c.db, telegramUserID: telegramUserID}
}
