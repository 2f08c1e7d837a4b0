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

package tgclient

import (
	"github.com/rs/zerolog"

	"go.mau.fi/tgbridge/pkg/bridge"
	"go.mau.fi/tgbridge/pkg/store"
)

// Connector creates MTProto clients whose sessions and update state live in
// the bridge database.
type Connector struct {
	Config bridge.TelegramConfig
	Store  *store.Container
	Log    zerolog.Logger
}

var _ bridge.TelegramConnector = (*Connector)(nil)

func NewConnector(cfg bridge.TelegramConfig, db *store.Container, log zerolog.Logger) *Connector {
	return &Connector{
		Config: cfg,
		Store:  db,
		Log:    log.With().Str("component", "telegram").Logger(),
	}
}

func (tc *Connector) NewClient(sessionID string) bridge.TelegramClient {
	return newClient(tc, sessionID)
}
