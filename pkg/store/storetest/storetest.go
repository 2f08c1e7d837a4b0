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

// Package storetest opens throwaway SQLite databases for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/dbutil"

	"go.mau.fi/tgbridge/pkg/store"
)

func New(t testing.TB) *store.Container {
	t.Helper()
	uri := "file:" + filepath.Join(t.TempDir(), "tgbridge.db") + "?_foreign_keys=on&_busy_timeout=5000"
	db, err := dbutil.NewWithDialect(uri, "sqlite3")
	require.NoError(t, err)
	// Tests hammer the registry from many goroutines; a single connection keeps SQLite from
	// returning SQLITE_BUSY.
	db.RawDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = db.Close()
	})
	container := store.NewStore(db, dbutil.ZeroLogger(zerolog.Nop()))
	require.NoError(t, container.Upgrade(context.Background()))
	return container
}
