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
	insertTelegramFileQuery = `
		INSERT INTO telegram_file (id, mxc, mime_type, was_converted, timestamp, size, width, height)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			mxc=excluded.mxc,
			mime_type=excluded.mime_type,
			was_converted=excluded.was_converted,
			timestamp=excluded.timestamp,
			size=excluded.size,
			width=excluded.width,
			height=excluded.height
	`
	getTelegramFileSelect = `
		SELECT id, mxc, mime_type, was_converted, timestamp, size, width, height
		FROM telegram_file
	`
	getTelegramFileByLocationIDQuery = getTelegramFileSelect + "WHERE id=$1"
	getTelegramFileByMXCQuery        = getTelegramFileSelect + "WHERE mxc=$1"
)

type TelegramFileQuery struct {
	*dbutil.QueryHelper[*TelegramFile]
}

type TelegramFileLocationID string

// TelegramFile caches where a piece of Telegram media was uploaded on Matrix,
// so that forwards and retries of the same media skip the transfer.
type TelegramFile struct {
	qh *dbutil.QueryHelper[*TelegramFile]

	LocationID   TelegramFileLocationID
	MXC          id.ContentURIString
	MimeType     string
	WasConverted bool
	Timestamp    time.Time
	Size         int64
	Width        int
	Height       int
}

var _ dbutil.DataStruct[*TelegramFile] = (*TelegramFile)(nil)

func newTelegramFile(qh *dbutil.QueryHelper[*TelegramFile]) *TelegramFile {
	return &TelegramFile{qh: qh}
}

func (fq *TelegramFileQuery) New() *TelegramFile {
	return fq.QueryHelper.New()
}

func (fq *TelegramFileQuery) GetByLocationID(ctx context.Context, locationID TelegramFileLocationID) (*TelegramFile, error) {
	return fq.QueryOne(ctx, getTelegramFileByLocationIDQuery, locationID)
}

func (fq *TelegramFileQuery) GetByMXC(ctx context.Context, mxc id.ContentURIString) (*TelegramFile, error) {
	return fq.QueryOne(ctx, getTelegramFileByMXCQuery, mxc)
}

func (f *TelegramFile) sqlVariables() []any {
	return []any{
		f.LocationID,
		f.MXC,
		f.MimeType,
		f.WasConverted,
		f.Timestamp.UnixMilli(),
		f.Size,
		f.Width,
		f.Height,
	}
}

func (f *TelegramFile) Insert(ctx context.Context) error {
	return f.qh.Exec(ctx, insertTelegramFileQuery, f.sqlVariables()...)
}

func (f *TelegramFile) Scan(row dbutil.Scannable) (*TelegramFile, error) {
	var timestamp int64
	err := row.Scan(
		&f.LocationID,
		&f.MXC,
		&f.MimeType,
		&f.WasConverted,
		&timestamp,
		&f.Size,
		&f.Width,
		&f.Height,
	)
	if err != nil {
		return nil, err
	}
	f.Timestamp = time.UnixMilli(timestamp)
	return f, nil
}
