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

// Package media moves files between Telegram and Matrix, with a persistent
// cache of already-uploaded Telegram media and bounded concurrency.
package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/tgbridge/pkg/store"
)

var ErrFileTooLarge = errors.New("file is too large")

// Uploader uploads a file to the Matrix media repo.
type Uploader func(ctx context.Context, data []byte, mimeType, fileName string) (id.ContentURIString, error)

// Source describes a piece of Telegram media.
type Source struct {
	// LocationID is the cache key. Media without one is always transferred.
	LocationID store.TelegramFileLocationID
	FileName   string
	MIMEType   string
	Size       int64
	Width      int
	Height     int
	Sticker    bool

	Download func(ctx context.Context) ([]byte, error)
}

type Result struct {
	MXC      id.ContentURIString
	FileName string
	Info     event.FileInfo
	Cached   bool
}

type Transferer struct {
	files    *store.TelegramFileQuery
	sem      *semaphore.Weighted
	inflight singleflight.Group

	Stickers StickerConfig
	MaxSize  int64
}

func NewTransferer(files *store.TelegramFileQuery, concurrency, maxSize int64, stickers StickerConfig) *Transferer {
	return &Transferer{
		files:    files,
		sem:      semaphore.NewWeighted(max(concurrency, 1)),
		Stickers: stickers,
		MaxSize:  maxSize,
	}
}

func (t *Transferer) checkSize(size int64) error {
	if t.MaxSize > 0 && size > t.MaxSize {
		return fmt.Errorf("%w (%d bytes, limit is %d)", ErrFileTooLarge, size, t.MaxSize)
	}
	return nil
}

func resultFromCache(file *store.TelegramFile, src Source) *Result {
	return &Result{
		MXC:      file.MXC,
		FileName: FileName(src.FileName, "file", file.MimeType),
		Info: event.FileInfo{
			MimeType: file.MimeType,
			Size:     int(file.Size),
			Width:    file.Width,
			Height:   file.Height,
		},
		Cached: true,
	}
}

func (t *Transferer) lookup(ctx context.Context, src Source) (*Result, error) {
	if src.LocationID == "" {
		return nil, nil
	}
	file, err := t.files.GetByLocationID(ctx, src.LocationID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up cached file: %w", err)
	} else if file == nil {
		return nil, nil
	}
	return resultFromCache(file, src), nil
}

// ToMatrix downloads the media from Telegram and uploads it to Matrix, unless
// the same location was already uploaded before.
func (t *Transferer) ToMatrix(ctx context.Context, src Source, upload Uploader) (*Result, error) {
	log := zerolog.Ctx(ctx).With().
		Str("component", "media_transfer").
		Str("location_id", string(src.LocationID)).
		Logger()
	ctx = log.WithContext(ctx)
	if cached, err := t.lookup(ctx, src); err != nil || cached != nil {
		return cached, err
	} else if err = t.checkSize(src.Size); err != nil {
		return nil, err
	}
	if src.LocationID == "" {
		return t.transfer(ctx, src, upload)
	}
	res, err, _ := t.inflight.Do(string(src.LocationID), func() (any, error) {
		if cached, err := t.lookup(ctx, src); err != nil || cached != nil {
			return cached, err
		}
		return t.transfer(ctx, src, upload)
	})
	if err != nil {
		return nil, err
	}
	copied := *res.(*Result)
	return &copied, nil
}

func (t *Transferer) transfer(ctx context.Context, src Source, upload Uploader) (*Result, error) {
	log := zerolog.Ctx(ctx)
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer t.sem.Release(1)

	log.Debug().Msg("Transferring file from Telegram to Matrix")
	data, err := src.Download(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to download from Telegram: %w", err)
	} else if err = t.checkSize(int64(len(data))); err != nil {
		return nil, err
	}
	mimeType := DetectMIMEType(data, src.MIMEType)
	width, height := src.Width, src.Height
	var converted bool
	if src.Sticker {
		sticker := t.Stickers.ConvertSticker(ctx, data, mimeType)
		data, mimeType, converted = sticker.Data, sticker.MIMEType, sticker.Converted
		if sticker.Width > 0 {
			width, height = sticker.Width, sticker.Height
		}
	}
	fileName := FileName(src.FileName, "file", mimeType)
	if converted {
		fileName = FileName("", "sticker", mimeType)
	}
	mxc, err := upload(ctx, data, mimeType, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to upload to Matrix: %w", err)
	}
	res := &Result{
		MXC:      mxc,
		FileName: fileName,
		Info: event.FileInfo{
			MimeType: mimeType,
			Size:     len(data),
			Width:    width,
			Height:   height,
		},
	}
	if src.LocationID != "" {
		file := t.files.New()
		file.LocationID = src.LocationID
		file.MXC = mxc
		file.MimeType = mimeType
		file.WasConverted = converted
		file.Timestamp = time.Now()
		file.Size = int64(len(data))
		file.Width, file.Height = width, height
		if err = file.Insert(ctx); err != nil {
			log.Err(err).Msg("Failed to cache uploaded Telegram file")
		}
	}
	return res, nil
}

// FromMatrix downloads a Matrix file for sending to Telegram. size is the
// size advertised in the event, 0 if unknown.
func (t *Transferer) FromMatrix(ctx context.Context, size int64, download func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if err := t.checkSize(size); err != nil {
		return nil, err
	} else if err = t.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer t.sem.Release(1)
	data, err := download(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to download from Matrix: %w", err)
	} else if err = t.checkSize(int64(len(data))); err != nil {
		return nil, err
	}
	return data, nil
}
