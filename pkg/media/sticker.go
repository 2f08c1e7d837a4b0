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

package media

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"golang.org/x/image/webp"
)

const (
	MIMETypeTGS    = "application/x-tgsticker"
	MIMETypeLottie = "video/lottie+json"
	MIMETypeWebP   = "image/webp"
	MIMETypePNG    = "image/png"
)

type StickerConfig struct {
	// ConvertWebP re-encodes static WebP stickers as PNG for clients without
	// WebP support.
	ConvertWebP bool `yaml:"convert_webp"`
	// ConvertTGS unpacks gzipped animated stickers into plain Lottie JSON.
	ConvertTGS bool `yaml:"convert_tgs"`
	// MaxTGSSize bounds the decompressed size of animated stickers.
	MaxTGSSize int64 `yaml:"max_tgs_size"`
}

type ConvertedSticker struct {
	Data      []byte
	MIMEType  string
	Width     int
	Height    int
	Converted bool
}

func webpToPNG(data []byte) (*ConvertedSticker, error) {
	img, err := webp.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode webp: %w", err)
	}
	var buf bytes.Buffer
	if err = png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	bounds := img.Bounds()
	return &ConvertedSticker{
		Data:      buf.Bytes(),
		MIMEType:  MIMETypePNG,
		Width:     bounds.Dx(),
		Height:    bounds.Dy(),
		Converted: true,
	}, nil
}

func gunzipLottie(data []byte, maxSize int64) (*ConvertedSticker, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer reader.Close()
	if maxSize <= 0 {
		maxSize = 16 * 1024 * 1024
	}
	unzipped, err := io.ReadAll(io.LimitReader(reader, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress sticker: %w", err)
	} else if int64(len(unzipped)) > maxSize {
		return nil, fmt.Errorf("decompressed sticker is larger than %d bytes", maxSize)
	}
	return &ConvertedSticker{Data: unzipped, MIMEType: MIMETypeLottie, Converted: true}, nil
}

// ConvertSticker applies the configured conversions. Conversion failures
// fall back to the original data.
func (c StickerConfig) ConvertSticker(ctx context.Context, data []byte, mimeType string) ConvertedSticker {
	var converted *ConvertedSticker
	var err error
	switch {
	case mimeType == MIMETypeWebP && c.ConvertWebP:
		converted, err = webpToPNG(data)
	case mimeType == MIMETypeTGS && c.ConvertTGS:
		converted, err = gunzipLottie(data, c.MaxTGSSize)
	default:
		return ConvertedSticker{Data: data, MIMEType: mimeType}
	}
	if err != nil {
		zerolog.Ctx(ctx).Err(err).Str("mime_type", mimeType).Msg("Failed to convert sticker, sending original")
		return ConvertedSticker{Data: data, MIMEType: mimeType}
	}
	return *converted
}
