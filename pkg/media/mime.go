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
	"net/http"
	"strings"

	"go.mau.fi/util/exmime"
)

var gzipMagic = []byte{0x1f, 0x8b}

// DetectMIMEType returns hint if it's a specific type and sniffs the data
// otherwise.
func DetectMIMEType(data []byte, hint string) string {
	if hint != "" && hint != "application/octet-stream" {
		return hint
	} else if bytes.HasPrefix(data, gzipMagic) {
		// Animated stickers are the only gzip payloads Telegram sends without a type.
		return MIMETypeTGS
	}
	detected := http.DetectContentType(data)
	detected, _, _ = strings.Cut(detected, ";")
	return detected
}

// FileName returns name if set, otherwise a generic name with an extension
// matching the MIME type.
func FileName(name, base, mimeType string) string {
	if name != "" {
		return name
	}
	if mimeType == MIMETypeTGS {
		return base + ".tgs"
	} else if mimeType == MIMETypeLottie {
		return base + ".json"
	}
	return base + exmime.ExtensionFromMimetype(mimeType)
}
