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

package matrixfmt

import (
	"context"

	"maunium.net/go/mautrix/event"

	"go.mau.fi/tgbridge/pkg/telegramfmt"
)

// Parse returns the Telegram text and entities for a Matrix message. Media
// messages whose body is just the file name produce an empty caption.
func Parse(ctx context.Context, parser *HTMLParser, content *event.MessageEventContent) (string, telegramfmt.BodyRangeList) {
	if content.MsgType.IsMedia() && (content.FileName == "" || content.FileName == content.Body) {
		return "", nil
	}
	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		return content.Body, nil
	}
	parseCtx := NewContext(ctx)
	parseCtx.AllowedMentions = content.Mentions
	parsed := parser.Parse(content.FormattedBody, parseCtx)
	if parsed == nil {
		return "", nil
	}
	return parsed.String.String(), parsed.Entities
}
