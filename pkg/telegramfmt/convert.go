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

// Package telegramfmt converts Telegram text with formatting entities into
// Matrix HTML.
package telegramfmt

import (
	"context"
	"html"
	"maps"
	"slices"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

type UserInfo struct {
	MXID id.UserID
	Name string
}

type FormatParams struct {
	GetUserInfoByUsername func(ctx context.Context, username string) (UserInfo, error)
	GetUserInfoByID       func(ctx context.Context, id int64) (UserInfo, error)
	NormalizeURL          func(ctx context.Context, url string) string
}

type formatContext struct {
	IsInCodeblock bool
}

func (ctx formatContext) TextToHTML(text string) string {
	if ctx.IsInCodeblock {
		return html.EscapeString(text)
	}
	return event.TextToHTML(text)
}

func (fp FormatParams) resolveMention(ctx context.Context, mention Mention) (Mention, bool) {
	var info UserInfo
	var err error
	if mention.UserID != 0 && fp.GetUserInfoByID != nil {
		info, err = fp.GetUserInfoByID(ctx, mention.UserID)
	} else if mention.Username != "" && fp.GetUserInfoByUsername != nil {
		info, err = fp.GetUserInfoByUsername(ctx, mention.Username)
	} else {
		return mention, false
	}
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).
			Int64("user_id", mention.UserID).
			Str("username", mention.Username).
			Msg("Failed to get user info for mention")
		return mention, false
	}
	mention.MXID = info.MXID
	mention.Name = info.Name
	return mention, true
}

// Parse converts a Telegram message into Matrix message content. Mentions
// that can't be resolved are left as plain text.
func Parse(ctx context.Context, message string, entities BodyRangeList, params FormatParams) *event.MessageEventContent {
	content := &event.MessageEventContent{
		MsgType:  event.MsgText,
		Body:     message,
		Mentions: &event.Mentions{},
	}
	if len(entities) == 0 {
		return content
	}

	utf16Message := NewUTF16String(message)
	maxLength := len(utf16Message)
	mentions := map[id.UserID]struct{}{}
	lrt := &LinkedRangeTree{}
	for _, br := range entities.Sorted() {
		if br.Start < 0 || br.Length <= 0 || br.Start >= maxLength || br.Value == nil {
			continue
		}
		br = *br.TruncateEnd(maxLength)
		inner := utf16Message[br.Start:br.End()].String()
		switch val := br.Value.(type) {
		case Mention:
			if val.UserID == 0 && val.Username == "" && len(inner) > 1 {
				val.Username = inner[1:]
			}
			resolved, ok := params.resolveMention(ctx, val)
			if !ok {
				continue
			}
			mentions[resolved.MXID] = struct{}{}
			br.Value = resolved
		case Style:
			if val.Type == StyleURL && val.URL == "" {
				val.URL = inner
			}
			if (val.Type == StyleURL || val.Type == StyleTextURL) && params.NormalizeURL != nil {
				val.URL = params.NormalizeURL(ctx, val.URL)
			}
			br.Value = val
		}
		lrt.Add(&br)
	}

	content.Mentions.UserIDs = slices.Sorted(maps.Keys(mentions))
	content.FormattedBody = lrt.Format(utf16Message, formatContext{})
	content.Format = event.FormatHTML
	return content
}
