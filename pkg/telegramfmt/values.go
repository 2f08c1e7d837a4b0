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

package telegramfmt

import (
	"fmt"
	"html"
	"strings"

	"maunium.net/go/mautrix/id"
)

type BodyRangeValue interface {
	String() string
	Format(message string) string
	IsCode() bool
}

// Mention refers to a Telegram user either by ID or by @username. MXID and
// Name are filled in when the mention is resolved for Matrix.
type Mention struct {
	UserID   int64
	Username string

	MXID id.UserID
	Name string
}

var _ BodyRangeValue = Mention{}

func (m Mention) String() string {
	return fmt.Sprintf("Mention{UserID: %d, Username: %q, MXID: %q}", m.UserID, m.Username, m.MXID)
}

func (m Mention) IsCode() bool {
	return false
}

func (m Mention) Format(message string) string {
	if m.MXID == "" {
		return message
	} else if m.Username != "" {
		return fmt.Sprintf(`<a href="%s">@%s</a>`, m.MXID.URI().MatrixToURL(), html.EscapeString(m.Username))
	}
	return fmt.Sprintf(`<a href="%s">%s</a>`, m.MXID.URI().MatrixToURL(), html.EscapeString(m.Name))
}

type StyleType int

const (
	StyleNone StyleType = iota
	StyleBold
	StyleItalic
	StyleUnderline
	StyleStrikethrough
	StyleBlockquote
	StyleCode
	StylePre
	StyleEmail
	StyleTextURL
	StyleURL
	StyleBotCommand
	StyleHashtag
	StyleCashtag
	StylePhone
	StyleSpoiler
	StyleBankCard
)

var styleNames = [...]string{
	StyleNone:          "StyleNone",
	StyleBold:          "StyleBold",
	StyleItalic:        "StyleItalic",
	StyleUnderline:     "StyleUnderline",
	StyleStrikethrough: "StyleStrikethrough",
	StyleBlockquote:    "StyleBlockquote",
	StyleCode:          "StyleCode",
	StylePre:           "StylePre",
	StyleEmail:         "StyleEmail",
	StyleTextURL:       "StyleTextURL",
	StyleURL:           "StyleURL",
	StyleBotCommand:    "StyleBotCommand",
	StyleHashtag:       "StyleHashtag",
	StyleCashtag:       "StyleCashtag",
	StylePhone:         "StylePhone",
	StyleSpoiler:       "StyleSpoiler",
	StyleBankCard:      "StyleBankCard",
}

func (s StyleType) String() string {
	if s >= 0 && int(s) < len(styleNames) {
		return styleNames[s]
	}
	return fmt.Sprintf("StyleType(%d)", s)
}

type Style struct {
	Type StyleType
	// Language of a pre block.
	Language string
	// URL for StyleTextURL, or the normalized link for StyleURL.
	URL string
}

var _ BodyRangeValue = Style{}

func (s Style) String() string {
	return fmt.Sprintf("Style{Type: %s, Language: %s, URL: %s}", s.Type, s.Language, s.URL)
}

func (s Style) IsCode() bool {
	return s.Type == StyleCode || s.Type == StylePre
}

func (s Style) Format(message string) string {
	switch s.Type {
	case StyleBold:
		return "<strong>" + message + "</strong>"
	case StyleItalic:
		return "<em>" + message + "</em>"
	case StyleUnderline:
		return "<u>" + message + "</u>"
	case StyleStrikethrough:
		return "<del>" + message + "</del>"
	case StyleSpoiler:
		return "<span data-mx-spoiler>" + message + "</span>"
	case StyleBlockquote:
		return "<blockquote>" + message + "</blockquote>"
	case StyleCode:
		if strings.ContainsRune(message, '\n') {
			return "<pre><code>" + message + "</code></pre>"
		}
		return "<code>" + message + "</code>"
	case StylePre:
		if s.Language != "" {
			return fmt.Sprintf(`<pre><code class="language-%s">%s</code></pre>`, html.EscapeString(s.Language), message)
		}
		return "<pre><code>" + message + "</code></pre>"
	case StyleEmail:
		return fmt.Sprintf(`<a href="mailto:%s">%s</a>`, message, message)
	case StyleTextURL, StyleURL:
		if s.URL == "" {
			return message
		}
		return fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(s.URL), message)
	case StyleBotCommand, StyleHashtag, StyleCashtag, StylePhone:
		return `<font color="#3771bb">` + message + "</font>"
	default:
		return message
	}
}
