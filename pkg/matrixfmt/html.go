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

// Package matrixfmt converts Matrix HTML into Telegram text with formatting
// entities.
package matrixfmt

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/tgbridge/pkg/telegramfmt"
)

type tagStack []string

func (ts tagStack) Has(tag string) bool {
	return slices.Contains(ts, tag)
}

type Context struct {
	Ctx                context.Context
	AllowedMentions    *event.Mentions
	TagStack           tagStack
	PreserveWhitespace bool
}

func NewContext(ctx context.Context) Context {
	return Context{
		Ctx:      ctx,
		TagStack: make(tagStack, 0, 4),
	}
}

func (ctx Context) WithTag(tag string) Context {
	ctx.TagStack = append(slices.Clip(ctx.TagStack), tag)
	return ctx
}

func (ctx Context) WithWhitespace() Context {
	ctx.PreserveWhitespace = true
	return ctx
}

// GhostDetailsFunc resolves a Matrix user ID to the Telegram user it
// represents. ok is false for users that have no Telegram identity.
type GhostDetailsFunc func(ctx context.Context, userID id.UserID) (telegramID int64, username string, ok bool)

type HTMLParser struct {
	GetGhostDetails GhostDetailsFunc
}

type taggedString struct {
	*EntityString
	tag string
}

func getAttribute(node *html.Node, attribute string) (string, bool) {
	for _, attr := range node.Attr {
		if attr.Key == attribute {
			return attr.Val, true
		}
	}
	return "", false
}

func digits(num int) int {
	if num < 0 {
		return digits(-num) + 1
	}
	return len(strconv.Itoa(num))
}

func (parser *HTMLParser) listToString(node *html.Node, ctx Context) *EntityString {
	ordered := node.Data == "ol"
	children := parser.nodeToTaggedStrings(node.FirstChild, ctx)
	counter := 1
	indentLength := 0
	if ordered {
		if start, ok := getAttribute(node, "start"); ok {
			if parsed, err := strconv.Atoi(start); err == nil {
				counter = parsed
			}
		}
		indentLength = digits(counter - 1 + len(children))
	}
	indent := strings.Repeat(" ", indentLength+2)
	var lines []*EntityString
	for _, child := range children {
		if child.tag != "li" {
			continue
		}
		prefix := "* "
		if ordered {
			prefix = fmt.Sprintf("%d. %s", counter, strings.Repeat(" ", max(indentLength-digits(counter), 0)))
			counter++
		}
		parts := NewEntityString(prefix).Append(child.EntityString).Split('\n')
		for i := 1; i < len(parts); i++ {
			parts[i] = NewEntityString(indent).Append(parts[i])
		}
		lines = append(lines, parts...)
	}
	return JoinEntityString("\n", lines...)
}

var simpleStyles = map[string]telegramfmt.StyleType{
	"b":      telegramfmt.StyleBold,
	"strong": telegramfmt.StyleBold,
	"i":      telegramfmt.StyleItalic,
	"em":     telegramfmt.StyleItalic,
	"s":      telegramfmt.StyleStrikethrough,
	"del":    telegramfmt.StyleStrikethrough,
	"strike": telegramfmt.StyleStrikethrough,
	"u":      telegramfmt.StyleUnderline,
	"ins":    telegramfmt.StyleUnderline,
	"tt":     telegramfmt.StyleCode,
	"code":   telegramfmt.StyleCode,
}

func (parser *HTMLParser) linkToString(node *html.Node, ctx Context) *EntityString {
	str := parser.nodeToTagAwareString(node.FirstChild, ctx)
	href, _ := getAttribute(node, "href")
	if href == "" || str == nil {
		return str
	}
	text := str.String.String()

	parsedMatrix, err := id.ParseMatrixURIOrMatrixToURL(href)
	if err == nil && parsedMatrix != nil && parsedMatrix.Sigil1 == '@' {
		mxid := parsedMatrix.UserID()
		if ctx.AllowedMentions != nil && !slices.Contains(ctx.AllowedMentions.UserIDs, mxid) {
			return str
		} else if parser.GetGhostDetails == nil {
			return str
		}
		telegramID, username, ok := parser.GetGhostDetails(ctx.Ctx, mxid)
		if !ok {
			return str
		} else if username != "" {
			return NewEntityString("@" + username).Format(telegramfmt.Mention{UserID: telegramID, Username: username})
		}
		return NewEntityString(text).Format(telegramfmt.Mention{UserID: telegramID})
	}
	if text == href {
		return NewEntityString(text).Format(telegramfmt.Style{Type: telegramfmt.StyleURL, URL: href})
	}
	return NewEntityString(text).Format(telegramfmt.Style{Type: telegramfmt.StyleTextURL, URL: href})
}

func (parser *HTMLParser) preToString(node *html.Node, ctx Context) *EntityString {
	var language string
	inner := node.FirstChild
	if inner != nil && inner.Type == html.ElementNode && inner.Data == "code" {
		class, _ := getAttribute(inner, "class")
		language = strings.TrimPrefix(class, "language-")
		if language == class {
			language = ""
		}
		inner = inner.FirstChild
	}
	str := parser.nodeToString(inner, ctx.WithWhitespace())
	if str == nil || len(str.String) == 0 {
		return str
	}
	return str.Format(telegramfmt.Style{Type: telegramfmt.StylePre, Language: language})
}

func (parser *HTMLParser) tagToString(node *html.Node, ctx Context) *EntityString {
	ctx = ctx.WithTag(node.Data)
	if styleType, ok := simpleStyles[node.Data]; ok {
		return parser.nodeToTagAwareString(node.FirstChild, ctx).Format(telegramfmt.Style{Type: styleType})
	}
	switch node.Data {
	case "blockquote":
		return parser.nodeToTagAwareString(node.FirstChild, ctx).Format(telegramfmt.Style{Type: telegramfmt.StyleBlockquote})
	case "ol", "ul":
		return parser.listToString(node, ctx)
	case "h1", "h2", "h3", "h4", "h5", "h6":
		prefix := strings.Repeat("#", int(node.Data[1]-'0')) + " "
		return NewEntityString(prefix).Append(parser.nodeToString(node.FirstChild, ctx)).Format(telegramfmt.Style{Type: telegramfmt.StyleBold})
	case "br":
		return NewEntityString("\n")
	case "hr":
		return NewEntityString("---")
	case "span", "font":
		str := parser.nodeToTagAwareString(node.FirstChild, ctx)
		if _, isSpoiler := getAttribute(node, "data-mx-spoiler"); isSpoiler {
			str = str.Format(telegramfmt.Style{Type: telegramfmt.StyleSpoiler})
		}
		return str
	case "a":
		return parser.linkToString(node, ctx)
	case "pre":
		return parser.preToString(node, ctx)
	case "mx-reply":
		return nil
	default:
		return parser.nodeToTagAwareString(node.FirstChild, ctx)
	}
}

func (parser *HTMLParser) singleNodeToString(node *html.Node, ctx Context) taggedString {
	switch node.Type {
	case html.TextNode:
		text := node.Data
		if !ctx.PreserveWhitespace {
			text = strings.ReplaceAll(text, "\n", "")
		}
		return taggedString{NewEntityString(text), "text"}
	case html.ElementNode:
		return taggedString{parser.tagToString(node, ctx), node.Data}
	case html.DocumentNode:
		return taggedString{parser.nodeToTagAwareString(node.FirstChild, ctx), "html"}
	default:
		return taggedString{&EntityString{}, "unknown"}
	}
}

func (parser *HTMLParser) nodeToTaggedStrings(node *html.Node, ctx Context) (strs []taggedString) {
	for ; node != nil; node = node.NextSibling {
		strs = append(strs, parser.singleNodeToString(node, ctx))
	}
	return
}

var blockTags = []string{"p", "h1", "h2", "h3", "h4", "h5", "h6", "ol", "ul", "pre", "blockquote", "div", "hr", "table"}

func (parser *HTMLParser) nodeToTagAwareString(node *html.Node, ctx Context) *EntityString {
	var output *EntityString
	for _, str := range parser.nodeToTaggedStrings(node, ctx) {
		part := str.EntityString
		if slices.Contains(blockTags, str.tag) {
			part = NewEntityString("\n").Append(part).AppendString("\n")
		}
		output = output.Append(part)
	}
	return output.TrimSpace()
}

func (parser *HTMLParser) nodeToString(node *html.Node, ctx Context) *EntityString {
	var strs []*EntityString
	for ; node != nil; node = node.NextSibling {
		strs = append(strs, parser.singleNodeToString(node, ctx).EntityString)
	}
	return JoinEntityString("", strs...)
}

// Parse converts Matrix HTML into plain text with entities.
func (parser *HTMLParser) Parse(htmlData string, ctx Context) *EntityString {
	node, err := html.Parse(strings.NewReader(htmlData))
	if err != nil {
		return NewEntityString(htmlData)
	}
	return parser.nodeToTagAwareString(node, ctx)
}
