package matrixfmt_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/tgbridge/pkg/matrixfmt"
	"go.mau.fi/tgbridge/pkg/telegramfmt"
)

const aliceMXID = id.UserID("@telegram_5:example.com")
const bobMXID = id.UserID("@telegram_6:example.com")

var parser = &matrixfmt.HTMLParser{
	GetGhostDetails: func(ctx context.Context, userID id.UserID) (int64, string, bool) {
		switch userID {
		case aliceMXID:
			return 5, "", true
		case bobMXID:
			return 6, "bob", true
		default:
			return 0, "", false
		}
	},
}

func style(start, length int, st telegramfmt.StyleType) telegramfmt.BodyRange {
	return telegramfmt.BodyRange{Start: start, Length: length, Value: telegramfmt.Style{Type: st}}
}

func htmlContent(html string, mentions ...id.UserID) *event.MessageEventContent {
	return &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          "fallback",
		Format:        event.FormatHTML,
		FormattedBody: html,
		Mentions:      &event.Mentions{UserIDs: mentions},
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		content  *event.MessageEventContent
		text     string
		entities telegramfmt.BodyRangeList
	}{
		{
			name:    "plain",
			content: &event.MessageEventContent{MsgType: event.MsgText, Body: "hello <b>"},
			text:    "hello <b>",
		},
		{
			name:     "bold",
			content:  htmlContent("<b>bold</b> text"),
			text:     "bold text",
			entities: telegramfmt.BodyRangeList{style(0, 4, telegramfmt.StyleBold)},
		},
		{
			name:    "nested",
			content: htmlContent("<strong>a<em>b</em></strong>"),
			text:    "ab",
			entities: telegramfmt.BodyRangeList{
				style(0, 2, telegramfmt.StyleBold),
				style(1, 1, telegramfmt.StyleItalic),
			},
		},
		{
			name:    "link",
			content: htmlContent(`<a href="https://example.com">site</a>`),
			text:    "site",
			entities: telegramfmt.BodyRangeList{
				{Start: 0, Length: 4, Value: telegramfmt.Style{Type: telegramfmt.StyleTextURL, URL: "https://example.com"}},
			},
		},
		{
			name:    "bare link",
			content: htmlContent(`<a href="https://example.com">https://example.com</a>`),
			text:    "https://example.com",
			entities: telegramfmt.BodyRangeList{
				{Start: 0, Length: 19, Value: telegramfmt.Style{Type: telegramfmt.StyleURL, URL: "https://example.com"}},
			},
		},
		{
			name:     "mention by id",
			content:  htmlContent(`<a href="https://matrix.to/#/@telegram_5:example.com">Alice</a> hi`, aliceMXID),
			text:     "Alice hi",
			entities: telegramfmt.BodyRangeList{{Start: 0, Length: 5, Value: telegramfmt.Mention{UserID: 5}}},
		},
		{
			name:     "mention by username",
			content:  htmlContent(`<a href="https://matrix.to/#/@telegram_6:example.com">Bob</a> hi`, bobMXID),
			text:     "@bob hi",
			entities: telegramfmt.BodyRangeList{{Start: 0, Length: 4, Value: telegramfmt.Mention{UserID: 6, Username: "bob"}}},
		},
		{
			name:    "mention not allowed",
			content: htmlContent(`<a href="https://matrix.to/#/@telegram_5:example.com">Alice</a> hi`),
			text:    "Alice hi",
		},
		{
			name:    "mention of non-ghost",
			content: htmlContent(`<a href="https://matrix.to/#/@carol:example.com">Carol</a>`, "@carol:example.com"),
			text:    "Carol",
		},
		{
			name:    "unordered list",
			content: htmlContent("<ul><li>one</li><li>two</li></ul>"),
			text:    "* one\n* two",
		},
		{
			name:    "ordered list",
			content: htmlContent(`<ol start="9"><li>a</li><li>b</li></ol>`),
			text:    "9.  a\n10. b",
		},
		{
			name:    "code block",
			content: htmlContent("<pre><code class=\"language-go\">x := 1\n</code></pre>"),
			text:    "x := 1",
			entities: telegramfmt.BodyRangeList{
				{Start: 0, Length: 6, Value: telegramfmt.Style{Type: telegramfmt.StylePre, Language: "go"}},
			},
		},
		{
			name:    "reply fallback",
			content: htmlContent("<mx-reply><blockquote>quoted</blockquote></mx-reply>hello"),
			text:    "hello",
		},
		{
			name:     "spoiler",
			content:  htmlContent("<span data-mx-spoiler>secret</span>"),
			text:     "secret",
			entities: telegramfmt.BodyRangeList{style(0, 6, telegramfmt.StyleSpoiler)},
		},
		{
			name:    "media filename only",
			content: &event.MessageEventContent{MsgType: event.MsgImage, Body: "cat.png"},
			text:    "",
		},
		{
			name:    "media caption",
			content: &event.MessageEventContent{MsgType: event.MsgImage, Body: "a cat", FileName: "cat.png"},
			text:    "a cat",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			text, entities := matrixfmt.Parse(context.Background(), parser, test.content)
			assert.Equal(t, test.text, text)
			assert.Equal(t, test.entities, entities)
		})
	}
}

func TestEntityStringSplit(t *testing.T) {
	es := matrixfmt.NewEntityString("ab\ncd").Format(telegramfmt.Style{Type: telegramfmt.StyleBold})
	parts := es.Split('\n')
	if assert.Len(t, parts, 2) {
		assert.Equal(t, "ab", parts[0].String.String())
		assert.Equal(t, telegramfmt.BodyRangeList{style(0, 2, telegramfmt.StyleBold)}, parts[0].Entities)
		assert.Equal(t, "cd", parts[1].String.String())
		assert.Equal(t, telegramfmt.BodyRangeList{style(0, 2, telegramfmt.StyleBold)}, parts[1].Entities)
	}
}

func TestEntityStringTrimSpace(t *testing.T) {
	es := matrixfmt.NewEntityString("  hi  ").Format(telegramfmt.Style{Type: telegramfmt.StyleItalic})
	es = es.TrimSpace()
	assert.Equal(t, "hi", es.String.String())
	assert.Equal(t, telegramfmt.BodyRangeList{style(0, 2, telegramfmt.StyleItalic)}, es.Entities)
}
