package bridge

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/tgbridge/pkg/ids"
	"go.mau.fi/tgbridge/pkg/media"
	"go.mau.fi/tgbridge/pkg/store"
)

const (
	groupID   = int64(555)
	carolTGID = int64(333)
)

var groupKey = ids.MakePortalKey(ids.ChatTypeGroup, groupID, 0)

func groupChat() ChatRef {
	return ChatRef{ID: groupID, Type: ids.ChatTypeGroup}
}

// setupGroup registers the test group on the client and bridges one message
// from carol into it, which creates the room.
func (env *testEnv) setupGroup(user *User, client *fakeClient) *Portal {
	env.t.Helper()
	client.addChat(groupID, &ChatInfo{
		Title:   "Test group",
		About:   "Group topic",
		Members: []int64{aliceTGID, bobTGID, carolTGID},
		Admins:  []int64{carolTGID},
	})
	client.addUser(&UserInfo{ID: carolTGID, FirstName: "Carol"})
	env.push(user, groupMessage(groupID, carolTGID, 1, "first"))
	portal := env.portal(groupKey)
	require.NotEmpty(env.t, portal.MXID)
	return portal
}

func TestTelegramMessageCreatesRoom(t *testing.T) {
	env := newTestEnv(t)
	alice, client := env.login(aliceMXID)
	portal := env.setupGroup(alice, client)

	rooms := env.mx.roomRequests()
	require.Len(t, rooms, 1)
	req := rooms[0]
	assert.Equal(t, "Test group", req.Name)
	assert.Equal(t, "Group topic", req.Topic)
	assert.False(t, req.IsDirect)
	assert.Contains(t, req.Invite, aliceMXID)
	assert.Contains(t, req.Invite, env.br.Ghosts.Format(carolTGID))
	assert.NotContains(t, req.Invite, env.br.Ghosts.Format(aliceTGID))
	assert.Equal(t, adminPowerLevel, req.PowerLevelOverride.Users[env.br.Ghosts.Format(carolTGID)])
	assert.Equal(t, botPowerLevel, req.PowerLevelOverride.Users[env.mx.bot])

	msgs := env.mx.messagesIn(portal.MXID)
	require.Len(t, msgs, 1)
	assert.Equal(t, env.br.Ghosts.Format(carolTGID), msgs[0].Sender)
	assert.Equal(t, "first", msgs[0].Message().Body)
	assert.Contains(t, env.mx.joinedMembers(portal.MXID), env.br.Ghosts.Format(carolTGID))
	assert.Equal(t, "Carol (Telegram)", env.mx.displayName(env.br.Ghosts.Format(carolTGID)))

	users, err := env.br.Registry.GetPortalUsers(env.ctx, groupKey)
	require.NoError(t, err)
	assert.Equal(t, []id.UserID{aliceMXID}, users)
}

func TestTelegramMessageBridgedOnce(t *testing.T) {
	env := newTestEnv(t)
	alice, client := env.login(aliceMXID)
	portal := env.setupGroup(alice, client)

	// The same update delivered again after a reconnect.
	env.push(alice, groupMessage(groupID, carolTGID, 1, "first"))
	portal.QueueTelegramUpdate(alice, groupMessage(groupID, carolTGID, 1, "first"))
	env.flushAll()
	assert.Len(t, env.mx.messagesIn(portal.MXID), 1)
}

func TestMatrixEchoIsNotBridgedBack(t *testing.T) {
	env := newTestEnv(t)
	alice, client := env.login(aliceMXID)
	portal := env.setupGroup(alice, client)

	env.matrixEvent(textEvent(portal.MXID, aliceMXID, "hello from matrix"))
	sent := client.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "hello from matrix", sent[0].Msg.Text)
	assert.Equal(t, groupChat(), sent[0].Chat)

	echo := groupMessage(groupID, aliceTGID, sent[0].ID, "hello from matrix")
	echo.Message.Out = true
	env.push(alice, echo)
	assert.Len(t, env.mx.messagesIn(portal.MXID), 1, "only carol's first message should be in the room")
}

func TestMatrixMessageDedup(t *testing.T) {
	env := newTestEnv(t)
	alice, client := env.login(aliceMXID)
	portal := env.setupGroup(alice, client)

	evt := textEvent(portal.MXID, aliceMXID, "once")
	env.matrixEvent(evt)
	env.matrixEvent(evt)
	assert.Len(t, client.sentMessages(), 1)

	// A redelivery that slips past the router is still caught by the mapping.
	portal.QueueMatrixEvent(ConvertMatrixEvent(evt)[0])
	env.flushAll()
	assert.Len(t, client.sentMessages(), 1)
}

func TestTelegramEdit(t *testing.T) {
	env := newTestEnv(t)
	alice, client := env.login(aliceMXID)
	portal := env.setupGroup(alice, client)
	original := env.mx.messagesIn(portal.MXID)[0]

	edit := &TelegramEdit{
		TelegramUpdateBase: TelegramUpdateBase{Chat: groupChat()},
		Message: &TelegramMessage{
			ID:       1,
			SenderID: carolTGID,
			Date:     time.Unix(1700000000, 0),
			EditDate: time.Unix(1700000100, 0),
			Text:     "edited",
		},
	}
	env.push(alice, edit)
	msgs := env.mx.messagesIn(portal.MXID)
	require.Len(t, msgs, 2)
	content := msgs[1].Message()
	assert.Equal(t, original.EventID, content.RelatesTo.GetReplaceID())
	require.NotNil(t, content.NewContent)
	assert.Equal(t, "edited", content.NewContent.Body)

	// An edit that doesn't change the content is dropped.
	sameContent := *edit.Message
	sameContent.EditDate = time.Unix(1700000200, 0)
	env.push(alice, &TelegramEdit{TelegramUpdateBase: TelegramUpdateBase{Chat: groupChat()}, Message: &sameContent})
	assert.Len(t, env.mx.messagesIn(portal.MXID), 2)

	// A re-delivered message carrying a newer edit date counts as an edit.
	env.br.Router.seen = newTestDedup()
	redelivered := groupMessage(groupID, carolTGID, 1, "edited again")
	redelivered.Message.EditDate = time.Unix(1700000300, 0)
	env.push(alice, redelivered)
	msgs = env.mx.messagesIn(portal.MXID)
	require.Len(t, msgs, 3)
	assert.Equal(t, original.EventID, msgs[2].Message().RelatesTo.GetReplaceID())
}

func TestStaleRedeliveryDoesNotRevertEdit(t *testing.T) {
	env := newTestEnv(t)
	alice, client := env.login(aliceMXID)
	portal := env.setupGroup(alice, client)

	env.push(alice, &TelegramEdit{
		TelegramUpdateBase: TelegramUpdateBase{Chat: groupChat()},
		Message: &TelegramMessage{
			ID:       1,
			SenderID: carolTGID,
			Date:     time.Unix(1700000000, 0),
			EditDate: time.Unix(1700000100, 0),
			Text:     "edited",
		},
	})
	require.Len(t, env.mx.messagesIn(portal.MXID), 2)

	// The original message shows up again after it fell out of the dedup window.
	portal.QueueTelegramUpdate(alice, groupMessage(groupID, carolTGID, 1, "first"))
	env.flushAll()
	assert.Len(t, env.mx.messagesIn(portal.MXID), 2)

	// So does an edit older than the one already applied.
	portal.QueueTelegramUpdate(alice, &TelegramEdit{
		TelegramUpdateBase: TelegramUpdateBase{Chat: groupChat()},
		Message: &TelegramMessage{
			ID:       1,
			SenderID: carolTGID,
			Date:     time.Unix(1700000000, 0),
			EditDate: time.Unix(1700000050, 0),
			Text:     "older edit",
		},
	})
	env.flushAll()
	assert.Len(t, env.mx.messagesIn(portal.MXID), 2)

	row, err := env.br.Registry.GetMessageByTelegramID(env.ctx, groupKey, ids.MessageKey{Space: aliceTGID, ID: 1})
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, time.Unix(1700000100, 0), row.EditTimestamp)
}

func TestTelegramEditOfUnknownMessage(t *testing.T) {
	env := newTestEnv(t)
	alice, client := env.login(aliceMXID)
	portal := env.setupGroup(alice, client)

	env.push(alice, &TelegramEdit{
		TelegramUpdateBase: TelegramUpdateBase{Chat: groupChat()},
		Message:            &TelegramMessage{ID: 404, SenderID: carolTGID, EditDate: time.Now(), Text: "nope"},
	})
	assert.Len(t, env.mx.messagesIn(portal.MXID), 1)
}

func TestTelegramReplyAndForward(t *testing.T) {
	env := newTestEnv(t)
	alice, client := env.login(aliceMXID)
	portal := env.setupGroup(alice, client)
	original := env.mx.messagesIn(portal.MXID)[0]

	reply := groupMessage(groupID, carolTGID, 2, "reply")
	reply.Message.ReplyTo = 1
	env.push(alice, reply)
	fwd := groupMessage(groupID, carolTGID, 3, "forwarded text")
	fwd.Message.FwdFrom = &ForwardHeader{FromName: "Dave"}
	env.push(alice, fwd)

	msgs := env.mx.messagesIn(portal.MXID)
	require.Len(t, msgs, 3)
	assert.Equal(t, original.EventID, msgs[1].Message().RelatesTo.GetReplyTo())
	assert.Equal(t, "Forwarded from Dave:\nforwarded text", msgs[2].Message().Body)
	assert.Contains(t, msgs[2].Message().FormattedBody, "<blockquote>")
}

func TestBasicGroupSeenByTwoAccounts(t *testing.T) {
	env := newTestEnv(t)
	alice, aliceClient := env.login(aliceMXID)
	bob, bobClient := env.login(bobMXID)
	portal := env.setupGroup(alice, aliceClient)
	bobClient.addChat(groupID, &ChatInfo{Title: "Test group", Members: []int64{aliceTGID, bobTGID, carolTGID}})

	date := time.Unix(1700001000, 0)
	viaAlice := groupMessage(groupID, carolTGID, 50, "shared")
	viaAlice.Message.Date = date
	viaBob := groupMessage(groupID, carolTGID, 70, "shared")
	viaBob.Message.Date = date
	env.push(alice, viaAlice)
	env.push(bob, viaBob)

	msgs := env.mx.messagesIn(portal.MXID)
	require.Len(t, msgs, 2, "the second copy should be linked instead of sent")
	rows, err := env.br.Registry.GetMessagesByMXID(env.ctx, portal.MXID, msgs[1].EventID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Contains(t, env.mx.invitesTo(portal.MXID), bobMXID)

	// Deletes without a chat are resolved through the receiver's message space.
	env.push(alice, &TelegramDelete{MessageIDs: []int{50}})
	assert.Empty(t, env.mx.redactedEvents(), "bob's account still sees the message")
	env.push(bob, &TelegramDelete{MessageIDs: []int{70}})
	redacted := env.mx.redactedEvents()
	require.Len(t, redacted, 1)
	assert.Equal(t, msgs[1].EventID, redacted[0].EventID)
	assert.Equal(t, env.mx.bot, redacted[0].Sender)
}

func TestDeleteIDsAreScopedToReceiver(t *testing.T) {
	env := newTestEnv(t)
	alice, aliceClient := env.login(aliceMXID)
	bob, _ := env.login(bobMXID)
	portal := env.setupGroup(alice, aliceClient)

	// Message 1 only exists in alice's space, so bob deleting "his" message 1
	// must not touch it.
	env.push(bob, &TelegramDelete{MessageIDs: []int{1}})
	assert.Empty(t, env.mx.redactedEvents())
	env.push(alice, &TelegramDelete{MessageIDs: []int{1, 999}})
	require.Len(t, env.mx.redactedEvents(), 1)
	assert.Equal(t, env.mx.messagesIn(portal.MXID)[0].EventID, env.mx.redactedEvents()[0].EventID)
}

func TestChannelDelete(t *testing.T) {
	env := newTestEnv(t)
	alice, client := env.login(aliceMXID)
	const channelID = int64(777)
	client.addChat(channelID, &ChatInfo{Title: "News", IsBroadcast: true})
	channel := ChatRef{ID: channelID, Type: ids.ChatTypeChannel}
	env.push(alice, &TelegramNewMessage{
		TelegramUpdateBase: TelegramUpdateBase{Chat: channel},
		Message:            &TelegramMessage{ID: 9, Date: time.Unix(1700000000, 0), Text: "post"},
	})
	portal := env.portal(ids.MakePortalKey(ids.ChatTypeChannel, channelID, 0))
	msgs := env.mx.messagesIn(portal.MXID)
	require.Len(t, msgs, 1)
	assert.Equal(t, env.br.Ghosts.Format(ids.MakeChannelPuppetID(channelID)), msgs[0].Sender)

	env.push(alice, &TelegramDelete{TelegramUpdateBase: TelegramUpdateBase{Chat: channel}, MessageIDs: []int{9}})
	require.Len(t, env.mx.redactedEvents(), 1)
	assert.Equal(t, msgs[0].EventID, env.mx.redactedEvents()[0].EventID)
}

func TestTelegramMedia(t *testing.T) {
	env := newTestEnv(t)
	alice, client := env.login(aliceMXID)
	portal := env.setupGroup(alice, client)
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")
	client.addMedia("photo:1", png)

	photo := groupMessage(groupID, carolTGID, 2, "look")
	photo.Message.Media = &TelegramMedia{Kind: MediaPhoto, LocationID: "photo:1", Width: 1, Height: 1}
	env.push(alice, photo)
	again := groupMessage(groupID, carolTGID, 3, "")
	again.Message.Media = &TelegramMedia{Kind: MediaPhoto, LocationID: "photo:1"}
	env.push(alice, again)
	missing := groupMessage(groupID, carolTGID, 4, "broken")
	missing.Message.Media = &TelegramMedia{Kind: MediaDocument, LocationID: "document:404"}
	env.push(alice, missing)

	msgs := env.mx.messagesIn(portal.MXID)
	require.Len(t, msgs, 4)
	first := msgs[1].Message()
	assert.Equal(t, event.MsgImage, first.MsgType)
	assert.Equal(t, "look", first.Body)
	assert.NotEmpty(t, first.URL)
	assert.Equal(t, "image/png", first.Info.MimeType)
	assert.Equal(t, first.URL, msgs[2].Message().URL, "the second copy should come from the cache")
	assert.Equal(t, 1, env.mx.uploadCount())
	assert.Contains(t, msgs[3].Message().Body, "Failed to bridge media")
}

func TestTelegramLocation(t *testing.T) {
	env := newTestEnv(t)
	alice, client := env.login(aliceMXID)
	portal := env.setupGroup(alice, client)
	geo := groupMessage(groupID, carolTGID, 2, "")
	geo.Message.Media = &TelegramMedia{Kind: MediaGeo, Geo: mustGeo(t, "geo:52.5,-13.25")}
	env.push(alice, geo)

	content := env.mx.messagesIn(portal.MXID)[1].Message()
	assert.Equal(t, event.MsgLocation, content.MsgType)
	assert.Equal(t, "geo:52.500000,-13.250000", content.GeoURI)
	assert.True(t, strings.HasPrefix(content.Body, "Location: 52.5000° N, 13.2500° W"))
}

func TestMatrixMessageWithoutSession(t *testing.T) {
	env := newTestEnv(t)
	alice, client := env.login(aliceMXID)
	portal := env.setupGroup(alice, client)

	env.matrixEvent(textEvent(portal.MXID, carolMXID, "hi"))
	assert.Empty(t, client.sentMessages())
	notices := env.mx.noticesIn(portal.MXID)
	require.NotEmpty(t, notices)
	assert.Contains(t, notices[len(notices)-1], "not logged in")
}

func TestMatrixMessageTooLong(t *testing.T) {
	env := newTestEnv(t)
	alice, client := env.login(aliceMXID)
	portal := env.setupGroup(alice, client)

	env.matrixEvent(textEvent(portal.MXID, aliceMXID, strings.Repeat("a", maxMessageLength+1)))
	assert.Empty(t, client.sentMessages())
	notices := env.mx.noticesIn(portal.MXID)
	require.NotEmpty(t, notices)
	assert.Contains(t, notices[len(notices)-1], "message too long")

	env.matrixEvent(textEvent(portal.MXID, aliceMXID, strings.Repeat("a", maxMessageLength)))
	assert.Len(t, client.sentMessages(), 1)
}

func TestMatrixSendRetriesTransientErrors(t *testing.T) {
	env := newTestEnv(t)
	alice, client := env.login(aliceMXID)
	portal := env.setupGroup(alice, client)

	client.lock.Lock()
	client.failSends = 2
	client.lock.Unlock()
	env.matrixEvent(textEvent(portal.MXID, aliceMXID, "eventually"))
	sent := client.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "eventually", sent[0].Msg.Text)
}

func TestMatrixEmoteAndReply(t *testing.T) {
	env := newTestEnv(t)
	alice, client := env.login(aliceMXID)
	portal := env.setupGroup(alice, client)
	first := env.mx.messagesIn(portal.MXID)[0]

	emote := textEvent(portal.MXID, aliceMXID, "waves")
	content := emote.Content.Parsed.(*event.MessageEventContent)
	content.MsgType = event.MsgEmote
	content.RelatesTo = &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: first.EventID}}
	env.matrixEvent(emote)

	sent := client.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "/me waves", sent[0].Msg.Text)
	assert.Equal(t, 1, sent[0].Msg.ReplyTo)
	assert.Equal(t, ids.MakeRandomID(emote.ID), sent[0].Msg.RandomID)
}

func TestMatrixEditAndRedaction(t *testing.T) {
	env := newTestEnv(t)
	alice, client := env.login(aliceMXID)
	portal := env.setupGroup(alice, client)

	original := textEvent(portal.MXID, aliceMXID, "typo")
	env.matrixEvent(original)
	sent := client.sentMessages()
	require.Len(t, sent, 1)

	edit := textEvent(portal.MXID, aliceMXID, "* fixed")
	editContent := edit.Content.Parsed.(*event.MessageEventContent)
	editContent.NewContent = &event.MessageEventContent{MsgType: event.MsgText, Body: "fixed"}
	editContent.RelatesTo = (&event.RelatesTo{}).SetReplace(original.ID)
	env.matrixEvent(edit)
	edits := client.editedMessages()
	require.Len(t, edits, 1)
	assert.Equal(t, sent[0].ID, edits[0].MsgID)
	assert.Equal(t, "fixed", edits[0].Msg.Text)

	// The echo of the edit carries the new content and is dropped.
	echo := &TelegramEdit{
		TelegramUpdateBase: TelegramUpdateBase{Chat: groupChat()},
		Message:            &TelegramMessage{ID: sent[0].ID, SenderID: aliceTGID, EditDate: time.Now(), Text: "fixed"},
	}
	env.push(alice, echo)
	assert.Len(t, env.mx.messagesIn(portal.MXID), 1)

	env.matrixEvent(&event.Event{
		Type:    event.EventRedaction,
		RoomID:  portal.MXID,
		Sender:  aliceMXID,
		ID:      id.EventID("$redaction"),
		Redacts: original.ID,
		Content: event.Content{Parsed: &event.RedactionEventContent{}},
	})
	deletes := client.deletedMessages()
	require.Len(t, deletes, 1)
	assert.Equal(t, []int{sent[0].ID}, deletes[0])
	rows, err := env.br.Registry.GetMessagesByMXID(env.ctx, portal.MXID, original.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestMatrixEditOfOtherUsersMessage(t *testing.T) {
	env := newTestEnv(t)
	alice, client := env.login(aliceMXID)
	portal := env.setupGroup(alice, client)
	carolsMessage := env.mx.messagesIn(portal.MXID)[0]

	edit := textEvent(portal.MXID, aliceMXID, "* hijack")
	content := edit.Content.Parsed.(*event.MessageEventContent)
	content.NewContent = &event.MessageEventContent{MsgType: event.MsgText, Body: "hijack"}
	content.RelatesTo = (&event.RelatesTo{}).SetReplace(carolsMessage.EventID)
	env.matrixEvent(edit)
	assert.Empty(t, client.editedMessages())
}

func TestRelayEditOfOtherUsersMessage(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Bridge.Relaybot.Enabled = true
	})
	alice, client := env.login(aliceMXID)
	portal := env.setupGroup(alice, client)
	relayClient := env.tg.client(env.mx.bot.String())
	require.NoError(t, portal.SetRelay(env.ctx, true))

	carols := textEvent(portal.MXID, carolMXID, "hello")
	env.matrixEvent(carols)
	sent := relayClient.sentMessages()
	require.Len(t, sent, 1)
	row, err := env.br.Registry.GetMessageByTelegramID(env.ctx, groupKey, ids.MessageKey{Space: relayTGID, ID: sent[0].ID})
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, carolMXID, row.MXSender)

	editOf := func(sender id.UserID, body string) *event.Event {
		edit := textEvent(portal.MXID, sender, "* "+body)
		content := edit.Content.Parsed.(*event.MessageEventContent)
		content.NewContent = &event.MessageEventContent{MsgType: event.MsgText, Body: body}
		content.RelatesTo = (&event.RelatesTo{}).SetReplace(carols.ID)
		return edit
	}
	env.matrixEvent(editOf("@mallory:evil.example", "hijacked"))
	assert.Empty(t, relayClient.editedMessages())

	env.matrixEvent(editOf(carolMXID, "hello again"))
	edits := relayClient.editedMessages()
	require.Len(t, edits, 1)
	assert.Equal(t, sent[0].ID, edits[0].MsgID)
	assert.Contains(t, edits[0].Msg.Text, "hello again")
}

func TestRedactionOfUnknownEvent(t *testing.T) {
	env := newTestEnv(t)
	alice, client := env.login(aliceMXID)
	portal := env.setupGroup(alice, client)
	env.matrixEvent(&event.Event{
		Type:    event.EventRedaction,
		RoomID:  portal.MXID,
		Sender:  aliceMXID,
		ID:      "$redact-unknown",
		Redacts: "$never-bridged",
		Content: event.Content{Parsed: &event.RedactionEventContent{}},
	})
	assert.Empty(t, client.deletedMessages())
}

func TestRelayMode(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Bridge.Relaybot.Enabled = true
	})
	alice, client := env.login(aliceMXID)
	portal := env.setupGroup(alice, client)
	relay := env.br.Relay()
	require.NotNil(t, relay)
	require.True(t, relay.IsRelay())
	relayClient := env.tg.client(env.mx.bot.String())

	env.matrixEvent(textEvent(portal.MXID, carolMXID, "not yet"))
	assert.Empty(t, relayClient.sentMessages())

	require.NoError(t, portal.SetRelay(env.ctx, true))
	env.mx.lock.Lock()
	env.mx.displayNames[carolMXID] = "Carol <3"
	env.mx.lock.Unlock()
	env.matrixEvent(textEvent(portal.MXID, carolMXID, "hello"))
	sent := relayClient.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "Carol <3: hello", sent[0].Msg.Text)
	require.NotEmpty(t, sent[0].Msg.Entities)

	// Users with their own session never go through the relay.
	env.matrixEvent(textEvent(portal.MXID, aliceMXID, "direct"))
	assert.Len(t, relayClient.sentMessages(), 1)
	assert.Len(t, client.sentMessages(), 1)

	row, err := env.br.Registry.GetMessageByTelegramID(env.ctx, groupKey, ids.MessageKey{Space: relayTGID, ID: sent[0].ID})
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, relayTGID, row.Sender)
}

func TestSetRelayRejectsPrivateChats(t *testing.T) {
	env := newTestEnv(t)
	portal, err := env.br.GetOrCreatePortal(env.ctx, ids.MakePortalKey(ids.ChatTypePrivate, bobTGID, aliceTGID))
	require.NoError(t, err)
	assert.Error(t, portal.SetRelay(env.ctx, true))
	assert.NoError(t, portal.SetRelay(env.ctx, false))
}

func TestPrivateChatPortalsArePerAccount(t *testing.T) {
	env := newTestEnv(t)
	alice, aliceClient := env.login(aliceMXID)
	bob, bobClient := env.login(bobMXID)
	aliceClient.addUser(&UserInfo{ID: carolTGID, FirstName: "Carol"})
	bobClient.addUser(&UserInfo{ID: carolTGID, FirstName: "Carol"})

	dm := func(msgID int) *TelegramNewMessage {
		return &TelegramNewMessage{
			TelegramUpdateBase: TelegramUpdateBase{Chat: ChatRef{ID: carolTGID, Type: ids.ChatTypePrivate}},
			Message:            &TelegramMessage{ID: msgID, SenderID: carolTGID, Date: time.Unix(1700000000, 0), Text: "psst"},
		}
	}
	env.push(alice, dm(5))
	env.push(bob, dm(5))

	alicePortal := env.portal(ids.MakePortalKey(ids.ChatTypePrivate, carolTGID, aliceTGID))
	bobPortal := env.portal(ids.MakePortalKey(ids.ChatTypePrivate, carolTGID, bobTGID))
	require.NotEqual(t, alicePortal.MXID, bobPortal.MXID)
	rooms := env.mx.roomRequests()
	require.Len(t, rooms, 2)
	for _, req := range rooms {
		assert.True(t, req.IsDirect)
		assert.Empty(t, req.Name)
	}
	assert.Len(t, env.mx.messagesIn(alicePortal.MXID), 1)
	assert.Len(t, env.mx.messagesIn(bobPortal.MXID), 1)
}

func TestChatGoneAndRevive(t *testing.T) {
	env := newTestEnv(t)
	alice, client := env.login(aliceMXID)
	portal := env.setupGroup(alice, client)

	env.push(alice, &TelegramChatMeta{TelegramUpdateBase: TelegramUpdateBase{Chat: groupChat()}, Deleted: true})
	assert.True(t, portal.ChatGone)
	assert.True(t, portal.Defunct, "no real user is joined to the room")
	notices := env.mx.noticesIn(portal.MXID)
	require.NotEmpty(t, notices)
	assert.Contains(t, notices[len(notices)-1], "deleted on Telegram")

	env.matrixEvent(textEvent(portal.MXID, aliceMXID, "anyone?"))
	assert.Empty(t, client.sentMessages())
	notices = env.mx.noticesIn(portal.MXID)
	assert.Contains(t, notices[len(notices)-1], "no longer exists")

	env.push(alice, groupMessage(groupID, carolTGID, 2, "we're back"))
	assert.False(t, portal.ChatGone)
	assert.False(t, portal.Defunct)
	assert.Len(t, env.mx.messagesIn(portal.MXID), 2)
	users, err := env.br.Registry.GetPortalUsers(env.ctx, groupKey)
	require.NoError(t, err)
	assert.Contains(t, users, aliceMXID)
}

func TestChatGoneWithRealUserInRoom(t *testing.T) {
	env := newTestEnv(t)
	alice, client := env.login(aliceMXID)
	portal := env.setupGroup(alice, client)
	require.NoError(t, env.mx.EnsureJoined(env.ctx, portal.MXID, aliceMXID))

	env.push(alice, &TelegramChatMeta{TelegramUpdateBase: TelegramUpdateBase{Chat: groupChat()}, Deleted: true})
	assert.True(t, portal.ChatGone)
	assert.False(t, portal.Defunct)

	require.NoError(t, env.mx.Leave(env.ctx, portal.MXID, aliceMXID))
	env.matrixEvent(&event.Event{
		Type:     event.StateMember,
		RoomID:   portal.MXID,
		Sender:   aliceMXID,
		ID:       "$alice-leave",
		StateKey: ptr(aliceMXID.String()),
		Content:  event.Content{Parsed: &event.MemberEventContent{Membership: event.MembershipLeave}},
	})
	assert.True(t, portal.Defunct)
}

func TestChatGoneForOneOfTwoAccounts(t *testing.T) {
	env := newTestEnv(t)
	alice, aliceClient := env.login(aliceMXID)
	bob, bobClient := env.login(bobMXID)
	portal := env.setupGroup(alice, aliceClient)
	bobClient.addChat(groupID, &ChatInfo{Title: "Test group"})
	env.push(bob, groupMessage(groupID, carolTGID, 1, "first"))

	env.push(alice, &TelegramChatMeta{TelegramUpdateBase: TelegramUpdateBase{Chat: groupChat()}, Deleted: true})
	assert.False(t, portal.ChatGone, "bob can still reach the chat")
	users, err := env.br.Registry.GetPortalUsers(env.ctx, groupKey)
	require.NoError(t, err)
	assert.Equal(t, []id.UserID{bobMXID}, users)
}

func TestChatMetaUpdates(t *testing.T) {
	env := newTestEnv(t)
	alice, client := env.login(aliceMXID)
	portal := env.setupGroup(alice, client)
	dave := int64(444)
	client.addUser(&UserInfo{ID: dave, FirstName: "Dave"})

	title := "Renamed"
	env.push(alice, &TelegramChatMeta{
		TelegramUpdateBase: TelegramUpdateBase{Chat: groupChat()},
		Title:              &title,
		MembersAdded:       []int64{dave},
		MembersRemoved:     []int64{carolTGID},
	})
	assert.Equal(t, "Renamed", portal.Title)
	var names []string
	for _, evt := range env.mx.stateEvents() {
		if evt.Type == event.StateRoomName {
			names = append(names, evt.Content.(*event.RoomNameEventContent).Name)
		}
	}
	assert.Equal(t, []string{"Renamed"}, names)
	members := env.mx.joinedMembers(portal.MXID)
	assert.Contains(t, members, env.br.Ghosts.Format(dave))
	assert.NotContains(t, members, env.br.Ghosts.Format(carolTGID))

	// Once renamed on Matrix, the Telegram title no longer applies.
	env.matrixEvent(&event.Event{
		Type:     event.StateRoomName,
		RoomID:   portal.MXID,
		Sender:   aliceMXID,
		ID:       "$rename",
		StateKey: ptr(""),
		Content:  event.Content{Parsed: &event.RoomNameEventContent{Name: "Local name"}},
	})
	assert.True(t, portal.NameOverride)
	other := "Telegram name"
	env.push(alice, &TelegramChatMeta{TelegramUpdateBase: TelegramUpdateBase{Chat: groupChat()}, Title: &other})
	assert.Equal(t, "Renamed", portal.Title)
}

func TestSyncMetadataRemovesAbsentGhosts(t *testing.T) {
	env := newTestEnv(t)
	alice, client := env.login(aliceMXID)
	portal := env.setupGroup(alice, client)
	client.addChat(groupID, &ChatInfo{Title: "Test group", About: "New topic", Members: []int64{aliceTGID, carolTGID}})

	require.NoError(t, portal.SyncMetadata(env.ctx, alice))
	assert.Equal(t, "New topic", portal.Topic)
	members := env.mx.joinedMembers(portal.MXID)
	assert.NotContains(t, members, env.br.Ghosts.Format(bobTGID))
	assert.Contains(t, members, env.br.Ghosts.Format(carolTGID))
}

func TestTelegramTypingAndRead(t *testing.T) {
	env := newTestEnv(t)
	alice, client := env.login(aliceMXID)
	portal := env.setupGroup(alice, client)
	first := env.mx.messagesIn(portal.MXID)[0]
	carolGhost := env.br.Ghosts.Format(carolTGID)

	env.push(alice, &TelegramTyping{TelegramUpdateBase: TelegramUpdateBase{Chat: groupChat()}, UserID: carolTGID})
	env.push(alice, &TelegramTyping{TelegramUpdateBase: TelegramUpdateBase{Chat: groupChat()}, UserID: 9999})
	env.mx.lock.Lock()
	assert.Equal(t, typingTimeout, env.mx.typing[carolGhost])
	assert.NotContains(t, env.mx.typing, env.br.Ghosts.Format(9999))
	env.mx.lock.Unlock()

	env.push(alice, &TelegramRead{TelegramUpdateBase: TelegramUpdateBase{Chat: groupChat()}, ReaderID: carolTGID, MaxID: 10})
	env.mx.lock.Lock()
	receipts := env.mx.receipts
	env.mx.lock.Unlock()
	require.Len(t, receipts, 1)
	assert.Equal(t, receipt{RoomID: portal.MXID, UserID: carolGhost, EventID: first.EventID}, receipts[0])
}

func TestMatrixReceiptAndTyping(t *testing.T) {
	env := newTestEnv(t)
	alice, client := env.login(aliceMXID)
	portal := env.setupGroup(alice, client)
	first := env.mx.messagesIn(portal.MXID)[0]

	portal.QueueMatrixEvent(&MatrixReceipt{
		MatrixEventBase: MatrixEventBase{RoomID: portal.MXID, Sender: aliceMXID},
		Target:          first.EventID,
	})
	portal.QueueMatrixEvent(&MatrixTyping{MatrixEventBase: MatrixEventBase{RoomID: portal.MXID}, UserIDs: []id.UserID{aliceMXID}})
	portal.QueueMatrixEvent(&MatrixTyping{MatrixEventBase: MatrixEventBase{RoomID: portal.MXID}})
	env.flushAll()

	client.lock.Lock()
	defer client.lock.Unlock()
	assert.Equal(t, []int{1}, client.reads)
	assert.Equal(t, []bool{true, false}, client.typing)
}

func TestContentHash(t *testing.T) {
	assert.Equal(t, contentHash("hello", ""), contentHash("  hello\n", ""))
	assert.NotEqual(t, contentHash("hello", ""), contentHash("hello", MediaPhoto))
	assert.NotEqual(t, contentHash("hello", ""), contentHash("hello!", ""))
}

func TestSessionRow(t *testing.T) {
	portal := &Portal{Portal: &store.Portal{PortalKey: groupKey}}
	rows := []*store.Message{{Space: aliceTGID, TelegramID: 1}, {Space: bobTGID, TelegramID: 7}}
	assert.Equal(t, 7, portal.sessionRow(rows, bobTGID).TelegramID)
	assert.Nil(t, portal.sessionRow(rows, carolTGID))

	channel := &Portal{Portal: &store.Portal{PortalKey: ids.MakePortalKey(ids.ChatTypeChannel, 777, 0)}}
	assert.Equal(t, 3, channel.sessionRow([]*store.Message{{Space: 777, TelegramID: 3}}, aliceTGID).TelegramID)
}

func mustGeo(t *testing.T, uri string) *media.GeoURI {
	geo, err := media.ParseGeoURI(uri)
	require.NoError(t, err)
	return &geo
}

func ptr[T any](val T) *T {
	return &val
}

func TestConcurrentFirstContact(t *testing.T) {
	env := newTestEnv(t)
	alice, client := env.login(aliceMXID)
	client.addChat(groupID, &ChatInfo{Title: "Test group", Members: []int64{aliceTGID, carolTGID}})
	client.addUser(&UserInfo{ID: carolTGID, FirstName: "Carol"})

	var wg sync.WaitGroup
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			alice.handleUpdate(env.ctx, groupMessage(groupID, carolTGID, i, fmt.Sprintf("message %d", i)))
		}()
	}
	wg.Wait()
	env.flushAll()

	require.Len(t, env.mx.roomRequests(), 1)
	portal := env.portal(groupKey)
	assert.Len(t, env.mx.messagesIn(portal.MXID), 10)
}

func TestGetOrCreatePortalConcurrent(t *testing.T) {
	env := newTestEnv(t)
	portals := make([]*Portal, 20)
	var wg sync.WaitGroup
	for i := range portals {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := ids.MakePortalKey(ids.ChatTypeGroup, int64(100+i%2), 0)
			portal, err := env.br.GetOrCreatePortal(env.ctx, key)
			assert.NoError(t, err)
			portals[i] = portal
		}()
	}
	wg.Wait()
	for i, portal := range portals {
		require.NotNil(t, portal)
		assert.Same(t, portals[i%2], portal)
	}
	assert.NotSame(t, portals[0], portals[1])
	env.br.portalsLock.Lock()
	assert.Len(t, env.br.portals, 2)
	env.br.portalsLock.Unlock()
}

func TestTelegramMessageOrdering(t *testing.T) {
	env := newTestEnv(t)
	alice, client := env.login(aliceMXID)
	portal := env.setupGroup(alice, client)

	for i := 2; i <= 20; i++ {
		alice.handleUpdate(env.ctx, groupMessage(groupID, carolTGID, i, fmt.Sprintf("message %d", i)))
	}
	env.flushAll()
	msgs := env.mx.messagesIn(portal.MXID)
	require.Len(t, msgs, 20)
	for i, msg := range msgs[1:] {
		assert.Equal(t, fmt.Sprintf("message %d", i+2), msg.Message().Body)
	}
}

func TestMatrixEditBeforeSendCompletes(t *testing.T) {
	env := newTestEnv(t)
	alice, client := env.login(aliceMXID)
	portal := env.setupGroup(alice, client)

	original := textEvent(portal.MXID, aliceMXID, "typo")
	edit := textEvent(portal.MXID, aliceMXID, "* fixed")
	editContent := edit.Content.Parsed.(*event.MessageEventContent)
	editContent.NewContent = &event.MessageEventContent{MsgType: event.MsgText, Body: "fixed"}
	editContent.RelatesTo = (&event.RelatesTo{}).SetReplace(original.ID)

	// Both are routed before the portal has sent the original.
	env.br.Router.HandleMatrixEvent(env.ctx, original)
	env.br.Router.HandleMatrixEvent(env.ctx, edit)
	env.flushAll()

	sent := client.sentMessages()
	require.Len(t, sent, 1)
	edits := client.editedMessages()
	require.Len(t, edits, 1)
	assert.Equal(t, sent[0].ID, edits[0].MsgID)
	assert.Equal(t, "fixed", edits[0].Msg.Text)
}
