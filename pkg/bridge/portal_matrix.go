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

package bridge

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/tgbridge/pkg/ids"
	"go.mau.fi/tgbridge/pkg/matrixfmt"
	"go.mau.fi/tgbridge/pkg/media"
	"go.mau.fi/tgbridge/pkg/store"
	"go.mau.fi/tgbridge/pkg/telegramfmt"
)

const maxMessageLength = 4096

func (p *Portal) handleMatrixEvent(ctx context.Context, evt MatrixEvent) error {
	switch e := evt.(type) {
	case *MatrixMessage:
		return p.handleMatrixMessage(ctx, e)
	case *MatrixEdit:
		return p.handleMatrixEdit(ctx, e)
	case *MatrixRedaction:
		return p.handleMatrixRedaction(ctx, e)
	case *MatrixMembership:
		return p.handleMatrixMembership(ctx, e)
	case *MatrixRoomMeta:
		return p.handleMatrixRoomMeta(ctx, e)
	case *MatrixReceipt:
		return p.handleMatrixReceipt(ctx, e)
	case *MatrixTyping:
		return p.handleMatrixTyping(ctx, e)
	default:
		return fmt.Errorf("unknown matrix event type %T", evt)
	}
}

// resolveSender picks the session a Matrix user's message goes out through:
// their own if they're logged in, otherwise the relaybot if the portal
// allows it.
func (p *Portal) resolveSender(ctx context.Context, sender id.UserID) (user *User, client TelegramClient, relayed bool) {
	user, err := p.bridge.GetUser(ctx, sender, false)
	if err != nil {
		zerolog.Ctx(ctx).Err(err).Stringer("sender", sender).Msg("Failed to load sender")
	} else if p.isPuppetable(user) {
		return user, user.Client(), false
	}
	relay := p.bridge.Relay()
	if !p.RelayEnabled || relay == nil || relay.Client() == nil {
		return nil, nil, false
	} else if !p.bridge.Config.Bridge.Permission(sender).AtLeast(PermissionRelay) {
		return nil, nil, false
	}
	return relay, relay.Client(), true
}

// sessionRow picks the mapping row that belongs to the given account.
func (p *Portal) sessionRow(rows []*store.Message, telegramID int64) *store.Message {
	space := p.MessageSpace(telegramID)
	for _, row := range rows {
		if row.Space == space {
			return row
		}
	}
	return nil
}

func (p *Portal) handleMatrixMessage(ctx context.Context, evt *MatrixMessage) error {
	log := zerolog.Ctx(ctx).With().Stringer("event_id", evt.EventID).Logger()
	ctx = log.WithContext(ctx)
	if existing, err := p.bridge.Registry.GetMessageByMXID(ctx, p.MXID, evt.EventID); err != nil {
		return err
	} else if existing != nil {
		log.Debug().Msg("Ignoring already bridged event")
		return nil
	}
	if p.Defunct {
		p.bridge.sendBotNotice(ctx, p.MXID, "This chat no longer exists on Telegram, your message was not bridged.")
		return nil
	}
	user, client, relayed := p.resolveSender(ctx, evt.Sender)
	if client == nil {
		log.Debug().Stringer("sender", evt.Sender).Msg("Sender has no Telegram session")
		p.bridge.sendBotNotice(ctx, p.MXID, fmt.Sprintf("%s: your message was not bridged because you're not logged in to Telegram.", evt.Sender))
		return nil
	}
	out, err := p.convertMatrixMessage(ctx, user, client, evt.Sender, evt.EventID, evt.Type, evt.Content, relayed, true)
	if err != nil {
		var translationErr *TranslationError
		if errors.As(err, &translationErr) {
			p.bridge.sendBotNotice(ctx, p.MXID, fmt.Sprintf("Your message was not bridged: %v", err))
		}
		return err
	}
	sent, err := retryValue(ctx, p.bridge, "telegram_send", func(ctx context.Context) (*SentMessage, error) {
		return client.SendMessage(ctx, p.chatRef(), out)
	})
	if err != nil {
		return fmt.Errorf("failed to send message to Telegram: %w", err)
	}
	telegramID := user.TelegramID()
	remote := ids.MessageKey{Space: p.MessageSpace(telegramID), ID: sent.ID}
	_, _, err = p.bridge.Registry.MapMessage(ctx, p.PortalKey, remote, p.MXID, evt.EventID, telegramID, evt.Sender, outgoingHash(out), sent.Date)
	if err != nil {
		return err
	}
	log.Debug().Int("message_id", sent.ID).Bool("relayed", relayed).Msg("Bridged Matrix message")
	return nil
}

func outgoingKind(out *OutgoingMessage) MediaKind {
	switch {
	case out.Geo != nil:
		return MediaGeo
	case out.Media != nil:
		return out.Media.Kind
	default:
		return ""
	}
}

// outgoingHash matches the hash computed for the message's echo.
func outgoingHash(out *OutgoingMessage) []byte {
	return contentHash(out.Text, outgoingKind(out))
}

type relayTemplateData struct {
	DisplayName string
	MXID        id.UserID
	Localpart   string
}

// relayContent returns a copy of the content with the configured sender
// prefix in front of the text.
func (p *Portal) relayContent(ctx context.Context, sender id.UserID, content *event.MessageEventContent) (*event.MessageEventContent, error) {
	localpart, _, _ := sender.Parse()
	name, err := p.bridge.Matrix.GetDisplayName(ctx, sender)
	if err != nil || name == "" {
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Stringer("sender", sender).Msg("Failed to get displayname for relayed message")
		}
		name = localpart
	}
	var prefix strings.Builder
	err = p.bridge.Config.Bridge.Relaybot.messageTemplate.Execute(&prefix, relayTemplateData{
		DisplayName: html.EscapeString(name),
		MXID:        sender,
		Localpart:   html.EscapeString(localpart),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render relay prefix: %w", err)
	}
	out := *content
	body, formatted := content.Body, content.FormattedBody
	if content.MsgType.IsMedia() && (content.FileName == "" || content.FileName == content.Body) {
		out.FileName = content.Body
		body, formatted = "", ""
	} else if content.Format != event.FormatHTML || formatted == "" {
		formatted = event.TextToHTML(body)
	}
	out.Format = event.FormatHTML
	out.FormattedBody = prefix.String() + formatted
	out.Body = name + ": " + body
	return &out, nil
}

func (p *Portal) convertMatrixMessage(
	ctx context.Context,
	user *User,
	client TelegramTransport,
	sender id.UserID,
	eventID id.EventID,
	evtType event.Type,
	content *event.MessageEventContent,
	relayed bool,
	withMedia bool,
) (*OutgoingMessage, error) {
	out := &OutgoingMessage{RandomID: ids.MakeRandomID(eventID)}
	if content.MsgType == event.MsgLocation {
		geo, err := media.ParseGeoURI(content.GeoURI)
		if err != nil {
			return nil, newTranslationError(ErrUnsupportedContent, "%v", err)
		}
		out.Geo = &geo
		return out, nil
	}
	if relayed {
		var err error
		if content, err = p.relayContent(ctx, sender, content); err != nil {
			return nil, err
		}
	}
	if evtType != event.EventSticker {
		out.Text, out.Entities = matrixfmt.Parse(ctx, p.bridge.matrixParser, content)
	}
	if content.MsgType == event.MsgEmote && !relayed {
		out.Text = "/me " + out.Text
		shifted := make(telegramfmt.BodyRangeList, 0, len(out.Entities))
		for _, entity := range out.Entities {
			shifted = append(shifted, *entity.Offset(4))
		}
		out.Entities = shifted
	}
	if length := len(telegramfmt.NewUTF16String(out.Text)); length > maxMessageLength {
		return nil, newTranslationError(ErrMessageTooLong, "%d characters, the limit is %d", length, maxMessageLength)
	}
	if replyTo := content.RelatesTo.GetReplyTo(); replyTo != "" {
		rows, err := p.bridge.Registry.GetMessagesByMXID(ctx, p.MXID, replyTo)
		if err != nil {
			return nil, err
		} else if row := p.sessionRow(rows, user.TelegramID()); row != nil {
			out.ReplyTo = row.TelegramID
		}
	}
	if withMedia && (evtType == event.EventSticker || content.MsgType.IsMedia()) {
		var err error
		out.Media, err = p.uploadMatrixMedia(ctx, client, evtType, content)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func matrixMediaKind(evtType event.Type, content *event.MessageEventContent, mimeType string) MediaKind {
	if evtType == event.EventSticker {
		return MediaSticker
	}
	switch content.MsgType {
	case event.MsgImage:
		if mimeType == "image/gif" {
			return MediaDocument
		}
		return MediaPhoto
	case event.MsgVideo:
		return MediaVideo
	case event.MsgAudio:
		if content.MSC3245Voice != nil {
			return MediaVoice
		}
		return MediaAudio
	case event.MsgFile:
		return MediaDocument
	default:
		return ""
	}
}

func (p *Portal) uploadMatrixMedia(ctx context.Context, client TelegramTransport, evtType event.Type, content *event.MessageEventContent) (*OutgoingMedia, error) {
	if content.File != nil {
		return nil, newTranslationError(ErrUnsupportedContent, "encrypted media can't be bridged")
	} else if content.URL == "" {
		return nil, newTranslationError(ErrUnsupportedContent, "media message has no URL")
	}
	var info event.FileInfo
	if content.Info != nil {
		info = *content.Info
	}
	data, err := p.bridge.Media.FromMatrix(ctx, int64(info.Size), func(ctx context.Context) ([]byte, error) {
		return retryValue(ctx, p.bridge, "matrix_download", func(ctx context.Context) ([]byte, error) {
			return p.bridge.Matrix.DownloadMedia(ctx, content.URL)
		})
	})
	if errors.Is(err, media.ErrFileTooLarge) {
		return nil, newTranslationError(ErrMediaTooLarge, "%v", err)
	} else if err != nil {
		return nil, err
	}
	mimeType := media.DetectMIMEType(data, info.MimeType)
	fileName := content.FileName
	if fileName == "" {
		fileName = content.Body
	}
	fileName = media.FileName(fileName, "file", mimeType)
	// Uploading is retried on its own so a failed send doesn't upload again.
	ref, err := retryValue(ctx, p.bridge, "telegram_upload", func(ctx context.Context) (TelegramFileRef, error) {
		return client.UploadMedia(ctx, data, fileName, mimeType)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload media to Telegram: %w", err)
	}
	out := &OutgoingMedia{
		File:     ref,
		Kind:     matrixMediaKind(evtType, content, mimeType),
		FileName: fileName,
		MIMEType: mimeType,
		Width:    info.Width,
		Height:   info.Height,
		Duration: time.Duration(info.Duration) * time.Millisecond,
	}
	if content.MSC1767Audio != nil {
		if content.MSC1767Audio.Duration > 0 {
			out.Duration = time.Duration(content.MSC1767Audio.Duration) * time.Millisecond
		}
		if out.Kind == MediaVoice {
			out.Waveform = media.EncodeWaveform(content.MSC1767Audio.Waveform)
		}
	}
	return out, nil
}

func (p *Portal) handleMatrixEdit(ctx context.Context, evt *MatrixEdit) error {
	user, client, relayed := p.resolveSender(ctx, evt.Sender)
	if client == nil {
		zerolog.Ctx(ctx).Debug().Stringer("sender", evt.Sender).Msg("Ignoring edit from user without session")
		return nil
	}
	rows, err := p.bridge.Registry.GetMessagesByMXID(ctx, p.MXID, evt.Target)
	if err != nil {
		return err
	}
	row := p.sessionRow(rows, user.TelegramID())
	if row == nil {
		return fmt.Errorf("%w: edit target %s", ErrMappingNotFound, evt.Target)
	} else if row.Sender != user.TelegramID() {
		return newTranslationError(ErrUnsupportedContent, "message %s wasn't sent through your account", evt.Target)
	} else if (relayed || row.MXSender != "") && row.MXSender != evt.Sender {
		return fmt.Errorf("%w: edit target %s was sent by %s", ErrMappingNotFound, evt.Target, row.MXSender)
	}
	out, err := p.convertMatrixMessage(ctx, user, client, evt.Sender, evt.EventID, event.EventMessage, evt.NewContent, relayed, false)
	if err != nil {
		return err
	}
	err = p.bridge.Retry.Do(ctx, "telegram_edit", func(ctx context.Context) error {
		return client.EditMessage(ctx, p.chatRef(), row.TelegramID, out)
	})
	if err != nil {
		return fmt.Errorf("failed to edit message on Telegram: %w", err)
	}
	kind := outgoingKind(out)
	if kind == "" && evt.NewContent.MsgType.IsMedia() {
		var mimeType string
		if evt.NewContent.Info != nil {
			mimeType = evt.NewContent.Info.MimeType
		}
		kind = matrixMediaKind(event.EventMessage, evt.NewContent, mimeType)
	}
	// Telegram edit dates have second precision.
	return p.updateHashes(ctx, row, contentHash(out.Text, kind), evt.Timestamp.Truncate(time.Second))
}

func (p *Portal) handleMatrixRedaction(ctx context.Context, evt *MatrixRedaction) error {
	log := zerolog.Ctx(ctx).With().Stringer("target", evt.Target).Logger()
	rows, err := p.bridge.Registry.GetMessagesByMXID(ctx, p.MXID, evt.Target)
	if err != nil {
		return err
	} else if len(rows) == 0 {
		log.Debug().Msg("Ignoring redaction of unknown event")
		return nil
	}
	user, client, _ := p.resolveSender(ctx, evt.Sender)
	if client == nil {
		log.Debug().Msg("Ignoring redaction from user without session")
		return nil
	}
	row := p.sessionRow(rows, user.TelegramID())
	if row == nil {
		log.Debug().Msg("Redacted event isn't visible to the sender's account")
		return nil
	}
	err = p.bridge.Retry.Do(ctx, "telegram_delete", func(ctx context.Context) error {
		return client.DeleteMessages(ctx, p.chatRef(), []int{row.TelegramID})
	})
	if err != nil {
		return fmt.Errorf("failed to delete message on Telegram: %w", err)
	}
	var errs error
	for _, row := range rows {
		errs = multierr.Append(errs, p.bridge.Registry.DeleteMessage(ctx, row))
	}
	return errs
}

func isLeave(membership event.Membership) bool {
	return membership == event.MembershipLeave || membership == event.MembershipBan
}

func (p *Portal) handleMatrixMembership(ctx context.Context, evt *MatrixMembership) error {
	if puppetID, ok := p.bridge.Ghosts.Parse(evt.Target); ok {
		if isLeave(evt.Membership) {
			return p.bridge.Registry.RemovePortalPuppet(ctx, p.PortalKey, puppetID)
		}
		return nil
	} else if evt.Target == p.bridge.BotMXID() {
		if isLeave(evt.Membership) {
			zerolog.Ctx(ctx).Warn().Stringer("sender", evt.Sender).Msg("Bridge bot was removed from portal room")
		}
		return nil
	}
	switch {
	case evt.Membership == event.MembershipJoin:
		user, err := p.bridge.GetUser(ctx, evt.Target, false)
		if err != nil || !p.isPuppetable(user) {
			return err
		}
		_, err = p.bridge.Registry.AddUserPortal(ctx, user.MXID, p.PortalKey)
		return err
	case isLeave(evt.Membership):
		if err := p.bridge.Registry.RemoveUserPortal(ctx, evt.Target, p.PortalKey); err != nil {
			return err
		}
		return p.checkDefunct(ctx)
	}
	return nil
}

func (p *Portal) handleMatrixRoomMeta(ctx context.Context, evt *MatrixRoomMeta) error {
	if p.bridge.isBridgeUser(evt.Sender) {
		return nil
	}
	switch evt.Type {
	case event.StateRoomName:
		p.NameOverride = true
	case event.StateRoomAvatar:
		p.AvatarOverride = true
	default:
		zerolog.Ctx(ctx).Debug().Str("event_type", evt.Type.Type).Msg("Ignoring room metadata change")
		return nil
	}
	zerolog.Ctx(ctx).Debug().
		Str("event_type", evt.Type.Type).
		Stringer("sender", evt.Sender).
		Msg("Room metadata changed on Matrix, keeping local value")
	return p.bridge.Registry.UpdatePortal(ctx, p.Portal)
}

func (p *Portal) handleMatrixReceipt(ctx context.Context, evt *MatrixReceipt) error {
	if p.bridge.isBridgeUser(evt.Sender) {
		return nil
	}
	user, err := p.bridge.GetUser(ctx, evt.Sender, false)
	if err != nil || !p.isPuppetable(user) {
		return err
	}
	rows, err := p.bridge.Registry.GetMessagesByMXID(ctx, p.MXID, evt.Target)
	if err != nil {
		return err
	}
	row := p.sessionRow(rows, user.TelegramID())
	if row == nil {
		return nil
	}
	client := user.Client()
	return p.bridge.Retry.Do(ctx, "telegram_mark_read", func(ctx context.Context) error {
		return client.MarkRead(ctx, p.chatRef(), row.TelegramID)
	})
}

func (p *Portal) handleMatrixTyping(ctx context.Context, evt *MatrixTyping) error {
	current := make(map[id.UserID]struct{}, len(evt.UserIDs))
	for _, userID := range evt.UserIDs {
		if !p.bridge.isBridgeUser(userID) {
			current[userID] = struct{}{}
		}
	}
	var errs error
	setTyping := func(userID id.UserID, typing bool) {
		user, err := p.bridge.GetUser(ctx, userID, false)
		if err != nil || !p.isPuppetable(user) {
			errs = multierr.Append(errs, err)
			return
		}
		errs = multierr.Append(errs, user.Client().SetTyping(ctx, p.chatRef(), typing))
	}
	for userID := range current {
		if _, ok := p.typing[userID]; !ok {
			setTyping(userID, true)
		}
	}
	for userID := range p.typing {
		if _, ok := current[userID]; !ok {
			setTyping(userID, false)
		}
	}
	p.typing = current
	return errs
}
