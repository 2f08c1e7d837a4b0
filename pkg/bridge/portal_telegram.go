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
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"math"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/tgbridge/pkg/ids"
	"go.mau.fi/tgbridge/pkg/media"
	"go.mau.fi/tgbridge/pkg/store"
	"go.mau.fi/tgbridge/pkg/telegramfmt"
)

const typingTimeout = 6 * time.Second

func (p *Portal) chatRef() ChatRef {
	return ChatRef{ID: p.ChatID, Type: p.ChatType}
}

func (p *Portal) handleTelegramUpdate(ctx context.Context, source *User, update TelegramUpdate) error {
	switch upd := update.(type) {
	case *TelegramNewMessage:
		return p.handleTelegramMessage(ctx, source, upd)
	case *TelegramEdit:
		return p.handleTelegramEdit(ctx, source, upd)
	case *TelegramDelete:
		return p.handleTelegramDelete(ctx, upd)
	case *TelegramTyping:
		return p.handleTelegramTyping(ctx, upd)
	case *TelegramRead:
		return p.handleTelegramRead(ctx, upd)
	case *TelegramChatMeta:
		return p.handleTelegramChatMeta(ctx, source, upd)
	default:
		return fmt.Errorf("unknown telegram update type %T", update)
	}
}

func mediaKindOf(msg *TelegramMessage) MediaKind {
	if msg.Media == nil {
		return ""
	}
	return msg.Media.Kind
}

func senderPuppetID(portal ids.PortalKey, msg *TelegramMessage) int64 {
	if msg.SenderID == 0 {
		return ids.MakeChannelPuppetID(portal.ChatID)
	}
	return msg.SenderID
}

// trackUser records that the session's owner participates in this chat and
// invites them to the room the first time.
func (p *Portal) trackUser(ctx context.Context, source *User) error {
	if source == nil || source.IsRelay() {
		return nil
	}
	added, err := p.bridge.Registry.AddUserPortal(ctx, source.MXID, p.PortalKey)
	if err != nil {
		return fmt.Errorf("failed to save portal membership: %w", err)
	} else if added && p.MXID != "" {
		return p.bridge.Retry.Do(ctx, "matrix_invite", func(ctx context.Context) error {
			return p.bridge.Matrix.Invite(ctx, p.MXID, source.MXID)
		})
	}
	return nil
}

func (p *Portal) handleTelegramMessage(ctx context.Context, source *User, upd *TelegramNewMessage) error {
	msg := upd.Message
	log := zerolog.Ctx(ctx).With().Int("message_id", msg.ID).Logger()
	ctx = log.WithContext(ctx)
	if err := p.revive(ctx); err != nil {
		return err
	}
	if p.MXID == "" {
		if err := p.createMatrixRoom(ctx, source); err != nil {
			return fmt.Errorf("failed to create room: %w", err)
		}
	} else if err := p.trackUser(ctx, source); err != nil {
		log.Warn().Err(err).Msg("Failed to track portal user")
	}

	remote := ids.MessageKey{Space: upd.MessageSpace(), ID: msg.ID}
	hash := contentHash(msg.Text, mediaKindOf(msg))
	existing, err := p.bridge.Registry.GetMessageByTelegramID(ctx, p.PortalKey, remote)
	if err != nil {
		return err
	} else if existing != nil {
		if bytes.Equal(existing.ContentHash, hash) {
			log.Debug().Msg("Ignoring already bridged message")
			return nil
		} else if staleEdit(existing, msg) {
			log.Debug().Msg("Ignoring redelivered message older than the last applied edit")
			return nil
		}
		log.Debug().Msg("Already bridged message has different content, treating as edit")
		return p.applyTelegramEdit(ctx, source, upd.MessageSpace(), msg, existing, hash)
	}

	senderID := senderPuppetID(p.PortalKey, msg)
	if p.ChatType == ids.ChatTypeGroup {
		dup, err := p.bridge.Registry.FindDuplicateMessage(ctx, p.PortalKey, senderID, msg.Date, hash)
		if err != nil {
			return err
		} else if dup != nil {
			log.Debug().Stringer("event_id", dup.MXID).Msg("Linking message already bridged through another account")
			_, _, err = p.bridge.Registry.MapMessage(ctx, p.PortalKey, remote, dup.RoomID, dup.MXID, senderID, "", hash, msg.Date)
			return err
		}
	}

	sender, err := p.bridge.GetPuppet(ctx, senderID)
	if err != nil {
		return err
	}
	if err = sender.Sync(ctx, source.Client(), false); err != nil {
		log.Warn().Err(err).Int64("sender_id", senderID).Msg("Failed to sync sender profile")
	}
	if err = sender.EnsureJoined(ctx, p); err != nil {
		return err
	}
	evtType, content := p.convertTelegramMessage(ctx, source, sender, upd.MessageSpace(), msg)
	txnID := ids.MakeTxnID(p.PortalKey.String(), remote.String())
	eventID, err := retryValue(ctx, p.bridge, "matrix_send", func(ctx context.Context) (id.EventID, error) {
		return p.bridge.Matrix.SendEvent(ctx, p.MXID, sender.MXID, evtType, content, txnID, msg.Date)
	})
	if err != nil {
		return fmt.Errorf("failed to send message to Matrix: %w", err)
	}
	_, _, err = p.bridge.Registry.MapMessage(ctx, p.PortalKey, remote, p.MXID, eventID, senderID, "", hash, msg.Date)
	if err != nil {
		return err
	}
	log.Debug().Stringer("event_id", eventID).Msg("Bridged Telegram message")
	return nil
}

func (p *Portal) handleTelegramEdit(ctx context.Context, source *User, upd *TelegramEdit) error {
	if p.MXID == "" {
		return fmt.Errorf("%w: portal has no room", ErrMappingNotFound)
	}
	msg := upd.Message
	remote := ids.MessageKey{Space: upd.MessageSpace(), ID: msg.ID}
	existing, err := p.bridge.Registry.GetMessageByTelegramID(ctx, p.PortalKey, remote)
	if err != nil {
		return err
	} else if existing == nil {
		return fmt.Errorf("%w: edit of %s", ErrMappingNotFound, remote)
	}
	return p.applyTelegramEdit(ctx, source, upd.MessageSpace(), msg, existing, contentHash(msg.Text, mediaKindOf(msg)))
}

func (p *Portal) applyTelegramEdit(ctx context.Context, source *User, space int64, msg *TelegramMessage, existing *store.Message, hash []byte) error {
	log := zerolog.Ctx(ctx)
	if bytes.Equal(existing.ContentHash, hash) {
		log.Debug().Int("message_id", msg.ID).Msg("Ignoring edit with unchanged content")
		return nil
	} else if staleEdit(existing, msg) {
		log.Debug().Int("message_id", msg.ID).Time("edit_date", msg.EditDate).Msg("Ignoring edit older than the last applied one")
		return nil
	}
	sender, err := p.bridge.GetPuppet(ctx, senderPuppetID(p.PortalKey, msg))
	if err != nil {
		return err
	} else if err = sender.EnsureJoined(ctx, p); err != nil {
		return err
	}
	evtType, content := p.convertTelegramMessage(ctx, source, sender, space, msg)
	content.RelatesTo = nil
	content.SetEdit(existing.MXID)
	txnID := ids.MakeTxnID(p.PortalKey.String(), existing.Key().String(), "edit", msg.EditDate.Unix(), hash)
	_, err = retryValue(ctx, p.bridge, "matrix_send_edit", func(ctx context.Context) (id.EventID, error) {
		return p.bridge.Matrix.SendEvent(ctx, p.MXID, sender.MXID, evtType, content, txnID, msg.EditDate)
	})
	if err != nil {
		return fmt.Errorf("failed to send edit to Matrix: %w", err)
	}
	return p.updateHashes(ctx, existing, hash, msg.EditDate)
}

// staleEdit reports whether msg predates the last edit applied to the row.
func staleEdit(existing *store.Message, msg *TelegramMessage) bool {
	if existing.EditTimestamp.IsZero() {
		return false
	}
	return msg.EditDate.IsZero() || msg.EditDate.Before(existing.EditTimestamp)
}

// updateHashes stores the new content hash and edit date on every row
// pointing at the same Matrix event.
func (p *Portal) updateHashes(ctx context.Context, msg *store.Message, hash []byte, editTS time.Time) error {
	rows, err := p.bridge.Registry.GetMessagesByMXID(ctx, msg.RoomID, msg.MXID)
	if err != nil {
		return err
	}
	var errs error
	for _, row := range rows {
		errs = multierr.Append(errs, p.bridge.Registry.UpdateMessageContent(ctx, row, hash, editTS))
	}
	return errs
}

func (p *Portal) handleTelegramDelete(ctx context.Context, upd *TelegramDelete) error {
	space := upd.MessageSpace()
	var errs error
	for _, msgID := range upd.MessageIDs {
		row, err := p.bridge.Registry.GetMessageByTelegramID(ctx, p.PortalKey, ids.MessageKey{Space: space, ID: msgID})
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		} else if row == nil {
			zerolog.Ctx(ctx).Debug().Int("message_id", msgID).Msg("Ignoring delete of unknown message")
			continue
		}
		errs = multierr.Append(errs, p.deleteMapping(ctx, row))
	}
	return errs
}

// deleteMapping removes one mapping row and redacts the Matrix event once no
// account still sees the message.
func (p *Portal) deleteMapping(ctx context.Context, row *store.Message) error {
	if err := p.bridge.Registry.DeleteMessage(ctx, row); err != nil {
		return err
	}
	remaining, err := p.bridge.Registry.GetMessagesByMXID(ctx, row.RoomID, row.MXID)
	if err != nil {
		return err
	} else if len(remaining) > 0 {
		return nil
	}
	return p.bridge.Retry.Do(ctx, "matrix_redact", func(ctx context.Context) error {
		return p.bridge.Matrix.Redact(ctx, row.RoomID, p.bridge.BotMXID(), row.MXID)
	})
}

func (p *Portal) hasPuppet(ctx context.Context, puppetID int64) (bool, error) {
	members, err := p.bridge.Registry.GetPortalPuppets(ctx, p.PortalKey)
	if err != nil {
		return false, err
	}
	return slices.Contains(members, puppetID), nil
}

func (p *Portal) handleTelegramTyping(ctx context.Context, upd *TelegramTyping) error {
	if p.MXID == "" || upd.UserID == upd.Receiver {
		return nil
	}
	if member, err := p.hasPuppet(ctx, upd.UserID); err != nil || !member {
		return err
	}
	return p.bridge.Matrix.SetTyping(ctx, p.MXID, p.bridge.Ghosts.Format(upd.UserID), typingTimeout)
}

func (p *Portal) handleTelegramRead(ctx context.Context, upd *TelegramRead) error {
	if p.MXID == "" || upd.ReaderID == upd.Receiver {
		return nil
	}
	if member, err := p.hasPuppet(ctx, upd.ReaderID); err != nil || !member {
		return err
	}
	msg, err := p.bridge.Registry.GetLastMessageBefore(ctx, p.PortalKey, upd.MessageSpace(), upd.MaxID)
	if err != nil || msg == nil {
		return err
	}
	return p.bridge.Retry.Do(ctx, "matrix_mark_read", func(ctx context.Context) error {
		return p.bridge.Matrix.MarkRead(ctx, p.MXID, p.bridge.Ghosts.Format(upd.ReaderID), msg.MXID)
	})
}

func (p *Portal) handleTelegramChatMeta(ctx context.Context, source *User, upd *TelegramChatMeta) error {
	if upd.Deleted {
		return p.handleChatGone(ctx, source)
	}
	if err := p.revive(ctx); err != nil {
		return err
	}
	if p.MXID == "" {
		return p.createMatrixRoom(ctx, source)
	}
	var errs error
	if upd.Title != nil {
		errs = multierr.Append(errs, p.setName(ctx, *upd.Title))
	}
	client := source.Client()
	for _, memberID := range upd.MembersAdded {
		if memberID == upd.Receiver {
			errs = multierr.Append(errs, p.trackUser(ctx, source))
			continue
		}
		puppet, err := p.bridge.GetPuppet(ctx, memberID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if err = puppet.Sync(ctx, client, false); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Int64("puppet_id", memberID).Msg("Failed to sync new member")
		}
		errs = multierr.Append(errs, puppet.EnsureJoined(ctx, p))
	}
	for _, memberID := range upd.MembersRemoved {
		if memberID == upd.Receiver {
			errs = multierr.Append(errs, p.handleChatGone(ctx, source))
			continue
		}
		puppet, err := p.bridge.GetPuppet(ctx, memberID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		errs = multierr.Append(errs, puppet.Leave(ctx, p))
	}
	if upd.AvatarChanged {
		errs = multierr.Append(errs, p.syncMetadata(ctx, source))
	}
	return errs
}

// handleChatGone is called when the source account lost access to the chat.
// The portal is only flagged once no session can reach the chat anymore.
func (p *Portal) handleChatGone(ctx context.Context, source *User) error {
	log := zerolog.Ctx(ctx)
	if source.IsRelay() {
		if p.RelayEnabled {
			log.Info().Msg("Relaybot lost access to chat, disabling relay mode")
			p.RelayEnabled = false
		}
	} else if err := p.bridge.Registry.RemoveUserPortal(ctx, source.MXID, p.PortalKey); err != nil {
		return err
	}
	if user, _ := p.anySession(ctx, nil); user != nil {
		return p.bridge.Registry.UpdatePortal(ctx, p.Portal)
	}
	log.Info().Msg("Telegram chat is gone")
	p.ChatGone = true
	if err := p.bridge.Registry.UpdatePortal(ctx, p.Portal); err != nil {
		return err
	}
	p.bridge.sendBotNotice(ctx, p.MXID, "This chat was deleted on Telegram or the bridge no longer has access to it.")
	return p.checkDefunct(ctx)
}

func (p *Portal) setName(ctx context.Context, name string) error {
	if p.NameOverride || (p.Title == name && p.NameSet) {
		return nil
	}
	p.Title = name
	_, err := retryValue(ctx, p.bridge, "matrix_set_name", func(ctx context.Context) (id.EventID, error) {
		return p.bridge.Matrix.SetState(ctx, p.MXID, p.bridge.BotMXID(), event.StateRoomName, "", &event.RoomNameEventContent{Name: name})
	})
	p.NameSet = err == nil
	return multierr.Append(err, p.bridge.Registry.UpdatePortal(ctx, p.Portal))
}

func (p *Portal) formatParams(source *User) telegramfmt.FormatParams {
	return telegramfmt.FormatParams{
		GetUserInfoByID: func(ctx context.Context, userID int64) (telegramfmt.UserInfo, error) {
			puppet, err := p.bridge.GetPuppet(ctx, userID)
			if err != nil {
				return telegramfmt.UserInfo{}, err
			}
			_ = puppet.Sync(ctx, source.Client(), false)
			info := telegramfmt.UserInfo{MXID: puppet.MXID, Name: puppet.DisplayName()}
			if user, err := p.bridge.GetUserByTelegramID(ctx, userID); err == nil && user != nil {
				info.MXID = user.MXID
			}
			return info, nil
		},
		GetUserInfoByUsername: func(ctx context.Context, username string) (telegramfmt.UserInfo, error) {
			record, err := p.bridge.Registry.GetPuppetByUsername(ctx, username)
			if err != nil {
				return telegramfmt.UserInfo{}, err
			} else if record == nil {
				return telegramfmt.UserInfo{}, fmt.Errorf("no known user with username %s", username)
			}
			info := telegramfmt.UserInfo{MXID: p.bridge.Ghosts.Format(record.ID), Name: record.DisplayName}
			if user, err := p.bridge.GetUserByTelegramID(ctx, record.ID); err == nil && user != nil {
				info.MXID = user.MXID
			}
			return info, nil
		},
	}
}

// convertTelegramMessage builds the Matrix event for a Telegram message.
// Media that fails to transfer is replaced by an inline notice.
func (p *Portal) convertTelegramMessage(ctx context.Context, source *User, sender *Puppet, space int64, msg *TelegramMessage) (event.Type, *event.MessageEventContent) {
	log := zerolog.Ctx(ctx)
	content := telegramfmt.Parse(ctx, msg.Text, msg.Entities, p.formatParams(source))
	if msg.FwdFrom != nil {
		p.addForwardHeader(ctx, content, msg.FwdFrom)
	}
	evtType := event.EventMessage
	if msg.Media != nil {
		var err error
		evtType, content, err = p.convertTelegramMedia(ctx, source, sender, msg.Media, content)
		if err != nil {
			log.Err(err).Str("media_kind", string(msg.Media.Kind)).Msg("Failed to bridge media")
			notice := "Failed to bridge media"
			if errors.Is(err, media.ErrFileTooLarge) {
				notice = "Failed to bridge media: file is too large"
			}
			content = appendNotice(content, notice)
		}
	}
	if msg.ReplyTo != 0 {
		target, err := p.bridge.Registry.GetMessageByTelegramID(ctx, p.PortalKey, ids.MessageKey{Space: space, ID: msg.ReplyTo})
		if err != nil {
			log.Warn().Err(err).Int("reply_to", msg.ReplyTo).Msg("Failed to look up reply target")
		} else if target != nil {
			content.RelatesTo = &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: target.MXID}}
		}
	}
	return evtType, content
}

func appendNotice(content *event.MessageEventContent, notice string) *event.MessageEventContent {
	if content.Body == "" {
		return &event.MessageEventContent{MsgType: event.MsgNotice, Body: notice}
	}
	content.Body += "\n\n" + notice
	if content.Format == event.FormatHTML {
		content.FormattedBody += "<br><br><em>" + html.EscapeString(notice) + "</em>"
	}
	return content
}

func (p *Portal) addForwardHeader(ctx context.Context, content *event.MessageEventContent, fwd *ForwardHeader) {
	name := fwd.FromName
	var link string
	if fwd.FromID != 0 {
		if puppet, err := p.bridge.GetPuppet(ctx, fwd.FromID); err == nil {
			if dn := puppet.DisplayName(); dn != "" {
				name = dn
			}
			link = puppet.MXID.URI().MatrixToURL()
		}
	}
	if name == "" {
		name = "unknown user"
	}
	if content.Format != event.FormatHTML {
		content.Format = event.FormatHTML
		content.FormattedBody = event.TextToHTML(content.Body)
	}
	htmlName := "<b>" + html.EscapeString(name) + "</b>"
	if link != "" {
		htmlName = fmt.Sprintf(`<a href="%s">%s</a>`, link, html.EscapeString(name))
	}
	content.Body = fmt.Sprintf("Forwarded from %s:\n%s", name, content.Body)
	content.FormattedBody = fmt.Sprintf("Forwarded message from %s<br><blockquote>%s</blockquote>", htmlName, content.FormattedBody)
}

func geoContent(geo *media.GeoURI) *event.MessageEventContent {
	latChar, longChar := "N", "E"
	if geo.Lat < 0 {
		latChar = "S"
	}
	if geo.Long < 0 {
		longChar = "W"
	}
	body := fmt.Sprintf("%.4f° %s, %.4f° %s", math.Abs(geo.Lat), latChar, math.Abs(geo.Long), longChar)
	url := fmt.Sprintf("https://maps.google.com/?q=%f,%f", geo.Lat, geo.Long)
	return &event.MessageEventContent{
		MsgType:       event.MsgLocation,
		GeoURI:        geo.URI(),
		Body:          fmt.Sprintf("Location: %s\n%s", body, url),
		Format:        event.FormatHTML,
		FormattedBody: fmt.Sprintf(`Location: <a href="%s">%s</a>`, url, body),
	}
}

func matrixMsgType(kind MediaKind, mimeType string) event.MessageType {
	switch kind {
	case MediaPhoto:
		return event.MsgImage
	case MediaVideo:
		return event.MsgVideo
	case MediaAudio, MediaVoice:
		return event.MsgAudio
	case MediaDocument:
		if mimeType == "image/gif" {
			return event.MsgImage
		}
		return event.MsgFile
	default:
		return event.MsgFile
	}
}

func (p *Portal) convertTelegramMedia(ctx context.Context, source *User, sender *Puppet, file *TelegramMedia, caption *event.MessageEventContent) (event.Type, *event.MessageEventContent, error) {
	switch file.Kind {
	case MediaGeo:
		if file.Geo == nil {
			return event.EventMessage, caption, fmt.Errorf("geo media without coordinates")
		}
		return event.EventMessage, geoContent(file.Geo), nil
	case MediaUnsupported:
		return event.EventMessage, appendNotice(caption, "Unsupported media type, open Telegram to view it"), nil
	}
	res, err := p.bridge.Media.ToMatrix(ctx, mediaSource(source.Client(), file), p.bridge.uploader(sender.MXID))
	if err != nil {
		return event.EventMessage, caption, err
	}
	info := res.Info
	if file.Duration > 0 {
		info.Duration = int(file.Duration.Milliseconds())
	}
	content := &event.MessageEventContent{
		Body: res.FileName,
		URL:  res.MXC,
		Info: &info,
	}
	evtType := event.EventMessage
	if file.Kind == MediaSticker {
		evtType = event.EventSticker
		if caption.Body != "" {
			content.Body = caption.Body
		}
		return evtType, content, nil
	}
	content.MsgType = matrixMsgType(file.Kind, info.MimeType)
	if file.Kind == MediaVoice {
		content.MSC3245Voice = &event.MSC3245Voice{}
		content.MSC1767Audio = &event.MSC1767Audio{
			Duration: int(file.Duration.Milliseconds()),
			Waveform: media.ScaleWaveform(media.DecodeWaveform(file.Waveform)),
		}
	}
	if caption.Body != "" {
		content.FileName = res.FileName
		content.Body = caption.Body
		content.Format = caption.Format
		content.FormattedBody = caption.FormattedBody
	}
	return evtType, content, nil
}
