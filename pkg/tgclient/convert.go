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

package tgclient

import (
	"context"
	"time"

	"github.com/gotd/td/tg"

	"go.mau.fi/tgbridge/pkg/bridge"
	"go.mau.fi/tgbridge/pkg/ids"
	"go.mau.fi/tgbridge/pkg/media"
	"go.mau.fi/tgbridge/pkg/store"
	"go.mau.fi/tgbridge/pkg/telegramfmt"
)

func entitiesFromTelegram(text string, entities []tg.MessageEntityClass) telegramfmt.BodyRangeList {
	if len(entities) == 0 {
		return nil
	}
	utf16Text := telegramfmt.NewUTF16String(text)
	ranges := make(telegramfmt.BodyRangeList, 0, len(entities))
	for _, e := range entities {
		br := telegramfmt.BodyRange{Start: e.GetOffset(), Length: e.GetLength()}
		if br.Start < 0 || br.Length <= 0 || br.Start >= len(utf16Text) {
			continue
		}
		br = *br.TruncateEnd(len(utf16Text))
		switch entity := e.(type) {
		case *tg.MessageEntityMention:
			username := utf16Text[br.Start:br.End()].String()
			if len(username) < 2 {
				continue
			}
			br.Value = telegramfmt.Mention{Username: username[1:]}
		case *tg.MessageEntityMentionName:
			br.Value = telegramfmt.Mention{UserID: entity.UserID}
		case *tg.MessageEntityHashtag:
			br.Value = telegramfmt.Style{Type: telegramfmt.StyleHashtag}
		case *tg.MessageEntityCashtag:
			br.Value = telegramfmt.Style{Type: telegramfmt.StyleCashtag}
		case *tg.MessageEntityBotCommand:
			br.Value = telegramfmt.Style{Type: telegramfmt.StyleBotCommand}
		case *tg.MessageEntityURL:
			br.Value = telegramfmt.Style{Type: telegramfmt.StyleURL, URL: utf16Text[br.Start:br.End()].String()}
		case *tg.MessageEntityTextURL:
			br.Value = telegramfmt.Style{Type: telegramfmt.StyleTextURL, URL: entity.URL}
		case *tg.MessageEntityEmail:
			br.Value = telegramfmt.Style{Type: telegramfmt.StyleEmail}
		case *tg.MessageEntityPhone:
			br.Value = telegramfmt.Style{Type: telegramfmt.StylePhone}
		case *tg.MessageEntityBankCard:
			br.Value = telegramfmt.Style{Type: telegramfmt.StyleBankCard}
		case *tg.MessageEntityBold:
			br.Value = telegramfmt.Style{Type: telegramfmt.StyleBold}
		case *tg.MessageEntityItalic:
			br.Value = telegramfmt.Style{Type: telegramfmt.StyleItalic}
		case *tg.MessageEntityUnderline:
			br.Value = telegramfmt.Style{Type: telegramfmt.StyleUnderline}
		case *tg.MessageEntityStrike:
			br.Value = telegramfmt.Style{Type: telegramfmt.StyleStrikethrough}
		case *tg.MessageEntitySpoiler:
			br.Value = telegramfmt.Style{Type: telegramfmt.StyleSpoiler}
		case *tg.MessageEntityBlockquote:
			br.Value = telegramfmt.Style{Type: telegramfmt.StyleBlockquote}
		case *tg.MessageEntityCode:
			br.Value = telegramfmt.Style{Type: telegramfmt.StyleCode}
		case *tg.MessageEntityPre:
			br.Value = telegramfmt.Style{Type: telegramfmt.StylePre, Language: entity.Language}
		default:
			continue
		}
		ranges = append(ranges, br)
	}
	return ranges
}

// userResolver returns the input user for a mention. Returning nil drops the
// mention entity.
type userResolver func(ctx context.Context, userID int64) tg.InputUserClass

func entitiesToTelegram(ctx context.Context, ranges telegramfmt.BodyRangeList, resolve userResolver) []tg.MessageEntityClass {
	if len(ranges) == 0 {
		return nil
	}
	entities := make([]tg.MessageEntityClass, 0, len(ranges))
	for _, br := range ranges.Sorted() {
		offset, length := br.Start, br.Length
		var entity tg.MessageEntityClass
		switch value := br.Value.(type) {
		case telegramfmt.Mention:
			if value.UserID != 0 && resolve != nil {
				if user := resolve(ctx, value.UserID); user != nil {
					entity = &tg.InputMessageEntityMentionName{Offset: offset, Length: length, UserID: user}
					break
				}
			}
			if value.Username != "" {
				entity = &tg.MessageEntityMention{Offset: offset, Length: length}
			}
		case telegramfmt.Style:
			entity = styleToTelegram(value, offset, length)
		}
		if entity != nil {
			entities = append(entities, entity)
		}
	}
	return entities
}

func styleToTelegram(style telegramfmt.Style, offset, length int) tg.MessageEntityClass {
	switch style.Type {
	case telegramfmt.StyleBold:
		return &tg.MessageEntityBold{Offset: offset, Length: length}
	case telegramfmt.StyleItalic:
		return &tg.MessageEntityItalic{Offset: offset, Length: length}
	case telegramfmt.StyleUnderline:
		return &tg.MessageEntityUnderline{Offset: offset, Length: length}
	case telegramfmt.StyleStrikethrough:
		return &tg.MessageEntityStrike{Offset: offset, Length: length}
	case telegramfmt.StyleSpoiler:
		return &tg.MessageEntitySpoiler{Offset: offset, Length: length}
	case telegramfmt.StyleBlockquote:
		return &tg.MessageEntityBlockquote{Offset: offset, Length: length}
	case telegramfmt.StyleCode:
		return &tg.MessageEntityCode{Offset: offset, Length: length}
	case telegramfmt.StylePre:
		return &tg.MessageEntityPre{Offset: offset, Length: length, Language: style.Language}
	case telegramfmt.StyleTextURL:
		return &tg.MessageEntityTextURL{Offset: offset, Length: length, URL: style.URL}
	case telegramfmt.StyleURL:
		return &tg.MessageEntityURL{Offset: offset, Length: length}
	case telegramfmt.StyleEmail:
		return &tg.MessageEntityEmail{Offset: offset, Length: length}
	case telegramfmt.StyleBotCommand:
		return &tg.MessageEntityBotCommand{Offset: offset, Length: length}
	case telegramfmt.StyleHashtag:
		return &tg.MessageEntityHashtag{Offset: offset, Length: length}
	case telegramfmt.StyleCashtag:
		return &tg.MessageEntityCashtag{Offset: offset, Length: length}
	case telegramfmt.StylePhone:
		return &tg.MessageEntityPhone{Offset: offset, Length: length}
	case telegramfmt.StyleBankCard:
		return &tg.MessageEntityBankCard{Offset: offset, Length: length}
	default:
		return nil
	}
}

func peerUserID(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChannel:
		return ids.MakeChannelPuppetID(p.ChannelID)
	default:
		return 0
	}
}

func messageSender(msg *tg.Message, chat bridge.ChatRef, selfID int64) int64 {
	if from, ok := msg.GetFromID(); ok {
		if sender := peerUserID(from); sender != 0 {
			return sender
		}
	}
	switch chat.Type {
	case ids.ChatTypePrivate:
		if msg.Out {
			return selfID
		}
		return chat.ID
	case ids.ChatTypeChannel, ids.ChatTypeSupergroup:
		// Anonymous admins and channel posts without a signature.
		return ids.MakeChannelPuppetID(chat.ID)
	default:
		return 0
	}
}

func unixTime(ts int) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(int64(ts), 0)
}

func convertMessage(msg *tg.Message, chat bridge.ChatRef, selfID int64) *bridge.TelegramMessage {
	converted := &bridge.TelegramMessage{
		ID:       msg.ID,
		SenderID: messageSender(msg, chat, selfID),
		Date:     unixTime(msg.Date),
		EditDate: unixTime(msg.EditDate),
		Text:     msg.Message,
		Entities: entitiesFromTelegram(msg.Message, msg.Entities),
		Media:    convertMedia(msg.Media),
		Out:      msg.Out,
	}
	if reply, ok := msg.ReplyTo.(*tg.MessageReplyHeader); ok {
		converted.ReplyTo = reply.ReplyToMsgID
	}
	if fwd, ok := msg.GetFwdFrom(); ok {
		converted.FwdFrom = &bridge.ForwardHeader{FromName: fwd.FromName}
		if from, ok := fwd.GetFromID(); ok {
			converted.FwdFrom.FromID = peerUserID(from)
		}
	}
	return converted
}

type dimensioned interface {
	GetW() int
	GetH() int
}

// largestPhotoSize picks the biggest downloadable size of a photo.
func largestPhotoSize(sizes []tg.PhotoSizeClass) (largest tg.PhotoSizeClass, width, height int) {
	var maxSize int
	for _, s := range sizes {
		var currentSize int
		switch size := s.(type) {
		case *tg.PhotoSize:
			currentSize = size.Size
		case *tg.PhotoCachedSize:
			currentSize = max(size.W, size.H)
		case *tg.PhotoSizeProgressive:
			currentSize = max(size.W, size.H)
		default:
			// Stripped and path sizes are inline previews, not files.
			continue
		}
		if currentSize > maxSize {
			maxSize = currentSize
			largest = s
			if d, ok := s.(dimensioned); ok {
				width, height = d.GetW(), d.GetH()
			}
		}
	}
	return
}

func convertMedia(msgMedia tg.MessageMediaClass) *bridge.TelegramMedia {
	switch m := msgMedia.(type) {
	case nil, *tg.MessageMediaEmpty, *tg.MessageMediaWebPage:
		return nil
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.(*tg.Photo)
		if !ok {
			return &bridge.TelegramMedia{Kind: bridge.MediaUnsupported}
		}
		largest, width, height := largestPhotoSize(photo.Sizes)
		if largest == nil {
			return &bridge.TelegramMedia{Kind: bridge.MediaUnsupported}
		}
		return &bridge.TelegramMedia{
			Kind:       bridge.MediaPhoto,
			LocationID: store.TelegramFileLocationID(ids.MakeMediaLocationID("photo", photo.ID)),
			FileName:   "image.jpg",
			MIMEType:   "image/jpeg",
			Width:      width,
			Height:     height,
			Ref: &tg.InputPhotoFileLocation{
				ID:            photo.ID,
				AccessHash:    photo.AccessHash,
				FileReference: photo.FileReference,
				ThumbSize:     largest.GetType(),
			},
		}
	case *tg.MessageMediaDocument:
		document, ok := m.Document.(*tg.Document)
		if !ok {
			return &bridge.TelegramMedia{Kind: bridge.MediaUnsupported}
		}
		return convertDocument(document)
	case *tg.MessageMediaGeo:
		point, ok := m.Geo.(*tg.GeoPoint)
		if !ok {
			return &bridge.TelegramMedia{Kind: bridge.MediaUnsupported}
		}
		return &bridge.TelegramMedia{Kind: bridge.MediaGeo, Geo: &media.GeoURI{Lat: point.Lat, Long: point.Long}}
	default:
		return &bridge.TelegramMedia{Kind: bridge.MediaUnsupported}
	}
}

func convertDocument(document *tg.Document) *bridge.TelegramMedia {
	file := &bridge.TelegramMedia{
		Kind:       bridge.MediaDocument,
		LocationID: store.TelegramFileLocationID(ids.MakeMediaLocationID("document", document.ID)),
		MIMEType:   document.MimeType,
		Size:       document.Size,
		Ref: &tg.InputDocumentFileLocation{
			ID:            document.ID,
			AccessHash:    document.AccessHash,
			FileReference: document.FileReference,
		},
	}
	for _, attr := range document.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeFilename:
			file.FileName = a.FileName
		case *tg.DocumentAttributeImageSize:
			file.Width, file.Height = a.W, a.H
		case *tg.DocumentAttributeSticker:
			file.Kind = bridge.MediaSticker
		case *tg.DocumentAttributeVideo:
			if file.Kind != bridge.MediaSticker {
				file.Kind = bridge.MediaVideo
			}
			file.Width, file.Height = a.W, a.H
			file.Duration = time.Duration(a.Duration * float64(time.Second))
		case *tg.DocumentAttributeAudio:
			if file.Kind == bridge.MediaVideo {
				continue
			}
			file.Kind = bridge.MediaAudio
			if a.Voice {
				file.Kind = bridge.MediaVoice
				file.Waveform = a.Waveform
			}
			file.Duration = time.Duration(a.Duration) * time.Second
		}
	}
	return file
}

func avatarFromPhoto(peer tg.InputPeerClass, photoID int64) *bridge.TelegramMedia {
	return &bridge.TelegramMedia{
		Kind:       bridge.MediaPhoto,
		LocationID: store.TelegramFileLocationID(ids.MakeMediaLocationID("avatar", photoID)),
		FileName:   "avatar.jpg",
		MIMEType:   "image/jpeg",
		Ref: &tg.InputPeerPhotoFileLocation{
			Big:     true,
			Peer:    peer,
			PhotoID: photoID,
		},
	}
}

func userInfoFromTelegram(user *tg.User) *bridge.UserInfo {
	info := &bridge.UserInfo{
		ID:        user.ID,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Username:  user.Username,
		Phone:     user.Phone,
		IsBot:     user.Bot,
		Deleted:   user.Deleted,
	}
	if photo, ok := user.Photo.(*tg.UserProfilePhoto); ok {
		info.AvatarID = photo.PhotoID
		info.Avatar = avatarFromPhoto(&tg.InputPeerUser{UserID: user.ID, AccessHash: user.AccessHash}, photo.PhotoID)
	}
	return info
}

func chatPhotoID(photo tg.ChatPhotoClass) (int64, bool) {
	if p, ok := photo.(*tg.ChatPhoto); ok {
		return p.PhotoID, true
	}
	return 0, false
}
