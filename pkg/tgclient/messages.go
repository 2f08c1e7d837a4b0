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
	"bytes"
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"

	"go.mau.fi/tgbridge/pkg/bridge"
	"go.mau.fi/tgbridge/pkg/ids"
)

type uploadedFile struct {
	file tg.InputFileClass
}

func (c *Client) UploadMedia(ctx context.Context, data []byte, fileName, mimeType string) (bridge.TelegramFileRef, error) {
	file, err := uploader.NewUploader(c.client.API()).FromBytes(ctx, fileName, data)
	if err != nil {
		return nil, rpcError(err, "upload file")
	}
	return &uploadedFile{file: file}, nil
}

func (c *Client) DownloadMedia(ctx context.Context, file *bridge.TelegramMedia) ([]byte, error) {
	location, ok := file.Ref.(tg.InputFileLocationClass)
	if !ok {
		return nil, errors.Errorf("media has no downloadable location (%T)", file.Ref)
	}
	var buf bytes.Buffer
	_, err := downloader.NewDownloader().Download(c.client.API(), location).Stream(ctx, &buf)
	if err != nil {
		return nil, rpcError(err, "download file")
	}
	return buf.Bytes(), nil
}

func inputMedia(msg *bridge.OutgoingMessage) (tg.InputMediaClass, error) {
	if msg.Geo != nil {
		return &tg.InputMediaGeoPoint{GeoPoint: &tg.InputGeoPoint{Lat: msg.Geo.Lat, Long: msg.Geo.Long}}, nil
	} else if msg.Media == nil {
		return nil, nil
	}
	uploaded, ok := msg.Media.File.(*uploadedFile)
	if !ok {
		return nil, errors.Errorf("file wasn't uploaded by this client (%T)", msg.Media.File)
	}
	out := msg.Media
	if out.Kind == bridge.MediaPhoto {
		return &tg.InputMediaUploadedPhoto{File: uploaded.file}, nil
	}
	attributes := []tg.DocumentAttributeClass{&tg.DocumentAttributeFilename{FileName: out.FileName}}
	switch out.Kind {
	case bridge.MediaVoice, bridge.MediaAudio:
		attributes = append(attributes, &tg.DocumentAttributeAudio{
			Voice:    out.Kind == bridge.MediaVoice,
			Duration: int(out.Duration / time.Second),
			Waveform: out.Waveform,
		})
	case bridge.MediaVideo:
		attributes = append(attributes, &tg.DocumentAttributeVideo{
			Duration: out.Duration.Seconds(),
			W:        out.Width,
			H:        out.Height,
		})
	case bridge.MediaSticker:
		attributes = append(attributes,
			&tg.DocumentAttributeSticker{Stickerset: &tg.InputStickerSetEmpty{}},
			&tg.DocumentAttributeImageSize{W: out.Width, H: out.Height},
		)
	default:
		if out.Width > 0 && out.Height > 0 {
			attributes = append(attributes, &tg.DocumentAttributeImageSize{W: out.Width, H: out.Height})
		}
	}
	return &tg.InputMediaUploadedDocument{
		File:       uploaded.file,
		MimeType:   out.MIMEType,
		Attributes: attributes,
		ForceFile:  out.Kind == bridge.MediaDocument,
	}, nil
}

func replyTo(msgID int) tg.InputReplyToClass {
	if msgID == 0 {
		return nil
	}
	return &tg.InputReplyToMessage{ReplyToMsgID: msgID}
}

func (c *Client) SendMessage(ctx context.Context, chat bridge.ChatRef, msg *bridge.OutgoingMessage) (*bridge.SentMessage, error) {
	peer, err := c.inputPeer(ctx, chat)
	if err != nil {
		return nil, err
	}
	media, err := inputMedia(msg)
	if err != nil {
		return nil, err
	}
	entities := entitiesToTelegram(ctx, msg.Entities, c.resolveMention)
	var result tg.UpdatesClass
	if media != nil {
		result, err = c.client.API().MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
			Peer:     peer,
			Media:    media,
			Message:  msg.Text,
			Entities: entities,
			ReplyTo:  replyTo(msg.ReplyTo),
			RandomID: msg.RandomID,
		})
	} else {
		result, err = c.client.API().MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
			Peer:     peer,
			Message:  msg.Text,
			Entities: entities,
			ReplyTo:  replyTo(msg.ReplyTo),
			RandomID: msg.RandomID,
		})
	}
	if err != nil {
		return nil, rpcError(err, "send message")
	}
	return sentMessageFromUpdates(result, msg.RandomID)
}

// sentMessageFromUpdates finds the ID Telegram assigned to a sent message.
func sentMessageFromUpdates(result tg.UpdatesClass, randomID int64) (*bridge.SentMessage, error) {
	switch u := result.(type) {
	case *tg.UpdateShortSentMessage:
		return &bridge.SentMessage{ID: u.ID, Date: unixTime(u.Date)}, nil
	case *tg.Updates:
		sent := &bridge.SentMessage{Date: unixTime(u.Date)}
		for _, update := range u.Updates {
			switch update := update.(type) {
			case *tg.UpdateMessageID:
				if update.RandomID == randomID || sent.ID == 0 {
					sent.ID = update.ID
				}
			case *tg.UpdateNewMessage:
				if m, ok := update.Message.(*tg.Message); ok && m.ID == sent.ID {
					sent.Date = unixTime(m.Date)
				}
			case *tg.UpdateNewChannelMessage:
				if m, ok := update.Message.(*tg.Message); ok && m.ID == sent.ID {
					sent.Date = unixTime(m.Date)
				}
			}
		}
		if sent.ID == 0 {
			return nil, errors.New("couldn't find message ID in send response")
		}
		return sent, nil
	default:
		return nil, errors.Errorf("unexpected send response %T", result)
	}
}

func (c *Client) EditMessage(ctx context.Context, chat bridge.ChatRef, messageID int, msg *bridge.OutgoingMessage) error {
	peer, err := c.inputPeer(ctx, chat)
	if err != nil {
		return err
	}
	_, err = c.client.API().MessagesEditMessage(ctx, &tg.MessagesEditMessageRequest{
		Peer:     peer,
		ID:       messageID,
		Message:  msg.Text,
		Entities: entitiesToTelegram(ctx, msg.Entities, c.resolveMention),
	})
	return rpcError(err, "edit message")
}

func (c *Client) DeleteMessages(ctx context.Context, chat bridge.ChatRef, messageIDs []int) error {
	var err error
	if chat.Type.HasOwnMessageSpace() {
		var channel *tg.InputChannel
		if channel, err = c.inputChannel(ctx, chat.ID); err != nil {
			return err
		}
		_, err = c.client.API().ChannelsDeleteMessages(ctx, &tg.ChannelsDeleteMessagesRequest{
			Channel: channel,
			ID:      messageIDs,
		})
	} else {
		_, err = c.client.API().MessagesDeleteMessages(ctx, &tg.MessagesDeleteMessagesRequest{
			Revoke: true,
			ID:     messageIDs,
		})
	}
	return rpcError(err, "delete messages")
}

func (c *Client) SetTyping(ctx context.Context, chat bridge.ChatRef, typing bool) error {
	peer, err := c.inputPeer(ctx, chat)
	if err != nil {
		return err
	}
	var action tg.SendMessageActionClass = &tg.SendMessageCancelAction{}
	if typing {
		action = &tg.SendMessageTypingAction{}
	}
	_, err = c.client.API().MessagesSetTyping(ctx, &tg.MessagesSetTypingRequest{Peer: peer, Action: action})
	return rpcError(err, "set typing")
}

func (c *Client) MarkRead(ctx context.Context, chat bridge.ChatRef, maxID int) error {
	if chat.Type.PeerType() == ids.PeerTypeChannel {
		channel, err := c.inputChannel(ctx, chat.ID)
		if err != nil {
			return err
		}
		_, err = c.client.API().ChannelsReadHistory(ctx, &tg.ChannelsReadHistoryRequest{Channel: channel, MaxID: maxID})
		return rpcError(err, "read channel history")
	}
	peer, err := c.inputPeer(ctx, chat)
	if err != nil {
		return err
	}
	_, err = c.client.API().MessagesReadHistory(ctx, &tg.MessagesReadHistoryRequest{Peer: peer, MaxID: maxID})
	return rpcError(err, "read history")
}
