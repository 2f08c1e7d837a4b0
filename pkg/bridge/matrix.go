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
	"errors"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

//go:generate go tool stringer -type=MatrixEventKind -trimprefix=Event -output=matrix_string.go

type MatrixEventKind int

const (
	EventMessage MatrixEventKind = iota
	EventEdit
	EventRedaction
	EventMembership
	EventRoomMeta
	EventReceipt
	EventTyping
)

// MatrixEvent is one event delivered by the appservice transport, already
// reduced to what the bridge acts on.
type MatrixEvent interface {
	Kind() MatrixEventKind
	Base() *MatrixEventBase
	isMatrixEvent()
}

type MatrixEventBase struct {
	RoomID    id.RoomID
	Sender    id.UserID
	EventID   id.EventID
	Timestamp time.Time
}

func (b *MatrixEventBase) Base() *MatrixEventBase {
	return b
}

// MatrixMessage is a new message or sticker.
type MatrixMessage struct {
	MatrixEventBase
	Type    event.Type
	Content *event.MessageEventContent
}

// MatrixEdit replaces the content of Target with NewContent.
type MatrixEdit struct {
	MatrixEventBase
	Target     id.EventID
	NewContent *event.MessageEventContent
}

type MatrixRedaction struct {
	MatrixEventBase
	Target id.EventID
}

type MatrixMembership struct {
	MatrixEventBase
	Target     id.UserID
	Membership event.Membership
	Prev       event.Membership
}

// MatrixRoomMeta is a change to the room name, avatar or topic.
type MatrixRoomMeta struct {
	MatrixEventBase
	Type event.Type
}

// MatrixReceipt is a read receipt by Sender up to Target.
type MatrixReceipt struct {
	MatrixEventBase
	Target id.EventID
}

// MatrixTyping carries the full set of users typing in the room.
type MatrixTyping struct {
	MatrixEventBase
	UserIDs []id.UserID
}

func (*MatrixMessage) Kind() MatrixEventKind    { return EventMessage }
func (*MatrixEdit) Kind() MatrixEventKind       { return EventEdit }
func (*MatrixRedaction) Kind() MatrixEventKind  { return EventRedaction }
func (*MatrixMembership) Kind() MatrixEventKind { return EventMembership }
func (*MatrixRoomMeta) Kind() MatrixEventKind   { return EventRoomMeta }
func (*MatrixReceipt) Kind() MatrixEventKind    { return EventReceipt }
func (*MatrixTyping) Kind() MatrixEventKind     { return EventTyping }

func (*MatrixMessage) isMatrixEvent()    {}
func (*MatrixEdit) isMatrixEvent()       {}
func (*MatrixRedaction) isMatrixEvent()  {}
func (*MatrixMembership) isMatrixEvent() {}
func (*MatrixRoomMeta) isMatrixEvent()   {}
func (*MatrixReceipt) isMatrixEvent()    {}
func (*MatrixTyping) isMatrixEvent()     {}

// ConvertMatrixEvent reduces a raw Matrix event to the bridge's event types.
// Events the bridge doesn't act on produce nothing.
func ConvertMatrixEvent(evt *event.Event) []MatrixEvent {
	if evt.Content.Parsed == nil {
		err := evt.Content.ParseRaw(evt.Type)
		if err != nil && !errors.Is(err, event.ErrContentAlreadyParsed) {
			return nil
		}
	}
	base := MatrixEventBase{
		RoomID:    evt.RoomID,
		Sender:    evt.Sender,
		EventID:   evt.ID,
		Timestamp: time.UnixMilli(evt.Timestamp),
	}
	switch evt.Type {
	case event.EventMessage, event.EventSticker:
		content := evt.Content.AsMessage()
		if replaceID := content.RelatesTo.GetReplaceID(); replaceID != "" {
			if content.NewContent == nil {
				return nil
			}
			return []MatrixEvent{&MatrixEdit{MatrixEventBase: base, Target: replaceID, NewContent: content.NewContent}}
		}
		return []MatrixEvent{&MatrixMessage{MatrixEventBase: base, Type: evt.Type, Content: content}}
	case event.EventRedaction:
		target := evt.Redacts
		if target == "" {
			target = evt.Content.AsRedaction().Redacts
		}
		if target == "" {
			return nil
		}
		return []MatrixEvent{&MatrixRedaction{MatrixEventBase: base, Target: target}}
	case event.StateMember:
		var prev event.Membership
		if evt.Unsigned.PrevContent != nil {
			_ = evt.Unsigned.PrevContent.ParseRaw(evt.Type)
			if prevContent, ok := evt.Unsigned.PrevContent.Parsed.(*event.MemberEventContent); ok {
				prev = prevContent.Membership
			}
		}
		if evt.StateKey == nil {
			return nil
		}
		return []MatrixEvent{&MatrixMembership{
			MatrixEventBase: base,
			Target:          id.UserID(*evt.StateKey),
			Membership:      evt.Content.AsMember().Membership,
			Prev:            prev,
		}}
	case event.StateRoomName, event.StateRoomAvatar, event.StateTopic:
		return []MatrixEvent{&MatrixRoomMeta{MatrixEventBase: base, Type: evt.Type}}
	case event.EphemeralEventReceipt:
		var out []MatrixEvent
		for eventID, receipts := range *evt.Content.AsReceipt() {
			for userID := range receipts[event.ReceiptTypeRead] {
				out = append(out, &MatrixReceipt{
					MatrixEventBase: MatrixEventBase{RoomID: evt.RoomID, Sender: userID, Timestamp: base.Timestamp},
					Target:          eventID,
				})
			}
		}
		return out
	case event.EphemeralEventTyping:
		return []MatrixEvent{&MatrixTyping{
			MatrixEventBase: MatrixEventBase{RoomID: evt.RoomID},
			UserIDs:         evt.Content.AsTyping().UserIDs,
		}}
	default:
		return nil
	}
}
