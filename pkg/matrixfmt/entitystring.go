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

package matrixfmt

import (
	"go.mau.fi/tgbridge/pkg/telegramfmt"
)

// EntityString is UTF-16 text with the Telegram entities that apply to it.
type EntityString struct {
	String   telegramfmt.UTF16String
	Entities telegramfmt.BodyRangeList
}

func NewEntityString(val string) *EntityString {
	return &EntityString{String: telegramfmt.NewUTF16String(val)}
}

// clip returns the entities that overlap [start, end), shifted so that start
// becomes zero.
func (es *EntityString) clip(start, end int) telegramfmt.BodyRangeList {
	var out telegramfmt.BodyRangeList
	for _, entity := range es.Entities {
		if entity.Start >= end || entity.End() <= start {
			continue
		}
		entity = *entity.TruncateStart(start).TruncateEnd(end).Offset(-start)
		if entity.Length > 0 {
			out = append(out, entity)
		}
	}
	return out
}

// Split cuts the string at every occurrence of an ASCII character.
func (es *EntityString) Split(at uint16) []*EntityString {
	if at > 0x7F {
		panic("cannot split at non-ASCII character")
	} else if es == nil {
		return nil
	}
	var output []*EntityString
	prevSplit := 0
	for i, chr := range es.String {
		if chr != at {
			continue
		}
		output = append(output, &EntityString{String: es.String[prevSplit:i], Entities: es.clip(prevSplit, i)})
		prevSplit = i + 1
	}
	if prevSplit == 0 {
		return []*EntityString{es}
	}
	if prevSplit != len(es.String) {
		output = append(output, &EntityString{String: es.String[prevSplit:], Entities: es.clip(prevSplit, len(es.String))})
	}
	return output
}

func isSpace(chr uint16) bool {
	switch chr {
	case '\t', '\n', '\v', '\f', '\r', ' ', 0x85, 0xA0:
		return true
	default:
		return false
	}
}

func (es *EntityString) TrimSpace() *EntityString {
	if es == nil {
		return nil
	}
	start, end := 0, len(es.String)
	for start < end && isSpace(es.String[start]) {
		start++
	}
	for end > start && isSpace(es.String[end-1]) {
		end--
	}
	if start == 0 && end == len(es.String) {
		return es
	}
	es.Entities = es.clip(start, end)
	es.String = es.String[start:end]
	return es
}

func JoinEntityString(with string, parts ...*EntityString) *EntityString {
	sep := telegramfmt.NewUTF16String(with)
	out := &EntityString{}
	for _, part := range parts {
		if part == nil || len(part.String) == 0 {
			continue
		}
		if len(out.String) > 0 {
			out.String = append(out.String, sep...)
		}
		out.Append(part)
	}
	return out
}

// Format wraps the whole string in a new outermost entity.
func (es *EntityString) Format(value telegramfmt.BodyRangeValue) *EntityString {
	if es == nil {
		return nil
	}
	es.Entities = append(telegramfmt.BodyRangeList{{Start: 0, Length: len(es.String), Value: value}}, es.Entities...)
	return es
}

func (es *EntityString) Append(other *EntityString) *EntityString {
	if es == nil {
		return other
	} else if other == nil {
		return es
	}
	for _, entity := range other.Entities {
		entity.Start += len(es.String)
		es.Entities = append(es.Entities, entity)
	}
	es.String = append(es.String, other.String...)
	return es
}

func (es *EntityString) AppendString(other string) *EntityString {
	if es == nil {
		return NewEntityString(other)
	}
	es.String = append(es.String, telegramfmt.NewUTF16String(other)...)
	return es
}
