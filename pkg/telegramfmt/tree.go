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
	"slices"
	"unicode/utf16"
)

// UTF16String is text indexed the way Telegram entity offsets are counted.
type UTF16String []uint16

func NewUTF16String(s string) UTF16String {
	return utf16.Encode([]rune(s))
}

func (u UTF16String) String() string {
	return string(utf16.Decode(u))
}

// BodyRange is a formatting entity spanning [Start, Start+Length) in UTF-16
// code units.
type BodyRange struct {
	Start  int
	Length int
	Value  BodyRangeValue
}

type BodyRangeList []BodyRange

func (b BodyRange) String() string {
	return fmt.Sprintf("%d:%d:%v", b.Start, b.Length, b.Value)
}

func (b BodyRange) End() int {
	return b.Start + b.Length
}

// Offset moves the range without changing its length.
func (b BodyRange) Offset(offset int) *BodyRange {
	b.Start += offset
	return &b
}

// TruncateStart cuts the beginning of the range off so that it starts at or
// after startAt. The end stays where it was.
func (b BodyRange) TruncateStart(startAt int) *BodyRange {
	if b.Start < startAt {
		b.Length -= startAt - b.Start
		b.Start = startAt
	}
	return &b
}

// TruncateEnd cuts the range so that it ends at or before maxEnd.
func (b BodyRange) TruncateEnd(maxEnd int) *BodyRange {
	if b.End() > maxEnd {
		b.Length = maxEnd - b.Start
	}
	return &b
}

// Sorted returns a copy of the list ordered by start, with longer ranges
// first when two ranges start at the same index.
func (b BodyRangeList) Sorted() BodyRangeList {
	sorted := slices.Clone(b)
	slices.SortStableFunc(sorted, func(x, y BodyRange) int {
		if x.Start != y.Start {
			return x.Start - y.Start
		}
		return y.Length - x.Length
	})
	return sorted
}

// LinkedRangeTree splits possibly overlapping entities into nodes that
// either nest completely or don't overlap at all, which maps directly onto
// HTML tags.
type LinkedRangeTree struct {
	Node    *BodyRange
	Sibling *LinkedRangeTree
	Child   *LinkedRangeTree
}

func addTo(to **LinkedRangeTree, r *BodyRange) {
	if *to == nil {
		*to = &LinkedRangeTree{}
	}
	(*to).Add(r)
}

// Add inserts a range. Ranges must be added in Sorted order.
func (lrt *LinkedRangeTree) Add(r *BodyRange) {
	if lrt.Node == nil {
		lrt.Node = r
		return
	}
	nodeEnd := lrt.Node.End()
	if r.Start >= nodeEnd {
		addTo(&lrt.Sibling, r.Offset(-nodeEnd))
		return
	}
	if r.End() > nodeEnd {
		addTo(&lrt.Sibling, r.TruncateStart(nodeEnd).Offset(-nodeEnd))
	}
	addTo(&lrt.Child, r.TruncateEnd(nodeEnd).Offset(-lrt.Node.Start))
}

func (lrt *LinkedRangeTree) Format(message UTF16String, ctx formatContext) string {
	if lrt == nil || lrt.Node == nil {
		return ctx.TextToHTML(message.String())
	}
	head := ctx.TextToHTML(message[:lrt.Node.Start].String())
	inner := message[lrt.Node.Start:lrt.Node.End()]
	tail := message[lrt.Node.End():]
	childCtx := ctx
	if lrt.Node.Value.IsCode() {
		childCtx.IsInCodeblock = true
	}
	return head + lrt.Node.Value.Format(lrt.Child.Format(inner, childCtx)) + lrt.Sibling.Format(tail, ctx)
}
