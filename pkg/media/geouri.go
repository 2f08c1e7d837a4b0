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

package media

import (
	"fmt"
	"strconv"
	"strings"
)

type GeoURI struct {
	Lat  float64
	Long float64
}

func ParseGeoURI(uri string) (g GeoURI, err error) {
	coordinates, ok := strings.CutPrefix(uri, "geo:")
	if !ok {
		return g, fmt.Errorf("invalid geo URI %q", uri)
	}
	coordinates, _, _ = strings.Cut(coordinates, ";")
	rawLat, rawLong, ok := strings.Cut(coordinates, ",")
	if !ok {
		return g, fmt.Errorf("geo coordinates not formatted properly")
	}
	// Altitude is allowed by RFC 5870 but Telegram has no use for it.
	rawLong, _, _ = strings.Cut(rawLong, ",")
	if g.Lat, err = strconv.ParseFloat(rawLat, 64); err != nil {
		return g, fmt.Errorf("failed to parse latitude: %w", err)
	} else if g.Long, err = strconv.ParseFloat(rawLong, 64); err != nil {
		return g, fmt.Errorf("failed to parse longitude: %w", err)
	} else if g.Lat < -90 || g.Lat > 90 || g.Long < -180 || g.Long > 180 {
		return g, fmt.Errorf("geo coordinates out of range")
	}
	return
}

func (g GeoURI) URI() string {
	return fmt.Sprintf("geo:%f,%f", g.Lat, g.Long)
}
