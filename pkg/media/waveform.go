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

import "math"

// NormalizeWaveform scales a Matrix waveform (values up to 1024) down into
// the 5-bit range Telegram voice notes use.
func NormalizeWaveform(waveform []int) []byte {
	normalized := make([]byte, len(waveform))
	var peak int
	for _, v := range waveform {
		peak = max(peak, v)
	}
	divisor := float64(max(peak, 31)) / 31
	for i, v := range waveform {
		normalized[i] = byte(math.Round(float64(max(v, 0)) / divisor))
	}
	return normalized
}

// EncodeWaveform packs a Matrix waveform into Telegram's 5 bits per sample
// format.
func EncodeWaveform(waveform []int) []byte {
	byteCount := (len(waveform)*5 + 7) / 8
	result := make([]byte, byteCount+1)
	var bitShift int
	for i, v := range NormalizeWaveform(waveform) {
		result[i*5/8] |= v << bitShift
		result[i*5/8+1] |= v >> (8 - bitShift)
		bitShift = (bitShift + 5) % 8
	}
	return result[:byteCount]
}

// DecodeWaveform unpacks a Telegram waveform into 5-bit samples.
func DecodeWaveform(waveform []byte) []int {
	count := len(waveform) * 8 / 5
	result := make([]int, count)
	var bitShift int
	for i := range count {
		val := waveform[i*5/8] >> bitShift
		if i*5/8+1 < len(waveform) {
			val |= waveform[i*5/8+1] << (8 - bitShift)
		}
		result[i] = int(val) & 0b11111
		bitShift = (bitShift + 5) % 8
	}
	return result
}

// ScaleWaveform stretches 5-bit samples to the 0-1024 range Matrix clients
// expect.
func ScaleWaveform(samples []int) []int {
	scaled := make([]int, len(samples))
	for i, v := range samples {
		scaled[i] = v * 1024 / 31
	}
	return scaled
}
