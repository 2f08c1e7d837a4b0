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
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/tgbridge/pkg/ids"
	"go.mau.fi/tgbridge/pkg/media"
	"go.mau.fi/tgbridge/pkg/store"
)

// Puppet is the ghost of one Telegram user or channel.
type Puppet struct {
	bridge *Bridge
	ID     int64
	MXID   id.UserID
	log    zerolog.Logger

	lock   sync.Mutex
	record *store.Puppet
}

func newPuppet(br *Bridge, record *store.Puppet) *Puppet {
	mxid := br.Ghosts.Format(record.ID)
	return &Puppet{
		bridge: br,
		ID:     record.ID,
		MXID:   mxid,
		record: record,
		log: br.Log.With().
			Str("component", "puppet").
			Int64("puppet_id", record.ID).
			Logger(),
	}
}

func (p *Puppet) DisplayName() string {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.record.DisplayName
}

func (p *Puppet) Username() string {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.record.Username
}

func (p *Puppet) IsStale() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.record.Stale
}

// EnsureJoined makes the ghost a member of the portal room. It's a no-op
// when the registry already has the ghost as a member.
func (p *Puppet) EnsureJoined(ctx context.Context, portal *Portal) error {
	if portal.MXID == "" {
		return nil
	}
	added, err := p.bridge.Registry.AddPortalPuppet(ctx, portal.PortalKey, p.ID)
	if err != nil {
		return fmt.Errorf("failed to record membership: %w", err)
	} else if !added {
		return nil
	}
	err = p.bridge.Retry.Do(ctx, "matrix_join", func(ctx context.Context) error {
		return p.bridge.Matrix.EnsureJoined(ctx, portal.MXID, p.MXID)
	})
	if err != nil {
		// Forget the membership so that the next call tries again.
		if rmErr := p.bridge.Registry.RemovePortalPuppet(ctx, portal.PortalKey, p.ID); rmErr != nil {
			p.log.Err(rmErr).Msg("Failed to roll back membership after join failure")
		}
		return fmt.Errorf("failed to join %s: %w", portal.MXID, err)
	}
	return nil
}

// Leave removes the ghost from the portal room.
func (p *Puppet) Leave(ctx context.Context, portal *Portal) error {
	if err := p.bridge.Registry.RemovePortalPuppet(ctx, portal.PortalKey, p.ID); err != nil {
		return err
	} else if portal.MXID == "" {
		return nil
	}
	return p.bridge.Retry.Do(ctx, "matrix_leave", func(ctx context.Context) error {
		return p.bridge.Matrix.Leave(ctx, portal.MXID, p.MXID)
	})
}

// AvatarFetcher uploads the new avatar and returns its content URI.
type AvatarFetcher func(ctx context.Context) (id.ContentURIString, error)

// UpdateProfile pushes the name and avatar to the ghost's Matrix profile.
// Values equal to what was last set successfully aren't written again. An
// avatarID of 0 removes the avatar.
func (p *Puppet) UpdateProfile(ctx context.Context, name string, avatarID int64, fetchAvatar AvatarFetcher) (changed bool, err error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	rec := p.record
	if name != "" && (name != rec.DisplayName || !rec.NameSet) {
		changed = true
		rec.DisplayName = name
		setErr := p.bridge.Retry.Do(ctx, "matrix_set_displayname", func(ctx context.Context) error {
			return p.bridge.Matrix.SetDisplayName(ctx, p.MXID, name)
		})
		rec.NameSet = setErr == nil
		err = multierr.Append(err, setErr)
	}
	if avatarID != rec.AvatarID || !rec.AvatarSet {
		changed = true
		var mxc id.ContentURIString
		var setErr error
		if avatarID != 0 && fetchAvatar != nil {
			mxc, setErr = fetchAvatar(ctx)
		}
		if setErr == nil {
			setErr = p.bridge.Retry.Do(ctx, "matrix_set_avatar", func(ctx context.Context) error {
				return p.bridge.Matrix.SetAvatarURL(ctx, p.MXID, mxc)
			})
		}
		rec.AvatarID = avatarID
		rec.AvatarSet = setErr == nil
		if setErr == nil {
			rec.AvatarMXC = mxc
		}
		err = multierr.Append(err, setErr)
	}
	if changed {
		if saveErr := rec.Update(ctx); saveErr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to save puppet: %w", saveErr))
		}
	}
	return
}

type displaynameParams struct {
	ID        int64
	FullName  string
	FirstName string
	LastName  string
	Username  string
	Phone     string
}

// FormatDisplayName applies the configured template. The full name falls
// back to the username, then the phone number.
func (br *Bridge) FormatDisplayName(info *UserInfo) string {
	params := displaynameParams{
		ID:        info.ID,
		FirstName: info.FirstName,
		LastName:  info.LastName,
		Username:  info.Username,
		Phone:     info.Phone,
	}
	params.FullName = strings.TrimSpace(info.FirstName + " " + info.LastName)
	switch {
	case info.Deleted:
		params.FullName = "Deleted account " + strconv.FormatInt(info.ID, 10)
	case params.FullName != "":
	case info.Username != "":
		params.FullName = info.Username
	case info.Phone != "":
		params.FullName = "+" + strings.TrimPrefix(info.Phone, "+")
	default:
		params.FullName = "Deleted account " + strconv.FormatInt(info.ID, 10)
	}
	var out strings.Builder
	if err := br.Config.Bridge.displaynameTemplate.Execute(&out, params); err != nil {
		return params.FullName
	}
	return out.String()
}

func (p *Puppet) needsSync() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	ttl := p.bridge.Config.Bridge.Sync.PuppetTTL
	return p.record.Stale || !p.record.NameSet || p.record.LastSync.IsZero() || (ttl > 0 && time.Since(p.record.LastSync) > ttl)
}

// Sync refreshes the profile through the given session if it's older than
// the configured TTL. Concurrent calls for the same puppet share one fetch.
func (p *Puppet) Sync(ctx context.Context, source TelegramTransport, force bool) error {
	if source == nil || (!force && !p.needsSync()) {
		return nil
	}
	_, err, _ := p.bridge.puppetFetch.Do(strconv.FormatInt(p.ID, 10), func() (any, error) {
		return nil, p.sync(ctx, source)
	})
	return err
}

func (p *Puppet) sync(ctx context.Context, source TelegramTransport) error {
	var name string
	var avatarID int64
	var avatar *TelegramMedia
	var info *UserInfo
	var err error
	if ids.IsChannelPuppetID(p.ID) {
		var chat *ChatInfo
		chat, err = retryValue(ctx, p.bridge, "telegram_get_chat", func(ctx context.Context) (*ChatInfo, error) {
			return source.GetChatInfo(ctx, ChatRef{ID: -p.ID, Type: ids.ChatTypeChannel})
		})
		if err == nil {
			name, avatarID, avatar = chat.Title, chat.AvatarID, chat.Avatar
		}
	} else {
		info, err = retryValue(ctx, p.bridge, "telegram_get_user", func(ctx context.Context) (*UserInfo, error) {
			return source.GetUserInfo(ctx, p.ID)
		})
		if err == nil {
			name, avatarID, avatar = p.bridge.FormatDisplayName(info), info.AvatarID, info.Avatar
		}
	}
	if err != nil {
		p.lock.Lock()
		p.record.Stale = true
		saveErr := p.record.Update(ctx)
		p.lock.Unlock()
		return multierr.Append(fmt.Errorf("failed to fetch profile: %w", err), saveErr)
	}

	p.lock.Lock()
	if info != nil {
		p.record.Username = info.Username
		p.record.IsBot = info.IsBot
		p.record.Stale = info.Deleted
	} else {
		p.record.Stale = false
	}
	p.record.LastSync = time.Now()
	p.lock.Unlock()

	changed, err := p.UpdateProfile(ctx, name, avatarID, func(ctx context.Context) (id.ContentURIString, error) {
		return p.bridge.transferAvatar(ctx, source, p.MXID, avatar)
	})
	if !changed {
		p.lock.Lock()
		saveErr := p.record.Update(ctx)
		p.lock.Unlock()
		err = multierr.Append(err, saveErr)
	}
	if err != nil {
		return err
	}
	p.log.Debug().Str("displayname", name).Msg("Synced puppet profile")
	return nil
}

// transferAvatar copies a Telegram profile photo to Matrix through the media
// cache.
func (br *Bridge) transferAvatar(ctx context.Context, source TelegramTransport, asUser id.UserID, avatar *TelegramMedia) (id.ContentURIString, error) {
	if avatar == nil {
		return "", nil
	}
	res, err := br.Media.ToMatrix(ctx, mediaSource(source, avatar), br.uploader(asUser))
	if err != nil {
		return "", err
	}
	return res.MXC, nil
}

func mediaSource(source TelegramTransport, file *TelegramMedia) media.Source {
	return media.Source{
		LocationID: file.LocationID,
		FileName:   file.FileName,
		MIMEType:   file.MIMEType,
		Size:       file.Size,
		Width:      file.Width,
		Height:     file.Height,
		Sticker:    file.Kind == MediaSticker,
		Download: func(ctx context.Context) ([]byte, error) {
			return source.DownloadMedia(ctx, file)
		},
	}
}

func (br *Bridge) uploader(asUser id.UserID) media.Uploader {
	return func(ctx context.Context, data []byte, mimeType, fileName string) (id.ContentURIString, error) {
		return retryValue(ctx, br, "matrix_upload", func(ctx context.Context) (id.ContentURIString, error) {
			return br.Matrix.UploadMedia(ctx, asUser, data, mimeType, fileName)
		})
	}
}
