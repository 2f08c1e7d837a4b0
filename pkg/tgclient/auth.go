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

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/auth/qrlogin"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"go.mau.fi/tgbridge/pkg/bridge"
)

var ErrSignUpRequired = errors.New("this phone number has no Telegram account")

func (c *Client) SendCode(ctx context.Context, phone string) error {
	sentCode, err := c.client.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
	if err != nil {
		return rpcError(err, "send code")
	}
	c.authLock.Lock()
	defer c.authLock.Unlock()
	switch s := sentCode.(type) {
	case *tg.AuthSentCode:
		c.phone, c.codeHash = phone, s.PhoneCodeHash
		return nil
	default:
		return errors.Errorf("unexpected sent code type %T", sentCode)
	}
}

func (c *Client) SignIn(ctx context.Context, code string) (*bridge.UserInfo, error) {
	c.authLock.Lock()
	phone, hash := c.phone, c.codeHash
	c.authLock.Unlock()
	if phone == "" {
		return nil, bridge.ErrInvalidLoginState
	}
	authorization, err := c.client.Auth().SignIn(ctx, phone, code, hash)
	var signUpRequired *auth.SignUpRequired
	if errors.Is(err, auth.ErrPasswordAuthNeeded) {
		return nil, bridge.ErrPasswordNeeded
	} else if errors.As(err, &signUpRequired) {
		return nil, ErrSignUpRequired
	} else if err != nil {
		return nil, rpcError(err, "sign in")
	}
	return c.finishAuth(authorization)
}

func (c *Client) CheckPassword(ctx context.Context, password string) (*bridge.UserInfo, error) {
	authorization, err := c.client.Auth().Password(ctx, password)
	if err != nil {
		return nil, rpcError(err, "check password")
	}
	return c.finishAuth(authorization)
}

func (c *Client) BotSignIn(ctx context.Context, token string) (*bridge.UserInfo, error) {
	authorization, err := c.client.Auth().Bot(ctx, token)
	if err != nil {
		return nil, rpcError(err, "bot sign in")
	}
	return c.finishAuth(authorization)
}

func (c *Client) QRLogin(ctx context.Context, show func(ctx context.Context, url string) error) (*bridge.UserInfo, error) {
	// Drop a token left over from an earlier attempt.
	select {
	case <-c.loginToken:
	default:
	}
	authorization, err := c.client.QR().Auth(ctx, c.loginToken, func(ctx context.Context, token qrlogin.Token) error {
		return show(ctx, token.URL())
	})
	if tgerr.Is(err, "SESSION_PASSWORD_NEEDED") {
		return nil, bridge.ErrPasswordNeeded
	} else if err != nil {
		return nil, rpcError(err, "qr login")
	}
	return c.finishAuth(authorization)
}

func (c *Client) finishAuth(authorization *tg.AuthAuthorization) (*bridge.UserInfo, error) {
	c.authLock.Lock()
	c.phone, c.codeHash = "", ""
	c.authLock.Unlock()
	user, ok := authorization.User.(*tg.User)
	if !ok {
		return nil, errors.Errorf("unexpected user type %T in authorization", authorization.User)
	}
	c.log.Info().Int64("telegram_user_id", user.ID).Msg("Telegram session authorized")
	return c.setSelf(user), nil
}
