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
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"
	"rsc.io/qr"

	"go.mau.fi/tgbridge/pkg/ids"
)

const qrLoginTimeout = 5 * time.Minute

type HelpSection string

const (
	HelpSectionGeneral HelpSection = "General"
	HelpSectionAuth    HelpSection = "Authentication"
	HelpSectionPortal  HelpSection = "Portal management"
)

type HelpMeta struct {
	Section     HelpSection
	Description string
	Args        string
}

type CommandHandler struct {
	Func func(ce *CommandEvent)
	Name string
	Help HelpMeta

	// Level is the minimum permission level, PermissionUser if unset.
	Level          PermissionLevel
	RequiresLogin  bool
	RequiresPortal bool
}

// CommandEvent is one invocation of a command.
type CommandEvent struct {
	Ctx     context.Context
	Bridge  *Bridge
	User    *User
	Portal  *Portal
	RoomID  id.RoomID
	EventID id.EventID
	Command string
	Args    []string
	Log     *zerolog.Logger
}

// Reply sends a markdown notice to the room the command came from.
func (ce *CommandEvent) Reply(msg string, args ...any) {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	content := format.RenderMarkdown(msg, true, false)
	content.MsgType = event.MsgNotice
	_, err := ce.Bridge.Matrix.SendEvent(ce.Ctx, ce.RoomID, ce.Bridge.BotMXID(), event.EventMessage, &content, "", time.Time{})
	if err != nil {
		ce.Log.Err(err).Msg("Failed to send command reply")
	}
}

// Redact removes the command message, for commands carrying secrets.
func (ce *CommandEvent) Redact() {
	err := ce.Bridge.Matrix.Redact(ce.Ctx, ce.RoomID, ce.Bridge.BotMXID(), ce.EventID)
	if err != nil {
		ce.Log.Warn().Err(err).Msg("Failed to redact command")
	}
}

type CommandProcessor struct {
	bridge   *Bridge
	handlers map[string]*CommandHandler
	order    []*CommandHandler
}

func newCommandProcessor(br *Bridge) *CommandProcessor {
	proc := &CommandProcessor{bridge: br, handlers: make(map[string]*CommandHandler)}
	proc.Register(
		cmdHelp, cmdPing,
		cmdLogin, cmdCode, cmdPassword, cmdLoginQR, cmdCancel, cmdLogout,
		cmdSync, cmdCreate, cmdSetRelay, cmdUnsetRelay,
	)
	return proc
}

func (proc *CommandProcessor) Register(handlers ...*CommandHandler) {
	for _, handler := range handlers {
		proc.handlers[handler.Name] = handler
		proc.order = append(proc.order, handler)
	}
}

// Handle runs the command in msg. It's called on its own goroutine, so slow
// commands like QR login don't hold up the router.
func (proc *CommandProcessor) Handle(ctx context.Context, msg *MatrixMessage) {
	log := zerolog.Ctx(ctx).With().
		Str("component", "commands").
		Stringer("sender", msg.Sender).
		Stringer("event_id", msg.EventID).
		Logger()
	ctx = log.WithContext(ctx)
	fields := strings.Fields(msg.Content.Body)
	if len(fields) > 0 && fields[0] == proc.bridge.Config.Bridge.CommandPrefix {
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return
	}
	ce := &CommandEvent{
		Ctx:     ctx,
		Bridge:  proc.bridge,
		RoomID:  msg.RoomID,
		EventID: msg.EventID,
		Command: strings.ToLower(fields[0]),
		Args:    fields[1:],
		Log:     &log,
	}
	defer func() {
		if err := recover(); err != nil {
			log.Error().Bytes("stack", debug.Stack()).Any("panic", err).Msg("Panic in command handler")
			ce.Reply("An internal error occurred while handling the command")
		}
	}()
	handler, ok := proc.handlers[ce.Command]
	if !ok {
		ce.Reply("Unknown command, use `%s help` for help.", proc.bridge.Config.Bridge.CommandPrefix)
		return
	}
	level := handler.Level
	if level == PermissionNone {
		level = PermissionUser
	}
	if !proc.bridge.Config.Bridge.Permission(msg.Sender).AtLeast(level) {
		ce.Reply("You don't have permission to use that command.")
		return
	}
	var err error
	if ce.User, err = proc.bridge.GetUser(ctx, msg.Sender, true); err != nil {
		log.Err(err).Msg("Failed to load user for command")
		ce.Reply("Failed to load your user: %v", err)
		return
	}
	if ce.Portal, err = proc.bridge.GetPortalByRoom(ctx, msg.RoomID); err != nil {
		log.Err(err).Msg("Failed to get portal for command")
	}
	if handler.RequiresLogin && !ce.User.IsLoggedIn() {
		ce.Reply("You're not logged in.")
		return
	} else if handler.RequiresPortal && ce.Portal == nil {
		ce.Reply("That command can only be used in a portal room.")
		return
	}
	log.Debug().Str("command", ce.Command).Msg("Running command")
	handler.Func(ce)
}

var cmdHelp = &CommandHandler{
	Func: fnHelp,
	Name: "help",
	Help: HelpMeta{
		Section:     HelpSectionGeneral,
		Description: "Show this help message.",
	},
	Level: PermissionRelay,
}

func fnHelp(ce *CommandEvent) {
	prefix := ce.Bridge.Config.Bridge.CommandPrefix
	permission := ce.Bridge.Config.Bridge.Permission(ce.User.MXID)
	var out strings.Builder
	for _, section := range []HelpSection{HelpSectionGeneral, HelpSectionAuth, HelpSectionPortal} {
		var lines []string
		for _, handler := range ce.Bridge.Commands.order {
			level := handler.Level
			if level == PermissionNone {
				level = PermissionUser
			}
			if handler.Help.Section != section || !permission.AtLeast(level) {
				continue
			}
			line := fmt.Sprintf("**%s %s**", prefix, handler.Name)
			if handler.Help.Args != "" {
				line += " " + handler.Help.Args
			}
			lines = append(lines, line+" - "+handler.Help.Description)
		}
		if len(lines) > 0 {
			_, _ = fmt.Fprintf(&out, "#### %s\n%s\n\n", section, strings.Join(lines, "  \n"))
		}
	}
	ce.Reply(out.String())
}

var cmdPing = &CommandHandler{
	Func: fnPing,
	Name: "ping",
	Help: HelpMeta{
		Section:     HelpSectionAuth,
		Description: "Check your Telegram login status.",
	},
	Level: PermissionRelay,
}

func fnPing(ce *CommandEvent) {
	switch ce.User.State() {
	case StateLoggedIn:
		ce.Reply("You're logged in as Telegram user %d.", ce.User.TelegramID())
	case StateLoggedOut:
		ce.Reply("You're not logged in.")
	case StateError:
		ce.Reply("Your Telegram session failed: %s", ce.User.LastError())
	default:
		ce.Reply("You're in the middle of logging in (%s).", ce.User.State())
	}
}

func (ce *CommandEvent) replyLoginError(err error) {
	if errors.Is(err, ErrInvalidLoginState) {
		ce.Reply("That can't be done right now: %v", err)
	} else {
		ce.Log.Err(err).Msg("Login step failed")
		ce.Reply("Login failed: %v", err)
	}
}

var cmdLogin = &CommandHandler{
	Func: fnLogin,
	Name: "login",
	Help: HelpMeta{
		Section:     HelpSectionAuth,
		Description: "Log in to Telegram with your phone number.",
		Args:        "<_phone number_>",
	},
}

func fnLogin(ce *CommandEvent) {
	if len(ce.Args) != 1 {
		ce.Reply("**Usage:** `%s login <phone number>`", ce.Bridge.Config.Bridge.CommandPrefix)
		return
	}
	if err := ce.User.Login(ce.Ctx, ce.Args[0]); err != nil {
		ce.replyLoginError(err)
		return
	}
	ce.Reply("A login code was sent to your Telegram app. Send it here with `%s code <code>`.", ce.Bridge.Config.Bridge.CommandPrefix)
}

var cmdCode = &CommandHandler{
	Func: fnCode,
	Name: "code",
	Help: HelpMeta{
		Section:     HelpSectionAuth,
		Description: "Send the login code you received.",
		Args:        "<_code_>",
	},
}

func fnCode(ce *CommandEvent) {
	if len(ce.Args) != 1 {
		ce.Reply("**Usage:** `%s code <code>`", ce.Bridge.Config.Bridge.CommandPrefix)
		return
	}
	if err := ce.User.SubmitCode(ce.Ctx, ce.Args[0]); err != nil {
		ce.replyLoginError(err)
	} else if ce.User.State() == StateAwaitingPassword {
		ce.Reply("Your account has two-factor authentication. Send your password with `%s password <password>`.", ce.Bridge.Config.Bridge.CommandPrefix)
	} else {
		ce.Reply("Successfully logged in as Telegram user %d.", ce.User.TelegramID())
	}
}

var cmdPassword = &CommandHandler{
	Func: fnPassword,
	Name: "password",
	Help: HelpMeta{
		Section:     HelpSectionAuth,
		Description: "Send your two-factor authentication password.",
		Args:        "<_password_>",
	},
}

func fnPassword(ce *CommandEvent) {
	ce.Redact()
	if len(ce.Args) == 0 {
		ce.Reply("**Usage:** `%s password <password>`", ce.Bridge.Config.Bridge.CommandPrefix)
		return
	}
	if err := ce.User.SubmitPassword(ce.Ctx, strings.Join(ce.Args, " ")); err != nil {
		ce.replyLoginError(err)
		return
	}
	ce.Reply("Successfully logged in as Telegram user %d.", ce.User.TelegramID())
}

var cmdLoginQR = &CommandHandler{
	Func: fnLoginQR,
	Name: "login-qr",
	Help: HelpMeta{
		Section:     HelpSectionAuth,
		Description: "Log in by scanning a QR code with the Telegram app.",
	},
}

func fnLoginQR(ce *CommandEvent) {
	ctx, cancel := context.WithTimeout(ce.Ctx, qrLoginTimeout)
	defer cancel()
	err := ce.User.LoginQR(ctx, func(ctx context.Context, url string) error {
		return ce.sendQR(ctx, url)
	})
	switch {
	case err != nil:
		ce.replyLoginError(err)
	case ce.User.State() == StateAwaitingPassword:
		ce.Reply("Your account has two-factor authentication. Send your password with `%s password <password>`.", ce.Bridge.Config.Bridge.CommandPrefix)
	default:
		ce.Reply("Successfully logged in as Telegram user %d.", ce.User.TelegramID())
	}
}

func (ce *CommandEvent) sendQR(ctx context.Context, url string) error {
	code, err := qr.Encode(url, qr.M)
	if err != nil {
		return fmt.Errorf("failed to encode QR code: %w", err)
	}
	png := code.PNG()
	botMXID := ce.Bridge.BotMXID()
	mxc, err := ce.Bridge.Matrix.UploadMedia(ctx, botMXID, png, "image/png", "login-qr.png")
	if err != nil {
		return fmt.Errorf("failed to upload QR code: %w", err)
	}
	_, err = ce.Bridge.Matrix.SendEvent(ctx, ce.RoomID, botMXID, event.EventMessage, &event.MessageEventContent{
		MsgType: event.MsgImage,
		Body:    "Scan this QR code in Telegram under Settings > Devices > Link Desktop Device",
		URL:     mxc,
		Info:    &event.FileInfo{MimeType: "image/png", Size: len(png)},
	}, "", time.Time{})
	return err
}

var cmdCancel = &CommandHandler{
	Func: fnCancel,
	Name: "cancel",
	Help: HelpMeta{
		Section:     HelpSectionAuth,
		Description: "Cancel an unfinished login.",
	},
}

func fnCancel(ce *CommandEvent) {
	if err := ce.User.CancelLogin(ce.Ctx); err != nil {
		ce.replyLoginError(err)
		return
	}
	ce.Reply("Login cancelled.")
}

var cmdLogout = &CommandHandler{
	Func: fnLogout,
	Name: "logout",
	Help: HelpMeta{
		Section:     HelpSectionAuth,
		Description: "Log out of Telegram and forget the session.",
	},
}

func fnLogout(ce *CommandEvent) {
	if err := ce.User.Logout(ce.Ctx); err != nil {
		ce.replyLoginError(err)
		return
	}
	ce.Reply("Logged out.")
}

var cmdSync = &CommandHandler{
	Func: fnSync,
	Name: "sync",
	Help: HelpMeta{
		Section:     HelpSectionGeneral,
		Description: "Synchronize your recent chats, or this room's info when used in a portal.",
	},
	RequiresLogin: true,
}

func fnSync(ce *CommandEvent) {
	if ce.Portal != nil {
		if err := ce.Portal.SyncMetadata(ce.Ctx, ce.User); err != nil {
			ce.Reply("Failed to synchronize room info: %v", err)
		} else {
			ce.Reply("Room info synchronized.")
		}
		return
	}
	ce.Reply("Synchronizing chats...")
	if err := ce.User.SyncChats(ce.Ctx); err != nil {
		ce.Reply("Failed to synchronize chats: %v", err)
	}
}

var cmdCreate = &CommandHandler{
	Func: fnCreate,
	Name: "create",
	Help: HelpMeta{
		Section:     HelpSectionPortal,
		Description: "Create a portal room for a Telegram chat.",
		Args:        "<_private|group|supergroup|channel_> <_chat ID_>",
	},
	RequiresLogin: true,
}

func fnCreate(ce *CommandEvent) {
	if len(ce.Args) != 2 {
		ce.Reply("**Usage:** `%s create <type> <chat ID>`", ce.Bridge.Config.Bridge.CommandPrefix)
		return
	}
	chatType, err := ids.ParseChatType(strings.ToLower(ce.Args[0]))
	if err != nil {
		ce.Reply("%v", err)
		return
	}
	chatID, err := strconv.ParseInt(ce.Args[1], 10, 64)
	if err != nil || chatID <= 0 {
		ce.Reply("Invalid chat ID %q", ce.Args[1])
		return
	}
	portal, err := ce.Bridge.GetOrCreatePortal(ce.Ctx, ids.MakePortalKey(chatType, chatID, ce.User.TelegramID()))
	if err != nil {
		ce.Reply("Failed to get portal: %v", err)
		return
	}
	roomID, err := portal.CreateMatrixRoom(ce.Ctx, ce.User)
	if err != nil {
		ce.Reply("Failed to create room: %v", err)
		return
	}
	ce.Reply("Portal room: [%s](%s)", roomID, roomID.URI().MatrixToURL())
}

var cmdSetRelay = &CommandHandler{
	Func: func(ce *CommandEvent) { setRelay(ce, true) },
	Name: "set-relay",
	Help: HelpMeta{
		Section:     HelpSectionPortal,
		Description: "Relay messages from users without a Telegram login through the relaybot.",
	},
	Level:          PermissionAdmin,
	RequiresPortal: true,
}

var cmdUnsetRelay = &CommandHandler{
	Func: func(ce *CommandEvent) { setRelay(ce, false) },
	Name: "unset-relay",
	Help: HelpMeta{
		Section:     HelpSectionPortal,
		Description: "Stop relaying messages in this room.",
	},
	Level:          PermissionAdmin,
	RequiresPortal: true,
}

func setRelay(ce *CommandEvent, enabled bool) {
	if enabled && ce.Bridge.Relay() == nil {
		ce.Reply("The relaybot isn't enabled on this bridge.")
		return
	}
	if err := ce.Portal.SetRelay(ce.Ctx, enabled); err != nil {
		ce.Reply("Failed to change relay mode: %v", err)
	} else if enabled {
		ce.Reply("Messages from users without a Telegram login will now be relayed.")
	} else {
		ce.Reply("Messages will no longer be relayed.")
	}
}
