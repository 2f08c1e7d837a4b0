package tgclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/gotd/td/tgerr"
	"github.com/stretchr/testify/assert"

	"go.mau.fi/tgbridge/pkg/bridge"
)

func TestClassifyError(t *testing.T) {
	assert.NoError(t, classifyError(nil))
	assert.NoError(t, rpcError(nil, "send message"))

	flood := classifyError(tgerr.New(420, "FLOOD_WAIT_30"))
	var transient *bridge.TransientError
	if assert.ErrorAs(t, flood, &transient) {
		assert.Equal(t, 30*time.Second, transient.RetryAfter)
	}
	assert.True(t, bridge.ClassifyRetry(flood).Retry)

	revoked := rpcError(tgerr.New(401, "SESSION_REVOKED"), "get self")
	assert.True(t, bridge.IsAuthError(revoked))
	assert.Contains(t, revoked.Error(), "terminated from another device")
	assert.True(t, tgerr.Is(revoked, "SESSION_REVOKED"))

	assert.False(t, bridge.IsAuthError(classifyError(tgerr.New(401, "SESSION_PASSWORD_NEEDED"))))

	internal := classifyError(tgerr.New(500, "INTERNAL"))
	assert.ErrorAs(t, internal, &transient)

	tooLong := classifyError(tgerr.New(400, "MESSAGE_TOO_LONG"))
	assert.ErrorIs(t, tooLong, bridge.ErrMessageTooLong)
	assert.Equal(t, "The message is too long", tooLong.Error())

	badCode := classifyError(tgerr.New(400, "PHONE_CODE_INVALID"))
	assert.Equal(t, "The login code is invalid", badCode.Error())
	assert.False(t, bridge.ClassifyRetry(badCode).Retry)

	unknown := tgerr.New(400, "SOMETHING_ELSE")
	assert.Equal(t, error(unknown), classifyError(unknown))

	assert.ErrorAs(t, classifyError(fmt.Errorf("read: %w", io.ErrUnexpectedEOF)), &transient)
	assert.Equal(t, context.Canceled, classifyError(context.Canceled))
	plain := errors.New("plain")
	assert.Equal(t, plain, classifyError(plain))
}

func TestHumanise(t *testing.T) {
	assert.Equal(t, "The password is incorrect", Humanise(tgerr.New(400, "PASSWORD_HASH_INVALID")))
	assert.Equal(t, "plain", Humanise(errors.New("plain")))
}
