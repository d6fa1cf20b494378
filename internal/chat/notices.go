package chat

import (
	"errors"
	"fmt"

	"github.com/matheus3301/amora/internal/bus"
	"github.com/matheus3301/amora/internal/protocol"
	"github.com/matheus3301/amora/internal/rest"
	"go.uber.org/zap"
)

func (c *Container) subscribeNoticesLocked() {
	c.subscribeLocked(protocol.KindDisconnect, func(e protocol.Event) {
		if evt := e.(protocol.Disconnected); !evt.Intentional {
			c.notice(bus.NoticeWarn, "connection_lost", "Connection lost, reconnecting...")
		}
	})
	c.subscribeLocked(protocol.KindReconnect, func(protocol.Event) {
		c.notice(bus.NoticeInfo, "reconnected", "Connection restored")
	})
	c.subscribeLocked(protocol.KindConnectTimeout, func(e protocol.Event) {
		c.notice(bus.NoticeWarn, "connect_timeout",
			fmt.Sprintf("Server did not answer within %s, retrying", e.(protocol.ConnectTimeout).After))
	})
	c.subscribeLocked(protocol.KindReconnectFailed, func(protocol.Event) {
		c.notice(bus.NoticeError, "reconnect_failed",
			"Unable to reach the server. Messages will be sent over HTTP; run `amoractl reconnect` to retry.")
	})
	c.subscribeLocked(protocol.KindAuthError, func(e protocol.Event) {
		c.expireSession(e.(protocol.AuthError).Message)
	})
	c.subscribeLocked(protocol.KindServerError, func(e protocol.Event) {
		c.notice(bus.NoticeWarn, "server_error", e.(protocol.ServerError).Message)
	})
}

// expireSession publishes the fatal notice and the logout, once per
// container, whichever path noticed the rejected token first.
func (c *Container) expireSession(reason string) {
	if !c.loggedOut.CompareAndSwap(false, true) {
		return
	}
	c.notice(bus.NoticeFatal, "auth_failed", "Session expired, please log in again")
	c.bus.Emit(bus.SessionLoggedOut, reason)
}

// checkAuth wraps every REST call site. It returns err unchanged.
func (c *Container) checkAuth(err error) error {
	if errors.Is(err, rest.ErrUnauthorized) {
		c.expireSession(err.Error())
	}
	return err
}

func (c *Container) notice(kind, code, text string) {
	c.logger.Info("notice", zap.String("kind", kind), zap.String("code", code), zap.String("text", text))
	c.bus.Emit(kind, Notice{Code: code, Text: text})
}
