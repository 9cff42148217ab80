package server

import (
	"context"
	"net"
	"net/http"

	"github.com/gezibash/luahttp/internal/observability"
)

type connKey struct{}

// connHandler is created once per accepted connection and binds every
// request on it to the connection's remote address.
type connHandler struct {
	remoteAddr string
	dispatcher Dispatcher
}

func withConn(ctx context.Context, ch *connHandler) context.Context {
	return context.WithValue(ctx, connKey{}, ch)
}

func connFromContext(ctx context.Context) (*connHandler, bool) {
	ch, ok := ctx.Value(connKey{}).(*connHandler)
	return ch, ok
}

// connFactory returns the http.Server.ConnContext hook.
func connFactory(d Dispatcher) func(context.Context, net.Conn) context.Context {
	return func(ctx context.Context, c net.Conn) context.Context {
		return withConn(ctx, &connHandler{
			remoteAddr: c.RemoteAddr().String(),
			dispatcher: d,
		})
	}
}

// trackConns returns the http.Server.ConnState hook maintaining the open
// connections gauge.
func trackConns(m *observability.Metrics) func(net.Conn, http.ConnState) {
	return func(_ net.Conn, state http.ConnState) {
		switch state {
		case http.StateNew:
			m.ConnectionsOpen.Inc()
		case http.StateClosed, http.StateHijacked:
			m.ConnectionsOpen.Dec()
		}
	}
}
