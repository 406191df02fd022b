package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	v1 "agora/contracts/chat/v1"
)

const (
	reconnectMinBackoff = time.Second
	reconnectMaxBackoff = 30 * time.Second
	transportWriteWait  = 10 * time.Second
)

// Transport maintains the websocket connection to the gateway, feeding
// inbound envelopes to the Controller and rebinding it as the command sink on
// every successful dial. Lost events during an outage are not replayed; the
// controller's OnConnected reconciliation covers the gap.
type Transport struct {
	url   string
	token string
	ctrl  *Controller
	log   *slog.Logger
}

// NewTransport constructs a Transport for wsURL (e.g. "ws://host:8080/ws").
func NewTransport(wsURL, token string, ctrl *Controller, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{url: wsURL, token: token, ctrl: ctrl, log: log}
}

// Run dials and reads until ctx is cancelled, reconnecting with exponential
// backoff on transport failure.
func (t *Transport) Run(ctx context.Context) error {
	backoff := reconnectMinBackoff

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		connected, err := t.runOnce(ctx)
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			// A session was established; the next outage starts a fresh
			// backoff ramp instead of inheriting the previous one.
			backoff = reconnectMinBackoff
		}

		t.log.Warn("client.transport.down", "err", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, reconnectMaxBackoff)
	}
}

// runOnce performs one dial / read-loop cycle. connected reports whether the
// dial succeeded, regardless of how the session ended.
func (t *Transport) runOnce(ctx context.Context) (connected bool, _ error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.token)

	conn, _, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{
		Subprotocols: []string{"agora.chat.v1"},
		HTTPHeader:   header,
	})
	if err != nil {
		return false, err
	}
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		t.ctrl.OnDisconnected()
	}()

	t.ctrl.BindSender(&wsSender{conn: conn})
	if err := t.ctrl.OnConnected(ctx); err != nil {
		t.log.Warn("client.reconcile.fail", "err", err)
	}

	t.log.Info("client.transport.up", "url", t.url)

	for {
		var env v1.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return true, err
		}
		t.ctrl.HandleEvent(env)
	}
}

type wsSender struct {
	conn *websocket.Conn
}

func (s *wsSender) Send(ctx context.Context, env v1.Envelope) error {
	wctx, cancel := context.WithTimeout(ctx, transportWriteWait)
	defer cancel()
	return wsjson.Write(wctx, s.conn, env)
}
