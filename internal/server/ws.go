/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/friendsincode/skuld_signage/internal/events"
)

// wsEnvelope is the wire shape of a pushed event.
type wsEnvelope struct {
	Type    string         `json:"type"`
	Payload events.Payload `json:"payload"`
}

// handleEventsWS pushes state, service, and health events to the UI. Auth
// already happened in the middleware; the query token is accepted there
// because browsers cannot set headers on WebSocket dials.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The UI never sends anything; CloseRead gives us a ctx that ends when
	// the client goes away.
	ctx := conn.CloseRead(r.Context())

	stateSub := s.bus.Subscribe(events.EventStateChanged)
	serviceSub := s.bus.Subscribe(events.EventServiceStatus)
	healthSub := s.bus.Subscribe(events.EventHealth)
	scheduleSub := s.bus.Subscribe(events.EventScheduleUpdate)
	defer func() {
		s.bus.Unsubscribe(events.EventStateChanged, stateSub)
		s.bus.Unsubscribe(events.EventServiceStatus, serviceSub)
		s.bus.Unsubscribe(events.EventHealth, healthSub)
		s.bus.Unsubscribe(events.EventScheduleUpdate, scheduleSub)
	}()

	// Current state straight away so the UI has something to paint.
	if err := wsjson.Write(ctx, conn, wsEnvelope{
		Type:    string(events.EventStateChanged),
		Payload: events.Payload{"status": s.contentRouter.Status()},
	}); err != nil {
		return
	}

	for {
		var env wsEnvelope
		select {
		case <-ctx.Done():
			return
		case payload := <-stateSub:
			env = wsEnvelope{Type: string(events.EventStateChanged), Payload: payload}
		case payload := <-serviceSub:
			env = wsEnvelope{Type: string(events.EventServiceStatus), Payload: payload}
		case payload := <-healthSub:
			env = wsEnvelope{Type: string(events.EventHealth), Payload: payload}
		case payload := <-scheduleSub:
			env = wsEnvelope{Type: string(events.EventScheduleUpdate), Payload: payload}
		}
		if err := wsjson.Write(ctx, conn, env); err != nil {
			return
		}
	}
}
