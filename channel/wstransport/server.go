// Package wstransport serves the synchronization channel's wire protocol
// over websocket connections. Each connection is one observer: it receives
// the full snapshot on attach, ordered changed broadcasts afterwards, and
// may send mutate messages whose rejections are replied to it alone.
package wstransport

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/expkit/experimenter/channel"
	"github.com/expkit/experimenter/pkg/logger"
)

// Server upgrades HTTP requests to websocket sessions attached to a channel.
type Server struct {
	ch       *channel.Channel
	lggr     logger.Logger
	upgrader websocket.Upgrader
}

var _ http.Handler = &Server{}

// NewServer creates a websocket transport over the channel.
func NewServer(ch *channel.Channel, lggr logger.Logger) *Server {
	return &Server{
		ch:   ch,
		lggr: lggr.Named("wstransport"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and runs the session until the client
// disconnects or the channel closes.
//
// Implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.lggr.Errorw("Failed to upgrade websocket connection", "error", err)

		return
	}
	defer func() {
		_ = conn.Close()
	}()

	sub, err := s.ch.Subscribe(r.Context())
	if err != nil {
		s.lggr.Errorw("Failed to attach observer", "error", err)

		return
	}
	defer sub.Detach()

	lggr := s.lggr.With("observer", sub.ID())
	lggr.Debugw("Observer connected", "revision", sub.Revision())

	env, err := channel.SnapshotEnvelope(sub.Snapshot())
	if err != nil {
		lggr.Errorw("Failed to encode attach snapshot", "error", err)

		return
	}
	if err := conn.WriteJSON(env); err != nil {
		lggr.Debugw("Failed to send attach snapshot", "error", err)

		return
	}

	// The websocket allows a single concurrent writer, so broadcasts and
	// mutate replies are funneled into one write loop.
	replies := make(chan channel.Envelope, 1)
	done := make(chan struct{})
	writeFailed := make(chan struct{})
	go s.writeLoop(conn, sub, replies, done, writeFailed, lggr)
	defer close(done)

	s.readLoop(r.Context(), conn, replies, writeFailed, lggr)
}

// readLoop consumes client messages until the connection drops. Only mutate
// messages are meaningful; anything else earns an error reply.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, replies chan channel.Envelope, writeFailed chan struct{}, lggr logger.Logger) {
	for {
		var env channel.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			lggr.Debugw("Observer disconnected", "error", err)

			return
		}

		var reply *channel.Envelope
		switch {
		case env.Type != channel.MessageMutate:
			reply = &channel.Envelope{Type: channel.MessageError, Error: "unsupported message type " + string(env.Type)}
		case env.Patch == nil:
			reply = &channel.Envelope{Type: channel.MessageError, Error: "mutate message carries no patch"}
		default:
			if _, err := s.ch.Mutate(ctx, *env.Patch); err != nil {
				r, encErr := channel.ReplyEnvelope(err)
				if encErr != nil {
					lggr.Errorw("Failed to encode mutate reply", "error", encErr)

					continue
				}
				reply = &r
			}
		}
		if reply == nil {
			// Accepted mutations are answered by the changed broadcast.
			continue
		}

		select {
		case replies <- *reply:
		case <-writeFailed:
			return
		}
	}
}

// writeLoop is the connection's only writer. It forwards changed broadcasts
// and mutate replies, and closes the connection when the observer's event
// queue is closed from the channel side.
func (s *Server) writeLoop(conn *websocket.Conn, sub *channel.Subscription, replies chan channel.Envelope, done, writeFailed chan struct{}, lggr logger.Logger) {
	fail := func(err error) {
		lggr.Debugw("Failed to write to observer", "error", err)
		close(writeFailed)
		_ = conn.Close()
	}

	for {
		select {
		case <-done:
			return
		case env := <-replies:
			if err := conn.WriteJSON(env); err != nil {
				fail(err)

				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				// Detached by the channel: falling behind or shutdown.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "detached"),
					time.Now().Add(time.Second))
				_ = conn.Close()

				return
			}
			env, err := channel.ChangedEnvelope(ev.Snapshot)
			if err != nil {
				lggr.Errorw("Failed to encode changed broadcast", "error", err)

				continue
			}
			if err := conn.WriteJSON(env); err != nil {
				fail(err)

				return
			}
		}
	}
}
