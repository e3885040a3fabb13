package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sheerbytes/transferq/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// serveWS upgrades to a feed connection. The client receives a hello, then
// periodic snapshots for its topics. It may send subscribe envelopes to
// change topics.
func (s *Server) serveWS(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	log := s.log.WithField("client", id)
	remove := s.hub.Add(id, nil, func(msg []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, msg)
	})
	defer remove()

	hello, err := protocol.Encode(protocol.TypeHello, protocol.Hello{
		Server:     s.opts.ServiceName,
		IntervalMS: s.opts.WSInterval.Milliseconds(),
		Topics:     protocol.DefaultTopics,
	})
	if err == nil {
		s.hub.Send(id, hello)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("feed read failed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handleFeedMessage(id, data)
	}
}

func (s *Server) handleFeedMessage(id string, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		s.sendFeedError(id, "bad_request", err.Error())
		return
	}
	switch env.Type {
	case protocol.TypeSubscribe:
		var sub protocol.Subscribe
		if err := env.DecodePayload(&sub); err != nil {
			s.sendFeedError(id, "bad_request", err.Error())
			return
		}
		if err := s.hub.Subscribe(id, sub.Topics); err != nil {
			s.sendFeedError(id, "bad_request", err.Error())
			return
		}
		s.push()
	default:
		s.sendFeedError(id, "unsupported", "unsupported message type "+env.Type)
	}
}

func (s *Server) sendFeedError(id, code, msg string) {
	data, err := protocol.Encode(protocol.TypeError, protocol.Error{Code: code, Message: msg})
	if err != nil {
		return
	}
	s.hub.Send(id, data)
}
