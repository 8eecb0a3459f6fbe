package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"estateplanner.dev/internal/protocol"
	"estateplanner.dev/internal/sim/estate"
	"estateplanner.dev/internal/transport/wire"
)

type Server struct {
	engine *estate.Engine
	log    *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	// Optional; when set every ACT is validated before it reaches the engine.
	actSchema *jsonschema.Schema

	// A client that neither sends nor answers pings for pongWait is dropped.
	pongWait   time.Duration
	pingPeriod time.Duration
}

func NewServer(g *estate.Engine, logger *log.Logger) *Server {
	return &Server{
		engine: g,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		pongWait:   60 * time.Second,
		pingPeriod: 50 * time.Second,
	}
}

func (s *Server) SetActSchema(sch *jsonschema.Schema) { s.actSchema = sch }

type session struct {
	id       string
	client   string
	maxQueue int
	catalog  bool
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess, ok := s.handshake(conn)
		if !ok {
			return
		}
		s.logf("session %s (%s) connected from %s", sess.id, sess.client, r.RemoteAddr)

		views, unsubscribe := s.engine.Subscribe(sess.maxQueue)
		defer unsubscribe()
		results := make(chan []byte, sess.maxQueue)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			ping := time.NewTicker(s.pingPeriod)
			defer ping.Stop()
			for {
				var b []byte
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case <-ping.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
						cancel()
						writeErr <- err
						return
					}
					continue
				case v := <-views:
					var err error
					if b, err = json.Marshal(wire.Ledger(v)); err != nil {
						continue
					}
				case b = <-results:
				}
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					cancel()
					writeErr <- err
					return
				}
			}
		}()

		// Reader loop.
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(s.pongWait))
		})
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			res, ok := s.handleAct(sess, msg)
			if !ok {
				continue
			}
			b, err := json.Marshal(res)
			if err != nil {
				continue
			}
			select {
			case results <- b:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
		s.logf("session %s closed", sess.id)
	}
}

// handleAct decodes one client frame. Frames that are not ACT are ignored;
// malformed ACTs are answered with E_PROTO_BAD_REQUEST.
func (s *Server) handleAct(sess session, msg []byte) (protocol.ResultMsg, bool) {
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeAct {
		return protocol.ResultMsg{}, false
	}
	var act protocol.ActMsg
	if err := json.Unmarshal(msg, &act); err != nil {
		return badRequest("", "malformed ACT"), true
	}
	if act.ProtocolVersion != protocol.Version {
		return badRequest(act.ReqID, "bad protocol_version"), true
	}
	if s.actSchema != nil {
		var doc any
		if err := json.Unmarshal(msg, &doc); err != nil {
			return badRequest(act.ReqID, "malformed ACT"), true
		}
		if err := s.actSchema.Validate(doc); err != nil {
			return badRequest(act.ReqID, err.Error()), true
		}
	}
	res, err := s.engine.Do(sess.id, wire.Action(act.Action))
	return wire.Result(act.ReqID, s.engine.CurrentTick(), res, err), true
}

func badRequest(reqID, reason string) protocol.ResultMsg {
	return protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		ReqID:           reqID,
		Code:            protocol.ErrProtoBadRequest,
		Message:         reason,
	}
}

func (s *Server) handshake(conn *websocket.Conn) (session, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return session{}, false
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return session{}, false
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return session{}, false
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return session{}, false
	}
	if hello.ClientName == "" {
		hello.ClientName = "client"
	}

	maxQ := hello.Capabilities.MaxQueue
	if maxQ <= 0 {
		maxQ = 8
	}
	if maxQ > 64 {
		maxQ = 64
	}
	sess := session{
		id:       fmt.Sprintf("C%d", s.nextID.Add(1)),
		client:   hello.ClientName,
		maxQueue: maxQ,
		catalog:  hello.Capabilities.Catalog,
	}

	if err := writeJSON(conn, wire.Welcome(sess.id, s.engine)); err != nil {
		return session{}, false
	}
	if sess.catalog {
		c, err := wire.Catalog(s.engine)
		if err != nil {
			return session{}, false
		}
		if err := writeJSON(conn, c); err != nil {
			return session{}, false
		}
	}
	return sess, true
}

func (s *Server) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
