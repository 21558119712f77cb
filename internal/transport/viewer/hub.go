// Package viewer carries hand-off notifications to connected viewers over websockets.
package viewer

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"opengrid.ai/internal/protocol"
)

// Verifier checks that a connecting viewer owns the circuit it names.
type Verifier interface {
	VerifyCircuit(agentID, sessionID uuid.UUID, circuitCode uint32) bool
}

// Teleports receives teleport requests typed by the viewer.
type Teleports interface {
	StartTeleport(agentID uuid.UUID, target string, pos, lookAt protocol.Vec3) bool
	Cancel(agentID uuid.UUID) bool
}

const maxQueue = 32

type Hub struct {
	verifier  Verifier
	teleports Teleports
	logger    *zap.Logger
	upgrader  websocket.Upgrader

	mu    sync.RWMutex
	conns map[uuid.UUID]chan []byte
}

func NewHub(verifier Verifier, teleports Teleports, logger *zap.Logger) *Hub {
	return &Hub{
		verifier:  verifier,
		teleports: teleports,
		logger:    logger.With(zap.String("component", "viewer-hub")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: map[uuid.UUID]chan []byte{},
	}
}

// SetTeleports wires the teleport service after construction.
func (h *Hub) SetTeleports(t Teleports) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.teleports = t
}

func (h *Hub) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		agentID, out := h.handshake(conn)
		if agentID == uuid.Nil {
			return
		}
		defer h.detach(agentID, out)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			h.handle(agentID, msg)
		}
	}
}

func (h *Hub) handle(agentID uuid.UUID, msg []byte) {
	typ, err := decodeType(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	teleports := h.teleports
	h.mu.RUnlock()
	if teleports == nil {
		return
	}
	switch typ {
	case TypeTeleportRequest:
		var req TeleportRequestMsg
		if err := json.Unmarshal(msg, &req); err != nil {
			return
		}
		if !teleports.StartTeleport(agentID, req.Target, req.Position, req.LookAt) {
			h.Alert(agentID, "Teleport already in progress")
		}
	case TypeTeleportCancel:
		teleports.Cancel(agentID)
	}
}

func (h *Hub) handshake(conn *websocket.Conn) (uuid.UUID, chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return uuid.Nil, nil
	}
	var hello HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil || hello.Type != TypeHello {
		closeWith(conn, "expected HELLO")
		return uuid.Nil, nil
	}
	agentID, err1 := uuid.Parse(hello.AgentID)
	sessionID, err2 := uuid.Parse(hello.SessionID)
	if err1 != nil || err2 != nil || !h.verifier.VerifyCircuit(agentID, sessionID, hello.CircuitCode) {
		closeWith(conn, "unknown circuit")
		return uuid.Nil, nil
	}

	out := make(chan []byte, maxQueue)
	h.mu.Lock()
	h.conns[agentID] = out
	h.mu.Unlock()

	if err := writeJSON(conn, WelcomeMsg{Type: TypeWelcome, AgentID: agentID.String()}); err != nil {
		h.detach(agentID, out)
		return uuid.Nil, nil
	}
	h.logger.Debug("viewer attached", zap.Stringer("agent_id", agentID))
	return agentID, out
}

func (h *Hub) detach(agentID uuid.UUID, out chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.conns[agentID]; ok && cur == out {
		delete(h.conns, agentID)
	}
}

// Connected reports whether a viewer is attached for the agent.
func (h *Hub) Connected(agentID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[agentID]
	return ok
}

func (h *Hub) send(agentID uuid.UUID, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	h.mu.RLock()
	out, ok := h.conns[agentID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case out <- b:
	default:
		h.logger.Warn("viewer queue full, dropping message", zap.Stringer("agent_id", agentID))
	}
}

func (h *Hub) TeleportStart(agentID uuid.UUID, flags protocol.TeleportFlags) {
	h.send(agentID, TeleportStartMsg{Type: TypeTeleportStart, Flags: flags})
}

func (h *Hub) TeleportProgress(agentID uuid.UUID, message string, flags protocol.TeleportFlags) {
	h.send(agentID, TeleportProgressMsg{Type: TypeTeleportProgress, Message: message, Flags: flags})
}

func (h *Hub) TeleportFinish(agentID uuid.UUID, fin protocol.TeleportFinish) {
	h.send(agentID, TeleportFinishMsg{Type: TypeTeleportFinish, TeleportFinish: fin})
}

func (h *Hub) TeleportFailed(agentID uuid.UUID, reason string) {
	h.send(agentID, TeleportFailedMsg{Type: TypeTeleportFailed, Reason: reason})
}

func (h *Hub) Alert(agentID uuid.UUID, message string) {
	h.send(agentID, AlertMsg{Type: TypeAlert, Message: message})
}

func closeWith(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
