package viewer

import (
	"encoding/json"

	"opengrid.ai/internal/protocol"
)

const (
	TypeHello            = "HELLO"
	TypeWelcome          = "WELCOME"
	TypeTeleportRequest  = "TELEPORT_REQUEST"
	TypeTeleportCancel   = "TELEPORT_CANCEL"
	TypeTeleportStart    = "TELEPORT_START"
	TypeTeleportProgress = "TELEPORT_PROGRESS"
	TypeTeleportFinish   = "TELEPORT_FINISH"
	TypeTeleportFailed   = "TELEPORT_FAILED"
	TypeAlert            = "ALERT"
)

type baseMsg struct {
	Type string `json:"type"`
}

type HelloMsg struct {
	Type        string `json:"type"`
	AgentID     string `json:"agent_id"`
	SessionID   string `json:"session_id"`
	CircuitCode uint32 `json:"circuit_code"`
}

type WelcomeMsg struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
}

type TeleportRequestMsg struct {
	Type     string        `json:"type"`
	Target   string        `json:"target"`
	Position protocol.Vec3 `json:"position"`
	LookAt   protocol.Vec3 `json:"look_at"`
}

type TeleportStartMsg struct {
	Type  string                 `json:"type"`
	Flags protocol.TeleportFlags `json:"teleport_flags"`
}

type TeleportProgressMsg struct {
	Type    string                 `json:"type"`
	Message string                 `json:"message"`
	Flags   protocol.TeleportFlags `json:"teleport_flags"`
}

type TeleportFinishMsg struct {
	Type string `json:"type"`
	protocol.TeleportFinish
}

type TeleportFailedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type AlertMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func decodeType(b []byte) (string, error) {
	var base baseMsg
	if err := json.Unmarshal(b, &base); err != nil {
		return "", err
	}
	return base.Type, nil
}
