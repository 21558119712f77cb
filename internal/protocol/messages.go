package protocol

// Methods understood by the agent endpoint in addition to the HTTP verbs.
const MethodQueryAccess = "QUERYACCESS"

// Content types used by the agent transfer encoding tiers.
const (
	ContentTypeJSON = "application/json"
	ContentTypeGzip = "application/x-gzip"
)

// Credentials are copied verbatim from origin to destination.
type Credentials struct {
	SessionID        string `json:"session_id"`
	SecureSessionID  string `json:"secure_session_id"`
	ServiceSessionID string `json:"service_session_id,omitempty"`
}

// QueryAccessRequest opens the version/authorization handshake.
type QueryAccessRequest struct {
	AgentID       string        `json:"agent_id"`
	RegionID      string        `json:"destination_uuid"`
	Position      Vec3          `json:"position"`
	MyVersion     string        `json:"my_version"`
	SupportedMin  string        `json:"simulation_service_supported_min"`
	SupportedMax  string        `json:"simulation_service_supported_max"`
	AcceptedMin   string        `json:"simulation_service_accepted_min"`
	AcceptedMax   string        `json:"simulation_service_accepted_max"`
	Context       AccessContext `json:"context"`
	AgentHomeURI  string        `json:"agent_home_uri,omitempty"`
	TeleportFlags TeleportFlags `json:"teleport_flags"`
}

type AccessContext struct {
	WearablesCount int `json:"wearablesCount"`
}

type QueryAccessResponse struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
	Code    string `json:"code,omitempty"`
	Version string `json:"version,omitempty"`
	// Negotiated is the bare "<major>.<minor>" the peer settled on, when it says so explicitly.
	Negotiated string `json:"negotiated_outbound_version,omitempty"`
}

type WearableItem struct {
	ItemID  string `json:"item"`
	AssetID string `json:"asset"`
}

type Attachment struct {
	AttachPoint int    `json:"point"`
	ItemID      string `json:"item"`
	AssetID     string `json:"asset,omitempty"`
}

type Appearance struct {
	Serial       int      `json:"serial"`
	Height       float32  `json:"height"`
	VisualParams []byte   `json:"visualparams,omitempty"`
	Texture      []string `json:"textures,omitempty"`
	// Wearables is indexed by wearable type; each slot may hold several layers.
	Wearables   [][]WearableItem `json:"wearables,omitempty"`
	Attachments []Attachment     `json:"attachments,omitempty"`
}

// Capped returns a copy whose wearable slots are truncated to max.
func (a *Appearance) Capped(max int) *Appearance {
	if a == nil {
		return nil
	}
	out := *a
	n := len(a.Wearables)
	if n > max {
		n = max
	}
	out.Wearables = make([][]WearableItem, n)
	for i := 0; i < n; i++ {
		out.Wearables[i] = append([]WearableItem(nil), a.Wearables[i]...)
	}
	out.VisualParams = append([]byte(nil), a.VisualParams...)
	out.Texture = append([]string(nil), a.Texture...)
	out.Attachments = append([]Attachment(nil), a.Attachments...)
	return &out
}

// AgentCircuitData is the agent transfer package posted to a destination.
type AgentCircuitData struct {
	AgentID   string `json:"agent_id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Credentials

	CircuitCode   uint32            `json:"circuit_code"`
	CapsPath      string            `json:"caps_path"`
	ChildrenSeeds map[string]string `json:"children_seeds,omitempty"`
	Child         bool              `json:"child"`

	Appearance *Appearance `json:"packed_appearance,omitempty"`

	IPAddress string `json:"client_ip,omitempty"`
	Viewer    string `json:"viewer,omitempty"`
	Channel   string `json:"channel,omitempty"`
	Mac       string `json:"mac,omitempty"`
	ID0       string `json:"id0,omitempty"`

	StartPos      Vec3              `json:"start_pos"`
	StartLookAt   Vec3              `json:"start_lookat"`
	TeleportFlags TeleportFlags     `json:"teleport_flags"`
	ServiceURLs   map[string]string `json:"service_urls,omitempty"`
	HomeURI       string            `json:"home_uri,omitempty"`

	DestinationX         uint32 `json:"destination_x"`
	DestinationY         uint32 `json:"destination_y"`
	DestinationName      string `json:"destination_name"`
	DestinationUUID      string `json:"destination_uuid"`
	DestinationServerURI string `json:"destination_serveruri,omitempty"`
}

// CreateAgentResponse is the destination's answer to a POST.
type CreateAgentResponse struct {
	Success     *bool   `json:"success,omitempty"`
	Reason      *string `json:"reason,omitempty"`
	Code        string  `json:"code,omitempty"`
	YourIP      string  `json:"your_ip,omitempty"`
	CircuitCode uint32  `json:"circuit_code,omitempty"`
	CapsID      string  `json:"caps_id,omitempty"`
}

// ReasonAuthorized is the reason string a destination uses to accept an agent.
const ReasonAuthorized = "authorized"

// AgentData is the full-state snapshot PUT to a destination to promote a child.
type AgentData struct {
	RegionID    string `json:"region_id"`
	CircuitCode uint32 `json:"circuit_code"`
	AgentID     string `json:"agent_uuid"`
	SessionID   string `json:"session_uuid"`

	Position     Vec3    `json:"position"`
	Velocity     Vec3    `json:"velocity"`
	Center       Vec3    `json:"center"`
	Size         Vec3    `json:"size"`
	AtAxis       Vec3    `json:"at_axis"`
	LeftAxis     Vec3    `json:"left_axis"`
	UpAxis       Vec3    `json:"up_axis"`
	BodyRotation Quat    `json:"body_rotation"`
	Far          float32 `json:"far"`
	ControlFlags uint32  `json:"control_flags"`
	AlwaysRun    bool    `json:"always_run"`

	ActiveGroupID string `json:"active_group_id,omitempty"`
	WaitForRoot   bool   `json:"wait_for_root"`
	ChangedGrid   bool   `json:"changed_grid"`
	CallbackURI   string `json:"callback_uri,omitempty"`

	Appearance  *Appearance  `json:"packed_appearance,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ReleaseResponse answers DELETE requests.
type ReleaseResponse struct {
	Result bool   `json:"RESULT"`
	Reason string `json:"reason,omitempty"`
}

// TeleportFinish tells a viewer where its agent now lives.
type TeleportFinish struct {
	RegionID     string        `json:"region_id"`
	RegionName   string        `json:"region_name"`
	RegionHandle uint64        `json:"region_handle"`
	SimURI       string        `json:"sim_uri"`
	SeedCapsURL  string        `json:"seed_caps_url"`
	CircuitCode  uint32        `json:"circuit_code"`
	SizeX        uint32        `json:"size_x"`
	SizeY        uint32        `json:"size_y"`
	Access       uint8         `json:"access"`
	Flags        TeleportFlags `json:"teleport_flags"`
}
