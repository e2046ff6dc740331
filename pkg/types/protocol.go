package types

// Wire protocol for the sketch session socket. Every frame is a JSON text
// message with a "type" discriminator.

// Client-to-server message types.
const (
	MsgHello = "hello"
	MsgStart = "start"
)

// Server-to-client message types.
const (
	MsgWelcome  = "welcome"
	MsgReady    = "ready"
	MsgStatus   = "status"
	MsgPreview  = "preview"
	MsgDone     = "done"
	MsgRestored = "restored"
	MsgError    = "error"
	MsgExpired  = "expired"
	MsgFull     = "full"
)

// WelcomeMessage is the handshake reply. Unlike the shared envelope its epoch
// is always present, even at zero, and the preview URL is carried under
// previewUrl rather than the preview/done/restored frames' url key.
type WelcomeMessage struct {
	Type       string `json:"type"`
	SketchID   string `json:"sketchId"`
	Stage      Stage  `json:"stage"`
	PreviewURL string `json:"previewUrl,omitempty"`
	Epoch      int64  `json:"epoch"`
}

// ClientMessage is the envelope for every inbound frame.
type ClientMessage struct {
	Type   string `json:"type"`
	Prompt string `json:"prompt,omitempty"`
}

// ServerMessage is the envelope for every outbound frame. Optional fields are
// populated per type; Epoch is carried wherever a client may need to discard
// frames from a superseded attempt.
type ServerMessage struct {
	Type      string `json:"type"`
	SketchID  string `json:"sketchId,omitempty"`
	Stage     Stage  `json:"stage,omitempty"`
	Step      string `json:"step,omitempty"`
	Message   string `json:"message,omitempty"`
	URL       string `json:"url,omitempty"`
	Epoch     int64  `json:"epoch,omitempty"`
	Active    int    `json:"active,omitempty"`
}

// Named workflow steps carried on status frames.
const (
	StepServer    = "server"
	StepAgent     = "agent"
	StepModify    = "modify"
	StepRestoring = "restoring"
	StepRetry     = "retry"
)

// WebSocket close codes used at admission time. 1008 is the standard policy
// violation code; 1013 signals the client should try again later.
const (
	CloseInvalidSketchID = 1008
	CloseNoCapacity      = 1013
)
