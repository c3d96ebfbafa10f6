package cli

import (
	"time"

	"github.com/clippy-oss/homie/web3-messenger/internal/app"
	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
)

// Mode represents the CLI operation mode
type Mode string

const (
	ModeInteractive Mode = "interactive"
	ModeHeadless    Mode = "headless"
)

// Request represents a JSON request in headless mode
type Request struct {
	ID      string                 `json:"id,omitempty"`
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a JSON response in headless mode
type Response struct {
	ID      string      `json:"id,omitempty"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Event represents a real-time event in headless mode
type Event struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// PairingInfo represents pairing information
type PairingInfo struct {
	Code    string `json:"code,omitempty"`
	QRCode  string `json:"qr_code,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Signature is the result of signing text with the wallet.
type Signature struct {
	Address   string `json:"address"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

// Result is the outcome of one command. Exactly one payload field is set,
// besides Message and Warning which may accompany any of them.
type Result struct {
	Message string
	Warning string
	Help    string
	Quit    bool

	Status        *app.Status
	Conversations []*domain.Conversation
	Conversation  *domain.Conversation
	Messages      []*domain.Message
	Found         []*domain.Message
	Sent          *domain.Message
	Call          *domain.CallState
	Broadcast     *domain.BroadcastState
	Pairing       *PairingInfo
	Signature     *Signature
}
