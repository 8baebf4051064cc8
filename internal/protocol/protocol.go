// Package protocol defines the wire messages exchanged over a market
// WebSocket connection: a closed set of tagged commands in, a closed set of
// tagged pushes out, the heartbeat words, and the terminal close codes.
// Unknown tags are a no-op at dispatch, never an error.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/watthour/gridmarket/internal/domain"
	"github.com/watthour/gridmarket/internal/view"
)

// Command type tags (connection → actor).
const (
	CmdCreateGame     = "create-game"
	CmdUpdateOptions  = "update-options"
	CmdStartGame      = "start-game"
	CmdAdvancePeriod  = "advance-period"
	CmdSetAutoAdvance = "set-auto-advance"
	CmdSetVisibility  = "set-visibility"
	CmdSubmitOffers   = "submit-offers"
	CmdResetGame      = "reset-game"
	CmdKickPlayer     = "kick-player"
	CmdRewardPlayer   = "reward-player"
)

// Push type tags (actor → connection).
const (
	PushGameState = "game-state"
	PushConnected = "connected-identities"
	PushError     = "error"
)

// Heartbeat words. These are plain text frames exempt from the JSON message
// shapes; the platform may answer a ping without waking the actor.
const (
	PingWord = "ping"
	PongWord = "pong"
)

// Terminal close codes. Each maps to a fixed user-facing string and must
// suppress client-side reconnection.
const (
	CloseReplaced  = 4001
	CloseBanned    = 4002
	CloseGameReset = 4003
	CloseDestroyed = 4004
)

// TerminalCloseText maps terminal close codes to their user-facing messages.
var TerminalCloseText = map[int]string{
	CloseReplaced:  "You signed in from another window.",
	CloseBanned:    "You have been removed from this market.",
	CloseGameReset: "The game was reset by the operator.",
	CloseDestroyed: "This market no longer exists.",
}

// IsTerminalClose reports whether code is one of the close codes that must
// not trigger reconnection.
func IsTerminalClose(code int) bool {
	_, ok := TerminalCloseText[code]
	return ok
}

// Command is the inbound message union. Type selects which payload fields
// are meaningful; the rest stay zero.
type Command struct {
	Type string `json:"type"`

	// create-game
	Options *domain.Options `json:"options,omitempty"`

	// update-options
	Patch *domain.OptionsPatch `json:"patch,omitempty"`

	// set-auto-advance
	Enabled *bool `json:"enabled,omitempty"`

	// set-visibility
	Visibility domain.Visibility `json:"visibility,omitempty"`

	// submit-offers: generator id → price
	Offers map[string]float64 `json:"offers,omitempty"`

	// kick-player / reward-player target
	Identity string `json:"identity,omitempty"`

	// reward-player signed amount
	Amount float64 `json:"amount,omitempty"`
}

// DecodeCommand parses an inbound frame. A frame that is not valid JSON or
// has no type tag is malformed; the caller drops it silently.
func DecodeCommand(data []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("protocol: decode command: %w", err)
	}
	if cmd.Type == "" {
		return nil, fmt.Errorf("protocol: command missing type tag")
	}
	return &cmd, nil
}

// ConnectedIdentity is one live connection in a connected-identities push.
type ConnectedIdentity struct {
	Identity string      `json:"identity"`
	Role     domain.Role `json:"role"`
}

// Push is the outbound message union.
type Push struct {
	Type string `json:"type"`

	// game-state
	Game *view.GameView `json:"game,omitempty"`

	// connected-identities (privileged role only)
	Identities []ConnectedIdentity `json:"identities,omitempty"`

	// error, sent only to the offending connection
	Error string `json:"error,omitempty"`
}

// EncodePush serializes a push for the write pump.
func EncodePush(p *Push) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode push: %w", err)
	}
	return data, nil
}

// DecodePush parses a server push on the client side.
func DecodePush(data []byte) (*Push, error) {
	var p Push
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("protocol: decode push: %w", err)
	}
	if p.Type == "" {
		return nil, fmt.Errorf("protocol: push missing type tag")
	}
	return &p, nil
}
