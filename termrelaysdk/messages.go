package termrelaysdk

import (
	"encoding/json"
	"fmt"
)

// MessageType is the wire discriminator carried in every text frame's
// "type" field. Values are the identifiers spec'd for the paired-session
// protocol; they stay snake_case even though every other field uses
// camelCase, because they are protocol constants, not data.
type MessageType string

// Browser → Relay
const (
	TypeJoin                 MessageType = "join"
	TypeRejoin               MessageType = "rejoin"
	TypeTerminalInput        MessageType = "terminal_input"
	TypeTerminalResize       MessageType = "terminal_resize"
	TypeRequestScreenRefresh MessageType = "request_screen_refresh"
	TypeTabSwitch            MessageType = "tab_switch"
	TypeTabCreate            MessageType = "tab_create"
	TypeTabClose             MessageType = "tab_close"
	TypePing                 MessageType = "ping"
)

// Relay → Browser
const (
	TypeJoined              MessageType = "joined"
	TypeError               MessageType = "error"
	TypeTerminalData        MessageType = "terminal_data"
	TypeInitialTerminalData MessageType = "initial_terminal_data"
	TypeConfig              MessageType = "config"
	TypeTabList             MessageType = "tab_list"
	TypeTabCreated          MessageType = "tab_created"
	TypeTabClosed           MessageType = "tab_closed"
	TypeSessionResize       MessageType = "session_resize"
	TypeSessionConnected    MessageType = "session_connected"
	TypeSessionDisconnected MessageType = "session_disconnected"
	TypeSessionList         MessageType = "session_list"
	TypePong                MessageType = "pong"
)

// Agent → Relay
const (
	TypeSessionData MessageType = "session_data"
)

// Relay → Agent
const (
	TypeRegistered          MessageType = "registered"
	TypeBrowserConnected    MessageType = "browser_connected"
	TypeBrowserDisconnected MessageType = "browser_disconnected"
)

// Envelope is the common header every text frame carries. Decode it first
// to learn the discriminator, then unmarshal the full payload into the
// concrete type the discriminator names.
type Envelope struct {
	Type MessageType `json:"type"`
}

// Message is implemented by every concrete payload type. It exists so
// the router can accept `any` off the wire and still type-switch safely.
type Message interface {
	MessageType() MessageType
}

// --- Browser → Relay ---

type Join struct {
	Type MessageType `json:"type"`
	Code string      `json:"code"`
}

func (Join) MessageType() MessageType { return TypeJoin }

type Rejoin struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
}

func (Rejoin) MessageType() MessageType { return TypeRejoin }

type TerminalInput struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Payload   string      `json:"payload"`
}

func (TerminalInput) MessageType() MessageType { return TypeTerminalInput }

type TerminalResize struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Cols      int         `json:"cols"`
	Rows      int         `json:"rows"`
}

func (TerminalResize) MessageType() MessageType { return TypeTerminalResize }

type RequestScreenRefresh struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
}

func (RequestScreenRefresh) MessageType() MessageType { return TypeRequestScreenRefresh }

type TabSwitch struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	TabID     string      `json:"tabId"`
}

func (TabSwitch) MessageType() MessageType { return TypeTabSwitch }

type TabCreate struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Cwd       string      `json:"cwd,omitempty"`
}

func (TabCreate) MessageType() MessageType { return TypeTabCreate }

type TabClose struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	TabID     string      `json:"tabId"`
}

func (TabClose) MessageType() MessageType { return TypeTabClose }

type Ping struct {
	Type MessageType `json:"type"`
}

func (Ping) MessageType() MessageType { return TypePing }

// --- Relay → Browser ---

type Joined struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
}

func (Joined) MessageType() MessageType { return TypeJoined }

type Error struct {
	Type    MessageType `json:"type"`
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
}

func (Error) MessageType() MessageType { return TypeError }

type TerminalData struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Payload   string      `json:"payload"`
}

func (TerminalData) MessageType() MessageType { return TypeTerminalData }

type InitialTerminalData struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Payload   string      `json:"payload"`
}

func (InitialTerminalData) MessageType() MessageType { return TypeInitialTerminalData }

// Config carries agent-side terminal preferences down to a freshly joined
// browser (scrollback cap, shell name, color scheme) — display-only data
// the Relay never interprets.
type Config struct {
	Type     MessageType       `json:"type"`
	Settings map[string]string `json:"settings,omitempty"`
}

func (Config) MessageType() MessageType { return TypeConfig }

type TabInfo struct {
	TabID  string `json:"tabId"`
	Title  string `json:"title,omitempty"`
	Active bool   `json:"active,omitempty"`
}

type TabList struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Tabs      []TabInfo   `json:"tabs"`
}

func (TabList) MessageType() MessageType { return TypeTabList }

type TabCreated struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	TabID     string      `json:"tabId"`
}

func (TabCreated) MessageType() MessageType { return TypeTabCreated }

type TabClosed struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	TabID     string      `json:"tabId"`
}

func (TabClosed) MessageType() MessageType { return TypeTabClosed }

type SessionResize struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Cols      int         `json:"cols"`
	Rows      int         `json:"rows"`
}

func (SessionResize) MessageType() MessageType { return TypeSessionResize }

type SessionConnected struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
}

func (SessionConnected) MessageType() MessageType { return TypeSessionConnected }

type SessionDisconnected struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
}

func (SessionDisconnected) MessageType() MessageType { return TypeSessionDisconnected }

type SessionList struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Sessions  []string    `json:"sessions"`
}

func (SessionList) MessageType() MessageType { return TypeSessionList }

type Pong struct {
	Type MessageType `json:"type"`
}

func (Pong) MessageType() MessageType { return TypePong }

// --- Agent → Relay ---

// SessionData is a tagged wrapper: the agent uses it to carry any of the
// Relay→Browser payload kinds that originate at the agent (terminal_data,
// initial_terminal_data, config, tab_list, tab_switch, tab_created,
// tab_closed, session_resize, session_connected, session_disconnected,
// session_list). The Relay unwraps Payload's inner "type" to route it,
// then forwards Payload unchanged to the paired browser.
type SessionData struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (SessionData) MessageType() MessageType { return TypeSessionData }

// --- Relay → Agent ---

type Registered struct {
	Type MessageType `json:"type"`
	Code string      `json:"code"`
}

func (Registered) MessageType() MessageType { return TypeRegistered }

type BrowserConnected struct {
	Type MessageType `json:"type"`
}

func (BrowserConnected) MessageType() MessageType { return TypeBrowserConnected }

type BrowserDisconnected struct {
	Type MessageType `json:"type"`
}

func (BrowserDisconnected) MessageType() MessageType { return TypeBrowserDisconnected }

// BrowserToRelay is the set of message kinds a Browser Client may send.
var BrowserToRelay = map[MessageType]bool{
	TypeJoin:                 true,
	TypeRejoin:               true,
	TypeTerminalInput:        true,
	TypeTerminalResize:       true,
	TypeRequestScreenRefresh: true,
	TypeTabSwitch:            true,
	TypeTabCreate:            true,
	TypeTabClose:             true,
	TypePing:                 true,
}

// AgentToRelay is the set of message kinds a Mac Agent may send.
var AgentToRelay = map[MessageType]bool{
	TypeSessionData: true,
	// the agent may also directly ping; treated identically to a browser ping.
	TypePing: true,
}

// RelayToAgent is the set of kinds the Relay forwards to an agent
// (browser-originated control and terminal input, plus registration).
var RelayToAgent = map[MessageType]bool{
	TypeRegistered:           true,
	TypeBrowserConnected:     true,
	TypeBrowserDisconnected:  true,
	TypeTerminalInput:        true,
	TypeTerminalResize:       true,
	TypeRequestScreenRefresh: true,
	TypeTabSwitch:            true,
	TypeTabCreate:            true,
	TypeTabClose:             true,
	TypePong:                 true,
}

// RelayToBrowser is the set of kinds the Relay forwards or synthesizes
// for a browser (agent-originated payloads unwrapped from session_data,
// plus pairing and error responses).
var RelayToBrowser = map[MessageType]bool{
	TypeJoined:              true,
	TypeError:               true,
	TypeTerminalData:        true,
	TypeInitialTerminalData: true,
	TypeConfig:              true,
	TypeTabList:             true,
	TypeTabSwitch:           true,
	TypeTabCreated:          true,
	TypeTabClosed:           true,
	TypeSessionResize:       true,
	TypeSessionConnected:    true,
	TypeSessionDisconnected: true,
	TypeSessionList:         true,
	TypePong:                true,
}

// Decode parses raw into its concrete Message type based on the envelope's
// discriminator. It does not check role-appropriateness; callers check
// the returned MessageType against the role's allowed set.
func Decode(raw []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var msg Message
	switch env.Type {
	case TypeJoin:
		msg = &Join{}
	case TypeRejoin:
		msg = &Rejoin{}
	case TypeTerminalInput:
		msg = &TerminalInput{}
	case TypeTerminalResize:
		msg = &TerminalResize{}
	case TypeRequestScreenRefresh:
		msg = &RequestScreenRefresh{}
	case TypeTabSwitch:
		msg = &TabSwitch{}
	case TypeTabCreate:
		msg = &TabCreate{}
	case TypeTabClose:
		msg = &TabClose{}
	case TypePing:
		msg = &Ping{}
	case TypeJoined:
		msg = &Joined{}
	case TypeError:
		msg = &Error{}
	case TypeTerminalData:
		msg = &TerminalData{}
	case TypeInitialTerminalData:
		msg = &InitialTerminalData{}
	case TypeConfig:
		msg = &Config{}
	case TypeTabList:
		msg = &TabList{}
	case TypeTabCreated:
		msg = &TabCreated{}
	case TypeTabClosed:
		msg = &TabClosed{}
	case TypeSessionResize:
		msg = &SessionResize{}
	case TypeSessionConnected:
		msg = &SessionConnected{}
	case TypeSessionDisconnected:
		msg = &SessionDisconnected{}
	case TypeSessionList:
		msg = &SessionList{}
	case TypePong:
		msg = &Pong{}
	case TypeSessionData:
		msg = &SessionData{}
	case TypeRegistered:
		msg = &Registered{}
	case TypeBrowserConnected:
		msg = &BrowserConnected{}
	case TypeBrowserDisconnected:
		msg = &BrowserDisconnected{}
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}

	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return msg, nil
}
