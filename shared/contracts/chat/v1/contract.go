// Package v1 defines the Vouch Chat Protocol v1 contract.
//
// It is shared between server and clients to keep the wire protocol authoritative.
// The package stays dependency-free on purpose: clients embed it.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated during the handshake.
const Subprotocol = "vouch.chat.v1"

// Client -> server types.
const (
	TypeRegister        = "register"
	TypeRegisterConfirm = "register_confirm"
	TypeLogin           = "login"
	TypeRecover         = "recover"
	TypeChatMessage     = "chat_message"
	TypeEditMessage     = "edit_message"
	TypeDeleteMessage   = "delete_message"
	TypeFileMessage     = "file_message"
	TypeSetTheme        = "set_theme"
)

// Server -> client types.
const (
	TypeRegisterStep2   = "register_step2"
	TypeRegisterSuccess = "register_success"
	TypeRegisterError   = "register_error"

	TypeLoginSuccess = "login_success"
	TypeLoginError   = "login_error"
	TypeChatHistory  = "chat_history"

	TypeRecoverySuccess = "recovery_success"
	TypeRecoveryError   = "recovery_error"

	// TypeChatMessage and TypeFileMessage are reused for the broadcast direction.
	TypeMessageEdited  = "message_edited"
	TypeMessageDeleted = "message_deleted"

	TypeThemeChanged = "theme_changed"

	TypeUserJoined = "user_joined"
	TypeUserLeft   = "user_left"

	// TypeError is a generic error envelope (bad JSON, rate limit, server failure).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an inbound Envelope.
// Only client -> server types are accepted.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeRegister,
		TypeRegisterConfirm,
		TypeLogin,
		TypeRecover,
		TypeChatMessage,
		TypeEditMessage,
		TypeDeleteMessage,
		TypeFileMessage,
		TypeSetTheme:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// New builds an envelope with a pre-encoded payload.
func New(typ, id string, ts time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts, Payload: raw}, nil
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(e.Payload, dst)
}
