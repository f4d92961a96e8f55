package v1

import "time"

// Inbound payloads carry `validate` tags (go-playground/validator syntax).
// The server enforces them; the tags add no dependency to this package.

// ---- registration ----

// RegisterPayload starts enrollment for a new username.
type RegisterPayload struct {
	Username string `json:"username"`
}

// RegisterStep2Payload carries the enrollment material.
// QRCode holds the otpauth:// provisioning URI; clients render it.
type RegisterStep2Payload struct {
	QRCode      string `json:"qrCode"`
	RecoveryKey string `json:"recoveryKey"`
}

// RegisterConfirmPayload proves possession of the enrolled secret.
type RegisterConfirmPayload struct {
	Token string `json:"token" validate:"required,max=16"`
}

// RegisterSuccessPayload acknowledges a persisted account.
type RegisterSuccessPayload struct {
	Username string `json:"username"`
}

// ---- login / recovery ----

// LoginPayload authenticates a connection.
type LoginPayload struct {
	Username string `json:"username" validate:"required,max=128"`
	Token    string `json:"token" validate:"required,max=16"`
}

// LoginSuccessPayload is sent to the authenticated connection only.
type LoginSuccessPayload struct {
	Username string `json:"username"`
	Theme    string `json:"theme,omitempty"`
}

// ChatHistoryPayload is the history window delivered after login.
type ChatHistoryPayload struct {
	Messages []ChatMessage `json:"messages"`
}

// RecoverPayload requests secret rotation with a recovery token.
type RecoverPayload struct {
	Username      string `json:"username" validate:"required,max=128"`
	RecoveryToken string `json:"recoveryToken" validate:"required,max=128"`
}

// RecoverySuccessPayload carries the rotated enrollment material.
type RecoverySuccessPayload struct {
	QRCode      string `json:"qrCode"`
	RecoveryKey string `json:"recoveryKey"`
}

// ErrorMessagePayload is used by register_error, login_error and recovery_error.
type ErrorMessagePayload struct {
	Message string `json:"message"`
}

// ---- messages ----

// ChatMessageSendPayload is the inbound chat_message payload.
type ChatMessageSendPayload struct {
	Text string `json:"text"`
}

// ChatMessage is the broadcast and history representation of a stored message.
type ChatMessage struct {
	ID        string    `json:"id"`
	User      string    `json:"user"`
	Text      string    `json:"text"`
	Edited    bool      `json:"edited"`
	Deleted   bool      `json:"deleted"`
	Timestamp time.Time `json:"timestamp"`
}

// EditMessagePayload is the inbound edit_message payload.
type EditMessagePayload struct {
	ID      string `json:"id" validate:"required,ulid"`
	NewText string `json:"newText"`
}

// MessageEditedPayload is broadcast after a successful edit.
type MessageEditedPayload struct {
	ID      string `json:"id"`
	NewText string `json:"newText"`
	Edited  bool   `json:"edited"`
}

// DeleteMessagePayload is the inbound delete_message payload.
type DeleteMessagePayload struct {
	ID string `json:"id" validate:"required,ulid"`
}

// MessageDeletedPayload is broadcast after a successful delete.
type MessageDeletedPayload struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
	Text    string `json:"text"`
}

// FileMessagePayload describes a transient file notice. Data is opaque to the
// server (typically a base64 data URL) and is never persisted.
type FileMessagePayload struct {
	Name     string `json:"name" validate:"required,max=255"`
	MimeType string `json:"mimeType,omitempty" validate:"omitempty,max=255"`
	Size     int64  `json:"size" validate:"gte=0"`
	Data     string `json:"data,omitempty"`
}

// FileMessageBroadcast is the outbound file_message payload.
type FileMessageBroadcast struct {
	FileMessagePayload
	User      string    `json:"user"`
	Timestamp time.Time `json:"timestamp"`
}

// ---- preferences / presence ----

// SetThemePayload is the inbound set_theme payload.
type SetThemePayload struct {
	Theme string `json:"theme" validate:"required,oneof=light dark"`
}

// ThemeChangedPayload confirms a persisted theme change.
type ThemeChangedPayload struct {
	Theme string `json:"theme"`
}

// PresencePayload is used by user_joined and user_left.
type PresencePayload struct {
	User string `json:"user"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
