package domain

import "encoding/json"

// StudentSummary is one row of the student picker.
type StudentSummary struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Package string `json:"package"`
	Subject string `json:"subject"`
	Teacher string `json:"teacher"`
}

// Dashboard is the full student payload (attendance, tests, payments, subscriptions summary).
// The BFF does not interpret it; the webview renders it.
type Dashboard json.RawMessage

// MarshalJSON writes the payload through unchanged.
func (d Dashboard) MarshalJSON() ([]byte, error) {
	if len(d) == 0 {
		return []byte("null"), nil
	}
	return d, nil
}

// SessionClaims identifies the chat a webview session belongs to.
type SessionClaims struct {
	Sub  string `json:"sub"` // chat id
	Name string `json:"name"`
}

// SessionRequest carries the webview's signed init data.
type SessionRequest struct {
	InitData string `json:"initData" validate:"required"`
}

// SessionResponse is returned after the init data was verified.
type SessionResponse struct {
	Token  string `json:"token"`
	ChatID string `json:"chatId"`
}
