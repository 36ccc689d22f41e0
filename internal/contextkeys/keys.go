package contextkeys

// contextKey is an unexported type for context keys to prevent collisions.
type contextKey string

const (
	// ChatID is the context key for the authenticated chat's ID.
	ChatID contextKey = "chatID"
	// ChatName is the context key for the display name from the init data.
	ChatName contextKey = "chatName"
	// RequestID is the context key for the per-request correlation ID.
	RequestID contextKey = "requestID"
)
