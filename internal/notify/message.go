package notify

// MessageKind names a message the engine accepts from the foreground.
type MessageKind string

const (
	// SetUserID associates the engine with a user ("" for none).
	SetUserID MessageKind = "SET_USER_ID"

	// CheckNotifications runs a cycle now.
	CheckNotifications MessageKind = "CHECK_NOTIFICATIONS"

	// ShowNotification displays the attached notification as is.
	ShowNotification MessageKind = "SHOW_NOTIFICATION"
)

// Message is sent to a running engine with Engine.Send.
type Message struct {
	Kind MessageKind

	// UserID is read by SetUserID.
	UserID string

	// Notification is read by ShowNotification.
	Notification *Notification

	// Reply, when set, receives the Result of CheckNotifications. The
	// engine does not block on it; use a buffered channel.
	Reply chan<- Result
}

// Result describes one cycle.
type Result struct {
	UserID    string
	Products  int
	Shown     []string
	Withdrawn []string

	// Skipped explains a cycle that did not evaluate any product.
	Skipped string

	Err error
}
