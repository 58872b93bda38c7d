package extension

import "context"

// Conn is the part of a client connection an extension needs: an id and a queued send.
type Conn interface {
	ID() string

	// Send queues frame for delivery. It must not block past ctx.
	Send(ctx context.Context, frame []byte) error

	// TrySend queues frame only if there is room right now. Fan-out uses it.
	TrySend(frame []byte) bool
}

// Subscriber pairs a connection with the identity it authenticated as.
type Subscriber struct {
	Conn     Conn
	Identity string
}

// SettingsReader is the persisted configuration an extension reads on load and reload.
type SettingsReader interface {
	SourceEnabled(ctx context.Context, code, source string) (bool, error)
	ExtensionValues(ctx context.Context, code string) (map[string]string, error)
}

// DataSource is what the request router sees of a loaded extension.
type DataSource interface {
	Code() string
	AddSubscriber(source string, sub Subscriber) error
	RemoveSubscriber(connID string)
	PollAndSendData(ctx context.Context, source string, sub Subscriber) error
	View() View
}
