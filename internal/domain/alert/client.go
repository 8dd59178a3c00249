package alert

import "context"

// Client defines an interface for delivering operator alerts.
// This keeps the application layer independent of the messaging library.
type Client interface {
	SendAlert(ctx context.Context, text string) error
}
