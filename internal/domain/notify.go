package domain

import "context"

// UserNotifier delivers a message to one user using that user's own
// notification credentials.
type UserNotifier interface {
	SendTo(ctx context.Context, creds *Credentials, title, message string) error
}

// OpsNotifier alerts operators about events that need human attention.
type OpsNotifier interface {
	Notify(ctx context.Context, event, title, message string) error
}
