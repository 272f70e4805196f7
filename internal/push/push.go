// Package push delivers notifications to devices that have no live
// socket, over the Web Push protocol, optionally through an AMQP queue so
// slow push endpoints never sit on the request path.
package push

import "context"

// Notification is the user-visible payload. ConversationID lets the
// client deep-link into the conversation on tap.
type Notification struct {
	Title          string `json:"title"`
	Body           string `json:"body"`
	ConversationID string `json:"conversation"`
}

// Dispatcher sends one notification to all of a user's registered
// devices.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID string, note Notification) error
}
