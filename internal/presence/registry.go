// Package presence tracks which users currently hold an active realtime
// connection. Absence is a valid state, never an error: lookups are total
// and a registry failure degrades to "not present".
package presence

// Entry records the active connection for one user. At most one connection
// is tracked per user id.
type Entry struct {
	UserID       string `json:"userId"`
	Username     string `json:"username,omitempty"`
	ConnectionID string `json:"connectionId"`
}

// Registry maps user ids to their announced connection.
//
// Announce is first-registration-wins: a second announce for the same user
// id is ignored and reported false. Forget removes by connection id and is
// a no-op when absent.
type Registry interface {
	Announce(entry Entry) bool
	Forget(connectionID string)
	Lookup(userID string) (Entry, bool)
}
