package store

import "github.com/google/uuid"

func newModelID() string {
	return uuid.NewString()
}
