package router

import "github.com/google/uuid"

// newRequestID mints a queue-entry ID, distinct from any caller-supplied
// correlation ID.
func newRequestID() string {
	return uuid.NewString()
}
