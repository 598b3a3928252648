package stomp

import "github.com/google/uuid"

// newUUID returns a fresh random identifier, used for transaction ids,
// subscription ids and receipt ids.
func newUUID() string {
	return uuid.NewString()
}
