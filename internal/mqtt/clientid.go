package mqtt

import (
	"fmt"

	"github.com/google/uuid"
)

// Store is the persistent key-value storage the client ID lives in.
// [kvstore.Store] implements it.
type Store interface {
	Get(namespace, key string) (string, error)
	Set(namespace, key, value string) error
}

const (
	clientIDNamespace = "mqtt"
	clientIDKey       = "client_id"
)

// LoadOrCreateClientID returns the stored broker client ID, or
// generates a new UUIDv7-based one and persists it. The ID is stable
// across restarts so the broker sees one device, not a new client on
// every boot.
func LoadOrCreateClientID(store Store) (string, error) {
	id, err := store.Get(clientIDNamespace, clientIDKey)
	if err != nil {
		return "", fmt.Errorf("read client ID: %w", err)
	}
	if id != "" {
		return id, nil
	}

	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate client ID: %w", err)
	}
	id = "asgard-" + u.String()
	if err := store.Set(clientIDNamespace, clientIDKey, id); err != nil {
		return "", fmt.Errorf("persist client ID: %w", err)
	}
	return id, nil
}
