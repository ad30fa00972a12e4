// Package auth resolves bearer credentials to identities and permission
// sets, caching results with a TTL and sweeping the cache in the
// background. Permission resolution is deny-by-default: an identity with
// no resolvable groups has every capability denied.
package auth

import (
	"context"
	"errors"
)

var (
	// ErrInvalidCredential is returned for tokens that fail verification
	// or name an unknown or inactive user.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrAuthBackendUnavailable is returned when the external identity
	// backend cannot be reached. Retryable.
	ErrAuthBackendUnavailable = errors.New("auth backend unavailable")

	// ErrPermissionDenied is returned when an authenticated identity
	// lacks a required capability.
	ErrPermissionDenied = errors.New("permission denied")
)

// Capability is one named permission in the fixed capability set.
type Capability string

const (
	CapReadOrders       Capability = "read_orders"
	CapWriteOrders      Capability = "write_orders"
	CapReadEquipment    Capability = "read_equipment"
	CapWriteEquipment   Capability = "write_equipment"
	CapSearchKnowledge  Capability = "search_knowledge"
	CapWriteUnconfirmed Capability = "write_unconfirmed"
)

// UserRecord is what the external identity backend knows about a user.
type UserRecord struct {
	ID          int      `json:"id"`
	Username    string   `json:"username"`
	DisplayName string   `json:"display_name"`
	Email       string   `json:"email"`
	Active      bool     `json:"active"`
	Groups      []string `json:"groups"`
}

// Identity is a resolved user plus their capability set.
type Identity struct {
	Username     string
	DisplayName  string
	Groups       []string
	Capabilities map[Capability]bool
}

// Can reports whether the identity holds the capability. A nil identity
// holds nothing.
func (id *Identity) Can(cap Capability) bool {
	if id == nil {
		return false
	}
	return id.Capabilities[cap]
}

// Backend resolves usernames against the external identity collaborator.
type Backend interface {
	Resolve(ctx context.Context, username string) (UserRecord, error)
}
