// Package model defines the identifiers the indexing pipeline references by value:
// application scopes, entity ids, edges and entity snapshots.
package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Validation errors.
var (
	ErrInvalidScope   = errors.New("invalid application scope")
	ErrInvalidID      = errors.New("invalid entity id")
	ErrInvalidEdge    = errors.New("invalid edge")
	ErrInvalidEntity  = errors.New("invalid entity")
	ErrInvalidVersion = errors.New("invalid version")
)

// ErrEntityNotFound is returned by storage readers when an entity does not exist.
var ErrEntityNotFound = errors.New("entity not found")

// ID identifies an entity. Owned by the storage layer.
type ID struct {
	UUID uuid.UUID `json:"uuid"`
	Type string    `json:"type"`
}

// NewID creates an ID.
func NewID(id uuid.UUID, entityType string) ID {
	return ID{UUID: id, Type: entityType}
}

// Validate returns ErrInvalidID if the id is missing its UUID or type.
func (i ID) Validate() error {
	if i.UUID == uuid.Nil {
		return fmt.Errorf("%w: nil uuid", ErrInvalidID)
	}
	if strings.TrimSpace(i.Type) == "" {
		return fmt.Errorf("%w: empty type", ErrInvalidID)
	}
	return nil
}

// Key renders the id as "type:uuid" with the type lowercased.
func (i ID) Key() string {
	return strings.ToLower(i.Type) + ":" + i.UUID.String()
}

func (i ID) String() string {
	return i.Key()
}

// ParseID parses the "type:uuid" form produced by Key.
func ParseID(key string) (ID, error) {
	typ, raw, ok := strings.Cut(key, ":")
	if !ok {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q: %v", ErrInvalidID, key, err)
	}
	parsed := ID{UUID: id, Type: typ}
	if err := parsed.Validate(); err != nil {
		return ID{}, err
	}
	return parsed, nil
}

// ApplicationScope is the tenant namespace every envelope belongs to.
type ApplicationScope struct {
	Application ID `json:"application"`
}

// NewApplicationScope creates a scope for an application id.
func NewApplicationScope(application ID) ApplicationScope {
	return ApplicationScope{Application: application}
}

// Validate returns ErrInvalidScope if the application id is malformed.
func (s ApplicationScope) Validate() error {
	if err := s.Application.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScope, err)
	}
	return nil
}

// Key returns a stable string form of the scope, used for index and table keys.
func (s ApplicationScope) Key() string {
	return s.Application.UUID.String()
}
