package model

import (
	"fmt"

	"github.com/google/uuid"
)

// Entity is a snapshot of an entity at one version.
type Entity struct {
	ID        ID             `json:"id"`
	Version   uuid.UUID      `json:"version"`
	UpdatedAt int64          `json:"updatedAt,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Validate returns ErrInvalidEntity if the id or version is missing.
func (e *Entity) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil entity", ErrInvalidEntity)
	}
	if err := e.ID.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}
	if e.Version == uuid.Nil {
		return fmt.Errorf("%w: %w", ErrInvalidEntity, ErrInvalidVersion)
	}
	return nil
}
