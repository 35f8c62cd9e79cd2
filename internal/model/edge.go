package model

import (
	"fmt"
	"strings"
)

// collectionEdgePrefix marks edges that represent collection membership.
const collectionEdgePrefix = "collection:"

// CollectionEdgeType returns the edge type used for membership in a named collection.
func CollectionEdgeType(collection string) string {
	return collectionEdgePrefix + strings.ToLower(collection)
}

// CollectionName returns the collection for a membership edge type, and false for
// any other edge type.
func CollectionName(edgeType string) (string, bool) {
	if !strings.HasPrefix(edgeType, collectionEdgePrefix) {
		return "", false
	}
	return strings.TrimPrefix(edgeType, collectionEdgePrefix), true
}

// Edge is a directed, labelled relationship between two entities.
type Edge struct {
	Source    ID     `json:"source"`
	Type      string `json:"type"`
	Target    ID     `json:"target"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Validate returns ErrInvalidEdge if either end or the type is malformed.
func (e Edge) Validate() error {
	if err := e.Source.Validate(); err != nil {
		return fmt.Errorf("%w: source: %v", ErrInvalidEdge, err)
	}
	if err := e.Target.Validate(); err != nil {
		return fmt.Errorf("%w: target: %v", ErrInvalidEdge, err)
	}
	if strings.TrimSpace(e.Type) == "" {
		return fmt.Errorf("%w: empty type", ErrInvalidEdge)
	}
	return nil
}

// Key renders the edge as "source|type|target".
func (e Edge) Key() string {
	return e.Source.Key() + "|" + strings.ToLower(e.Type) + "|" + e.Target.Key()
}
