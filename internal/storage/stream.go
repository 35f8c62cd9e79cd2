package storage

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/dynamo"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/model"
)

// ErrNotIndexable is returned for stream records of items that are neither
// entities nor edges.
var ErrNotIndexable = errors.New("stream record is not an entity or edge")

// ChangeKind is what happened to an item.
type ChangeKind string

const (
	ChangeUpsert ChangeKind = "upsert"
	ChangeRemove ChangeKind = "remove"
)

// Change is a decoded DynamoDB stream record of the entity table. Exactly one of
// Entity and Edge is set.
type Change struct {
	Kind   ChangeKind
	Scope  model.ApplicationScope
	Entity *model.Entity
	Edge   *model.Edge
}

// DecodeStreamRecord decodes an entity table stream record. Removes are decoded
// from the old image, everything else from the new image.
func DecodeStreamRecord(record events.DynamoDBEventRecord) (Change, error) {
	change := Change{Kind: ChangeUpsert}
	image := record.Change.NewImage
	if record.EventName == string(events.DynamoDBOperationTypeRemove) {
		change.Kind = ChangeRemove
		image = record.Change.OldImage
	}
	if image == nil {
		return Change{}, fmt.Errorf("%w: %s record has no image", ErrNotIndexable, record.EventName)
	}

	a := streamAttrs(image)
	sk, _ := a.str(dynamo.AttrSK)

	var err error
	change.Scope, err = decodeScope(a)
	if err != nil {
		return Change{}, err
	}

	switch {
	case strings.HasPrefix(sk, PrefixEntity):
		change.Entity, err = decodeEntity(a)
		if err != nil {
			return Change{}, err
		}
	case strings.HasPrefix(sk, PrefixEdge):
		edge, err := decodeEdge(a)
		if err != nil {
			return Change{}, err
		}
		change.Edge = &edge
	default:
		return Change{}, fmt.Errorf("%w: sort key %q", ErrNotIndexable, sk)
	}
	return change, nil
}

type streamAttrs map[string]events.DynamoDBAttributeValue

func (a streamAttrs) str(name string) (string, bool) {
	v, ok := a[name]
	if !ok || v.DataType() != events.DataTypeString {
		return "", false
	}
	return v.String(), true
}

func (a streamAttrs) num(name string) (int64, bool) {
	v, ok := a[name]
	if !ok || v.DataType() != events.DataTypeNumber {
		return 0, false
	}
	n, err := strconv.ParseInt(v.Number(), 10, 64)
	return n, err == nil
}
