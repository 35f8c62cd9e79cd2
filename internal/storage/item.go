// Package storage reads entities and edges from the entity table, the storage-side
// collaborator the indexer resolves envelopes against. Writing entities belongs to
// the storage service; this package only reads and decodes.
package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/dynamo"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/model"
)

// Sort key prefixes of the entity table.
const (
	PrefixEntity = "ENTITY#"
	PrefixEdge   = "EDGE#"
)

// Attribute names of the entity table.
const (
	AttrScope     = "scope"
	AttrEntityID  = "entityId"
	AttrVersion   = "version"
	AttrUpdatedAt = "updatedAt"
	AttrFields    = "fields"
	AttrSource    = "source"
	AttrEdgeType  = "edgeType"
	AttrTarget    = "target"
	AttrTimestamp = "timestamp"
)

// EntitySK returns the sort key of an entity item.
func EntitySK(id model.ID) string {
	return PrefixEntity + id.Key()
}

// EdgeSK returns the sort key of an edge item. Edges sort under their target so
// ListEdgesTo is a single prefix query.
func EdgeSK(edge model.Edge) string {
	return EdgeTargetPrefix(edge.Target) + strings.ToLower(edge.Type) + "#" + edge.Source.Key()
}

// EdgeTargetPrefix returns the sort key prefix shared by every edge into target.
func EdgeTargetPrefix(target model.ID) string {
	return PrefixEdge + target.Key() + "#"
}

// EntityItem renders an entity as a table item.
func EntityItem(scope model.ApplicationScope, entity *model.Entity) (map[string]types.AttributeValue, error) {
	fields, err := json.Marshal(entity.Fields)
	if err != nil {
		return nil, fmt.Errorf("encode fields of %s: %w", entity.ID, err)
	}
	return map[string]types.AttributeValue{
		dynamo.AttrPK: &types.AttributeValueMemberS{Value: dynamo.ScopePK(scope.Key())},
		dynamo.AttrSK: &types.AttributeValueMemberS{Value: EntitySK(entity.ID)},
		AttrScope:     &types.AttributeValueMemberS{Value: scope.Application.Key()},
		AttrEntityID:  &types.AttributeValueMemberS{Value: entity.ID.Key()},
		AttrVersion:   &types.AttributeValueMemberS{Value: entity.Version.String()},
		AttrUpdatedAt: &types.AttributeValueMemberN{Value: strconv.FormatInt(entity.UpdatedAt, 10)},
		AttrFields:    &types.AttributeValueMemberS{Value: string(fields)},
	}, nil
}

// EdgeItem renders an edge as a table item.
func EdgeItem(scope model.ApplicationScope, edge model.Edge) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		dynamo.AttrPK: &types.AttributeValueMemberS{Value: dynamo.ScopePK(scope.Key())},
		dynamo.AttrSK: &types.AttributeValueMemberS{Value: EdgeSK(edge)},
		AttrScope:     &types.AttributeValueMemberS{Value: scope.Application.Key()},
		AttrSource:    &types.AttributeValueMemberS{Value: edge.Source.Key()},
		AttrEdgeType:  &types.AttributeValueMemberS{Value: edge.Type},
		AttrTarget:    &types.AttributeValueMemberS{Value: edge.Target.Key()},
		AttrTimestamp: &types.AttributeValueMemberN{Value: strconv.FormatInt(edge.Timestamp, 10)},
	}
}

// attrs is the common shape of table items and stream images once decoded.
type attrs interface {
	str(name string) (string, bool)
	num(name string) (int64, bool)
}

type itemAttrs map[string]types.AttributeValue

func (a itemAttrs) str(name string) (string, bool) {
	v, ok := a[name].(*types.AttributeValueMemberS)
	if !ok {
		return "", false
	}
	return v.Value, true
}

func (a itemAttrs) num(name string) (int64, bool) {
	v, ok := a[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v.Value, 10, 64)
	return n, err == nil
}

func decodeEntity(a attrs) (*model.Entity, error) {
	key, _ := a.str(AttrEntityID)
	id, err := model.ParseID(key)
	if err != nil {
		return nil, err
	}
	rawVersion, _ := a.str(AttrVersion)
	version, err := uuid.Parse(rawVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrInvalidVersion, id, err)
	}

	entity := &model.Entity{ID: id, Version: version}
	entity.UpdatedAt, _ = a.num(AttrUpdatedAt)
	if raw, ok := a.str(AttrFields); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &entity.Fields); err != nil {
			return nil, fmt.Errorf("decode fields of %s: %w", id, err)
		}
	}
	return entity, nil
}

func decodeEdge(a attrs) (model.Edge, error) {
	rawSource, _ := a.str(AttrSource)
	source, err := model.ParseID(rawSource)
	if err != nil {
		return model.Edge{}, fmt.Errorf("edge source: %w", err)
	}
	rawTarget, _ := a.str(AttrTarget)
	target, err := model.ParseID(rawTarget)
	if err != nil {
		return model.Edge{}, fmt.Errorf("edge target: %w", err)
	}
	edgeType, _ := a.str(AttrEdgeType)
	edge := model.Edge{Source: source, Type: edgeType, Target: target}
	edge.Timestamp, _ = a.num(AttrTimestamp)
	if err := edge.Validate(); err != nil {
		return model.Edge{}, err
	}
	return edge, nil
}

func decodeScope(a attrs) (model.ApplicationScope, error) {
	raw, _ := a.str(AttrScope)
	id, err := model.ParseID(raw)
	if err != nil {
		return model.ApplicationScope{}, fmt.Errorf("%w: %v", model.ErrInvalidScope, err)
	}
	return model.NewApplicationScope(id), nil
}
