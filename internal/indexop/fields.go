package indexop

// Reserved document fields. Builders set them on every indexed document and writers
// map them as keywords; they override entity fields of the same name.
const (
	FieldEntityID   = "entityId"
	FieldEntityType = "entityType"
	FieldVersion    = "version"
	FieldContext    = "context"
	FieldEdgeType   = "edgeType"
	FieldEdgeSource = "edgeSource"
	FieldUpdatedAt  = "updatedAt"
)

// Fields a writer stores next to a document to hold its Mark.
const (
	FieldMarkUpdatedAfter = "markUpdatedAfter"
	FieldMarkSequence     = "markSequence"
)
