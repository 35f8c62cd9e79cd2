// Package dynamo provides shared DynamoDB constants and utilities.
package dynamo

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

const (
	// Primary key attributes.
	AttrPK = "pk"
	AttrSK = "sk"

	// PrefixScope prefixes partition keys of per-application items.
	PrefixScope = "SCOPE#"

	// AttrTTL is the DynamoDB time-to-live attribute.
	AttrTTL = "ttl"
)

// ScopePK returns the partition key for an application scope key.
func ScopePK(scopeKey string) string {
	return PrefixScope + scopeKey
}

// Client is the subset of the DynamoDB API the repositories in this module use.
type Client interface {
	GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}
