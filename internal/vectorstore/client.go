// Package vectorstore stores document vectors in per-application S3 Vectors indexes.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3vectors"
	s3vdocument "github.com/aws/aws-sdk-go-v2/service/s3vectors/document"
	"github.com/aws/aws-sdk-go-v2/service/s3vectors/types"
)

const (
	// IndexDimensions is the vector dimension count for Titan Embeddings v2.
	IndexDimensions = 1024
	// IndexPrefix is the prefix for per-application index names.
	IndexPrefix = "app-"
	// MaxBatch is the most vectors or keys S3 Vectors accepts in one call.
	MaxBatch = 500
)

// Vector is one document's embedding.
type Vector struct {
	Key      string
	Data     []float32
	Metadata map[string]any
}

// S3VectorsAPI abstracts S3 Vectors operations for dependency inversion.
type S3VectorsAPI interface {
	CreateIndex(ctx context.Context, params *s3vectors.CreateIndexInput, optFns ...func(*s3vectors.Options)) (*s3vectors.CreateIndexOutput, error)
	PutVectors(ctx context.Context, params *s3vectors.PutVectorsInput, optFns ...func(*s3vectors.Options)) (*s3vectors.PutVectorsOutput, error)
	DeleteVectors(ctx context.Context, params *s3vectors.DeleteVectorsInput, optFns ...func(*s3vectors.Options)) (*s3vectors.DeleteVectorsOutput, error)
}

// Client writes vectors to S3 Vectors. Indexes are named after the application scope key.
type Client struct {
	client     S3VectorsAPI
	bucketName string
	tags       map[string]string

	mu         sync.Mutex
	knownIndex map[string]bool
}

// NewClient creates a Client over a vector bucket.
func NewClient(client S3VectorsAPI, bucketName string, tags map[string]string) *Client {
	return &Client{
		client:     client,
		bucketName: bucketName,
		tags:       tags,
		knownIndex: make(map[string]bool),
	}
}

// IndexName returns the S3 Vectors index name for an application.
func IndexName(application string) string {
	return IndexPrefix + application
}

func (c *Client) known(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.knownIndex[name]
}

func (c *Client) remember(name string) {
	c.mu.Lock()
	c.knownIndex[name] = true
	c.mu.Unlock()
}

// EnsureIndex creates the application's index if it does not already exist.
// Indexes seen once are not created again by this client.
func (c *Client) EnsureIndex(ctx context.Context, application string) error {
	name := IndexName(application)
	if c.known(name) {
		return nil
	}

	_, err := c.client.CreateIndex(ctx, &s3vectors.CreateIndexInput{
		VectorBucketName: aws.String(c.bucketName),
		IndexName:        aws.String(name),
		Dimension:        aws.Int32(IndexDimensions),
		DataType:         types.DataTypeFloat32,
		DistanceMetric:   types.DistanceMetricCosine,
		Tags:             c.tags,
	})
	if err != nil {
		var conflictErr *types.ConflictException
		if !errors.As(err, &conflictErr) {
			return fmt.Errorf("create index %s: %w", name, err)
		}
	}

	c.remember(name)
	return nil
}

// PutVectors writes vectors, replacing any with the same key.
func (c *Client) PutVectors(ctx context.Context, application string, vectors []Vector) error {
	name := IndexName(application)
	for start := 0; start < len(vectors); start += MaxBatch {
		chunk := vectors[start:min(start+MaxBatch, len(vectors))]

		input := make([]types.PutInputVector, 0, len(chunk))
		for _, v := range chunk {
			in := types.PutInputVector{
				Key:  aws.String(v.Key),
				Data: &types.VectorDataMemberFloat32{Value: v.Data},
			}
			if v.Metadata != nil {
				in.Metadata = s3vdocument.NewLazyDocument(v.Metadata)
			}
			input = append(input, in)
		}

		_, err := c.client.PutVectors(ctx, &s3vectors.PutVectorsInput{
			VectorBucketName: aws.String(c.bucketName),
			IndexName:        aws.String(name),
			Vectors:          input,
		})
		if err != nil {
			return fmt.Errorf("put vectors into %s: %w", name, err)
		}
	}
	return nil
}

// DeleteVectors deletes vectors by key. Unknown keys are ignored by S3 Vectors.
func (c *Client) DeleteVectors(ctx context.Context, application string, keys []string) error {
	name := IndexName(application)
	for start := 0; start < len(keys); start += MaxBatch {
		_, err := c.client.DeleteVectors(ctx, &s3vectors.DeleteVectorsInput{
			VectorBucketName: aws.String(c.bucketName),
			IndexName:        aws.String(name),
			Keys:             keys[start:min(start+MaxBatch, len(keys))],
		})
		if err != nil {
			return fmt.Errorf("delete vectors from %s: %w", name, err)
		}
	}
	return nil
}
