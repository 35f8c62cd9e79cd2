// Package embeddings turns document text into vectors via Amazon Bedrock.
package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

const (
	// ModelTitanEmbedV2 is the model ID for Amazon Titan Embeddings v2.
	ModelTitanEmbedV2 = "amazon.titan-embed-text-v2:0"
	// Dimensions is the vector size requested from the model.
	Dimensions = 1024
	// MaxTextChars caps the input at roughly the model's 8k token limit.
	MaxTextChars = 30000
)

// ErrEmptyText is returned when there is nothing to embed.
var ErrEmptyText = errors.New("no text to embed")

// BedrockInvoker abstracts Bedrock model invocation for dependency inversion.
type BedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockClient generates embeddings via Amazon Bedrock Titan Embeddings v2.
type BedrockClient struct {
	client BedrockInvoker
}

// NewBedrockClient creates a new BedrockClient.
func NewBedrockClient(client BedrockInvoker) *BedrockClient {
	return &BedrockClient{client: client}
}

type titanRequest struct {
	InputText  string `json:"inputText"`
	Dimensions int    `json:"dimensions"`
	Normalize  bool   `json:"normalize"`
}

type titanResponse struct {
	Embedding []float32 `json:"embedding"`
}

// GenerateEmbedding returns a normalized vector for text, truncated to MaxTextChars.
func (c *BedrockClient) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}

	reqBody, err := json.Marshal(titanRequest{
		InputText:  truncate(text, MaxTextChars),
		Dimensions: Dimensions,
		Normalize:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	output, err := c.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(ModelTitanEmbedV2),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        reqBody,
	})
	if err != nil {
		return nil, fmt.Errorf("invoke model: %w", err)
	}

	var resp titanResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(resp.Embedding) != Dimensions {
		return nil, fmt.Errorf("embedding has %d dimensions, want %d", len(resp.Embedding), Dimensions)
	}
	return resp.Embedding, nil
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
