package embedding

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	engramotel "github.com/dativo-io/engram/internal/otel"
)

var tracer = engramotel.Tracer("github.com/dativo-io/engram/internal/embedding")

// TimeoutEmbedCall bounds a single embedding API round trip.
const TimeoutEmbedCall = 30 * time.Second

// DefaultOpenAIModel is the embedding model used when none is configured.
const DefaultOpenAIModel = openai.SmallEmbedding3

// OpenAI embeds text through the OpenAI embeddings API.
type OpenAI struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewOpenAI creates an OpenAI embedder with the given API key.
func NewOpenAI(apiKey string) *OpenAI {
	return &OpenAI{
		client: openai.NewClient(apiKey),
		model:  DefaultOpenAIModel,
	}
}

// NewOpenAIWithBaseURL creates an OpenAI embedder against a custom base URL
// (e.g. for e2e tests pointing at a mock server). baseURL should be the
// scheme+host without path; the client appends /v1 as needed.
func NewOpenAIWithBaseURL(apiKey, baseURL string) *OpenAI {
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL + "/v1"
	return &OpenAI{client: openai.NewClientWithConfig(config), model: DefaultOpenAIModel}
}

// Embed returns the embedding vector for one piece of text.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "embedding.embed")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, TimeoutEmbedCall)
	defer cancel()

	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: o.model,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("openai embeddings call failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embeddings response contained no vectors")
	}
	return resp.Data[0].Embedding, nil
}

// OpenAISummarizer condenses groups of memory contents through a chat
// completion. Used by the archival pipeline's summarization strategy.
type OpenAISummarizer struct {
	client *openai.Client
	model  string
}

// NewOpenAISummarizer creates a summarizer with the given API key.
func NewOpenAISummarizer(apiKey string) *OpenAISummarizer {
	return &OpenAISummarizer{
		client: openai.NewClient(apiKey),
		model:  openai.GPT4oMini,
	}
}

// Summarize condenses the given contents into a single paragraph.
func (s *OpenAISummarizer) Summarize(ctx context.Context, contents []string) (string, error) {
	ctx, span := tracer.Start(ctx, "embedding.summarize")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, TimeoutEmbedCall)
	defer cancel()

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "Summarize the following memory entries into one concise paragraph, preserving key facts.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: strings.Join(contents, "\n---\n"),
			},
		},
		Temperature: 0.2,
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("openai summarization call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai summarization response contained no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
