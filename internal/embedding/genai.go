package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GenAIEngine uses Google's Gemini embedding API. Documents are embedded
// with the retrieval-document task type so queries can be matched against
// them.
type GenAIEngine struct {
	client *genai.Client
	model  string
}

// NewGenAIEngine builds a client; the API key is mandatory.
func NewGenAIEngine(apiKey, model string) (*GenAIEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai api key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GenAIEngine{client: client, model: model}, nil
}

// Embed generates one embedding.
func (e *GenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds all texts in one API call.
func (e *GenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		TaskType: "RETRIEVAL_DOCUMENT",
	})
	if err != nil {
		return nil, fmt.Errorf("genai embed failed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("genai returned %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}
	out := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}

// Dimensions matches gemini-embedding-001's 768-wide vectors.
func (e *GenAIEngine) Dimensions() int { return 768 }

// Name identifies the backend and model.
func (e *GenAIEngine) Name() string { return "genai:" + e.model }
