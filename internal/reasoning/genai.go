package reasoning

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"
)

// GenAI calls a Gemini model. Without internet context the schema is
// enforced by the API; with Google Search grounding it is only described in
// the prompt because the two cannot be combined.
type GenAI struct {
	client *genai.Client
	model  string
}

func NewGenAI(ctx context.Context, apiKey, model string) (*GenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create GenAI client: %w", err)
	}
	return &GenAI{client: client, model: model}, nil
}

func (g *GenAI) Invoke(ctx context.Context, req Request) (json.RawMessage, error) {
	config, prompt, err := buildConfig(req)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), config)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	raw, ok := ExtractJSON(resp.Text())
	if !ok {
		return nil, fmt.Errorf("%w: model returned no JSON", ErrFailure)
	}
	return raw, nil
}

func buildConfig(req Request) (*genai.GenerateContentConfig, string, error) {
	config := &genai.GenerateContentConfig{}
	if req.UseInternet {
		config.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
		if len(req.Schema) == 0 {
			return config, req.Prompt, nil
		}
		described, err := json.MarshalIndent(req.Schema, "", "  ")
		if err != nil {
			return nil, "", fmt.Errorf("encode schema: %w", err)
		}
		prompt := req.Prompt + "\n\nRespond with only a JSON value matching this schema:\n" + string(described)
		return config, prompt, nil
	}

	config.ResponseMIMEType = "application/json"
	if len(req.Schema) > 0 {
		schema, err := toGenAISchema(req.Schema)
		if err != nil {
			return nil, "", err
		}
		config.ResponseSchema = schema
	}
	return config, req.Prompt, nil
}

func toGenAISchema(s Schema) (*genai.Schema, error) {
	encoded, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	var schema genai.Schema
	if err := json.Unmarshal(encoded, &schema); err != nil {
		return nil, fmt.Errorf("convert schema: %w", err)
	}
	return &schema, nil
}
