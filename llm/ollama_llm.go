// Copyright (C) 2025 Inlet AI (jinterlante@inlet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("inletdocs.llm")

// OllamaClient talks to a local Ollama server via its native API.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

type ollamaGenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
}

// NewOllamaClient builds a client from OLLAMA_BASE_URL and OLLAMA_MODEL.
func NewOllamaClient() (*OllamaClient, error) {
	baseURL := os.Getenv("OLLAMA_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
		slog.Warn("OLLAMA_BASE_URL not set, defaulting", "baseURL", baseURL)
	}
	model := os.Getenv("OLLAMA_MODEL")
	if model == "" {
		model = "llama3.1"
		slog.Warn("OLLAMA_MODEL not set, defaulting", "model", model)
	}

	slog.Info("Initializing Ollama client", "baseURL", baseURL, "model", model)
	return &OllamaClient{
		// Local generation can be slow on CPU-only hosts.
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
		model:      model,
	}, nil
}

var _ Client = (*OllamaClient)(nil)

func buildOllamaOptions(params GenerationParams) map[string]interface{} {
	options := make(map[string]interface{})
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	}
	if params.TopK != nil {
		options["top_k"] = *params.TopK
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}
	return options
}

func (o *OllamaClient) post(ctx context.Context, payload ollamaGenerateRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ollama request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return resp, nil
}

// Generate implements the Client interface.
func (o *OllamaClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OllamaGenerate")
	defer span.End()

	resp, err := o.post(ctx, ollamaGenerateRequest{
		Model:   o.model,
		Prompt:  prompt,
		Stream:  false,
		Options: buildOllamaOptions(params),
	})
	if err != nil {
		slog.Error("Ollama generate failed", "error", err)
		return "", err
	}
	defer resp.Body.Close()

	var parsed ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode ollama response: %w", err)
	}
	return parsed.Response, nil
}

// ChatStream implements the Client interface.
//
// Ollama streams one JSON object per line; the producer decodes them
// until the done marker and forwards each delta as a token event.
func (o *OllamaClient) ChatStream(ctx context.Context, prompt string, params GenerationParams) (<-chan StreamEvent, error) {
	ctx, span := tracer.Start(ctx, "OllamaChatStream")

	resp, err := o.post(ctx, ollamaGenerateRequest{
		Model:   o.model,
		Prompt:  prompt,
		Stream:  true,
		Options: buildOllamaOptions(params),
	})
	if err != nil {
		span.End()
		slog.Error("Ollama stream open failed", "error", err)
		return nil, err
	}

	events := make(chan StreamEvent, streamBufferSize)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		defer span.End()

		decoder := json.NewDecoder(resp.Body)
		for {
			var chunk ollamaGenerateResponse
			if decodeErr := decoder.Decode(&chunk); decodeErr != nil {
				if decodeErr == io.EOF {
					events <- StreamEvent{Type: StreamEventDone}
					return
				}
				select {
				case events <- StreamEvent{Type: StreamEventError, Err: decodeErr}:
				case <-ctx.Done():
				}
				return
			}
			if chunk.Response != "" {
				select {
				case events <- StreamEvent{Type: StreamEventToken, Token: chunk.Response}:
				case <-ctx.Done():
					return
				}
			}
			if chunk.Done {
				events <- StreamEvent{Type: StreamEventDone}
				return
			}
		}
	}()
	return events, nil
}
