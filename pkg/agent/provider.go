package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gtmgraph/gtmgraph/pkg/state"
)

// Provider supplies the external research and synthesis calls the agents
// depend on. The fixture implementation keeps runs deterministic for tests
// and CI; the HTTP implementation talks to real search and LLM APIs.
type Provider interface {
	FetchEvidenceBundle(ctx context.Context, s *state.State) (map[string]any, error)
	SynthesizeEvidence(ctx context.Context, bundle map[string]any) (map[string]any, error)
	DecisionTemplate(ctx context.Context, decisionKey string) (map[string]any, error)
}

// FixtureProvider serves deterministic responses. When FixtureDir is set,
// responses are loaded from JSON files there, keyed first by state
// fingerprint (evidence_bundle_<fp>.json) then by plain name; otherwise the
// built-in fixtures apply.
type FixtureProvider struct {
	FixtureDir string
}

func (p *FixtureProvider) FetchEvidenceBundle(_ context.Context, s *state.State) (map[string]any, error) {
	if doc, ok := p.load("evidence_bundle_" + state.Fingerprint(s) + ".json"); ok {
		return doc, nil
	}
	if doc, ok := p.load("evidence_bundle.json"); ok {
		return doc, nil
	}
	return builtinEvidenceBundle(), nil
}

func (p *FixtureProvider) SynthesizeEvidence(context.Context, map[string]any) (map[string]any, error) {
	if doc, ok := p.load("evidence_synthesis.json"); ok {
		return doc, nil
	}
	return builtinEvidenceSynthesis(), nil
}

func (p *FixtureProvider) DecisionTemplate(_ context.Context, decisionKey string) (map[string]any, error) {
	templates := builtinDecisionTemplates()
	if doc, ok := p.load("decision_templates.json"); ok {
		templates = doc
	}
	template, _ := templates[decisionKey].(map[string]any)
	if template == nil {
		return map[string]any{}, nil
	}
	return template, nil
}

func (p *FixtureProvider) load(name string) (map[string]any, bool) {
	if p.FixtureDir == "" {
		return nil, false
	}
	raw, err := os.ReadFile(filepath.Join(p.FixtureDir, name))
	if err != nil {
		return nil, false
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false
	}
	return doc, true
}

// HTTPProvider calls the search API for evidence and the LLM API for
// synthesis and decision templates. Transient failures retry with
// exponential backoff, capped at three attempts.
type HTTPProvider struct {
	SearchAPIKey string
	LLMAPIKey    string
	SearchURL    string
	LLMURL       string
	Client       *http.Client
}

// NewHTTPProviderFromEnv builds an HTTPProvider from GTMGRAPH_SEARCH_API_KEY,
// GTMGRAPH_LLM_API_KEY, and optional GTMGRAPH_SEARCH_URL / GTMGRAPH_LLM_URL
// overrides. Missing keys surface as errors on the first provider call.
func NewHTTPProviderFromEnv() *HTTPProvider {
	return &HTTPProvider{
		SearchAPIKey: os.Getenv("GTMGRAPH_SEARCH_API_KEY"),
		LLMAPIKey:    os.Getenv("GTMGRAPH_LLM_API_KEY"),
		SearchURL:    os.Getenv("GTMGRAPH_SEARCH_URL"),
		LLMURL:       os.Getenv("GTMGRAPH_LLM_URL"),
		Client:       &http.Client{Timeout: 30 * time.Second},
	}
}

const (
	defaultSearchURL = "https://api.perplexity.ai/chat/completions"
	defaultLLMURL    = "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent"
	providerAttempts = 3
)

func (p *HTTPProvider) FetchEvidenceBundle(ctx context.Context, s *state.State) (map[string]any, error) {
	prompt := fmt.Sprintf(
		"Return JSON with keys: sources, competitors, pricing_anchors, messaging_patterns, channel_signals. "+
			"Idea=%s one_liner=%s region=%s",
		s.StringAt("/idea/name"), s.StringAt("/idea/one_liner"), s.StringAt("/idea/target_region"),
	)
	return p.searchJSON(ctx, prompt)
}

func (p *HTTPProvider) SynthesizeEvidence(ctx context.Context, bundle map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("encoding evidence bundle: %w", err)
	}
	prompt := "Given evidence JSON, return JSON with keys summary, facts, assumptions. Evidence=" + string(raw)
	return p.llmJSON(ctx, prompt)
}

func (p *HTTPProvider) DecisionTemplate(ctx context.Context, decisionKey string) (map[string]any, error) {
	prompt := fmt.Sprintf(
		"Return JSON with keys: options (array of {id, title, description}), recommended_option_id, rationale "+
			"for the %s go-to-market decision.", decisionKey)
	return p.llmJSON(ctx, prompt)
}

func (p *HTTPProvider) searchJSON(ctx context.Context, prompt string) (map[string]any, error) {
	if p.SearchAPIKey == "" {
		return nil, fmt.Errorf("search API key is required in real provider mode")
	}
	url := p.SearchURL
	if url == "" {
		url = defaultSearchURL
	}
	payload := map[string]any{
		"model":       "sonar-pro",
		"messages":    []map[string]any{{"role": "user", "content": prompt}},
		"temperature": 0.2,
	}
	var out map[string]any
	err := p.retry(ctx, func() error {
		resp, err := p.post(ctx, url, payload, map[string]string{"Authorization": "Bearer " + p.SearchAPIKey})
		if err != nil {
			return err
		}
		content, err := digString(resp, "choices", "0", "message", "content")
		if err != nil {
			return backoff.Permanent(err)
		}
		out, err = extractJSONBlock(content)
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	})
	return out, err
}

func (p *HTTPProvider) llmJSON(ctx context.Context, prompt string) (map[string]any, error) {
	if p.LLMAPIKey == "" {
		return nil, fmt.Errorf("LLM API key is required in real provider mode")
	}
	url := p.LLMURL
	if url == "" {
		url = defaultLLMURL
	}
	url += "?key=" + p.LLMAPIKey
	payload := map[string]any{
		"contents":         []map[string]any{{"parts": []map[string]any{{"text": prompt}}}},
		"generationConfig": map[string]any{"temperature": 0.2},
	}
	var out map[string]any
	err := p.retry(ctx, func() error {
		resp, err := p.post(ctx, url, payload, nil)
		if err != nil {
			return err
		}
		text, err := digString(resp, "candidates", "0", "content", "parts", "0", "text")
		if err != nil {
			return backoff.Permanent(err)
		}
		out, err = extractJSONBlock(text)
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	})
	return out, err
}

func (p *HTTPProvider) retry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), providerAttempts-1), ctx)
	return backoff.Retry(op, policy)
}

func (p *HTTPProvider) post(ctx context.Context, url string, payload map[string]any, headers map[string]string) (map[string]any, error) {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("provider returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, backoff.Permanent(fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(body)))
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decoding provider response: %w", err))
	}
	return doc, nil
}

// digString walks a decoded JSON document by alternating map keys and list
// indices.
func digString(doc any, path ...string) (string, error) {
	cur := doc
	for _, key := range path {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[key]
			if !ok {
				return "", fmt.Errorf("provider response missing %q", key)
			}
			cur = next
		case []any:
			var idx int
			if _, err := fmt.Sscanf(key, "%d", &idx); err != nil || idx < 0 || idx >= len(node) {
				return "", fmt.Errorf("provider response missing index %q", key)
			}
			cur = node[idx]
		default:
			return "", fmt.Errorf("provider response has unexpected shape at %q", key)
		}
	}
	s, ok := cur.(string)
	if !ok {
		return "", fmt.Errorf("provider response leaf is not a string")
	}
	return s, nil
}

// extractJSONBlock pulls the first JSON object out of LLM text, tolerating
// markdown code fences.
func extractJSONBlock(text string) (map[string]any, error) {
	stripped := strings.TrimSpace(text)
	if strings.HasPrefix(stripped, "```") {
		stripped = strings.Trim(stripped, "`")
		stripped = strings.TrimPrefix(stripped, "json")
		stripped = strings.TrimSpace(stripped)
	}
	start := strings.Index(stripped, "{")
	end := strings.LastIndex(stripped, "}")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("no JSON object found in provider response")
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(stripped[start:end+1]), &doc); err != nil {
		return nil, fmt.Errorf("parsing provider JSON: %w", err)
	}
	return doc, nil
}
