package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/Napageneral/engram/internal/gemini"
)

const defaultLLMConfidence = 0.8

// llmExtraction is the JSON shape the model is asked to produce.
type llmExtraction struct {
	Topics     []string `json:"topics"`
	Confidence float64  `json:"confidence"`
}

// llmOutcome carries what an LLM call produced, including its token usage.
type llmOutcome struct {
	Topics       []string
	Confidence   float64
	InputTokens  int64
	OutputTokens int64
}

// extractLLM asks Gemini to pick topics from the fixed vocabulary. Errors are
// returned to the caller, which degrades to the keyword method; nothing here
// is fatal to an extraction.
func extractLLM(ctx context.Context, client *gemini.Client, model, text string) (*llmOutcome, error) {
	req := &gemini.GenerateContentRequest{
		Contents: []gemini.Content{{
			Role:  "user",
			Parts: []gemini.Part{{Text: buildTopicPrompt(text)}},
		}},
		GenerationConfig: &gemini.GenerationConfig{
			// Minimal thinking keeps latency flat for this closed-set task.
			ThinkingConfig:   &gemini.ThinkingConfig{ThinkingLevel: "minimal"},
			ResponseMimeType: "application/json",
		},
	}

	resp, err := client.GenerateContent(ctx, model, req)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}

	text = extractTextFromResponse(resp)
	if text == "" {
		return nil, fmt.Errorf("empty response from LLM")
	}

	var parsed llmExtraction
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, fmt.Errorf("parse response JSON: %w (response: %s)", err, text)
	}

	out := &llmOutcome{
		Topics:     filterToVocabulary(parsed.Topics),
		Confidence: parsed.Confidence,
	}
	if out.Confidence <= 0 || out.Confidence > 1 {
		out.Confidence = defaultLLMConfidence
	}
	if len(out.Topics) == 0 {
		out.Topics = []string{DefaultTopic}
		out.Confidence = fallbackConfidence
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

// buildTopicPrompt constructs the classification prompt.
func buildTopicPrompt(text string) string {
	var sb strings.Builder

	sb.WriteString("You classify conversational records into topics.\n")
	sb.WriteString("Pick the topics that apply to the text, from this closed list only.\n\n")

	sb.WriteString("<TOPICS>\n")
	sb.WriteString(strings.Join(sortedKnownTopics(), "\n"))
	sb.WriteString("\n</TOPICS>\n\n")

	sb.WriteString("<TEXT>\n")
	sb.WriteString(text)
	sb.WriteString("\n</TEXT>\n\n")

	sb.WriteString(`## Instructions

Return JSON: {"topics": [...], "confidence": 0.0-1.0}

- topics: up to ` + fmt.Sprint(MaxTopics) + ` entries from TOPICS, most relevant first
- confidence: how certain you are that the topics describe the text
- Use [] if nothing in TOPICS fits; never invent new topics
`)

	return sb.String()
}

// filterToVocabulary keeps known topics, lowercased and deduplicated, capped
// at MaxTopics. Model output is untrusted; the vocabulary is the contract.
func filterToVocabulary(topics []string) []string {
	known := KnownTopics()
	var out []string
	seen := make(map[string]bool)
	for _, t := range topics {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || !known[t] || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
		if len(out) >= MaxTopics {
			break
		}
	}
	return out
}

func sortedKnownTopics() []string {
	known := KnownTopics()
	out := make([]string, 0, len(known))
	for t := range known {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// extractTextFromResponse pulls the text out of the first candidate.
func extractTextFromResponse(resp *gemini.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return strings.TrimSpace(sb.String())
}
