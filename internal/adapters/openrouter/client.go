/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package openrouter

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "strings"
    "time"

    "github.com/cenkalti/backoff/v4"
    openai "github.com/openai/openai-go/v2"
    "github.com/openai/openai-go/v2/option"
    "github.com/openai/openai-go/v2/shared"
    "github.com/rs/zerolog"

    "github.com/davehague/churn-risk/internal/config"
    "github.com/davehague/churn-risk/internal/domain"
)

const systemPrompt = "You are an expert customer support analyst. You assess support tickets " +
    "for customer sentiment and topic categories. The sentiment score must be one of: " +
    "very_negative, negative, neutral, positive, very_positive. Always respond with valid JSON only."

const jsonSchema = `{
  "sentiment": {
    "score": "negative",
    "confidence": 0.85,
    "reasoning": "Customer expresses frustration..."
  },
  "topics": [
    {"name": "Performance Issues", "confidence": 0.9},
    {"name": "API Errors", "confidence": 0.7}
  ]
}`

type Client struct {
    key   string
    model string
    cli   openai.Client
    log   zerolog.Logger

    maxAttempts  int
    retryInitial time.Duration
    retryMax     time.Duration
}

func NewClient(cfg config.Config, log zerolog.Logger) *Client {
    model := cfg.OpenRouterModel
    if strings.TrimSpace(model) == "" { model = "google/gemini-flash-1.5" }
    opts := []option.RequestOption{option.WithAPIKey(cfg.OpenRouterKey)}
    if cfg.OpenRouterBaseURL != "" { opts = append(opts, option.WithBaseURL(cfg.OpenRouterBaseURL)) }
    if cfg.OpenRouterTimeout > 0 { opts = append(opts, option.WithRequestTimeout(cfg.OpenRouterTimeout)) }
    cli := openai.NewClient(opts...)
    return &Client{
        key:          cfg.OpenRouterKey,
        model:        model,
        cli:          cli,
        log:          log,
        maxAttempts:  3,
        retryInitial: 2 * time.Second,
        retryMax:     10 * time.Second,
    }
}

// AnalyzeTicket classifies sentiment and topics for one ticket in a single
// model call. Failed attempts are retried with exponential backoff; the last
// cause survives inside RetryExhaustedError.
func (c *Client) AnalyzeTicket(ctx context.Context, content string, topics []string, rules []string) (domain.Classification, error) {
    if strings.TrimSpace(c.key) == "" { return domain.Classification{}, errors.New("openrouter: missing key") }
    user := buildPrompt(content, topics, rules)

    bo := backoff.NewExponentialBackOff()
    bo.InitialInterval = c.retryInitial
    bo.MaxInterval = c.retryMax
    bo.MaxElapsedTime = 0

    var out domain.Classification
    attempts := 0
    op := func() error {
        attempts++
        res, err := c.completeOnce(ctx, user)
        if err != nil {
            c.log.Warn().Err(err).Int("attempt", attempts).Msg("openrouter analyze attempt failed")
            return err
        }
        out = res
        return nil
    }
    if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxAttempts-1)), ctx)); err != nil {
        return domain.Classification{}, &RetryExhaustedError{Attempts: attempts, Err: err}
    }
    return out, nil
}

func (c *Client) completeOnce(ctx context.Context, user string) (domain.Classification, error) {
    params := openai.ChatCompletionNewParams{
        Model: shared.ChatModel(c.model),
        Messages: []openai.ChatCompletionMessageParamUnion{
            openai.SystemMessage(systemPrompt),
            openai.UserMessage(user),
        },
    }
    resp, err := c.cli.Chat.Completions.New(ctx, params)
    if err != nil { return domain.Classification{}, err }
    if len(resp.Choices) == 0 { return domain.Classification{}, errors.New("openrouter: no choices") }
    return parseAnalysis(resp.Choices[0].Message.Content)
}

func buildPrompt(content string, topics []string, rules []string) string {
    b := &strings.Builder{}
    fmt.Fprintf(b, "Analyze the following customer support ticket:\n\n%s\n\n", content)
    b.WriteString("Your tasks:\n")
    b.WriteString("1. Determine the overall customer sentiment\n")
    b.WriteString("2. Provide a confidence score (0.0 to 1.0) for the sentiment\n")
    b.WriteString("3. Briefly explain your reasoning\n")
    if len(topics) > 0 {
        fmt.Fprintf(b, "4. Classify the ticket into one or more of these topics:\n%s\n", strings.Join(topics, ", "))
        b.WriteString("5. For each topic, provide a confidence score (0.0 to 1.0)\n")
    } else {
        b.WriteString("4. Suggest 2-3 topic categories for this ticket\n")
        b.WriteString("5. For each suggested topic, provide a confidence score (0.0 to 1.0)\n")
    }
    if len(rules) > 0 {
        b.WriteString("\nUser Training Rules (apply these when classifying):\n")
        for _, r := range rules { fmt.Fprintf(b, "- %s\n", r) }
    }
    fmt.Fprintf(b, "\nRespond with JSON in exactly this format:\n%s\n", jsonSchema)
    return b.String()
}

// stripFences removes a surrounding markdown code block; some models wrap
// their JSON in ```json ... ``` despite instructions.
func stripFences(s string) string {
    s = strings.TrimSpace(s)
    if !strings.HasPrefix(s, "```") { return s }
    lines := strings.Split(s, "\n")
    if strings.HasPrefix(lines[0], "```") { lines = lines[1:] }
    if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" { lines = lines[:len(lines)-1] }
    return strings.TrimSpace(strings.Join(lines, "\n"))
}

func parseAnalysis(content string) (domain.Classification, error) {
    content = stripFences(content)
    if content == "" { return domain.Classification{}, &MalformedResponseError{Reason: "empty content"} }
    var payload struct {
        Sentiment *struct {
            Score      string  `json:"score"`
            Confidence float64 `json:"confidence"`
            Reasoning  string  `json:"reasoning"`
        } `json:"sentiment"`
        Topics *[]struct {
            Name       string  `json:"name"`
            Confidence float64 `json:"confidence"`
        } `json:"topics"`
    }
    if err := json.Unmarshal([]byte(content), &payload); err != nil {
        return domain.Classification{}, &MalformedResponseError{Reason: "invalid JSON", Err: err}
    }
    if payload.Sentiment == nil {
        return domain.Classification{}, &MalformedResponseError{Reason: "missing required field 'sentiment'"}
    }
    if payload.Topics == nil {
        return domain.Classification{}, &MalformedResponseError{Reason: "missing required field 'topics'"}
    }
    score := domain.SentimentScore(payload.Sentiment.Score)
    if !score.Valid() {
        return domain.Classification{}, &MalformedResponseError{Reason: fmt.Sprintf("unknown sentiment score %q", payload.Sentiment.Score)}
    }
    cls := domain.Classification{
        Sentiment:  score,
        Confidence: payload.Sentiment.Confidence,
        Reasoning:  payload.Sentiment.Reasoning,
    }
    for _, t := range *payload.Topics {
        if strings.TrimSpace(t.Name) == "" { continue }
        cls.Topics = append(cls.Topics, domain.TopicScore{Name: t.Name, Confidence: t.Confidence})
    }
    return cls, nil
}
