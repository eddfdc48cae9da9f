package openrouter

import (
    "context"
    "encoding/json"
    "errors"
    "net/http"
    "net/http/httptest"
    "strings"
    "testing"
    "time"

    "github.com/rs/zerolog"

    "github.com/davehague/churn-risk/internal/config"
    "github.com/davehague/churn-risk/internal/domain"
)

func testClient(t *testing.T, content string, hits *int) *Client {
    t.Helper()
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if hits != nil { *hits++ }
        resp := map[string]any{
            "id":    "cmpl-test",
            "model": "test",
            "choices": []map[string]any{
                {"index": 0, "message": map[string]any{"role": "assistant", "content": content}},
            },
        }
        w.Header().Set("Content-Type", "application/json")
        _ = json.NewEncoder(w).Encode(resp)
    }))
    t.Cleanup(srv.Close)
    cfg := config.Config{
        OpenRouterKey:     "test-key",
        OpenRouterModel:   "test/model",
        OpenRouterBaseURL: srv.URL,
        OpenRouterTimeout: 5 * time.Second,
    }
    c := NewClient(cfg, zerolog.Nop())
    c.retryInitial = time.Millisecond
    c.retryMax = 2 * time.Millisecond
    return c
}

func TestAnalyzeTicket_ParsesFencedJSON(t *testing.T) {
    body := "```json\n" + `{
        "sentiment": {"score": "very_negative", "confidence": 0.92, "reasoning": "threatens to cancel"},
        "topics": [{"name": "Billing", "confidence": 0.8}, {"name": "", "confidence": 0.3}]
    }` + "\n```"
    c := testClient(t, body, nil)

    cls, err := c.AnalyzeTicket(context.Background(), "Subject: refund\n\nwhere is my refund", nil, nil)
    if err != nil { t.Fatalf("AnalyzeTicket: %v", err) }
    if cls.Sentiment != domain.SentimentVeryNegative { t.Fatalf("sentiment = %q", cls.Sentiment) }
    if cls.Confidence != 0.92 { t.Fatalf("confidence = %v", cls.Confidence) }
    if len(cls.Topics) != 1 || cls.Topics[0].Name != "Billing" {
        t.Fatalf("nameless topics must be dropped: %#v", cls.Topics)
    }
}

func TestAnalyzeTicket_RetriesThenReportsExhaustion(t *testing.T) {
    hits := 0
    c := testClient(t, "sorry, I cannot produce JSON today", &hits)

    _, err := c.AnalyzeTicket(context.Background(), "some ticket", nil, nil)
    if err == nil { t.Fatalf("expected error") }
    var re *RetryExhaustedError
    if !errors.As(err, &re) { t.Fatalf("expected RetryExhaustedError, got %T: %v", err, err) }
    if re.Attempts != 3 { t.Fatalf("attempts = %d, want 3", re.Attempts) }
    var mr *MalformedResponseError
    if !errors.As(err, &mr) { t.Fatalf("last cause must be preserved, got %v", err) }
    if hits != 3 { t.Fatalf("server hit %d times, want 3", hits) }
}

func TestAnalyzeTicket_RequiresKey(t *testing.T) {
    c := NewClient(config.Config{}, zerolog.Nop())
    if _, err := c.AnalyzeTicket(context.Background(), "x", nil, nil); err == nil {
        t.Fatalf("expected error without api key")
    }
}

func TestBuildPrompt_WithTopics(t *testing.T) {
    p := buildPrompt("ticket text", []string{"Billing", "API Errors"}, []string{"Refunds go to Billing"})
    if !strings.Contains(p, "Billing, API Errors") { t.Fatalf("topic list missing:\n%s", p) }
    if !strings.Contains(p, "4. Classify the ticket into one or more of these topics") {
        t.Fatalf("classify task missing:\n%s", p)
    }
    if strings.Contains(p, "Suggest 2-3 topic categories") { t.Fatalf("suggest branch leaked:\n%s", p) }
    if !strings.Contains(p, "User Training Rules (apply these when classifying):\n- Refunds go to Billing") {
        t.Fatalf("rules section missing:\n%s", p)
    }
    if !strings.Contains(p, "Respond with JSON in exactly this format:") { t.Fatalf("schema missing:\n%s", p) }
}

func TestBuildPrompt_WithoutTopics(t *testing.T) {
    p := buildPrompt("ticket text", nil, nil)
    if !strings.Contains(p, "4. Suggest 2-3 topic categories for this ticket") {
        t.Fatalf("suggest branch missing:\n%s", p)
    }
    if strings.Contains(p, "User Training Rules") { t.Fatalf("rules section must be absent:\n%s", p) }
}

func TestParseAnalysis_Errors(t *testing.T) {
    cases := []struct {
        name    string
        content string
        reason  string
    }{
        {"empty", "", "empty content"},
        {"not json", "nope", "invalid JSON"},
        {"missing sentiment", `{"topics": []}`, "missing required field 'sentiment'"},
        {"missing topics", `{"sentiment": {"score": "neutral", "confidence": 0.5}}`, "missing required field 'topics'"},
        {"bad score", `{"sentiment": {"score": "angry", "confidence": 0.5}, "topics": []}`, "unknown sentiment score"},
    }
    for _, c := range cases {
        _, err := parseAnalysis(c.content)
        var mr *MalformedResponseError
        if !errors.As(err, &mr) { t.Fatalf("%s: expected MalformedResponseError, got %v", c.name, err) }
        if !strings.Contains(mr.Reason, c.reason) {
            t.Fatalf("%s: reason %q does not contain %q", c.name, mr.Reason, c.reason)
        }
    }
}

func TestStripFences(t *testing.T) {
    if got := stripFences("```json\n{\"a\":1}\n```"); got != `{"a":1}` {
        t.Fatalf("fenced: %q", got)
    }
    if got := stripFences(`{"a":1}`); got != `{"a":1}` {
        t.Fatalf("unfenced: %q", got)
    }
}
