package services

import (
    "fmt"
    "html"
    "regexp"
    "sort"
    "strings"
    "time"

    "github.com/davehague/churn-risk/internal/domain"
)

var (
    htmlBlockRe = regexp.MustCompile(`(?is)<(script|style|head)[^>]*>.*?</(script|style|head)>`)
    htmlBreakRe = regexp.MustCompile(`(?i)<(br|/p|/div|/tr|/li)[^>]*>`)
    htmlTagRe   = regexp.MustCompile(`(?s)<[^>]*>`)
    blankRunRe  = regexp.MustCompile(`\n{3,}`)
)

// StripHTML reduces an HTML email body to plain text.
func StripHTML(s string) string {
    if s == "" { return "" }
    out := htmlBlockRe.ReplaceAllString(s, "")
    out = strings.ReplaceAll(out, "\r\n", "\n")
    out = htmlBreakRe.ReplaceAllString(out, "\n")
    out = htmlTagRe.ReplaceAllString(out, "")
    out = html.UnescapeString(out)
    out = blankRunRe.ReplaceAllString(out, "\n\n")
    return strings.TrimSpace(out)
}

// AssembleTicketContent builds the analysis text for a ticket: the initial
// description first, then the email thread in chronological order. Emails
// without a timestamp sort before any dated email. The result is empty when
// there is neither a description nor any email.
func AssembleTicketContent(description string, emails []domain.EmailMessage) string {
    ordered := make([]domain.EmailMessage, len(emails))
    copy(ordered, emails)
    sort.SliceStable(ordered, func(i, j int) bool {
        ti, tj := emailTime(ordered[i]), emailTime(ordered[j])
        if !ti.Equal(tj) { return ti.Before(tj) }
        // tie-break so equal timestamps still order the same way
        // regardless of input order
        if ordered[i].From != ordered[j].From { return ordered[i].From < ordered[j].From }
        return ordered[i].Subject < ordered[j].Subject
    })

    b := &strings.Builder{}
    if d := strings.TrimSpace(description); d != "" {
        b.WriteString("Initial Description:\n")
        b.WriteString(d)
    }
    for i, em := range ordered {
        if b.Len() > 0 { b.WriteString("\n\n") }
        header := fmt.Sprintf("Email %d", i+1)
        if em.Direction != "" { header += " (" + em.Direction + ")" }
        b.WriteString(header)
        if em.From != "" { b.WriteString("\nFrom: " + em.From) }
        if em.To != "" { b.WriteString("\nTo: " + em.To) }
        if em.Subject != "" { b.WriteString("\nSubject: " + em.Subject) }
        body := strings.TrimSpace(em.Text)
        if body == "" { body = StripHTML(em.HTML) }
        if body != "" { b.WriteString("\n" + body) }
    }
    return b.String()
}

func emailTime(em domain.EmailMessage) time.Time {
    if em.Timestamp == nil { return time.Time{} }
    return *em.Timestamp
}

// MapTicketStatus folds a source pipeline stage onto the canonical statuses.
// Matching is case-insensitive on substrings; the first match wins.
func MapTicketStatus(stage string) domain.TicketStatus {
    s := strings.ToLower(strings.TrimSpace(stage))
    switch {
    case strings.Contains(s, "new"):
        return domain.TicketStatusNew
    case strings.Contains(s, "waiting") || strings.Contains(s, "pending"):
        return domain.TicketStatusWaiting
    case strings.Contains(s, "closed") || strings.Contains(s, "resolved"):
        return domain.TicketStatusClosed
    default:
        return domain.TicketStatusOpen
    }
}

func parseSourceTime(v string) *time.Time {
    s := strings.TrimSpace(v)
    if s == "" { return nil }
    layouts := []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z", "2006-01-02 15:04:05"}
    for _, l := range layouts {
        if t, err := time.Parse(l, s); err == nil {
            tt := t.UTC(); return &tt
        }
    }
    return nil
}

// externalTicketURL builds the deep link into the source UI. Without a
// portal id only the generic fallback link is possible.
func externalTicketURL(hubID int64, externalID string) string {
    if hubID > 0 {
        return fmt.Sprintf("https://app.hubspot.com/help-desk/%d/view/search/ticket/%s/", hubID, externalID)
    }
    return "https://app.hubspot.com/contacts/ticket/" + externalID
}
