/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package hubspot

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "net/url"
    "sort"
    "strconv"
    "strings"
    "time"

    "github.com/davehague/churn-risk/internal/config"
    "github.com/davehague/churn-risk/internal/domain"
    "github.com/rs/zerolog"
)

var ticketProperties = []string{
    "subject",
    "content",
    "hs_ticket_id",
    "hs_ticket_priority",
    "hs_pipeline_stage",
    "createdate",
    "hs_lastmodifieddate",
}

var emailProperties = []string{
    "hs_email_subject",
    "hs_email_text",
    "hs_email_html",
    "hs_timestamp",
    "hs_email_direction",
    "hs_email_from",
    "hs_email_to",
}

type Client struct {
    baseURL      string
    appBaseURL   string
    clientID     string
    clientSecret string
    redirectURI  string
    http         *http.Client
    log          zerolog.Logger
}

func NewClient(cfg config.Config, log zerolog.Logger) *Client {
    return &Client{
        baseURL:      cfg.HubSpotBaseURL,
        appBaseURL:   cfg.HubSpotAppBaseURL,
        clientID:     cfg.HubSpotClientID,
        clientSecret: cfg.HubSpotClientSecret,
        redirectURI:  cfg.HubSpotRedirectURI,
        http:         &http.Client{ Timeout: cfg.HTTPTimeout },
        log:          log,
    }
}

func (c *Client) apiURL(path string, q url.Values) string {
    base := strings.TrimRight(c.baseURL, "/")
    if !strings.HasPrefix(path, "/") { path = "/" + path }
    u := base + path
    if len(q) > 0 { u = u + "?" + q.Encode() }
    return u
}

// AuthorizeURL builds the OAuth consent URL. The state round-trips the tenant.
func (c *Client) AuthorizeURL(state string) string {
    q := url.Values{}
    q.Set("client_id", c.clientID)
    q.Set("redirect_uri", c.redirectURI)
    q.Set("scope", "crm.objects.contacts.read crm.objects.companies.read tickets")
    if state != "" { q.Set("state", state) }
    return strings.TrimRight(c.appBaseURL, "/") + "/oauth/authorize?" + q.Encode()
}

func (c *Client) ExchangeCode(ctx context.Context, code string) (domain.Credentials, error) {
    if code == "" { return domain.Credentials{}, errors.New("hubspot: empty code") }
    form := url.Values{}
    form.Set("grant_type", "authorization_code")
    form.Set("client_id", c.clientID)
    form.Set("client_secret", c.clientSecret)
    form.Set("redirect_uri", c.redirectURI)
    form.Set("code", code)
    return c.tokenRequest(ctx, form)
}

func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (domain.Credentials, error) {
    if refreshToken == "" { return domain.Credentials{}, errors.New("hubspot: empty refresh token") }
    form := url.Values{}
    form.Set("grant_type", "refresh_token")
    form.Set("client_id", c.clientID)
    form.Set("client_secret", c.clientSecret)
    form.Set("refresh_token", refreshToken)
    return c.tokenRequest(ctx, form)
}

func (c *Client) tokenRequest(ctx context.Context, form url.Values) (domain.Credentials, error) {
    u := c.apiURL("/oauth/v1/token", nil)
    req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
    if err != nil { return domain.Credentials{}, err }
    req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
    resp, err := c.http.Do(req)
    if err != nil { return domain.Credentials{}, err }
    defer resp.Body.Close()
    if resp.StatusCode >= 300 {
        b, _ := io.ReadAll(resp.Body)
        return domain.Credentials{}, fmt.Errorf("hubspot token status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
    }
    var creds domain.Credentials
    if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil { return domain.Credentials{}, err }
    if creds.AccessToken == "" { return domain.Credentials{}, errors.New("hubspot: token response missing access_token") }
    return creds, nil
}

// doJSON performs one API call. Failures propagate on first occurrence;
// the import run, not this layer, decides what to do about them.
func (c *Client) doJSON(ctx context.Context, method, u, accessToken string, body any, out any) error {
    if c.baseURL == "" { return errors.New("hubspot: empty baseURL") }
    var r io.Reader
    if body != nil {
        b, err := json.Marshal(body)
        if err != nil { return err }
        r = strings.NewReader(string(b))
    }
    req, err := http.NewRequestWithContext(ctx, method, u, r)
    if err != nil { return err }
    if body != nil { req.Header.Set("Content-Type", "application/json") }
    req.Header.Set("Authorization", "Bearer "+accessToken)
    resp, err := c.http.Do(req)
    if err != nil { return err }
    defer resp.Body.Close()
    b, _ := io.ReadAll(resp.Body)
    switch {
    case resp.StatusCode == http.StatusUnauthorized:
        return fmt.Errorf("hubspot api status=401: %w", domain.ErrUnauthorized)
    case resp.StatusCode >= 300:
        return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
    }
    if out == nil { return nil }
    return json.Unmarshal(b, out)
}

// StatusError is an API error carrying its HTTP status.
type StatusError struct {
    Code int
    Body string
}

func (e *StatusError) Error() string { return fmt.Sprintf("hubspot api status=%d body=%s", e.Code, e.Body) }

// SearchTickets fetches the most recently created tickets, newest first.
func (c *Client) SearchTickets(ctx context.Context, accessToken string, limit int) ([]domain.SourceTicket, error) {
    if limit <= 0 { limit = 20 }
    if limit > 100 { limit = 100 }
    body := map[string]any{
        "limit":      limit,
        "properties": ticketProperties,
        "sorts": []map[string]string{
            {"propertyName": "createdate", "direction": "DESCENDING"},
        },
    }
    var out struct {
        Results []struct {
            ID         string            `json:"id"`
            Properties map[string]string `json:"properties"`
        } `json:"results"`
    }
    u := c.apiURL("/crm/v3/objects/tickets/search", nil)
    if err := c.doJSON(ctx, http.MethodPost, u, accessToken, body, &out); err != nil { return nil, err }
    tickets := make([]domain.SourceTicket, 0, len(out.Results))
    for _, r := range out.Results {
        props := r.Properties
        if props == nil { props = map[string]string{} }
        tickets = append(tickets, domain.SourceTicket{ID: r.ID, Properties: props})
    }
    return tickets, nil
}

// TicketEmails fetches the email thread for a ticket, oldest first.
// A missing association (404) is not an error; the thread is just empty.
func (c *Client) TicketEmails(ctx context.Context, accessToken, ticketID string) ([]domain.EmailMessage, error) {
    if ticketID == "" { return nil, errors.New("hubspot: empty ticket id") }
    var assoc struct {
        Results []struct {
            ToObjectID int64 `json:"toObjectId"`
        } `json:"results"`
    }
    u := c.apiURL("/crm/v4/objects/tickets/"+url.PathEscape(ticketID)+"/associations/emails", nil)
    if err := c.doJSON(ctx, http.MethodGet, u, accessToken, nil, &assoc); err != nil {
        var se *StatusError
        if errors.As(err, &se) && se.Code == http.StatusNotFound { return nil, nil }
        return nil, err
    }
    var emails []domain.EmailMessage
    for _, r := range assoc.Results {
        em, err := c.getEmail(ctx, accessToken, strconv.FormatInt(r.ToObjectID, 10))
        if err != nil {
            c.log.Warn().Err(err).Int64("email_id", r.ToObjectID).Str("ticket_id", ticketID).Msg("email fetch failed")
            continue
        }
        emails = append(emails, em)
    }
    sort.SliceStable(emails, func(i, j int) bool {
        ti, tj := derefTime(emails[i].Timestamp), derefTime(emails[j].Timestamp)
        return ti.Before(tj)
    })
    return emails, nil
}

func (c *Client) getEmail(ctx context.Context, accessToken, emailID string) (domain.EmailMessage, error) {
    q := url.Values{}
    q.Set("properties", strings.Join(emailProperties, ","))
    var out struct {
        Properties map[string]string `json:"properties"`
    }
    u := c.apiURL("/crm/v3/objects/emails/"+url.PathEscape(emailID), q)
    if err := c.doJSON(ctx, http.MethodGet, u, accessToken, nil, &out); err != nil { return domain.EmailMessage{}, err }
    p := out.Properties
    return domain.EmailMessage{
        Timestamp: ParseTime(p["hs_timestamp"]),
        Direction: p["hs_email_direction"],
        From:      p["hs_email_from"],
        To:        p["hs_email_to"],
        Subject:   p["hs_email_subject"],
        Text:      p["hs_email_text"],
        HTML:      p["hs_email_html"],
    }, nil
}

// ParseTime accepts the timestamp formats HubSpot emits: RFC3339 variants
// and epoch milliseconds.
func ParseTime(s string) *time.Time {
    s = strings.TrimSpace(s)
    if s == "" { return nil }
    layouts := []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z", "2006-01-02 15:04:05"}
    for _, l := range layouts {
        if t, err := time.Parse(l, s); err == nil {
            tt := t.UTC(); return &tt
        }
    }
    if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 {
        tt := time.UnixMilli(ms).UTC(); return &tt
    }
    return nil
}

func derefTime(t *time.Time) time.Time { if t == nil { return time.Time{} }; return *t }
