package domain

import (
    "errors"
    "time"

    "github.com/google/uuid"
)

// ErrUnauthorized signals the source rejected the access token (HTTP 401).
var ErrUnauthorized = errors.New("source: unauthorized")

type TicketStatus string

const (
    TicketStatusNew     TicketStatus = "new"
    TicketStatusOpen    TicketStatus = "open"
    TicketStatusWaiting TicketStatus = "waiting"
    TicketStatusClosed  TicketStatus = "closed"
)

type SentimentScore string

const (
    SentimentVeryNegative SentimentScore = "very_negative"
    SentimentNegative     SentimentScore = "negative"
    SentimentNeutral      SentimentScore = "neutral"
    SentimentPositive     SentimentScore = "positive"
    SentimentVeryPositive SentimentScore = "very_positive"
)

func (s SentimentScore) Valid() bool {
    switch s {
    case SentimentVeryNegative, SentimentNegative, SentimentNeutral, SentimentPositive, SentimentVeryPositive:
        return true
    }
    return false
}

func (s SentimentScore) IsNegative() bool {
    return s == SentimentNegative || s == SentimentVeryNegative
}

type IntegrationType string

const IntegrationHubSpot IntegrationType = "hubspot"

type IntegrationStatus string

const (
    IntegrationActive       IntegrationStatus = "active"
    IntegrationError        IntegrationStatus = "error"
    IntegrationDisconnected IntegrationStatus = "disconnected"
)

// Credentials is the OAuth token payload stored per integration.
type Credentials struct {
    AccessToken  string `json:"access_token"`
    RefreshToken string `json:"refresh_token,omitempty"`
    ExpiresIn    int    `json:"expires_in,omitempty"`
    TokenType    string `json:"token_type,omitempty"`
    HubID        int64  `json:"hub_id,omitempty"`
}

type Integration struct {
    ID           uuid.UUID
    TenantID     uuid.UUID
    Type         IntegrationType
    Status       IntegrationStatus
    Credentials  Credentials
    LastSyncedAt *time.Time
    ErrorMessage string
}

type Ticket struct {
    ID                  uuid.UUID
    TenantID            uuid.UUID
    ExternalID          string
    Source              string
    Subject             string
    Content             string
    Status              TicketStatus
    Priority            string
    SentimentScore      *SentimentScore
    SentimentConfidence *float64
    SentimentAnalyzedAt *time.Time
    ExternalURL         string
    SourceCreatedAt     *time.Time
    SourceUpdatedAt     *time.Time
    Metadata            map[string]string
}

// SourceTicket is one raw item from the CRM batch fetch.
type SourceTicket struct {
    ID         string
    Properties map[string]string
}

// EmailMessage is one message of a ticket's email thread.
// A nil Timestamp sorts before any dated message.
type EmailMessage struct {
    Timestamp *time.Time
    Direction string
    From      string
    To        string
    Subject   string
    Text      string
    HTML      string
}

type Topic struct {
    ID             uuid.UUID
    TenantID       uuid.UUID
    Name           string
    Description    string
    TrainingPrompt string
    IsActive       bool
}

type TopicScore struct {
    Name       string  `json:"name"`
    Confidence float64 `json:"confidence"`
}

// Classification is the parsed result of one model call.
type Classification struct {
    Sentiment  SentimentScore
    Confidence float64
    Reasoning  string
    Topics     []TopicScore
}

// ImportResult counts the outcome of one tenant import run.
type ImportResult struct {
    Imported int `json:"imported"`
    Analyzed int `json:"analyzed"`
    Skipped  int `json:"skipped"`
    Failed   int `json:"failed"`
}

type SyncRun struct {
    ID         int64      `json:"id"`
    TenantID   uuid.UUID  `json:"tenant_id"`
    StartedAt  time.Time  `json:"started_at"`
    FinishedAt *time.Time `json:"finished_at"`
    Imported   int        `json:"imported"`
    Analyzed   int        `json:"analyzed"`
    Skipped    int        `json:"skipped"`
    Failed     int        `json:"failed"`
    Success    bool       `json:"success"`
    Error      string     `json:"error"`
}
