/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package services

import (
    "context"
    "errors"
    "fmt"
    "strings"
    "time"

    "github.com/google/uuid"
    "github.com/rs/zerolog"

    "github.com/davehague/churn-risk/internal/config"
    "github.com/davehague/churn-risk/internal/domain"
)

var (
    ErrIntegrationNotFound = errors.New("integration not found")
    ErrMissingAccessToken  = errors.New("integration has no access token")
)

// IntegrationInactiveError rejects imports for integrations that are not active.
type IntegrationInactiveError struct {
    Status domain.IntegrationStatus
}

func (e *IntegrationInactiveError) Error() string {
    return fmt.Sprintf("integration is %s, not active", e.Status)
}

type SourceClient interface {
    AuthorizeURL(state string) string
    ExchangeCode(ctx context.Context, code string) (domain.Credentials, error)
    RefreshToken(ctx context.Context, refreshToken string) (domain.Credentials, error)
    SearchTickets(ctx context.Context, accessToken string, limit int) ([]domain.SourceTicket, error)
    TicketEmails(ctx context.Context, accessToken, ticketID string) ([]domain.EmailMessage, error)
}

type Analyzer interface {
    AnalyzeTicket(ctx context.Context, content string, topics []string, rules []string) (domain.Classification, error)
}

type Store interface {
    GetIntegration(ctx context.Context, tenantID uuid.UUID, typ domain.IntegrationType) (*domain.Integration, error)
    SaveIntegration(ctx context.Context, in *domain.Integration) error
    UpdateIntegrationCredentials(ctx context.Context, id uuid.UUID, creds domain.Credentials) error
    MarkIntegrationSynced(ctx context.Context, id uuid.UUID, at time.Time) error
    SetIntegrationError(ctx context.Context, id uuid.UUID, msg string) error
    ListIntegrations(ctx context.Context, tenantID uuid.UUID) ([]domain.Integration, error)
    ListActiveIntegrations(ctx context.Context) ([]domain.Integration, error)
    DeleteIntegration(ctx context.Context, tenantID, id uuid.UUID) error
    ListActiveTopics(ctx context.Context, tenantID uuid.UUID) ([]domain.Topic, error)
    ListTickets(ctx context.Context, tenantID uuid.UUID, sentiment string, limit, offset int) ([]domain.Ticket, error)
    StartSyncRun(ctx context.Context, tenantID uuid.UUID) (int64, error)
    FinishSyncRun(ctx context.Context, id int64, res domain.ImportResult, success bool, errStr string) error
    GetLastSyncRun(ctx context.Context) (*domain.SyncRun, error)
    Begin(ctx context.Context) (Tx, error)
}

// Tx stages all writes of one import run; nothing is visible until Commit.
type Tx interface {
    GetTicketByExternalID(ctx context.Context, tenantID uuid.UUID, externalID string) (*domain.Ticket, error)
    UpsertTicket(ctx context.Context, t *domain.Ticket) error
    SetTicketSentiment(ctx context.Context, ticketID uuid.UUID, score domain.SentimentScore, confidence float64, at time.Time) error
    EnsureTopic(ctx context.Context, tenantID uuid.UUID, name string) (uuid.UUID, error)
    AssignTopic(ctx context.Context, tenantID, ticketID, topicID uuid.UUID, confidence float64) error
    Commit(ctx context.Context) error
    Rollback(ctx context.Context) error
}

type Service struct {
    cfg    config.Config
    log    zerolog.Logger
    store  Store
    source SourceClient
    llm    Analyzer
}

func New(cfg config.Config, log zerolog.Logger, store Store, source SourceClient, llm Analyzer) *Service {
    return &Service{cfg: cfg, log: log, store: store, source: source, llm: llm}
}

// ImportTickets runs one import for a tenant: fetch the recent batch,
// reconcile each ticket, classify the ones that still lack sentiment, and
// commit everything at once. A single bad ticket only bumps the failed
// counter; it never aborts the run.
func (s *Service) ImportTickets(ctx context.Context, tenantID uuid.UUID, daysBack int) (domain.ImportResult, error) {
    var res domain.ImportResult
    integ, err := s.store.GetIntegration(ctx, tenantID, domain.IntegrationHubSpot)
    if err != nil { return res, err }
    if integ == nil { return res, ErrIntegrationNotFound }
    if integ.Status != domain.IntegrationActive { return res, &IntegrationInactiveError{Status: integ.Status} }
    if strings.TrimSpace(integ.Credentials.AccessToken) == "" { return res, ErrMissingAccessToken }
    if daysBack <= 0 { daysBack = s.cfg.ImportDaysBack }
    if daysBack <= 0 { daysBack = 7 }

    runID, err := s.store.StartSyncRun(ctx, tenantID)
    if err != nil { s.log.Error().Err(err).Msg("start sync run failed") }
    var runErr error
    defer func() {
        if runID != 0 {
            _ = s.store.FinishSyncRun(ctx, runID, res, runErr == nil, errString(runErr))
        }
    }()

    items, err := s.fetchRecent(ctx, integ)
    if err != nil { runErr = err; return res, err }
    items = filterByAge(items, daysBack, time.Now().UTC())

    topics, rules, err := s.loadVocabulary(ctx, tenantID)
    if err != nil { runErr = err; return res, err }

    tx, err := s.store.Begin(ctx)
    if err != nil { runErr = err; return res, err }
    committed := false
    defer func() { if !committed { _ = tx.Rollback(ctx) } }()

    for _, it := range items {
        if err := s.processTicket(ctx, tx, integ, it, topics, rules, &res); err != nil {
            res.Failed++
            s.log.Error().Err(err).Str("external_id", it.ID).Msg("ticket import failed")
        }
    }
    if err := tx.Commit(ctx); err != nil { runErr = err; return res, err }
    committed = true
    _ = s.store.MarkIntegrationSynced(ctx, integ.ID, time.Now().UTC())
    s.log.Info().
        Str("tenant", tenantID.String()).
        Int("imported", res.Imported).Int("analyzed", res.Analyzed).
        Int("skipped", res.Skipped).Int("failed", res.Failed).
        Msg("import done")
    return res, nil
}

// fetchRecent pulls the newest tickets, refreshing the access token exactly
// once on a 401. Refreshed credentials are persisted immediately so they
// survive even if the rest of the run fails.
func (s *Service) fetchRecent(ctx context.Context, integ *domain.Integration) ([]domain.SourceTicket, error) {
    limit := s.cfg.ImportBatchLimit
    if limit <= 0 { limit = 20 }
    items, err := s.source.SearchTickets(ctx, integ.Credentials.AccessToken, limit)
    if err == nil { return items, nil }
    if !errors.Is(err, domain.ErrUnauthorized) { return nil, err }

    refresh := strings.TrimSpace(integ.Credentials.RefreshToken)
    if refresh == "" { return nil, fmt.Errorf("access token rejected and no refresh token: %w", err) }
    s.log.Info().Str("integration", integ.ID.String()).Msg("access token rejected, refreshing")
    creds, rerr := s.source.RefreshToken(ctx, refresh)
    if rerr != nil { return nil, fmt.Errorf("token refresh failed: %w", rerr) }
    if creds.RefreshToken == "" { creds.RefreshToken = refresh }
    if creds.HubID == 0 { creds.HubID = integ.Credentials.HubID }
    if uerr := s.store.UpdateIntegrationCredentials(ctx, integ.ID, creds); uerr != nil { return nil, uerr }
    integ.Credentials = creds
    return s.source.SearchTickets(ctx, integ.Credentials.AccessToken, limit)
}

// filterByAge drops tickets created before the window. Tickets without a
// parseable createdate are kept.
func filterByAge(items []domain.SourceTicket, daysBack int, now time.Time) []domain.SourceTicket {
    cutoff := now.AddDate(0, 0, -daysBack)
    out := make([]domain.SourceTicket, 0, len(items))
    for _, it := range items {
        created := parseSourceTime(it.Properties["createdate"])
        if created != nil && created.Before(cutoff) { continue }
        out = append(out, it)
    }
    return out
}

func (s *Service) loadVocabulary(ctx context.Context, tenantID uuid.UUID) ([]string, []string, error) {
    tops, err := s.store.ListActiveTopics(ctx, tenantID)
    if err != nil { return nil, nil, err }
    var names, rules []string
    for _, t := range tops {
        if n := strings.TrimSpace(t.Name); n != "" { names = append(names, n) }
        if r := strings.TrimSpace(t.TrainingPrompt); r != "" { rules = append(rules, r) }
    }
    return names, rules, nil
}

func (s *Service) processTicket(ctx context.Context, tx Tx, integ *domain.Integration, item domain.SourceTicket, topics, rules []string, res *domain.ImportResult) error {
    externalID := strings.TrimSpace(item.ID)
    if externalID == "" { return errors.New("ticket missing external id") }
    props := item.Properties

    subject := strings.TrimSpace(props["subject"])
    if subject == "" { subject = "No Subject" }

    emails, err := s.source.TicketEmails(ctx, integ.Credentials.AccessToken, externalID)
    if err != nil {
        // thread fetch is best-effort; the description alone still imports
        s.log.Warn().Err(err).Str("external_id", externalID).Msg("email thread fetch failed")
        emails = nil
    }
    content := AssembleTicketContent(props["content"], emails)

    existing, err := tx.GetTicketByExternalID(ctx, integ.TenantID, externalID)
    if err != nil { return err }
    t := existing
    isNew := t == nil
    if isNew {
        t = &domain.Ticket{
            ID:         uuid.New(),
            TenantID:   integ.TenantID,
            ExternalID: externalID,
            Source:     string(integ.Type),
        }
    }
    t.Subject = subject
    t.Content = content
    t.Status = MapTicketStatus(props["hs_pipeline_stage"])
    t.Priority = strings.ToLower(strings.TrimSpace(props["hs_ticket_priority"]))
    t.SourceCreatedAt = parseSourceTime(props["createdate"])
    t.SourceUpdatedAt = parseSourceTime(props["hs_lastmodifieddate"])
    t.ExternalURL = externalTicketURL(integ.Credentials.HubID, externalID)
    t.Metadata = props
    if err := tx.UpsertTicket(ctx, t); err != nil { return err }
    if isNew { res.Imported++ }

    switch {
    case t.SentimentScore != nil:
        // analyzed once, never again
        res.Skipped++
    case strings.TrimSpace(content) == "":
        // nothing to analyze
    default:
        full := "Subject: " + subject + "\n\n" + content
        cls, err := s.llm.AnalyzeTicket(ctx, full, topics, rules)
        if err != nil {
            res.Failed++
            s.log.Error().Err(err).Str("external_id", externalID).Msg("classification failed")
            return nil
        }
        now := time.Now().UTC()
        if err := tx.SetTicketSentiment(ctx, t.ID, cls.Sentiment, cls.Confidence, now); err != nil { return err }
        score := cls.Sentiment
        conf := cls.Confidence
        t.SentimentScore = &score
        t.SentimentConfidence = &conf
        t.SentimentAnalyzedAt = &now
        for _, ts := range cls.Topics {
            name := strings.TrimSpace(ts.Name)
            if name == "" { continue }
            topicID, err := tx.EnsureTopic(ctx, integ.TenantID, name)
            if err != nil { return err }
            if err := tx.AssignTopic(ctx, integ.TenantID, t.ID, topicID, ts.Confidence); err != nil { return err }
        }
        res.Analyzed++
    }
    return nil
}

// AuthorizeURL starts the OAuth connect flow for a tenant.
func (s *Service) AuthorizeURL(tenantID uuid.UUID) string {
    return s.source.AuthorizeURL(tenantID.String())
}

// CompleteOAuth exchanges the callback code and activates the integration.
func (s *Service) CompleteOAuth(ctx context.Context, tenantID uuid.UUID, code string) (*domain.Integration, error) {
    creds, err := s.source.ExchangeCode(ctx, code)
    if err != nil { return nil, err }
    integ, err := s.store.GetIntegration(ctx, tenantID, domain.IntegrationHubSpot)
    if err != nil { return nil, err }
    if integ == nil {
        integ = &domain.Integration{ID: uuid.New(), TenantID: tenantID, Type: domain.IntegrationHubSpot}
    }
    integ.Status = domain.IntegrationActive
    integ.Credentials = creds
    integ.ErrorMessage = ""
    if err := s.store.SaveIntegration(ctx, integ); err != nil { return nil, err }
    return integ, nil
}

func (s *Service) ListIntegrations(ctx context.Context, tenantID uuid.UUID) ([]domain.Integration, error) {
    return s.store.ListIntegrations(ctx, tenantID)
}

func (s *Service) DeleteIntegration(ctx context.Context, tenantID, id uuid.UUID) error {
    return s.store.DeleteIntegration(ctx, tenantID, id)
}

func (s *Service) ListTickets(ctx context.Context, tenantID uuid.UUID, sentiment string, limit, offset int) ([]domain.Ticket, error) {
    if limit <= 0 || limit > 200 { limit = 50 }
    if offset < 0 { offset = 0 }
    return s.store.ListTickets(ctx, tenantID, sentiment, limit, offset)
}

func (s *Service) GetLastRun(ctx context.Context) (*domain.SyncRun, error) {
    return s.store.GetLastSyncRun(ctx)
}

// RunScheduledSync imports for every active integration. Per-tenant errors
// are recorded on the integration and do not stop the sweep.
func (s *Service) RunScheduledSync(ctx context.Context) error {
    integs, err := s.store.ListActiveIntegrations(ctx)
    if err != nil { return err }
    for _, integ := range integs {
        if _, err := s.ImportTickets(ctx, integ.TenantID, 0); err != nil {
            s.log.Error().Err(err).Str("tenant", integ.TenantID.String()).Msg("scheduled import failed")
            _ = s.store.SetIntegrationError(ctx, integ.ID, err.Error())
        }
    }
    return nil
}

func errString(err error) string {
    if err == nil { return "" }
    return err.Error()
}
