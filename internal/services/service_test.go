package services

import (
    "context"
    "errors"
    "fmt"
    "strings"
    "testing"
    "time"

    "github.com/google/uuid"
    "github.com/rs/zerolog"

    "github.com/davehague/churn-risk/internal/config"
    "github.com/davehague/churn-risk/internal/domain"
)

type fakeTx struct {
    existing    map[string]*domain.Ticket
    upserts     []domain.Ticket
    sentiments  map[uuid.UUID]domain.SentimentScore
    topicIDs    map[string]uuid.UUID
    assignments map[string]float64
    commitErr   error
    committed   bool
    rolledBack  bool
}

func newFakeTx() *fakeTx {
    return &fakeTx{
        existing:    map[string]*domain.Ticket{},
        sentiments:  map[uuid.UUID]domain.SentimentScore{},
        topicIDs:    map[string]uuid.UUID{},
        assignments: map[string]float64{},
    }
}

func (t *fakeTx) GetTicketByExternalID(_ context.Context, _ uuid.UUID, externalID string) (*domain.Ticket, error) {
    if tk, ok := t.existing[externalID]; ok {
        cp := *tk
        return &cp, nil
    }
    return nil, nil
}

func (t *fakeTx) UpsertTicket(_ context.Context, tk *domain.Ticket) error {
    t.upserts = append(t.upserts, *tk)
    return nil
}

func (t *fakeTx) SetTicketSentiment(_ context.Context, ticketID uuid.UUID, score domain.SentimentScore, _ float64, _ time.Time) error {
    t.sentiments[ticketID] = score
    return nil
}

func (t *fakeTx) EnsureTopic(_ context.Context, _ uuid.UUID, name string) (uuid.UUID, error) {
    if id, ok := t.topicIDs[name]; ok { return id, nil }
    id := uuid.New()
    t.topicIDs[name] = id
    return id, nil
}

func (t *fakeTx) AssignTopic(_ context.Context, _, _, topicID uuid.UUID, confidence float64) error {
    t.assignments[topicID.String()] = confidence
    return nil
}

func (t *fakeTx) Commit(context.Context) error {
    if t.commitErr != nil { return t.commitErr }
    t.committed = true
    return nil
}
func (t *fakeTx) Rollback(context.Context) error { t.rolledBack = true; return nil }

type fakeStore struct {
    integ        *domain.Integration
    topics       []domain.Topic
    tx           *fakeTx
    updatedCreds []domain.Credentials
    syncedAt     []time.Time
    runStarts    int
    runFinished  bool
    runResult    domain.ImportResult
    runSuccess   bool
}

func (s *fakeStore) GetIntegration(context.Context, uuid.UUID, domain.IntegrationType) (*domain.Integration, error) {
    return s.integ, nil
}
func (s *fakeStore) SaveIntegration(_ context.Context, in *domain.Integration) error {
    s.integ = in
    return nil
}
func (s *fakeStore) UpdateIntegrationCredentials(_ context.Context, _ uuid.UUID, creds domain.Credentials) error {
    s.updatedCreds = append(s.updatedCreds, creds)
    return nil
}
func (s *fakeStore) MarkIntegrationSynced(_ context.Context, _ uuid.UUID, at time.Time) error {
    s.syncedAt = append(s.syncedAt, at)
    return nil
}
func (s *fakeStore) SetIntegrationError(context.Context, uuid.UUID, string) error { return nil }
func (s *fakeStore) ListIntegrations(context.Context, uuid.UUID) ([]domain.Integration, error) {
    return nil, nil
}
func (s *fakeStore) ListActiveIntegrations(context.Context) ([]domain.Integration, error) {
    if s.integ == nil { return nil, nil }
    return []domain.Integration{*s.integ}, nil
}
func (s *fakeStore) DeleteIntegration(context.Context, uuid.UUID, uuid.UUID) error { return nil }
func (s *fakeStore) ListActiveTopics(context.Context, uuid.UUID) ([]domain.Topic, error) {
    return s.topics, nil
}
func (s *fakeStore) ListTickets(context.Context, uuid.UUID, string, int, int) ([]domain.Ticket, error) {
    return nil, nil
}
func (s *fakeStore) StartSyncRun(context.Context, uuid.UUID) (int64, error) {
    s.runStarts++
    return int64(s.runStarts), nil
}
func (s *fakeStore) FinishSyncRun(_ context.Context, _ int64, res domain.ImportResult, success bool, _ string) error {
    s.runFinished = true
    s.runResult = res
    s.runSuccess = success
    return nil
}
func (s *fakeStore) GetLastSyncRun(context.Context) (*domain.SyncRun, error) { return nil, nil }
func (s *fakeStore) Begin(context.Context) (Tx, error)                       { return s.tx, nil }

type fakeSource struct {
    tickets      []domain.SourceTicket
    emails       map[string][]domain.EmailMessage
    searchErrs   []error
    searchCalls  int
    refreshCalls int
    refreshCreds domain.Credentials
    refreshErr   error
    seenTokens   []string
}

func (f *fakeSource) AuthorizeURL(state string) string { return "https://example.com/auth?state=" + state }
func (f *fakeSource) ExchangeCode(context.Context, string) (domain.Credentials, error) {
    return domain.Credentials{}, errors.New("not implemented")
}
func (f *fakeSource) RefreshToken(context.Context, string) (domain.Credentials, error) {
    f.refreshCalls++
    return f.refreshCreds, f.refreshErr
}
func (f *fakeSource) SearchTickets(_ context.Context, accessToken string, _ int) ([]domain.SourceTicket, error) {
    f.searchCalls++
    f.seenTokens = append(f.seenTokens, accessToken)
    if len(f.searchErrs) > 0 {
        err := f.searchErrs[0]
        f.searchErrs = f.searchErrs[1:]
        if err != nil { return nil, err }
    }
    return f.tickets, nil
}
func (f *fakeSource) TicketEmails(_ context.Context, _, ticketID string) ([]domain.EmailMessage, error) {
    return f.emails[ticketID], nil
}

type fakeAnalyzer struct {
    result   domain.Classification
    failWhen string
    calls    []string
}

func (f *fakeAnalyzer) AnalyzeTicket(_ context.Context, content string, _ []string, _ []string) (domain.Classification, error) {
    f.calls = append(f.calls, content)
    if f.failWhen != "" && strings.Contains(content, f.failWhen) {
        return domain.Classification{}, errors.New("model unavailable")
    }
    return f.result, nil
}

func activeIntegration() *domain.Integration {
    return &domain.Integration{
        ID:       uuid.New(),
        TenantID: uuid.New(),
        Type:     domain.IntegrationHubSpot,
        Status:   domain.IntegrationActive,
        Credentials: domain.Credentials{
            AccessToken:  "tok-1",
            RefreshToken: "ref-1",
            HubID:        111,
        },
    }
}

func sourceTicket(id, subject, content, created string) domain.SourceTicket {
    props := map[string]string{"subject": subject, "content": content, "hs_pipeline_stage": "new"}
    if created != "" { props["createdate"] = created }
    return domain.SourceTicket{ID: id, Properties: props}
}

func newTestService(store *fakeStore, src *fakeSource, llm Analyzer) *Service {
    cfg := config.Config{ImportBatchLimit: 20, ImportDaysBack: 7}
    return New(cfg, zerolog.Nop(), store, src, llm)
}

func TestImportTickets_ImportsAndAnalyzesNewTickets(t *testing.T) {
    now := time.Now().UTC().Format(time.RFC3339)
    store := &fakeStore{integ: activeIntegration(), tx: newFakeTx()}
    src := &fakeSource{tickets: []domain.SourceTicket{
        sourceTicket("t1", "Login broken", "cannot log in", now),
        sourceTicket("t2", "Billing", "wrong invoice", now),
    }}
    llm := &fakeAnalyzer{result: domain.Classification{
        Sentiment:  domain.SentimentNegative,
        Confidence: 0.9,
        Topics:     []domain.TopicScore{{Name: "Authentication", Confidence: 0.8}},
    }}
    svc := newTestService(store, src, llm)

    res, err := svc.ImportTickets(context.Background(), store.integ.TenantID, 0)
    if err != nil { t.Fatalf("ImportTickets: %v", err) }
    if res.Imported != 2 || res.Analyzed != 2 || res.Skipped != 0 || res.Failed != 0 {
        t.Fatalf("unexpected counters: %+v", res)
    }
    if !store.tx.committed { t.Fatalf("expected commit") }
    if len(store.tx.sentiments) != 2 { t.Fatalf("expected 2 sentiment writes, got %d", len(store.tx.sentiments)) }
    if len(store.tx.topicIDs) != 1 { t.Fatalf("expected topic ensured once, got %v", store.tx.topicIDs) }
    if len(store.syncedAt) != 1 { t.Fatalf("expected integration marked synced") }
    if !store.runFinished || !store.runSuccess { t.Fatalf("expected successful run record") }
    // analysis input carries the subject header
    if !strings.HasPrefix(llm.calls[0], "Subject: ") { t.Fatalf("analysis input missing subject: %q", llm.calls[0]) }
}

func TestImportTickets_SkipsAlreadyAnalyzed(t *testing.T) {
    now := time.Now().UTC().Format(time.RFC3339)
    store := &fakeStore{integ: activeIntegration(), tx: newFakeTx()}
    score := domain.SentimentPositive
    store.tx.existing["t1"] = &domain.Ticket{
        ID: uuid.New(), ExternalID: "t1", SentimentScore: &score,
    }
    src := &fakeSource{tickets: []domain.SourceTicket{sourceTicket("t1", "Old", "already seen", now)}}
    llm := &fakeAnalyzer{}
    svc := newTestService(store, src, llm)

    res, err := svc.ImportTickets(context.Background(), store.integ.TenantID, 0)
    if err != nil { t.Fatalf("ImportTickets: %v", err) }
    if res.Imported != 0 || res.Analyzed != 0 || res.Skipped != 1 || res.Failed != 0 {
        t.Fatalf("unexpected counters: %+v", res)
    }
    if len(llm.calls) != 0 { t.Fatalf("analyzer must not run for analyzed tickets") }
    // the refresh still updates source-owned fields
    if len(store.tx.upserts) != 1 { t.Fatalf("expected upsert of existing ticket") }
    if store.tx.upserts[0].ID != store.tx.existing["t1"].ID {
        t.Fatalf("existing ticket id not preserved")
    }
}

func TestImportTickets_EmptyContentNeitherAnalyzedNorSkipped(t *testing.T) {
    now := time.Now().UTC().Format(time.RFC3339)
    store := &fakeStore{integ: activeIntegration(), tx: newFakeTx()}
    src := &fakeSource{tickets: []domain.SourceTicket{sourceTicket("t1", "Blank", "", now)}}
    llm := &fakeAnalyzer{}
    svc := newTestService(store, src, llm)

    res, err := svc.ImportTickets(context.Background(), store.integ.TenantID, 0)
    if err != nil { t.Fatalf("ImportTickets: %v", err) }
    if res.Imported != 1 || res.Analyzed != 0 || res.Skipped != 0 || res.Failed != 0 {
        t.Fatalf("unexpected counters: %+v", res)
    }
    if len(llm.calls) != 0 { t.Fatalf("analyzer must not see empty content") }
}

func TestImportTickets_AnalyzerFailureDoesNotAbortBatch(t *testing.T) {
    now := time.Now().UTC().Format(time.RFC3339)
    store := &fakeStore{integ: activeIntegration(), tx: newFakeTx()}
    src := &fakeSource{tickets: []domain.SourceTicket{
        sourceTicket("t1", "Bad", "explode please", now),
        sourceTicket("t2", "Good", "all fine", now),
    }}
    llm := &fakeAnalyzer{
        failWhen: "explode",
        result:   domain.Classification{Sentiment: domain.SentimentNeutral, Confidence: 0.5},
    }
    svc := newTestService(store, src, llm)

    res, err := svc.ImportTickets(context.Background(), store.integ.TenantID, 0)
    if err != nil { t.Fatalf("ImportTickets: %v", err) }
    if res.Imported != 2 || res.Analyzed != 1 || res.Failed != 1 {
        t.Fatalf("unexpected counters: %+v", res)
    }
    if !store.tx.committed { t.Fatalf("batch must commit despite per-ticket failure") }
}

func TestImportTickets_CommitFailureRollsBackAndPropagates(t *testing.T) {
    now := time.Now().UTC().Format(time.RFC3339)
    tx := newFakeTx()
    tx.commitErr = errors.New("commit refused")
    store := &fakeStore{integ: activeIntegration(), tx: tx}
    src := &fakeSource{tickets: []domain.SourceTicket{sourceTicket("t1", "A", "a", now)}}
    llm := &fakeAnalyzer{result: domain.Classification{Sentiment: domain.SentimentNeutral, Confidence: 0.5}}
    svc := newTestService(store, src, llm)

    _, err := svc.ImportTickets(context.Background(), store.integ.TenantID, 0)
    if !errors.Is(err, tx.commitErr) { t.Fatalf("commit error not propagated, got %v", err) }
    if tx.committed { t.Fatalf("run must not be marked committed") }
    if !tx.rolledBack { t.Fatalf("staged writes must be rolled back on commit failure") }
    if len(store.syncedAt) != 0 { t.Fatalf("integration must not be marked synced") }
    if !store.runFinished || store.runSuccess { t.Fatalf("run must be recorded as failed") }
}

func TestImportTickets_FiltersByDaysBack(t *testing.T) {
    now := time.Now().UTC()
    store := &fakeStore{integ: activeIntegration(), tx: newFakeTx()}
    src := &fakeSource{tickets: []domain.SourceTicket{
        sourceTicket("fresh", "A", "a", now.Format(time.RFC3339)),
        sourceTicket("recent", "B", "b", now.AddDate(0, 0, -2).Format(time.RFC3339)),
        sourceTicket("stale", "C", "c", now.AddDate(0, 0, -10).Format(time.RFC3339)),
        sourceTicket("undated", "D", "d", ""),
    }}
    llm := &fakeAnalyzer{result: domain.Classification{Sentiment: domain.SentimentNeutral, Confidence: 0.5}}
    svc := newTestService(store, src, llm)

    res, err := svc.ImportTickets(context.Background(), store.integ.TenantID, 7)
    if err != nil { t.Fatalf("ImportTickets: %v", err) }
    if res.Imported != 3 { t.Fatalf("expected stale ticket dropped, undated kept: %+v", res) }
    for _, up := range store.tx.upserts {
        if up.ExternalID == "stale" { t.Fatalf("stale ticket imported") }
    }
}

func TestImportTickets_RefreshesTokenOnceOn401(t *testing.T) {
    now := time.Now().UTC().Format(time.RFC3339)
    store := &fakeStore{integ: activeIntegration(), tx: newFakeTx()}
    src := &fakeSource{
        tickets:      []domain.SourceTicket{sourceTicket("t1", "A", "a", now)},
        searchErrs:   []error{fmt.Errorf("hubspot api status=401: %w", domain.ErrUnauthorized)},
        refreshCreds: domain.Credentials{AccessToken: "tok-2"},
    }
    llm := &fakeAnalyzer{result: domain.Classification{Sentiment: domain.SentimentNeutral, Confidence: 0.5}}
    svc := newTestService(store, src, llm)

    res, err := svc.ImportTickets(context.Background(), store.integ.TenantID, 0)
    if err != nil { t.Fatalf("ImportTickets: %v", err) }
    if res.Imported != 1 { t.Fatalf("unexpected counters: %+v", res) }
    if src.refreshCalls != 1 { t.Fatalf("expected exactly one refresh, got %d", src.refreshCalls) }
    if src.searchCalls != 2 { t.Fatalf("expected one retry after refresh, got %d calls", src.searchCalls) }
    if src.seenTokens[1] != "tok-2" { t.Fatalf("retry did not use refreshed token: %v", src.seenTokens) }
    if len(store.updatedCreds) != 1 { t.Fatalf("refreshed credentials not persisted") }
    // values missing from the refresh response carry over
    if store.updatedCreds[0].RefreshToken != "ref-1" { t.Fatalf("refresh token lost: %+v", store.updatedCreds[0]) }
    if store.updatedCreds[0].HubID != 111 { t.Fatalf("hub id lost: %+v", store.updatedCreds[0]) }
}

func TestImportTickets_RefreshFailureAborts(t *testing.T) {
    store := &fakeStore{integ: activeIntegration(), tx: newFakeTx()}
    src := &fakeSource{
        searchErrs: []error{fmt.Errorf("hubspot api status=401: %w", domain.ErrUnauthorized)},
        refreshErr: errors.New("refresh rejected"),
    }
    svc := newTestService(store, src, &fakeAnalyzer{})

    if _, err := svc.ImportTickets(context.Background(), store.integ.TenantID, 0); err == nil {
        t.Fatalf("expected error when refresh fails")
    }
    if src.refreshCalls != 1 { t.Fatalf("expected exactly one refresh attempt, got %d", src.refreshCalls) }
    if src.searchCalls != 1 { t.Fatalf("no retry should happen after failed refresh, got %d", src.searchCalls) }
    if store.runFinished && store.runSuccess { t.Fatalf("run must not be recorded as success") }
}

func TestImportTickets_Preconditions(t *testing.T) {
    svc := newTestService(&fakeStore{tx: newFakeTx()}, &fakeSource{}, &fakeAnalyzer{})
    if _, err := svc.ImportTickets(context.Background(), uuid.New(), 0); !errors.Is(err, ErrIntegrationNotFound) {
        t.Fatalf("expected ErrIntegrationNotFound, got %v", err)
    }

    integ := activeIntegration()
    integ.Status = domain.IntegrationError
    svc = newTestService(&fakeStore{integ: integ, tx: newFakeTx()}, &fakeSource{}, &fakeAnalyzer{})
    var inactive *IntegrationInactiveError
    if _, err := svc.ImportTickets(context.Background(), integ.TenantID, 0); !errors.As(err, &inactive) {
        t.Fatalf("expected IntegrationInactiveError, got %v", err)
    }

    integ = activeIntegration()
    integ.Credentials.AccessToken = ""
    svc = newTestService(&fakeStore{integ: integ, tx: newFakeTx()}, &fakeSource{}, &fakeAnalyzer{})
    if _, err := svc.ImportTickets(context.Background(), integ.TenantID, 0); !errors.Is(err, ErrMissingAccessToken) {
        t.Fatalf("expected ErrMissingAccessToken, got %v", err)
    }
}

func TestImportTickets_PassesTopicsAndRulesToAnalyzer(t *testing.T) {
    now := time.Now().UTC().Format(time.RFC3339)
    store := &fakeStore{integ: activeIntegration(), tx: newFakeTx()}
    store.topics = []domain.Topic{
        {Name: "Billing", TrainingPrompt: "Invoices and refunds belong to Billing", IsActive: true},
        {Name: "Performance", IsActive: true},
    }
    src := &fakeSource{tickets: []domain.SourceTicket{sourceTicket("t1", "A", "slow dashboards", now)}}
    var gotTopics, gotRules []string
    llm := &checkAnalyzer{fn: func(_ string, topics, rules []string) {
        gotTopics, gotRules = topics, rules
    }}
    svc := newTestService(store, src, llm)

    if _, err := svc.ImportTickets(context.Background(), store.integ.TenantID, 0); err != nil {
        t.Fatalf("ImportTickets: %v", err)
    }
    if len(gotTopics) != 2 || gotTopics[0] != "Billing" { t.Fatalf("topics not passed: %v", gotTopics) }
    if len(gotRules) != 1 || !strings.Contains(gotRules[0], "Invoices") { t.Fatalf("rules not passed: %v", gotRules) }
}

type checkAnalyzer struct {
    fn func(content string, topics, rules []string)
}

func (c *checkAnalyzer) AnalyzeTicket(_ context.Context, content string, topics []string, rules []string) (domain.Classification, error) {
    c.fn(content, topics, rules)
    return domain.Classification{Sentiment: domain.SentimentNeutral, Confidence: 0.5}, nil
}
