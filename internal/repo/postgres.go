package repo

import (
    "context"
    "encoding/json"
    "errors"
    "strconv"
    "time"

    "github.com/google/uuid"
    "github.com/jackc/pgx/v5"
    "github.com/jackc/pgx/v5/pgxpool"
    "github.com/rs/zerolog"

    "github.com/davehague/churn-risk/internal/config"
    "github.com/davehague/churn-risk/internal/domain"
    "github.com/davehague/churn-risk/internal/services"
)

type DB struct {
    Pool *pgxpool.Pool
    log  zerolog.Logger
}

func MustOpen(ctx context.Context, cfg config.Config, log zerolog.Logger) *DB {
    pool, err := pgxpool.New(ctx, cfg.DBDSN)
    if err != nil { log.Fatal().Err(err).Msg("db connect failed") }
    ctx2, cancel := context.WithTimeout(ctx, 10*time.Second); defer cancel()
    if err := pool.Ping(ctx2); err != nil { log.Fatal().Err(err).Msg("db ping failed") }
    return &DB{Pool: pool, log: log}
}

func (d *DB) Close() { d.Pool.Close() }

type Repository struct {
    db  *DB
    log zerolog.Logger
}

func NewRepository(d *DB, log zerolog.Logger) *Repository { return &Repository{db: d, log: log} }

func (r *Repository) TryAdvisoryLock(ctx context.Context, key int64) (bool, error) {
    var ok bool
    err := r.db.Pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok)
    return ok, err
}

func (r *Repository) AdvisoryUnlock(ctx context.Context, key int64) error {
    var ok bool
    err := r.db.Pool.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&ok)
    if !ok && err == nil { return errors.New("advisory unlock returned false") }
    return err
}

// ---- Integrations ----

const integrationCols = `id, tenant_id, type, status, credentials, last_synced_at, coalesce(error_message,'')`

func scanIntegration(row pgx.Row) (*domain.Integration, error) {
    var in domain.Integration
    var creds []byte
    if err := row.Scan(&in.ID, &in.TenantID, &in.Type, &in.Status, &creds, &in.LastSyncedAt, &in.ErrorMessage); err != nil {
        return nil, err
    }
    if len(creds) > 0 {
        if err := json.Unmarshal(creds, &in.Credentials); err != nil { return nil, err }
    }
    return &in, nil
}

func (r *Repository) GetIntegration(ctx context.Context, tenantID uuid.UUID, typ domain.IntegrationType) (*domain.Integration, error) {
    const q = `SELECT ` + integrationCols + ` FROM integrations WHERE tenant_id=$1 AND type=$2`
    in, err := scanIntegration(r.db.Pool.QueryRow(ctx, q, tenantID, typ))
    if errors.Is(err, pgx.ErrNoRows) { return nil, nil }
    return in, err
}

func (r *Repository) SaveIntegration(ctx context.Context, in *domain.Integration) error {
    creds, err := json.Marshal(in.Credentials)
    if err != nil { return err }
    const q = `
        INSERT INTO integrations(id, tenant_id, type, status, credentials, error_message)
        VALUES($1,$2,$3,$4,$5,$6)
        ON CONFLICT(tenant_id, type) DO UPDATE SET
            status=EXCLUDED.status,
            credentials=EXCLUDED.credentials,
            error_message=EXCLUDED.error_message,
            updated_at=now()`
    _, err = r.db.Pool.Exec(ctx, q, in.ID, in.TenantID, in.Type, in.Status, creds, in.ErrorMessage)
    return err
}

// UpdateIntegrationCredentials persists refreshed tokens on the pool, outside
// any import transaction, so a later run failure cannot roll them back.
func (r *Repository) UpdateIntegrationCredentials(ctx context.Context, id uuid.UUID, creds domain.Credentials) error {
    b, err := json.Marshal(creds)
    if err != nil { return err }
    _, err = r.db.Pool.Exec(ctx, `UPDATE integrations SET credentials=$2, updated_at=now() WHERE id=$1`, id, b)
    return err
}

func (r *Repository) MarkIntegrationSynced(ctx context.Context, id uuid.UUID, at time.Time) error {
    _, err := r.db.Pool.Exec(ctx, `UPDATE integrations SET last_synced_at=$2, error_message=NULL, updated_at=now() WHERE id=$1`, id, at)
    return err
}

func (r *Repository) SetIntegrationError(ctx context.Context, id uuid.UUID, msg string) error {
    _, err := r.db.Pool.Exec(ctx, `UPDATE integrations SET status='error', error_message=$2, updated_at=now() WHERE id=$1`, id, msg)
    return err
}

func (r *Repository) ListIntegrations(ctx context.Context, tenantID uuid.UUID) ([]domain.Integration, error) {
    const q = `SELECT ` + integrationCols + ` FROM integrations WHERE tenant_id=$1 ORDER BY type`
    rows, err := r.db.Pool.Query(ctx, q, tenantID)
    if err != nil { return nil, err }
    defer rows.Close()
    return collectIntegrations(rows)
}

func (r *Repository) ListActiveIntegrations(ctx context.Context) ([]domain.Integration, error) {
    const q = `SELECT ` + integrationCols + ` FROM integrations WHERE status='active' ORDER BY tenant_id`
    rows, err := r.db.Pool.Query(ctx, q)
    if err != nil { return nil, err }
    defer rows.Close()
    return collectIntegrations(rows)
}

func collectIntegrations(rows pgx.Rows) ([]domain.Integration, error) {
    var out []domain.Integration
    for rows.Next() {
        in, err := scanIntegration(rows)
        if err != nil { return nil, err }
        out = append(out, *in)
    }
    return out, rows.Err()
}

func (r *Repository) DeleteIntegration(ctx context.Context, tenantID, id uuid.UUID) error {
    tag, err := r.db.Pool.Exec(ctx, `DELETE FROM integrations WHERE tenant_id=$1 AND id=$2`, tenantID, id)
    if err != nil { return err }
    if tag.RowsAffected() == 0 { return services.ErrIntegrationNotFound }
    return nil
}

// ---- Topics ----

func (r *Repository) ListActiveTopics(ctx context.Context, tenantID uuid.UUID) ([]domain.Topic, error) {
    const q = `SELECT id, tenant_id, name, coalesce(description,''), coalesce(training_prompt,''), is_active
        FROM ticket_topics WHERE tenant_id=$1 AND is_active ORDER BY name`
    rows, err := r.db.Pool.Query(ctx, q, tenantID)
    if err != nil { return nil, err }
    defer rows.Close()
    var out []domain.Topic
    for rows.Next() {
        var t domain.Topic
        if err := rows.Scan(&t.ID, &t.TenantID, &t.Name, &t.Description, &t.TrainingPrompt, &t.IsActive); err != nil { return nil, err }
        out = append(out, t)
    }
    return out, rows.Err()
}

// ---- Tickets ----

const ticketCols = `id, tenant_id, external_id, source, subject, coalesce(content,''), status, coalesce(priority,''),
        sentiment_score, sentiment_confidence, sentiment_analyzed_at, coalesce(external_url,''),
        source_created_at, source_updated_at, coalesce(metadata,'{}'::jsonb)`

func scanTicket(row pgx.Row) (*domain.Ticket, error) {
    var t domain.Ticket
    if err := row.Scan(&t.ID, &t.TenantID, &t.ExternalID, &t.Source, &t.Subject, &t.Content, &t.Status, &t.Priority,
        &t.SentimentScore, &t.SentimentConfidence, &t.SentimentAnalyzedAt, &t.ExternalURL,
        &t.SourceCreatedAt, &t.SourceUpdatedAt, &t.Metadata); err != nil {
        return nil, err
    }
    return &t, nil
}

func (r *Repository) ListTickets(ctx context.Context, tenantID uuid.UUID, sentiment string, limit, offset int) ([]domain.Ticket, error) {
    q := `SELECT ` + ticketCols + ` FROM tickets WHERE tenant_id=$1`
    args := []any{tenantID}
    if sentiment != "" {
        q += ` AND sentiment_score=$2`
        args = append(args, sentiment)
    }
    q += ` ORDER BY source_created_at DESC NULLS LAST LIMIT $` + strconv.Itoa(len(args)+1) + ` OFFSET $` + strconv.Itoa(len(args)+2)
    args = append(args, limit, offset)
    rows, err := r.db.Pool.Query(ctx, q, args...)
    if err != nil { return nil, err }
    defer rows.Close()
    var out []domain.Ticket
    for rows.Next() {
        t, err := scanTicket(rows)
        if err != nil { return nil, err }
        out = append(out, *t)
    }
    return out, rows.Err()
}

// ---- Sync runs ----

func (r *Repository) StartSyncRun(ctx context.Context, tenantID uuid.UUID) (int64, error) {
    const q = `INSERT INTO sync_runs(tenant_id, started_at, success) VALUES($1, now(), false) RETURNING id`
    var id int64
    if err := r.db.Pool.QueryRow(ctx, q, tenantID).Scan(&id); err != nil { return 0, err }
    return id, nil
}

func (r *Repository) FinishSyncRun(ctx context.Context, id int64, res domain.ImportResult, success bool, errStr string) error {
    const q = `UPDATE sync_runs SET finished_at=now(), imported=$2, analyzed=$3, skipped=$4, failed=$5, success=$6, error=$7 WHERE id=$1`
    _, err := r.db.Pool.Exec(ctx, q, id, res.Imported, res.Analyzed, res.Skipped, res.Failed, success, errStr)
    return err
}

func (r *Repository) GetLastSyncRun(ctx context.Context) (*domain.SyncRun, error) {
    const q = `SELECT id, tenant_id, started_at, finished_at,
        coalesce(imported,0), coalesce(analyzed,0), coalesce(skipped,0), coalesce(failed,0),
        coalesce(success,false), coalesce(error,'')
        FROM sync_runs ORDER BY id DESC LIMIT 1`
    sr := &domain.SyncRun{}
    err := r.db.Pool.QueryRow(ctx, q).Scan(&sr.ID, &sr.TenantID, &sr.StartedAt, &sr.FinishedAt,
        &sr.Imported, &sr.Analyzed, &sr.Skipped, &sr.Failed, &sr.Success, &sr.Error)
    if errors.Is(err, pgx.ErrNoRows) { return nil, nil }
    if err != nil { return nil, err }
    return sr, nil
}

// ---- Import transaction ----

func (r *Repository) Begin(ctx context.Context) (services.Tx, error) {
    tx, err := r.db.Pool.Begin(ctx)
    if err != nil { return nil, err }
    return &importTx{tx: tx}, nil
}

type importTx struct {
    tx pgx.Tx
}

func (t *importTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *importTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

func (t *importTx) GetTicketByExternalID(ctx context.Context, tenantID uuid.UUID, externalID string) (*domain.Ticket, error) {
    const q = `SELECT ` + ticketCols + ` FROM tickets WHERE tenant_id=$1 AND external_id=$2`
    tk, err := scanTicket(t.tx.QueryRow(ctx, q, tenantID, externalID))
    if errors.Is(err, pgx.ErrNoRows) { return nil, nil }
    return tk, err
}

// UpsertTicket writes the source-owned columns. Sentiment columns are never
// touched here; an earlier analysis survives every re-import.
func (t *importTx) UpsertTicket(ctx context.Context, tk *domain.Ticket) error {
    const q = `
        INSERT INTO tickets(id, tenant_id, external_id, source, subject, content, status, priority,
            external_url, source_created_at, source_updated_at, metadata)
        VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
        ON CONFLICT(tenant_id, external_id) DO UPDATE SET
            subject=EXCLUDED.subject,
            content=EXCLUDED.content,
            status=EXCLUDED.status,
            priority=EXCLUDED.priority,
            external_url=EXCLUDED.external_url,
            source_created_at=EXCLUDED.source_created_at,
            source_updated_at=EXCLUDED.source_updated_at,
            metadata=EXCLUDED.metadata,
            updated_at=now()`
    _, err := t.tx.Exec(ctx, q, tk.ID, tk.TenantID, tk.ExternalID, tk.Source, tk.Subject, tk.Content, tk.Status, tk.Priority,
        tk.ExternalURL, tk.SourceCreatedAt, tk.SourceUpdatedAt, tk.Metadata)
    return err
}

func (t *importTx) SetTicketSentiment(ctx context.Context, ticketID uuid.UUID, score domain.SentimentScore, confidence float64, at time.Time) error {
    const q = `UPDATE tickets SET sentiment_score=$2, sentiment_confidence=$3, sentiment_analyzed_at=$4, updated_at=now() WHERE id=$1`
    _, err := t.tx.Exec(ctx, q, ticketID, score, confidence, at)
    return err
}

func (t *importTx) EnsureTopic(ctx context.Context, tenantID uuid.UUID, name string) (uuid.UUID, error) {
    const q = `
        INSERT INTO ticket_topics(id, tenant_id, name, is_active)
        VALUES($1,$2,$3,true)
        ON CONFLICT(tenant_id, name) DO UPDATE SET name=EXCLUDED.name
        RETURNING id`
    var id uuid.UUID
    if err := t.tx.QueryRow(ctx, q, uuid.New(), tenantID, name).Scan(&id); err != nil { return uuid.Nil, err }
    return id, nil
}

func (t *importTx) AssignTopic(ctx context.Context, tenantID, ticketID, topicID uuid.UUID, confidence float64) error {
    const q = `
        INSERT INTO ticket_topic_assignments(tenant_id, ticket_id, topic_id, confidence, assigned_by, assigned_at)
        VALUES($1,$2,$3,$4,'ai',now())
        ON CONFLICT(tenant_id, ticket_id, topic_id) DO UPDATE SET
            confidence=EXCLUDED.confidence,
            assigned_by='ai',
            assigned_at=now()`
    _, err := t.tx.Exec(ctx, q, tenantID, ticketID, topicID, confidence)
    return err
}
