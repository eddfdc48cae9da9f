/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package http

import (
    "context"
    "errors"
    "net/http"
    "strconv"

    "github.com/gin-gonic/gin"
    "github.com/google/uuid"
    "github.com/rs/zerolog"

    "github.com/davehague/churn-risk/internal/config"
    "github.com/davehague/churn-risk/internal/domain"
    "github.com/davehague/churn-risk/internal/services"
)

type service interface {
    ImportTickets(ctx context.Context, tenantID uuid.UUID, daysBack int) (domain.ImportResult, error)
    ListTickets(ctx context.Context, tenantID uuid.UUID, sentiment string, limit, offset int) ([]domain.Ticket, error)
    AuthorizeURL(tenantID uuid.UUID) string
    CompleteOAuth(ctx context.Context, tenantID uuid.UUID, code string) (*domain.Integration, error)
    ListIntegrations(ctx context.Context, tenantID uuid.UUID) ([]domain.Integration, error)
    DeleteIntegration(ctx context.Context, tenantID, id uuid.UUID) error
    GetLastRun(ctx context.Context) (*domain.SyncRun, error)
    RunScheduledSync(ctx context.Context) error
}

type Handlers struct {
    cfg config.Config
    log zerolog.Logger
    svc service
}

func NewHandlers(cfg config.Config, log zerolog.Logger, svc any) *Handlers {
    return &Handlers{cfg: cfg, log: log, svc: svc.(service)}
}

func (h *Handlers) Healthz(c *gin.Context) {
    c.JSON(http.StatusOK, gin.H{"ok": true})
}

func tenantID(c *gin.Context) (uuid.UUID, bool) {
    id, err := uuid.Parse(c.GetHeader("X-Tenant-ID"))
    if err != nil {
        c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid X-Tenant-ID header"})
        return uuid.Nil, false
    }
    return id, true
}

func (h *Handlers) ImportTickets(c *gin.Context) {
    tenant, ok := tenantID(c)
    if !ok { return }
    daysBack, _ := strconv.Atoi(c.Query("days_back"))
    res, err := h.svc.ImportTickets(c.Request.Context(), tenant, daysBack)
    if err != nil {
        var inactive *services.IntegrationInactiveError
        switch {
        case errors.Is(err, services.ErrIntegrationNotFound):
            c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
        case errors.As(err, &inactive), errors.Is(err, services.ErrMissingAccessToken):
            c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
        default:
            h.log.Error().Err(err).Str("tenant", tenant.String()).Msg("import failed")
            c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
        }
        return
    }
    c.JSON(http.StatusOK, res)
}

func (h *Handlers) ListTickets(c *gin.Context) {
    tenant, ok := tenantID(c)
    if !ok { return }
    limit, _ := strconv.Atoi(c.Query("limit"))
    offset, _ := strconv.Atoi(c.Query("offset"))
    tickets, err := h.svc.ListTickets(c.Request.Context(), tenant, c.Query("sentiment"), limit, offset)
    if err != nil {
        c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
        return
    }
    if tickets == nil { tickets = []domain.Ticket{} }
    c.JSON(http.StatusOK, gin.H{"tickets": tickets, "count": len(tickets)})
}

func (h *Handlers) ListIntegrations(c *gin.Context) {
    tenant, ok := tenantID(c)
    if !ok { return }
    integs, err := h.svc.ListIntegrations(c.Request.Context(), tenant)
    if err != nil {
        c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
        return
    }
    out := make([]gin.H, 0, len(integs))
    for _, in := range integs {
        // credentials never leave the server
        out = append(out, gin.H{
            "id":             in.ID,
            "type":           in.Type,
            "status":         in.Status,
            "last_synced_at": in.LastSyncedAt,
            "error_message":  in.ErrorMessage,
        })
    }
    c.JSON(http.StatusOK, gin.H{"integrations": out})
}

func (h *Handlers) Authorize(c *gin.Context) {
    tenant, ok := tenantID(c)
    if !ok { return }
    c.JSON(http.StatusOK, gin.H{"authorize_url": h.svc.AuthorizeURL(tenant)})
}

// OAuthCallback finishes the connect flow. The state parameter carries the
// tenant id that started the flow.
func (h *Handlers) OAuthCallback(c *gin.Context) {
    code := c.Query("code")
    if code == "" {
        c.JSON(http.StatusBadRequest, gin.H{"error": "missing code"})
        return
    }
    tenant, err := uuid.Parse(c.Query("state"))
    if err != nil {
        c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid state"})
        return
    }
    integ, err := h.svc.CompleteOAuth(c.Request.Context(), tenant, code)
    if err != nil {
        h.log.Error().Err(err).Str("tenant", tenant.String()).Msg("oauth callback failed")
        c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
        return
    }
    c.JSON(http.StatusOK, gin.H{"id": integ.ID, "type": integ.Type, "status": integ.Status})
}

func (h *Handlers) DeleteIntegration(c *gin.Context) {
    tenant, ok := tenantID(c)
    if !ok { return }
    id, err := uuid.Parse(c.Param("id"))
    if err != nil {
        c.JSON(http.StatusBadRequest, gin.H{"error": "invalid integration id"})
        return
    }
    if err := h.svc.DeleteIntegration(c.Request.Context(), tenant, id); err != nil {
        if errors.Is(err, services.ErrIntegrationNotFound) {
            c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
            return
        }
        c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
        return
    }
    c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *Handlers) LastRun(c *gin.Context) {
    lr, err := h.svc.GetLastRun(c.Request.Context())
    if err != nil {
        c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
        return
    }
    c.JSON(http.StatusOK, lr)
}

func (h *Handlers) RunNow(c *gin.Context) {
    // Run in background detached from the HTTP request to avoid context cancellation
    go func(){ _ = h.svc.RunScheduledSync(context.Background()) }()
    c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}
