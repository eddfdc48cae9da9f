/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package http

import (
    "github.com/gin-gonic/gin"
    "github.com/rs/zerolog"

    "github.com/davehague/churn-risk/internal/config"
)

func NewRouter(cfg config.Config, log zerolog.Logger, svc any) *gin.Engine {
    if cfg.AppEnv != "dev" { gin.SetMode(gin.ReleaseMode) }
    r := gin.New()
    r.Use(gin.Recovery())
    r.Use(func(c *gin.Context){
        c.Next()
        log.Info().Str("m", c.Request.Method).Str("p", c.FullPath()).Int("s", c.Writer.Status()).Msg("http")
    })

    h := NewHandlers(cfg, log, svc)

    r.GET("/healthz", h.Healthz)

    v1 := r.Group("/api/v1")
    v1.POST("/tickets/import", h.ImportTickets)
    v1.GET("/tickets", h.ListTickets)
    v1.GET("/integrations", h.ListIntegrations)
    v1.GET("/integrations/hubspot/authorize", h.Authorize)
    v1.GET("/integrations/hubspot/callback", h.OAuthCallback)
    v1.DELETE("/integrations/:id", h.DeleteIntegration)

    r.GET("/admin/last-run", h.LastRun)
    r.POST("/admin/run", h.RunNow)

    return r
}
