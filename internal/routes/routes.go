package routes

import (
	ginlog "github.com/gin-contrib/logger"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"chama_ledger/internal/metrics"
)

func SetupRouter() *gin.Engine {
	r := gin.New()
	r.Use(ginlog.SetLogger(
		ginlog.WithUTC(true),
		ginlog.WithSkipPath([]string{"/metrics"}),
		ginlog.WithLogger(func(_ *gin.Context, l zerolog.Logger) zerolog.Logger {
			return l.With().Str("service", "chama_ledger").Logger()
		}),
	))
	r.Use(gin.Recovery())

	AuthRoutes(r)
	AdminRoutes(r)
	MemberRoutes(r)

	r.GET("/metrics", metrics.Handler())

	return r
}
