package main

import (
	"fmt"
	"log"
	"net/http"

	"chama_ledger/internal/config"
	"chama_ledger/internal/logger"
	"chama_ledger/internal/middleware"
	"chama_ledger/internal/routes"

	"github.com/gin-gonic/gin"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("could not load configuration: %v", err)
	}

	// Structured logging to a rotating file
	logger.Setup(cfg.Log.File, cfg.Log.Level)

	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Connect to the database and run migrations
	config.InitDB(cfg)

	r := routes.SetupRouter()

	// Wrap with CORS
	handler := middleware.EnableCORS(r)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)
	log.Printf("🚀 Chama ledger running at %s", addr)
	log.Fatal(http.ListenAndServe(addr, handler))
}
