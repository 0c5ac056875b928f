package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"chatlog/internal/compaction"
	"chatlog/internal/config"
	"chatlog/internal/logging"
	"chatlog/internal/mcpserver"
	"chatlog/internal/storage"
)

var version = "1.0.0"

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Debug().Err(err).Msg(".env file not loaded")
	}

	cfg := config.New()
	// stdout carries the MCP stream, so logs go to stderr only.
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.StoreOptions())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}

	tools := mcpserver.NewTools(store, compaction.New(store, cfg.CompactBatchSize, time.Now))
	server := mcpserver.NewServer(tools, version)

	log.Info().Str("backend", string(cfg.StoreBackend)).Msg("starting chatlog MCP server on stdio")
	if err := server.Run(ctx, mcp.NewStdioTransport()); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("MCP server failed")
	}
}
