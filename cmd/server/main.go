package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"claude-relay/internal/gateway"
	"claude-relay/internal/proc"
	"claude-relay/internal/registry"
	"claude-relay/internal/scheduler"
	"claude-relay/internal/secrets"
	"claude-relay/internal/workspace"
)

// Config holds server configuration, loaded from environment variables.
type Config struct {
	Port           int
	ClaudeBin      string
	WorkspacesFile string
	DefaultWorkDir string
	SecretsFile    string
	SecretsPrefix  string
	TickMs         int
	MaxSessions    int
	SessionTTLMin  int
	MaxPolls       int
	ChunkBytes     int
}

func loadConfig() Config {
	cfg := Config{
		Port:           8420,
		ClaudeBin:      "claude",
		WorkspacesFile: "./workspaces.yaml",
		DefaultWorkDir: ".",
		SecretsPrefix:  "RELAY_",
		TickMs:         800,
		MaxSessions:    10,
		SessionTTLMin:  120,
		MaxPolls:       8,
		ChunkBytes:     4000,
	}

	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("CLAUDE_BIN"); v != "" {
		cfg.ClaudeBin = v
	}
	if v := os.Getenv("WORKSPACES_FILE"); v != "" {
		cfg.WorkspacesFile = v
	}
	if v := os.Getenv("DEFAULT_WORKDIR"); v != "" {
		cfg.DefaultWorkDir = v
	}
	if v := os.Getenv("SECRETS_FILE"); v != "" {
		cfg.SecretsFile = v
	}
	if v := os.Getenv("SECRETS_PREFIX"); v != "" {
		cfg.SecretsPrefix = v
	}
	if v := os.Getenv("TICK_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TickMs = n
		}
	}
	if v := os.Getenv("MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSessions = n
		}
	}
	if v := os.Getenv("SESSION_TTL_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SessionTTLMin = n
		}
	}
	if v := os.Getenv("MAX_CONCURRENT_POLLS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxPolls = n
		}
	}
	if v := os.Getenv("CHUNK_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChunkBytes = n
		}
	}

	return cfg
}

func main() {
	cfg := loadConfig()

	// Secrets become environment for the spawned agent processes.
	creds, err := secrets.Load(cfg.SecretsFile, cfg.SecretsPrefix)
	if err != nil {
		log.Fatalf("load secrets: %v", err)
	}

	procCfg := proc.DefaultConfig()
	procCfg.Command = cfg.ClaudeBin
	for k, v := range creds {
		procCfg.Env = append(procCfg.Env, k+"="+v)
	}

	// Workspace mapping with hot reload; fall back to a fixed default
	// directory when no mapping file is present.
	resolver, err := workspace.Load(cfg.WorkspacesFile)
	if err != nil {
		log.Printf("workspaces file unavailable (%v), using default %s", err, cfg.DefaultWorkDir)
		resolver = workspace.Static(workspace.Config{Default: cfg.DefaultWorkDir})
	} else if err := resolver.Watch(); err != nil {
		log.Printf("workspace watch unavailable: %v", err)
	}

	reg := registry.New(func(workDir string, dangerous bool) (registry.Process, error) {
		return proc.Spawn(procCfg, workDir, dangerous)
	}, cfg.MaxSessions)

	sched := scheduler.New(reg, time.Duration(cfg.TickMs)*time.Millisecond, int64(cfg.MaxPolls))
	go sched.Run()

	ttl := time.Duration(cfg.SessionTTLMin) * time.Minute
	reaper := registry.NewReaper(reg, time.Minute, ttl)
	go reaper.Run()

	gw := gateway.New(reg, sched.Deliveries(), resolver, nil, cfg.ChunkBytes)
	go gw.Run()

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: gw.Handler(),
	}

	// Graceful shutdown on signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Shutting down...")
		reaper.Stop()
		sched.Stop()
		gw.Shutdown()
		resolver.Shutdown()
		reg.Shutdown()
		httpServer.Close()
	}()

	log.Printf("Claude Relay server running on http://localhost:%d", cfg.Port)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("HTTP server error: %v", err)
	}
}
