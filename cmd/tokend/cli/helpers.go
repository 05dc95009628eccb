package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/nllm/tokend/internal/config"
	"github.com/nllm/tokend/internal/logging"
	"github.com/nllm/tokend/internal/metrics"
	"github.com/nllm/tokend/internal/ratelimit"
	"github.com/nllm/tokend/internal/service"
	"github.com/nllm/tokend/internal/store"
)

// loadConfig decodes the effective configuration. The SQLite data dir
// defaults to ~/.tokend.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	if cfg.Database.Driver == store.DriverSQLite && cfg.Database.DSN == "" && cfg.Database.DataDir == "" {
		cfg.Database.DataDir = defaultDataDir()
	}
	return cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tokend"
	}
	return filepath.Join(home, ".tokend")
}

// openStore opens the credential store described by cfg. Pending
// migrations are applied unless skipMigrations is set.
func openStore(ctx context.Context, cfg *config.Config, skipMigrations bool) (*store.Store, error) {
	st, err := store.Open(ctx, store.Config{
		Driver:         cfg.Database.Driver,
		DSN:            cfg.Database.DSN,
		DataDir:        cfg.Database.DataDir,
		MaxOpenConns:   cfg.Database.MaxOpenConns,
		SkipMigrations: skipMigrations,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func newLogger(cfg *config.Config) (zerolog.Logger, io.Closer, error) {
	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	return logger.With().Str("version", versionString()).Logger(), closer, nil
}

// newTokenService builds the token service and its usage recorder from cfg.
// Unless async is set usage is written inline, as one-shot commands need.
func newTokenService(cfg *config.Config, st *store.Store, m *metrics.Metrics, logger zerolog.Logger, async bool) (*service.TokenService, *service.UsageRecorder) {
	var backend ratelimit.Backend
	if cfg.Tokens.RateLimitBackend == "memory" {
		backend = ratelimit.NewMemoryBackend()
	} else {
		backend = ratelimit.NewSQLBackend(st, logger)
	}
	defaults := service.DefaultUsageConfig()
	limiter := ratelimit.New(backend, clockwork.NewRealClock(), map[ratelimit.Action]ratelimit.Policy{
		ratelimit.ActionIssue: {
			Limit:  cfg.Tokens.IssueRateLimit,
			Window: config.Duration(cfg.Tokens.IssueRateWindow, time.Hour),
		},
	})

	ucfg := service.UsageConfig{
		QueueSize:    cfg.Usage.QueueSize,
		RetryBackoff: config.Duration(cfg.Usage.RetryBackoff, defaults.RetryBackoff),
		WriteTimeout: config.Duration(cfg.Usage.WriteTimeout, defaults.WriteTimeout),
	}
	if async {
		ucfg.Workers = cfg.Usage.Workers
	}
	usage := service.NewUsageRecorder(st, ucfg, m, logger)

	tokens := service.NewTokenService(st, limiter, usage,
		service.WithMetrics(m),
		service.WithLogger(logger),
		service.WithMaxActivePerOwner(cfg.Tokens.MaxActivePerOwner),
	)
	return tokens, usage
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
