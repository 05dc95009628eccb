package cli

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/nllm/tokend/internal/config"
	"github.com/nllm/tokend/internal/metrics"
	"github.com/nllm/tokend/internal/server"
	"github.com/nllm/tokend/internal/service"
)

func newServeCmd() *cobra.Command {
	var (
		port int
		host string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the tokend API server",
		Long: `Start the HTTP server that exposes the token management API, the
health and metrics endpoints and, unless disabled, the MCP endpoint.

A session secret of at least 32 bytes is required; set it in tokend.yaml or
with TOKEND_AUTH_SESSION_SECRET.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")

	v.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	v.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	logger, closer, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx := cmd.Context()
	st, err := openStore(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info().
		Str("driver", st.Driver()).
		Str("data_dir", cfg.Database.DataDir).
		Msg("credential store ready")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	sessions, err := service.NewJWTSessions(cfg.Auth.SessionSecret, clockwork.NewRealClock())
	if err != nil {
		return err
	}
	tokens, usage := newTokenService(cfg, st, m, logger, true)

	srv := server.New(server.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ShutdownTimeout:   config.Duration(cfg.Server.ShutdownTimeout, 30*time.Second),
		CORSOrigins:       cfg.Server.CORSOrigins,
		MaxBodySize:       cfg.Server.MaxBodySize,
		IPRateLimit:       cfg.Server.IPRateLimit,
		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
		BaseURL:           cfg.Server.BaseURL,
		EnableMCP:         cfg.MCP.Enabled,
		Version:           versionString(),
	}, st, tokens, sessions, usage, m, logger)

	return srv.ListenAndServe(ctx)
}
