package cmd

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/manu5703/concurrent-analytics-system/pkg/config"
	"github.com/manu5703/concurrent-analytics-system/pkg/dashboard"
	"github.com/manu5703/concurrent-analytics-system/pkg/logging"
	"github.com/manu5703/concurrent-analytics-system/pkg/metrics"
	"github.com/manu5703/concurrent-analytics-system/pkg/render"
	"github.com/manu5703/concurrent-analytics-system/pkg/retry"
	"github.com/manu5703/concurrent-analytics-system/pkg/shutdown"
	tlsutil "github.com/manu5703/concurrent-analytics-system/pkg/tls"
	"github.com/manu5703/concurrent-analytics-system/pkg/tracing"
)

var (
	cfgFile     string
	metricsDump string

	v      = viper.New()
	cfg    *config.Config
	logger = logging.Nop()
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "jobctl",
	Short: "Submit files for analysis and watch them in real time",
	Long: `jobctl submits files to the concurrent analytics service and tracks every job
through QUEUED, PROCESSING and COMPLETED/FAILED over a real-time push channel.
Files can be submitted concurrently or sequentially to compare both strategies.`,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.jobctl/config.yaml)")
	pf.String("server", "", "analysis service URL (default http://localhost:5000)")
	pf.String("push-url", "", "push channel URL (default derived from --server)")
	pf.String("user", "", "user id announced on the push channel")
	pf.StringP("output", "o", "table", "output format: table, json or yaml")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "console", "log format: console or json")
	pf.Bool("no-color", false, "disable coloured output")
	pf.String("metrics-addr", "", "serve Prometheus metrics on this address while running")
	pf.Duration("timeout", 0, "per-request timeout (default 60s)")
	pf.String("ca-file", "", "PEM CA bundle used to verify an https service")
	pf.Bool("insecure", false, "skip TLS certificate verification")
	pf.StringVar(&metricsDump, "metrics-dump", "", "write metrics in text format to this file on exit")
}

// initConfig resolves configuration from file, environment and flags
func initConfig(cmd *cobra.Command, args []string) error {
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return err
	}

	loaded, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	cfg = loaded

	logger = logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat == "json")
	logger.Debug("Configuration loaded", map[string]interface{}{
		"server":  cfg.ServerURL,
		"user_id": cfg.UserID,
		"config":  v.ConfigFileUsed(),
	})
	return nil
}

func newRenderer(cmd *cobra.Command) *render.Renderer {
	return render.New(cmd.OutOrStdout(), cfg.Output, !cfg.NoColor && !color.NoColor)
}

// runtime holds the components of one CLI invocation
type runtime struct {
	dash     *dashboard.Dashboard
	metrics  *metrics.Metrics
	shutdown *shutdown.Manager
}

// setup builds the dashboard and its ambient services. Everything started
// here is stopped by runtime.Close in reverse order.
func setup(ctx context.Context, onSession func(*dashboard.Dashboard)) (*runtime, error) {
	m := metrics.New()
	sd := shutdown.New(5*time.Second, logger)

	tp, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "jobctl",
		ServiceVersion: Version,
		Environment:    "cli",
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
	}, logger)
	if err != nil {
		return nil, err
	}
	sd.Register("tracer", tp.Shutdown)

	if metricsDump != "" {
		sd.Register("metrics dump", func(context.Context) error {
			f, err := os.Create(metricsDump)
			if err != nil {
				return err
			}
			defer f.Close()
			return m.WriteText(f)
		})
	}

	if cfg.MetricsAddr != "" {
		router := mux.NewRouter()
		router.Handle("/metrics", m.Handler()).Methods("GET")
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", map[string]interface{}{"error": err.Error()})
			}
		}()
		logger.Info("Serving metrics", map[string]interface{}{"addr": cfg.MetricsAddr})
		sd.Register("metrics server", shutdown.StopHTTPServer(srv))
	}

	tlsCfg, err := clientTLS()
	if err != nil {
		_ = sd.Shutdown()
		return nil, err
	}

	d, err := dashboard.New(dashboard.Config{
		ServerURL:      cfg.ServerURL,
		PushURL:        cfg.PushURL,
		UserID:         cfg.UserID,
		RequestTimeout: cfg.RequestTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
		PerFileCost:    cfg.PerFileCost,
		QueueSize:      cfg.QueueSize,
		TLSConfig:      tlsCfg,
		Reconnect: retry.Config{
			MaxRetries:     cfg.Reconnect.MaxRetries,
			InitialBackoff: cfg.Reconnect.InitialBackoff,
			MaxBackoff:     cfg.Reconnect.MaxBackoff,
			Multiplier:     2,
		},
		Logger:  logger,
		Metrics: m,
		Tracer:  tp,
	})
	if err != nil {
		_ = sd.Shutdown()
		return nil, err
	}

	if onSession != nil {
		onSession(d)
	}
	d.Start(ctx)
	sd.Register("dashboard", func(context.Context) error { return d.Close() })

	return &runtime{dash: d, metrics: m, shutdown: sd}, nil
}

// clientTLS returns nil unless the service is reached over TLS
func clientTLS() (*tls.Config, error) {
	if !cfg.Secure() {
		return nil, nil
	}
	return tlsutil.ClientConfig(tlsutil.Files{
		CertFile: cfg.TLS.CertFile,
		KeyFile:  cfg.TLS.KeyFile,
		CAFile:   cfg.TLS.CAFile,
	}, cfg.TLS.InsecureSkipVerify)
}

// Close stops everything setup started
func (rt *runtime) Close() {
	if err := rt.shutdown.Shutdown(); err != nil {
		logger.Warn("Shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
	_ = logger.Sync()
}

// waitConnected bounds the wait for the push channel by the connect timeout
func (rt *runtime) waitConnected(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	if _, err := rt.dash.WaitConnected(ctx); err != nil {
		return fmt.Errorf("could not establish a session with %s: %w", rt.dash.ServerURL(), err)
	}
	return nil
}
