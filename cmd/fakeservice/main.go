package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	flag "github.com/spf13/pflag"

	"github.com/manu5703/concurrent-analytics-system/internal/fakeservice"
	"github.com/manu5703/concurrent-analytics-system/pkg/logging"
	"github.com/manu5703/concurrent-analytics-system/pkg/shutdown"
	tlsutil "github.com/manu5703/concurrent-analytics-system/pkg/tls"
	"github.com/manu5703/concurrent-analytics-system/pkg/tracing"
)

func main() {
	port := flag.String("port", "5000", "Service port")
	workers := flag.Int("workers", 3, "Number of analysis workers")
	workTime := flag.Duration("work-time", 3*time.Second, "Simulated analysis time per file")
	rejectGlob := flag.String("reject", "", "Reject uploads whose file name matches this glob")
	failGlob := flag.String("fail", "", "Fail analysis of files whose name matches this glob")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	jsonLogs := flag.Bool("json-logs", false, "Emit JSON logs")
	otlpEndpoint := flag.String("otlp-endpoint", "", "OTLP HTTP endpoint; tracing is disabled when empty")
	tlsCert := flag.String("tls-cert", "", "Serve HTTPS with this PEM certificate")
	tlsKey := flag.String("tls-key", "", "Key of --tls-cert")
	tlsClientCA := flag.String("tls-client-ca", "", "Require client certificates signed by this CA")
	selfSigned := flag.Bool("self-signed", false, "Serve HTTPS with a generated self-signed certificate")
	flag.Parse()

	logger := logging.NewLogger(logging.ParseLevel(*logLevel), *jsonLogs)

	logger.Info("Starting analysis service", map[string]interface{}{
		"port":      *port,
		"workers":   *workers,
		"work_time": workTime.String(),
	})

	tp, err := tracing.InitTracer(tracing.Config{
		ServiceName:  "analytics-fakeservice",
		Environment:  "dev",
		OTLPEndpoint: *otlpEndpoint,
		Enabled:      *otlpEndpoint != "",
	}, logger)
	if err != nil {
		logger.Error("Failed to initialize tracing", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	svc := fakeservice.New(fakeservice.Config{
		Workers:      *workers,
		WorkTime:     *workTime,
		RejectUpload: matcher(*rejectGlob),
		FailAnalysis: matcher(*failGlob),
		Logger:       logger,
		Tracer:       tp,
	})

	router := mux.NewRouter()
	svc.RegisterRoutes(router)

	// No write timeout: the push channel is long-lived and sync uploads block
	// for the whole analysis.
	srv := &http.Server{
		Addr:              ":" + *port,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	useTLS := *selfSigned || *tlsCert != ""
	if *selfSigned {
		dir, err := os.MkdirTemp("", "analytics-tls-")
		if err != nil {
			logger.Error("Failed to create certificate dir", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
		*tlsCert = filepath.Join(dir, "cert.pem")
		*tlsKey = filepath.Join(dir, "key.pem")
		if err := tlsutil.GenerateSelfSigned(*tlsCert, *tlsKey, 30*24*time.Hour); err != nil {
			logger.Error("Failed to generate certificate", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
		logger.Info("Generated self-signed certificate", map[string]interface{}{"cert": *tlsCert})
	}
	if useTLS {
		srv.TLSConfig, err = tlsutil.ServerConfig(tlsutil.Files{CertFile: *tlsCert, KeyFile: *tlsKey, CAFile: *tlsClientCA})
		if err != nil {
			logger.Error("Failed to load TLS config", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
	}

	sd := shutdown.New(15*time.Second, logger)
	sd.Register("tracer", tp.Shutdown)
	sd.Register("workers", func(context.Context) error {
		svc.Close()
		return nil
	})
	sd.Register("http server", shutdown.StopHTTPServer(srv))

	ctx, stop := shutdown.SignalContext(context.Background())
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", map[string]interface{}{
			"addr":      srv.Addr,
			"tls":       useTLS,
			"endpoints": []string{"POST /api/upload", "POST /api/sync-upload", "GET /ws", "GET /health"},
		})
		var err error
		if useTLS {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		logger.Error("Server failed", map[string]interface{}{"error": err.Error()})
		exitCode = 1
	}

	if err := sd.Shutdown(); err != nil {
		logger.Error("Shutdown failed", map[string]interface{}{"error": err.Error()})
		exitCode = 1
	}
	_ = logger.Sync()
	os.Exit(exitCode)
}

func matcher(glob string) func(string) bool {
	if glob == "" {
		return nil
	}
	return func(name string) bool {
		ok, _ := filepath.Match(glob, name)
		return ok
	}
}
