// Package main provides the ckanpackager server entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/ckanpackager/config"
	"github.com/otherjamesbrown/ckanpackager/internal/dwc"
	"github.com/otherjamesbrown/ckanpackager/internal/ingress"
	"github.com/otherjamesbrown/ckanpackager/internal/stats"
	"github.com/otherjamesbrown/ckanpackager/internal/task"
	"github.com/otherjamesbrown/ckanpackager/internal/workerpool"
	"github.com/otherjamesbrown/ckanpackager/pkg/buildinfo"
	"github.com/otherjamesbrown/ckanpackager/pkg/logging"
	"gopkg.in/gomail.v2"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ckanpackager",
	Short: "ckanpackager packages CKAN resources for asynchronous, emailed delivery",
	Long: `ckanpackager accepts packaging requests over HTTP, fetches the requested
CKAN datastore resource, URL resource, or Darwin Core Archive in the
background, and emails the requester a link to the finished archive.`,
	RunE: runServe,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: none, environment only)")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "received interrupt signal, shutting down...")
		cancel()
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logging.NewLogger(&logging.Config{
		Level:       logging.LevelInfo,
		ServiceName: "ckanpackager",
		JSONFormat:  true,
		Output:      os.Stdout,
	})
	logging.SetGlobal(log)
	log.Info("starting ckanpackager", logging.F("version", buildinfo.String()))

	if err := os.MkdirAll(cfg.StoreDirectory, 0755); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}
	if err := os.MkdirAll(cfg.TempDirectory, 0755); err != nil {
		return fmt.Errorf("creating temp directory: %w", err)
	}

	store, err := stats.Open(ctx, cfg.StatsDB, cfg.AnonymizeEmails)
	if err != nil {
		return fmt.Errorf("opening statistics store: %w", err)
	}
	defer store.Close()

	registry, err := buildDwCRegistry(cfg)
	if err != nil {
		return fmt.Errorf("loading darwin core extensions: %w", err)
	}

	extFields, err := cfg.ExtensionFields()
	if err != nil {
		return fmt.Errorf("resolving dwc extension field formatters: %w", err)
	}

	dialer := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPLogin, cfg.SMTPPassword)

	deps := &task.Deps{
		StoreDirectory: cfg.StoreDirectory,
		TempDirectory:  cfg.TempDirectory,
		CacheTime:      cfg.CacheTime,
		ZipCommand:     cfg.ZipCommand,
		Stats:          store,
		Mailer:         dialer,
		Logger:         log,
		SMTPLogin:      cfg.SMTPLogin,
		EmailSubject:   cfg.EmailSubject,
		EmailFrom:      cfg.EmailFrom,
		EmailBody:      cfg.EmailBody,
		EmailBodyHTML:  cfg.EmailBodyHTML,
		DOIBody:        cfg.DOIBody,
		DOIBodyHTML:    cfg.DOIBodyHTML,
	}

	onError := func(t workerpool.Task, err error) {
		log.Error("task failed", logging.Err(err))
	}
	fastPool := workerpool.New(workerpool.Config{Name: "fast", Workers: cfg.Workers, RequestsPerWorker: cfg.RequestsPerWorker}, onError)
	slowPool := workerpool.New(workerpool.Config{Name: "slow", Workers: cfg.Workers, RequestsPerWorker: cfg.RequestsPerWorker}, onError)
	defer fastPool.Terminate(30 * time.Second)
	defer slowPool.Terminate(30 * time.Second)

	variants := map[string]ingress.VariantFactory{
		"datastore": func() task.Variant {
			return &task.DatastoreVariant{PageSize: cfg.PageSize, SlowRequest: cfg.SlowRequest}
		},
		"url": func() task.Variant {
			return &task.URLVariant{}
		},
		"dwc_archive": func() task.Variant {
			return &task.DwCVariant{
				DatastoreVariant: &task.DatastoreVariant{PageSize: cfg.PageSize, SlowRequest: cfg.SlowRequest},
				Registry:         registry,
				IDField:          cfg.DwCIDField,
				DynamicTerm:      cfg.DwCDynamicTerm,
				CoreExtension:    cfg.DwCCoreExtension,
				ExtFields:        extFields,
			}
		},
	}

	srv := ingress.New(cfg.Secret, cfg.Workers*2, store, deps, fastPool, slowPool, log, variants)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: srv,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("listening", logging.F("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errChan:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("error during shutdown", logging.Err(err))
	}
	log.Info("ckanpackager stopped cleanly")
	return nil
}

// buildDwCRegistry loads the core extension plus any additional extensions
// cfg names, resolving each extension name to its descriptor file path via
// cfg.DwCExtensionPath.
func buildDwCRegistry(cfg *config.Config) (*dwc.Registry, error) {
	paths := make([]string, 0, 1+len(cfg.DwCAdditionalExtensions))
	paths = append(paths, cfg.DwCExtensionPath(cfg.DwCCoreExtension))
	for _, name := range cfg.DwCAdditionalExtensions {
		paths = append(paths, cfg.DwCExtensionPath(name))
	}
	return dwc.NewRegistry(paths...)
}
