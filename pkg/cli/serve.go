package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcpscope/mcpscope/pkg/api"
	"github.com/mcpscope/mcpscope/pkg/capture"
	"github.com/mcpscope/mcpscope/pkg/config"
	"github.com/mcpscope/mcpscope/pkg/gateway"
	"github.com/mcpscope/mcpscope/pkg/logging"
	"github.com/mcpscope/mcpscope/pkg/logstore"
	"github.com/mcpscope/mcpscope/pkg/query"
	"github.com/mcpscope/mcpscope/pkg/registry"
)

var (
	serveListenAddr string
	serveAdminAddr  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the capturing gateway and admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListenAddr, "listen", "", "Gateway listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveAdminAddr, "admin", "", "Admin API listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if serveListenAddr != "" {
		cfg.Server.ListenAddr = serveListenAddr
	}
	if serveAdminAddr != "" {
		cfg.Server.AdminAddr = serveAdminAddr
	}

	log := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Format: logging.ParseFormat(cfg.Log.Format),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		backends   []capture.Backend
		queryStore capture.QueryStore = noQueryStore{}
	)
	if cfg.Storage.Backend != config.BackendFile {
		sqlite := logstore.NewSQLiteStore(log)
		if err := sqlite.Initialize(ctx, cfg.Storage.DatabasePath); err != nil {
			return fmt.Errorf("initialize sqlite store: %w", err)
		}
		backends = append(backends, sqlite)
		queryStore = sqlite
	}
	if cfg.Storage.Backend != config.BackendSQLite {
		file := logstore.NewFileStore(log)
		if err := file.Initialize(ctx, cfg.Storage.FileDir); err != nil {
			return fmt.Errorf("initialize file store: %w", err)
		}
		backends = append(backends, file)
	}

	sinks := capture.NewSinks(log, backends...)
	defer func() {
		if err := sinks.Close(); err != nil {
			log.Warn("store close failed", "error", err)
		}
	}()

	reg, err := registry.Open(cfg.Registry.Path, log)
	if err != nil {
		return err
	}

	builder := capture.NewRecordBuilder(capture.NewSessionCorrelator(), log)
	gw := gateway.New(resolverFor(reg), builder, sinks, log)
	engine := query.NewEngine(queryStore, reg, reg, log)
	admin := api.NewServer(engine, reg, log)

	gatewaySrv := &http.Server{Addr: cfg.Server.ListenAddr, Handler: gw.Handler()}
	adminSrv := &http.Server{Addr: cfg.Server.AdminAddr, Handler: admin.Handler()}

	errCh := make(chan error, 2)
	go func() {
		log.Info("gateway listening", "addr", cfg.Server.ListenAddr)
		errCh <- gatewaySrv.ListenAndServe()
	}()
	go func() {
		log.Info("admin API listening", "addr", cfg.Server.AdminAddr)
		errCh <- adminSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = gatewaySrv.Shutdown(shutdownCtx)
	_ = adminSrv.Shutdown(shutdownCtx)
	return nil
}

// resolverFor adapts the registry to the gateway's resolver contract.
func resolverFor(reg *registry.FileRegistry) gateway.ServerResolver {
	return resolverFunc(reg.Get)
}

type resolverFunc func(name string) (registry.ServerEntry, error)

func (f resolverFunc) Get(name string) (registry.ServerEntry, error) { return f(name) }

// noQueryStore answers query requests when only the flat-file backend is
// configured; the file store records traffic but cannot be queried.
type noQueryStore struct{}

var errNoQueryBackend = errors.New("log queries require the sqlite backend")

func (noQueryStore) Query(context.Context, capture.QueryOptions) (*capture.QueryResult, error) {
	return nil, errNoQueryBackend
}

func (noQueryStore) ServerAggregates(context.Context) ([]capture.ServerAggregate, error) {
	return nil, errNoQueryBackend
}

func (noQueryStore) SessionAggregates(context.Context) ([]capture.SessionAggregate, error) {
	return nil, errNoQueryBackend
}

func (noQueryStore) ClientAggregates(context.Context) ([]capture.ClientAggregate, error) {
	return nil, errNoQueryBackend
}

func (noQueryStore) Methods(context.Context) ([]string, error) {
	return nil, errNoQueryBackend
}

func (noQueryStore) ClearAll(context.Context) error {
	return errNoQueryBackend
}
