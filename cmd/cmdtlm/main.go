package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/cmdtlm/internal/config"
	"github.com/banshee-data/cmdtlm/internal/engine"
	"github.com/banshee-data/cmdtlm/internal/health"
	"github.com/banshee-data/cmdtlm/internal/metrics"
	"github.com/banshee-data/cmdtlm/internal/packet"
	"github.com/banshee-data/cmdtlm/internal/packetconfig"
	"github.com/banshee-data/cmdtlm/internal/store"
	"github.com/banshee-data/cmdtlm/internal/version"
)

var (
	configPath = flag.String("config", "cmdtlm.yaml", "Path to the YAML or JSON configuration file")
	listen     = flag.String("listen", "", "Debug HTTP listen address (overrides debug_listen)")
	dbPath     = flag.String("db", "", "SQLite database path (overrides db_path)")
	limitsSet  = flag.String("limits-set", "", "Active limits set (overrides limits_set)")
	showVer    = flag.Bool("version", false, "Print the version and exit")
)

func loadCatalog(cfg *config.Config) (*packet.Catalog, error) {
	c := packetconfig.NewCompiler(nil)
	for _, d := range cfg.Definitions {
		if err := c.ProcessFile(d.Path, d.Target); err != nil {
			return nil, err
		}
	}
	return c.Finish(), nil
}

func main() {
	flag.Parse()
	if *showVer {
		fmt.Println(version.String())
		return
	}
	log.Printf("starting %s", version.String())

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *listen != "" {
		cfg.DebugListen = listen
	}
	if *dbPath != "" {
		cfg.DBPath = dbPath
	}
	if *limitsSet != "" {
		cfg.LimitsSet = limitsSet
	}

	catalog, err := loadCatalog(cfg)
	if err != nil {
		log.Fatalf("failed to load definitions: %v", err)
	}
	log.Printf("loaded definitions for targets %v", catalog.Targets())

	db, err := store.Open(cfg.GetDBPath())
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	m := metrics.New()
	names := make([]string, len(cfg.Interfaces))
	for i, ic := range cfg.Interfaces {
		names[i] = ic.Name
	}
	reporter := health.NewReporter(names...)

	eng := engine.New(engine.Options{
		Catalog:   catalog,
		DB:        db,
		Recorder:  m,
		Commands:  m,
		LimitsSet: cfg.GetLimitsSet(),
	})
	eng.Limits().OnTransition(m.Transition)

	for _, ic := range cfg.Interfaces {
		ifc, err := buildInterface(ic, nil, m, reporter)
		if err != nil {
			log.Fatalf("failed to create interface %s: %v", ic.Name, err)
		}
		if err := eng.AddInterface(ifc, ic.Targets, ic.GetReconnectDelay(cfg.GetReconnectDelay())); err != nil {
			log.Fatalf("failed to add interface %s: %v", ic.Name, err)
		}
		log.Printf("added %s interface %s for %v", ic.Type, ifc.Name(), ic.Targets)
	}

	if addr := cfg.GetHealthListen(); addr != "" {
		if err := reporter.Start(addr); err != nil {
			log.Fatalf("failed to start health server: %v", err)
		}
		defer reporter.Stop()
		log.Printf("gRPC health service listening on %s", reporter.Addr())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := eng.Run(ctx)
		log.Print("engine routine terminated")
		return err
	})

	if addr := cfg.GetDebugListen(); addr != "" {
		mux := http.NewServeMux()
		eng.AttachAdminRoutes(mux)
		if err := db.AttachAdminRoutes(mux); err != nil {
			log.Fatalf("failed to attach database routes: %v", err)
		}
		mux.Handle("/metrics", m.Handler())

		server := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			log.Println("shutting down HTTP server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("HTTP server shutdown error: %v", err)
				if err := server.Close(); err != nil {
					log.Printf("HTTP server force close error: %v", err)
				}
			}
			log.Printf("HTTP server routine stopped")
			return nil
		})
		log.Printf("debug pages on http://%s/debug/", addr)
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Printf("stopped with error: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}
