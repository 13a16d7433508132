package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/stake-plus/govengine/src/audit"
	"github.com/stake-plus/govengine/src/config"
	"github.com/stake-plus/govengine/src/data"
	"github.com/stake-plus/govengine/src/delegation"
	"github.com/stake-plus/govengine/src/engine"
	"github.com/stake-plus/govengine/src/lifecycle"
	"github.com/stake-plus/govengine/src/power"
	"github.com/stake-plus/govengine/src/providers"
	"github.com/stake-plus/govengine/src/scheduler"
	"github.com/stake-plus/govengine/src/tally"
	"github.com/stake-plus/govengine/src/types"
	"github.com/stake-plus/govengine/src/workers"
)

func main() {
	// Use a single DB connection for all modules
	dsn, err := data.GetMySQLDSN()
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	db := data.MustMySQL(dsn)

	if err := data.Migrate(db); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	if err := data.SeedDefaultRules(db); err != nil {
		log.Fatalf("seed: %v", err)
	}

	cfg := config.Load(db)
	rdb := data.MustRedis(cfg.RedisURL)
	sink := audit.NewRedisSink(rdb)

	balanceURL := requireSetting("balance_provider_url", "BALANCE_PROVIDER_URL")
	signerURL := requireSetting("signature_collector_url", "SIGNATURE_COLLECTOR_URL")

	balance := providers.NewBalance(providers.NewClient(balanceURL, cfg.ProviderTimeout))
	collector := providers.NewSignatures(providers.NewClient(signerURL, cfg.ProviderTimeout))

	resolver := power.NewResolver(db, balance, cfg.ProviderTimeout)
	evaluator := tally.New(db)
	machine := lifecycle.NewMachine(db, evaluator, resolver, sink, cfg.SafetyWindow)
	graph := delegation.NewGraph(db, resolver)
	svc := engine.New(db, resolver, graph, evaluator, machine, sink).
		WithTallyCache(rdb, cfg.TallyCacheTTL)

	registry := scheduler.NewRegistry()
	defaultExecURL := requireSetting("execution_provider_url", "EXECUTION_PROVIDER_URL")
	for _, pt := range types.AllProposalTypes {
		execURL := config.Setting("execution_provider_url_"+string(pt), "", defaultExecURL)
		registry.Register(pt, providers.NewExecutor(providers.NewClient(execURL, cfg.ProviderTimeout)))
	}

	sched := scheduler.New(db, machine, registry, collector, sink, scheduler.Options{
		Interval:        cfg.SchedulerInterval,
		ProviderTimeout: cfg.ProviderTimeout,
		SignatureWait:   cfg.SignatureWait,
		BackoffMin:      cfg.BackoffMin,
		BackoffMax:      cfg.BackoffMax,
		MaxRetries:      cfg.MaxRetries,
		ExecutorID:      cfg.ExecutorID,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := workers.NewManager(
		lifecycle.NewWorker(machine, cfg.LifecycleInterval),
		sched,
		engine.NewTallyWarmer(svc, cfg.TallyCacheTTL),
	)
	if err := manager.Start(ctx); err != nil {
		log.Fatalf("workers start: %v", err)
	}
	log.Printf("govengine: workers running (lifecycle %s, scheduler %s)", cfg.LifecycleInterval, cfg.SchedulerInterval)

	// Wait for termination; SIGHUP reloads the settings table
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigs {
		if sig != syscall.SIGHUP {
			break
		}
		if err := data.RefreshSettings(db); err != nil {
			log.Printf("config: settings refresh: %v", err)
		} else {
			log.Printf("config: settings refreshed")
		}
	}

	manager.Stop(ctx)
}

func requireSetting(name, envKey string) string {
	val := config.Setting(name, envKey, "")
	if val == "" {
		log.Fatalf("config: %s is not set", name)
	}
	return val
}
