package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"convexity_trading/internal/config"
	"convexity_trading/internal/control"
	"convexity_trading/internal/cycle"
	"convexity_trading/internal/events"
	"convexity_trading/internal/execution"
	"convexity_trading/internal/governance"
	"convexity_trading/internal/ledger"
	"convexity_trading/internal/market"
	"convexity_trading/internal/market/alpaca"
	"convexity_trading/internal/storage"
	"convexity_trading/internal/telegram"
)

const (
	lockTTL      = 30 * time.Second
	streamMaxAge = time.Minute
)

// engine is the wired process: one account, one orchestrator, one controller.
type engine struct {
	cfg    *config.Config
	policy cycle.PolicyFunc
	bot    *telegram.Bot
	stream *alpaca.StreamingData
	orch   *cycle.Orchestrator
	ctrl   *control.Controller

	closers []func()
}

func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func buildEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	if missing := cfg.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %v", missing)
	}
	e := &engine{cfg: cfg}

	overrides, err := storage.NewOverrideStore(cfg.OverridesFile)
	if err != nil {
		return nil, err
	}
	e.policy = func() (config.Policy, error) {
		return config.Resolve(config.FileSource{Path: cfg.PolicyFile}, config.EnvSource{}, overrides)
	}
	pol, err := e.policy()
	if err != nil {
		return nil, fmt.Errorf("resolve policy: %w", err)
	}

	provider := alpaca.NewProvider(cfg.AlpacaKeyID, cfg.AlpacaSecret, cfg.AlpacaBaseURL)
	var data market.DataProvider = provider
	if cfg.StreamQuotes {
		e.stream = alpaca.NewStreamingData(provider, streamMaxAge)
		data = e.stream
	}
	var broker market.Broker = provider
	if pol.DryRun {
		log.Println("[DRY_RUN] orders are simulated and fill at their limit price")
		broker = market.NewDryRunBroker(provider)
	}

	led, err := openLedger(ctx, e, cfg)
	if err != nil {
		e.Close()
		return nil, err
	}
	locker, err := openLocker(ctx, e, cfg)
	if err != nil {
		e.Close()
		return nil, err
	}

	var publisher events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.AccountID)
		publisher = kp
		e.closers = append(e.closers, func() {
			if err := kp.Close(); err != nil {
				log.Printf("[EVENTS] close kafka writer: %v", err)
			}
		})
		log.Printf("[EVENTS] publishing to kafka topic %s", cfg.KafkaTopic)
	}

	store, err := governance.NewStore(ctx, led, pol.Location())
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("load guardrail state: %w", err)
	}

	e.bot = telegram.New(cfg.TelegramToken, cfg.TelegramChatID)
	var notifier execution.Notifier
	if e.bot != nil {
		notifier = e.bot
	}

	exec := execution.NewExecutor(execution.Deps{
		AccountID: cfg.AccountID, Data: data, Broker: broker, Store: store, Ledger: led,
		Locker: locker, Notifier: notifier, Events: publisher,
	})
	e.orch = cycle.New(cycle.Deps{
		AccountID: cfg.AccountID, Data: data, Broker: broker, Ledger: led, Store: store,
		Exec: exec, Locker: locker, Policy: e.policy, Overrides: overrides, Notifier: notifier, Events: publisher,
	})
	e.ctrl = control.New(control.Deps{
		Data: data, Broker: broker, Store: store, Exec: exec, Cycles: e.orch,
		Policy: e.policy, Overrides: overrides, Notifier: notifier, Version: cfg.Version,
	})
	return e, nil
}

// startStream feeds live trades for the theme underlyings when STREAM_QUOTES is on.
func (e *engine) startStream(ctx context.Context) {
	if e.stream == nil {
		return
	}
	pol, err := e.policy()
	if err != nil {
		log.Printf("Trade stream not started: %v", err)
		return
	}
	client := alpaca.NewTradeStream(e.cfg.AlpacaKeyID, e.cfg.AlpacaSecret)
	go func() {
		if err := e.stream.Run(ctx, client, pol.ThemeUnderlyings); err != nil {
			log.Printf("Trade stream failed: %v", err)
		}
	}()
}

// openLedger uses Postgres when DATABASE_URL is set and an in-memory ledger otherwise.
func openLedger(ctx context.Context, e *engine, cfg *config.Config) (ledger.Ledger, error) {
	if cfg.DatabaseURL == "" {
		log.Println("[LEDGER] DATABASE_URL not set, using in-memory ledger (state is lost on restart)")
		return ledger.NewMemory(), nil
	}
	if err := ledger.Migrate(cfg.DatabaseURL); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	pool, err := ledger.NewPool(ctx, cfg.DatabaseURL, ledger.DefaultPoolConfig())
	if err != nil {
		return nil, fmt.Errorf("connect ledger: %w", err)
	}
	e.closers = append(e.closers, pool.Close)
	log.Println("[LEDGER] using postgres")
	return ledger.NewPostgres(pool, cfg.AccountID), nil
}

// openLocker uses Redis when REDIS_ADDR is set so several processes share the account
// and cycle locks.
func openLocker(ctx context.Context, e *engine, cfg *config.Config) (execution.Locker, error) {
	if cfg.RedisAddr == "" {
		return execution.NewLocalLocker(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	e.closers = append(e.closers, func() { client.Close() })
	log.Printf("[EXEC] using redis locks at %s", cfg.RedisAddr)
	return execution.NewRedisLocker(client, lockTTL), nil
}
