package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/showrunnerhq/backlot/config"
	"github.com/showrunnerhq/backlot/internal/agents"
	"github.com/showrunnerhq/backlot/internal/bus"
	"github.com/showrunnerhq/backlot/internal/content"
	"github.com/showrunnerhq/backlot/internal/extraction"
	"github.com/showrunnerhq/backlot/internal/graph"
	"github.com/showrunnerhq/backlot/internal/orchestrator"
	"github.com/showrunnerhq/backlot/internal/promotion"
	"github.com/showrunnerhq/backlot/internal/provenance"
	"github.com/showrunnerhq/backlot/internal/queue/streams"
	"github.com/showrunnerhq/backlot/internal/service"
	"github.com/showrunnerhq/backlot/internal/store"
)

// deps holds the shared dependency graph both the serve and worker commands
// build from configuration.
type deps struct {
	cfg       *config.Config
	store     *store.Store
	redis     *redis.Client
	queue     *streams.Queue
	events    bus.Bus
	graph     graph.Store
	prov      *provenance.Store
	extract   *extraction.Engine
	promote   *promotion.Engine
	orch      *orchestrator.Orchestrator
	svc       *service.Service
	policies  *extraction.StaticPolicyStore
	busGroup  string
	busMember string
}

func buildDeps(ctx context.Context, cfgPath, busGroup string) (*deps, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return nil, err
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return nil, err
	}
	signer, err := content.NewSigner(cfg.Signing.Secret)
	if err != nil {
		return nil, err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr,
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "backlot"
	}

	logger := log.New(log.Writer(), "[BACKLOT] ", log.LstdFlags)
	queue := streams.NewQueue(streams.NewPublisher(redisClient))
	events := bus.NewRedis(redisClient, busGroup, hostname, log.New(log.Writer(), "[BUS] ", log.LstdFlags))

	graphStore := graph.NewPostgresStore(st.DB)
	prov := provenance.New(st.DB, signer, log.New(log.Writer(), "[PROV] ", log.LstdFlags))

	policies := extraction.NewStaticPolicyStore(&extraction.Policy{
		ParserName:    "script-parser",
		ParserVersion: "1",
		MinConfidence: cfg.Promotion.DefaultMinConfidence,
		FeatureFlag:   false,
		Enabled:       true,
	})
	files := extraction.NewDirContentStore(cfg.Storage.ContentDir)
	extractEngine := extraction.NewEngine(log.New(log.Writer(), "[EXTRACT] ", log.LstdFlags), st, files, extraction.DefaultRegistry(), policies, queue)
	promoteEngine := promotion.NewEngine(log.New(log.Writer(), "[PROMOTE] ", log.LstdFlags), st, graphStore, prov, cfg.Promotion.PurgeStagingOnSuccess)

	orch := orchestrator.New(log.New(log.Writer(), "[ORCH] ", log.LstdFlags), orchestrator.NewInMemoryStateStore(), events)
	for _, agent := range []orchestrator.Agent{
		agents.NewExtractor(logger, st, queue),
		agents.NewPromoter(logger, queue),
		agents.NewCrossLinkCurator(logger, graphStore),
		agents.NewOntologyCurator(logger, graphStore),
	} {
		if err := orch.RegisterAgent(agent); err != nil {
			return nil, err
		}
	}
	if err := orch.RegisterDefinition(agents.FullProcessingDefinition()); err != nil {
		return nil, err
	}

	svc := service.New(log.New(log.Writer(), "[SVC] ", log.LstdFlags), st, policies, queue, promoteEngine, orch)

	return &deps{
		cfg:       cfg,
		store:     st,
		redis:     redisClient,
		queue:     queue,
		events:    events,
		graph:     graphStore,
		prov:      prov,
		extract:   extractEngine,
		promote:   promoteEngine,
		orch:      orch,
		svc:       svc,
		policies:  policies,
		busGroup:  busGroup,
		busMember: hostname,
	}, nil
}
