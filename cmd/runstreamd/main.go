// Command runstreamd serves the run streaming HTTP API: run creation,
// status, cancellation and SSE event delivery, backed either by the
// in-process bus or by Redis streams with Mongo-persisted run records.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/santhosh-tekuri/jsonschema/v6"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/dockrion/runstream/bus"
	busmem "github.com/dockrion/runstream/bus/inmem"
	pulsebus "github.com/dockrion/runstream/features/bus/pulse"
	clientspulse "github.com/dockrion/runstream/features/bus/pulse/clients/pulse"
	mongostore "github.com/dockrion/runstream/features/run/mongo"
	clientsmongo "github.com/dockrion/runstream/features/run/mongo/clients/mongo"
	"github.com/dockrion/runstream/gateway"
	"github.com/dockrion/runstream/manager"
	"github.com/dockrion/runstream/run"
	runmem "github.com/dockrion/runstream/run/inmem"
)

func main() {
	var (
		configF   = flag.String("config", "", "Path to YAML config file")
		httpAddrF = flag.String("http-addr", "", "HTTP listen address")
		backendF  = flag.String("backend", "", "Event backend (inmem or pulse)")
		redisF    = flag.String("redis-addr", "", "Redis address for the pulse backend")
		mongoF    = flag.String("mongo-uri", "", "Mongo URI for durable run records (empty keeps records in memory)")
		mongoDBF  = flag.String("mongo-database", "", "Mongo database name")
		timeoutF  = flag.Duration("run-timeout", 0, "Producer execution timeout")
		graceF    = flag.Duration("cancel-grace", 0, "Wind-down window granted to cancelled producers")
		ttlF      = flag.Duration("event-ttl", 0, "Per-run event retention")
		capF      = flag.Int("event-cap", 0, "Per-run retained event cap")
		schemaF   = flag.String("input-schema", "", "Path to a JSON schema validating run inputs")
		rateF     = flag.Float64("rate-limit", 0, "Run-start requests per second (0 disables limiting)")
		dbgF      = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := loadConfig(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	// Flags override the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http-addr":
			cfg.HTTPAddr = *httpAddrF
		case "backend":
			cfg.Backend = *backendF
		case "redis-addr":
			cfg.RedisAddr = *redisF
		case "mongo-uri":
			cfg.MongoURI = *mongoF
		case "mongo-database":
			cfg.MongoDB = *mongoDBF
		case "run-timeout":
			cfg.RunTimeout = duration(*timeoutF)
		case "cancel-grace":
			cfg.CancelGrace = duration(*graceF)
		case "event-ttl":
			cfg.EventTTL = duration(*ttlF)
		case "event-cap":
			cfg.EventCap = *capF
		case "input-schema":
			cfg.InputSchema = *schemaF
		case "rate-limit":
			cfg.RateLimit = *rateF
		case "debug":
			cfg.Debug = *dbgF
		}
	})
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	log.Print(ctx, log.KV{K: "http-addr", V: cfg.HTTPAddr}, log.KV{K: "backend", V: cfg.Backend})

	// Event backend.
	var (
		eventBus bus.Bus
		pingers  []health.Pinger
	)
	switch cfg.Backend {
	case "inmem", "":
		var opts []busmem.Option
		if cfg.EventCap > 0 {
			opts = append(opts, busmem.WithMaxEventsPerChannel(cfg.EventCap))
		}
		eventBus = busmem.New(opts...)
	case "pulse":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf(ctx, err, "redis at %q unreachable", cfg.RedisAddr)
		}
		pc, err := clientspulse.New(clientspulse.Options{Redis: rdb})
		if err != nil {
			log.Fatal(ctx, err)
		}
		eventBus, err = pulsebus.New(pulsebus.Options{
			Client:    pc,
			Redis:     rdb,
			TTL:       time.Duration(cfg.EventTTL),
			MaxEvents: cfg.EventCap,
		})
		if err != nil {
			log.Fatal(ctx, err)
		}
		pingers = append(pingers, redisPinger{rdb})
	default:
		log.Fatal(ctx, fmt.Errorf("invalid backend %q (valid backends: inmem, pulse)", cfg.Backend))
	}

	// Run store.
	var store run.Store
	if cfg.MongoURI != "" {
		mc, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			log.Fatalf(ctx, err, "mongo at %q unreachable", cfg.MongoURI)
		}
		defer func() {
			if err := mc.Disconnect(context.Background()); err != nil {
				log.Errorf(ctx, err, "mongo disconnect failed")
			}
		}()
		client, err := clientsmongo.New(clientsmongo.Options{Client: mc, Database: cfg.MongoDB})
		if err != nil {
			log.Fatal(ctx, err)
		}
		store, err = mongostore.NewStore(client)
		if err != nil {
			log.Fatal(ctx, err)
		}
		pingers = append(pingers, client)
	} else {
		store = runmem.New()
	}

	mgr, err := manager.New(manager.Options{
		Store:       store,
		Bus:         eventBus,
		RunTimeout:  time.Duration(cfg.RunTimeout),
		CancelGrace: time.Duration(cfg.CancelGrace),
	})
	if err != nil {
		log.Fatal(ctx, err)
	}

	var schema *jsonschema.Schema
	if cfg.InputSchema != "" {
		schema, err = jsonschema.NewCompiler().Compile(cfg.InputSchema)
		if err != nil {
			log.Fatalf(ctx, err, "compile input schema %q", cfg.InputSchema)
		}
	}

	gw, err := gateway.New(gateway.Options{
		Manager:       mgr,
		Bus:           eventBus,
		Producer:      echoProducer,
		Heartbeat:     time.Duration(cfg.Heartbeat),
		StreamTimeout: time.Duration(cfg.StreamTimeout),
		InputSchema:   schema,
		RateLimit:     rate.Limit(cfg.RateLimit),
		RateBurst:     cfg.RateBurst,
		Pingers:       pingers,
		Debug:         cfg.Debug,
	})
	if err != nil {
		log.Fatal(ctx, err)
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: gw.Handler(ctx), ReadHeaderTimeout: 60 * time.Second}
	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			log.Printf(ctx, "HTTP server listening on %q", cfg.HTTPAddr)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", cfg.HTTPAddr)

		sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
		if err := eventBus.Close(sctx); err != nil {
			log.Printf(ctx, "failed to close event bus: %v", err)
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()
	log.Printf(ctx, "exited")
}

// redisPinger reports Redis reachability on the health endpoint.
type redisPinger struct {
	rdb *redis.Client
}

func (p redisPinger) Name() string                   { return "redis" }
func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }
