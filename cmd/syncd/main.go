package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"collabtext/syncd/internal/api"
	"collabtext/syncd/internal/collab"
	"collabtext/syncd/internal/config"
	"collabtext/syncd/internal/discovery"
	"collabtext/syncd/internal/document"
	"collabtext/syncd/internal/document/boltstore"
	"collabtext/syncd/internal/document/mongostore"
	"collabtext/syncd/internal/document/pgstore"
	"collabtext/syncd/internal/relay"
	"collabtext/syncd/internal/room"
	"collabtext/syncd/internal/transport"
)

const SyncdVersion = "0.1.0"

const usage = `CollabText document session server.

Settings not given on the command line are read from the environment
(SYNCD_ADDR, SYNCD_STORE, SYNCD_BOLT_PATH, DATABASE_URL, MONGO_URI,
MONGO_DATABASE, REDIS_ADDR, SYNCD_NODE_ID, SYNCD_STORE_TIMEOUT,
SYNCD_SEND_BUFFER, SYNCD_MDNS).

Usage:
    syncd [--addr=<addr>] [--store=<store>] [--bolt-path=<path>]
        [--database-url=<url>] [--mongo-uri=<uri>] [--redis-addr=<addr>]
        [--mdns] [--v=<level>]
    syncd -h | --help
    syncd --version

Options:
    -h --help              Show this screen.
    --version              Show version.
    --addr=<addr>          Listen address.
    --store=<store>        Document store: memory, bolt, postgres or mongo.
    --bolt-path=<path>     bbolt file for the bolt store.
    --database-url=<url>   PostgreSQL url for the postgres store.
    --mongo-uri=<uri>      MongoDB uri for the mongo store.
    --redis-addr=<addr>    Redis address; enables the cross-node mirror.
    --mdns                 Advertise the server over mDNS.
    --v=<level>            glog verbosity [default: 0].`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], SyncdVersion)
	if err != nil {
		panic(err)
	}
	initGlog(opts)
	defer glog.Flush()

	if err := run(opts); err != nil {
		glog.Errorf("%s\n", err)
		glog.Flush()
		os.Exit(1)
	}
}

func initGlog(opts docopt.Opts) {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	if v, err := opts.String("--v"); err == nil {
		flag.Set("v", v)
	}
}

func run(opts docopt.Opts) error {
	cfg, err := config.FromEnv(os.Getenv)
	if err != nil {
		return err
	}
	cfg.ApplyArgs(opts)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	glog.Infof("[main]using %s document store\n", cfg.Store)

	settings := collab.DefaultSettings()
	settings.NodeID = cfg.NodeID
	settings.StoreTimeout = cfg.StoreTimeout

	wg := new(sync.WaitGroup)

	var mirror *relay.Redis
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := retry(ctx, "redis", func() error {
			return rdb.Ping(ctx).Err()
		}); err != nil {
			return fmt.Errorf("could not connect to Redis: %w", err)
		}
		glog.Infof("[main]connected to Redis at %s\n", cfg.RedisAddr)
		mirror = relay.NewRedis(rdb, 0)
		settings.Mirror = mirror
	}

	engine := collab.NewEngine(store, room.NewRegistry(), settings)

	if mirror != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mirror.Run(ctx, engine.Deliver); err != nil {
				glog.Errorf("[main]mirror stopped = %s\n", err)
			}
		}()
	}

	if cfg.MDNS {
		port, err := cfg.Port()
		if err != nil {
			return err
		}
		if shutdown, err := discovery.Advertise(cfg.NodeID, port); err != nil {
			glog.Warningf("[main]%s\n", err)
		} else {
			defer shutdown()
		}
	}

	sockets := transport.NewHandler(engine, cfg.SendBuffer)
	router := api.NewServer(store, engine, cfg.ListLimit).Router(sockets)
	httpServer := &http.Server{Addr: cfg.Addr, Handler: router}

	wg.Add(1)
	go func() {
		defer wg.Done()
		glog.Infof("[main]syncd %s (node %s) listening on %s\n", SyncdVersion, cfg.NodeID, cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Errorf("[main]server listen failed = %s\n", err)
			cancel()
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		glog.Infof("[main]signal caught %s\n", sig)
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		httpServer.Close()
	}
	// hijacked websockets are not tracked by Shutdown; they must be done
	// with the store before it is closed
	sockets.Close()
	wg.Wait()
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (document.Store, error) {
	var store document.Store
	err := retry(ctx, cfg.Store, func() error {
		var err error
		switch cfg.Store {
		case config.StoreMemory:
			store = document.NewMemory()
		case config.StoreBolt:
			store, err = boltstore.Open(cfg.BoltPath)
		case config.StorePostgres:
			store, err = pgstore.Connect(ctx, cfg.DatabaseURL)
		case config.StoreMongo:
			store, err = mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		default:
			err = fmt.Errorf("unknown store %q", cfg.Store)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("unable to open %s store: %w", cfg.Store, err)
	}
	return store, nil
}

// retry runs connect with exponential backoff for up to a minute.
func retry(ctx context.Context, name string, connect func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = time.Minute
	return backoff.RetryNotify(connect, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		glog.Warningf("[main]%s not ready, retrying in %s = %s\n", name, next, err)
	})
}
