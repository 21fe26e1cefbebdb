package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/presets"
)

const (
	// exitLockTimeout is returned when the lock could not be acquired in
	// time (EX_TEMPFAIL).
	exitLockTimeout = 75
	// exitLeaseLost is returned when the lease could not be kept and the
	// command was killed (EX_UNAVAILABLE).
	exitLeaseLost = 69
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

var (
	backend     = flag.String("backend", envOr("LATCH_BACKEND", "redis"), "Lock store: redis, nats, sqlite or memory")
	redisAddr   = flag.String("redis-addr", envOr("LATCH_REDIS_ADDR", "localhost:6379"), "Redis address")
	redisPrefix = flag.String("redis-prefix", "", "Prefix for Redis lock keys")
	natsURL     = flag.String("nats-url", envOr("LATCH_NATS_URL", nats.DefaultURL), "NATS server URL")
	natsBucket  = flag.String("nats-bucket", presets.DefaultNATSBucket, "JetStream key-value bucket")
	sqlitePath  = flag.String("sqlite-path", envOr("LATCH_SQLITE_PATH", "latch.db"), "SQLite database holding locks")
	kafka       = flag.String("kafka-brokers", envOr("LATCH_KAFKA_BROKERS", ""), "Comma separated Kafka brokers announcing releases for the sqlite backend")
	name        = flag.String("name", "", "Name of the lock (required)")
	hold        = flag.Duration("hold", 30*time.Second, "Lease requested for the lock")
	wait        = flag.Duration("wait", 0, "How long to wait for the lock; 0 tries once")
	refresh     = flag.Bool("refresh", true, "Keep refreshing the lease while the command runs")
	metricsAddr = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s -name NAME [flags] -- command [args...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if *name == "" || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if *metricsAddr != "" {
		reg := metrics.NewRegistry()
		metrics.RegisterLockMetrics(reg)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				slog.Warn("latch: metrics server stopped", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	factory, closeFn, err := newFactory()
	if err != nil {
		log.Fatalf("latch: %v", err)
	}
	defer closeFn()

	l, err := factory.New(*name, *hold)
	if err != nil {
		log.Fatalf("latch: %v", err)
	}

	code := 0
	err = l.Block(ctx, *wait, func(ctx context.Context) error {
		log.Printf("latch: acquired %q as %s", l.Name(), l.Owner())
		code = run(ctx, l, flag.Args(), *refresh)
		return nil
	})
	switch {
	case errors.Is(err, lock.ErrTimeout):
		log.Printf("latch: %q is held elsewhere, gave up after %v", *name, *wait)
		closeFn()
		os.Exit(exitLockTimeout)
	case err != nil:
		log.Fatalf("latch: %v", err)
	}
	closeFn()
	os.Exit(code)
}

func newFactory() (*lock.Factory, func(), error) {
	switch *backend {
	case "redis":
		f, client := presets.NewRedis(presets.RedisOptions{Addr: *redisAddr, Prefix: *redisPrefix})
		return f, func() { _ = client.Close() }, nil
	case "nats":
		nc, err := nats.Connect(*natsURL)
		if err != nil {
			return nil, nil, err
		}
		f, err := presets.NewNATS(nc, presets.NATSOptions{Bucket: *natsBucket})
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return f, nc.Close, nil
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(*sqlitePath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, nil, err
		}
		if *kafka == "" {
			f, err := presets.NewSQL(db)
			return f, func() {}, err
		}
		f, bus, err := presets.NewSQLKafka(db, presets.KafkaOptions{Brokers: strings.Split(*kafka, ",")})
		if err != nil {
			return nil, nil, err
		}
		return f, func() { _ = bus.Close() }, nil
	case "memory":
		return presets.NewInMemoryStandalone(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", *backend)
	}
}

// run executes the command and returns its exit code. With refresh the
// lease is kept alive at half its length, and the command is killed when
// the lease is lost.
func run(ctx context.Context, l *lock.Lock, args []string, refresh bool) int {
	cmdCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	cmd := exec.CommandContext(cmdCtx, args[0], args[1:]...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr

	var lost atomic.Bool
	if refresh {
		lease, err := lock.KeepAlive(ctx, l)
		switch {
		case errors.Is(err, lock.ErrRefreshUnsupported):
			slog.Warn("latch: store cannot refresh leases", "lock", l.Name())
		case err != nil:
			slog.Error("latch: keepalive", "error", err)
			return 1
		default:
			done := make(chan struct{})
			defer lease.Stop()
			defer close(done)
			go func() {
				select {
				case <-lease.Lost():
					lost.Store(true)
					slog.Error("latch: lease lost, stopping command", "lock", l.Name(), "error", lease.Err())
					cancel()
				case <-done:
				}
			}()
		}
	}

	err := cmd.Run()
	if lost.Load() {
		return exitLeaseLost
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exitErr):
		return exitErr.ExitCode()
	default:
		slog.Error("latch: command failed", "error", err)
		return 1
	}
}
