package presets

import (
	"errors"
	"time"

	sarama "github.com/IBM/sarama"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
)

// DefaultNATSBucket is the key-value bucket used when NATSOptions.Bucket is empty.
const DefaultNATSBucket = "latch_locks"

// Unlock buses built by presets stop publishing for BreakerTimeout after
// BreakerThreshold consecutive failures, so releases do not keep paying for
// an unreachable bus.
const (
	BreakerThreshold = 5
	BreakerTimeout   = 30 * time.Second
)

func guard(bus syncbus.Bus) syncbus.Bus {
	return syncbus.NewCircuitBreaker(bus, BreakerThreshold, BreakerTimeout)
}

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to lock names. Empty keeps the store default.
	Prefix string
}

// NewRedis returns a lock factory storing locks in Redis and announcing
// releases over Redis pub/sub. The returned client is owned by the caller.
func NewRedis(opts RedisOptions, lockOpts ...lock.Option) (*lock.Factory, *redis.Client) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	var storeOpts []lock.RedisOption
	if opts.Prefix != "" {
		storeOpts = append(storeOpts, lock.WithRedisPrefix(opts.Prefix))
	}
	store := lock.NewRedis(client, storeOpts...)
	bus := guard(syncbus.NewRedisBus(client))
	return lock.NewFactory(store, append([]lock.Option{lock.WithBus(bus)}, lockOpts...)...), client
}

// NATSOptions configures the JetStream bucket holding locks.
type NATSOptions struct {
	// Bucket is created when it does not exist yet.
	Bucket string
}

// NewNATS returns a lock factory storing locks in a JetStream key-value
// bucket and announcing releases over core NATS.
func NewNATS(conn *nats.Conn, opts NATSOptions, lockOpts ...lock.Option) (*lock.Factory, error) {
	bucket := opts.Bucket
	if bucket == "" {
		bucket = DefaultNATSBucket
	}
	js, err := conn.JetStream()
	if err != nil {
		return nil, err
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket, History: 1})
	}
	if err != nil {
		return nil, err
	}
	bus := guard(syncbus.NewNATSBus(conn))
	return lock.NewFactory(lock.NewNATS(kv), append([]lock.Option{lock.WithBus(bus)}, lockOpts...)...), nil
}

// NewSQL returns a lock factory storing locks in a SQL table through GORM.
// Waiters rely on polling only unless lockOpts carry a lock.WithBus.
func NewSQL(db *gorm.DB, lockOpts ...lock.Option) (*lock.Factory, error) {
	store, err := lock.NewGorm(db)
	if err != nil {
		return nil, err
	}
	return lock.NewFactory(store, lockOpts...), nil
}

// KafkaOptions configures the Kafka unlock bus.
type KafkaOptions struct {
	Brokers []string
	// Config defaults to sarama.NewConfig().
	Config *sarama.Config
}

// NewSQLKafka returns a lock factory storing locks in a SQL table and
// announcing releases over Kafka. The returned bus is owned by the caller.
func NewSQLKafka(db *gorm.DB, opts KafkaOptions, lockOpts ...lock.Option) (*lock.Factory, *syncbus.KafkaBus, error) {
	bus, err := syncbus.NewKafkaBus(opts.Brokers, opts.Config)
	if err != nil {
		return nil, nil, err
	}
	f, err := NewSQL(db, append([]lock.Option{lock.WithBus(guard(bus))}, lockOpts...)...)
	if err != nil {
		_ = bus.Close()
		return nil, nil, err
	}
	return f, bus, nil
}

// NewInMemoryStandalone returns a lock factory that coordinates goroutines
// of the current process only. Useful for local development and tests.
func NewInMemoryStandalone(lockOpts ...lock.Option) *lock.Factory {
	bus := syncbus.NewInMemoryBus()
	return lock.NewFactory(lock.NewInMemory(), append([]lock.Option{lock.WithBus(bus)}, lockOpts...)...)
}
