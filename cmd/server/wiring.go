package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"poe/internal/blocks"
	eventskafka "poe/internal/claims/events/kafka"
	eventsmemory "poe/internal/claims/events/memory"
	eventsredis "poe/internal/claims/events/redis"
	claimsmetrics "poe/internal/claims/metrics"
	"poe/internal/claims/models"
	"poe/internal/claims/outbox"
	"poe/internal/claims/service"
	"poe/internal/claims/store/memory"
	pgstore "poe/internal/claims/store/postgres"
	redisstore "poe/internal/claims/store/redis"
	sqlitestore "poe/internal/claims/store/sqlite"
	"poe/internal/platform/config"
	"poe/internal/platform/kafka"
	"poe/internal/platform/postgres"
	platformredis "poe/internal/platform/redis"
	"poe/internal/platform/sqlite"
	ratelimitmw "poe/internal/ratelimit/middleware"
	"poe/internal/ratelimit/store/bucket"
)

// infra holds the connections opened for the configured store and sink.
type infra struct {
	db         *sql.DB
	writerLock *postgres.WriterLock
	redis      *platformredis.Client
	kafka      *kgo.Client
}

func openInfra(ctx context.Context, cfg *config.Config, log *slog.Logger) (*infra, error) {
	in := &infra{}
	if err := in.open(ctx, cfg, log); err != nil {
		in.Close(log)
		return nil, err
	}
	return in, nil
}

func (in *infra) open(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	var err error
	switch cfg.Store.Type {
	case config.StorePostgres:
		in.db, err = postgres.Open(ctx, postgres.Config{DSN: cfg.Store.Postgres})
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		if err := postgres.Migrate(in.db); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
		in.writerLock, err = postgres.AcquireWriterLock(ctx, in.db)
		if err != nil {
			return fmt.Errorf("acquire postgres writer lock: %w", err)
		}
		log.Info("postgres connected and migrated")
	case config.StoreSQLite:
		in.db, err = sqlite.Open(ctx, cfg.Store.SQLite)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		log.Info("sqlite opened", "path", cfg.Store.SQLite)
	}

	if needsRedis(cfg) {
		in.redis, err = platformredis.New(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		log.Info("redis connected")
	}

	if needsKafka(cfg) {
		in.kafka, err = kafka.NewProducer(ctx, kafka.Config{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			ClientID: "poe",
		})
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		if cfg.Kafka.CreateTopic {
			if err := kafka.EnsureTopic(ctx, in.kafka, cfg.Kafka.Topic, cfg.Kafka.Partitions, cfg.Kafka.ReplicationFactor); err != nil {
				return fmt.Errorf("ensure kafka topic: %w", err)
			}
		}
		log.Info("kafka connected", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	return nil
}

// Health pings every open connection.
func (in *infra) Health(ctx context.Context) error {
	var errs []error
	if in.db != nil {
		errs = append(errs, in.db.PingContext(ctx))
	}
	if in.redis != nil {
		errs = append(errs, in.redis.Health(ctx))
	}
	if in.kafka != nil {
		errs = append(errs, in.kafka.Ping(ctx))
	}
	return errors.Join(errs...)
}

func (in *infra) Close(log *slog.Logger) {
	if in.kafka != nil {
		in.kafka.Close()
	}
	if in.redis != nil {
		if err := in.redis.Close(); err != nil {
			log.Error("failed to close redis", "error", err)
		}
	}
	if in.writerLock != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := in.writerLock.Release(ctx); err != nil {
			log.Error("failed to release writer lock", "error", err)
		}
		cancel()
	}
	if in.db != nil {
		if err := in.db.Close(); err != nil {
			log.Error("failed to close database", "error", err)
		}
	}
}

func needsRedis(cfg *config.Config) bool {
	return cfg.Store.Type == config.StoreRedis ||
		cfg.Events.Sink == config.SinkRedis ||
		(cfg.Events.Sink == config.SinkOutbox && cfg.Outbox.RelayTo == config.SinkRedis)
}

func needsKafka(cfg *config.Config) bool {
	return cfg.Events.Sink == config.SinkKafka ||
		(cfg.Events.Sink == config.SinkOutbox && cfg.Outbox.RelayTo == config.SinkKafka)
}

// buildClaimTx picks the transaction boundary for the configured store. SQL
// stores run in a database transaction; memory and Redis stage writes behind
// per-claim locks. The store is also returned as the block high water mark.
func buildClaimTx(cfg *config.Config, in *infra) (service.ClaimTx, blocks.HighWater, error) {
	switch cfg.Store.Type {
	case config.StoreMemory:
		store := memory.NewInMemory()
		return service.NewShardedTx(store, 0), store, nil
	case config.StoreRedis:
		store := redisstore.New(in.redis.Client)
		return service.NewShardedTx(store, 0), store, nil
	case config.StorePostgres:
		store := pgstore.New(in.db)
		return newClaimSQLTx(in.db, store), store, nil
	case config.StoreSQLite:
		store := sqlitestore.New(in.db)
		return newClaimSQLTx(in.db, store), store, nil
	default:
		return nil, nil, fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}
}

// newBlockTicker resumes the block counter past every persisted registration,
// so a restart never stamps a block older than one already on disk.
func newBlockTicker(ctx context.Context, cfg *config.Config, hw blocks.HighWater, opts ...blocks.Option) (*blocks.Ticker, error) {
	start, err := blocks.Resume(ctx, models.BlockNumber(cfg.Blocks.Start), hw)
	if err != nil {
		return nil, err
	}
	return blocks.NewTicker(start, cfg.Blocks.Interval, opts...), nil
}

// buildPublisher returns the event publisher and, for the outbox sink, the
// relay that drains it. Only the outbox writer joins the claim transaction;
// the other sinks receive events after commit.
func buildPublisher(cfg *config.Config, in *infra, log *slog.Logger, m *claimsmetrics.Metrics) (service.EventPublisher, *outbox.Relay, error) {
	switch cfg.Events.Sink {
	case config.SinkMemory:
		return eventsmemory.NewRecorder(eventsmemory.WithCapacity(cfg.Events.MemoryCapacity)), nil, nil
	case config.SinkRedis:
		return eventsredis.NewPublisher(in.redis.Client, cfg.Events.RedisChannel), nil, nil
	case config.SinkKafka:
		return eventskafka.NewPublisher(in.kafka, cfg.Kafka.Topic), nil, nil
	case config.SinkOutbox:
		var sink outbox.Sink
		switch cfg.Outbox.RelayTo {
		case config.SinkKafka:
			sink = eventskafka.NewPublisher(in.kafka, cfg.Kafka.Topic)
		case config.SinkRedis:
			sink = eventsredis.NewPublisher(in.redis.Client, cfg.Events.RedisChannel)
		default:
			return nil, nil, fmt.Errorf("unknown outbox relay target %q", cfg.Outbox.RelayTo)
		}
		relay := outbox.NewRelay(in.db, sink,
			outbox.WithInterval(cfg.Outbox.Interval),
			outbox.WithBatchSize(cfg.Outbox.BatchSize),
			outbox.WithLogger(log),
			outbox.WithMetrics(m),
		)
		return outbox.NewWriter(in.db), relay, nil
	default:
		return nil, nil, fmt.Errorf("unknown events sink %q", cfg.Events.Sink)
	}
}

// buildBucketStore shares rate limit buckets through Redis when a Redis
// connection is open, so every replica enforces the same budget.
func buildBucketStore(in *infra) ratelimitmw.BucketStore {
	if in.redis != nil {
		return bucket.NewRedisBucketStore(in.redis.Client)
	}
	return bucket.NewInMemoryBucketStore()
}
