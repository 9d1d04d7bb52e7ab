package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lorenzovborges/ReportSys/internal/model"
)

const (
	popTimeout    = 2 * time.Second
	pumpInterval  = 500 * time.Millisecond
	promoteBatch  = 100
	settleTimeout = 10 * time.Second
)

// Handler processes one dequeued job.
type Handler func(ctx context.Context, msg model.QueueMessage) error

// ConsumerConfig wires a worker pool over the ready list.
type ConsumerConfig struct {
	Client           *redis.Client
	Prefix           string
	Concurrency      int
	MaxAttempts      int
	RetryBackoff     time.Duration
	RemoveOnComplete int
	RemoveOnFail     int
	Handler          Handler
	Logger           *zap.Logger
	Retries          prometheus.Counter
}

// Consumer pops jobs with BLMOVE and retries failures with exponential
// backoff through the delayed zset.
type Consumer struct {
	cfg    ConsumerConfig
	keys   keySet
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer validates the config and returns a stopped consumer.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("queue consumer requires a redis client")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("queue consumer requires a handler")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Consumer{cfg: cfg, keys: newKeySet(cfg.Prefix)}, nil
}

// Start launches the worker pool and the delayed-job pump.
func (c *Consumer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	for i := 0; i < c.cfg.Concurrency; i++ {
		c.wg.Add(1)
		go func(worker int) {
			defer c.wg.Done()
			c.workLoop(ctx, worker)
		}(i)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pumpLoop(ctx)
	}()
}

// Close stops the workers and waits for in-flight jobs to finish.
func (c *Consumer) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Consumer) workLoop(ctx context.Context, worker int) {
	log := c.cfg.Logger.With(zap.Int("worker", worker))
	for {
		if ctx.Err() != nil {
			return
		}
		body, err := c.cfg.Client.BLMove(ctx, c.keys.ready, c.keys.processing, "RIGHT", "LEFT", popTimeout).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("pop from ready list failed", zap.Error(err))
			time.Sleep(popTimeout)
			continue
		}
		c.handle(ctx, log, body)
	}
}

func (c *Consumer) handle(ctx context.Context, log *zap.Logger, body string) {
	// Bookkeeping must settle even when ctx is cancelled mid-handler;
	// otherwise shutdown strands the envelope in the processing list and the
	// dedupe member blocks the job id forever. Detach it from the worker
	// context.
	settle, done := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer done()

	var env envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		log.Error("dropping undecodable queue envelope", zap.Error(err))
		_ = c.cfg.Client.LRem(settle, c.keys.processing, 1, body).Err()
		return
	}
	log = log.With(zap.String("report_job_id", env.ID), zap.Int("attempt", env.Attempts+1))

	err := c.cfg.Handler(ctx, env.Payload)
	// The processing entry is consumed either way; the envelope moves to
	// completed, delayed or failed.
	_ = c.cfg.Client.LRem(settle, c.keys.processing, 1, body).Err()

	if err == nil {
		c.recordOutcome(settle, c.keys.completed, body, c.cfg.RemoveOnComplete)
		_ = c.cfg.Client.SRem(settle, c.keys.dedupe, env.ID).Err()
		return
	}

	env.Attempts++
	if env.Attempts >= c.cfg.MaxAttempts {
		log.Error("job exhausted retries", zap.Error(err))
		c.recordOutcome(settle, c.keys.failed, body, c.cfg.RemoveOnFail)
		_ = c.cfg.Client.SRem(settle, c.keys.dedupe, env.ID).Err()
		return
	}

	delay := c.backoff(env.Attempts)
	log.Warn("job failed, scheduling retry", zap.Error(err), zap.Duration("delay", delay))
	if c.cfg.Retries != nil {
		c.cfg.Retries.Inc()
	}
	retryBody, marshalErr := json.Marshal(env)
	if marshalErr != nil {
		log.Error("marshal retry envelope", zap.Error(marshalErr))
		return
	}
	zerr := c.cfg.Client.ZAdd(settle, c.keys.delayed, redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: string(retryBody),
	}).Err()
	if zerr != nil {
		log.Error("schedule retry", zap.Error(zerr))
	}
}

// backoff returns base * 2^(attempts-1).
func (c *Consumer) backoff(attempts int) time.Duration {
	return c.cfg.RetryBackoff * time.Duration(math.Pow(2, float64(attempts-1)))
}

func (c *Consumer) recordOutcome(ctx context.Context, key, body string, cap int) {
	if cap <= 0 {
		return
	}
	pipe := c.cfg.Client.Pipeline()
	pipe.LPush(ctx, key, body)
	pipe.LTrim(ctx, key, 0, int64(cap)-1)
	if _, err := pipe.Exec(ctx); err != nil {
		c.cfg.Logger.Warn("record job outcome", zap.Error(err))
	}
}

func (c *Consumer) pumpLoop(ctx context.Context) {
	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.promoteDue(ctx); err != nil && ctx.Err() == nil {
				c.cfg.Logger.Warn("promote delayed jobs", zap.Error(err))
			}
		}
	}
}

// promoteDue moves delayed envelopes whose due time has passed back onto the
// ready list. The ZRem result guards against double promotion when several
// instances pump the same zset.
func (c *Consumer) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := c.cfg.Client.ZRangeByScore(ctx, c.keys.delayed, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return fmt.Errorf("range delayed zset: %w", err)
	}
	for _, member := range due {
		removed, err := c.cfg.Client.ZRem(ctx, c.keys.delayed, member).Result()
		if err != nil {
			return fmt.Errorf("remove delayed member: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := c.cfg.Client.LPush(ctx, c.keys.ready, member).Err(); err != nil {
			return fmt.Errorf("requeue delayed member: %w", err)
		}
	}
	return nil
}
