// Package worker implements the publish pipeline execution loop.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pagepress/pagepress/internal/metrics"
	"github.com/pagepress/pagepress/internal/pipeline"
	queuemem "github.com/pagepress/pagepress/internal/queue/memory"
)

// TaskHandler executes one publish task end to end.
type TaskHandler interface {
	HandlePublish(ctx context.Context, task pipeline.PublishTask) error
}

// Config controls Pool behavior.
type Config struct {
	// Workers is the number of concurrent task consumers.
	Workers int
}

// Pool consumes publish tasks and hands them to the handler. Task panics are
// contained per task; a panicking task never takes its worker down.
type Pool struct {
	queue   pipeline.Queue
	handler TaskHandler
	cfg     Config
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// New constructs a Pool.
func New(queue pipeline.Queue, handler TaskHandler, cfg Config, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		queue:   queue,
		handler: handler,
		cfg:     cfg,
		logger:  logger,
	}
}

// Start launches the workers. They run until the context finishes or the
// queue closes.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(ctx, id)
		}(i)
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, id int) {
	logger := p.logger.With(zap.Int("worker", id))
	for {
		task, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queuemem.ErrQueueClosed) {
				logger.Debug("worker exiting", zap.Error(err))
				return
			}
			logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		logger.Debug("dequeued publish task", zap.String("page_id", task.PageID))
		p.processTask(ctx, logger, task)
	}
}

func (p *Pool) processTask(ctx context.Context, logger *zap.Logger, task pipeline.PublishTask) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("publish task panicked",
				zap.String("page_id", task.PageID),
				zap.Any("panic", r),
			)
			metrics.ObservePublishTask("panicked")
		}
	}()

	if err := p.handler.HandlePublish(ctx, task); err != nil {
		logger.Error("publish task failed",
			zap.String("page_id", task.PageID),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		metrics.ObservePublishTask("failed")
		return
	}
	logger.Info("publish task finished",
		zap.String("page_id", task.PageID),
		zap.Duration("elapsed", time.Since(start)),
	)
	metrics.ObservePublishTask("completed")
}
