// Package scheduler runs the background loops that submit due broadcasts and
// retry failed recipients.
package scheduler

import (
	"context"
	"io"
	"log"
	"os"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/percytech/broadcast-pipeline/app/dto"
	"github.com/percytech/broadcast-pipeline/app/middleware"
	businessflow "github.com/percytech/broadcast-pipeline/business_flow"
	"github.com/percytech/broadcast-pipeline/config"
	"github.com/percytech/broadcast-pipeline/repository"
	"github.com/percytech/broadcast-pipeline/utils"
)

// BroadcastWorker drives the pipeline in the background: it submits scheduled
// broadcasts whose send time has arrived and keeps nudging in-flight
// broadcasts forward until the aggregator finalizes them.
type BroadcastWorker struct {
	broadcastRepo repository.BroadcastRepository
	flow          businessflow.BroadcastFlow
	dispatch      businessflow.DispatchFlow
	logger        *log.Logger
	cfg           config.SchedulerConfig
}

// NewBroadcastWorker creates a new background worker
func NewBroadcastWorker(
	broadcastRepo repository.BroadcastRepository,
	flow businessflow.BroadcastFlow,
	dispatch businessflow.DispatchFlow,
	cfg config.SchedulerConfig,
	logCfg config.LoggingConfig,
) *BroadcastWorker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Minute
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 10 * time.Minute
	}

	return &BroadcastWorker{
		broadcastRepo: broadcastRepo,
		flow:          flow,
		dispatch:      dispatch,
		logger:        newWorkerLogger(logCfg),
		cfg:           cfg,
	}
}

// newWorkerLogger builds a logger writing to stdout and, when configured, a
// size-rotated file.
func newWorkerLogger(cfg config.LoggingConfig) *log.Logger {
	var w io.Writer = os.Stdout
	if cfg.FilePath != "" && (cfg.Output == "file" || cfg.Output == "both") {
		rotated := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		if cfg.Output == "file" {
			w = rotated
		} else {
			w = io.MultiWriter(os.Stdout, rotated)
		}
	}
	// log.Logger is goroutine-safe; include timestamps with microseconds and UTC
	return log.New(w, "worker ", log.LstdFlags|log.Lmicroseconds|log.LUTC)
}

// Start launches the worker loops in background goroutines and returns a stop function
func (w *BroadcastWorker) Start(parent context.Context) func() {
	ctx, cancel := context.WithCancel(parent)

	go func() {
		ticker := time.NewTicker(w.cfg.PollInterval)
		defer ticker.Stop()

		w.runSubmitPass(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.runSubmitPass(ctx)
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(w.cfg.RetryInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.runRetryPass(ctx)
			}
		}
	}()

	return cancel
}

// runSubmitPass submits every due scheduled broadcast and dispatches its
// first batch. Broadcasts are processed in parallel; one bad broadcast never
// stalls the rest.
func (w *BroadcastWorker) runSubmitPass(ctx context.Context) {
	due, err := w.broadcastRepo.ListDue(ctx, utils.UTCNow(), 50)
	if err != nil {
		w.logger.Printf("worker: list due broadcasts failed: %v", err)
		return
	}
	if len(due) == 0 {
		return
	}
	w.logger.Printf("worker: %d broadcasts due for submission", len(due))

	for _, b := range due {
		broadcastUUID := b.UUID.String()
		go func() {
			runCtx, cancel := context.WithTimeout(ctx, w.cfg.DispatchTimeout)
			defer cancel()

			result, err := w.flow.SubmitBroadcast(runCtx, &dto.SubmitBroadcastRequest{UUID: broadcastUUID}, nil)
			if err != nil {
				w.logger.Printf("worker: submit broadcast %s failed: %v", broadcastUUID, err)
				return
			}
			w.logger.Printf("worker: broadcast %s submitted, %d recipients", broadcastUUID, result.TotalRecipients)
			if result.TotalRecipients == 0 {
				return
			}

			report, err := w.dispatch.DispatchPending(runCtx, broadcastUUID)
			if err != nil {
				w.logger.Printf("worker: dispatch broadcast %s failed: %v", broadcastUUID, err)
				return
			}
			w.logger.Printf("worker: broadcast %s dispatched: attempted=%d succeeded=%d failed=%d skipped=%d",
				broadcastUUID, report.Attempted, report.Succeeded, report.Failed, report.Skipped)
			middleware.CountDispatched("sent", report.Succeeded)
			middleware.CountDispatched("failed", report.Failed)
			middleware.CountDispatched("skipped", report.Skipped)
		}()
	}
}

// runRetryPass re-enqueues retryable failures of in-flight broadcasts and
// dispatches whatever is pending again.
func (w *BroadcastWorker) runRetryPass(ctx context.Context) {
	sending, err := w.broadcastRepo.ListSending(ctx, 50)
	if err != nil {
		w.logger.Printf("worker: list sending broadcasts failed: %v", err)
		return
	}

	for _, b := range sending {
		broadcastUUID := b.UUID.String()

		runCtx, cancel := context.WithTimeout(ctx, w.cfg.DispatchTimeout)

		retry, err := w.dispatch.RetryEligible(runCtx, broadcastUUID)
		if err != nil {
			w.logger.Printf("worker: retry pass for broadcast %s failed: %v", broadcastUUID, err)
			cancel()
			continue
		}
		if retry.Reenqueued > 0 {
			w.logger.Printf("worker: broadcast %s re-enqueued %d failed recipients", broadcastUUID, retry.Reenqueued)
		}

		report, err := w.dispatch.DispatchPending(runCtx, broadcastUUID)
		if err != nil {
			w.logger.Printf("worker: dispatch broadcast %s failed: %v", broadcastUUID, err)
			cancel()
			continue
		}
		if report.Attempted > 0 || report.Skipped > 0 {
			w.logger.Printf("worker: broadcast %s retry dispatch: attempted=%d succeeded=%d failed=%d skipped=%d",
				broadcastUUID, report.Attempted, report.Succeeded, report.Failed, report.Skipped)
			middleware.CountDispatched("sent", report.Succeeded)
			middleware.CountDispatched("failed", report.Failed)
			middleware.CountDispatched("skipped", report.Skipped)
		}
		cancel()
	}
}
