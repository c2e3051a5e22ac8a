// Package dispatcher owns the top-level event loop: backlog drain,
// notification subscription, and per-submission fan-out.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strconv"

	"github.com/klauspost/compress/brotli"
	"go.uber.org/zap"

	"fuzoj/internal/common/mq"
	"fuzoj/internal/judge/reporter"
	"fuzoj/internal/judge/submission"
	appErr "fuzoj/pkg/errors"
	"fuzoj/pkg/utils/logger"
)

// InQueueStatus is the sentinel status a submission holds while queued
// for judging and not yet claimed by any worker.
const InQueueStatus = "in_queue"

// SubmissionRow is the subset of a submission row the Dispatcher needs
// to decide whether, and how, to judge it.
type SubmissionRow struct {
	ID             string
	TaskID         string
	Language       string
	CompressedCode []byte
	Status         string
}

// Store is the database-facing seam the Dispatcher needs: listing the
// backlog, re-reading one row before claiming it, and resetting a row
// to "Pending" before the pipeline starts.
type Store interface {
	ListInQueue(ctx context.Context) ([]string, error)
	GetSubmission(ctx context.Context, id string) (SubmissionRow, error)
	ResetForJudging(ctx context.Context, id string) error
	MarkJudgeError(ctx context.Context, id string) error
}

// NewReporterFunc binds a fresh Reporter to one submission ID.
type NewReporterFunc func(submissionID string) *reporter.Reporter

// Dispatcher drains the backlog, subscribes to new-submission
// notifications, and fans each submission ID out to an independent
// judging task, bounded by a TokenLimiter.
type Dispatcher struct {
	store       Store
	queue       mq.Consumer
	topic       string
	subCfg      submission.Config
	limiter     *mq.TokenLimiter
	newReporter NewReporterFunc
}

// New constructs a Dispatcher.
func New(store Store, queue mq.Consumer, topic string, subCfg submission.Config, limiter *mq.TokenLimiter, newReporter NewReporterFunc) *Dispatcher {
	return &Dispatcher{
		store:       store,
		queue:       queue,
		topic:       topic,
		subCfg:      subCfg,
		limiter:     limiter,
		newReporter: newReporter,
	}
}

// Run drains the backlog then blocks subscribing to new-submission
// notifications, fanning each one out to an independent judging task.
// It returns when the subscription terminates so an external supervisor
// can restart the process, per the top-level supervision contract.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.drainBacklog(ctx); err != nil {
		return err
	}

	if err := d.queue.Subscribe(ctx, d.topic, func(ctx context.Context, message *mq.Message) error {
		id := string(message.Body)
		d.spawn(ctx, id)
		return nil
	}); err != nil {
		return err
	}
	if err := d.queue.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (d *Dispatcher) drainBacklog(ctx context.Context) error {
	ids, err := d.store.ListInQueue(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		d.spawn(ctx, id)
	}
	return nil
}

// spawn starts an independent judging task for one submission ID. Each
// submission is fully isolated: no cross-submission coordination, so
// disjoint in-flight submissions never share state beyond the store and
// queue handles.
func (d *Dispatcher) spawn(ctx context.Context, rawID string) {
	go func() {
		if d.limiter != nil {
			if err := d.limiter.Acquire(ctx); err != nil {
				logger.Warn(ctx, "dispatcher limiter acquire failed", zap.String("submission_id", rawID), zap.Error(err))
				return
			}
			defer d.limiter.Release()
		}
		if err := d.judge(ctx, rawID); err != nil {
			// AlreadyJudged is a silent no-op, not a failure: the
			// submission's status moved on before we claimed it.
			if appErr.Is(err, appErr.SubmissionAlreadyJudged) {
				return
			}
			logger.Error(ctx, "judge pipeline failed", zap.String("submission_id", rawID), zap.Error(err))
			if markErr := d.store.MarkJudgeError(ctx, rawID); markErr != nil {
				logger.Error(ctx, "best-effort judge error write failed", zap.String("submission_id", rawID), zap.Error(markErr))
			}
		}
	}()
}

func (d *Dispatcher) judge(ctx context.Context, rawID string) error {
	if _, err := strconv.ParseInt(rawID, 10, 64); err != nil {
		return appErr.Wrap(err, appErr.InvalidSubmissionID)
	}

	row, err := d.store.GetSubmission(ctx, rawID)
	if err != nil {
		return err
	}
	if row.Status != InQueueStatus {
		return appErr.New(appErr.SubmissionAlreadyJudged).WithDetail("submission_id", rawID)
	}

	code, err := decodeCode(row.CompressedCode)
	if err != nil {
		return err
	}

	if err := d.store.ResetForJudging(ctx, rawID); err != nil {
		return err
	}

	messages := make(chan submission.SubmissionMessage, 16)
	done := make(chan struct{})
	sink := submission.NewChanSink(messages, done)

	sub, err := submission.Intake(ctx, d.subCfg, row.TaskID, rawID, row.Language, code, sink)
	if err != nil {
		close(messages)
		return err
	}
	defer sub.Close(ctx)

	rep := d.newReporter(rawID)

	// done unblocks the sink the moment the reporter stops consuming
	// (success or error), so a submission blocked mid-send against an
	// abandoned consumer never hangs the pipeline.
	errCh := make(chan error, 1)
	go func() {
		errCh <- rep.Consume(ctx, messages)
		close(done)
	}()

	if _, err := sub.Compile(ctx); err != nil {
		close(messages)
		<-errCh
		return err
	}
	if _, err := sub.Run(ctx); err != nil {
		close(messages)
		<-errCh
		return err
	}

	close(messages)
	return <-errCh
}

// decodeCode Brotli-decompresses a submission's code column and parses
// it as a JSON array of source strings.
func decodeCode(blob []byte) ([]string, error) {
	decompressed, err := io.ReadAll(brotli.NewReader(bytes.NewReader(blob)))
	if err != nil {
		return nil, appErr.Wrap(err, appErr.GradingParseError)
	}
	var code []string
	if err := json.Unmarshal(decompressed, &code); err != nil {
		return nil, appErr.New(appErr.InvalidCodeBlob).WithDetail("error", err.Error())
	}
	return code, nil
}
