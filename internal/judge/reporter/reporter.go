// Package reporter bridges a Submission's progress stream to the
// external datastore.
package reporter

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"fuzoj/internal/common/db"
	"fuzoj/internal/judge/submission"
	appErr "fuzoj/pkg/errors"
	"fuzoj/pkg/utils/logger"
)

const scoreEpsilon = 1e-6

// groupsPayload is the JSON shape persisted in the submission's groups
// column: the full ordered sequence of GroupResults observed so far.
type groupsPayload = []submission.GroupResult

// state is the monotone accumulator held per submission: score, time,
// and memory never decrease once observed, and groups only grows.
type state struct {
	mu     sync.Mutex
	score  float64
	timeMS int64
	memory uint64
	groups groupsPayload
}

func (s *state) applyGroupResult(g submission.GroupResult) (score float64, timeMS int64, memory uint64, groups groupsPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.score += g.Score
	for _, run := range g.RunResult {
		ms := int64(run.TimeUsage * 1000)
		if ms > s.timeMS {
			s.timeMS = ms
		}
		if run.MemoryUsage > s.memory {
			s.memory = run.MemoryUsage
		}
	}
	s.groups = append(s.groups, g)

	return s.score, s.timeMS, s.memory, append(groupsPayload(nil), s.groups...)
}

// Reporter consumes one submission's SubmissionMessage stream and
// persists each update transactionally against the database.
type Reporter struct {
	database     db.Database
	submissionID string
	state        state
}

// New creates a Reporter bound to one submission row.
func New(database db.Database, submissionID string) *Reporter {
	return &Reporter{database: database, submissionID: submissionID}
}

// Consume drains messages until a terminal Done status is observed or
// the channel closes, persisting each status/group update along the way.
func (r *Reporter) Consume(ctx context.Context, messages <-chan submission.SubmissionMessage) error {
	for msg := range messages {
		switch msg.Kind {
		case submission.MessageStatus:
			if err := r.applyStatus(ctx, msg.Status); err != nil {
				return err
			}
			if msg.Status.Kind == submission.StatusDone {
				return nil
			}
		case submission.MessageGroupResult:
			if err := r.applyGroupResult(ctx, msg.GroupResult); err != nil {
				return err
			}
		case submission.MessageRunResult:
			// Subsumed by the group update; not persisted individually.
		}
	}
	return nil
}

func (r *Reporter) applyStatus(ctx context.Context, status submission.SubmissionStatus) error {
	_, err := r.database.Exec(ctx,
		`UPDATE submission SET status = ? WHERE id = ?`,
		status.String(), r.submissionID,
	)
	if err != nil {
		logger.Error(ctx, "status update failed", zap.String("submission_id", r.submissionID), zap.Error(err))
		return appErr.Wrap(err, appErr.DatabaseError)
	}
	return nil
}

func (r *Reporter) applyGroupResult(ctx context.Context, g submission.GroupResult) error {
	score, timeMS, memory, groups := r.state.applyGroupResult(g)

	payload, err := json.Marshal(groups)
	if err != nil {
		return appErr.Wrap(err, appErr.GradingParseError)
	}

	truncated := int64(score + scoreEpsilon)

	_, err = r.database.Exec(ctx,
		`UPDATE submission SET groups = ?, score = ?, time = ?, memory = ? WHERE id = ?`,
		string(payload), truncated, timeMS, memory, r.submissionID,
	)
	if err != nil {
		logger.Error(ctx, "group result update failed", zap.String("submission_id", r.submissionID), zap.Error(err))
		return appErr.Wrap(err, appErr.DatabaseError)
	}
	return nil
}
