// Package store adapts the shared MySQL abstraction to the judge
// engine's narrow persistence needs: the Dispatcher's backlog/claim
// queries and the diagnostic HTTP surface's read-only status lookup.
package store

import (
	"context"

	"fuzoj/internal/common/db"
	"fuzoj/internal/judge/dispatcher"
	"fuzoj/internal/judge/httpapi"
	appErr "fuzoj/pkg/errors"
)

// SubmissionStore implements dispatcher.Store and httpapi.Store against
// a shared submission table.
type SubmissionStore struct {
	database db.Database
}

// New constructs a SubmissionStore.
func New(database db.Database) *SubmissionStore {
	return &SubmissionStore{database: database}
}

// ListInQueue implements dispatcher.Store.
func (s *SubmissionStore) ListInQueue(ctx context.Context) ([]string, error) {
	rows, err := s.database.Query(ctx, `SELECT id FROM submission WHERE status = ?`, dispatcher.InQueueStatus)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.DatabaseError)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, appErr.Wrap(err, appErr.DatabaseError)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrap(err, appErr.DatabaseError)
	}
	return ids, nil
}

// GetSubmission implements dispatcher.Store.
func (s *SubmissionStore) GetSubmission(ctx context.Context, id string) (dispatcher.SubmissionRow, error) {
	row := s.database.QueryRow(ctx,
		`SELECT id, task_id, language, code, status FROM submission WHERE id = ?`, id)

	var out dispatcher.SubmissionRow
	if err := row.Scan(&out.ID, &out.TaskID, &out.Language, &out.CompressedCode, &out.Status); err != nil {
		if db.IsNoRows(err) {
			return dispatcher.SubmissionRow{},appErr.New(appErr.SubmissionNotFound).WithDetail("submission_id", id)
		}
		return dispatcher.SubmissionRow{}, appErr.Wrap(err, appErr.DatabaseError)
	}
	return out, nil
}

// ResetForJudging implements dispatcher.Store.
func (s *SubmissionStore) ResetForJudging(ctx context.Context, id string) error {
	_, err := s.database.Exec(ctx,
		`UPDATE submission SET status = ?, score = 0, time = 0, memory = 0, groups = NULL WHERE id = ?`,
		"Pending", id)
	if err != nil {
		return appErr.Wrap(err, appErr.DatabaseError)
	}
	return nil
}

// MarkJudgeError implements dispatcher.Store.
func (s *SubmissionStore) MarkJudgeError(ctx context.Context, id string) error {
	_, err := s.database.Exec(ctx, `UPDATE submission SET status = ? WHERE id = ?`, "Judge Error", id)
	if err != nil {
		return appErr.Wrap(err, appErr.DatabaseError)
	}
	return nil
}

// GetSubmissionStatus implements httpapi.Store.
func (s *SubmissionStore) GetSubmissionStatus(ctx context.Context, id string) (httpapi.SubmissionStatus, error) {
	row := s.database.QueryRow(ctx,
		`SELECT id, status, score, time, memory, COALESCE(groups, '') FROM submission WHERE id = ?`, id)

	var out httpapi.SubmissionStatus
	if err := row.Scan(&out.ID, &out.Status, &out.Score, &out.Time, &out.Memory, &out.Groups); err != nil {
		if db.IsNoRows(err) {
			return httpapi.SubmissionStatus{},appErr.New(appErr.SubmissionNotFound).WithDetail("submission_id", id)
		}
		return httpapi.SubmissionStatus{}, appErr.Wrap(err, appErr.DatabaseError)
	}
	return out, nil
}
