package reporter

import (
	"context"
	"testing"

	"fuzoj/internal/common/db"
	"fuzoj/internal/judge/submission"
)

// fakeDatabase records every Exec call's query+args; it is the minimum
// db.Database needed to drive a Reporter without a real MySQL instance.
type fakeDatabase struct {
	execs []fakeExec
}

type fakeExec struct {
	query string
	args  []interface{}
}

func (f *fakeDatabase) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	return nil, nil
}
func (f *fakeDatabase) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	return nil
}
func (f *fakeDatabase) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	f.execs = append(f.execs, fakeExec{query: query, args: args})
	return nil, nil
}
func (f *fakeDatabase) Transaction(ctx context.Context, fn func(tx db.Transaction) error) error {
	return fn(nil)
}
func (f *fakeDatabase) BeginTx(ctx context.Context, opts *db.TxOptions) (db.Transaction, error) {
	return nil, nil
}
func (f *fakeDatabase) Prepare(ctx context.Context, query string) (db.Stmt, error) { return nil, nil }
func (f *fakeDatabase) Ping(ctx context.Context) error                             { return nil }
func (f *fakeDatabase) Close() error                                               { return nil }
func (f *fakeDatabase) Stats() db.Stats                                           { return db.Stats{} }
func (f *fakeDatabase) GetDB() interface{}                                        { return nil }

func TestConsumeStatusThenDone(t *testing.T) {
	fake := &fakeDatabase{}
	r := New(fake, "sub-1")

	messages := make(chan submission.SubmissionMessage, 4)
	messages <- submission.SubmissionMessage{Kind: submission.MessageStatus, Status: submission.SubmissionStatus{Kind: submission.StatusCompiling}}
	messages <- submission.SubmissionMessage{Kind: submission.MessageStatus, Status: submission.SubmissionStatus{Kind: submission.StatusDone}}
	close(messages)

	if err := r.Consume(context.Background(), messages); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if len(fake.execs) != 2 {
		t.Fatalf("execs = %d, want 2", len(fake.execs))
	}
	if fake.execs[1].args[0] != "Completed" {
		t.Fatalf("final status arg = %v, want Completed", fake.execs[1].args[0])
	}
}

func TestConsumeGroupResultAccumulatesMonotonically(t *testing.T) {
	fake := &fakeDatabase{}
	r := New(fake, "sub-1")

	messages := make(chan submission.SubmissionMessage, 4)
	messages <- submission.SubmissionMessage{Kind: submission.MessageGroupResult, GroupResult: submission.GroupResult{
		Score: 40, FullScore: 50, GroupIndex: 1,
		RunResult: []submission.RunResult{{TimeUsage: 0.5, MemoryUsage: 1024}},
	}}
	messages <- submission.SubmissionMessage{Kind: submission.MessageGroupResult, GroupResult: submission.GroupResult{
		Score: 30, FullScore: 50, GroupIndex: 2,
		RunResult: []submission.RunResult{{TimeUsage: 0.2, MemoryUsage: 2048}},
	}}
	close(messages)

	if err := r.Consume(context.Background(), messages); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if len(fake.execs) != 2 {
		t.Fatalf("execs = %d, want 2", len(fake.execs))
	}

	// Second update's score (70) must reflect the accumulated total, and
	// memory/time must reflect the running max, not the latest group.
	secondArgs := fake.execs[1].args
	score := secondArgs[1].(int64)
	timeMS := secondArgs[2].(int64)
	memory := secondArgs[3].(uint64)
	if score != 70 {
		t.Fatalf("accumulated score = %d, want 70", score)
	}
	if timeMS != 500 {
		t.Fatalf("max time = %d, want 500", timeMS)
	}
	if memory != 2048 {
		t.Fatalf("max memory = %d, want 2048", memory)
	}
}

func TestConsumeReturnsOnChannelClose(t *testing.T) {
	fake := &fakeDatabase{}
	r := New(fake, "sub-1")

	messages := make(chan submission.SubmissionMessage)
	close(messages)

	if err := r.Consume(context.Background(), messages); err != nil {
		t.Fatalf("Consume on empty closed channel: %v", err)
	}
}
