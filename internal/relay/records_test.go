package relay

import (
	"context"
	"errors"
	"testing"
	"time"
)

func openTestRepo(t *testing.T) CallRecordRepository {
	t.Helper()
	repo, db, err := OpenRecordRepository(":memory:")
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return repo
}

func TestCallRecordLifecycle(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	started := time.Now().UTC().Truncate(time.Second)

	err := repo.Create(ctx, &CallRecord{
		ID: "call-1", Caller: "alice", Callee: "bob", Kind: "voice", StartedAt: started,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	record, err := repo.GetByID(ctx, "call-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if record.Outcome != OutcomeRinging {
		t.Errorf("initial outcome = %s, want %s", record.Outcome, OutcomeRinging)
	}
	if record.AnsweredAt != nil || record.EndedAt != nil {
		t.Error("fresh record must have no answered/ended timestamps")
	}

	answered := started.Add(5 * time.Second)
	if err := repo.MarkAnswered(ctx, "call-1", answered); err != nil {
		t.Fatalf("MarkAnswered: %v", err)
	}
	ended := started.Add(65 * time.Second)
	if err := repo.MarkEnded(ctx, "call-1", OutcomeEnded, ended); err != nil {
		t.Fatalf("MarkEnded: %v", err)
	}

	record, _ = repo.GetByID(ctx, "call-1")
	if record.Outcome != OutcomeEnded {
		t.Errorf("outcome = %s, want %s", record.Outcome, OutcomeEnded)
	}
	if record.AnsweredAt == nil || record.EndedAt == nil {
		t.Fatal("answered/ended timestamps missing")
	}
}

func TestCallRecordCreateIsIdempotent(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	record := &CallRecord{ID: "call-1", Caller: "alice", Callee: "bob", Kind: "voice", StartedAt: time.Now()}
	if err := repo.Create(ctx, record); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// A re-delivered offer must not reset the row.
	if err := repo.MarkAnswered(ctx, "call-1", time.Now()); err != nil {
		t.Fatalf("MarkAnswered: %v", err)
	}
	if err := repo.Create(ctx, record); err != nil {
		t.Fatalf("duplicate Create: %v", err)
	}

	got, _ := repo.GetByID(ctx, "call-1")
	if got.Outcome != OutcomeAnswered {
		t.Errorf("outcome after duplicate create = %s, want %s", got.Outcome, OutcomeAnswered)
	}
}

func TestCallRecordMissedCall(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	_ = repo.Create(ctx, &CallRecord{ID: "call-1", Caller: "alice", Callee: "bob", Kind: "voice", StartedAt: time.Now()})
	if err := repo.MarkEnded(ctx, "call-1", OutcomeMissed, time.Now()); err != nil {
		t.Fatalf("MarkEnded: %v", err)
	}

	got, _ := repo.GetByID(ctx, "call-1")
	if got.Outcome != OutcomeMissed {
		t.Errorf("outcome = %s, want %s", got.Outcome, OutcomeMissed)
	}
	if got.AnsweredAt != nil {
		t.Error("missed call must not carry an answered timestamp")
	}
}

func TestCallRecordNotFound(t *testing.T) {
	repo := openTestRepo(t)
	if _, err := repo.GetByID(context.Background(), "missing"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("GetByID = %v, want %v", err, ErrRecordNotFound)
	}
}

func TestListByUserCoversBothDirections(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	_ = repo.Create(ctx, &CallRecord{ID: "out", Caller: "alice", Callee: "bob", Kind: "voice", StartedAt: base})
	_ = repo.Create(ctx, &CallRecord{ID: "in", Caller: "carol", Callee: "alice", Kind: "video", StartedAt: base.Add(time.Minute)})
	_ = repo.Create(ctx, &CallRecord{ID: "other", Caller: "carol", Callee: "bob", Kind: "voice", StartedAt: base.Add(2 * time.Minute)})

	records, err := repo.ListByUser(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records for alice = %d, want 2", len(records))
	}
	// Newest first.
	if records[0].ID != "in" || records[1].ID != "out" {
		t.Errorf("order = %s, %s; want in, out", records[0].ID, records[1].ID)
	}
}
