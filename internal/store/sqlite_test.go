package store

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/me/clusterui/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(":memory:", testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// stores returns every implementation so behavior is checked against both.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	return map[string]Store{
		"sqlite": testStore(t),
		"memory": NewMemoryStore(),
	}
}

func sampleSession(id, requestID string) *model.SessionDescriptor {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.SessionDescriptor{
		ID:        id,
		RequestID: requestID,
		Request: model.SessionRequest{
			Profile:   model.ResourceProfile{Name: "small", CPUs: 2, MemoryMB: 4096},
			Transport: model.TransportTerminal,
			TimeLimit: time.Hour,
		},
		State:     model.SessionStateSubmitted,
		CreatedAt: now,
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v, err := schemaVersion(ctx, st.db)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != len(migrations) {
		t.Errorf("schema version = %d, want %d", v, len(migrations))
	}
}

func TestMigrate_RejectsNewerSchema(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if _, err := st.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", len(migrations)+1)); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	if err := st.Migrate(ctx); err == nil {
		t.Fatal("expected error migrating a newer schema")
	}
}

func TestSession_PutGet(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d := sampleSession("ses_1", "123.0")
			if err := st.PutSession(ctx, d); err != nil {
				t.Fatalf("put: %v", err)
			}

			got, err := st.GetSession(ctx, "ses_1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got == nil {
				t.Fatal("expected session, got nil")
			}
			if got.RequestID != "123.0" || got.State != model.SessionStateSubmitted {
				t.Errorf("got %+v", got)
			}
			if got.Request.Profile.MemoryMB != 4096 || got.Request.TimeLimit != time.Hour {
				t.Errorf("request not preserved: %+v", got.Request)
			}
			if !got.CreatedAt.Equal(d.CreatedAt) {
				t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, d.CreatedAt)
			}
			if got.RunningSince != nil || got.ClosedAt != nil {
				t.Errorf("unset times should stay nil")
			}
		})
	}
}

func TestSession_Update(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d := sampleSession("ses_1", "123.0")
			st.PutSession(ctx, d)

			now := time.Now().UTC().Truncate(time.Millisecond)
			d.State = model.SessionStateRunning
			d.ExecutionEndpoint = model.Endpoint{Address: "node7:5901", Slot: "slot1@node7"}
			d.RunningSince = &now
			d.Preemptions = 1
			d.QueryFailures = 2
			if err := st.PutSession(ctx, d); err != nil {
				t.Fatalf("update: %v", err)
			}

			got, _ := st.GetSession(ctx, "ses_1")
			if got.State != model.SessionStateRunning {
				t.Errorf("State = %s", got.State)
			}
			if got.ExecutionEndpoint.Address != "node7:5901" || got.ExecutionEndpoint.Slot != "slot1@node7" {
				t.Errorf("endpoint = %+v", got.ExecutionEndpoint)
			}
			if got.RunningSince == nil || !got.RunningSince.Equal(now) {
				t.Errorf("RunningSince = %v, want %v", got.RunningSince, now)
			}
			if got.Preemptions != 1 || got.QueryFailures != 2 {
				t.Errorf("counters = %d/%d", got.Preemptions, got.QueryFailures)
			}
		})
	}
}

func TestSession_NotFound(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			got, err := st.GetSession(ctx, "ses_missing")
			if err != nil || got != nil {
				t.Errorf("GetSession = %v, %v; want nil, nil", got, err)
			}
			got, err = st.GetSessionByRequestID(ctx, "999.0")
			if err != nil || got != nil {
				t.Errorf("GetSessionByRequestID = %v, %v; want nil, nil", got, err)
			}
			got, err = st.GetSessionByRequestID(ctx, "")
			if err != nil || got != nil {
				t.Errorf("empty request id should match nothing")
			}
		})
	}
}

func TestSession_ByRequestIDListDelete(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := sampleSession("ses_a", "10.0")
			b := sampleSession("ses_b", "11.0")
			b.CreatedAt = a.CreatedAt.Add(time.Second)
			st.PutSession(ctx, a)
			st.PutSession(ctx, b)

			got, err := st.GetSessionByRequestID(ctx, "11.0")
			if err != nil || got == nil || got.ID != "ses_b" {
				t.Fatalf("by request id = %v, %v", got, err)
			}

			list, err := st.ListSessions(ctx)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(list) != 2 || list[0].ID != "ses_a" || list[1].ID != "ses_b" {
				t.Fatalf("list order wrong: %v", list)
			}

			if err := st.DeleteSession(ctx, "ses_a"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			list, _ = st.ListSessions(ctx)
			if len(list) != 1 {
				t.Errorf("len after delete = %d, want 1", len(list))
			}
		})
	}
}

func TestObligations_SequenceAndIdempotence(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first, err := st.AddObligation(ctx, "123.0", "ses_1", "node1-4242-abcd1234")
			if err != nil {
				t.Fatalf("add: %v", err)
			}
			second, _ := st.AddObligation(ctx, "124.0", "ses_2", "")
			if second.Seq <= first.Seq {
				t.Errorf("seq not monotonic: %d then %d", first.Seq, second.Seq)
			}

			again, err := st.AddObligation(ctx, "123.0", "ses_other", "")
			if err != nil {
				t.Fatalf("re-add: %v", err)
			}
			if again.Seq != first.Seq || again.SessionID != "ses_1" || again.Owner != "node1-4242-abcd1234" {
				t.Errorf("re-add returned %+v, want original %+v", again, first)
			}

			list, _ := st.ListObligations(ctx)
			if len(list) != 2 || list[0].RequestID != "123.0" || list[1].RequestID != "124.0" {
				t.Fatalf("list = %v", list)
			}
			if list[0].Owner != "node1-4242-abcd1234" || list[1].Owner != "" {
				t.Errorf("owners = %q, %q", list[0].Owner, list[1].Owner)
			}

			if err := st.ClearObligation(ctx, "123.0"); err != nil {
				t.Fatalf("clear: %v", err)
			}
			if err := st.ClearObligation(ctx, "123.0"); err != nil {
				t.Fatalf("clearing twice should be harmless: %v", err)
			}
			list, _ = st.ListObligations(ctx)
			if len(list) != 1 || list[0].RequestID != "124.0" {
				t.Errorf("after clear = %v", list)
			}

			third, _ := st.AddObligation(ctx, "125.0", "", "")
			if third.Seq <= second.Seq {
				t.Errorf("seq reused after clear: %d <= %d", third.Seq, second.Seq)
			}
		})
	}
}

func TestObligations_SurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	st, err := NewSQLiteStore(path, testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := st.AddObligation(ctx, "123.0", "ses_1", ""); err != nil {
		t.Fatalf("add: %v", err)
	}
	st.Close()

	reopened, err := NewSQLiteStore(path, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if err := reopened.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	list, err := reopened.ListObligations(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].RequestID != "123.0" {
		t.Errorf("obligations after reopen = %v", list)
	}
}

func TestConcurrentAccess(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					rid := fmt.Sprintf("%d.0", 100+i)
					d := sampleSession(fmt.Sprintf("ses_%d", i), rid)
					if err := st.PutSession(ctx, d); err != nil {
						t.Errorf("put: %v", err)
					}
					if _, err := st.AddObligation(ctx, rid, d.ID, ""); err != nil {
						t.Errorf("add: %v", err)
					}
					if _, err := st.ListObligations(ctx); err != nil {
						t.Errorf("list: %v", err)
					}
				}(i)
			}
			wg.Wait()

			list, _ := st.ListObligations(ctx)
			if len(list) != 8 {
				t.Errorf("obligations = %d, want 8", len(list))
			}
		})
	}
}
