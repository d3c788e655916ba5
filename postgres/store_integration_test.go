package postgres_test

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/quillstone/relay/core/event"
	"github.com/quillstone/relay/core/integrity"
	"github.com/quillstone/relay/core/workunit"
	"github.com/quillstone/relay/errs"
	pgstore "github.com/quillstone/relay/postgres"
	"github.com/quillstone/relay/postgres/migrations"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "relay"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres store tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/relay?sslmode=disable", host, port.Port())

	if err := migrations.Apply(ctx, dsn); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func requirePostgres(t *testing.T) *pgstore.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres store tests need docker")
	}
	if setupErr != nil {
		t.Skipf("postgres store setup unavailable: %v", setupErr)
	}
	return pgstore.New(testPool, 30*time.Second)
}

func storePayload(t *testing.T) event.Payload {
	t.Helper()
	payload, err := event.PayloadFromBody(map[string]any{
		"id":          uuid.NewString(),
		"occurred_on": time.Now().UTC().Format(time.RFC3339Nano),
		"_subject":    "invoice-settled",
		"total":       float64(125),
	})
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	return payload
}

func TestScheduleEntryLifecycle(t *testing.T) {
	store := requirePostgres(t)
	ctx := context.Background()
	payload := storePayload(t)

	if err := store.AddClaimedEntry(ctx, payload, nil); err != nil {
		t.Fatalf("AddClaimedEntry: %v", err)
	}
	// second insert with the same id is a no-op
	if err := store.AddClaimedEntry(ctx, payload, nil); err != nil {
		t.Fatalf("duplicate AddClaimedEntry: %v", err)
	}

	claimed, err := store.IsEntryClaimed(ctx, payload.ID)
	if err != nil || !claimed {
		t.Fatalf("fresh entry must be claimed, got %v %v", claimed, err)
	}
	closed, err := store.IsEntryClosed(ctx, payload.ID)
	if err != nil || closed {
		t.Fatalf("fresh entry must be open, got %v %v", closed, err)
	}

	if err := store.CloseEntry(ctx, payload.ID); err != nil {
		t.Fatalf("CloseEntry: %v", err)
	}
	if err := store.CloseEntry(ctx, payload.ID); err != nil {
		t.Fatalf("CloseEntry must be idempotent: %v", err)
	}
	closed, err = store.IsEntryClosed(ctx, payload.ID)
	if err != nil || !closed {
		t.Fatalf("entry must be closed, got %v %v", closed, err)
	}
}

func TestScheduleRecoveryQueries(t *testing.T) {
	// A store with a zero-length lease makes every open entry immediately
	// recoverable, which keeps the test free of sleeps.
	if testing.Short() {
		t.Skip("postgres store tests need docker")
	}
	if setupErr != nil {
		t.Skipf("postgres store setup unavailable: %v", setupErr)
	}
	store := pgstore.New(testPool, 0)
	ctx := context.Background()

	open := storePayload(t)
	held := storePayload(t)
	done := storePayload(t)

	if err := store.AddClaimedEntry(ctx, open, nil); err != nil {
		t.Fatalf("AddClaimedEntry: %v", err)
	}
	future := time.Now().UTC().Add(time.Hour)
	if err := store.AddClaimedEntry(ctx, held, &future); err != nil {
		t.Fatalf("AddClaimedEntry: %v", err)
	}
	if err := store.AddClaimedEntry(ctx, done, nil); err != nil {
		t.Fatalf("AddClaimedEntry: %v", err)
	}
	if err := store.CloseEntry(ctx, done.ID); err != nil {
		t.Fatalf("CloseEntry: %v", err)
	}

	due, err := store.OpenUnclaimedEntriesDueNow(ctx)
	if err != nil {
		t.Fatalf("OpenUnclaimedEntriesDueNow: %v", err)
	}
	ids := make(map[uuid.UUID]bool, len(due))
	for _, payload := range due {
		ids[payload.ID] = true
	}
	if !ids[open.ID] {
		t.Fatal("open due entry missing from recovery set")
	}
	if ids[held.ID] {
		t.Fatal("entry with a future due_after must not be recovered")
	}
	if ids[done.ID] {
		t.Fatal("closed entry must not be recovered")
	}
}

func TestRecoveredPayloadRoundTrips(t *testing.T) {
	if testing.Short() {
		t.Skip("postgres store tests need docker")
	}
	if setupErr != nil {
		t.Skipf("postgres store setup unavailable: %v", setupErr)
	}
	store := pgstore.New(testPool, 0)
	ctx := context.Background()

	payload := storePayload(t)
	if err := store.AddClaimedEntry(ctx, payload, nil); err != nil {
		t.Fatalf("AddClaimedEntry: %v", err)
	}
	due, err := store.OpenUnclaimedEntriesDueNow(ctx)
	if err != nil {
		t.Fatalf("OpenUnclaimedEntriesDueNow: %v", err)
	}
	for _, got := range due {
		if got.ID != payload.ID {
			continue
		}
		if got.Subject != payload.Subject {
			t.Fatalf("subject lost in round trip: %q", got.Subject)
		}
		if got.Body()["total"] != float64(125) {
			t.Fatalf("body field lost in round trip: %v", got.Body())
		}
		return
	}
	t.Fatal("stored entry missing from recovery set")
}

func TestCompletionLogIsExclusive(t *testing.T) {
	store := requirePostgres(t)
	ctx := context.Background()
	payload := storePayload(t)

	forbidden, err := store.IsDispatchForbidden(ctx, payload.ID)
	if err != nil || forbidden {
		t.Fatalf("fresh event must be dispatchable, got %v %v", forbidden, err)
	}
	if err := store.RecordCompletion(ctx, payload, integrity.ExactlyOnce); err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}
	forbidden, err = store.IsDispatchForbidden(ctx, payload.ID)
	if err != nil || !forbidden {
		t.Fatalf("completed event must be forbidden, got %v %v", forbidden, err)
	}

	err = store.RecordCompletion(ctx, payload, integrity.ExactlyOnce)
	if !errs.HasCode(err, errs.CodeDuplicateCompletion) {
		t.Fatalf("expected duplicate_completion, got %v", err)
	}
}

func TestDispatchAttemptsAccumulate(t *testing.T) {
	store := requirePostgres(t)
	ctx := context.Background()
	payload := storePayload(t)

	for i := 0; i < 3; i++ {
		if err := store.RecordDispatchAttempt(ctx, payload); err != nil {
			t.Fatalf("RecordDispatchAttempt: %v", err)
		}
	}
	attempts, err := store.DispatchAttempts(ctx, payload.ID)
	if err != nil {
		t.Fatalf("DispatchAttempts: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestWorkUnitCommitAndRollback(t *testing.T) {
	store := requirePostgres(t)
	ctx := context.Background()

	committed := storePayload(t)
	ok, err := store.InWorkUnit(ctx, func(ctx context.Context) error {
		return store.AddClaimedEntry(ctx, committed, nil)
	})
	if err != nil || !ok {
		t.Fatalf("commit: ok=%v err=%v", ok, err)
	}
	if claimed, _ := store.IsEntryClaimed(ctx, committed.ID); !claimed {
		t.Fatal("committed entry must persist")
	}

	rolledBack := storePayload(t)
	ok, err = store.InWorkUnit(ctx, func(ctx context.Context) error {
		if err := store.AddClaimedEntry(ctx, rolledBack, nil); err != nil {
			return err
		}
		// visible inside the transaction
		if claimed, err := store.IsEntryClaimed(ctx, rolledBack.ID); err != nil || !claimed {
			return fmt.Errorf("entry invisible inside its own transaction: %v %v", claimed, err)
		}
		return workunit.Rollback()
	})
	if err != nil {
		t.Fatalf("rollback must be swallowed: %v", err)
	}
	if ok {
		t.Fatal("rolled back unit must not commit")
	}
	if claimed, _ := store.IsEntryClaimed(ctx, rolledBack.ID); claimed {
		t.Fatal("rolled back entry must not persist")
	}
}

func TestWorkUnitSpansScheduleAndGuard(t *testing.T) {
	store := requirePostgres(t)
	ctx := context.Background()
	payload := storePayload(t)

	ok, err := store.InWorkUnit(ctx, func(ctx context.Context) error {
		if err := store.RecordCompletion(ctx, payload, integrity.AtLeastOnce); err != nil {
			return err
		}
		return workunit.Rollback()
	})
	if err != nil || ok {
		t.Fatalf("rollback: ok=%v err=%v", ok, err)
	}
	if forbidden, _ := store.IsDispatchForbidden(ctx, payload.ID); forbidden {
		t.Fatal("rolled back completion must not persist")
	}
}

func TestNestedWorkUnitJoinsOuterTransaction(t *testing.T) {
	store := requirePostgres(t)
	ctx := context.Background()
	payload := storePayload(t)

	ok, err := store.InWorkUnit(ctx, func(ctx context.Context) error {
		inner, err := store.InWorkUnit(ctx, func(ctx context.Context) error {
			return store.AddClaimedEntry(ctx, payload, nil)
		})
		if err != nil {
			return err
		}
		if !inner {
			return fmt.Errorf("nested unit must report success")
		}
		return workunit.Rollback()
	})
	if err != nil || ok {
		t.Fatalf("outer rollback: ok=%v err=%v", ok, err)
	}
	if claimed, _ := store.IsEntryClaimed(ctx, payload.ID); claimed {
		t.Fatal("outer rollback must discard nested writes")
	}
}
