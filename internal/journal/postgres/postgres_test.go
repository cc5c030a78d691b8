package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/orchestra/internal/journal"
	"github.com/MrWong99/orchestra/pkg/audio"
)

// ---------------------------------------------------------------------------
// Test helpers: mock DB types
// ---------------------------------------------------------------------------

type mockRows struct {
	data   [][]any
	idx    int
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return nil }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *uuid.UUID:
			*d = v.(uuid.UUID)
		case *int32:
			*d = v.(int32)
		case *int:
			*d = v.(int)
		case *string:
			*d = v.(string)
		case *time.Time:
			*d = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

type mockDB struct {
	execSQL  []string
	execArgs [][]any
	execErr  error

	querySQL  string
	queryArgs []any
	rows      *mockRows

	pingErr error
}

func (m *mockDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.execSQL = append(m.execSQL, sql)
	m.execArgs = append(m.execArgs, args)
	return pgconn.CommandTag{}, m.execErr
}

func (m *mockDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	m.querySQL, m.queryArgs = sql, args
	if m.rows == nil {
		m.rows = &mockRows{}
	}
	return m.rows, nil
}

func (m *mockDB) Ping(context.Context) error { return m.pingErr }

// ---------------------------------------------------------------------------
// Unit tests
// ---------------------------------------------------------------------------

func TestStore_Migrate(t *testing.T) {
	t.Parallel()
	db := &mockDB{}
	if err := New(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	if len(db.execSQL) != 1 || !strings.Contains(db.execSQL[0], "CREATE TABLE IF NOT EXISTS session_journal") {
		t.Errorf("Migrate executed %v, want the schema", db.execSQL)
	}

	db.execErr = errors.New("permission denied")
	if err := New(db).Migrate(context.Background()); err == nil || !strings.Contains(err.Error(), "migrate") {
		t.Errorf("Migrate() error = %v, want wrapped migrate error", err)
	}
}

func TestStore_Record(t *testing.T) {
	t.Parallel()
	db := &mockDB{}
	s := New(db)
	id := uuid.New()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := s.Record(context.Background(), journal.Entry{
		ID: id, SessionID: 3, Direction: audio.DirectionInput, DeviceID: 1,
		Event: journal.KindTransition, From: "created", To: "running",
		SampleRate: 16000, Channels: 1, ChunkFrames: 160, At: at,
	})
	if err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	args := db.execArgs[0]
	if len(args) != 12 {
		t.Fatalf("insert args = %d, want 12", len(args))
	}
	if args[0] != id || args[1] != 3 || args[2] != "input" || args[4] != "transition" {
		t.Errorf("insert args = %v", args)
	}
}

func TestStore_ListBuildsQuery(t *testing.T) {
	t.Parallel()
	id := uuid.New()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	db := &mockDB{rows: &mockRows{data: [][]any{
		{id, int32(2), "output", 0, "failed", "running", "stopped", "usb gone", 48000, 2, 480, at},
	}}}
	s := New(db)

	got, err := s.List(context.Background(), journal.Filter{
		Sessions: []audio.SessionID{2, 5},
		Since:    at.Add(-time.Hour),
		Limit:    10,
	})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if !db.rows.closed {
		t.Error("rows not closed")
	}
	for _, want := range []string{"session_id = ANY($1)", "at >= $2", "LIMIT $3", "ORDER BY at"} {
		if !strings.Contains(db.querySQL, want) {
			t.Errorf("query missing %q:\n%s", want, db.querySQL)
		}
	}
	if len(got) != 1 {
		t.Fatalf("List() returned %d entries, want 1", len(got))
	}
	e := got[0]
	if e.ID != id || e.SessionID != 2 || e.Direction != audio.DirectionOutput || e.Event != journal.KindFailed || e.Error != "usb gone" {
		t.Errorf("entry = %+v", e)
	}
}

func TestStore_ListEmpty(t *testing.T) {
	t.Parallel()
	got, err := New(&mockDB{}).List(context.Background(), journal.Filter{})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("List() = %v, want empty non-nil slice", got)
	}
}

// ---------------------------------------------------------------------------
// Integration tests
// ---------------------------------------------------------------------------

func TestStore_Integration(t *testing.T) {
	dsn := os.Getenv("ORCHESTRA_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ORCHESTRA_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if _, err := s.db.Exec(ctx, "TRUNCATE session_journal"); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := range 4 {
		e := journal.Entry{
			ID: uuid.New(), SessionID: audio.SessionID(i % 2), Direction: audio.DirectionOutput,
			Event: journal.KindOpened, At: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.Record(ctx, e); err != nil {
			t.Fatalf("Record() error: %v", err)
		}
	}

	all, err := s.List(ctx, journal.Filter{})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("List() = %d entries, want 4", len(all))
	}
	newest, err := s.List(ctx, journal.Filter{Sessions: []audio.SessionID{1}, Limit: 1})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(newest) != 1 || !newest[0].At.Equal(base.Add(3*time.Second)) {
		t.Errorf("List(session 1, limit 1) = %+v, want the entry at +3s", newest)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping() error: %v", err)
	}
}
