package listing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ---------------------------------------------------------------------------
// Test helpers: mock DB types
// ---------------------------------------------------------------------------

type mockRow struct {
	values []any
	err    error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(r.values, dest)
}

type mockRows struct {
	data [][]any
	idx  int
	err  error
}

func (r *mockRows) Close()                                       {}
func (r *mockRows) Err() error                                   { return r.err }
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

func (r *mockRows) Scan(dest ...any) error { return assign(r.data[r.idx-1], dest) }

func assign(row []any, dest []any) error {
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *float64:
			*d = v.(float64)
		case *int:
			*d = v.(int)
		case *[]string:
			*d = v.([]string)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

type mockDB struct {
	queries []string
	args    [][]any

	row     *mockRow
	rows    *mockRows
	execErr error
	pingErr error
}

func (m *mockDB) record(sql string, args []any) {
	m.queries = append(m.queries, sql)
	m.args = append(m.args, args)
}

func (m *mockDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	m.record(sql, args)
	return m.row
}

func (m *mockDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	m.record(sql, args)
	return m.rows, nil
}

func (m *mockDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.record(sql, args)
	return pgconn.CommandTag{}, m.execErr
}

func (m *mockDB) Ping(context.Context) error { return m.pingErr }

func canalHouseRow() []any {
	return []any{
		"102", "Historic Canal House", "Graslei 8, 9000 Gent", "Ghent", 180.0, "House", "Active",
		4.95, 89, 3, []string{"Waterfront", "Wifi"}, "",
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestFilterClause(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		filter    Filter
		wantWhere string
		wantArgs  []any
	}{
		{name: "empty", filter: Filter{}, wantWhere: "", wantArgs: nil},
		{
			name:      "location and price",
			filter:    Filter{Location: "Ghent", MaxPrice: 200},
			wantWhere: " WHERE (city ILIKE $1 OR address ILIKE $1) AND price <= $2",
			wantArgs:  []any{"%Ghent%", 200.0},
		},
		{
			name:      "type and bedrooms",
			filter:    Filter{PropertyType: "villa", Bedrooms: 3},
			wantWhere: " WHERE type ILIKE $1 AND bedrooms >= $2",
			wantArgs:  []any{"%villa%", 3},
		},
		{
			name:      "wildcards escaped",
			filter:    Filter{Location: "50%_off"},
			wantWhere: " WHERE (city ILIKE $1 OR address ILIKE $1)",
			wantArgs:  []any{`%50\%\_off%`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			where, args := filterClause(tt.filter)
			if where != tt.wantWhere {
				t.Errorf("where = %q, want %q", where, tt.wantWhere)
			}
			if fmt.Sprint(args) != fmt.Sprint(tt.wantArgs) {
				t.Errorf("args = %v, want %v", args, tt.wantArgs)
			}
		})
	}
}

func TestPostgresStore_List(t *testing.T) {
	t.Parallel()

	db := &mockDB{rows: &mockRows{data: [][]any{canalHouseRow()}}}
	s := NewPostgresStore(db)

	got, err := s.List(context.Background(), Filter{Location: "Ghent", MaxPrice: 200})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].ID != "102" || got[0].Bedrooms != 3 || len(got[0].Amenities) != 2 {
		t.Errorf("got %+v", got)
	}
	if !strings.Contains(db.queries[0], "ORDER BY id") || !strings.Contains(db.queries[0], "ILIKE $1") {
		t.Errorf("query = %q", db.queries[0])
	}
}

func TestPostgresStore_Get(t *testing.T) {
	t.Parallel()

	s := NewPostgresStore(&mockDB{row: &mockRow{values: canalHouseRow()}})
	l, err := s.Get(context.Background(), "102")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if l.Title != "Historic Canal House" {
		t.Errorf("Title = %q", l.Title)
	}

	s = NewPostgresStore(&mockDB{row: &mockRow{err: pgx.ErrNoRows}})
	if _, err := s.Get(context.Background(), "999"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestPostgresStore_Cities(t *testing.T) {
	t.Parallel()

	db := &mockDB{rows: &mockRows{data: [][]any{{"Bruges"}, {"Ghent"}}}}
	cities, err := NewPostgresStore(db).Cities(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(cities) != "[Bruges Ghent]" {
		t.Errorf("cities = %v", cities)
	}
}

func TestPostgresStore_UpsertAndMigrate(t *testing.T) {
	t.Parallel()

	db := &mockDB{}
	s := NewPostgresStore(db)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	n, err := s.Upsert(context.Background(), []Listing{{ID: "1", Title: "a"}, {ID: "2", Title: "b"}})
	if err != nil || n != 2 {
		t.Fatalf("Upsert = (%d, %v)", n, err)
	}
	if len(db.queries) != 3 || !strings.Contains(db.queries[1], "ON CONFLICT (id)") {
		t.Errorf("queries = %v", db.queries)
	}
	// Nil amenities become an empty array for the NOT NULL column.
	if am, ok := db.args[1][10].([]string); !ok || am == nil {
		t.Errorf("amenities arg = %#v", db.args[1][10])
	}

	if _, err := s.Upsert(context.Background(), []Listing{{Title: "no id"}}); err == nil {
		t.Error("expected error for missing id")
	}

	db.execErr = errors.New("boom")
	if err := s.Migrate(context.Background()); err == nil {
		t.Error("expected migrate error")
	}
}

func TestPostgresStore_Ping(t *testing.T) {
	t.Parallel()

	s := NewPostgresStore(&mockDB{pingErr: errors.New("refused")})
	if err := s.Ping(context.Background()); err == nil {
		t.Fatal("expected ping error")
	}
}
