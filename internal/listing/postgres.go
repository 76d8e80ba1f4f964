package listing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the listings table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS listings (
    id        TEXT PRIMARY KEY,
    title     TEXT NOT NULL,
    address   TEXT NOT NULL DEFAULT '',
    city      TEXT NOT NULL DEFAULT '',
    price     DOUBLE PRECISION NOT NULL DEFAULT 0,
    type      TEXT NOT NULL DEFAULT '',
    status    TEXT NOT NULL DEFAULT '',
    rating    DOUBLE PRECISION NOT NULL DEFAULT 0,
    reviews   INTEGER NOT NULL DEFAULT 0,
    bedrooms  INTEGER NOT NULL DEFAULT 0,
    amenities TEXT[] NOT NULL DEFAULT '{}',
    image     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_listings_city ON listings(city);
`

const listingColumns = `id, title, address, city, price, type, status, rating, reviews, bedrooms, amenities, image`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// PostgresStore is a [Store] backed by PostgreSQL.
type PostgresStore struct {
	db DB
}

// NewPostgresStore creates a store on db. Call [PostgresStore.Migrate] before
// the first query.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPool parses dsn, creates a connection pool and verifies it with a ping.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("listing: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("listing: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("listing: ping: %w", err)
	}
	return pool, nil
}

// Migrate creates the listings table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("listing: migrate: %w", err)
	}
	return nil
}

// Upsert inserts or replaces ls and returns how many rows were written.
func (s *PostgresStore) Upsert(ctx context.Context, ls []Listing) (int, error) {
	const query = `
		INSERT INTO listings (` + listingColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title, address = EXCLUDED.address, city = EXCLUDED.city,
			price = EXCLUDED.price, type = EXCLUDED.type, status = EXCLUDED.status,
			rating = EXCLUDED.rating, reviews = EXCLUDED.reviews, bedrooms = EXCLUDED.bedrooms,
			amenities = EXCLUDED.amenities, image = EXCLUDED.image`

	for i, l := range ls {
		if l.ID == "" {
			return i, fmt.Errorf("listing: upsert: entry %d (%q) has no id", i, l.Title)
		}
		_, err := s.db.Exec(ctx, query,
			l.ID, l.Title, l.Address, l.City, l.Price, l.Type, l.Status,
			l.Rating, l.Reviews, l.Bedrooms, emptySlice(l.Amenities), l.Image,
		)
		if err != nil {
			return i, fmt.Errorf("listing: upsert %q: %w", l.ID, err)
		}
	}
	return len(ls), nil
}

// List implements [Store.List].
func (s *PostgresStore) List(ctx context.Context, f Filter) ([]Listing, error) {
	where, args := filterClause(f)
	query := `SELECT ` + listingColumns + ` FROM listings` + where + ` ORDER BY id`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing: list: %w", err)
	}
	defer rows.Close()

	var out []Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("listing: list scan: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing: list rows: %w", err)
	}
	return out, nil
}

// Get implements [Store.Get].
func (s *PostgresStore) Get(ctx context.Context, id string) (Listing, error) {
	row := s.db.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	l, err := scanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Listing{}, fmt.Errorf("listing: get %q: %w", id, err)
	}
	return l, nil
}

// Cities implements [Store.Cities].
func (s *PostgresStore) Cities(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT DISTINCT city FROM listings WHERE city <> '' ORDER BY city`)
	if err != nil {
		return nil, fmt.Errorf("listing: cities: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("listing: cities scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Ping implements [Store.Ping].
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("listing: ping: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// filterClause renders f as a WHERE clause with positional arguments. The
// semantics match [Filter.Matches].
func filterClause(f Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	next := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if loc := strings.TrimSpace(f.Location); loc != "" {
		p := next("%" + escapeLike(loc) + "%")
		conds = append(conds, "(city ILIKE "+p+" OR address ILIKE "+p+")")
	}
	if f.MaxPrice > 0 {
		conds = append(conds, "price <= "+next(f.MaxPrice))
	}
	if pt := strings.TrimSpace(f.PropertyType); pt != "" {
		conds = append(conds, "type ILIKE "+next("%"+escapeLike(pt)+"%"))
	}
	if f.Bedrooms > 0 {
		conds = append(conds, "bedrooms >= "+next(f.Bedrooms))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// escapeLike escapes the LIKE wildcards so user text matches literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func scanListing(row pgx.Row) (Listing, error) {
	var l Listing
	err := row.Scan(
		&l.ID, &l.Title, &l.Address, &l.City, &l.Price, &l.Type, &l.Status,
		&l.Rating, &l.Reviews, &l.Bedrooms, &l.Amenities, &l.Image,
	)
	return l, err
}

func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
