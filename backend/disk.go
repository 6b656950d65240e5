package backend

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/fumin/pshift/circuit"
	"github.com/fumin/pshift/pauli"
)

const (
	tableExpectation = "expectation"
)

// DiskCache memoizes analytic evaluations of another backend in a sqlite database.
// Sampled evaluations always reach the wrapped backend, so that repeated estimates stay independent.
type DiskCache struct {
	Path string
	next Backend

	db *sql.DB
}

// NewDiskCache opens, or creates, the cache at dbPath in front of next.
func NewDiskCache(dbPath string, next Backend) (*DiskCache, error) {
	db, err := newDB(dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return &DiskCache{Path: dbPath, next: next, db: db}, nil
}

func (m *DiskCache) Close() error {
	return m.db.Close()
}

func (m *DiskCache) ExpectationValue(ctx context.Context, c *circuit.Bound, op pauli.Operator, cfg Config) (complex128, error) {
	if cfg.Shots != 0 {
		return m.next.ExpectationValue(ctx, c, op, cfg)
	}

	key := cacheKey(c, op, cfg)
	v, ok, err := m.get(ctx, key)
	if err != nil {
		return 0, errors.Wrap(err, "")
	}
	if ok {
		return v, nil
	}

	v, err = m.next.ExpectationValue(ctx, c, op, cfg)
	if err != nil {
		return 0, err
	}
	// sqlite stores NaN as NULL.
	if math.IsNaN(real(v)) || math.IsNaN(imag(v)) {
		return v, nil
	}
	if err := m.put(ctx, key, v); err != nil {
		return 0, errors.Wrap(err, "")
	}
	return v, nil
}

// Len returns the number of cached evaluations.
func (m *DiskCache) Len() (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sqlStr := fmt.Sprintf("SELECT count(1) FROM %s", tableExpectation)
	var n int
	if err := m.db.QueryRowContext(ctx, sqlStr).Scan(&n); err != nil {
		return -1, errors.Wrap(err, "")
	}
	return n, nil
}

func (m *DiskCache) get(ctx context.Context, key string) (complex128, bool, error) {
	sqlStr := fmt.Sprintf(`SELECT re, im FROM %s WHERE k=?`, tableExpectation)
	var re, im sql.NullFloat64
	err := m.db.QueryRowContext(ctx, sqlStr, key).Scan(&re, &im)
	switch {
	case err == sql.ErrNoRows:
		return 0, false, nil
	case err != nil:
		return 0, false, errors.Wrap(err, key)
	case !re.Valid || !im.Valid:
		return 0, false, nil
	default:
		return complex(re.Float64, im.Float64), true, nil
	}
}

func (m *DiskCache) put(ctx context.Context, key string, v complex128) error {
	sqlStr := fmt.Sprintf(`INSERT OR REPLACE INTO %s (k, re, im) VALUES (?, ?, ?)`, tableExpectation)
	args := []any{key, real(v), imag(v)}
	if _, err := m.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return errors.Wrap(err, fmt.Sprintf("%s %#v", sqlStr, args))
	}
	return nil
}

func cacheKey(c *circuit.Bound, op pauli.Operator, cfg Config) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n%s", c.QASM(), op, cfg.Partition)
	return hex.EncodeToString(h.Sum(nil))
}

func newDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", dbPath))
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)

	if err := prepareDB(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "")
	}

	return db, nil
}

func prepareDB(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sqlStr := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (k TEXT PRIMARY KEY, re REAL, im REAL) STRICT`, tableExpectation)
	if _, err := db.ExecContext(ctx, sqlStr); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}
