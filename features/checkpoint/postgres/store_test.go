package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"goa.design/parley/runtime/interaction/checkpoint/checkpointtest"
)

func TestStoreContract(t *testing.T) {
	checkpointtest.Run(t, &Store{db: newFakeDB()})
}

func TestEnsureSchema(t *testing.T) {
	db := newFakeDB()
	s := &Store{db: db}
	require.NoError(t, s.EnsureSchema(context.Background()))
	require.True(t, db.schema)
}

func TestSaveWrapsErrors(t *testing.T) {
	db := newFakeDB()
	db.execErr = errors.New("connection refused")
	s := &Store{db: db}
	err := s.Save(context.Background(), checkpointtest.Sample("sim", "cp"))
	require.ErrorIs(t, err, db.execErr)
}

// fakeDB answers the statements issued by Store from an in-memory table.
type fakeDB struct {
	mu      sync.Mutex
	schema  bool
	execErr error
	rows    map[[2]string][]byte
}

func newFakeDB() *fakeDB {
	return &fakeDB{rows: make(map[[2]string][]byte)}
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	switch sql {
	case schemaSQL:
		f.schema = true
		return pgconn.NewCommandTag("CREATE TABLE"), nil
	case saveSQL:
		f.rows[key(args)] = append([]byte(nil), args[3].([]byte)...)
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case deleteSQL:
		k := key(args)
		if _, ok := f.rows[k]; !ok {
			return pgconn.NewCommandTag("DELETE 0"), nil
		}
		delete(f.rows, k)
		return pgconn.NewCommandTag("DELETE 1"), nil
	}
	return pgconn.CommandTag{}, fmt.Errorf("unexpected statement %q", sql)
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch sql {
	case loadSQL:
		data, ok := f.rows[key(args)]
		if !ok {
			return fakeRow{err: pgx.ErrNoRows}
		}
		return fakeRow{val: append([]byte(nil), data...)}
	case existsSQL:
		_, ok := f.rows[key(args)]
		return fakeRow{val: ok}
	case listSQL:
		names := []string{}
		for k := range f.rows {
			if k[0] == args[0].(string) {
				names = append(names, k[1])
			}
		}
		sort.Strings(names)
		return fakeRow{val: names}
	}
	return fakeRow{err: fmt.Errorf("unexpected query %q", sql)}
}

type fakeRow struct {
	val any
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	switch d := dest[0].(type) {
	case *[]byte:
		*d = r.val.([]byte)
	case *bool:
		*d = r.val.(bool)
	case *[]string:
		*d = r.val.([]string)
	default:
		return fmt.Errorf("unsupported scan target %T", dest[0])
	}
	return nil
}

func key(args []any) [2]string {
	return [2]string{args[0].(string), args[1].(string)}
}
