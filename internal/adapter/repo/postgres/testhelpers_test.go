package postgres_test

import (
	"context"
	"fmt"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// scanInto copies fixture values into scan destinations via reflection.
// Shared by the row and rows stubs so multiple *_test.go files reuse it.
func scanInto(dest []any, vals []any) error {
	if len(dest) != len(vals) {
		return fmt.Errorf("scan: have %d destinations, want %d", len(dest), len(vals))
	}
	for i, v := range vals {
		dv := reflect.ValueOf(dest[i])
		if dv.Kind() != reflect.Pointer || dv.IsNil() {
			return fmt.Errorf("scan: destination %d is not a pointer", i)
		}
		elem := dv.Elem()
		if v == nil {
			elem.Set(reflect.Zero(elem.Type()))
			continue
		}
		sv := reflect.ValueOf(v)
		if !sv.Type().ConvertibleTo(elem.Type()) {
			return fmt.Errorf("scan: cannot assign %T to %s", v, elem.Type())
		}
		elem.Set(sv.Convert(elem.Type()))
	}
	return nil
}

// rowStub implements pgx.Row
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

func fixedRow(vals ...any) rowStub {
	return rowStub{scan: func(dest ...any) error { return scanInto(dest, vals) }}
}

func errRow(err error) rowStub {
	return rowStub{scan: func(...any) error { return err }}
}

// rowsStub implements pgx.Rows over fixture tuples.
type rowsStub struct {
	tuples [][]any
	i      int
	err    error
}

func (r *rowsStub) Close()                                       {}
func (r *rowsStub) Err() error                                   { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Next() bool                                   { r.i++; return r.i <= len(r.tuples) }
func (r *rowsStub) Scan(dest ...any) error                       { return scanInto(dest, r.tuples[r.i-1]) }
func (r *rowsStub) Values() ([]any, error)                       { return nil, nil }
func (r *rowsStub) RawValues() [][]byte                          { return nil }
func (r *rowsStub) Conn() *pgx.Conn                              { return nil }

type queryResult struct {
	rows pgx.Rows
	err  error
}

type execResult struct {
	tag pgconn.CommandTag
	err error
}

// poolStub implements postgres.PgxPool for tests. Responses pop per call so
// retry loops are scriptable; every statement and its args are recorded.
type poolStub struct {
	execSQL  []string
	execArgs [][]any
	execResp []execResult

	queryRowSQL  []string
	queryRowResp []pgx.Row

	querySQL  []string
	queryResp []queryResult
}

func okTag(verb string) pgconn.CommandTag { return pgconn.NewCommandTag(verb + " 1") }

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	i := len(p.execSQL)
	p.execSQL = append(p.execSQL, sql)
	p.execArgs = append(p.execArgs, args)
	if i < len(p.execResp) {
		return p.execResp[i].tag, p.execResp[i].err
	}
	return okTag("UPDATE"), nil
}

func (p *poolStub) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	i := len(p.queryRowSQL)
	p.queryRowSQL = append(p.queryRowSQL, sql)
	if i < len(p.queryRowResp) {
		return p.queryRowResp[i]
	}
	return errRow(pgx.ErrNoRows)
}

func (p *poolStub) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	i := len(p.querySQL)
	p.querySQL = append(p.querySQL, sql)
	if i < len(p.queryResp) {
		return p.queryResp[i].rows, p.queryResp[i].err
	}
	// Exhausted scripts repeat their last entry so retry loops stay deterministic.
	if n := len(p.queryResp); n > 0 {
		return p.queryResp[n-1].rows, p.queryResp[n-1].err
	}
	return &rowsStub{}, nil
}
