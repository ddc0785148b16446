package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/sheetimport/internal/mapping"
	"github.com/JonMunkholm/sheetimport/internal/sheet"
)

// fakeDB is an in-memory Database. Inserts staged inside a transaction become
// visible in committed only after Commit. Savepoints are simulated so rolled
// back rows are dropped from the stage.
type fakeDB struct {
	mu sync.Mutex

	missingTables map[string]bool           // sanitized identifiers reported as absent
	refs          map[string]map[string]any // lookup SQL -> lookup value -> key
	lookupErrs    map[string]error          // lookup value -> error returned by the query
	lookupCalls   map[string]int

	insertErr   func(args []any) error
	afterInsert func(n int)
	beginErr    error
	commitErr   error

	inserts   int
	begins    int
	commits   int
	rollbacks int
	committed [][]any
	execs     []execCall
	execTag   pgconn.CommandTag
}

type execCall struct {
	sql  string
	args []any
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		missingTables: make(map[string]bool),
		refs:          make(map[string]map[string]any),
		lookupErrs:    make(map[string]error),
		lookupCalls:   make(map[string]int),
	}
}

// addRef makes value resolve to key through rule.
func (db *fakeDB) addRef(rule mapping.ForeignKeyRule, value string, key any) {
	sql := lookupSQL(rule)
	if db.refs[sql] == nil {
		db.refs[sql] = make(map[string]any)
	}
	db.refs[sql][value] = key
}

func (db *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.execs = append(db.execs, execCall{sql, args})
	return db.execTag, nil
}

func (db *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	db.mu.Lock()
	defer db.mu.Unlock()

	if strings.HasPrefix(sql, "SELECT to_regclass") {
		name, _ := args[0].(string)
		return fakeRow{vals: []any{!db.missingTables[name]}}
	}

	value := argString(args[0])
	db.lookupCalls[value]++
	if err, ok := db.lookupErrs[value]; ok {
		return fakeRow{err: err}
	}
	if key, ok := db.refs[sql][value]; ok {
		return fakeRow{vals: []any{key}}
	}
	return fakeRow{err: pgx.ErrNoRows}
}

func (db *fakeDB) Begin(context.Context) (Tx, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.beginErr != nil {
		return nil, db.beginErr
	}
	db.begins++
	return &fakeTx{db: db}, nil
}

func (db *fakeDB) lookupCount(value string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.lookupCalls[value]
}

func (db *fakeDB) committedRows() [][]any {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([][]any(nil), db.committed...)
}

type fakeTx struct {
	db     *fakeDB
	staged [][]any
	mark   int
	closed bool
}

func (tx *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db := tx.db
	db.mu.Lock()

	switch {
	case strings.HasPrefix(sql, "SAVEPOINT"):
		tx.mark = len(tx.staged)
	case strings.HasPrefix(sql, "ROLLBACK TO SAVEPOINT"):
		tx.staged = tx.staged[:tx.mark]
	case strings.HasPrefix(sql, "RELEASE SAVEPOINT"):
	case strings.HasPrefix(sql, "INSERT INTO"):
		if db.insertErr != nil {
			if err := db.insertErr(args); err != nil {
				db.mu.Unlock()
				return pgconn.CommandTag{}, err
			}
		}
		tx.staged = append(tx.staged, args)
		db.inserts++
		n, hook := db.inserts, db.afterInsert
		db.mu.Unlock()
		if hook != nil {
			hook(n)
		}
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	default:
		db.execs = append(db.execs, execCall{sql, args})
	}

	db.mu.Unlock()
	return pgconn.CommandTag{}, nil
}

func (tx *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return tx.db.QueryRow(ctx, sql, args...)
}

func (tx *fakeTx) Commit(context.Context) error {
	db := tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if tx.closed {
		return pgx.ErrTxClosed
	}
	tx.closed = true
	if db.commitErr != nil {
		return db.commitErr
	}
	db.commits++
	db.committed = append(db.committed, tx.staged...)
	return nil
}

func (tx *fakeTx) Rollback(context.Context) error {
	db := tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if tx.closed {
		return pgx.ErrTxClosed
	}
	tx.closed = true
	db.rollbacks++
	tx.staged = nil
	return nil
}

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch d := d.(type) {
		case *bool:
			*d = r.vals[i].(bool)
		case *any:
			*d = r.vals[i]
		default:
			return fmt.Errorf("fakeRow: unsupported scan target %T", d)
		}
	}
	return nil
}

// argString renders a bound argument the way the fake keys lookups.
func argString(a any) string {
	switch v := a.(type) {
	case pgtype.Text:
		return v.String
	case pgtype.Int8:
		return strconv.FormatInt(v.Int64, 10)
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// fakeSheet is an in-memory sheet.Handle.
type fakeSheet struct {
	name    string
	headers []string
	rows    []sheet.Row
	readErr error
	closed  bool
	// nexts counts Next calls; onNext runs after each advance.
	nexts  int
	onNext func(pos int)
}

func newFakeSheet(headers []string, rows ...sheet.Row) *fakeSheet {
	return &fakeSheet{name: "test.csv", headers: headers, rows: rows}
}

func (s *fakeSheet) Name() string                   { return s.name }
func (s *fakeSheet) Headers() []string              { return s.headers }
func (s *fakeSheet) BytesRead() (read, total int64) { return 0, 0 }
func (s *fakeSheet) Close() error                   { s.closed = true; return nil }

func (s *fakeSheet) Rows() sheet.RowIterator {
	return &fakeIterator{s: s, pos: -1}
}

type fakeIterator struct {
	s   *fakeSheet
	pos int
	err error
}

func (it *fakeIterator) Next() bool {
	it.s.nexts++
	if it.pos+1 >= len(it.s.rows) {
		if it.s.readErr != nil {
			it.err = it.s.readErr
		}
		return false
	}
	it.pos++
	if it.s.onNext != nil {
		it.s.onNext(it.pos)
	}
	return true
}

func (it *fakeIterator) Row() sheet.Row { return it.s.rows[it.pos] }
func (it *fakeIterator) Err() error     { return it.err }

// textRow builds a row of text cells; "" becomes an empty cell.
func textRow(vals ...string) sheet.Row {
	row := make(sheet.Row, len(vals))
	for i, v := range vals {
		row[i] = sheet.TextCell(v)
	}
	return row
}

var customerRule = mapping.ForeignKeyRule{
	ID:              "customer_by_email",
	ReferencedTable: "Customers",
	LookupField:     "Email",
	KeyField:        "Id",
}

// ordersConfig maps Email through customerRule to customer_id and Product to product.
func ordersConfig(customerRequired bool) *mapping.Configuration {
	return &mapping.Configuration{
		ID:          "orders",
		TargetTable: "orders",
		Fields: []mapping.FieldMapping{
			{SourceColumn: "Email", TargetField: "customer_id", Required: customerRequired, Type: mapping.TypeText, ForeignKey: customerRule.ID},
			{SourceColumn: "Product", TargetField: "product", Required: true, Type: mapping.TypeText},
		},
		ForeignKeys: []mapping.ForeignKeyRule{customerRule},
	}
}

// itemsConfig has no foreign keys: a required name and an optional quantity.
func itemsConfig() *mapping.Configuration {
	return &mapping.Configuration{
		ID:          "items",
		TargetTable: "items",
		Fields: []mapping.FieldMapping{
			{SourceColumn: "Name", TargetField: "name", Required: true, Type: mapping.TypeText},
			{SourceColumn: "Qty", TargetField: "qty", Type: mapping.TypeInteger},
		},
	}
}

var errConnLost = fmt.Errorf("failed to receive message: %w",
	&net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")})

func duplicateKeyErr() error {
	return &pgconn.PgError{
		Code:    "23505",
		Message: `duplicate key value violates unique constraint "items_pkey"`,
	}
}
