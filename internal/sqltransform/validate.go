// Package sqltransform implements the SQL transform job's validation and
// execution engine (spec §4.11, H3). Validation parses the statement into
// an AST with pingcap/tidb's parser and rejects anything but a single
// read-only SELECT — substring/keyword blocklists are explicitly
// insufficient (spec §4.11 edge case: "SELECT * FROM t; DROP TABLE t--"
// must be rejected even though it starts with SELECT). Execution
// materializes named source tables into an in-memory modernc.org/sqlite
// database and runs the validated statement there.
package sqltransform

import (
	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/mysql"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver"

	"tabularis.dev/core/internal/apperr"
)

// ValidateReadOnlySelect parses sql and returns the single SELECT
// statement's AST node, or a ValidationError if sql is not exactly one
// read-only SELECT.
func ValidateReadOnlySelect(sql string) (*ast.SelectStmt, error) {
	p := parser.New()
	// Double-quoted names are identifiers, as in the sqlite engine that runs
	// the statement.
	p.SetSQLMode(mysql.ModeANSIQuotes)
	stmts, _, err := p.ParseSQL(sql)
	if err != nil {
		return nil, apperr.Validationf("sql does not parse: %v", err)
	}
	if len(stmts) != 1 {
		return nil, apperr.Validationf("exactly one statement is allowed, got %d", len(stmts))
	}

	sel, ok := stmts[0].(*ast.SelectStmt)
	if !ok {
		return nil, apperr.Validationf("only SELECT statements are allowed")
	}

	if err := checkReadOnly(sel); err != nil {
		return nil, err
	}
	return sel, nil
}

// checkReadOnly walks sel's AST rejecting anything that reaches outside
// the query itself: INTO (SELECT ... INTO OUTFILE / a variable), locking
// reads (FOR UPDATE), and embedded INSERT/UPDATE/DELETE, CREATE/DROP/ALTER
// TABLE, LOAD DATA, SET and CALL nodes. A node-type walk
// catches constructs a substring scan would miss entirely.
func checkReadOnly(sel *ast.SelectStmt) error {
	if sel.SelectIntoOpt != nil {
		return apperr.Validationf("SELECT ... INTO is not allowed")
	}
	if sel.LockInfo != nil && sel.LockInfo.LockType != ast.SelectLockNone {
		return apperr.Validationf("locking reads (FOR UPDATE/FOR SHARE) are not allowed")
	}

	var rejected error
	sel.Accept(visitorFunc(func(n ast.Node) (ast.Node, bool) {
		switch n.(type) {
		case *ast.InsertStmt, *ast.UpdateStmt, *ast.DeleteStmt,
			*ast.CreateTableStmt, *ast.DropTableStmt, *ast.AlterTableStmt,
			*ast.LoadDataStmt, *ast.SetStmt, *ast.CallStmt:
			rejected = apperr.Validationf("%T is not allowed inside a read-only transform", n)
			return n, true
		}
		return n, false
	}))
	if rejected != nil {
		return rejected
	}
	return nil
}

// visitorFunc adapts a plain function to ast.Visitor so checkReadOnly
// doesn't need a named type with Enter/Leave methods for a single-purpose
// walk.
type visitorFunc func(ast.Node) (ast.Node, bool)

func (f visitorFunc) Enter(n ast.Node) (ast.Node, bool) {
	node, skip := f(n)
	return node, skip
}

func (f visitorFunc) Leave(n ast.Node) (ast.Node, bool) {
	return n, true
}
