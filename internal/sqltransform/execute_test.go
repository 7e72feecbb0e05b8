package sqltransform_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabularis.dev/core/internal/canon"
	"tabularis.dev/core/internal/pgstore"
	"tabularis.dev/core/internal/sqltransform"
)

func TestExecute_FiltersAndProjectsSingleSource(t *testing.T) {
	src := sqltransform.Source{
		Name: "people",
		Schema: pgstore.TableSchema{Columns: []pgstore.ColumnSchema{
			{Name: "id", DType: "integer"},
			{Name: "name", DType: "string"},
			{Name: "age", DType: "integer"},
		}},
		Rows: []canon.Row{
			{"id": int64(1), "name": "ann", "age": int64(30)},
			{"id": int64(2), "name": "bob", "age": int64(15)},
		},
	}

	out, err := sqltransform.Execute(context.Background(), `select name from "people" where age >= 18`, []sqltransform.Source{src})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "ann", out[0]["name"])
}

func TestExecute_JoinsTwoSources(t *testing.T) {
	orders := sqltransform.Source{
		Name: "orders",
		Schema: pgstore.TableSchema{Columns: []pgstore.ColumnSchema{
			{Name: "id", DType: "integer"},
			{Name: "customer_id", DType: "integer"},
		}},
		Rows: []canon.Row{{"id": int64(1), "customer_id": int64(100)}},
	}
	customers := sqltransform.Source{
		Name: "customers",
		Schema: pgstore.TableSchema{Columns: []pgstore.ColumnSchema{
			{Name: "id", DType: "integer"},
			{Name: "name", DType: "string"},
		}},
		Rows: []canon.Row{{"id": int64(100), "name": "acme"}},
	}

	out, err := sqltransform.Execute(context.Background(),
		`select "customers"."name" from "orders" join "customers" on "orders"."customer_id" = "customers"."id"`,
		[]sqltransform.Source{orders, customers})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "acme", out[0]["name"])
}

func TestExecute_RejectsNonSelect(t *testing.T) {
	src := sqltransform.Source{
		Name:   "t",
		Schema: pgstore.TableSchema{Columns: []pgstore.ColumnSchema{{Name: "a", DType: "integer"}}},
	}
	_, err := sqltransform.Execute(context.Background(), `delete from "t"`, []sqltransform.Source{src})
	assert.Error(t, err)
}

func TestExecute_EmptySourceProducesNoRows(t *testing.T) {
	src := sqltransform.Source{
		Name:   "empty_table",
		Schema: pgstore.TableSchema{Columns: []pgstore.ColumnSchema{{Name: "a", DType: "integer"}}},
	}
	out, err := sqltransform.Execute(context.Background(), `select * from "empty_table"`, []sqltransform.Source{src})
	require.NoError(t, err)
	assert.Empty(t, out)
}
