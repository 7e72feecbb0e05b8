package sqltransform_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"tabularis.dev/core/internal/sqltransform"
)

func TestValidateReadOnlySelect_AcceptsPlainSelect(t *testing.T) {
	_, err := sqltransform.ValidateReadOnlySelect("select a, b from t where a > 1")
	assert.NoError(t, err)
}

func TestValidateReadOnlySelect_RejectsMultipleStatements(t *testing.T) {
	_, err := sqltransform.ValidateReadOnlySelect("select * from t; drop table t--")
	assert.Error(t, err)
}

func TestValidateReadOnlySelect_RejectsNonSelect(t *testing.T) {
	_, err := sqltransform.ValidateReadOnlySelect("delete from t")
	assert.Error(t, err)
}

func TestValidateReadOnlySelect_RejectsSelectInto(t *testing.T) {
	_, err := sqltransform.ValidateReadOnlySelect("select * from t into outfile '/tmp/x'")
	assert.Error(t, err)
}

func TestValidateReadOnlySelect_RejectsForUpdate(t *testing.T) {
	_, err := sqltransform.ValidateReadOnlySelect("select * from t for update")
	assert.Error(t, err)
}

func TestValidateReadOnlySelect_AcceptsJoinsAndAggregates(t *testing.T) {
	_, err := sqltransform.ValidateReadOnlySelect(
		"select a.x, count(*) from a join b on a.id = b.id group by a.x")
	assert.NoError(t, err)
}
