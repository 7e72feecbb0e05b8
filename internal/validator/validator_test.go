package validator_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"tabularis.dev/core/internal/validator"
)

func TestValidateRefName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "main", false},
		{"valid with slash", "feature/foo", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 251), true},
		{"contains double dot", "feat..ure", true},
		{"leading dash invalid char run", "-main", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validator.ValidateRefName(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateDatasetName(t *testing.T) {
	assert.NoError(t, validator.ValidateDatasetName("my-dataset_1"))
	assert.Error(t, validator.ValidateDatasetName(""))
	assert.Error(t, validator.ValidateDatasetName(strings.Repeat("a", 101)))
	assert.Error(t, validator.ValidateDatasetName("has spaces"))
}

func TestValidateTags(t *testing.T) {
	assert.NoError(t, validator.ValidateTags([]string{"a", "b-c"}))
	assert.Error(t, validator.ValidateTags(make([]string, 21)))
	assert.Error(t, validator.ValidateTags([]string{strings.Repeat("x", 51)}))
}

func TestValidateCommitMessage(t *testing.T) {
	assert.NoError(t, validator.ValidateCommitMessage("initial import"))
	assert.Error(t, validator.ValidateCommitMessage("   "))
	assert.Error(t, validator.ValidateCommitMessage(strings.Repeat("a", 1001)))
}

func TestValidateTableKey(t *testing.T) {
	assert.NoError(t, validator.ValidateTableKey("people"))
	assert.Error(t, validator.ValidateTableKey(""))
}
