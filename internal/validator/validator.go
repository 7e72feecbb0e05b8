// Package validator holds the input-shape checks commands run before
// touching the store, grounded in the teacher's appview/validator package
// (regex-based field checks returning a plain error).
package validator

import (
	"regexp"
	"strings"

	"tabularis.dev/core/internal/apperr"
)

var (
	// ref names: git-like, no leading/trailing separators, no whitespace.
	refNameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9_./-]*[a-zA-Z0-9])?$`)
	// dataset names: alphanumeric with hyphen/underscore, 1-100 chars.
	datasetNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,99}$`)
	tagRegex         = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,49}$`)
)

const (
	maxTags              = 20
	maxTagLength         = 50
	minCommitMessageLen  = 1
	maxCommitMessageLen  = 1000
)

func ValidateRefName(name string) error {
	if name == "" || len(name) > 250 {
		return apperr.Validationf("ref name must be 1-250 characters")
	}
	if !refNameRegex.MatchString(name) {
		return apperr.Validationf("ref name %q is not a valid ref name", name)
	}
	if strings.Contains(name, "..") {
		return apperr.Validationf("ref name %q may not contain '..'", name)
	}
	return nil
}

func ValidateDatasetName(name string) error {
	if !datasetNameRegex.MatchString(name) {
		return apperr.Validationf("dataset name %q must be 1-100 alphanumeric/hyphen/underscore characters", name)
	}
	return nil
}

func ValidateTags(tags []string) error {
	if len(tags) > maxTags {
		return apperr.Validationf("at most %d tags allowed, got %d", maxTags, len(tags))
	}
	for _, t := range tags {
		if len(t) > maxTagLength || !tagRegex.MatchString(t) {
			return apperr.Validationf("tag %q must be 1-%d alphanumeric/hyphen/underscore characters", t, maxTagLength)
		}
	}
	return nil
}

func ValidateCommitMessage(msg string) error {
	n := len(strings.TrimSpace(msg))
	if n < minCommitMessageLen || n > maxCommitMessageLen {
		return apperr.Validationf("commit message must be %d-%d characters, got %d", minCommitMessageLen, maxCommitMessageLen, n)
	}
	return nil
}

func ValidateTableKey(key string) error {
	if key == "" {
		return apperr.Validationf("table key must not be empty")
	}
	return nil
}
