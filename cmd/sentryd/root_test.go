package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCodeErrorImplementsError(t *testing.T) {
	var err error = ExitCodeError{Code: 2}
	assert.Error(t, err)
	assert.Equal(t, "exit 2", err.Error())
}

func TestExitCodeErrorTypeAssertion(t *testing.T) {
	var err error = ExitCodeError{Code: 42}
	var target ExitCodeError
	assert.True(t, errors.As(err, &target))
	assert.Equal(t, 42, target.Code)
}
