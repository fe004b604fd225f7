package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkedErrorsMatchSentinels(t *testing.T) {
	err := Wrap(NotFoundf("job %s", "abc"), "cancel")
	assert.True(t, IsNotFound(err))
	assert.False(t, IsValidation(err))
	assert.Contains(t, err.Error(), "job abc")

	err = Validationf("empresa_ids must not be empty")
	assert.True(t, IsValidation(err))
	assert.Equal(t, "empresa_ids must not be empty", err.Error())

	err = InvalidTransitionf("running -> pending")
	assert.True(t, IsInvalidTransition(err))
	assert.False(t, IsNotFound(nil))
}
