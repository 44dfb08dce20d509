package model_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kajihq/kaji/internal/model"
)

func TestValidateObjectiveAccepts(t *testing.T) {
	require.NoError(t, model.ValidateObjective("research the history of espresso machines"))
	require.NoError(t, model.ValidateObjective(strings.Repeat("a", model.MaxObjectiveLen)))
}

func TestValidateObjectiveRejectsEmpty(t *testing.T) {
	err := model.ValidateObjective("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestValidateObjectiveRejectsOversized(t *testing.T) {
	err := model.ValidateObjective(strings.Repeat("a", model.MaxObjectiveLen+1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum length")
}
