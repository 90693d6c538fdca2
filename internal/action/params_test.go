package action

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/opkit/internal/task"
)

func TestResolveArgs(t *testing.T) {
	got, err := ResolveArgs([]string{"-host", "{1}", "-port", "{2}"}, []string{"db01", "5432"})
	require.NoError(t, err)
	assert.Equal(t, []string{"-host", "db01", "-port", "5432"}, got)
}

func TestResolveArgsMultiplePlaceholdersInOneArg(t *testing.T) {
	got, err := ResolveArgs([]string{"{1}:{2}"}, []string{"db01", "5432"})
	require.NoError(t, err)
	assert.Equal(t, []string{"db01:5432"}, got)
}

func TestResolveArgsRepeatedPlaceholder(t *testing.T) {
	got, err := ResolveArgs([]string{"{1}", "{1}"}, []string{"same"})
	require.NoError(t, err)
	assert.Equal(t, []string{"same", "same"}, got)
}

func TestResolveArgsMissingParameter(t *testing.T) {
	_, err := ResolveArgs([]string{"{1}", "{2}"}, []string{"only-one"})
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrMissingParameter)
}

func TestResolveArgsZeroIndexIsMissing(t *testing.T) {
	_, err := ResolveArgs([]string{"{0}"}, []string{"x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrMissingParameter)
}

func TestResolveArgsEscapedBraces(t *testing.T) {
	got, err := ResolveArgs([]string{"{{literal}}", "a{{b}}c {1}"}, []string{"v"})
	require.NoError(t, err)
	assert.Equal(t, []string{"{literal}", "a{b}c v"}, got)
}

func TestResolveArgsNoPlaceholders(t *testing.T) {
	got, err := ResolveArgs([]string{"-v", "--json"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"-v", "--json"}, got)
}
