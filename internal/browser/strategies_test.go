package browser

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func TestRunFirst_StopsAtFirstSuccess(t *testing.T) {
	var attempts []string
	list := []strategy{
		{name: "first", run: func(ctx context.Context) error {
			attempts = append(attempts, "first")
			return errors.New("selector not found")
		}},
		{name: "second", run: func(ctx context.Context) error {
			attempts = append(attempts, "second")
			return nil
		}},
		{name: "third", run: func(ctx context.Context) error {
			attempts = append(attempts, "third")
			return nil
		}},
	}

	err := runFirst(context.Background(), arbor.NewLogger(), "test step", list)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, attempts)
}

func TestRunFirst_AllFailWrapsLastError(t *testing.T) {
	lastErr := errors.New("final selector dead too")
	list := []strategy{
		{name: "first", run: func(ctx context.Context) error { return errors.New("nope") }},
		{name: "second", run: func(ctx context.Context) error { return lastErr }},
	}

	err := runFirst(context.Background(), arbor.NewLogger(), "test step", list)
	require.Error(t, err)
	assert.ErrorIs(t, err, lastErr)
	assert.Contains(t, err.Error(), "test step")
}

func TestRunFirst_HonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	list := []strategy{
		{name: "never", run: func(ctx context.Context) error {
			ran = true
			return nil
		}},
	}

	err := runFirst(ctx, arbor.NewLogger(), "test step", list)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
}

func TestStrategyListsAreOrderedMostSpecificFirst(t *testing.T) {
	attach := attachmentMenuStrategies()
	require.NotEmpty(t, attach)
	assert.Equal(t, "composer add button by testid", attach[0].name)

	upload := fileUploadStrategies("/tmp/input.jpg")
	require.Len(t, upload, 2)
	assert.Equal(t, "existing file input", upload[0].name)

	prompt := promptEntryStrategies("hello")
	require.NotEmpty(t, prompt)
	assert.Equal(t, "textarea by placeholder", prompt[0].name)
	assert.Equal(t, "any visible textarea", prompt[len(prompt)-1].name)
}
