package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/harvest/harvesttest"
	"github.com/JakeFAU/catalog-harvester/internal/retry"
)

var errFlaky = errors.New("net::ERR_CONNECTION_RESET")

func TestNavigatorRetriesUntilLoaded(t *testing.T) {
	t.Parallel()

	page := harvesttest.NewPage(&harvesttest.Script{
		NavigateErr: func(_ string, n int) error {
			if n < 4 {
				return errFlaky
			}
			return nil
		},
	})
	nav := NewNavigator(retry.Policy{}, zap.NewNop())

	require.NoError(t, nav.Navigate(context.Background(), page, "https://example.com/a"))
	require.Len(t, page.Visits(), 4)
	require.Equal(t, "https://example.com/a", page.Current())
}

func TestNavigatorStopsAtMaxAttempts(t *testing.T) {
	t.Parallel()

	page := harvesttest.NewPage(&harvesttest.Script{
		NavigateErr: func(string, int) error { return errFlaky },
	})
	nav := NewNavigator(retry.Policy{MaxAttempts: 3}, nil)

	err := nav.Navigate(context.Background(), page, "https://example.com/a")
	require.ErrorIs(t, err, retry.ErrExhausted)
	require.ErrorIs(t, err, errFlaky)
	require.Len(t, page.Visits(), 3)
}

func TestNavigatorHonorsCancellation(t *testing.T) {
	t.Parallel()

	page := harvesttest.NewPage(&harvesttest.Script{
		NavigateErr: func(string, int) error { return errFlaky },
	})
	nav := NewNavigator(retry.Policy{BaseDelay: 20 * time.Millisecond, MaxDelay: 20 * time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := nav.Navigate(ctx, page, "https://example.com/a")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
