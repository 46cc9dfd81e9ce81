package browser

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/retry"
)

// Navigator loads pages, retrying failed navigations under a policy.
type Navigator struct {
	policy retry.Policy
	logger *zap.Logger
}

// NewNavigator returns a Navigator. An unbounded policy keeps retrying until
// ctx is canceled.
func NewNavigator(policy retry.Policy, logger *zap.Logger) *Navigator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Navigator{policy: policy, logger: logger}
}

// Navigate navigates page to url. It returns nil once a load succeeds, or the last
// error once the policy is exhausted or ctx ends.
func (n *Navigator) Navigate(ctx context.Context, page harvest.Page, url string) error {
	return retry.Do(ctx, n.policy,
		func(ctx context.Context, _ int) error {
			return page.Navigate(ctx, url)
		},
		func(attempt int, err error, wait time.Duration) {
			n.logger.Warn("navigation failed, retrying",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(err),
			)
		},
	)
}
