package metrics

import (
	"context"
	"fmt"

	"github.com/MacJediWizard/keyforge/internal/license"
	"github.com/rs/zerolog"
)

// Lister is the read side of the license store used for inventory.
type Lister interface {
	ListLicenses(ctx context.Context, filter license.ListFilter) ([]*license.License, error)
}

// Collector refreshes the license inventory gauges from the store.
type Collector struct {
	store   Lister
	metrics *Metrics
	logger  zerolog.Logger
}

// NewCollector creates a new Collector.
func NewCollector(store Lister, metrics *Metrics, logger zerolog.Logger) *Collector {
	return &Collector{
		store:   store,
		metrics: metrics,
		logger:  logger.With().Str("component", "metrics_collector").Logger(),
	}
}

// Collect counts stored licenses by status and updates the gauges.
// Every status is set, so a status with no licenses reads zero.
func (c *Collector) Collect(ctx context.Context) (map[license.Status]int, error) {
	licenses, err := c.store.ListLicenses(ctx, license.ListFilter{})
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}

	counts := make(map[license.Status]int, len(license.ValidStatuses()))
	for _, s := range license.ValidStatuses() {
		counts[s] = 0
	}
	for _, lic := range licenses {
		counts[lic.Status]++
	}

	for status, n := range counts {
		c.metrics.SetLicenseCount(status, n)
	}

	c.logger.Debug().
		Int("total", len(licenses)).
		Msg("license inventory collected")

	return counts, nil
}
