package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MacJediWizard/keyforge/internal/license"
	"github.com/MacJediWizard/keyforge/internal/localstore"
	"github.com/MacJediWizard/keyforge/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpiryScheduler_ExpiresOverdueLicenses(t *testing.T) {
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	store, err := localstore.Open(filepath.Join(t.TempDir(), "licenses.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	codec, err := license.NewCodec("sweep-secret")
	require.NoError(t, err)

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	manager, err := license.NewManager(license.ManagerConfig{
		Codec:  codec,
		Store:  store,
		Clock:  func() time.Time { return now },
		Logger: logger,
	})
	require.NoError(t, err)

	ctx := context.Background()
	overdue, err := manager.Create(ctx, license.CreateRequest{
		Type:      license.TypeStandard,
		Start:     now.AddDate(-1, 0, 0),
		End:       now.Add(-time.Minute),
		ProductID: "PROD-001",
	})
	require.NoError(t, err)
	current, err := manager.CreateTrial(ctx, "PROD-001", nil, "")
	require.NoError(t, err)

	m, err := metrics.NewPrometheusMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	collector := metrics.NewCollector(store, m, logger)

	s := NewExpiryScheduler(manager, collector, "0 * * * *", logger)
	n, err := s.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetLicense(ctx, overdue.Key)
	require.NoError(t, err)
	assert.Equal(t, license.StatusExpired, got.Status)

	got, err = store.GetLicense(ctx, current.Key)
	require.NoError(t, err)
	assert.Equal(t, license.StatusPending, got.Status)

	history, err := manager.History(ctx, overdue.Key)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, license.AuditActionExpire, history[0].Action)
	assert.Equal(t, sweepActor, history[0].ActorID)

	// A second sweep finds nothing left to expire.
	n, err = s.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
