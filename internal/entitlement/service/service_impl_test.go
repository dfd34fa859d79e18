package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railgate/internal/clock"
	"github.com/smallbiznis/railgate/internal/config"
	entitlementdomain "github.com/smallbiznis/railgate/internal/entitlement/domain"
	"github.com/smallbiznis/railgate/internal/entitlement/repository"
	"github.com/smallbiznis/railgate/internal/migration/migrationtest"
	obscontext "github.com/smallbiznis/railgate/internal/observability/context"
	"github.com/smallbiznis/railgate/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var baseTime = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

type countingRepo struct {
	entitlementdomain.Repository
	expired atomic.Int64
}

func (r *countingRepo) ExpireByID(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (int64, error) {
	n, err := r.Repository.ExpireByID(ctx, db, id, now)
	r.expired.Add(n)
	return n, err
}

type fixture struct {
	db    *gorm.DB
	clock *clock.FakeClock
	node  *snowflake.Node
	repo  *countingRepo
	svc   entitlementdomain.Service
}

func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := config.Config{Entitlement: config.EntitlementConfig{WarningThreshold: 0.8, SweepBatch: 10}}
	for _, m := range mutate {
		m(&cfg)
	}

	f := &fixture{
		db:    migrationtest.Open(t),
		clock: clock.NewFakeClock(baseTime),
		node:  node,
		repo:  &countingRepo{Repository: repository.Provide()},
	}
	f.svc = NewService(ServiceParam{
		DB:    f.db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: f.clock,
		Cfg:   cfg,
		Repo:  f.repo,
	})
	return f
}

func (f *fixture) seed(t *testing.T, e entitlementdomain.Entitlement) *entitlementdomain.Entitlement {
	t.Helper()
	if e.ID == 0 {
		e.ID = f.node.Generate()
	}
	if e.UserID == "" {
		e.UserID = "user-1"
	}
	if e.ServiceID == "" {
		e.ServiceID = "svc-1"
	}
	if e.PaymentID == "" {
		e.PaymentID = "pay-" + e.ID.String()
	}
	if e.PricingTier == "" {
		e.PricingTier = entitlementdomain.TierBasic
	}
	if e.ValidFrom.IsZero() {
		e.ValidFrom = baseTime.Add(-24 * time.Hour)
	}
	if e.ValidUntil.IsZero() {
		e.ValidUntil = baseTime.Add(24 * time.Hour)
	}
	e.CreatedAt = baseTime
	e.UpdatedAt = baseTime
	require.NoError(t, f.repo.Insert(context.Background(), f.db, &e))
	return &e
}

func (f *fixture) reload(t *testing.T, id snowflake.ID) *entitlementdomain.Entitlement {
	t.Helper()
	e, err := f.repo.FindByID(context.Background(), f.db, id)
	require.NoError(t, err)
	require.NotNil(t, e)
	return e
}

func TestVerifyAllowsActiveEntitlement(t *testing.T) {
	f := newFixture(t)
	e := f.seed(t, entitlementdomain.Entitlement{QuotaLimit: 100, QuotaUsed: 40, IsActive: true})

	res, err := f.svc.Verify(context.Background(), "user-1", "svc-1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, entitlementdomain.ReasonAllowed, res.Reason)
	assert.Equal(t, 200, res.StatusCode)
	require.NotNil(t, res.EntitlementID)
	assert.Equal(t, e.ID, *res.EntitlementID)
	require.NotNil(t, res.QuotaRemaining)
	assert.EqualValues(t, 60, *res.QuotaRemaining)
}

func TestVerifyNoEntitlement(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Verify(context.Background(), "user-1", "svc-1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, entitlementdomain.ReasonNoEntitlement, res.Reason)
	assert.Equal(t, 403, res.StatusCode)
}

func TestVerifyQuotaExceeded(t *testing.T) {
	f := newFixture(t)
	f.seed(t, entitlementdomain.Entitlement{QuotaLimit: 100, QuotaUsed: 100, IsActive: true})

	res, err := f.svc.Verify(context.Background(), "user-1", "svc-1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, entitlementdomain.ReasonQuotaExceeded, res.Reason)
	assert.Equal(t, 429, res.StatusCode)
}

func TestVerifyExpirySelfHeals(t *testing.T) {
	f := newFixture(t)
	e := f.seed(t, entitlementdomain.Entitlement{
		QuotaLimit: 100,
		IsActive:   true,
		ValidFrom:  baseTime.Add(-48 * time.Hour),
		ValidUntil: baseTime.Add(-time.Hour),
	})

	res, err := f.svc.Verify(context.Background(), "user-1", "svc-1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, entitlementdomain.ReasonEntitlementExpired, res.Reason)

	stored := f.reload(t, e.ID)
	assert.False(t, stored.IsActive)
	assert.Equal(t, entitlementdomain.ReasonExpired, stored.DeactivationReason)

	// A second call finds nothing active and diagnoses the same reason.
	res, err = f.svc.Verify(context.Background(), "user-1", "svc-1")
	require.NoError(t, err)
	assert.Equal(t, entitlementdomain.ReasonEntitlementExpired, res.Reason)
	assert.EqualValues(t, 1, f.repo.expired.Load())
}

func TestVerifyExpiryBoundaryIsExclusive(t *testing.T) {
	f := newFixture(t)
	f.seed(t, entitlementdomain.Entitlement{QuotaLimit: 10, IsActive: true, ValidUntil: baseTime})

	res, err := f.svc.Verify(context.Background(), "user-1", "svc-1")
	require.NoError(t, err)
	assert.Equal(t, entitlementdomain.ReasonEntitlementExpired, res.Reason)
}

func TestVerifyNotStarted(t *testing.T) {
	f := newFixture(t)
	f.seed(t, entitlementdomain.Entitlement{
		QuotaLimit: 100,
		IsActive:   true,
		ValidFrom:  baseTime.Add(time.Hour),
		ValidUntil: baseTime.Add(48 * time.Hour),
	})

	res, err := f.svc.Verify(context.Background(), "user-1", "svc-1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, entitlementdomain.ReasonEntitlementNotStarted, res.Reason)
}

func TestVerifyPrefersEntitlementWithRemainingQuota(t *testing.T) {
	f := newFixture(t)
	f.seed(t, entitlementdomain.Entitlement{QuotaLimit: 10, QuotaUsed: 10, IsActive: true})
	second := f.seed(t, entitlementdomain.Entitlement{QuotaLimit: 10, QuotaUsed: 2, IsActive: true})

	res, err := f.svc.Verify(context.Background(), "user-1", "svc-1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, second.ID, *res.EntitlementID)
}

func TestVerifyCancelledIsInactive(t *testing.T) {
	f := newFixture(t)
	f.seed(t, entitlementdomain.Entitlement{
		QuotaLimit:         10,
		IsActive:           false,
		DeactivationReason: entitlementdomain.ReasonCancelled,
	})

	res, err := f.svc.Verify(context.Background(), "user-1", "svc-1")
	require.NoError(t, err)
	assert.Equal(t, entitlementdomain.ReasonEntitlementInactive, res.Reason)
}

func TestConcurrentVerifyExpiresOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t, entitlementdomain.Entitlement{QuotaLimit: 10, IsActive: true, ValidUntil: baseTime.Add(-time.Minute)})

	var wg sync.WaitGroup
	reasons := make([]entitlementdomain.ReasonCode, 8)
	for i := range reasons {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.Verify(context.Background(), "user-1", "svc-1")
			assert.NoError(t, err)
			reasons[i] = res.Reason
		}(i)
	}
	wg.Wait()

	for _, r := range reasons {
		assert.Equal(t, entitlementdomain.ReasonEntitlementExpired, r)
	}
	assert.EqualValues(t, 1, f.repo.expired.Load())
}

func TestVerifyFailsClosedOnStoreError(t *testing.T) {
	f := newFixture(t)
	f.seed(t, entitlementdomain.Entitlement{QuotaLimit: 10, IsActive: true})
	sqlDB, err := f.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	res, err := f.svc.Verify(context.Background(), "user-1", "svc-1")
	require.Error(t, err)
	assert.False(t, res.Allowed)
}

func TestVerifyRejectsBlankSubject(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Verify(context.Background(), " ", "svc-1")
	assert.ErrorIs(t, err, entitlementdomain.ErrInvalidUserID)
	_, err = f.svc.Verify(context.Background(), "user-1", "")
	assert.ErrorIs(t, err, entitlementdomain.ErrInvalidServiceID)
}

func TestGrantIsIdempotentPerPayment(t *testing.T) {
	f := newFixture(t)
	req := entitlementdomain.GrantRequest{
		UserID:      "user-1",
		ServiceID:   "svc-1",
		PaymentID:   "0xabc",
		PricingTier: entitlementdomain.TierPro,
		QuotaLimit:  500,
	}

	first, err := f.svc.Grant(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.True(t, first.Entitlement.IsActive)
	assert.Zero(t, first.Entitlement.QuotaUsed)
	assert.Equal(t, baseTime.Add(entitlementdomain.DefaultValidity), first.Entitlement.ValidUntil)

	again, err := f.svc.Grant(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, first.Entitlement.ID, again.Entitlement.ID)

	req.UserID = "user-2"
	_, err = f.svc.Grant(context.Background(), req)
	assert.ErrorIs(t, err, entitlementdomain.ErrPaymentConflict)
}

func TestGrantValidation(t *testing.T) {
	f := newFixture(t)
	from := baseTime
	until := baseTime.Add(-time.Hour)
	cases := []struct {
		name string
		req  entitlementdomain.GrantRequest
		err  error
	}{
		{"missing payment", entitlementdomain.GrantRequest{UserID: "u", ServiceID: "s", PricingTier: "pro"}, entitlementdomain.ErrInvalidPaymentID},
		{"bad tier", entitlementdomain.GrantRequest{UserID: "u", ServiceID: "s", PaymentID: "p", PricingTier: "gold"}, entitlementdomain.ErrInvalidPricingTier},
		{"negative quota", entitlementdomain.GrantRequest{UserID: "u", ServiceID: "s", PaymentID: "p", PricingTier: "pro", QuotaLimit: -1}, entitlementdomain.ErrInvalidQuotaLimit},
		{"inverted window", entitlementdomain.GrantRequest{UserID: "u", ServiceID: "s", PaymentID: "p", PricingTier: "pro", ValidFrom: &from, ValidUntil: &until}, entitlementdomain.ErrInvalidWindow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Grant(context.Background(), tc.req)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	e := f.seed(t, entitlementdomain.Entitlement{QuotaLimit: 10, IsActive: true})

	cancelled, err := f.svc.Cancel(context.Background(), e.ID.String())
	require.NoError(t, err)
	assert.False(t, cancelled.IsActive)
	assert.Equal(t, entitlementdomain.ReasonCancelled, cancelled.DeactivationReason)

	_, err = f.svc.Cancel(context.Background(), e.ID.String())
	assert.ErrorIs(t, err, entitlementdomain.ErrAlreadyInactive)

	_, err = f.svc.Cancel(context.Background(), f.node.Generate().String())
	assert.ErrorIs(t, err, entitlementdomain.ErrNotFound)

	_, err = f.svc.Cancel(context.Background(), "nope")
	assert.ErrorIs(t, err, entitlementdomain.ErrInvalidID)
}

func adminCtx() context.Context {
	return obscontext.WithActor(context.Background(), "admin", "ops-7")
}

func TestAdjustQuotaWritesAuditRecord(t *testing.T) {
	f := newFixture(t)
	e := f.seed(t, entitlementdomain.Entitlement{QuotaLimit: 100, QuotaUsed: 30, IsActive: true})

	res, err := f.svc.AdjustQuota(adminCtx(), entitlementdomain.AdjustQuotaRequest{
		EntitlementID: e.ID.String(),
		Delta:         50,
		Reason:        entitlementdomain.AdjustmentGoodwill,
		Notes:         "outage credit",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 150, res.Entitlement.QuotaLimit)
	assert.EqualValues(t, 100, res.Adjustment.PreviousLimit)
	assert.EqualValues(t, 150, res.Adjustment.NewLimit)
	assert.Equal(t, "admin", res.Adjustment.ActorRole)
	assert.Equal(t, "ops-7", res.Adjustment.ActorID)

	audit, err := f.repo.ListAdjustments(context.Background(), f.db, e.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.EqualValues(t, 50, audit[0].Delta)
	assert.Equal(t, "outage credit", audit[0].Notes)
}

func TestAdjustQuotaRejectsNegativeResult(t *testing.T) {
	f := newFixture(t)
	e := f.seed(t, entitlementdomain.Entitlement{QuotaLimit: 10, IsActive: true})

	_, err := f.svc.AdjustQuota(adminCtx(), entitlementdomain.AdjustQuotaRequest{
		EntitlementID: e.ID.String(),
		Delta:         -11,
		Reason:        entitlementdomain.AdjustmentCorrection,
	})
	assert.ErrorIs(t, err, entitlementdomain.ErrNegativeQuota)
	assert.EqualValues(t, 10, f.reload(t, e.ID).QuotaLimit)

	audit, err := f.repo.ListAdjustments(context.Background(), f.db, e.ID)
	require.NoError(t, err)
	assert.Empty(t, audit)
}

func TestAdjustQuotaBelowUsage(t *testing.T) {
	t.Run("rejected by default", func(t *testing.T) {
		f := newFixture(t)
		e := f.seed(t, entitlementdomain.Entitlement{QuotaLimit: 100, QuotaUsed: 80, IsActive: true})
		_, err := f.svc.AdjustQuota(adminCtx(), entitlementdomain.AdjustQuotaRequest{
			EntitlementID: e.ID.String(),
			Delta:         -30,
			Reason:        entitlementdomain.AdjustmentDowngrade,
		})
		assert.ErrorIs(t, err, entitlementdomain.ErrQuotaBelowUsage)
	})

	t.Run("allowed when configured", func(t *testing.T) {
		f := newFixture(t, func(c *config.Config) { c.Entitlement.AllowLimitBelowUsage = true })
		e := f.seed(t, entitlementdomain.Entitlement{QuotaLimit: 100, QuotaUsed: 80, IsActive: true})
		res, err := f.svc.AdjustQuota(adminCtx(), entitlementdomain.AdjustQuotaRequest{
			EntitlementID: e.ID.String(),
			Delta:         -30,
			Reason:        entitlementdomain.AdjustmentAbuse,
		})
		require.NoError(t, err)
		assert.EqualValues(t, 70, res.Entitlement.QuotaLimit)
		assert.Zero(t, res.Entitlement.Remaining())
	})
}

func TestAdjustQuotaValidation(t *testing.T) {
	f := newFixture(t)
	e := f.seed(t, entitlementdomain.Entitlement{QuotaLimit: 10, IsActive: true})
	id := e.ID.String()

	_, err := f.svc.AdjustQuota(adminCtx(), entitlementdomain.AdjustQuotaRequest{EntitlementID: id, Reason: entitlementdomain.AdjustmentGoodwill})
	assert.ErrorIs(t, err, entitlementdomain.ErrInvalidDelta)

	_, err = f.svc.AdjustQuota(adminCtx(), entitlementdomain.AdjustQuotaRequest{EntitlementID: id, Delta: 1, Reason: "because"})
	assert.ErrorIs(t, err, entitlementdomain.ErrInvalidReason)

	_, err = f.svc.AdjustQuota(context.Background(), entitlementdomain.AdjustQuotaRequest{EntitlementID: id, Delta: 1, Reason: entitlementdomain.AdjustmentGoodwill})
	assert.ErrorIs(t, err, entitlementdomain.ErrMissingActor)

	long := make([]byte, entitlementdomain.MaxNotesLength+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err = f.svc.AdjustQuota(adminCtx(), entitlementdomain.AdjustQuotaRequest{EntitlementID: id, Delta: 1, Reason: entitlementdomain.AdjustmentGoodwill, Notes: string(long)})
	assert.ErrorIs(t, err, entitlementdomain.ErrNotesTooLong)
}

func TestAdjustQuotaInactive(t *testing.T) {
	f := newFixture(t)
	e := f.seed(t, entitlementdomain.Entitlement{QuotaLimit: 10, IsActive: false, DeactivationReason: entitlementdomain.ReasonCancelled})
	_, err := f.svc.AdjustQuota(adminCtx(), entitlementdomain.AdjustQuotaRequest{
		EntitlementID: e.ID.String(),
		Delta:         5,
		Reason:        entitlementdomain.AdjustmentUpgrade,
	})
	assert.ErrorIs(t, err, entitlementdomain.ErrEntitlementInactive)
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	stale := f.seed(t, entitlementdomain.Entitlement{QuotaLimit: 10, IsActive: true, ValidUntil: baseTime.Add(-time.Hour)})
	fresh := f.seed(t, entitlementdomain.Entitlement{QuotaLimit: 10, IsActive: true})

	n, err := f.svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, f.reload(t, stale.ID).IsActive)
	assert.True(t, f.reload(t, fresh.ID).IsActive)

	n, err = f.svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(48 * time.Hour)
	n, err = f.svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestListByUserPaginates(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.seed(t, entitlementdomain.Entitlement{QuotaLimit: 10, IsActive: true})
	}
	f.seed(t, entitlementdomain.Entitlement{UserID: "user-2", QuotaLimit: 10, IsActive: true})

	first, err := f.svc.ListByUser(context.Background(), entitlementdomain.ListRequest{
		UserID:     "user-1",
		Pagination: pagination.Pagination{PageSize: 3},
	})
	require.NoError(t, err)
	require.Len(t, first.Entitlements, 3)
	assert.True(t, first.PageInfo.HasMore)
	require.NotEmpty(t, first.PageInfo.NextPageToken)

	second, err := f.svc.ListByUser(context.Background(), entitlementdomain.ListRequest{
		UserID:     "user-1",
		Pagination: pagination.Pagination{PageSize: 3, PageToken: first.PageInfo.NextPageToken},
	})
	require.NoError(t, err)
	require.Len(t, second.Entitlements, 2)
	assert.False(t, second.PageInfo.HasMore)
	assert.Greater(t, int64(first.Entitlements[2].ID), int64(second.Entitlements[0].ID))
}
