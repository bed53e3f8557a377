package service

import (
	"context"
	"errors"
	"testing"

	"purchase-service/internal/auth"
	"purchase-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
)

func testCred() Credential {
	return Credential{Key: testKey, Environment: models.EnvironmentTest}
}

func TestVerifyPaidSessionRecordsAndGrants(t *testing.T) {
	f := newFixture(t)
	session := paidSession("cs_test_verify", contentMeta("u1", "bundle_1"))
	f.gateway.On("GetSession", mock.Anything, testCred(), "cs_test_verify", "").Return(session, nil).Once()

	res, err := f.reconciler.Verify(context.Background(), VerifyRequest{SessionID: "cs_test_verify"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, models.PurchaseStatusCompleted, res.Purchase.Status)
	assert.Equal(t, "pi_cs_test_verify", res.Purchase.PaymentIntentID)
	require.NotNil(t, res.Grant)
	assert.True(t, res.Grant.Created)

	summary := res.Summary()
	assert.True(t, summary.AccessGranted)
	assert.Equal(t, "u1", summary.Buyer.UID)

	assert.Len(t, f.events.completed, 1)
	assert.Equal(t, SourceReconciliation, f.events.completed[0].Source)
	assert.Len(t, f.events.granted, 1)
	f.gateway.AssertExpectations(t)
}

func TestVerifyUnpaidSession(t *testing.T) {
	f := newFixture(t)
	session := paidSession("cs_test_unpaid", contentMeta("u1", "bundle_1"))
	session.PaymentStatus = stripe.CheckoutSessionPaymentStatusUnpaid
	f.gateway.On("GetSession", mock.Anything, testCred(), "cs_test_unpaid", "").Return(session, nil)

	_, err := f.reconciler.Verify(context.Background(), VerifyRequest{SessionID: "cs_test_unpaid"})
	assert.ErrorIs(t, err, ErrPaymentIncomplete)
	assert.Equal(t, 0, f.store.purchaseCount())
}

func TestVerifyLiveSessionWithOnlyTestKey(t *testing.T) {
	f := newFixture(t)
	f.reconciler.modes = NewSessionModeResolver(testKey, "")

	_, err := f.reconciler.Verify(context.Background(), VerifyRequest{SessionID: "cs_live_abc123"})
	assert.ErrorIs(t, err, ErrConfiguration)
	f.gateway.AssertNotCalled(t, "GetSession", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestVerifyLivemodeMismatch(t *testing.T) {
	f := newFixture(t)
	session := paidSession("cs_test_flag", contentMeta("u1", "bundle_1"))
	session.Livemode = true
	f.gateway.On("GetSession", mock.Anything, testCred(), "cs_test_flag", "").Return(session, nil)

	_, err := f.reconciler.Verify(context.Background(), VerifyRequest{SessionID: "cs_test_flag"})
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, 0, f.store.purchaseCount())
}

func TestVerifyFallsBackToConnectedAccount(t *testing.T) {
	f := newFixture(t)
	session := paidSession("cs_test_connect", contentMeta("u1", "bundle_1"))
	f.gateway.On("GetSession", mock.Anything, testCred(), "cs_test_connect", "").
		Return(nil, ErrSessionNotFound).Once()
	f.gateway.On("GetSession", mock.Anything, testCred(), "cs_test_connect", "acct_creator").
		Return(session, nil).Once()

	res, err := f.reconciler.Verify(context.Background(), VerifyRequest{
		SessionID:          "cs_test_connect",
		ConnectedAccountID: "acct_creator",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Purchase.ConnectedAccountID)
	assert.Equal(t, "acct_creator", *res.Purchase.ConnectedAccountID)
	f.gateway.AssertExpectations(t)
}

func TestVerifyUsesConnectedAccountRecordedOnPendingPurchase(t *testing.T) {
	f := newFixture(t)
	pending := completed("cs_test_pending_connect")
	pending.Status = models.PurchaseStatusPending
	pending.ConnectedAccountID = strPtr("acct_recorded")
	recorded(t, f, pending)

	session := paidSession("cs_test_pending_connect", contentMeta("u1", "bundle_1"))
	f.gateway.On("GetSession", mock.Anything, testCred(), "cs_test_pending_connect", "").
		Return(nil, ErrSessionNotFound).Once()
	f.gateway.On("GetSession", mock.Anything, testCred(), "cs_test_pending_connect", "acct_recorded").
		Return(session, nil).Once()

	res, err := f.reconciler.Verify(context.Background(), VerifyRequest{SessionID: "cs_test_pending_connect"})
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, models.PurchaseStatusCompleted, res.Purchase.Status)
}

func TestVerifyUnknownSession(t *testing.T) {
	f := newFixture(t)
	f.gateway.On("GetSession", mock.Anything, testCred(), "cs_test_nope", "").Return(nil, ErrSessionNotFound)

	_, err := f.reconciler.Verify(context.Background(), VerifyRequest{SessionID: "cs_test_nope"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestVerifyRejectsMismatchedCaller(t *testing.T) {
	f := newFixture(t)
	f.identities = NewBuyerIdentityResolver(staticVerifier{uid: "u2"})
	f.reconciler.identities = f.identities
	session := paidSession("cs_test_other", contentMeta("u1", "bundle_1"))
	f.gateway.On("GetSession", mock.Anything, testCred(), "cs_test_other", "").Return(session, nil)

	_, err := f.reconciler.Verify(context.Background(), VerifyRequest{
		SessionID: "cs_test_other",
		Identity:  IdentityRequest{BearerPresent: true, BearerToken: "token"},
	})
	assert.ErrorIs(t, err, ErrIdentityMismatch)
	assert.Equal(t, 0, f.store.purchaseCount())
}

func TestVerifyGrantFailureKeepsPurchase(t *testing.T) {
	f := newFixture(t)
	f.store.grantErr = errors.New("deadlock detected")
	session := paidSession("cs_test_grant_fail", contentMeta("u1", "bundle_1"))
	f.gateway.On("GetSession", mock.Anything, testCred(), "cs_test_grant_fail", "").Return(session, nil)

	_, err := f.reconciler.Verify(context.Background(), VerifyRequest{SessionID: "cs_test_grant_fail"})
	assert.ErrorIs(t, err, ErrGrantFailed)

	p, err := f.ledger.GetBySession(context.Background(), "cs_test_grant_fail")
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusCompleted, p.Status)
	require.Len(t, f.events.retries, 1)
	assert.Equal(t, "cs_test_grant_fail", f.events.retries[0].SessionID)

	f.store.grantErr = nil
	require.NoError(t, f.fulfiller.RetryGrant(context.Background(), f.events.retries[0]))
	assert.Equal(t, 1, f.store.grantCount())
}

func TestVerifyTargetUnavailableIsDistinct(t *testing.T) {
	f := newFixture(t)
	session := paidSession("cs_test_gone", contentMeta("u1", "bundle_removed"))
	f.gateway.On("GetSession", mock.Anything, testCred(), "cs_test_gone", "").Return(session, nil)

	_, err := f.reconciler.Verify(context.Background(), VerifyRequest{SessionID: "cs_test_gone"})
	assert.ErrorIs(t, err, ErrTargetUnavailable)
	assert.NotErrorIs(t, err, ErrGrantFailed)
	assert.Empty(t, f.events.retries)
	assert.Equal(t, 1, f.store.purchaseCount())
}

func TestVerifyBundleSlots(t *testing.T) {
	f := newFixture(t)
	session := paidSession("cs_test_slot_verify", map[string]string{
		models.MetaPurpose:  string(models.PurposeBundleSlots),
		models.MetaBuyerUID: "creator_9",
		models.MetaTier:     "studio",
	})
	f.gateway.On("GetSession", mock.Anything, testCred(), "cs_test_slot_verify", "").Return(session, nil)

	res, err := f.reconciler.Verify(context.Background(), VerifyRequest{SessionID: "cs_test_slot_verify"})
	require.NoError(t, err)
	require.NotNil(t, res.Slots)
	assert.Equal(t, 20, res.Slots.Quota)
	assert.Len(t, f.events.slots, 1)

	res, err = f.reconciler.Verify(context.Background(), VerifyRequest{SessionID: "cs_test_slot_verify"})
	require.NoError(t, err)
	assert.False(t, res.Slots.Applied)
	assert.Equal(t, 20, res.Slots.Quota)
}

type staticVerifier struct{ uid string }

func (v staticVerifier) Verify(string) (auth.Claims, error) {
	return auth.Claims{UID: v.uid}, nil
}
