package signer

import (
	"context"
	"testing"
	"time"

	"github.com/blocto/solana-go-sdk/program/system"
	"github.com/blocto/solana-go-sdk/types"
	"github.com/mr-tron/base58"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certmint/internal/issuance/codec"
	"certmint/internal/issuance/metrics"
	"certmint/internal/issuance/models"
	id "certmint/pkg/domain"
	dErrors "certmint/pkg/domain-errors"
	"certmint/pkg/platform/sentinel"
	"certmint/pkg/requestcontext"
)

// unsignedTransfer builds a transaction paid by payer with an empty signature
// slot, the shape the mint service returns.
func unsignedTransfer(t *testing.T, payer types.Account) []byte {
	t.Helper()
	msg := types.NewMessage(types.NewMessageParam{
		FeePayer:        payer.PublicKey,
		RecentBlockhash: types.NewAccount().PublicKey.ToBase58(),
		Instructions: []types.Instruction{
			system.Transfer(system.TransferParam{
				From:   payer.PublicKey,
				To:     types.NewAccount().PublicKey,
				Amount: 1,
			}),
		},
	})
	tx := types.Transaction{
		Signatures: []types.Signature{make([]byte, 64)},
		Message:    msg,
	}
	raw, err := tx.Serialize()
	require.NoError(t, err)
	return raw
}

func TestKeypair(t *testing.T) {
	payer := types.NewAccount()
	unsigned := unsignedTransfer(t, payer)

	t.Run("signs its own slot and verifies", func(t *testing.T) {
		k := NewKeypairFromAccount(payer)
		signed, err := k.Sign(context.Background(), unsigned)
		require.NoError(t, err)
		assert.NotEqual(t, unsigned, signed)
		assert.NoError(t, VerifySolana(unsigned, signed))
	})

	t.Run("loads from base58 secret", func(t *testing.T) {
		k, err := NewKeypair(base58.Encode(payer.PrivateKey))
		require.NoError(t, err)
		assert.Equal(t, payer.PublicKey.ToBase58(), k.PublicKey())
	})

	t.Run("rejects bad secrets", func(t *testing.T) {
		_, err := NewKeypair("")
		assert.Error(t, err)
		_, err = NewKeypair("0OIl")
		assert.Error(t, err)
	})

	t.Run("foreign key is unavailable", func(t *testing.T) {
		k := NewKeypairFromAccount(types.NewAccount())
		_, err := k.Sign(context.Background(), unsigned)
		assert.ErrorIs(t, err, models.ErrCapabilityUnavailable)
	})

	t.Run("garbage is unavailable", func(t *testing.T) {
		k := NewKeypairFromAccount(payer)
		_, err := k.Sign(context.Background(), []byte{1, 2, 3})
		assert.ErrorIs(t, err, models.ErrCapabilityUnavailable)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := NewKeypairFromAccount(payer).Sign(ctx, unsigned)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestVerifySolana(t *testing.T) {
	payer := types.NewAccount()
	unsigned := unsignedTransfer(t, payer)

	t.Run("unsigned transaction fails", func(t *testing.T) {
		assert.Error(t, VerifySolana(unsigned, unsigned))
	})

	t.Run("different message fails", func(t *testing.T) {
		other, err := NewKeypairFromAccount(payer).Sign(context.Background(), unsignedTransfer(t, payer))
		require.NoError(t, err)
		assert.Error(t, VerifySolana(unsigned, other))
	})
}

func attemptContext() (context.Context, id.AttemptID) {
	attemptID := id.NewAttemptID()
	return requestcontext.WithAttemptID(context.Background(), attemptID), attemptID
}

func waitPending(t *testing.T, a *Approval, attemptID id.AttemptID) SigningRequest {
	t.Helper()
	var req SigningRequest
	require.Eventually(t, func() bool {
		var err error
		req, err = a.Pending(attemptID)
		return err == nil
	}, time.Second, 5*time.Millisecond)
	return req
}

type signResult struct {
	signed []byte
	err    error
}

func signAsync(ctx context.Context, a *Approval, unsigned []byte) <-chan signResult {
	out := make(chan signResult, 1)
	go func() {
		signed, err := a.Sign(ctx, unsigned)
		out <- signResult{signed: signed, err: err}
	}()
	return out
}

func TestApproval(t *testing.T) {
	payer := types.NewAccount()
	unsigned := unsignedTransfer(t, payer)

	t.Run("approve delivers the wallet's signed transaction", func(t *testing.T) {
		m := metrics.New(prometheus.NewRegistry())
		a := NewApproval(WithApprovalMetrics(m))
		ctx, attemptID := attemptContext()
		res := signAsync(ctx, a, unsigned)

		req := waitPending(t, a, attemptID)
		assert.Equal(t, codec.EncodeTransport(unsigned), req.Transaction)
		assert.Len(t, a.List(), 1)
		assert.Equal(t, float64(1), testutil.ToFloat64(m.PendingSignatures))

		signed, err := NewKeypairFromAccount(payer).Sign(context.Background(), unsigned)
		require.NoError(t, err)
		require.NoError(t, a.Approve(context.Background(), attemptID, signed))

		got := <-res
		require.NoError(t, got.err)
		assert.Equal(t, signed, got.signed)
		assert.Empty(t, a.List())
		assert.Equal(t, float64(0), testutil.ToFloat64(m.PendingSignatures))
	})

	t.Run("bad signature keeps the request open", func(t *testing.T) {
		a := NewApproval()
		ctx, attemptID := attemptContext()
		res := signAsync(ctx, a, unsigned)
		waitPending(t, a, attemptID)

		err := a.Approve(context.Background(), attemptID, unsigned)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
		_, err = a.Pending(attemptID)
		assert.NoError(t, err)

		require.NoError(t, a.Reject(context.Background(), attemptID, ""))
		assert.ErrorIs(t, (<-res).err, models.ErrUserRejected)
	})

	t.Run("reject is user rejection", func(t *testing.T) {
		a := NewApproval()
		ctx, attemptID := attemptContext()
		res := signAsync(ctx, a, unsigned)
		waitPending(t, a, attemptID)

		require.NoError(t, a.Reject(context.Background(), attemptID, "not now"))
		got := <-res
		assert.ErrorIs(t, got.err, models.ErrUserRejected)
		assert.Contains(t, got.err.Error(), "not now")

		assert.ErrorIs(t, a.Reject(context.Background(), attemptID, ""), sentinel.ErrNotFound)
	})

	t.Run("timeout is user rejection", func(t *testing.T) {
		a := NewApproval(WithSigningTimeout(20 * time.Millisecond))
		ctx, _ := attemptContext()
		_, err := a.Sign(ctx, unsigned)
		assert.ErrorIs(t, err, models.ErrUserRejected)
		assert.Empty(t, a.List())
	})

	t.Run("context cancellation", func(t *testing.T) {
		a := NewApproval()
		base, attemptID := attemptContext()
		ctx, cancel := context.WithCancel(base)
		res := signAsync(ctx, a, unsigned)
		waitPending(t, a, attemptID)
		cancel()

		assert.ErrorIs(t, (<-res).err, context.Canceled)
		_, err := a.Pending(attemptID)
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("missing attempt id is unavailable", func(t *testing.T) {
		_, err := NewApproval().Sign(context.Background(), unsigned)
		assert.ErrorIs(t, err, models.ErrCapabilityUnavailable)
	})

	t.Run("unknown attempt", func(t *testing.T) {
		a := NewApproval()
		assert.ErrorIs(t, a.Approve(context.Background(), id.NewAttemptID(), unsigned), sentinel.ErrNotFound)
		_, err := a.Pending(id.NewAttemptID())
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("custom verifier", func(t *testing.T) {
		a := NewApproval(WithVerifier(func(_, _ []byte) error { return nil }))
		ctx, attemptID := attemptContext()
		res := signAsync(ctx, a, []byte{1, 2, 3})
		waitPending(t, a, attemptID)

		require.NoError(t, a.Approve(context.Background(), attemptID, []byte{4, 5, 6}))
		assert.Equal(t, []byte{4, 5, 6}, (<-res).signed)
	})
}
