package signer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/blocto/solana-go-sdk/types"
	"github.com/mr-tron/base58"

	"certmint/internal/issuance/models"
)

// Keypair signs with a key held by this service. It fills in its own
// signature slot and leaves any other signer's slot untouched.
type Keypair struct {
	account types.Account
	logger  *slog.Logger
}

type KeypairOption func(*Keypair)

func WithKeypairLogger(logger *slog.Logger) KeypairOption {
	return func(k *Keypair) {
		if logger != nil {
			k.logger = logger
		}
	}
}

// NewKeypair builds a signer from a base58-encoded 64-byte ed25519 secret key,
// the format Solana wallets export.
func NewKeypair(secret string, opts ...KeypairOption) (*Keypair, error) {
	if secret == "" {
		return nil, fmt.Errorf("keypair secret is required")
	}
	raw, err := base58.Decode(secret)
	if err != nil {
		return nil, fmt.Errorf("decode keypair secret: %w", err)
	}
	account, err := types.AccountFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("load keypair: %w", err)
	}
	return NewKeypairFromAccount(account, opts...), nil
}

func NewKeypairFromAccount(account types.Account, opts ...KeypairOption) *Keypair {
	k := &Keypair{account: account, logger: slog.Default()}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// PublicKey is the base58 address this signer signs for.
func (k *Keypair) PublicKey() string {
	return k.account.PublicKey.ToBase58()
}

func (k *Keypair) Sign(ctx context.Context, unsigned []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx, err := types.TransactionDeserialize(unsigned)
	if err != nil {
		return nil, fmt.Errorf("%w: parse transaction: %v", models.ErrCapabilityUnavailable, err)
	}

	slot := -1
	required := int(tx.Message.Header.NumRequireSignatures)
	for i := 0; i < required && i < len(tx.Message.Accounts); i++ {
		if tx.Message.Accounts[i] == k.account.PublicKey {
			slot = i
			break
		}
	}
	if slot < 0 || slot >= len(tx.Signatures) {
		return nil, fmt.Errorf("%w: %s is not a required signer", models.ErrCapabilityUnavailable, k.PublicKey())
	}

	msg, err := tx.Message.Serialize()
	if err != nil {
		return nil, fmt.Errorf("%w: serialize message: %v", models.ErrCapabilityUnavailable, err)
	}
	tx.Signatures[slot] = k.account.Sign(msg)

	out, err := tx.Serialize()
	if err != nil {
		return nil, fmt.Errorf("%w: serialize transaction: %v", models.ErrCapabilityUnavailable, err)
	}
	k.logger.DebugContext(ctx, "transaction signed with custodial keypair", "signer", k.PublicKey())
	return out, nil
}
