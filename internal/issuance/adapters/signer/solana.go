// Package signer provides the signing backends for issuance: a custodial
// keypair and an interactive approval flow driven by the user's wallet.
package signer

import (
	"bytes"
	"crypto/ed25519"
	"fmt"

	"github.com/blocto/solana-go-sdk/types"
)

// VerifyFunc checks that signed is unsigned with valid signatures added.
type VerifyFunc func(unsigned, signed []byte) error

// VerifySolana checks that signed carries the same message as unsigned and
// that every required signature is a valid ed25519 signature over it.
func VerifySolana(unsigned, signed []byte) error {
	original, err := types.TransactionDeserialize(unsigned)
	if err != nil {
		return fmt.Errorf("parse unsigned transaction: %w", err)
	}
	returned, err := types.TransactionDeserialize(signed)
	if err != nil {
		return fmt.Errorf("parse signed transaction: %w", err)
	}

	want, err := original.Message.Serialize()
	if err != nil {
		return fmt.Errorf("serialize unsigned message: %w", err)
	}
	got, err := returned.Message.Serialize()
	if err != nil {
		return fmt.Errorf("serialize signed message: %w", err)
	}
	if !bytes.Equal(want, got) {
		return fmt.Errorf("signed transaction carries a different message")
	}

	required := int(returned.Message.Header.NumRequireSignatures)
	if len(returned.Signatures) < required || len(returned.Message.Accounts) < required {
		return fmt.Errorf("transaction is missing signatures")
	}
	for i := 0; i < required; i++ {
		pub := returned.Message.Accounts[i]
		if !ed25519.Verify(ed25519.PublicKey(pub.Bytes()), got, returned.Signatures[i]) {
			return fmt.Errorf("invalid signature for %s", pub.ToBase58())
		}
	}
	return nil
}
