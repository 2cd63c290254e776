package ledger

import (
	"context"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
)

// Wallet signs settlement transactions. Implementations may hold a
// local key or defer to a remote signer.
type Wallet interface {
	Address() solana.PublicKey
	SignTransaction(ctx context.Context, tx *solana.Transaction) error
}

type keyWallet struct {
	key solana.PrivateKey
}

// NewWalletFromPrivateKey builds a local-key wallet from a base58
// encoded private key.
func NewWalletFromPrivateKey(base58Key string) (Wallet, error) {
	key, err := solana.PrivateKeyFromBase58(base58Key)
	if err != nil {
		return nil, fmt.Errorf("parsing wallet key: %w", err)
	}
	return &keyWallet{key: key}, nil
}

func (w *keyWallet) Address() solana.PublicKey {
	return w.key.PublicKey()
}

func (w *keyWallet) SignTransaction(_ context.Context, tx *solana.Transaction) error {
	_, err := tx.Sign(func(pub solana.PublicKey) *solana.PrivateKey {
		if pub.Equals(w.key.PublicKey()) {
			return &w.key
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("signing transaction: %w", err)
	}
	return nil
}
