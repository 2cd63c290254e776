package wallets

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/soundforge/beatmarket-backend/pkg/db/models"
	pkgerrors "github.com/soundforge/beatmarket-backend/pkg/errors"
)

// Repository resolves a user's bound ledger address. Bindings are
// written by an out-of-band sync process; this surface is read-only and
// never authoritative for ownership.
type Repository interface {
	FindByUserID(ctx context.Context, userID uuid.UUID) (*models.WalletBinding, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a wallet-binding repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) FindByUserID(ctx context.Context, userID uuid.UUID) (*models.WalletBinding, error) {
	var binding models.WalletBinding
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&binding).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no wallet bound for user")
		}
		return nil, err
	}
	return &binding, nil
}
