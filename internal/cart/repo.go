package cart

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/soundforge/beatmarket-backend/pkg/db/models"
)

// Repository is the cart store collaborator surface.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Items(ctx context.Context, buyerID uuid.UUID) ([]models.CartItem, error)
	Remove(ctx context.Context, buyerID, productID uuid.UUID) error
	Clear(ctx context.Context, buyerID uuid.UUID) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a cart repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Items(ctx context.Context, buyerID uuid.UUID) ([]models.CartItem, error) {
	var items []models.CartItem
	err := r.db.WithContext(ctx).
		Where("buyer_id = ?", buyerID).
		Order("created_at ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repository) Remove(ctx context.Context, buyerID, productID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Where("buyer_id = ? AND product_id = ?", buyerID, productID).
		Delete(&models.CartItem{}).Error
}

func (r *repository) Clear(ctx context.Context, buyerID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Where("buyer_id = ?", buyerID).
		Delete(&models.CartItem{}).Error
}
