package orders

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/soundforge/beatmarket-backend/pkg/db/models"
	"github.com/soundforge/beatmarket-backend/pkg/enums"
	pkgerrors "github.com/soundforge/beatmarket-backend/pkg/errors"
)

// Repository owns PendingOrder and PurchaseRecord persistence.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, order *models.PendingOrder) (*models.PendingOrder, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.PendingOrder, error)
	GetStatus(ctx context.Context, id uuid.UUID) (enums.OrderStatus, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, next enums.OrderStatus, failureReason *string) error
	InsertPurchaseRecords(ctx context.Context, records []models.PurchaseRecord) error
	PurchasedProductIDs(ctx context.Context, buyerID uuid.UUID) (map[uuid.UUID]struct{}, error)
	AttachSignature(ctx context.Context, orderID, productID uuid.UUID, signature string) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds an orders repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, order *models.PendingOrder) (*models.PendingOrder, error) {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	if order.Status == "" {
		order.Status = enums.OrderStatusPending
	}
	for i := range order.Items {
		if order.Items[i].ID == uuid.Nil {
			order.Items[i].ID = uuid.New()
		}
		order.Items[i].OrderID = order.ID
	}
	if err := r.db.WithContext(ctx).Create(order).Error; err != nil {
		return nil, err
	}
	return order, nil
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.PendingOrder, error) {
	var order models.PendingOrder
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, err
	}
	return &order, nil
}

// GetStatus is the cheap direct status read used to short-circuit
// verification when a concurrent trigger already completed the order.
func (r *repository) GetStatus(ctx context.Context, id uuid.UUID) (enums.OrderStatus, error) {
	var order models.PendingOrder
	err := r.db.WithContext(ctx).
		Select("status").
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return "", err
	}
	return order.Status, nil
}

// UpdateStatus applies a transition, refusing anything the state
// machine disallows. Terminal states are sticky.
func (r *repository) UpdateStatus(ctx context.Context, id uuid.UUID, next enums.OrderStatus, failureReason *string) error {
	current, err := r.GetStatus(ctx, id)
	if err != nil {
		return err
	}
	if current == next {
		return nil
	}
	if !current.CanTransitionTo(next) {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "order status transition disallowed").
			WithDetails(map[string]string{"from": current.String(), "to": next.String()})
	}
	updates := map[string]any{"status": next}
	if failureReason != nil {
		updates["failure_reason"] = *failureReason
	}
	if next == enums.OrderStatusCompleted {
		now := time.Now().UTC()
		updates["completed_at"] = now
	}
	return r.db.WithContext(ctx).
		Model(&models.PendingOrder{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// InsertPurchaseRecords writes one record per line item. Conflicts on
// (buyer, product) are ignored so repeated completion signals can never
// produce duplicates.
func (r *repository) InsertPurchaseRecords(ctx context.Context, records []models.PurchaseRecord) error {
	if len(records) == 0 {
		return nil
	}
	for i := range records {
		if records[i].ID == uuid.Nil {
			records[i].ID = uuid.New()
		}
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "buyer_id"}, {Name: "product_id"}},
			DoNothing: true,
		}).
		Create(&records).Error
}

func (r *repository) PurchasedProductIDs(ctx context.Context, buyerID uuid.UUID) (map[uuid.UUID]struct{}, error) {
	var records []models.PurchaseRecord
	err := r.db.WithContext(ctx).
		Select("product_id").
		Where("buyer_id = ?", buyerID).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	owned := make(map[uuid.UUID]struct{}, len(records))
	for _, record := range records {
		owned[record.ProductID] = struct{}{}
	}
	return owned, nil
}

// AttachSignature records the ledger signature on a settled line item.
// Best-effort bookkeeping; callers log failures instead of failing the
// payment, since funds have already moved.
func (r *repository) AttachSignature(ctx context.Context, orderID, productID uuid.UUID, signature string) error {
	return r.db.WithContext(ctx).
		Model(&models.OrderLineItem{}).
		Where("order_id = ? AND product_id = ?", orderID, productID).
		Update("signature", signature).Error
}
