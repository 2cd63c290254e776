package enums

import "fmt"

// ProductStatus captures a catalog listing's visibility state.
type ProductStatus string

const (
	ProductStatusDraft      ProductStatus = "draft"
	ProductStatusPublished  ProductStatus = "published"
	ProductStatusUnlisted   ProductStatus = "unlisted"
	ProductStatusArchived   ProductStatus = "archived"
	ProductStatusModeration ProductStatus = "moderation"
)

var validProductStatuses = []ProductStatus{
	ProductStatusDraft,
	ProductStatusPublished,
	ProductStatusUnlisted,
	ProductStatusArchived,
	ProductStatusModeration,
}

// String implements fmt.Stringer.
func (s ProductStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known ProductStatus.
func (s ProductStatus) IsValid() bool {
	for _, candidate := range validProductStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// Purchasable reports whether a listing in this state may be checked out.
func (s ProductStatus) Purchasable() bool {
	return s == ProductStatusPublished
}

// ParseProductStatus converts raw input into a ProductStatus.
func ParseProductStatus(value string) (ProductStatus, error) {
	for _, candidate := range validProductStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid product status %q", value)
}
