package enums

import "fmt"

// PaymentRail names the settlement path a checkout attempt rides on.
type PaymentRail string

const (
	PaymentRailFiat   PaymentRail = "fiat"
	PaymentRailCrypto PaymentRail = "crypto"
)

var validPaymentRails = []PaymentRail{
	PaymentRailFiat,
	PaymentRailCrypto,
}

// String implements fmt.Stringer.
func (r PaymentRail) String() string {
	return string(r)
}

// IsValid reports whether the value is a known PaymentRail.
func (r PaymentRail) IsValid() bool {
	for _, candidate := range validPaymentRails {
		if candidate == r {
			return true
		}
	}
	return false
}

// ParsePaymentRail converts raw input into a PaymentRail.
func ParsePaymentRail(value string) (PaymentRail, error) {
	for _, candidate := range validPaymentRails {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment rail %q", value)
}
