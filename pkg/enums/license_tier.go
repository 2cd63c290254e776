package enums

import "fmt"

// LicenseTier identifies which usage license a line item grants.
type LicenseTier string

const (
	LicenseTierBasic     LicenseTier = "basic"
	LicenseTierPremium   LicenseTier = "premium"
	LicenseTierExclusive LicenseTier = "exclusive"
)

var validLicenseTiers = []LicenseTier{
	LicenseTierBasic,
	LicenseTierPremium,
	LicenseTierExclusive,
}

// String implements fmt.Stringer.
func (t LicenseTier) String() string {
	return string(t)
}

// IsValid reports whether the value is a known LicenseTier.
func (t LicenseTier) IsValid() bool {
	for _, candidate := range validLicenseTiers {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseLicenseTier converts raw input into a LicenseTier.
func ParseLicenseTier(value string) (LicenseTier, error) {
	for _, candidate := range validLicenseTiers {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid license tier %q", value)
}
