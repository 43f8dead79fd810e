package asset

import (
	"database/sql/driver"
	"fmt"
	"strings"

	"DefiLedger/internal/fault"
)

// NativeCode identifies the ledger's native asset, which has no issuer.
const NativeCode = "native"

var ErrMalformedAsset = fault.New(fault.KindValidation, "asset: malformed asset identifier")

// Asset is a ledger asset: a currency code plus the issuing account. Its
// text form is Key, so it travels as "native" or "CODE:ISSUER".
type Asset struct {
	Code   string
	Issuer string
}

// Native returns the issuer-less native asset.
func Native() Asset {
	return Asset{Code: NativeCode}
}

// New creates an issued asset.
func New(code, issuer string) Asset {
	return Asset{Code: code, Issuer: issuer}
}

// Parse accepts "native" or "CODE:ISSUER".
func Parse(s string) (Asset, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, NativeCode) {
		return Native(), nil
	}

	code, issuer, ok := strings.Cut(s, ":")
	if !ok || code == "" || issuer == "" {
		return Asset{}, fmt.Errorf("%w: %q", ErrMalformedAsset, s)
	}
	return New(code, issuer), nil
}

// IsNative reports whether a is the native sentinel.
func (a Asset) IsNative() bool {
	return strings.EqualFold(a.Code, NativeCode) && a.Issuer == ""
}

// Matches compares codes case-insensitively and issuers exactly. The native
// sentinel only matches another native asset.
func (a Asset) Matches(other Asset) bool {
	if a.IsNative() || other.IsNative() {
		return a.IsNative() && other.IsNative()
	}
	return strings.EqualFold(a.Code, other.Code) && a.Issuer == other.Issuer
}

// Key is the canonical map key and storage form.
func (a Asset) Key() string {
	if a.IsNative() {
		return NativeCode
	}
	return strings.ToUpper(a.Code) + ":" + a.Issuer
}

func (a Asset) String() string {
	return a.Key()
}

func (a Asset) MarshalText() ([]byte, error) {
	return []byte(a.Key()), nil
}

func (a *Asset) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Value stores the asset as its key.
func (a Asset) Value() (driver.Value, error) {
	return a.Key(), nil
}

func (a *Asset) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return a.UnmarshalText(v)
	case string:
		return a.UnmarshalText([]byte(v))
	default:
		return fmt.Errorf("%w: cannot scan %T", ErrMalformedAsset, src)
	}
}
