package keystore

import "errors"

// Region names used by the cloud link.
const (
	RegionDerivedKey = "derived_key"
	RegionCert       = "mqtt_cert"
	RegionPrivateKey = "mqtt_pkey"
)

// Store errors.
var (
	ErrRegionNotFound = errors.New("region not found")
	ErrInvalidRegion  = errors.New("invalid region name")
)

// RegionStore reads and writes opaque byte regions.
// Implementations must be safe for concurrent access.
type RegionStore interface {
	// Read returns a copy of the region contents.
	// Returns ErrRegionNotFound if the region was never written or was erased.
	Read(region string) ([]byte, error)

	// Write replaces the region contents.
	Write(region string, data []byte) error

	// Erase removes the region. Erasing a missing region is not an error.
	Erase(region string) error
}

func validRegion(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

// Compile-time interface checks.
var (
	_ RegionStore = (*FileStore)(nil)
	_ RegionStore = (*MemoryStore)(nil)
)
