package gpu

import (
	"strings"
	"sync"

	"github.com/jaypipes/pcidb"
)

// pciAddress identifies a device and, optionally, its board vendor.
type pciAddress struct {
	vendor, device       string
	subVendor, subDevice string
}

func parsePCIAddress(pciID, subVendor, subDevice string) pciAddress {
	vendor, device, _ := strings.Cut(pciID, ":")
	return pciAddress{
		vendor:    normalizePCIID(vendor),
		device:    normalizePCIID(device),
		subVendor: normalizePCIID(subVendor),
		subDevice: normalizePCIID(subDevice),
	}
}

// pciNames resolves vendor and model names from the pci.ids database. A
// missing database leaves every lookup empty.
type pciNames struct {
	once sync.Once
	load func() (*pcidb.PCIDB, error)
	db   *pcidb.PCIDB
}

var systemPCINames = &pciNames{load: func() (*pcidb.PCIDB, error) { return pcidb.New() }}

func (n *pciNames) database() *pcidb.PCIDB {
	n.once.Do(func() {
		if db, err := n.load(); err == nil {
			n.db = db
		}
	})
	return n.db
}

// resolve returns the vendor and model names for addr, preferring the
// board-specific subsystem name when one is listed.
func (n *pciNames) resolve(addr pciAddress) (vendor, model string) {
	db := n.database()
	if db == nil || addr.vendor == "" {
		return "", ""
	}
	if v := db.Vendors[addr.vendor]; v != nil {
		vendor = v.Name
	}
	if addr.device == "" {
		return vendor, ""
	}

	product := db.Products[addr.vendor+addr.device]
	if product == nil {
		return vendor, ""
	}
	if addr.subVendor != "" && addr.subDevice != "" {
		for _, sub := range product.Subsystems {
			if sub != nil && sub.Name != "" && sub.VendorID == addr.subVendor && sub.ID == addr.subDevice {
				return vendor, sub.Name
			}
		}
	}
	return vendor, product.Name
}

func normalizePCIID(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	value = strings.TrimPrefix(value, "0x")
	if value == "" {
		return ""
	}
	if len(value) < 4 {
		value = strings.Repeat("0", 4-len(value)) + value
	}
	return value
}

// shouldUseResolvedName reports whether a database name is more useful than
// the driver-provided one.
func shouldUseResolvedName(current, resolved string) bool {
	if resolved == "" {
		return false
	}
	lower := strings.ToLower(strings.TrimSpace(current))
	switch lower {
	case "", "amdgpu", "radeon", "i915", "xe", "nouveau", "nvidia", "msm", "panfrost", "unknown":
		return true
	}
	return strings.HasPrefix(lower, "pci device") || strings.HasPrefix(lower, "0x")
}
