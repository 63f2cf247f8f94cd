//go:build nonvml

package gpu

import "errors"

// ProbeNVML is unavailable in builds tagged nonvml.
func ProbeNVML() ([]Info, error) {
	return nil, errors.New("nvml not available (built with nonvml tag)")
}
