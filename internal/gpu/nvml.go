//go:build !nonvml

package gpu

import (
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// ProbeNVML lists NVIDIA devices through the NVML library. It returns an
// error when the library is not installed.
func ProbeNVML() ([]Info, error) {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nil, fmt.Errorf("nvml init: %v", nvml.ErrorString(ret))
	}
	defer func() { _ = nvml.Shutdown() }()

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("nvml device count: %v", nvml.ErrorString(ret))
	}

	infos := make([]Info, 0, count)
	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			continue
		}
		uuid, _ := device.GetUUID()
		name, _ := device.GetName()
		info := Info{
			ID:     uuid,
			Source: SourceNVML,
			Vendor: "NVIDIA Corporation",
			Name:   name,
		}
		if mem, ret := device.GetMemoryInfo(); ret == nvml.SUCCESS {
			total := mem.Total
			info.VRAMBytes = &total
		}
		if pci, ret := device.GetPciInfo(); ret == nvml.SUCCESS {
			info.PCIID = fmt.Sprintf("%04x:%04x", pci.PciDeviceId&0xffff, pci.PciDeviceId>>16)
		}
		infos = append(infos, info)
	}
	return infos, nil
}
