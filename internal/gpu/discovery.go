// Package gpu discovers compute accelerators available to the governor.
package gpu

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"
)

const (
	drmClassPath = "class/drm"
)

// Source identifies how an accelerator was discovered.
type Source string

const (
	SourceDRM  Source = "drm"
	SourceNVML Source = "nvml"
)

// Info describes a single accelerator.
type Info struct {
	ID         string  `json:"id"`
	Source     Source  `json:"source"`
	PCI        string  `json:"pci,omitempty"`
	PCIID      string  `json:"pci_id,omitempty"`
	Vendor     string  `json:"vendor,omitempty"`
	Name       string  `json:"name"`
	RenderNode string  `json:"render_node,omitempty"`
	VRAMBytes  *uint64 `json:"vram_bytes"`
}

// Discover enumerates DRM devices that expose a render node under the
// provided sysfs root. Display-only devices without a render node cannot run
// compute work and are skipped.
func Discover(root string, logger *slog.Logger) ([]Info, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	sysRoot, err := os.OpenRoot(root)
	if err != nil {
		return nil, fmt.Errorf("open sysfs root: %w", err)
	}
	defer sysRoot.Close()

	entries, err := fs.ReadDir(sysRoot.FS(), drmClassPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Debug("drm class path missing", "path", filepath.Join(root, drmClassPath))
			return nil, nil
		}
		return nil, fmt.Errorf("read drm class dir: %w", err)
	}

	var infos []Info
	for _, entry := range entries {
		name := entry.Name()
		if !isCardName(name) {
			continue
		}
		if !entry.IsDir() && entry.Type()&os.ModeSymlink == 0 {
			continue
		}

		cardRoot, err := sysRoot.OpenRoot(filepath.Join(drmClassPath, name))
		if err != nil {
			logger.Warn("failed to open card root", "card", name, "err", err)
			continue
		}
		info, err := loadCardInfo(name, cardRoot)
		_ = cardRoot.Close()
		if err != nil {
			logger.Warn("failed to load card info", "card", name, "err", err)
			continue
		}
		if info.RenderNode == "" {
			logger.Debug("skipping card without render node", "card", name)
			continue
		}
		infos = append(infos, info)
	}

	return infos, nil
}

func loadCardInfo(cardID string, cardRoot *os.Root) (Info, error) {
	deviceRoot, err := cardRoot.OpenRoot("device")
	if err != nil {
		return Info{}, fmt.Errorf("open device root: %w", err)
	}
	defer deviceRoot.Close()

	info := Info{ID: cardID, Source: SourceDRM}

	var subVendor, subDevice string
	if data, err := deviceRoot.ReadFile("uevent"); err == nil {
		text := string(data)
		info.PCI = parseKeyValue(text, "PCI_SLOT_NAME")
		info.PCIID = parseKeyValue(text, "PCI_ID")
		if subsys := parseKeyValue(text, "PCI_SUBSYS_ID"); subsys != "" {
			if parts := strings.SplitN(subsys, ":", 2); len(parts) == 2 {
				subVendor, subDevice = parts[0], parts[1]
			}
		}
		info.Name = parseKeyValue(text, "OF_NAME")
		if info.Name == "" {
			info.Name = parseKeyValue(text, "DRIVER")
		}
	}

	if info.PCIID == "" {
		vendor, verr := readTrim(deviceRoot, "vendor")
		device, derr := readTrim(deviceRoot, "device")
		if verr == nil && derr == nil {
			info.PCIID = strings.TrimPrefix(vendor, "0x") + ":" + strings.TrimPrefix(device, "0x")
		}
	}
	if subVendor == "" {
		subVendor, _ = readTrim(deviceRoot, "subsystem_vendor")
	}
	if subDevice == "" {
		subDevice, _ = readTrim(deviceRoot, "subsystem_device")
	}

	vendorName, model := systemPCINames.resolve(parsePCIAddress(info.PCIID, subVendor, subDevice))
	info.Vendor = vendorName
	if shouldUseResolvedName(info.Name, model) {
		info.Name = model
	}

	if raw, err := readTrim(deviceRoot, "mem_info_vram_total"); err == nil {
		if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
			info.VRAMBytes = &v
		}
	}

	info.RenderNode = findRenderNode(deviceRoot)
	return info, nil
}

func findRenderNode(deviceRoot *os.Root) string {
	drmRoot, err := deviceRoot.OpenRoot("drm")
	if err != nil {
		return ""
	}
	defer drmRoot.Close()

	entries, err := fs.ReadDir(drmRoot.FS(), ".")
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "renderD") {
			return filepath.Join("/dev/dri", entry.Name())
		}
	}
	return ""
}

func isCardName(name string) bool {
	if !strings.HasPrefix(name, "card") || strings.ContainsRune(name, '-') {
		return false
	}
	digits := name[len("card"):]
	if digits == "" {
		return false
	}
	for _, r := range digits {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func parseKeyValue(data, key string) string {
	prefix := key + "="
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix))
		}
	}
	return ""
}

func readTrim(root *os.Root, name string) (string, error) {
	data, err := root.ReadFile(name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
