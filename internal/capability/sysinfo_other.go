//go:build !linux

package capability

func systemMemory() uint64 { return 0 }
