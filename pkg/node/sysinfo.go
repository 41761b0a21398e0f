package node

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"

	"nodeselector/pkg/log"
)

// MemoryInfo is host memory usage in bytes.
type MemoryInfo struct {
	Total     uint64 `json:"total"`
	Used      uint64 `json:"used"`
	Available uint64 `json:"available"`
}

// StorageInfo is filesystem usage in bytes.
type StorageInfo struct {
	Total     uint64 `json:"total"`
	Used      uint64 `json:"used"`
	Available uint64 `json:"available"`
}

// getMemoryInfo reads memory information from /proc/meminfo.
func getMemoryInfo() (*MemoryInfo, error) {
	file, err := os.Open("/proc/meminfo")
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("Failed to close /proc/meminfo file")
		}
	}()

	return parseMemInfo(file)
}

type memStatValues struct {
	Total     uint64
	Free      uint64
	Available uint64
	Buffers   uint64
	Cached    uint64
}

func parseMemInfo(r io.Reader) (*MemoryInfo, error) {
	var stats memStatValues

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		const minMemFields = 2
		fields := strings.Fields(scanner.Text())
		if len(fields) < minMemFields {
			continue
		}

		value, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}

		const kbToBytes = 1024
		parseMemValue(strings.TrimSuffix(fields[0], ":"), value*kbToBytes, &stats)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	// Older kernels have no MemAvailable.
	available := stats.Available
	if available == 0 {
		available = stats.Free + stats.Buffers + stats.Cached
	}
	if available > stats.Total {
		available = stats.Total
	}

	return &MemoryInfo{
		Total:     stats.Total,
		Used:      stats.Total - available,
		Available: available,
	}, nil
}

func parseMemValue(key string, value uint64, stats *memStatValues) {
	switch key {
	case "MemTotal":
		stats.Total = value
	case "MemFree":
		stats.Free = value
	case "MemAvailable":
		stats.Available = value
	case "Buffers":
		stats.Buffers = value
	case "Cached":
		stats.Cached = value
	}
}

// getStorageInfo gets disk usage information for the filesystem holding path.
func getStorageInfo(path string) (*StorageInfo, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return nil, err
	}

	blockSize := uint64(stat.Bsize) // #nosec G115 - syscall values are system dependent

	total := stat.Blocks * blockSize
	available := stat.Bavail * blockSize

	return &StorageInfo{
		Total:     total,
		Used:      total - available,
		Available: available,
	}, nil
}
