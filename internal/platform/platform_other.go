//go:build !linux

package platform

import (
	"fmt"
	"runtime"
)

// New reports that sandboxes are only available on Linux.
func New() (Platform, error) {
	return nil, fmt.Errorf("unsupported platform: %s (red-cell requires linux namespaces)", runtime.GOOS)
}
