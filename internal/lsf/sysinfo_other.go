//go:build !linux

package lsf

import "errors"

func gatherSystemUsage() (systemUsage, error) {
	return systemUsage{}, errors.New("system usage sampling not supported on this platform")
}
