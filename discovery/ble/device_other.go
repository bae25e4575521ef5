//go:build !linux && !darwin

package ble

import (
	"runtime"

	"github.com/pkg/errors"
)

func openDevice() (radio, error) {
	return nil, errors.Errorf("bluetooth is not supported on %s", runtime.GOOS)
}
