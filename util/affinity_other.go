//go:build !linux

package util

import "github.com/pkg/errors"

func PinThread(cpus ...int) error {
	return errors.New("thread pinning is only supported on linux")
}
