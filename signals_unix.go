//go:build unix

package main

import (
	"os"
	"syscall"
)

func lifecycleSignals() (toggle, reset []os.Signal) {
	return []os.Signal{syscall.SIGUSR1}, []os.Signal{syscall.SIGHUP}
}
