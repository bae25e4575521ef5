//go:build !unix

package main

import "os"

func lifecycleSignals() (toggle, reset []os.Signal) {
	return nil, nil
}
