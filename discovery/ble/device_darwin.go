//go:build darwin

package ble

import "github.com/paypal/gatt"

var gattOptions = []gatt.Option{
	gatt.MacDeviceRole(gatt.CentralManager),
}

func openDevice() (radio, error) {
	return gatt.NewDevice(gattOptions...)
}
