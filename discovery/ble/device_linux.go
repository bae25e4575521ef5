//go:build linux

package ble

import (
	"github.com/paypal/gatt"
	"github.com/paypal/gatt/linux/cmd"
)

var gattOptions = []gatt.Option{
	gatt.LnxMaxConnections(1),
	gatt.LnxDeviceID(-1, true),
	gatt.LnxSetAdvertisingParameters(&cmd.LESetAdvertisingParameters{
		// 0x00a0 * 0.625ms = 100ms between advertisements.
		AdvertisingIntervalMin: 0x00a0,
		AdvertisingIntervalMax: 0x00a0,
		AdvertisingChannelMap:  0x7,
	}),
}

func openDevice() (radio, error) {
	return gatt.NewDevice(gattOptions...)
}
