package models

import "math"

// UnknownDistance is reported when the signal attributes cannot produce an estimate.
const UnknownDistance = -1.0

// pathLossExponent models free space propagation.
const pathLossExponent = 2.0

// EstimateDistance converts a received signal strength and the calibrated transmit
// power (RSSI at one metre) into a distance estimate and its accuracy, both in metres.
func EstimateDistance(rssi, txPower int) (distance, accuracy float64) {
	if rssi == 0 || txPower == 0 {
		return UnknownDistance, UnknownDistance
	}

	distance = math.Pow(10, float64(txPower-rssi)/(10*pathLossExponent))

	ratio := float64(rssi) / float64(txPower)
	if ratio < 1.0 {
		accuracy = math.Pow(ratio, 10)
	} else {
		accuracy = 0.89976*math.Pow(ratio, 7.7095) + 0.111
	}

	return distance, accuracy
}
