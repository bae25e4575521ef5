// Package beacon encodes the presence announcement carried by every transport.
//
// The layout fits a legacy BLE advertisement:
//
//	byte  0      magic 0xB7
//	byte  1      version
//	bytes 2..17  peer UUID
//	byte  18     transmit power at 1 m (int8, dBm)
//	byte  19     display name length N (0..MaxNameLen)
//	bytes 20..   N bytes of UTF-8 display name
package beacon

import (
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	// Magic marks peerbeacon payloads.
	Magic byte = 0xB7
	// Version is the payload layout version written by Marshal.
	Version byte = 1
	// MaxNameLen bounds the encoded display name.
	MaxNameLen = 64

	headerLen = 20
)

var (
	// ErrShortPayload means the payload ended before the fixed header did.
	ErrShortPayload = errors.New("beacon: payload too short")
	// ErrBadMagic means the payload is not a peerbeacon announcement.
	ErrBadMagic = errors.New("beacon: bad magic")
	// ErrUnsupportedVersion means the payload uses an unknown layout.
	ErrUnsupportedVersion = errors.New("beacon: unsupported version")
	// ErrMissingIdentifier means the payload carries the nil UUID.
	ErrMissingIdentifier = errors.New("beacon: missing peer identifier")
	// ErrBadName means the display name overruns the payload or is not UTF-8.
	ErrBadName = errors.New("beacon: malformed display name")
)

// Announcement is what a device publishes about itself.
type Announcement struct {
	PeerID      uuid.UUID
	DisplayName string
	TxPower     int8
}

// Marshal encodes an announcement, truncating long names on a rune boundary.
func Marshal(a Announcement) ([]byte, error) {
	return marshal(a, MaxNameLen)
}

// MarshalLimit encodes an announcement into at most limit bytes, shortening the
// display name as needed. The limit must leave room for the fixed header.
func MarshalLimit(a Announcement, limit int) ([]byte, error) {
	if limit < headerLen {
		return nil, errors.Errorf("beacon: limit %d is below header size %d", limit, headerLen)
	}
	return marshal(a, min(MaxNameLen, limit-headerLen))
}

// HeaderLen is the size of an announcement with an empty display name.
func HeaderLen() int {
	return headerLen
}

func marshal(a Announcement, maxName int) ([]byte, error) {
	if a.PeerID == uuid.Nil {
		return nil, errors.WithStack(ErrMissingIdentifier)
	}
	if !utf8.ValidString(a.DisplayName) {
		return nil, errors.WithStack(ErrBadName)
	}

	name := truncateName(a.DisplayName, maxName)

	out := make([]byte, headerLen, headerLen+len(name))
	out[0] = Magic
	out[1] = Version
	copy(out[2:18], a.PeerID[:])
	out[18] = byte(a.TxPower)
	out[19] = byte(len(name))
	return append(out, name...), nil
}

// Unmarshal decodes a payload produced by Marshal.
func Unmarshal(payload []byte) (Announcement, error) {
	if len(payload) < headerLen {
		return Announcement{}, errors.Wrapf(ErrShortPayload, "got %d bytes", len(payload))
	}
	if payload[0] != Magic {
		return Announcement{}, errors.WithStack(ErrBadMagic)
	}
	if payload[1] != Version {
		return Announcement{}, errors.Wrapf(ErrUnsupportedVersion, "version %d", payload[1])
	}

	id, err := uuid.FromBytes(payload[2:18])
	if err != nil {
		return Announcement{}, errors.WithStack(err)
	}
	if id == uuid.Nil {
		return Announcement{}, errors.WithStack(ErrMissingIdentifier)
	}

	nameLen := int(payload[19])
	if nameLen > MaxNameLen || headerLen+nameLen > len(payload) {
		return Announcement{}, errors.Wrapf(ErrBadName, "length %d", nameLen)
	}
	name := payload[headerLen : headerLen+nameLen]
	if !utf8.Valid(name) {
		return Announcement{}, errors.WithStack(ErrBadName)
	}

	return Announcement{
		PeerID:      id,
		DisplayName: string(name),
		TxPower:     int8(payload[18]),
	}, nil
}

func truncateName(name string, max int) string {
	if len(name) <= max {
		return name
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return name[:cut]
}
