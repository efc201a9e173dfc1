// Package decoder parses SWISSINNO trap manufacturer data into readings.
//
// Payload layout (offsets into the manufacturer-specific data, after the
// company identifier):
//
//	0     trip flag, 0x01 = tripped
//	1     reserved
//	2..5  trap identifier
//	6     device-class marker, 0x01 (class-guard variant only)
//	7     raw battery level, volts = raw * 3.6 / 255 (battery variant only)
//
// The firmware never signals which layout it uses, so the decoder picks a
// variant from the payload length and the fields it can validate.
package decoder

import (
	"errors"
	"fmt"

	"trapwatch/go-mqtt-server/internal/model"
)

const (
	offsetTrip        = 0
	offsetTrapID      = 2
	offsetDeviceClass = 6
	offsetBattery     = 7

	trapIDLen = 4

	// MinLenClassGuard is the shortest payload the class-guard variant accepts.
	MinLenClassGuard = 7
	// MinLenBattery is the shortest payload the battery variant accepts.
	MinLenBattery = 8

	tripFlag        = 0x01
	deviceClassTrap = 0x01

	batteryFullScale = 3.6
	batteryRawMax    = 255
)

var (
	ErrVendorMismatch = errors.New("vendor id mismatch")
	ErrShortPayload   = errors.New("payload too short")
	ErrDeviceClass    = errors.New("unexpected device class")
)

// Decoder decodes payloads for a single vendor id.
type Decoder struct {
	vendorID uint16
	variants []model.Variant
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithVendorID overrides the accepted vendor id.
func WithVendorID(id uint16) Option {
	return func(d *Decoder) { d.vendorID = id }
}

// WithVariants restricts the decoder to the given variants, tried in order.
// Unknown variants are ignored; an empty list keeps the default order.
func WithVariants(variants ...model.Variant) Option {
	return func(d *Decoder) {
		var kept []model.Variant
		for _, v := range variants {
			if v == model.VariantBattery || v == model.VariantClassGuard {
				kept = append(kept, v)
			}
		}
		if len(kept) > 0 {
			d.variants = kept
		}
	}
}

// New returns a decoder for SWISSINNO traps trying the battery layout first.
func New(opts ...Option) *Decoder {
	d := &Decoder{
		vendorID: model.VendorSwissinno,
		variants: []model.Variant{model.VariantBattery, model.VariantClassGuard},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// VendorID reports the vendor id the decoder accepts.
func (d *Decoder) VendorID() uint16 {
	return d.vendorID
}

var defaultDecoder = New()

// Decode decodes a payload with the default decoder.
func Decode(vendorID uint16, payload []byte, rssi int) (model.Reading, error) {
	return defaultDecoder.Decode(vendorID, payload, rssi)
}

// Decode returns the reading carried by payload or one of ErrVendorMismatch,
// ErrShortPayload, ErrDeviceClass. It never reads outside payload.
func (d *Decoder) Decode(vendorID uint16, payload []byte, rssi int) (model.Reading, error) {
	if vendorID != d.vendorID {
		return model.Reading{}, ErrVendorMismatch
	}

	rejection := ErrShortPayload
	for _, v := range d.variants {
		var (
			r   model.Reading
			err error
		)
		switch v {
		case model.VariantBattery:
			r, err = decodeBattery(payload)
		case model.VariantClassGuard:
			r, err = decodeClassGuard(payload)
		}
		if err == nil {
			r.RSSI = rssi
			return r, nil
		}
		// a class mismatch says more about the frame than a length miss
		if errors.Is(err, ErrDeviceClass) {
			rejection = err
		}
	}

	return model.Reading{}, rejection
}

func decodeBattery(payload []byte) (model.Reading, error) {
	if len(payload) < MinLenBattery {
		return model.Reading{}, ErrShortPayload
	}
	r := decodeCommon(payload)
	r.Variant = model.VariantBattery
	r.HasBattery = true
	r.BatteryVoltage = BatteryVolts(payload[offsetBattery])
	return r, nil
}

func decodeClassGuard(payload []byte) (model.Reading, error) {
	if len(payload) < MinLenClassGuard {
		return model.Reading{}, ErrShortPayload
	}
	if payload[offsetDeviceClass] != deviceClassTrap {
		return model.Reading{}, ErrDeviceClass
	}
	r := decodeCommon(payload)
	r.Variant = model.VariantClassGuard
	return r, nil
}

// decodeCommon expects len(payload) >= offsetTrapID+trapIDLen.
func decodeCommon(payload []byte) model.Reading {
	return model.Reading{
		TrapID:  FormatTrapID(payload[offsetTrapID : offsetTrapID+trapIDLen]),
		Tripped: payload[offsetTrip] == tripFlag,
	}
}

// BatteryVolts converts the raw battery byte to volts.
func BatteryVolts(raw byte) float64 {
	return float64(raw) * batteryFullScale / batteryRawMax
}

const hexDigits = "0123456789ABCDEF"

// FormatTrapID renders id bytes as upper-case hex in offset order.
func FormatTrapID(id []byte) string {
	buf := make([]byte, 0, len(id)*2)
	for _, b := range id {
		buf = append(buf, hexDigits[b>>4], hexDigits[b&0x0F])
	}
	return string(buf)
}

// ParseVariant maps a configuration name to a payload variant.
func ParseVariant(name string) (model.Variant, error) {
	switch name {
	case "battery", "b":
		return model.VariantBattery, nil
	case "class-guard", "classguard", "a":
		return model.VariantClassGuard, nil
	default:
		return 0, fmt.Errorf("unknown payload variant %q", name)
	}
}
