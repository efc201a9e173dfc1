// Package gateway decodes the JSON advertisement envelopes published by BLE
// gateways on <prefix>/<scanner_id>/advertisements.
package gateway

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"trapwatch/go-mqtt-server/internal/model"
)

// TopicSuffix is the last segment of advertisement topics.
const TopicSuffix = "advertisements"

// Envelope is the wire form of one advertisement.
type Envelope struct {
	ScannerID        string            `json:"scanner_id,omitempty"`
	Address          string            `json:"address"`
	Name             string            `json:"name,omitempty"`
	RSSI             *int              `json:"rssi"`
	ManufacturerData map[string]string `json:"manufacturer_data"`
	Timestamp        string            `json:"timestamp,omitempty"`
}

var ErrMissingAddress = errors.New("missing address")

// EntryError describes a manufacturer_data entry that Parse skipped. VendorID
// is only meaningful when KeyValid is set.
type EntryError struct {
	Key      string
	Value    string
	VendorID uint16
	KeyValid bool
	Err      error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("manufacturer data %q: %v", e.Key, e.Err)
}

func (e *EntryError) Unwrap() error { return e.Err }

// Topic returns the advertisement topic for a scanner.
func Topic(prefix, scannerID string) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(prefix, "/"), scannerID, TopicSuffix)
}

// ScannerFromTopic extracts the scanner id from <prefix>/<scanner>/advertisements.
func ScannerFromTopic(prefix, topic string) (string, bool) {
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(topic, prefix)
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != TopicSuffix {
		return "", false
	}
	return parts[0], true
}

// Parse decodes an envelope. The scanner id from the topic is used when the
// payload does not carry one. receivedAt stamps envelopes without a timestamp.
//
// A manufacturer_data entry with a bad key or value does not fail the
// envelope: it is left out of the advertisement and reported in skipped,
// sorted by key, so one broken vendor cannot hide another.
func Parse(payload []byte, scannerID string, receivedAt time.Time) (adv model.RawAdvertisement, skipped []*EntryError, err error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return model.RawAdvertisement{}, nil, fmt.Errorf("decode envelope: %w", err)
	}

	if strings.TrimSpace(env.Address) == "" {
		return model.RawAdvertisement{}, nil, ErrMissingAddress
	}

	adv = model.RawAdvertisement{
		ScannerID:        env.ScannerID,
		Address:          strings.ToUpper(strings.TrimSpace(env.Address)),
		Name:             env.Name,
		ManufacturerData: make(map[uint16][]byte, len(env.ManufacturerData)),
		ReceivedAt:       receivedAt,
	}
	if adv.ScannerID == "" {
		adv.ScannerID = scannerID
	}
	if env.RSSI != nil {
		adv.RSSI = *env.RSSI
	}

	if env.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, env.Timestamp)
		if err != nil {
			return model.RawAdvertisement{}, nil, fmt.Errorf("parse timestamp %q: %w", env.Timestamp, err)
		}
		adv.ReceivedAt = ts.UTC()
	}

	keys := make([]string, 0, len(env.ManufacturerData))
	for key := range env.ManufacturerData {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		id, err := ParseVendorID(key)
		if err != nil {
			skipped = append(skipped, &EntryError{Key: key, Value: env.ManufacturerData[key], Err: err})
			continue
		}
		data, err := hex.DecodeString(strings.TrimPrefix(strings.ReplaceAll(env.ManufacturerData[key], ":", ""), "0x"))
		if err != nil {
			skipped = append(skipped, &EntryError{Key: key, Value: env.ManufacturerData[key], VendorID: id, KeyValid: true, Err: err})
			continue
		}
		adv.ManufacturerData[id] = data
	}

	return adv, skipped, nil
}

// Encode builds an envelope for adv. Used by simulators and tests.
func Encode(adv model.RawAdvertisement) ([]byte, error) {
	rssi := adv.RSSI
	env := Envelope{
		ScannerID:        adv.ScannerID,
		Address:          adv.Address,
		Name:             adv.Name,
		RSSI:             &rssi,
		ManufacturerData: make(map[string]string, len(adv.ManufacturerData)),
	}
	if !adv.ReceivedAt.IsZero() {
		env.Timestamp = adv.ReceivedAt.UTC().Format(time.RFC3339Nano)
	}

	ids := make([]int, 0, len(adv.ManufacturerData))
	for id := range adv.ManufacturerData {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	for _, id := range ids {
		env.ManufacturerData[fmt.Sprintf("0x%04x", id)] = hex.EncodeToString(adv.ManufacturerData[uint16(id)])
	}

	return json.Marshal(env)
}

// ParseVendorID accepts "0x0bbb", "0BBB" style hex or plain decimal ("3003").
// Bare strings are read as hex only when they contain a hex letter, so an
// all-digit key such as "0059" is decimal 59. Gateways that key by the
// integer company id send decimal; hex keys need the 0x prefix to be
// unambiguous.
func ParseVendorID(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)

	base := 10
	switch {
	case strings.HasPrefix(lower, "0x"):
		lower = lower[2:]
		base = 16
	case strings.ContainsAny(lower, "abcdef"):
		base = 16
	}

	v, err := strconv.ParseUint(lower, base, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid vendor id %q: %w", s, err)
	}
	return uint16(v), nil
}
