package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"trapwatch/go-mqtt-server/internal/gateway"
	"trapwatch/go-mqtt-server/internal/metrics"
	"trapwatch/go-mqtt-server/internal/model"
	"trapwatch/go-mqtt-server/internal/mqttbroker"
)

const maxRecordedPayload = 4096

var errMalformedEnvelope = errors.New("malformed envelope")

// handleMQTTPublish serves both the embedded broker and the upstream subscriber.
// It runs on transport goroutines, so anything touching the store is handed
// to the adapter's applier.
func (a *App) handleMQTTPublish(_ context.Context, msg mqttbroker.PublishMessage) {
	scannerID, ok := gateway.ScannerFromTopic(a.cfg.AdvTopicPrefix, msg.Topic)
	if !ok {
		return
	}

	adv, skipped, err := gateway.Parse(msg.Payload, scannerID, time.Now().UTC())
	if err != nil {
		a.metrics.Advertisement(metrics.OutcomeMalformed)
		a.logger.Warn("advertisement envelope rejected", "topic", msg.Topic, "client", msg.ClientID, "error", err)
		a.adapter.Reject(model.RawAdvertisement{ScannerID: scannerID}, msg.Payload, fmt.Errorf("%w: %w", errMalformedEnvelope, err))
		return
	}

	var unreadable *gateway.EntryError
	for _, entry := range skipped {
		if entry.KeyValid && entry.VendorID == a.decoder.VendorID() {
			unreadable = entry
			continue
		}
		a.logger.Debug("skipping manufacturer data entry", "address", adv.Address, "scanner", adv.ScannerID, "error", entry)
	}
	if unreadable != nil {
		a.metrics.Advertisement(metrics.OutcomeMalformed)
		a.logger.Warn("trap manufacturer data unreadable", "address", adv.Address, "scanner", adv.ScannerID, "error", unreadable)
		a.adapter.Reject(adv, []byte(unreadable.Value), unreadable)
		return
	}

	a.adapter.Handle(adv)
}

// handleReject records refused payloads. The adapter calls it on the applier
// goroutine.
func (a *App) handleReject(adv model.RawAdvertisement, payload []byte, reason error) {
	a.recordIngestionError(context.Background(), model.IngestionError{
		ScannerID: adv.ScannerID,
		Address:   adv.Address,
		Payload:   recordedPayload(payload, reason),
		Error:     reason.Error(),
	})
}

// recordedPayload keeps text the gateway sent as text and hex-encodes binary
// vendor payloads.
func recordedPayload(payload []byte, reason error) string {
	var entry *gateway.EntryError
	if errors.Is(reason, errMalformedEnvelope) || errors.As(reason, &entry) {
		return string(payload)
	}
	return hex.EncodeToString(payload)
}

func (a *App) recordIngestionError(ctx context.Context, entry model.IngestionError) {
	db := a.db()
	if db == nil || !a.cfg.RecordRejects {
		return
	}

	recCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	entry.Payload = truncateString(entry.Payload, maxRecordedPayload)
	if err := db.InsertIngestionError(recCtx, entry); err != nil {
		a.logger.Error("failed to persist ingestion error", "error", err)
	}
}

func truncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
