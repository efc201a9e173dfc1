package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"trapwatch/go-mqtt-server/internal/decoder"
	"trapwatch/go-mqtt-server/internal/gateway"
	"trapwatch/go-mqtt-server/internal/model"
)

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	scannerID := flag.String("scanner-id", "sim-gateway-1", "Gateway identifier used in the topic")
	topicPrefix := flag.String("topic-prefix", "ble", "Advertisement topic prefix")
	address := flag.String("address", "C0:FF:EE:00:00:01", "Bluetooth address of the simulated trap")
	trapID := flag.String("trap-id", "AB1200FF", "Trap id as 8 hex characters")
	variant := flag.String("variant", "battery", "Payload variant: battery or class-guard")
	vendor := flag.String("vendor-id", "0x0bbb", "Manufacturer id to publish under")
	battery := flag.Float64("battery", 3.0, "Battery voltage to encode (battery variant)")
	tripAfter := flag.Duration("trip-after", 0, "Report the trap as tripped after this long (0 never trips)")
	interval := flag.Duration("interval", 2*time.Second, "Interval between published advertisements")
	baseRSSI := flag.Int("base-rssi", -60, "Baseline RSSI value to simulate")
	rssiJitter := flag.Int("rssi-jitter", 6, "Maximum random jitter applied to RSSI readings")

	flag.Parse()

	frameVariant, err := decoder.ParseVariant(*variant)
	if err != nil {
		log.Fatalf("invalid variant: %v", err)
	}

	vendorID, err := gateway.ParseVendorID(*vendor)
	if err != nil {
		log.Fatalf("invalid vendor id: %v", err)
	}

	id, err := hex.DecodeString(*trapID)
	if err != nil || len(id) != 4 {
		log.Fatalf("trap id must be 8 hex characters, got %q", *trapID)
	}

	clientID := fmt.Sprintf("%s-simulator-%d", *scannerID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	started := time.Now()
	topic := gateway.Topic(*topicPrefix, *scannerID)

	publish := func() {
		tripped := *tripAfter > 0 && time.Since(started) >= *tripAfter

		frame := encodeFrame(frameVariant, id, tripped, *battery)

		adv := model.RawAdvertisement{
			ScannerID:        *scannerID,
			Address:          strings.ToUpper(*address),
			RSSI:             randomRSSI(*baseRSSI, *rssiJitter),
			ManufacturerData: map[uint16][]byte{vendorID: frame},
			ReceivedAt:       time.Now().UTC(),
		}

		data, err := gateway.Encode(adv)
		if err != nil {
			log.Printf("failed to encode envelope: %v", err)
			return
		}

		token := client.Publish(topic, 0, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		log.Printf("published %s trap=%s tripped=%t rssi=%d", topic, strings.ToUpper(*trapID), tripped, adv.RSSI)
	}

	publish()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publish()
		}
	}
}

// encodeFrame builds a SWISSINNO manufacturer payload for the given variant.
func encodeFrame(variant model.Variant, trapID []byte, tripped bool, volts float64) []byte {
	frame := make([]byte, 8)
	if tripped {
		frame[0] = 0x01
	}
	copy(frame[2:6], trapID)
	frame[6] = 0x01

	if variant == model.VariantClassGuard {
		return frame[:decoder.MinLenClassGuard]
	}
	raw := math.Round(volts * 255 / 3.6)
	frame[7] = byte(math.Max(0, math.Min(255, raw)))
	return frame
}

func randomRSSI(base, jitter int) int {
	if jitter <= 0 {
		return base
	}
	delta := rand.Intn(jitter*2+1) - jitter
	return base + delta
}
