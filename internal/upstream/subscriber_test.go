package upstream

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/matryer/is"

	"trapwatch/go-mqtt-server/internal/mqttbroker"
)

func TestSubscriberRelaysMessages(t *testing.T) {
	is := is.New(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	b := mqttbroker.New(logger)
	_, err := b.Start("127.0.0.1:0")
	is.NoErr(err)
	t.Cleanup(func() { _ = b.Stop() })

	// retained so delivery does not race the subscription
	is.NoErr(b.PublishRetained("ble/gw-attic/advertisements", []byte(`{"address":"C0:FF:EE:00:00:01"}`)))

	received := make(chan mqttbroker.PublishMessage, 1)
	sub := New("tcp://"+b.Addr().String(), "ble/+/advertisements", "trapwatch-test", func(_ context.Context, msg mqttbroker.PublishMessage) {
		select {
		case received <- msg:
		default:
		}
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	select {
	case msg := <-received:
		is.Equal(msg.Topic, "ble/gw-attic/advertisements")
		is.Equal(msg.ClientID, "trapwatch-test")
		is.Equal(string(msg.Payload), `{"address":"C0:FF:EE:00:00:01"}`)
		is.True(msg.Retain)
	case <-time.After(5 * time.Second):
		t.Fatal("no message relayed from broker")
	}

	cancel()
	select {
	case err := <-done:
		is.NoErr(err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}

func TestSubscriberConnectFailure(t *testing.T) {
	is := is.New(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sub := New("tcp://127.0.0.1:1", "ble/+/advertisements", "", func(context.Context, mqttbroker.PublishMessage) {}, logger)
	err := sub.Run(context.Background())
	is.True(err != nil)
}
