package mqttbroker

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/matryer/is"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, b *Broker, clientID string) *testClient {
	t.Helper()
	is := is.New(t)

	conn, err := net.Dial("tcp", b.Addr().String())
	is.NoErr(err)
	t.Cleanup(func() { conn.Close() })

	c := &testClient{conn: conn, reader: bufio.NewReader(conn)}

	body := []byte{0x00, 0x04, 'M', 'Q', 'T', 'T', protocolLevel311, connectFlagCleanSession, 0x00, 0x3C}
	body = append(body, byte(len(clientID)>>8), byte(len(clientID)))
	body = append(body, clientID...)
	c.write(t, packetConnect<<4, body)

	header, ack := c.read(t)
	is.Equal(header>>4, byte(packetConnAck))
	is.Equal(ack, []byte{0x00, 0x00})
	return c
}

func (c *testClient) write(t *testing.T, header byte, body []byte) {
	t.Helper()
	packet := append([]byte{header}, encodeRemainingLength(len(body))...)
	packet = append(packet, body...)
	if _, err := c.conn.Write(packet); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *testClient) read(t *testing.T) (byte, []byte) {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	header, body, err := readPacket(c.reader)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return header, body
}

func (c *testClient) subscribe(t *testing.T, filters ...string) []byte {
	t.Helper()
	body := []byte{0x00, 0x01}
	for _, f := range filters {
		body = append(body, byte(len(f)>>8), byte(len(f)))
		body = append(body, f...)
		body = append(body, 0x00)
	}
	c.write(t, packetSubscribe<<4|0x02, body)

	header, ack := c.read(t)
	if header>>4 != packetSubAck {
		t.Fatalf("expected suback, got packet type %d", header>>4)
	}
	return ack[2:]
}

func (c *testClient) publish(t *testing.T, topic string, payload []byte, retain bool) {
	t.Helper()
	packet, err := buildPublishPacket(topic, payload, retain)
	if err != nil {
		t.Fatalf("build publish: %v", err)
	}
	if _, err := c.conn.Write(packet); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func startBroker(t *testing.T) *Broker {
	t.Helper()
	is := is.New(t)

	b := New(testLogger())
	_, err := b.Start("127.0.0.1:0")
	is.NoErr(err)
	t.Cleanup(func() { _ = b.Stop() })
	return b
}

func TestPublishReachesHandlerAndSubscribers(t *testing.T) {
	is := is.New(t)
	b := startBroker(t)

	received := make(chan PublishMessage, 1)
	b.SetPublishHandler(func(_ context.Context, msg PublishMessage) {
		received <- msg
	})

	sub := dial(t, b, "presentation")
	is.Equal(sub.subscribe(t, "ble/+/advertisements"), []byte{0x00})

	gw := dial(t, b, "gw-kitchen")
	gw.publish(t, "ble/gw-kitchen/advertisements", []byte(`{"address":"AA"}`), false)

	select {
	case msg := <-received:
		is.Equal(msg.ClientID, "gw-kitchen")
		is.Equal(msg.Topic, "ble/gw-kitchen/advertisements")
		is.Equal(string(msg.Payload), `{"address":"AA"}`)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}

	header, body := sub.read(t)
	is.Equal(header>>4, byte(packetPublish))
	msg, err := parsePublish(header, body)
	is.NoErr(err)
	is.Equal(msg.Topic, "ble/gw-kitchen/advertisements")
}

func TestRetainedStateIsDeliveredOnSubscribe(t *testing.T) {
	is := is.New(t)
	b := startBroker(t)

	is.NoErr(b.PublishRetained("traps/AB1200FF/state", []byte(`{"tripped":true}`)))
	is.NoErr(b.PublishRetained("traps/10203040/state", []byte(`{"tripped":false}`)))
	is.NoErr(b.PublishRetained("traps/10203040/state", nil)) // cleared

	c := dial(t, b, "late-consumer")
	c.subscribe(t, "traps/#")

	header, body := c.read(t)
	is.True(header&publishFlagRetain != 0)
	msg, err := parsePublish(header, body)
	is.NoErr(err)
	is.Equal(msg.Topic, "traps/AB1200FF/state")
	is.Equal(string(msg.Payload), `{"tripped":true}`)

	_, ok := b.Retained("traps/10203040/state")
	is.True(!ok)
}

func TestBrokerPublishSkipsUnsubscribed(t *testing.T) {
	is := is.New(t)
	b := startBroker(t)

	c := dial(t, b, "consumer")
	c.subscribe(t, "traps/AB1200FF/state", "traps/+/other")

	// unsubscribe the first filter
	body := []byte{0x00, 0x02, 0x00, byte(len("traps/AB1200FF/state"))}
	body = append(body, "traps/AB1200FF/state"...)
	c.write(t, packetUnsubscribe<<4|0x02, body)
	header, _ := c.read(t)
	is.Equal(header>>4, byte(packetUnsubAck))

	is.NoErr(b.Publish("traps/AB1200FF/state", []byte("x")))
	is.NoErr(b.Publish("traps/AB1200FF/other", []byte("y")))

	header, raw := c.read(t)
	msg, err := parsePublish(header, raw)
	is.NoErr(err)
	is.Equal(msg.Topic, "traps/AB1200FF/other")
}

func TestInvalidFiltersAreRefused(t *testing.T) {
	is := is.New(t)
	b := startBroker(t)

	c := dial(t, b, "consumer")
	codes := c.subscribe(t, "traps/#/state", "traps/+/state")
	is.Equal(codes, []byte{subAckFailure, 0x00})
}

func TestPublishRejectsWildcardTopics(t *testing.T) {
	is := is.New(t)
	b := New(testLogger())

	is.True(b.Publish("traps/+/state", nil) != nil)
	is.True(b.Publish("", nil) != nil)
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	is := is.New(t)
	b := startBroker(t)

	b.SetPublishHandler(func(context.Context, PublishMessage) {
		panic("boom")
	})

	c := dial(t, b, "gw")
	c.publish(t, "ble/gw/advertisements", []byte("{}"), false)

	// the connection survives the panic
	c.write(t, packetPingReq<<4, nil)
	header, _ := c.read(t)
	is.Equal(header>>4, byte(packetPingResp))
}

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"traps/AB1200FF/state", "traps/AB1200FF/state", true},
		{"traps/+/state", "traps/AB1200FF/state", true},
		{"traps/+/state", "traps/AB1200FF/battery", false},
		{"traps/#", "traps/AB1200FF/state", true},
		{"traps/#", "traps", true},
		{"#", "ble/gw/advertisements", true},
		{"ble/+", "ble/gw/advertisements", false},
		{"ble/gw/advertisements/extra", "ble/gw/advertisements", false},
	}

	for _, tt := range tests {
		if got := MatchTopic(tt.filter, tt.topic); got != tt.want {
			t.Errorf("MatchTopic(%q, %q) = %v, want %v", tt.filter, tt.topic, got, tt.want)
		}
	}
}

func TestRemainingLengthEncoding(t *testing.T) {
	is := is.New(t)

	for _, n := range []int{0, 127, 128, 16383, 16384, 2097151} {
		encoded := encodeRemainingLength(n)
		got, err := readVarInt(bufio.NewReader(&byteSliceReader{b: encoded}))
		is.NoErr(err)
		is.Equal(got, n)
	}
}

type byteSliceReader struct{ b []byte }

func (r *byteSliceReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}
