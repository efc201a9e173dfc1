package mqttbroker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MQTT 3.1.1 control packet types.
const (
	packetConnect     = 1
	packetConnAck     = 2
	packetPublish     = 3
	packetSubscribe   = 8
	packetSubAck      = 9
	packetUnsubscribe = 10
	packetUnsubAck    = 11
	packetPingReq     = 12
	packetPingResp    = 13
	packetDisconnect  = 14
)

const (
	protocolLevel311        = 4
	connectFlagCleanSession = 0x02
	connAckBadProtocol      = 0x01
	subAckFailure           = 0x80
	publishFlagRetain       = 0x01

	maxTopicLen = 65535
	// keeps a hostile remaining-length from allocating 256MB per packet
	maxPacketSize = 1 << 20
)

var errMalformedLength = errors.New("malformed remaining length")

func readPacket(r *bufio.Reader) (byte, []byte, error) {
	header, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}

	remaining, err := readVarInt(r)
	if err != nil {
		return 0, nil, err
	}
	if remaining > maxPacketSize {
		return 0, nil, fmt.Errorf("packet of %d bytes exceeds limit", remaining)
	}

	body := make([]byte, remaining)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return header, body, nil
}

func parsePublish(header byte, body []byte) (PublishMessage, error) {
	qos := (header >> 1) & 0x03
	if qos != 0 {
		return PublishMessage{}, fmt.Errorf("unsupported qos %d", qos)
	}

	rd := bytesReader(body)
	topic, err := rd.readString()
	if err != nil {
		return PublishMessage{}, fmt.Errorf("read topic: %w", err)
	}

	msg := PublishMessage{Topic: topic, Retain: header&publishFlagRetain != 0}
	if rd.remaining() > 0 {
		msg.Payload = rd.readBytes(rd.remaining())
	}
	return msg, nil
}

func buildPublishPacket(topic string, payload []byte, retain bool) ([]byte, error) {
	topicLen := len(topic)
	if topicLen > maxTopicLen {
		return nil, fmt.Errorf("topic too long")
	}

	header := byte(packetPublish << 4)
	if retain {
		header |= publishFlagRetain
	}

	remaining := 2 + topicLen + len(payload)
	remainingBytes := encodeRemainingLength(remaining)

	packet := make([]byte, 0, 1+len(remainingBytes)+remaining)
	packet = append(packet, header)
	packet = append(packet, remainingBytes...)
	packet = append(packet, byte(topicLen>>8), byte(topicLen))
	packet = append(packet, topic...)
	packet = append(packet, payload...)
	return packet, nil
}

func buildSubAck(packetID uint16, codes []byte) []byte {
	remaining := 2 + len(codes)
	remainingBytes := encodeRemainingLength(remaining)
	packet := make([]byte, 0, 1+len(remainingBytes)+remaining)
	packet = append(packet, packetSubAck<<4)
	packet = append(packet, remainingBytes...)
	packet = append(packet, byte(packetID>>8), byte(packetID))
	packet = append(packet, codes...)
	return packet
}

// MatchTopic reports whether topic matches an MQTT subscription filter with
// optional '+' (one level) and trailing '#' (any remaining levels) wildcards.
func MatchTopic(filter, topic string) bool {
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")

	for i, f := range fl {
		if f == "#" {
			return i == len(fl)-1
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}

func validateTopicFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("empty topic filter")
	}
	levels := strings.Split(filter, "/")
	for i, l := range levels {
		if strings.Contains(l, "#") && (l != "#" || i != len(levels)-1) {
			return fmt.Errorf("invalid multi-level wildcard in %q", filter)
		}
		if strings.Contains(l, "+") && l != "+" {
			return fmt.Errorf("invalid single-level wildcard in %q", filter)
		}
	}
	return nil
}

func validateTopicName(topic string) error {
	if topic == "" {
		return fmt.Errorf("empty topic")
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("wildcards not allowed in topic %q", topic)
	}
	return nil
}

type bytesReader []byte

func (b *bytesReader) readByte() (byte, error) {
	if len(*b) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	v := (*b)[0]
	*b = (*b)[1:]
	return v, nil
}

func (b *bytesReader) readUint16() (uint16, error) {
	if len(*b) < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	v := uint16((*b)[0])<<8 | uint16((*b)[1])
	*b = (*b)[2:]
	return v, nil
}

func (b *bytesReader) readString() (string, error) {
	l, err := b.readUint16()
	if err != nil {
		return "", err
	}
	if len(*b) < int(l) {
		return "", io.ErrUnexpectedEOF
	}
	s := string((*b)[:l])
	*b = (*b)[l:]
	return s, nil
}

func (b *bytesReader) readBytes(n int) []byte {
	if len(*b) < n {
		n = len(*b)
	}
	out := make([]byte, n)
	copy(out, (*b)[:n])
	*b = (*b)[n:]
	return out
}

func (b *bytesReader) remaining() int {
	return len(*b)
}

func readVarInt(r io.ByteReader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(digit&127) * multiplier
		if digit&128 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, errMalformedLength
}

func encodeRemainingLength(length int) []byte {
	if length < 0 {
		length = 0
	}

	var encoded []byte
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		encoded = append(encoded, digit)
		if length == 0 {
			break
		}
	}
	return encoded
}
