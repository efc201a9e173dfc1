package mqttbroker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// PublishMessage represents a QoS 0 publish received from a client.
type PublishMessage struct {
	ClientID string
	Topic    string
	Payload  []byte
	Retain   bool
}

// Handler is invoked for each received publish message.
type Handler func(context.Context, PublishMessage)

type clientSession struct {
	conn     net.Conn
	reader   *bufio.Reader
	writeMu  sync.Mutex
	clientID string
	closed   atomic.Bool

	subsMu  sync.RWMutex
	filters map[string]struct{}
}

func newSession(conn net.Conn) *clientSession {
	return &clientSession{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		filters: make(map[string]struct{}),
	}
}

func (c *clientSession) matches(topic string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	for f := range c.filters {
		if MatchTopic(f, topic) {
			return true
		}
	}
	return false
}

func (c *clientSession) subscribe(filter string) {
	c.subsMu.Lock()
	c.filters[filter] = struct{}{}
	c.subsMu.Unlock()
}

func (c *clientSession) unsubscribe(filter string) {
	c.subsMu.Lock()
	delete(c.filters, filter)
	c.subsMu.Unlock()
}

func (c *clientSession) writePacket(packet []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(packet)
	return err
}

// Broker is a minimal MQTT v3.1.1 broker with QoS 0 publish/subscribe,
// topic wildcards and retained messages.
type Broker struct {
	logger       *slog.Logger
	listener     net.Listener
	handler      atomic.Value // stores Handler
	mu           sync.Mutex
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	clientsMu sync.RWMutex
	clients   map[*clientSession]struct{}

	retainedMu sync.RWMutex
	retained   map[string][]byte
}

// New constructs a broker with the supplied logger.
func New(logger *slog.Logger) *Broker {
	b := &Broker{
		logger:   logger,
		clients:  make(map[*clientSession]struct{}),
		retained: make(map[string][]byte),
	}
	b.handler.Store(Handler(func(context.Context, PublishMessage) {}))
	return b
}

// Start begins listening for MQTT clients on the provided bind address.
// The returned channel is closed once the accept loop terminates; fatal errors are sent on it.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)

	b.logger.Info("mqtt broker listening", "addr", ln.Addr().String())

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.acceptLoop(ln, errCh)
	}()

	return errCh, nil
}

func (b *Broker) acceptLoop(ln net.Listener, errCh chan<- error) {
	defer close(errCh)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if b.shuttingDown.Load() {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				b.logger.Warn("temporary accept error", "error", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			errCh <- fmt.Errorf("mqtt accept: %w", err)
			return
		}

		session := newSession(conn)
		b.addClient(session)

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.handleConn(session)
		}()
	}
}

// Addr returns the listening address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop shuts down the broker and releases resources.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	b.clientsMu.Lock()
	for session := range b.clients {
		session.closed.Store(true)
		_ = session.conn.Close()
	}
	b.clients = make(map[*clientSession]struct{})
	b.clientsMu.Unlock()

	b.wg.Wait()
	return nil
}

// SetPublishHandler installs the function invoked for each received publish.
func (b *Broker) SetPublishHandler(h Handler) {
	if h == nil {
		h = func(context.Context, PublishMessage) {}
	}
	b.handler.Store(h)
}

// Publish sends a QoS 0 message to every client with a matching subscription.
func (b *Broker) Publish(topic string, payload []byte) error {
	return b.publish(topic, payload, false, nil)
}

// PublishRetained publishes and stores the message for future subscribers.
// An empty payload clears the retained message for topic.
func (b *Broker) PublishRetained(topic string, payload []byte) error {
	return b.publish(topic, payload, true, nil)
}

// Retained returns the retained payload for topic.
func (b *Broker) Retained(topic string) ([]byte, bool) {
	b.retainedMu.RLock()
	defer b.retainedMu.RUnlock()
	p, ok := b.retained[topic]
	return p, ok
}

func (b *Broker) publish(topic string, payload []byte, retain bool, exclude *clientSession) error {
	if err := validateTopicName(topic); err != nil {
		return err
	}

	if retain {
		b.retainedMu.Lock()
		if len(payload) == 0 {
			delete(b.retained, topic)
		} else {
			b.retained[topic] = append([]byte(nil), payload...)
		}
		b.retainedMu.Unlock()
	}

	packet, err := buildPublishPacket(topic, payload, false)
	if err != nil {
		return err
	}

	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()

	for session := range b.clients {
		if session == exclude || !session.matches(topic) {
			continue
		}
		if err := session.writePacket(packet); err != nil {
			b.logger.Debug("publish to subscriber failed", "client", session.clientID, "error", err)
		}
	}
	return nil
}

func (b *Broker) addClient(session *clientSession) {
	b.clientsMu.Lock()
	b.clients[session] = struct{}{}
	b.clientsMu.Unlock()
}

func (b *Broker) removeClient(session *clientSession) {
	b.clientsMu.Lock()
	delete(b.clients, session)
	b.clientsMu.Unlock()
}

func (b *Broker) handleConn(session *clientSession) {
	defer func() {
		session.closed.Store(true)
		b.removeClient(session)
		_ = session.conn.Close()
	}()

	ctx := context.Background()
	connected := false

	for {
		header, body, err := readPacket(session.reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				b.logger.Debug("read packet error", "client", session.clientID, "error", err)
			}
			return
		}

		packetType := header >> 4
		if !connected && packetType != packetConnect {
			b.logger.Debug("packet before connect", "type", packetType)
			return
		}

		switch packetType {
		case packetConnect:
			if connected {
				b.logger.Debug("duplicate connect", "client", session.clientID)
				return
			}
			if err := b.handleConnect(session, body); err != nil {
				b.logger.Debug("handle connect error", "error", err)
				return
			}
			connected = true
		case packetPublish:
			msg, err := parsePublish(header, body)
			if err != nil {
				b.logger.Debug("parse publish error", "client", session.clientID, "error", err)
				return
			}
			msg.ClientID = session.clientID
			if h, ok := b.handler.Load().(Handler); ok {
				safeInvoke(h, ctx, msg, b.logger)
			}
			if err := b.publish(msg.Topic, msg.Payload, msg.Retain, session); err != nil {
				b.logger.Debug("forward publish failed", "topic", msg.Topic, "error", err)
			}
		case packetSubscribe:
			if err := b.handleSubscribe(session, body); err != nil {
				b.logger.Debug("handle subscribe error", "client", session.clientID, "error", err)
				return
			}
		case packetUnsubscribe:
			if err := b.handleUnsubscribe(session, body); err != nil {
				b.logger.Debug("handle unsubscribe error", "client", session.clientID, "error", err)
				return
			}
		case packetPingReq:
			if err := session.writePacket([]byte{packetPingResp << 4, 0x00}); err != nil {
				b.logger.Debug("write pingresp error", "error", err)
				return
			}
		case packetDisconnect:
			return
		default:
			b.logger.Debug("unsupported packet", "type", packetType)
			return
		}
	}
}

func (b *Broker) handleConnect(session *clientSession, body []byte) error {
	rd := bytesReader(body)

	protoName, err := rd.readString()
	if err != nil {
		return fmt.Errorf("read protocol name: %w", err)
	}
	if protoName != "MQTT" {
		return fmt.Errorf("unsupported protocol %q", protoName)
	}

	level, err := rd.readByte()
	if err != nil {
		return fmt.Errorf("read protocol level: %w", err)
	}
	if level != protocolLevel311 {
		_ = session.writePacket([]byte{packetConnAck << 4, 0x02, 0x00, connAckBadProtocol})
		return fmt.Errorf("unsupported protocol level %d", level)
	}

	flags, err := rd.readByte()
	if err != nil {
		return fmt.Errorf("read connect flags: %w", err)
	}
	// only the clean-session bit is supported: no will, no credentials
	if flags&^connectFlagCleanSession != 0 {
		return fmt.Errorf("unsupported connect flags %08b", flags)
	}

	if _, err := rd.readUint16(); err != nil {
		return fmt.Errorf("read keepalive: %w", err)
	}

	clientID, err := rd.readString()
	if err != nil {
		return fmt.Errorf("read client id: %w", err)
	}
	if clientID == "" {
		clientID = fmt.Sprintf("anon-%d", time.Now().UnixNano())
	}
	session.clientID = clientID

	if err := session.writePacket([]byte{packetConnAck << 4, 0x02, 0x00, 0x00}); err != nil {
		return fmt.Errorf("write connack: %w", err)
	}

	b.logger.Debug("mqtt client connected", "client", clientID, "remote", session.conn.RemoteAddr().String())
	return nil
}

func (b *Broker) handleSubscribe(session *clientSession, body []byte) error {
	rd := bytesReader(body)

	packetID, err := rd.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}

	var (
		filters []string
		codes   []byte
	)
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return fmt.Errorf("read topic filter: %w", err)
		}
		qos, err := rd.readByte()
		if err != nil {
			return fmt.Errorf("read qos: %w", err)
		}
		if qos > 2 || validateTopicFilter(filter) != nil {
			codes = append(codes, subAckFailure)
			continue
		}
		// everything is delivered at QoS 0
		session.subscribe(filter)
		filters = append(filters, filter)
		codes = append(codes, 0x00)
	}
	if len(codes) == 0 {
		return fmt.Errorf("subscribe without topic filters")
	}

	if err := session.writePacket(buildSubAck(packetID, codes)); err != nil {
		return err
	}

	return b.deliverRetained(session, filters)
}

func (b *Broker) deliverRetained(session *clientSession, filters []string) error {
	b.retainedMu.RLock()
	var packets [][]byte
	for topic, payload := range b.retained {
		for _, f := range filters {
			if MatchTopic(f, topic) {
				p, err := buildPublishPacket(topic, payload, true)
				if err == nil {
					packets = append(packets, p)
				}
				break
			}
		}
	}
	b.retainedMu.RUnlock()

	for _, p := range packets {
		if err := session.writePacket(p); err != nil {
			return fmt.Errorf("deliver retained: %w", err)
		}
	}
	return nil
}

func (b *Broker) handleUnsubscribe(session *clientSession, body []byte) error {
	rd := bytesReader(body)
	packetID, err := rd.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return fmt.Errorf("read topic filter: %w", err)
		}
		session.unsubscribe(filter)
	}

	return session.writePacket([]byte{packetUnsubAck << 4, 0x02, byte(packetID >> 8), byte(packetID)})
}

func safeInvoke(h Handler, ctx context.Context, msg PublishMessage, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("publish handler panic", "topic", msg.Topic, "panic", r)
		}
	}()
	h(ctx, msg)
}
