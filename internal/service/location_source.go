package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"

	"salesfloor/proximity/internal/model"
)

// LocationSource yields the next position fix for a vendor
type LocationSource interface {
	// CurrentPosition blocks until a fix newer than the last one returned arrives or ctx is done
	CurrentPosition(ctx context.Context, vendorID string) (model.GeoPoint, error)
}

// LocationUplinkSubject is the NATS subject devices publish fixes on
const LocationUplinkSubject = "proximity.uplink.location"

// FixBuffer holds the newest unconsumed fix per vendor. Every uplink writes into it.
type FixBuffer struct {
	mu    sync.Mutex
	slots map[string]*fixSlot
}

type fixSlot struct {
	point    model.GeoPoint
	pending  bool
	received time.Time
	wake     chan struct{}
}

// NewFixBuffer creates an empty buffer
func NewFixBuffer() *FixBuffer {
	return &FixBuffer{slots: make(map[string]*fixSlot)}
}

func (b *FixBuffer) slot(vendorID string) *fixSlot {
	s, ok := b.slots[vendorID]
	if !ok {
		s = &fixSlot{wake: make(chan struct{})}
		b.slots[vendorID] = s
	}
	return s
}

// Push stores a fix. An older fix never replaces a newer pending one.
func (b *FixBuffer) Push(vendorID string, point model.GeoPoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.slot(vendorID)
	if s.pending && point.CapturedAt.Before(s.point.CapturedAt) {
		return
	}
	s.point = point
	s.pending = true
	s.received = time.Now()
	close(s.wake)
	s.wake = make(chan struct{})
}

// CurrentPosition returns the pending fix, waiting for one if necessary
func (b *FixBuffer) CurrentPosition(ctx context.Context, vendorID string) (model.GeoPoint, error) {
	for {
		b.mu.Lock()
		s := b.slot(vendorID)
		if s.pending {
			s.pending = false
			point := s.point
			b.mu.Unlock()
			return point, nil
		}
		wake := s.wake
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return model.GeoPoint{}, fmt.Errorf("vendor %s: %w", vendorID, ErrNoFix)
		case <-wake:
		}
	}
}

// LastReceived returns when the latest fix for vendorID arrived, zero if none has
func (b *FixBuffer) LastReceived(vendorID string) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.slots[vendorID]; ok {
		return s.received
	}
	return time.Time{}
}

// PushMessage decodes an uplink payload and stores it. fallbackVendor is used when the payload omits vendor_id.
func (b *FixBuffer) PushMessage(data []byte, fallbackVendor string) (model.LocationMessage, error) {
	var msg model.LocationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("decode location message: %w", err)
	}
	if msg.VendorID == "" {
		msg.VendorID = fallbackVendor
	}
	if msg.VendorID == "" {
		return msg, fmt.Errorf("location message without vendor id")
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	b.Push(msg.VendorID, msg.Point())
	return msg, nil
}

// NATSLocationSource feeds a FixBuffer from the NATS location uplink
type NATSLocationSource struct {
	*FixBuffer
	nc     *nats.Conn
	sub    *nats.Subscription
	logger *log.Logger
}

// NewNATSLocationSource creates a NATS-fed location source over buffer
func NewNATSLocationSource(nc *nats.Conn, buffer *FixBuffer, logger *log.Logger) *NATSLocationSource {
	return &NATSLocationSource{FixBuffer: buffer, nc: nc, logger: logger}
}

// Start subscribes to the uplink subject
func (s *NATSLocationSource) Start() error {
	sub, err := s.nc.Subscribe(LocationUplinkSubject, func(msg *nats.Msg) {
		if _, err := s.PushMessage(msg.Data, ""); err != nil {
			s.logger.Warn("dropping location message", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", LocationUplinkSubject, err)
	}
	s.sub = sub
	s.logger.Info("subscribed to location uplink", "subject", LocationUplinkSubject)
	return nil
}

// Stop unsubscribes
func (s *NATSLocationSource) Stop() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}

// MQTTOptions configures the MQTT uplink client
type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string // may contain a single-level wildcard for the vendor id, e.g. vendors/+/location
}

// MQTTLocationSource feeds a FixBuffer from an MQTT broker
type MQTTLocationSource struct {
	*FixBuffer
	opts   MQTTOptions
	client mqtt.Client
	logger *log.Logger
}

// NewMQTTLocationSource creates an MQTT-fed location source over buffer
func NewMQTTLocationSource(opts MQTTOptions, buffer *FixBuffer, logger *log.Logger) *MQTTLocationSource {
	if opts.Topic == "" {
		opts.Topic = "vendors/+/location"
	}
	return &MQTTLocationSource{FixBuffer: buffer, opts: opts, logger: logger}
}

// Connect dials the broker; the subscription is re-established on every reconnect
func (s *MQTTLocationSource) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.opts.Broker)
	opts.SetClientID(s.opts.ClientID)
	opts.SetUsername(s.opts.Username)
	opts.SetPassword(s.opts.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("connection to MQTT broker lost", "broker", s.opts.Broker, "err", err)
	})

	s.client = mqtt.NewClient(opts)
	token := s.client.Connect()
	timeout := 30 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection error: %w", err)
	}
	return nil
}

func (s *MQTTLocationSource) onConnect(client mqtt.Client) {
	s.logger.Info("connected to MQTT broker", "broker", s.opts.Broker, "topic", s.opts.Topic)
	token := client.Subscribe(s.opts.Topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		s.handleMessage(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		s.logger.Error("failed to subscribe", "topic", s.opts.Topic, "err", token.Error())
	}
}

func (s *MQTTLocationSource) handleMessage(topic string, payload []byte) {
	if _, err := s.PushMessage(payload, VendorFromTopic(s.opts.Topic, topic)); err != nil {
		s.logger.Warn("dropping location message", "topic", topic, "err", err)
	}
}

// Disconnect closes the broker connection
func (s *MQTTLocationSource) Disconnect() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}

// VendorFromTopic extracts the segment matched by the first + wildcard of pattern
func VendorFromTopic(pattern, topic string) string {
	want := strings.Split(pattern, "/")
	got := strings.Split(topic, "/")
	if len(want) != len(got) {
		return ""
	}
	for i, part := range want {
		if part == "+" {
			return got[i]
		}
	}
	return ""
}
