package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/eddielth/risk-stream/config"
	"github.com/eddielth/risk-stream/logger"
	"github.com/eddielth/risk-stream/metrics"
	"github.com/eddielth/risk-stream/telemetry"
)

// disconnectQuiesce is how long Disconnect waits for in-flight work, in ms
const disconnectQuiesce = 250

// TransportError reports a broker connection or subscription failure
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mqtt %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Sink receives decoded messages. Enqueue must not block.
type Sink interface {
	Enqueue(raw telemetry.Raw) bool
}

// Subscriber feeds telemetry from one broker topic into a Sink
type Subscriber struct {
	client    mqtt.Client
	config    config.MQTTConfig
	sink      Sink
	metrics   *metrics.Metrics
	accepting atomic.Bool
}

// NewSubscriber prepares the client without connecting
func NewSubscriber(cfg config.MQTTConfig, sink Sink, m *metrics.Metrics) (*Subscriber, error) {
	if cfg.Broker == "" {
		return nil, &TransportError{Op: "configure", Err: errors.New("broker address cannot be empty")}
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("risk-stream-%d", time.Now().Unix())
	}

	s := &Subscriber{
		config:  cfg,
		sink:    sink,
		metrics: m,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	if cfg.TLS.Enabled {
		tlsConfig, err := newTLSConfig(cfg.TLS)
		if err != nil {
			return nil, &TransportError{Op: "configure", Err: err}
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(cfg.MaxReconnectInterval)
	opts.SetCleanSession(true)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		// fires again after every automatic reconnect
		if !s.accepting.Load() {
			return
		}
		if err := s.subscribe(c); err != nil {
			logger.Error("failed to subscribe after reconnect: %v", err)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Error("MQTT connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Info("trying to reconnect to MQTT broker...")
	})

	s.client = mqtt.NewClient(opts)
	return s, nil
}

func newTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.InsecureSkipVerify {
		logger.Warn("MQTT TLS certificate verification is disabled")
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// Start connects and subscribes. A broker that cannot be reached within
// the connect timeout is a fatal TransportError.
func (s *Subscriber) Start() error {
	s.accepting.Store(true)

	token := s.client.Connect()
	if !token.WaitTimeout(s.connectTimeout()) {
		s.accepting.Store(false)
		return &TransportError{Op: "connect", Err: fmt.Errorf("connection to %s timed out", s.config.Broker)}
	}
	if err := token.Error(); err != nil {
		s.accepting.Store(false)
		return &TransportError{Op: "connect", Err: err}
	}
	logger.Info("successfully connected to MQTT broker: %s", s.config.Broker)

	// the on-connect handler subscribes as well; subscribing twice is harmless
	// and this call surfaces the error to the caller.
	if err := s.subscribe(s.client); err != nil {
		return err
	}
	return nil
}

func (s *Subscriber) connectTimeout() time.Duration {
	if s.config.ConnectTimeout > 0 {
		return s.config.ConnectTimeout
	}
	return 10 * time.Second
}

func (s *Subscriber) subscribe(c mqtt.Client) error {
	token := c.Subscribe(s.config.Topic, s.config.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		logger.Debug("received message from topic %s", msg.Topic())
		s.handle(msg.Payload())
	})

	if !token.WaitTimeout(5 * time.Second) {
		return &TransportError{Op: "subscribe", Err: fmt.Errorf("subscription to topic %s timed out", s.config.Topic)}
	}
	if err := token.Error(); err != nil {
		return &TransportError{Op: "subscribe", Err: err}
	}

	logger.Info("successfully subscribed to topic: %s", s.config.Topic)
	return nil
}

// handle runs on paho's callback goroutine and must never block it
func (s *Subscriber) handle(payload []byte) {
	if !s.accepting.Load() {
		return
	}

	raw, err := telemetry.DecodePayload(payload)
	if err != nil {
		s.metrics.Dropped(metrics.ReasonDecode)
		logger.Warn("dropping malformed message (%d bytes): %v", len(payload), err)
		return
	}

	if !s.sink.Enqueue(raw) {
		s.metrics.Dropped(metrics.ReasonRejected)
		logger.Warn("queue rejected message from %v/%v", raw["DeviceType"], raw["DeviceName"])
		return
	}
	s.metrics.Received()
}

// StopAccepting unsubscribes; messages still in flight are dropped
func (s *Subscriber) StopAccepting() {
	if !s.accepting.Swap(false) {
		return
	}
	if !s.client.IsConnectionOpen() {
		return
	}

	token := s.client.Unsubscribe(s.config.Topic)
	if !token.WaitTimeout(5 * time.Second) {
		logger.Warn("unsubscribe from %s timed out", s.config.Topic)
		return
	}
	if err := token.Error(); err != nil {
		logger.Warn("failed to unsubscribe from %s: %v", s.config.Topic, err)
		return
	}
	logger.Info("unsubscribed from topic: %s", s.config.Topic)
}

// Disconnect disconnects from the MQTT broker
func (s *Subscriber) Disconnect() {
	s.accepting.Store(false)
	if !s.client.IsConnected() {
		return
	}
	s.client.Disconnect(disconnectQuiesce)
	logger.Info("disconnected from MQTT broker")
}
