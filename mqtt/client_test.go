package mqtt

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eddielth/risk-stream/config"
	"github.com/eddielth/risk-stream/metrics"
	"github.com/eddielth/risk-stream/queue"
	"github.com/eddielth/risk-stream/telemetry"
)

const validPayload = `{"DeviceType":"Infusion Pump","DeviceName":"Baxter Flo-Gard","RuntimeHours":812.4,
"TemperatureC":24.1,"PressureKPa":101.3,"VibrationMM_S":0.21,"CurrentDrawA":1.1,"SignalNoiseLevel":2.4,
"ClimateControl":"Yes","HumidityPercent":48.0,"Location":"Hospital A - North Region","OperationalCycles":1543,
"UserInteractionsPerDay":12.5,"LastServiceDate":"14-02-2025","ApproxDeviceAgeYears":3.5,"NumRepairs":1,
"ErrorLogsCount":4}`

func newTestSubscriber(t *testing.T, sink Sink, m *metrics.Metrics) *Subscriber {
	t.Helper()
	s, err := NewSubscriber(config.MQTTConfig{Broker: "tcp://127.0.0.1:1883", Topic: "iot/failure"}, sink, m)
	if err != nil {
		t.Fatalf("new subscriber: %v", err)
	}
	s.accepting.Store(true)
	return s
}

func droppedCount(t *testing.T, g prometheus.Gatherer, reason string) float64 {
	t.Helper()
	families, err := g.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "riskstream_messages_dropped_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "reason" && label.GetValue() == reason {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestHandleEnqueuesValidPayload(t *testing.T) {
	q := queue.New[telemetry.Raw](0)
	m := metrics.New(prometheus.NewRegistry())
	s := newTestSubscriber(t, q, m)

	s.handle([]byte(validPayload))

	if q.Len() != 1 {
		t.Fatalf("expected one queued message, got %d", q.Len())
	}
	raw, _ := q.TryDequeue()
	rec, err := telemetry.Normalize(raw)
	if err != nil {
		t.Fatalf("queued payload should normalize: %v", err)
	}
	if rec.OperationalCycles != 1543 || rec.DeviceType != "Infusion Pump" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestMalformedPayloadLeavesQueueUnchanged(t *testing.T) {
	q := queue.New[telemetry.Raw](0)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s := newTestSubscriber(t, q, m)

	s.handle([]byte(validPayload))
	for _, payload := range []string{
		`{"DeviceType":`,
		`[1,2,3]`,
		"\xff\xfe",
		`{"a":1} {"b":2}`,
		``,
	} {
		s.handle([]byte(payload))
		if q.Len() != 1 {
			t.Fatalf("payload %q changed queue length to %d", payload, q.Len())
		}
	}

	s.handle([]byte(validPayload))
	if q.Len() != 2 {
		t.Fatalf("subscriber should keep accepting after malformed input, got %d", q.Len())
	}

	if got := droppedCount(t, reg, metrics.ReasonDecode); got != 5 {
		t.Fatalf("expected 5 decode drops, got %v", got)
	}
}

func TestRejectedEnqueueIsCounted(t *testing.T) {
	q := queue.New[telemetry.Raw](1)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s := newTestSubscriber(t, q, m)

	s.handle([]byte(validPayload))
	s.handle([]byte(validPayload))
	q.Close()
	s.handle([]byte(validPayload))

	if q.Len() != 1 {
		t.Fatalf("expected bounded queue to hold one message, got %d", q.Len())
	}
	if got := droppedCount(t, reg, metrics.ReasonRejected); got != 2 {
		t.Fatalf("expected 2 rejected messages, got %v", got)
	}
}

func TestHandleAfterStopAcceptingDrops(t *testing.T) {
	q := queue.New[telemetry.Raw](0)
	s := newTestSubscriber(t, q, nil)

	s.StopAccepting()
	s.handle([]byte(validPayload))

	if q.Len() != 0 {
		t.Fatalf("messages after StopAccepting must be dropped")
	}
	s.Disconnect()
}

func TestNewSubscriberValidation(t *testing.T) {
	q := queue.New[telemetry.Raw](0)

	_, err := NewSubscriber(config.MQTTConfig{Topic: "iot/failure"}, q, nil)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError for empty broker, got %v", err)
	}

	_, err = NewSubscriber(config.MQTTConfig{
		Broker: "ssl://127.0.0.1:8883",
		Topic:  "iot/failure",
		TLS:    config.TLSConfig{Enabled: true, CAFile: filepath.Join(t.TempDir(), "missing.pem")},
	}, q, nil)
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError for missing CA file, got %v", err)
	}

	bogus := filepath.Join(t.TempDir(), "bogus.pem")
	if err := os.WriteFile(bogus, []byte("not a certificate"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := newTLSConfig(config.TLSConfig{CAFile: bogus}); err == nil {
		t.Fatalf("expected error for CA file without certificates")
	}

	tlsConfig, err := newTLSConfig(config.TLSConfig{ServerName: "broker.example.com"})
	if err != nil || tlsConfig.ServerName != "broker.example.com" || tlsConfig.RootCAs != nil {
		t.Fatalf("unexpected tls config %+v, err %v", tlsConfig, err)
	}
}

func TestStartUnreachableBrokerIsTransportError(t *testing.T) {
	q := queue.New[telemetry.Raw](0)
	s, err := NewSubscriber(config.MQTTConfig{
		Broker:         "tcp://127.0.0.1:1",
		Topic:          "iot/failure",
		ConnectTimeout: 500 * time.Millisecond,
	}, q, nil)
	if err != nil {
		t.Fatalf("new subscriber: %v", err)
	}

	err = s.Start()
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "connect" {
		t.Fatalf("expected connect TransportError, got %v", err)
	}
	s.handle([]byte(validPayload))
	if q.Len() != 0 {
		t.Fatalf("failed start must not accept messages")
	}
}
