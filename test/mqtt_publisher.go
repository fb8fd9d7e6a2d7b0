package main

import (
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Telemetry mirrors the payload the service expects on its topic
type Telemetry struct {
	DeviceType             string  `json:"DeviceType"`
	DeviceName             string  `json:"DeviceName"`
	RuntimeHours           float64 `json:"RuntimeHours"`
	TemperatureC           float64 `json:"TemperatureC"`
	PressureKPa            float64 `json:"PressureKPa"`
	VibrationMMS           float64 `json:"VibrationMM_S"`
	CurrentDrawA           float64 `json:"CurrentDrawA"`
	SignalNoiseLevel       float64 `json:"SignalNoiseLevel"`
	ClimateControl         string  `json:"ClimateControl"`
	HumidityPercent        float64 `json:"HumidityPercent"`
	Location               string  `json:"Location"`
	OperationalCycles      int     `json:"OperationalCycles"`
	UserInteractionsPerDay float64 `json:"UserInteractionsPerDay"`
	LastServiceDate        string  `json:"LastServiceDate"`
	ApproxDeviceAgeYears   float64 `json:"ApproxDeviceAgeYears"`
	NumRepairs             int     `json:"NumRepairs"`
	ErrorLogsCount         int     `json:"ErrorLogsCount"`
}

var deviceTypes = []string{
	"Anesthesia Machine", "CT Scanner", "Defibrillator", "Dialysis Machine",
	"ECG Monitor", "Infusion Pump", "Patient Ventilator", "Ultrasound Machine",
}

var deviceNames = []string{
	"Alaris GH", "Baxter AK 96", "Baxter Flo-Gard", "Datex Ohmeda S5", "Drager Fabius Trio",
	"Drager V500", "Fresenius 4008", "GE Aisys", "GE Logiq E9", "GE MAC 2000", "GE Revolution",
	"Hamilton G5", "HeartStart FRx", "Lifepak 20", "NxStage System One", "Philips EPIQ",
	"Philips HeartStrart", "Philips Ingenuity", "Phillips PageWriter", "Puritan Bennett 980",
	"Siemens Acuson", "Siemens S2000", "Smiths Medfusion", "Zoll R Series",
}

var (
	hospitals = []string{"A", "B", "C", "D", "E", "F", "G", "H"}
	regions   = []string{"Central", "East", "North", "South", "West"}
)

// malformedPayloads exercise the subscriber's decode path
var malformedPayloads = [][]byte{
	[]byte(`{"DeviceType":`),
	[]byte(`["not","an","object"]`),
	{0xff, 0xfe, 0xfd},
	[]byte(`{"DeviceType":"CT Scanner","RuntimeHours":"many"}`),
}

func main() {
	broker := flag.String("broker", "ssl://localhost:8883", "MQTT broker address")
	topic := flag.String("topic", "iot/failure", "Topic to publish on")
	username := flag.String("username", "", "MQTT username")
	password := flag.String("password", "", "MQTT password")
	insecure := flag.Bool("insecure", false, "Skip TLS certificate verification")
	mode := flag.String("mode", "batch", "Run mode: single, batch, continuous")
	count := flag.Int("count", 100, "Records to publish in batch mode")
	interval := flag.Duration("interval", 100*time.Millisecond, "Delay between records")
	malformed := flag.Int("malformed", 0, "Malformed payloads to mix into batch mode")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))

	opts := paho.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID(fmt.Sprintf("risk-stream-publisher-%d", time.Now().Unix()))
	if *username != "" {
		opts.SetUsername(*username)
		opts.SetPassword(*password)
	}
	opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: *insecure})
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		fmt.Printf("connection lost: %v\n", err)
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		fmt.Printf("failed to connect to MQTT broker: %v\n", token.Error())
		os.Exit(1)
	}
	fmt.Printf("connected to MQTT broker: %s\n", *broker)
	defer client.Disconnect(250)

	switch *mode {
	case "single":
		publish(client, *topic, mustEncode(randomTelemetry(rng)))
	case "batch":
		publishBatch(client, *topic, rng, *count, *malformed, *interval)
	case "continuous":
		publishContinuous(client, *topic, rng, *interval)
	default:
		fmt.Println("unknown mode, use single, batch or continuous")
		os.Exit(1)
	}
}

func publishBatch(client paho.Client, topic string, rng *rand.Rand, count, malformed int, interval time.Duration) {
	// spread the malformed payloads evenly through the batch
	every := 0
	if malformed > 0 {
		every = count/malformed + 1
	}

	sent, bad := 0, 0
	for i := 0; i < count; i++ {
		if every > 0 && bad < malformed && i%every == every-1 {
			publish(client, topic, malformedPayloads[bad%len(malformedPayloads)])
			bad++
		}
		publish(client, topic, mustEncode(randomTelemetry(rng)))
		sent++
		time.Sleep(interval)
	}
	fmt.Printf("finished publishing %d records (%d malformed)\n", sent, bad)
}

func publishContinuous(client paho.Client, topic string, rng *rand.Rand, interval time.Duration) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-sigChan:
			fmt.Println("disconnecting...")
			return
		case <-ticker.C:
			publish(client, topic, mustEncode(randomTelemetry(rng)))
		}
	}
}

func publish(client paho.Client, topic string, payload []byte) {
	token := client.Publish(topic, 0, false, payload)
	token.Wait()

	if err := token.Error(); err != nil {
		fmt.Printf("failed to publish: %v\n", err)
		return
	}
	fmt.Printf("[%s] published %d bytes\n", time.Now().Format("15:04:05"), len(payload))
}

func mustEncode(t Telemetry) []byte {
	data, err := json.Marshal(t)
	if err != nil {
		panic(err)
	}
	return data
}

func randomTelemetry(rng *rand.Rand) Telemetry {
	pick := func(list []string) string { return list[rng.Intn(len(list))] }
	uniform := func(lo, hi float64, digits int) float64 {
		p := math.Pow(10, float64(digits))
		return math.Round((lo+rng.Float64()*(hi-lo))*p) / p
	}
	between := func(lo, hi int) int { return lo + rng.Intn(hi-lo+1) }

	// last service within the past two years
	serviced := time.Now().AddDate(0, 0, -rng.Intn(730))

	return Telemetry{
		DeviceType:             pick(deviceTypes),
		DeviceName:             pick(deviceNames),
		RuntimeHours:           uniform(102.32, 9999.85, 2),
		TemperatureC:           uniform(16.07, 40, 2),
		PressureKPa:            uniform(90, 120, 2),
		VibrationMMS:           uniform(0, 1, 3),
		CurrentDrawA:           uniform(0.1, 1.5, 3),
		SignalNoiseLevel:       uniform(0, 5, 2),
		ClimateControl:         pick([]string{"Yes", "No"}),
		HumidityPercent:        uniform(20, 70, 2),
		Location:               fmt.Sprintf("Hospital %s - %s Region", pick(hospitals), pick(regions)),
		OperationalCycles:      between(5, 11887),
		UserInteractionsPerDay: uniform(0, 26.4, 2),
		LastServiceDate:        serviced.Format("02-01-2006"),
		ApproxDeviceAgeYears:   uniform(0.1, 35.89, 2),
		NumRepairs:             between(0, 19),
		ErrorLogsCount:         between(0, 22),
	}
}
