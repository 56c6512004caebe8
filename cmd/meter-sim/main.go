// Command meter-sim impersonates a field meter: it provisions itself against the
// hub and then reports sensor lines over HTTP or MQTT on a fixed cadence.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/pflag"
)

type options struct {
	server    string
	broker    string
	prefix    string
	meterID   string
	sensorID  string
	serial    string
	interval  time.Duration
	count     int
	configure bool
	shortRate float64
}

func main() {
	var opts options
	flags := pflag.NewFlagSet("meter-sim", pflag.ExitOnError)
	flags.StringVar(&opts.server, "server", "http://localhost:5000", "hub base URL used for provisioning and HTTP uploads")
	flags.StringVar(&opts.broker, "broker", "", "MQTT broker address (e.g. tcp://localhost:1883); empty uploads over HTTP")
	flags.StringVar(&opts.prefix, "topic-prefix", "meters", "MQTT topic prefix")
	flags.StringVar(&opts.meterID, "meter-id", "sim-meter-1", "meter identifier")
	flags.StringVar(&opts.sensorID, "sensor-id", "temp-1", "sensor identifier")
	flags.StringVar(&opts.serial, "serial", "SN0001", "sensor serial number")
	flags.DurationVar(&opts.interval, "interval", 10*time.Second, "time between readings")
	flags.IntVarP(&opts.count, "count", "n", 0, "number of readings to send (0 = until interrupted)")
	flags.BoolVar(&opts.configure, "configure", true, "provision the meter before sending readings")
	flags.Float64Var(&opts.shortRate, "short-rate", 0, "fraction of readings sent truncated, to exercise the drop path")
	_ = flags.Parse(os.Args[1:])

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("meter simulator failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	httpClient := &http.Client{Timeout: 5 * time.Second}

	if opts.configure {
		if err := provision(ctx, httpClient, opts); err != nil {
			return err
		}
		logger.Info("meter provisioned", "meter", opts.meterID, "server", opts.server)
	}

	var send func(line string) error
	if opts.broker != "" {
		client, err := connectMQTT(opts)
		if err != nil {
			return err
		}
		defer client.Disconnect(250)

		topic := fmt.Sprintf("%s/%s/%s/data", strings.Trim(opts.prefix, "/"), opts.meterID, opts.sensorID)
		send = func(line string) error {
			token := client.Publish(topic, 1, false, []byte(line))
			token.Wait()
			return token.Error()
		}
	} else {
		send = func(line string) error {
			return upload(ctx, httpClient, opts, line)
		}
	}

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	for sent := 0; opts.count == 0 || sent < opts.count; sent++ {
		line := sensorLine(opts.serial, time.Now(), rand.Float64() < opts.shortRate)
		if err := send(line); err != nil {
			logger.Warn("send reading failed", "meter", opts.meterID, "error", err)
		} else {
			logger.Info("sent reading", "meter", opts.meterID, "sensor", opts.sensorID, "line", line)
		}

		select {
		case <-ctx.Done():
			logger.Info("received shutdown signal")
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// sensorLine renders one reading the way meter firmware reports it. A short line
// omits the trailing fields.
func sensorLine(serial string, at time.Time, short bool) string {
	temp := 18 + rand.Float64()*10
	adc := 700 + rand.IntN(200)
	line := fmt.Sprintf("%s %s OK %.1f %d", serial, at.Format("2006-01-02 15:04:05"), temp, adc)
	if short {
		return strings.Join(strings.Fields(line)[:3], " ")
	}
	return line
}

func provision(ctx context.Context, client *http.Client, opts options) error {
	body := map[string]any{
		"meter_id":        opts.meterID,
		"ssid":            "sim-network",
		"password":        "sim-password",
		"server_url":      strings.TrimRight(opts.server, "/") + "/upload",
		"sample_interval": max(int(opts.interval/time.Second), 10),
	}
	status, err := postJSON(ctx, client, strings.TrimRight(opts.server, "/")+"/configure", body)
	if err != nil {
		return fmt.Errorf("configure meter: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("configure meter: unexpected status %d", status)
	}
	return nil
}

func upload(ctx context.Context, client *http.Client, opts options, line string) error {
	body := map[string]any{
		"meter_id":  opts.meterID,
		"sensor_id": opts.sensorID,
		"data":      line,
	}
	status, err := postJSON(ctx, client, strings.TrimRight(opts.server, "/")+"/upload", body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("upload rejected with status %d", status)
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, url string, body any) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func connectMQTT(opts options) (mqtt.Client, error) {
	clientID := fmt.Sprintf("%s-simulator-%d", opts.meterID, time.Now().UnixNano())
	mqttOpts := mqtt.NewClientOptions().AddBroker(opts.broker).SetClientID(clientID)
	mqttOpts = mqttOpts.SetOrderMatters(false)

	client := mqtt.NewClient(mqttOpts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to broker: %w", token.Error())
	}
	return client, nil
}
