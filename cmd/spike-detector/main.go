// Command spike-detector samples a membrane-voltage source, classifies each
// sample with the spike state machine and publishes transitions to MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/xid"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/sweeney/spike-detector/internal/log"
	"github.com/sweeney/spike-detector/internal/mqtt"
	"github.com/sweeney/spike-detector/internal/params"
	"github.com/sweeney/spike-detector/internal/session"
	"github.com/sweeney/spike-detector/internal/source"
	"github.com/sweeney/spike-detector/internal/spike"
	"github.com/sweeney/spike-detector/internal/status"
	"github.com/sweeney/spike-detector/internal/web"
)

type options struct {
	period        time.Duration
	thresholdMV   float64
	minIntervalMS float64
	source        string
	simInterval   time.Duration
	pin           int
	gpioHighMV    float64
	gpioLowMV     float64
	serialDevice  string
	baud          int
	broker        string
	heartbeat     time.Duration
	httpAddr      string
	envFile       string
	printSample   bool
	debug         bool
}

var opts options

var rootCmd = &cobra.Command{
	Use:   "spike-detector",
	Short: "Classify a membrane-voltage signal into spike states and publish transitions to MQTT.",
	Long: `spike-detector reads one voltage sample per sampling period from a simulated, ` +
		`GPIO comparator or serial ADC source, runs it through the spike state machine ` +
		`and publishes every state transition to MQTT and to websocket clients.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(opts)
	},
}

func init() {
	f := rootCmd.Flags()
	f.DurationVar(&opts.period, "period", time.Millisecond, "Sampling period")
	f.Float64Var(&opts.thresholdMV, "threshold-mv", spike.DefaultThreshold*1000, "Spike threshold in mV")
	f.Float64Var(&opts.minIntervalMS, "min-interval-ms", float64(spike.DefaultMinInterval)/float64(time.Millisecond), "Refractory interval from spike onset in ms")
	f.StringVar(&opts.source, "source", "sim", "Sample source: sim, gpio or serial")
	f.DurationVar(&opts.simInterval, "sim-interval", 100*time.Millisecond, "Time between simulated spikes (0 for a flat trace)")
	f.IntVar(&opts.pin, "pin", 17, "BCM pin number of the comparator output (gpio source)")
	f.Float64Var(&opts.gpioHighMV, "gpio-high-mv", 30, "Voltage reported while the comparator line is active, in mV")
	f.Float64Var(&opts.gpioLowMV, "gpio-low-mv", -70, "Voltage reported while the comparator line is inactive, in mV")
	f.StringVar(&opts.serialDevice, "serial-device", "/dev/ttyACM0", "Serial ADC device (serial source)")
	f.IntVar(&opts.baud, "baud", 115200, "Serial baud rate")
	f.StringVar(&opts.broker, "broker", "tcp://localhost:1883", `MQTT broker address ("off" disables MQTT)`)
	f.DurationVar(&opts.heartbeat, "heartbeat", 15*time.Minute, "Heartbeat interval (0 to disable)")
	f.StringVar(&opts.httpAddr, "http", ":8080", "HTTP status address (empty to disable)")
	f.StringVar(&opts.envFile, "env-file", "/run/pi-helper.env", "Environment file with NETWORK_* variables")
	f.BoolVar(&opts.printSample, "print-sample", false, "Print one sample from the source and exit")
	f.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		atexit.Exit(1)
	}
	atexit.Exit(0)
}

func run(o options) error {
	if err := log.Init(o.debug); err != nil {
		return err
	}
	atexit.Register(log.Sync)

	networkEnvFile = o.envFile
	if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("load %s: %v", o.envFile, err)
	}

	p, err := params.Display{ThresholdMV: o.thresholdMV, MinIntervalMS: o.minIntervalMS}.Params()
	if err != nil {
		return fmt.Errorf("parameters: %w", err)
	}
	detector, err := spike.NewDetector(p, o.period)
	if err != nil {
		return fmt.Errorf("init detector: %w", err)
	}

	reader, err := openSource(o)
	if err != nil {
		return fmt.Errorf("init source: %w", err)
	}
	defer reader.Close()

	if o.printSample {
		v, err := firstSample(reader, 2*time.Second)
		if err != nil {
			return fmt.Errorf("read sample: %w", err)
		}
		fmt.Printf("%s: %.3f mV\n", o.source, v*1000)
		return nil
	}

	sessionID := xid.New().String()

	var publisher mqtt.Publisher = offlinePublisher{}
	var mqttStatus mqtt.ConnectionStatus = offlinePublisher{}
	if o.broker != "off" {
		rp, err := mqtt.NewRealPublisher(mqtt.Options{
			Broker:   o.broker,
			ClientID: "spike-detector-" + sessionID,
			Params:   detector,
		})
		if err != nil {
			return fmt.Errorf("init mqtt: %w", err)
		}
		publisher, mqttStatus = rp, rp
	}
	defer publisher.Close()

	// Initialize status tracker (before STARTUP so snapshot is available)
	startTime := time.Now()
	tracker := status.NewTracker(sessionID, startTime, status.Config{
		SamplingPeriod: o.period,
		HeartbeatMs:    o.heartbeat.Milliseconds(),
		Source:         o.source,
		Broker:         o.broker,
		HTTPAddr:       o.httpAddr,
	})
	tracker.SetParams(p)
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	// Publish startup event with full status snapshot
	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := publisher.PublishSystem(startupEvent); err != nil {
		log.Warnf("failed to publish startup event: %v", err)
	} else {
		log.Infof("published startup event")
	}

	var live eventSink
	if o.httpAddr != "" {
		hub := web.NewHub()
		live = hub
		srv := web.New(o.httpAddr, tracker, detector, hub)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("http server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Infof("http status server listening on %s", o.httpAddr)
	}

	log.Infow("started",
		"session", sessionID,
		"source", o.source,
		"period", o.period,
		"threshold_mv", o.thresholdMV,
		"min_interval_ms", o.minIntervalMS,
		"broker", o.broker,
		"heartbeat", o.heartbeat)

	ticker := time.NewTicker(o.period)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sess := session.New(detector, startTime)
	return runLoop(reader, publisher, mqttStatus, tracker, sess, live, o.heartbeat, time.Now, ticker.C, sigCh)
}

func openSource(o options) (source.Reader, error) {
	switch o.source {
	case "sim":
		cfg := source.DefaultSimConfig(o.period)
		cfg.Interval = o.simInterval
		return source.NewSimReader(cfg)
	case "gpio":
		return source.NewGPIOReader(o.pin, o.gpioHighMV/1000, o.gpioLowMV/1000)
	case "serial":
		return source.NewSerialReader(o.serialDevice, o.baud)
	}
	return nil, fmt.Errorf("unknown source %q", o.source)
}

// firstSample waits up to timeout for a sample-and-hold source to produce a value.
func firstSample(r source.Reader, timeout time.Duration) (float64, error) {
	deadline := time.Now().Add(timeout)
	for {
		v, err := r.Read()
		if !errors.Is(err, source.ErrNoSample) || time.Now().After(deadline) {
			return v, err
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// eventSink receives transitions for live clients.
type eventSink interface {
	Publish(ev spike.Event) error
}

// offlinePublisher drops everything; used with --broker off.
type offlinePublisher struct{}

func (offlinePublisher) Publish(spike.Event) error            { return nil }
func (offlinePublisher) PublishSystem(mqtt.SystemEvent) error { return nil }
func (offlinePublisher) Close() error                         { return nil }
func (offlinePublisher) IsConnected() bool                    { return false }

func runLoop(reader source.Reader, publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, sess *session.Session, live eventSink, heartbeat time.Duration, now func() time.Time, tick <-chan time.Time, sig <-chan os.Signal) error {
	// NaN never crosses the threshold, so ticks before the first good sample
	// leave the detector idle while its clock keeps running.
	last := math.NaN()
	readFailing := false

	for {
		select {
		case s := <-sig:
			log.Infof("received %v, shutting down", s)
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			event := mqtt.SystemEvent{
				Timestamp: now(),
				Event:     "SHUTDOWN",
				Reason:    signalName,
				Retained:  true,
			}
			if tracker != nil {
				if mqttStatus != nil {
					tracker.SetMQTTConnected(mqttStatus.IsConnected())
				}
				tracker.Update(sess)
				snap := tracker.Snapshot()
				event.RawPayload = status.FormatStatusEvent(snap, "SHUTDOWN", signalName)
			}
			if err := publisher.PublishSystem(event); err != nil {
				log.Warnf("failed to publish shutdown event: %v", err)
			} else {
				log.Infof("published shutdown event")
			}
			return nil

		case <-tick:
			t := now()
			v, err := reader.Read()
			if err != nil {
				// Hold the previous sample so elapsed time stays on the sampling clock.
				if !readFailing {
					log.Warnf("source read error (holding last sample): %v", err)
					readFailing = true
				}
				v = last
			} else {
				if readFailing {
					log.Infof("source recovered")
					readFailing = false
				}
				last = v
			}

			if ev, ok := sess.Step(v); ok {
				logTransition(ev)
				if err := publisher.Publish(ev); err != nil {
					log.Warnf("publish error: %v", err)
					// Don't crash on publish failure
				}
				if live != nil {
					if err := live.Publish(ev); err != nil {
						log.Debugf("live publish error: %v", err)
					}
				}
			}

			// Check for heartbeat
			if hb := sess.CheckHeartbeat(t, heartbeat); hb != nil {
				log.Infow("heartbeat",
					"uptime", hb.Uptime,
					"ticks", hb.Ticks,
					"state", hb.State,
					"onsets", hb.Counts.Onsets,
					"blocks", hb.Counts.Blocks)

				hbEvent := mqtt.SystemEvent{
					Timestamp: hb.Timestamp,
					Event:     "HEARTBEAT",
				}
				if tracker != nil {
					if mqttStatus != nil {
						tracker.SetMQTTConnected(mqttStatus.IsConnected())
					}
					// Refresh network info for heartbeat
					if net := readNetworkInfo(); net != nil {
						tracker.SetNetwork(net)
					}
					tracker.Update(sess)
					hbEvent.RawPayload = status.FormatStatusEvent(tracker.Snapshot(), "HEARTBEAT", "")
				}
				if err := publisher.PublishSystem(hbEvent); err != nil {
					log.Warnf("heartbeat publish error: %v", err)
				}
			}

			// Update status tracker for HTTP consumers
			if tracker != nil {
				tracker.Update(sess)
				if mqttStatus != nil {
					tracker.SetMQTTConnected(mqttStatus.IsConnected())
				}
			}
		}
	}
}

func logTransition(ev spike.Event) {
	switch ev.To {
	case spike.StateBlock:
		log.Warnw("depolarization block", "tick", ev.Tick, "elapsed", ev.Elapsed)
	default:
		log.Debugw("transition", "event", ev.Type(), "tick", ev.Tick, "elapsed", ev.Elapsed, "from", ev.From, "to", ev.To)
	}
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

// networkEnvFile is re-read on every heartbeat; the process environment is
// the fallback for variables it does not set.
var networkEnvFile string

func readNetworkInfo() *status.NetworkInfo {
	env, err := godotenv.Read(networkEnvFile)
	if err != nil {
		env = nil
	}
	get := func(k string) string {
		if v, ok := env[k]; ok {
			return v
		}
		return os.Getenv(k)
	}

	s := get(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       get(envNetworkType),
		IP:         get(envNetworkIP),
		Status:     s,
		Gateway:    get(envNetworkGateway),
		WifiStatus: get(envNetworkWifiStatus),
		SSID:       get(envNetworkWifiSSID),
	}
}
