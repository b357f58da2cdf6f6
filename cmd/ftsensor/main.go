package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/ftsensor/internal/config"
	"github.com/banshee-data/ftsensor/internal/db"
	"github.com/banshee-data/ftsensor/internal/monitor"
	"github.com/banshee-data/ftsensor/internal/network"
	"github.com/banshee-data/ftsensor/internal/sensor"
	"github.com/banshee-data/ftsensor/internal/series"
	"github.com/banshee-data/ftsensor/internal/simulator"
	"github.com/banshee-data/ftsensor/internal/stream"
	"github.com/banshee-data/ftsensor/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to a JSON config file (optional)")
	devMode     = flag.Bool("dev", false, "Stream from an in-process simulated device")
	showVersion = flag.Bool("version", false, "Print version and exit")

	// Flags below override the config file when set explicitly.
	host          = flag.String("host", "192.168.1.1", "Sensor address")
	port          = flag.Int("port", 49152, "Sensor RDT port")
	listen        = flag.String("listen", ":8082", "HTTP listen address")
	dbPath        = flag.String("db", "ftsensor.db", "Recording database path (empty disables recording)")
	forwardAddr   = flag.String("forward", "", "Mirror raw datagrams to this host:port")
	pcapFile      = flag.String("pcap", "", "Replay a capture file instead of connecting to the sensor")
	pcapRealtime  = flag.Bool("pcap-realtime", true, "Pace capture replay by packet timestamps")
	statsInterval = flag.Duration("stats-interval", 10*time.Second, "Packet statistics log interval (0 disables)")
	seriesLength  = flag.Int("series", 1000, "Readings kept for charts and tare")
)

const retryInterval = 2 * time.Second

// buildConfig loads the config file, if any, and applies explicitly set flags on top.
func buildConfig() (*config.SensorConfig, error) {
	cfg := &config.SensorConfig{}
	if *configFile != "" {
		loaded, err := config.LoadSensorConfig(*configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	applyFlags(cfg, flag.CommandLine)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

func applyFlags(cfg *config.SensorConfig, fs *flag.FlagSet) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = host
		case "port":
			cfg.Port = port
		case "listen":
			cfg.Listen = listen
		case "db":
			cfg.DBPath = dbPath
		case "forward":
			cfg.ForwardAddr = forwardAddr
		case "pcap":
			cfg.PCAPFile = pcapFile
		case "pcap-realtime":
			cfg.PCAPRealtime = pcapRealtime
		case "stats-interval":
			s := statsInterval.String()
			cfg.StatsInterval = &s
		case "series":
			cfg.SeriesLength = seriesLength
		}
	})
}

// connect creates the controller, retrying until the device answers or ctx ends.
func connect(ctx context.Context, h string, p int, opts ...sensor.Option) (*sensor.Controller, error) {
	for {
		c, err := sensor.New(ctx, h, p, opts...)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, stream.ErrConnection) {
			return nil, err
		}
		log.Printf("sensor %s:%d unavailable, retrying in %v: %v", h, p, retryInterval, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("ftsensor", version.String())
		return
	}

	cfg, err := buildConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deviceHost, devicePort := cfg.GetHost(), cfg.GetPort()
	if *devMode {
		simCfg := simulator.DefaultConfig()
		simCfg.Addr = "127.0.0.1:0"
		sim, err := simulator.New(simCfg)
		if err != nil {
			log.Fatalf("failed to start simulator: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sim.Serve(ctx); err != nil {
				log.Printf("simulator error: %v", err)
			}
			log.Print("simulator routine terminated")
		}()
		deviceHost, devicePort = "127.0.0.1", sim.Addr().Port
		log.Printf("dev mode: simulated sensor on %s", sim.Addr())
	}

	stats := stream.NewPacketStats()
	sessionOpts := []stream.Option{stream.WithStatsInterval(cfg.GetStatsInterval())}
	if addr := cfg.GetForwardAddr(); addr != "" {
		fwd, err := network.NewPacketForwarder(addr, stats, time.Minute)
		if err != nil {
			log.Fatalf("failed to create packet forwarder: %v", err)
		}
		defer fwd.Close()
		fwd.Start(ctx)
		sessionOpts = append(sessionOpts, stream.WithForwarder(fwd))
	}

	var dialer network.Dialer = network.NewUDPDialer(cfg.GetReadBuffer())
	if path := cfg.GetPCAPFile(); path != "" {
		dialer = &network.PCAPDialer{Path: path, Realtime: cfg.GetPCAPRealtime()}
		log.Printf("replaying %s (realtime=%v)", path, cfg.GetPCAPRealtime())
	}

	var (
		recordDB *db.DB
		recorder *db.Recorder
	)
	if path := cfg.GetDBPath(); path != "" {
		recordDB, err = db.NewDB(path)
		if err != nil {
			log.Fatalf("Failed to open recording database: %v", err)
		}
		defer recordDB.Close()
		recorder = db.NewRecorder(recordDB, db.RecorderConfig{
			BatchSize:     cfg.GetRecordBatch(),
			FlushInterval: cfg.GetRecordFlush(),
		})
		recorder.Start(ctx)
		defer recorder.Close()

		// Every stream, including restarts, is recorded as a new session
		// that begins before the device is asked to send.
		sessionOpts = append(sessionOpts, stream.WithOnStart(func() {
			if _, err := recorder.BeginSession(deviceHost, devicePort, time.Now()); err != nil {
				log.Printf("failed to begin recording session: %v", err)
			}
		}))
	}

	buffer := series.NewBuffer(cfg.GetSeriesLength())
	broadcaster := monitor.NewBroadcaster(256)

	opts := []sensor.Option{
		sensor.WithDialer(dialer),
		sensor.WithStats(stats),
		sensor.WithSessionOptions(sessionOpts...),
		sensor.WithScaleFactors(sensor.ScaleFactors{
			CountsPerForce:  cfg.GetCountsPerForce(),
			CountsPerTorque: cfg.GetCountsPerTorque(),
		}),
		sensor.WithBias(sensor.Bias{Force: cfg.GetForceBias(), Torque: cfg.GetTorqueBias()}),
		sensor.WithListener(buffer.Add),
		sensor.WithListener(broadcaster.Publish),
	}
	if recorder != nil {
		opts = append(opts, sensor.WithListener(recorder.Record))
	}

	controller, err := connect(ctx, deviceHost, devicePort, opts...)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Fatalf("failed to start sensor: %v", err)
	}
	defer controller.Close()
	log.Printf("streaming from %s:%d", deviceHost, devicePort)

	ws := monitor.NewWebServer(monitor.WebServerConfig{
		Address:     cfg.GetListen(),
		Sensor:      controller,
		Series:      buffer,
		Broadcaster: broadcaster,
		DB:          recordDB,
		Recorder:    recorder,
	})

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ws.Start(ctx); err != nil {
			log.Printf("HTTP server error: %v", err)
			stop()
		}
		log.Print("HTTP server routine terminated")
	}()

	// Restart a stream that ended on a transport failure. A finished
	// capture replay is left stopped.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(retryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if controller.IsConnected() {
					continue
				}
				if cfg.GetPCAPFile() != "" {
					log.Printf("replay finished: %v", controller.LastError())
					return
				}
				log.Printf("sensor stream ended (%v), restarting", controller.LastError())
				if err := controller.Restart(ctx); err != nil {
					log.Printf("restart failed: %v", err)
				}
			}
		}
	}()

	wg.Wait()
	log.Print("Graceful shutdown complete")
}
