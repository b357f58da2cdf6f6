// Command rdt-sim runs a simulated RDT force/torque sensor, or writes a
// synthetic capture file for replay with ftsensor -pcap.
package main

import (
	"bufio"
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/ftsensor/internal/network"
	"github.com/banshee-data/ftsensor/internal/rdt"
	"github.com/banshee-data/ftsensor/internal/simulator"
)

var (
	listen  = flag.String("listen", ":49152", "UDP listen address")
	rate    = flag.Float64("rate", 500, "Samples per second")
	period  = flag.Duration("period", 2*time.Second, "Sinusoid period")
	capture = flag.String("capture", "", "Write -n samples to this pcap file and exit")
	samples = flag.Int("n", 1000, "Samples to write with -capture")
)

func main() {
	flag.Parse()

	if *rate <= 0 || *period <= 0 {
		log.Fatalf("-rate and -period must be positive (got %v, %v)", *rate, *period)
	}

	cfg := simulator.DefaultConfig()
	cfg.Addr = *listen
	cfg.Rate = *rate
	cfg.Period = *period

	if *capture != "" {
		if err := writeCapture(*capture, cfg, *samples); err != nil {
			log.Fatalf("failed to write capture: %v", err)
		}
		log.Printf("wrote %d samples to %s", *samples, *capture)
		return
	}

	dev, err := simulator.New(cfg)
	if err != nil {
		log.Fatalf("failed to start simulator: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("simulated sensor listening on %s (%.0f Hz)", dev.Addr(), cfg.Rate)
	if err := dev.Serve(ctx); err != nil {
		log.Fatalf("simulator error: %v", err)
	}
	log.Printf("sent %d datagrams", dev.Sent())
}

// writeCapture records n samples as device-to-host datagrams spaced at the
// configured rate. Unset config fields take the simulator defaults.
func writeCapture(path string, cfg simulator.Config, n int) error {
	cfg = cfg.WithDefaults()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	cw, err := network.NewCaptureWriter(bw, 49152, 49152)
	if err != nil {
		return err
	}
	start := time.Now()
	interval := time.Duration(float64(time.Second) / cfg.Rate)
	for i := 1; i <= n; i++ {
		ts := start.Add(time.Duration(i) * interval)
		if err := cw.WriteDatagram(ts, rdt.EncodeResponse(simulator.Sample(cfg, uint32(i)))); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return f.Close()
}
