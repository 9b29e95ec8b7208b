// Command tracegen writes a random gaze trace in the time,x,y,z CSV layout
// the server replays.
package main

import (
	"bufio"
	"flag"
	"io"
	"log"
	"math/rand"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/tileabr/internal/logging"
	"github.com/mikeyg42/tileabr/internal/trace"
)

func main() {
	var (
		out      = flag.String("out", "camera_trace.csv", "output file, - for stdout")
		interval = flag.Float64("interval", 0.2, "seconds between samples")
		duration = flag.Float64("duration", 30, "trace length in seconds")
		seed     = flag.Int64("seed", 0, "random seed, 0 for time-based")
	)
	flag.Parse()

	cfg := logging.DefaultConfig()
	cfg.Encoding = "console"
	logger, err := logging.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	entries := trace.Generate(rand.New(rand.NewSource(*seed)), *interval, *duration)
	if len(entries) == 0 {
		logger.Fatal("Nothing to generate", zap.Float64("interval", *interval), zap.Float64("duration", *duration))
	}

	var w io.Writer = os.Stdout
	if *out != "-" {
		f, err := os.Create(*out)
		if err != nil {
			logger.Fatal("Failed to create output", zap.String("path", *out), zap.Error(err))
		}
		defer f.Close()
		w = f
	}
	bw := bufio.NewWriter(w)
	if err := trace.WriteCSV(bw, entries, false); err != nil {
		logger.Fatal("Failed to write trace", zap.Error(err))
	}
	if err := bw.Flush(); err != nil {
		logger.Fatal("Failed to write trace", zap.Error(err))
	}

	logger.Info("Trace written",
		zap.String("path", *out),
		zap.Int("entries", len(entries)),
		zap.Int64("seed", *seed))
}
