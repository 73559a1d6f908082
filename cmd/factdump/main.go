// factdump joins a gossip ring as a passive member and prints every census
// fact it observes as one JSON envelope per line.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/amirimatin/go-census/pkg/discovery/static"
	"github.com/amirimatin/go-census/internal/logutil"
	base "github.com/amirimatin/go-census/pkg/membership"
	ml "github.com/amirimatin/go-census/pkg/membership/memberlist"
)

func main() {
	var (
		id        = flag.String("id", "factdump", "node id")
		bind      = flag.String("bind", "0.0.0.0:7950", "bind host:port")
		advertise = flag.String("advertise", "", "advertise host:port (optional)")
		joinCSV   = flag.String("join", "", "comma-separated seeds (host:port)")
		logLevel  = flag.String("log-level", "warn", "log level")
	)
	flag.Parse()

	log, err := logutil.New(*logLevel, "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m, err := ml.New(ml.Options{NodeID: *id, Bind: *bind, Advertise: *advertise, Logger: log})
	if err != nil {
		log.Fatal("membership", zap.Error(err))
	}
	if err := m.Start(ctx); err != nil {
		log.Fatal("membership start", zap.Error(err))
	}
	if seeds := static.Parse(*joinCSV); len(seeds) > 0 {
		if err := m.Join(seeds); err != nil {
			log.Warn("join failed", zap.Strings("seeds", seeds), zap.Error(err))
		}
	}

	enc := json.NewEncoder(os.Stdout)
	for f := range m.Facts() {
		raw, err := base.EncodeFact(f)
		if err != nil {
			log.Warn("encode", zap.Error(err))
			continue
		}
		_ = enc.Encode(json.RawMessage(raw))
	}
	_ = m.Leave()
}
