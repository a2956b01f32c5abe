// Command invalidate publishes one invalidation event to the tilecache
// invalidation topic.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
	"github.com/mohammed-shakir/geotile-cache/internal/invalidation"
	"github.com/mohammed-shakir/geotile-cache/pkg/invalidation/kafka"
)

func getenv(key, def string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return def
}

type options struct {
	brokers string
	topic   string
	dataset string
	op      string
	version uint64
	bbox    string
	point   string
	res     int
	ring    int
	zooms   string
	dryRun  bool
}

func parseFloats(s string, n int) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("want %d comma separated numbers, got %q", n, s)
	}
	out := make([]float64, n)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", p, err)
		}
		out[i] = v
	}
	return out, nil
}

// cellsAround returns the H3 cell containing lon,lat plus ring neighbours.
func cellsAround(lon, lat float64, res, ring int) ([]string, error) {
	cell, err := h3.LatLngToCell(h3.NewLatLng(lat, lon), res)
	if err != nil {
		return nil, fmt.Errorf("h3 cell: %w", err)
	}
	disk, err := h3.GridDisk(cell, ring)
	if err != nil {
		return nil, fmt.Errorf("h3 disk: %w", err)
	}
	out := make([]string, 0, len(disk))
	for _, c := range disk {
		out = append(out, c.String())
	}
	return out, nil
}

func buildEvent(o options) (invalidation.Event, error) {
	ev := invalidation.Event{
		Version: o.version,
		Op:      o.op,
		Dataset: o.dataset,
		TS:      time.Now().UTC(),
		Source:  "cli",
	}
	switch {
	case o.op == invalidation.OpPurge:
	case o.bbox != "":
		v, err := parseFloats(o.bbox, 4)
		if err != nil {
			return ev, fmt.Errorf("bbox: %w", err)
		}
		ev.BBox = &model.BBox{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}
	case o.point != "":
		v, err := parseFloats(o.point, 2)
		if err != nil {
			return ev, fmt.Errorf("point: %w", err)
		}
		cells, err := cellsAround(v[0], v[1], o.res, o.ring)
		if err != nil {
			return ev, err
		}
		ev.H3Cells = cells
	}
	for z := range strings.SplitSeq(o.zooms, ",") {
		if z = strings.TrimSpace(z); z == "" {
			continue
		}
		n, err := strconv.Atoi(z)
		if err != nil {
			return ev, fmt.Errorf("zoom %q: %w", z, err)
		}
		ev.Zooms = append(ev.Zooms, n)
	}
	return ev, ev.Validate()
}

func main() {
	var o options
	flag.StringVar(&o.brokers, "brokers", getenv("KAFKA_BROKERS", "localhost:9092"), "Kafka brokers (comma separated)")
	flag.StringVar(&o.topic, "topic", getenv("KAFKA_TOPIC", "tile-invalidation"), "Invalidation topic")
	flag.StringVar(&o.dataset, "dataset", "", "Dataset id")
	flag.StringVar(&o.op, "op", invalidation.OpUpdate, "insert|update|delete|purge")
	flag.Uint64Var(&o.version, "version", 0, "Event version (0 disables dedupe)")
	flag.StringVar(&o.bbox, "bbox", "", "minLon,minLat,maxLon,maxLat")
	flag.StringVar(&o.point, "point", "", "lon,lat; sends the H3 cells around it")
	flag.IntVar(&o.res, "h3-res", 8, "H3 resolution for -point")
	flag.IntVar(&o.ring, "h3-ring", 1, "H3 k-ring for -point")
	flag.StringVar(&o.zooms, "zooms", "", "Restrict to zoom levels (comma separated)")
	flag.BoolVar(&o.dryRun, "dry-run", false, "Print the event instead of sending it")
	flag.Parse()

	ev, err := buildEvent(o)
	if err != nil {
		fmt.Fprintln(os.Stderr, "event error:", err)
		os.Exit(2)
	}
	msgBytes, err := json.Marshal(ev)
	if err != nil {
		fmt.Fprintln(os.Stderr, "encode:", err)
		os.Exit(1)
	}
	if o.dryRun {
		fmt.Println(string(msgBytes))
		return
	}

	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Version = sarama.V2_5_0_0
	netCfg := kafka.FromEnv()
	if err := netCfg.ApplyNet(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "kafka config:", err)
		os.Exit(1)
	}

	prod, err := sarama.NewSyncProducer(kafka.Split(o.brokers), cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "producer create:", err)
		os.Exit(1)
	}
	defer func() { _ = prod.Close() }()

	partition, offset, err := prod.SendMessage(&sarama.ProducerMessage{
		Topic: o.topic,
		Key:   sarama.StringEncoder(ev.DatasetID()),
		Value: sarama.ByteEncoder(msgBytes),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "send message:", err)
		return
	}
	fmt.Printf("sent %s on %s to %s partition=%d offset=%d\n", ev.Op, ev.DatasetID(), o.topic, partition, offset)
}
