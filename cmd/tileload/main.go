package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
	"github.com/mohammed-shakir/geotile-cache/internal/mapper/tms"
)

type Config struct {
	TargetURL       string
	Dataset         string
	Format          string
	MatrixSet       string
	ZoomMin         int
	ZoomMax         int
	Concurrency     int
	Duration        time.Duration
	ZipfS           float64
	ZipfV           float64
	TileCount       int
	OutputPrefix    string
	RequestTimeout  time.Duration
	AppendTimestamp bool
	TimestampFormat string
	CentroidFile    string
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.TargetURL, "target", "http://localhost:8090", "tilecache base URL")
	flag.StringVar(&cfg.Dataset, "dataset", "parcels", "Dataset id")
	flag.StringVar(&cfg.Format, "format", "png", "Tile format extension")
	flag.StringVar(&cfg.MatrixSet, "matrix-set", "WebMercatorQuad", "Tile matrix set of the dataset")
	flag.IntVar(&cfg.ZoomMin, "zmin", 10, "Lowest zoom requested")
	flag.IntVar(&cfg.ZoomMax, "zmax", 14, "Highest zoom requested")
	flag.IntVar(&cfg.Concurrency, "concurrency", 32, "Concurrent workers")
	flag.DurationVar(&cfg.Duration, "duration", 60*time.Second, "Test duration")
	flag.Float64Var(&cfg.ZipfS, "zipf-s", 1.3, "Zipf parameter s (>1)")
	flag.Float64Var(&cfg.ZipfV, "zipf-v", 1.0, "Zipf parameter v (>=1)")
	flag.IntVar(&cfg.TileCount, "tiles", 2048, "Distinct tiles in pool")
	flag.StringVar(&cfg.OutputPrefix, "out", "results/tileload", "Output file prefix (JSON/CSV)")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 10*time.Second, "Per-request timeout")
	flag.BoolVar(&cfg.AppendTimestamp, "append-ts", true, "Append timestamp to output prefix")
	flag.StringVar(&cfg.TimestampFormat, "ts-format", "iso", "Timestamp format: iso|unix|none")
	flag.StringVar(&cfg.CentroidFile, "centroids", "", "Optional centroid CSV file (id,lon,lat) used as hot spots")
	flag.Parse()
	return cfg
}

type tile struct{ Z, X, Y int }

func (t tile) path(dataset, format string) string {
	return fmt.Sprintf("/tiles/%s/%d/%d/%d.%s", dataset, t.Z, t.X, t.Y, format)
}

var defaultCenters = [][2]float64{
	{18.0686, 59.3293}, // Stockholm
	{11.9746, 57.7089}, // Göteborg
	{13.0038, 55.6050}, // Malmö
	{22.1547, 65.5848}, // Luleå
}

// makeTiles orders the pool hot first: tiles around the centers come before
// random tiles over Sweden, so low Zipf ranks hit the hot spots.
func makeTiles(ms tms.MatrixSet, centers [][2]float64, zmin, zmax, count int, r *rand.Rand) []tile {
	seen := make(map[tile]bool, count)
	out := make([]tile, 0, count)
	add := func(t tile) {
		if !seen[t] && len(out) < count {
			seen[t] = true
			out = append(out, t)
		}
	}

	const half = 0.02 // degrees
	hot := max(count/4, 8)
	for z := zmin; z <= zmax && len(out) < hot; z++ {
		for _, c := range centers {
			bb := model.BBox{X1: c[0] - half, Y1: c[1] - half, X2: c[0] + half, Y2: c[1] + half}
			rg, err := ms.Range(bb, z)
			if err != nil {
				continue
			}
			rg.Each(func(col, row int) bool {
				add(tile{z, col, row})
				return len(out) < hot
			})
		}
	}

	for attempts := 0; len(out) < count && attempts < count*10; attempts++ {
		z := zmin + r.Intn(zmax-zmin+1)
		lon := 11 + r.Float64()*(24-11)
		lat := 55 + r.Float64()*(66-55)
		rg, err := ms.Range(model.BBox{X1: lon, Y1: lat, X2: lon + 1e-6, Y2: lat + 1e-6}, z)
		if err != nil {
			continue
		}
		add(tile{z, rg.MinCol, rg.MinRow})
	}
	return out
}

func loadCentroidsCSV(path string) ([][2]float64, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open centroids: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	colIdx := map[string]int{}
	for i, h := range header {
		colIdx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	lonIdx, okLon := colIdx["lon"]
	latIdx, okLat := colIdx["lat"]
	if !okLon || !okLat {
		return nil, fmt.Errorf("centroid csv: expected columns lon,lat; got %v", header)
	}

	var out [][2]float64
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(rec[lonIdx]), 64)
		if err != nil {
			return nil, fmt.Errorf("parse lon %q: %w", rec[lonIdx], err)
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(rec[latIdx]), 64)
		if err != nil {
			return nil, fmt.Errorf("parse lat %q: %w", rec[latIdx], err)
		}
		out = append(out, [2]float64{lon, lat})
	}
	return out, nil
}

// request result (one sample per request)
type sample struct {
	Timestamp time.Time
	Latency   time.Duration
	Status    int
	Cache     string
	ErrorMsg  string
	TileIndex int
	Path      string
}

type summary struct {
	StartTime     time.Time `json:"start"`
	EndTime       time.Time `json:"end"`
	DurationSec   float64   `json:"duration_sec"`
	TotalRequests int64     `json:"total"`
	SuccessCount  int64     `json:"success"`
	ErrorCount    int64     `json:"errors"`
	Hits          int64     `json:"hits"`
	Misses        int64     `json:"misses"`
	Shared        int64     `json:"shared"`
	HitRatio      float64   `json:"hit_ratio"`
	ThroughputRPS float64   `json:"throughput_rps"`
	P50Ms         float64   `json:"p50_ms"`
	P95Ms         float64   `json:"p95_ms"`
	P99Ms         float64   `json:"p99_ms"`
	Concurrency   int       `json:"concurrency"`
	ZipfS         float64   `json:"zipf_s"`
	ZipfV         float64   `json:"zipf_v"`
	Tiles         int       `json:"tiles"`
	TargetURL     string    `json:"target"`
	Dataset       string    `json:"dataset"`
}

type aggregatedResult struct {
	total, success, errors int64
	hits, misses, shared   int64
	latMs                  []float64
}

func main() {
	cfg := loadConfig()
	ms, err := tms.Lookup(cfg.MatrixSet)
	if err != nil {
		log.Fatalf("matrix set: %v", err)
	}
	if cfg.ZoomMax < cfg.ZoomMin {
		log.Fatalf("zmax %d below zmin %d", cfg.ZoomMax, cfg.ZoomMin)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.OutputPrefix), 0o750); err != nil {
		log.Fatalf("mkdir results: %v", err)
	}

	prefix := cfg.OutputPrefix
	if cfg.AppendTimestamp {
		switch strings.ToLower(cfg.TimestampFormat) {
		case "none":
		case "unix":
			prefix = fmt.Sprintf("%s_%d", prefix, time.Now().Unix())
		default: // "iso"
			prefix = fmt.Sprintf("%s_%s", prefix, time.Now().UTC().Format("20060102_150405Z"))
		}
	}

	seed := time.Now().UnixNano()
	r := rand.New(rand.NewSource(seed))

	centers := defaultCenters
	if strings.TrimSpace(cfg.CentroidFile) != "" {
		cs, err := loadCentroidsCSV(cfg.CentroidFile)
		if err != nil || len(cs) == 0 {
			log.Printf("WARN: no centroids from %q (%v); using built-in hot spots", cfg.CentroidFile, err)
		} else {
			centers = cs
		}
	}
	tiles := makeTiles(ms, centers, cfg.ZoomMin, cfg.ZoomMax, cfg.TileCount, r)
	if len(tiles) == 0 {
		log.Fatalf("no tiles generated")
	}
	log.Printf("using %d tiles (%d hot spots)", len(tiles), len(centers))
	imax := uint64(len(tiles)) - 1
	base := strings.TrimRight(cfg.TargetURL, "/")

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 4 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:          1024,
			MaxIdleConnsPerHost:   256,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   4 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		Timeout: cfg.RequestTimeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	csvPath := prefix + "_samples.csv"
	jsonPath := prefix + "_summary.json"
	csvFile, err := os.Create(filepath.Clean(csvPath))
	if err != nil {
		log.Printf("open csv: %v", err)
		return
	}
	defer func() { _ = csvFile.Close() }()
	csvWriter := csv.NewWriter(csvFile)

	samplesChan := make(chan sample, 4096)
	resultsChan := make(chan aggregatedResult, 1)
	go func() {
		_ = csvWriter.Write([]string{"timestamp", "latency_ms", "status", "cache", "error", "tile_idx", "path"})
		var agg aggregatedResult
		agg.latMs = make([]float64, 0, 1<<20)
		for s := range samplesChan {
			agg.total++
			if s.ErrorMsg == "" && s.Status >= 200 && s.Status < 300 {
				agg.success++
				agg.latMs = append(agg.latMs, float64(s.Latency.Microseconds())/1000.0)
				switch s.Cache {
				case "HIT":
					agg.hits++
				case "SHARED":
					agg.shared++
				default:
					agg.misses++
				}
			} else {
				agg.errors++
			}
			_ = csvWriter.Write([]string{
				s.Timestamp.UTC().Format(time.RFC3339Nano),
				fmt.Sprintf("%.3f", float64(s.Latency.Microseconds())/1000.0),
				strconv.Itoa(s.Status),
				s.Cache,
				s.ErrorMsg,
				strconv.Itoa(s.TileIndex),
				s.Path,
			})
		}
		csvWriter.Flush()
		if err := csvWriter.Error(); err != nil {
			log.Printf("csv flush error: %v", err)
		}
		resultsChan <- agg
	}()

	startTime := time.Now()
	log.Printf("tileload start target=%s dataset=%s dur=%s conc=%d zipf(s=%.2f,v=%.2f) zooms=%d..%d",
		cfg.TargetURL, cfg.Dataset, cfg.Duration, cfg.Concurrency, cfg.ZipfS, cfg.ZipfV, cfg.ZoomMin, cfg.ZoomMax)

	var wg sync.WaitGroup
	wg.Add(cfg.Concurrency)
	for workerID := range cfg.Concurrency {
		go func(id int) {
			defer wg.Done()

			rWorker := rand.New(rand.NewSource(seed + int64(id) + 1))
			zipfDist := rand.NewZipf(rWorker, cfg.ZipfS, cfg.ZipfV, imax)
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				idx := int(zipfDist.Uint64())
				if idx >= len(tiles) {
					continue
				}
				p := tiles[idx].path(cfg.Dataset, cfg.Format)

				startReq := time.Now()
				req, _ := http.NewRequestWithContext(ctx, http.MethodGet, base+p, nil)
				resp, err := httpClient.Do(req)
				result := sample{Timestamp: startReq, Latency: time.Since(startReq), TileIndex: idx, Path: p}

				if err != nil {
					if ctx.Err() != nil {
						return
					}
					result.ErrorMsg = err.Error()
				} else {
					result.Status = resp.StatusCode
					result.Cache = resp.Header.Get("X-Cache")
					_, _ = io.Copy(io.Discard, resp.Body)
					_ = resp.Body.Close()
					if resp.StatusCode < 200 || resp.StatusCode >= 300 {
						result.ErrorMsg = fmt.Sprintf("status=%d", resp.StatusCode)
					}
				}

				select {
				case samplesChan <- result:
				case <-ctx.Done():
					return
				}
			}
		}(workerID)
	}

	go func() {
		<-ctx.Done()
		wg.Wait()
		close(samplesChan)
	}()

	agg := <-resultsChan
	endTime := time.Now()
	elapsed := endTime.Sub(startTime).Seconds()

	sort.Float64s(agg.latMs)
	p50 := percentile(agg.latMs, 50)
	p95 := percentile(agg.latMs, 95)
	p99 := percentile(agg.latMs, 99)
	var hitRatio float64
	if agg.success > 0 {
		hitRatio = float64(agg.hits) / float64(agg.success)
	}

	runSummary := summary{
		StartTime:     startTime.UTC(),
		EndTime:       endTime.UTC(),
		DurationSec:   elapsed,
		TotalRequests: agg.total,
		SuccessCount:  agg.success,
		ErrorCount:    agg.errors,
		Hits:          agg.hits,
		Misses:        agg.misses,
		Shared:        agg.shared,
		HitRatio:      hitRatio,
		ThroughputRPS: float64(agg.total) / elapsed,
		P50Ms:         p50,
		P95Ms:         p95,
		P99Ms:         p99,
		Concurrency:   cfg.Concurrency,
		ZipfS:         cfg.ZipfS,
		ZipfV:         cfg.ZipfV,
		Tiles:         len(tiles),
		TargetURL:     cfg.TargetURL,
		Dataset:       cfg.Dataset,
	}

	if jsonFile, err := os.Create(filepath.Clean(jsonPath)); err == nil {
		enc := json.NewEncoder(jsonFile)
		enc.SetIndent("", "  ")
		_ = enc.Encode(runSummary)
		_ = jsonFile.Close()
	}

	log.Printf("done: total=%d succ=%d err=%d hit=%.2f thr=%.2f rps p50=%.1fms p95=%.1fms p99=%.1fms",
		agg.total, agg.success, agg.errors, hitRatio, runSummary.ThroughputRPS, p50, p95, p99)
	log.Printf("wrote %s and %s", jsonPath, csvPath)
}

func percentile(sortedValues []float64, p float64) float64 {
	if len(sortedValues) == 0 {
		return math.NaN()
	}
	if p <= 0 {
		return sortedValues[0]
	}
	if p >= 100 {
		return sortedValues[len(sortedValues)-1]
	}
	k := (p / 100.0) * float64(len(sortedValues)-1)
	f := math.Floor(k)
	i := int(f)
	if i >= len(sortedValues)-1 {
		return sortedValues[len(sortedValues)-1]
	}
	d := k - f
	return sortedValues[i]*(1-d) + sortedValues[i+1]*d
}
