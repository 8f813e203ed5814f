// Package bench — latency/main.go
//
// Ingest pipeline latency benchmark.
//
// Measures the wall-clock round trip of POST /ingest against a running
// Gatekeeper engine and cross-checks the client-observed percentiles
// against the engine's own self-reported P2-estimated quantiles from
// GET /stats.
//
// Method:
//   1. Fires iterations sequential POST /ingest calls against a single
//      synthetic entity, timing each with time.Now()/time.Since().
//   2. Records per-call latency to a CSV file.
//   3. Reads GET /stats once at the end and prints the engine's own
//      per-shard P50/P95/P99 alongside the client-side histogram, so
//      the two can be compared for sanity.
//
// Output CSV columns:
//   iteration, latency_us, status
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"
)

type wireEvent struct {
	U string  `json:"u"`
	V float64 `json:"v"`
	T uint64  `json:"t"`
}

type shardStats struct {
	ShardID           int     `json:"shard_id"`
	LatencyP50Seconds float64 `json:"latency_p50_seconds"`
	LatencyP95Seconds float64 `json:"latency_p95_seconds"`
	LatencyP99Seconds float64 `json:"latency_p99_seconds"`
}

type stats struct {
	Shards []shardStats `json:"shards"`
}

func main() {
	iterations := flag.Int("iterations", 10000, "Number of POST /ingest calls to measure")
	outputFile := flag.String("output", "latency_raw.csv", "Output CSV file path")
	addr := flag.String("addr", "http://127.0.0.1:8080", "Gatekeeper control API base address")
	entity := flag.String("entity", "bench-entity", "Entity identifier to flood")
	flag.Parse()

	// Lock to OS thread to minimise scheduling jitter in the timing loop.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"iteration", "latency_us", "status"})

	client := &http.Client{Timeout: 2 * time.Second}
	var histogram [1_000_001]int // microsecond buckets, 0-1s

	for i := 0; i < *iterations; i++ {
		blob, _ := json.Marshal(wireEvent{U: *entity, V: 1.0, T: uint64(time.Now().UnixNano())})

		start := time.Now()
		resp, err := client.Post(*addr+"/ingest", "application/json", bytes.NewReader(blob))
		latency := time.Since(start)

		status := 0
		if err != nil {
			fmt.Fprintf(os.Stderr, "ingest %d: %v\n", i, err)
		} else {
			status = resp.StatusCode
			io.Copy(io.Discard, resp.Body) //nolint:errcheck
			resp.Body.Close()
		}

		latencyUs := int(latency.Microseconds())
		if latencyUs >= 0 && latencyUs < len(histogram) {
			histogram[latencyUs]++
		}

		_ = w.Write([]string{strconv.Itoa(i), strconv.Itoa(latencyUs), strconv.Itoa(status)})
	}

	p50, p95, p99 := computePercentiles(histogram[:], *iterations)

	fmt.Printf("Ingest Latency Results (%d iterations)\n", *iterations)
	fmt.Printf("  client-observed  p50: %dus  p95: %dus  p99: %dus\n", p50, p95, p99)
	fmt.Printf("  output: %s\n", *outputFile)

	if engineStats, err := fetchStats(client, *addr); err != nil {
		fmt.Fprintf(os.Stderr, "fetch /stats: %v\n", err)
	} else {
		for _, sh := range engineStats.Shards {
			fmt.Printf("  shard %d engine-reported  p50: %.0fus  p95: %.0fus  p99: %.0fus\n",
				sh.ShardID,
				sh.LatencyP50Seconds*1e6, sh.LatencyP95Seconds*1e6, sh.LatencyP99Seconds*1e6)
		}
	}

	if p99 > 2000 {
		fmt.Fprintf(os.Stderr, "FAIL: client-observed p99 %dus exceeds 2000us target\n", p99)
		os.Exit(1)
	}
}

func fetchStats(client *http.Client, addr string) (*stats, error) {
	resp, err := client.Get(addr + "/stats")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var s stats
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func computePercentiles(hist []int, total int) (p50, p95, p99 int) {
	targets := []struct {
		pct float64
		out *int
	}{
		{0.50, &p50},
		{0.95, &p95},
		{0.99, &p99},
	}
	cumulative := 0
	ti := 0
	for i, count := range hist {
		cumulative += count
		for ti < len(targets) && float64(cumulative) >= targets[ti].pct*float64(total) {
			*targets[ti].out = i
			ti++
		}
		if ti == len(targets) {
			break
		}
	}
	return
}
