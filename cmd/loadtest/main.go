// Command loadtest drives the indexer batch API with generated documents and
// reports throughput, latency percentiles and status codes.
//
// Usage:
//
//	go run ./cmd/loadtest [-url http://localhost:8080] [-mode sync|async|preview] [-docs 100]
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/search-indexer/internal/ingestion"
)

type Config struct {
	BaseURL      string
	Mode         string
	Concurrency  int
	Duration     time.Duration
	DocsPerBatch int
	WordsPerDoc  int
}

type Stats struct {
	totalRequests atomic.Int64
	successCount  atomic.Int64
	errorCount    atomic.Int64
	documents     atomic.Int64
	postings      atomic.Int64
	latencies     []time.Duration
	latenciesMu   sync.Mutex
	statusCodes   map[int]*atomic.Int64
	statusCodesMu sync.Mutex
}

func NewStats() *Stats {
	return &Stats{
		latencies:   make([]time.Duration, 0, 10000),
		statusCodes: make(map[int]*atomic.Int64),
	}
}

func (s *Stats) RecordRequest(duration time.Duration, statusCode int, err error) {
	s.totalRequests.Add(1)
	if err != nil {
		s.errorCount.Add(1)
		return
	}
	if statusCode >= 200 && statusCode < 300 {
		s.successCount.Add(1)
	} else {
		s.errorCount.Add(1)
	}

	s.latenciesMu.Lock()
	s.latencies = append(s.latencies, duration)
	s.latenciesMu.Unlock()

	s.statusCodesMu.Lock()
	if _, ok := s.statusCodes[statusCode]; !ok {
		s.statusCodes[statusCode] = &atomic.Int64{}
	}
	s.statusCodes[statusCode].Add(1)
	s.statusCodesMu.Unlock()
}

var vocabulary = []string{
	"distributed", "systems", "search", "engine", "postings", "extraction",
	"document", "field", "position", "token", "separator", "offset",
	"sorter", "chunk", "compression", "merge", "batch", "worker",
	"kafka", "redis", "postgres", "bitmap", "roaring", "unicode",
	"the", "of", "and", "a", "to", "in",
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the indexer service")
	mode := flag.String("mode", "sync", "sync, async or preview")
	concurrency := flag.Int("concurrency", 4, "number of concurrent workers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	docs := flag.Int("docs", 100, "documents per batch")
	words := flag.Int("words", 50, "words per document field")
	flag.Parse()

	cfg := Config{
		BaseURL:      *baseURL,
		Mode:         *mode,
		Concurrency:  *concurrency,
		Duration:     *duration,
		DocsPerBatch: *docs,
		WordsPerDoc:  *words,
	}
	path, err := endpoint(cfg.Mode)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	fmt.Println("=== Indexer Load Test ===")
	fmt.Printf("Target:      %s%s\n", cfg.BaseURL, path)
	fmt.Printf("Concurrency: %d\n", cfg.Concurrency)
	fmt.Printf("Duration:    %s\n", cfg.Duration)
	fmt.Printf("Batch:       %d documents x %d words\n", cfg.DocsPerBatch, cfg.WordsPerDoc)
	fmt.Println()

	stats := runLoadTest(cfg, path)
	if !printReport(os.Stdout, stats, cfg.Duration) {
		os.Exit(1)
	}
}

func endpoint(mode string) (string, error) {
	switch mode {
	case "sync":
		return "/api/v1/batches", nil
	case "async":
		return "/api/v1/batches?async=true", nil
	case "preview":
		return "/api/v1/postings", nil
	default:
		return "", fmt.Errorf("unknown mode %q", mode)
	}
}

// generateBatch builds a batch of documents with ids starting at firstID.
// Field 0 is free text and field 1 a small JSON object.
func generateBatch(rng *rand.Rand, firstID uint32, docs, words int) ingestion.BatchRequest {
	req := ingestion.BatchRequest{
		BatchID:   uuid.NewString(),
		Documents: make([]ingestion.Document, docs),
	}
	var text bytes.Buffer
	for i := range req.Documents {
		text.Reset()
		for w := 0; w < words; w++ {
			if w > 0 {
				if rng.Intn(12) == 0 {
					text.WriteString(". ")
				} else {
					text.WriteByte(' ')
				}
			}
			text.WriteString(vocabulary[rng.Intn(len(vocabulary))])
		}
		body, _ := json.Marshal(text.String())
		meta, _ := json.Marshal(map[string]any{
			"tag":  vocabulary[rng.Intn(len(vocabulary))],
			"rank": rng.Intn(1000),
		})
		req.Documents[i] = ingestion.Document{
			ID:     firstID + uint32(i),
			Fields: map[uint16]json.RawMessage{0: body, 1: meta},
		}
	}
	return req
}

func runLoadTest(cfg Config, path string) *Stats {
	stats := NewStats()
	client := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.Concurrency * 2,
			MaxIdleConnsPerHost: cfg.Concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var nextID atomic.Uint32
	g, ctx := errgroup.WithContext(ctx)
	fmt.Print("Running")
	for w := 0; w < cfg.Concurrency; w++ {
		rng := rand.New(rand.NewSource(int64(w) + time.Now().UnixNano()))
		g.Go(func() error {
			for ctx.Err() == nil {
				first := nextID.Add(uint32(cfg.DocsPerBatch)) - uint32(cfg.DocsPerBatch)
				batch := generateBatch(rng, first, cfg.DocsPerBatch, cfg.WordsPerDoc)
				body, err := json.Marshal(batch)
				if err != nil {
					return err
				}
				req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL+path, bytes.NewReader(body))
				if err != nil {
					return err
				}
				req.Header.Set("Content-Type", "application/json")

				start := time.Now()
				resp, err := client.Do(req)
				duration := time.Since(start)
				if err != nil {
					if ctx.Err() == nil {
						stats.RecordRequest(duration, 0, err)
					}
					continue
				}
				recordBody(stats, resp)
				stats.RecordRequest(duration, resp.StatusCode, nil)
			}
			return nil
		})
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	}()

	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "\nload test aborted: %v\n", err)
	}
	fmt.Println(" done!")
	fmt.Println()
	return stats
}

// recordBody drains resp and adds the extraction stats of a synchronous
// response, if any.
func recordBody(stats *Stats, resp *http.Response) {
	defer resp.Body.Close()
	var body struct {
		Stats struct {
			Documents int64 `json:"documents"`
			Postings  int64 `json:"postings"`
		} `json:"stats"`
	}
	if resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(&body) == nil {
		stats.documents.Add(body.Stats.Documents)
		stats.postings.Add(body.Stats.Postings)
	}
	io.Copy(io.Discard, resp.Body)
}

// printReport writes the summary and reports whether any request completed.
func printReport(w io.Writer, stats *Stats, duration time.Duration) bool {
	total := stats.totalRequests.Load()
	success := stats.successCount.Load()
	errors := stats.errorCount.Load()

	fmt.Fprintln(w, "=== Results ===")
	fmt.Fprintf(w, "Total Requests:  %d\n", total)
	fmt.Fprintf(w, "Successful:      %d\n", success)
	fmt.Fprintf(w, "Errors:          %d\n", errors)
	if total > 0 {
		fmt.Fprintf(w, "Error Rate:      %.2f%%\n", float64(errors)/float64(total)*100)
		fmt.Fprintf(w, "Requests/sec:    %.2f\n", float64(total)/duration.Seconds())
	}
	if docs := stats.documents.Load(); docs > 0 {
		fmt.Fprintf(w, "Documents/sec:   %.2f\n", float64(docs)/duration.Seconds())
		fmt.Fprintf(w, "Postings/sec:    %.2f\n", float64(stats.postings.Load())/duration.Seconds())
	}

	stats.latenciesMu.Lock()
	latencies := slices.Clone(stats.latencies)
	stats.latenciesMu.Unlock()

	if len(latencies) > 0 {
		slices.Sort(latencies)
		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		avg := sum / time.Duration(len(latencies))

		fmt.Fprintln(w)
		fmt.Fprintln(w, "=== Latency ===")
		fmt.Fprintf(w, "Min:    %s\n", latencies[0])
		fmt.Fprintf(w, "Avg:    %s\n", avg)
		fmt.Fprintf(w, "P50:    %s\n", percentile(latencies, 50))
		fmt.Fprintf(w, "P90:    %s\n", percentile(latencies, 90))
		fmt.Fprintf(w, "P99:    %s\n", percentile(latencies, 99))
		fmt.Fprintf(w, "Max:    %s\n", latencies[len(latencies)-1])

		var sumSquared float64
		for _, l := range latencies {
			diff := float64(l) - float64(avg)
			sumSquared += diff * diff
		}
		fmt.Fprintf(w, "StdDev: %s\n", time.Duration(math.Sqrt(sumSquared/float64(len(latencies)))))
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Status Codes ===")
	stats.statusCodesMu.Lock()
	codes := make([]int, 0, len(stats.statusCodes))
	for code := range stats.statusCodes {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	for _, code := range codes {
		fmt.Fprintf(w, "  %d: %d\n", code, stats.statusCodes[code].Load())
	}
	stats.statusCodesMu.Unlock()

	if total == 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "WARNING: No requests completed. Is the service running?")
		return false
	}
	return true
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
