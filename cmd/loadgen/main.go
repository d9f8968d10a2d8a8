// Command loadgen feeds synthetic file events to the indexer, through Kafka
// or the HTTP ingest endpoint, and can then drive query load against the
// search endpoint while reporting latency percentiles.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/ingestion"
	ingesthandler "github.com/Adithya-Monish-Kumar-K/segment-index/internal/ingestion/handler"
	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/ingestion/publisher"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/logger"
)

const ingestBatch = 100

var queries = []string{
	"quick fox",
	"quick fox latency",
	"quick fox freshness",
	"doc quick",
	"latency",
	"freshness",
	"missing term",
}

func main() {
	configPath := flag.String("config", "", "path to config file (kafka settings)")
	mode := flag.String("mode", "http", "how to deliver events: http or kafka")
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the indexer")
	docs := flag.Int("docs", 1000, "number of synthetic documents to ingest")
	ingestRate := flag.Float64("rate", 200, "ingest events per second (0 for unlimited)")
	concurrency := flag.Int("concurrency", 8, "concurrent query workers")
	duration := flag.Duration("duration", 0, "query load duration (0 skips the query phase)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        *concurrency * 2,
			MaxIdleConnsPerHost: *concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	events := ingesthandler.SyntheticEvents(*docs)
	var limiter *rate.Limiter
	if *ingestRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(*ingestRate), ingestBatch)
	}

	start := time.Now()
	switch *mode {
	case "kafka":
		err = publishKafka(ctx, cfg.Kafka, events, limiter)
	case "http":
		err = postHTTP(ctx, client, *baseURL, events, limiter)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		slog.Error("ingest phase failed", "error", err)
		os.Exit(1)
	}
	slog.Info("ingest phase done", "mode", *mode, "docs", len(events), "elapsed", time.Since(start))

	if *duration <= 0 {
		return
	}
	stats := runQueries(ctx, client, *baseURL, *concurrency, *duration)
	printReport(stats, *duration)
}

func publishKafka(ctx context.Context, cfg config.KafkaConfig, events []*ingestion.FileEvent, limiter *rate.Limiter) error {
	if len(cfg.Brokers) == 0 {
		return fmt.Errorf("kafka mode needs kafka.brokers")
	}
	producer := kafka.NewProducer(cfg, cfg.FileEvents)
	defer producer.Close()
	pub := publisher.New(producer)

	for i := 0; i < len(events); i += ingestBatch {
		chunk := events[i:min(i+ingestBatch, len(events))]
		if limiter != nil {
			if err := limiter.WaitN(ctx, len(chunk)); err != nil {
				return err
			}
		}
		if err := pub.Publish(ctx, chunk...); err != nil {
			return err
		}
	}
	return nil
}

func postHTTP(parent context.Context, client *http.Client, baseURL string, events []*ingestion.FileEvent, limiter *rate.Limiter) error {
	g, ctx := errgroup.WithContext(parent)
	g.SetLimit(4)
	for _, ev := range events {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				break
			}
		}
		g.Go(func() error {
			body, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/v1/ingest", bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("ingesting %s: %w", ev.FileIDOrEmpty(), err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusAccepted {
				msg, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("ingesting %s: status %d: %s", ev.FileIDOrEmpty(), resp.StatusCode, msg)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return parent.Err()
}

type stats struct {
	total     atomic.Int64
	errors    atomic.Int64
	cacheHits atomic.Int64
	mu        sync.Mutex
	latencies []time.Duration
	codes     map[int]int64
}

func (s *stats) record(d time.Duration, code int, cacheHit bool, err error) {
	s.total.Add(1)
	if err != nil || code < 200 || code >= 300 {
		s.errors.Add(1)
	}
	if cacheHit {
		s.cacheHits.Add(1)
	}
	if err != nil {
		return
	}
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.codes[code]++
	s.mu.Unlock()
}

func runQueries(ctx context.Context, client *http.Client, baseURL string, workers int, d time.Duration) *stats {
	st := &stats{codes: make(map[int]int64)}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := w; ctx.Err() == nil; i++ {
				q := queries[i%len(queries)]
				req, err := http.NewRequestWithContext(ctx, http.MethodGet,
					baseURL+"/api/v1/search?q="+url.QueryEscape(q), nil)
				if err != nil {
					return
				}
				start := time.Now()
				resp, err := client.Do(req)
				elapsed := time.Since(start)
				if err != nil {
					if ctx.Err() == nil {
						st.record(elapsed, 0, false, err)
					}
					continue
				}
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				st.record(elapsed, resp.StatusCode, resp.Header.Get("X-Cache") == "HIT", nil)
			}
		}()
	}
	wg.Wait()
	return st
}

func printReport(st *stats, d time.Duration) {
	total := st.total.Load()
	fmt.Println("=== Query Load ===")
	fmt.Printf("Requests:     %d\n", total)
	fmt.Printf("Errors:       %d\n", st.errors.Load())
	fmt.Printf("Cache hits:   %d\n", st.cacheHits.Load())
	if total > 0 {
		fmt.Printf("Requests/sec: %.2f\n", float64(total)/d.Seconds())
	}

	st.mu.Lock()
	lat := slices.Clone(st.latencies)
	codes := make([]int, 0, len(st.codes))
	for c := range st.codes {
		codes = append(codes, c)
	}
	st.mu.Unlock()

	if len(lat) > 0 {
		slices.Sort(lat)
		fmt.Println()
		fmt.Println("=== Latency ===")
		fmt.Printf("P50: %s\n", percentile(lat, 50))
		fmt.Printf("P90: %s\n", percentile(lat, 90))
		fmt.Printf("P99: %s\n", percentile(lat, 99))
		fmt.Printf("Max: %s\n", lat[len(lat)-1])
	}

	slices.Sort(codes)
	fmt.Println()
	fmt.Println("=== Status Codes ===")
	for _, c := range codes {
		fmt.Printf("  %d: %d\n", c, st.codes[c])
	}
	if total == 0 {
		fmt.Println("WARNING: no requests completed. Is the indexer running?")
		os.Exit(1)
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	return sorted[max(0, min(idx, len(sorted)-1))]
}
