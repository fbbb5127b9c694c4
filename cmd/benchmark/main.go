// Benchmark tool for replaying risk vectors against the Kestrel quote endpoint.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/vectors.csv -url http://localhost:8080 -plan plan-001
//
// This tool:
//   1. Reads risk vectors from a CSV file (one column per risk variable)
//   2. Sends each vector to POST /quote, against a stored plan or an inline base rate
//   3. Compares the quoted premium with the optional expected_premium column
//   4. Reports match rate, premium totals, latency, and throughput
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// RiskVector is one row from the input CSV. Vars holds every column except
// expected_premium, already coerced to number/bool/string.
type RiskVector struct {
	Line            int
	Vars            map[string]any
	ExpectedPremium float64
	HasExpected     bool
}

// QuoteRequest is the Kestrel API request format
type QuoteRequest struct {
	PlanID   string         `json:"plan_id,omitempty"`
	Params   *RateParams    `json:"params,omitempty"`
	RiskVars map[string]any `json:"risk_vars"`
}

type RateParams struct {
	BaseRate float64 `json:"base_rate"`
}

// QuoteResponse is the Kestrel API response format
type QuoteResponse struct {
	PlanID string `json:"planId"`
	Quote  struct {
		Base  float64 `json:"base"`
		Total float64 `json:"total"`
	} `json:"quote"`
	Metadata struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
	} `json:"metadata"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TotalProcessed int64
	TotalErrors    int64

	TotalExpected int64 // Rows carrying an expected_premium column
	TotalMatched  int64 // Quoted premium within tolerance of expected
	TotalMismatch int64 // Quoted premium outside tolerance

	PremiumCents     int64 // Sum of quoted premiums, in cents
	ProcessingTimeMs int64
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to risk vector CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	planID := flag.String("plan", "", "Stored rate plan ID to quote against")
	baseRate := flag.Float64("rate", 0, "Inline base rate (used when -plan is empty)")
	limit := flag.Int("limit", 10000, "Maximum vectors to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	tolerance := flag.Float64("tolerance", 0.01, "Allowed premium deviation vs expected_premium")
	verbose := flag.Bool("verbose", false, "Print each quote result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/vectors.csv [-url http://localhost:8080] [-plan plan-001]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}
	if *planID == "" && *baseRate <= 0 {
		fmt.Println("ERROR: either -plan or a positive -rate is required")
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║           KESTREL BENCHMARK - Quote Replay                    ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	if *planID != "" {
		fmt.Printf("Rate Plan:   %s\n", *planID)
	} else {
		fmt.Printf("Base Rate:   %.4f (inline)\n", *baseRate)
	}
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Tolerance:   %.4f\n", *tolerance)
	fmt.Println()

	// Check Kestrel is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  cd kestrel && go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	// Read risk vectors
	fmt.Printf("\nReading risk vectors from %s...\n", *csvPath)
	vectors, err := readVectorCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d risk vectors\n", len(vectors))

	expectedCount := 0
	for _, v := range vectors {
		if v.HasExpected {
			expectedCount++
		}
	}
	if expectedCount > 0 {
		fmt.Printf("  - With expected premium: %d (%.2f%%)\n",
			expectedCount, 100*float64(expectedCount)/float64(len(vectors)))
	}

	// Run benchmark
	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(vectors, *baseURL, *tenantID, *planID, *baseRate, *workers, *tolerance, *verbose)
	duration := time.Since(startTime)

	// Print results
	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readVectorCSV(path string, limit int) ([]RiskVector, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	// Read header
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	cols := make([]string, len(header))
	for i, col := range header {
		cols[i] = strings.ToLower(strings.TrimSpace(col))
	}

	var vectors []RiskVector
	line := 1

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			continue // Skip malformed rows
		}

		v := RiskVector{Line: line, Vars: make(map[string]any, len(cols))}
		for i, raw := range record {
			if i >= len(cols) {
				break
			}
			if cols[i] == "expected_premium" {
				if f, err := strconv.ParseFloat(raw, 64); err == nil {
					v.ExpectedPremium = f
					v.HasExpected = true
				}
				continue
			}
			v.Vars[cols[i]] = coerce(raw)
		}

		vectors = append(vectors, v)

		if limit > 0 && len(vectors) >= limit {
			break
		}
	}

	return vectors, nil
}

// coerce maps a CSV cell to the JSON type the quote endpoint expects:
// numbers stay numeric, true/false become booleans, everything else is a
// string. Empty cells become nil so the server treats them as null.
func coerce(raw string) any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	}
	return raw
}

func runBenchmark(vectors []RiskVector, baseURL, tenantID, planID string, baseRate float64, numWorkers int, tolerance float64, verbose bool) *Metrics {
	metrics := &Metrics{}

	// Create work channel
	work := make(chan RiskVector, 100)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for v := range work {
				start := time.Now()
				result, err := quoteVector(client, baseURL, tenantID, planID, baseRate, v)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: line %d -> %v\n", v.Line, err)
					}
					continue
				}

				atomic.AddInt64(&metrics.PremiumCents, int64(math.Round(result.Quote.Total*100)))

				matched := true
				if v.HasExpected {
					atomic.AddInt64(&metrics.TotalExpected, 1)
					if math.Abs(result.Quote.Total-v.ExpectedPremium) <= tolerance {
						atomic.AddInt64(&metrics.TotalMatched, 1)
					} else {
						atomic.AddInt64(&metrics.TotalMismatch, 1)
						matched = false
					}
				}

				if verbose {
					status := "✓"
					if !matched {
						status = "✗"
					}
					if v.HasExpected {
						fmt.Printf("%s line %-6d | Base: %10.2f | Total: %10.2f | Expected: %10.2f | %d ms\n",
							status, v.Line, result.Quote.Base, result.Quote.Total, v.ExpectedPremium, elapsed)
					} else {
						fmt.Printf("%s line %-6d | Base: %10.2f | Total: %10.2f | %d ms\n",
							status, v.Line, result.Quote.Base, result.Quote.Total, elapsed)
					}
				}
			}
		}()
	}

	// Send work
	for _, v := range vectors {
		work <- v
	}
	close(work)

	// Wait for completion
	wg.Wait()

	return metrics
}

func quoteVector(client *http.Client, baseURL, tenantID, planID string, baseRate float64, v RiskVector) (*QuoteResponse, error) {
	req := QuoteRequest{
		PlanID:   planID,
		RiskVars: v.Vars,
	}
	if planID == "" {
		req.Params = &RateParams{BaseRate: baseRate}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/quote", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result QuoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 REPLAY STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)
	quoted := m.TotalProcessed - m.TotalErrors
	if quoted > 0 {
		fmt.Printf("   Total Premium:    $%.2f\n", float64(m.PremiumCents)/100)
		fmt.Printf("   Avg Premium:      $%.2f\n", float64(m.PremiumCents)/100/float64(quoted))
	}

	if m.TotalExpected > 0 {
		matchRate := float64(m.TotalMatched) / float64(m.TotalExpected) * 100
		fmt.Printf("\n🎯 EXPECTED PREMIUM CHECK\n")
		fmt.Printf("   Compared:   %d\n", m.TotalExpected)
		fmt.Printf("   Matched:    %d (%.2f%%)\n", m.TotalMatched, matchRate)
		fmt.Printf("   Mismatched: %d\n", m.TotalMismatch)

		if m.TotalMismatch == 0 {
			fmt.Println("   ✅ All quotes match expected premiums")
		} else {
			fmt.Println("   ⚠️  Some quotes deviate from expected premiums")
		}
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		qps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f quotes/sec\n", qps)
	}

	fmt.Println()
}
