package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/punchamoorthee/ledgercore/internal/client"
	"github.com/punchamoorthee/ledgercore/internal/domain"
	"github.com/punchamoorthee/ledgercore/internal/models"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
)

// Metrics
var (
	totalRequests uint64
	success200    uint64 // Idempotent replays, completed deposits
	success201    uint64 // Created
	fail409       uint64 // Conflicts (Aborts)
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot | deposit")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		if workload == "deposit" {
			go depositWorker(&wg, start)
		} else {
			go transferWorker(&wg, start)
		}
	}

	wg.Wait()
	printResults(time.Since(start))
}

func transferWorker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	httpClient := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		from, to := generateAccounts()
		payload := models.TransferRequest{FromAccountID: from, ToAccountID: to, Amount: 100}
		key := fmt.Sprintf("bench-%d-%d-%d", from, to, time.Now().UnixNano())

		code, err := post(httpClient, "/api/v1/transfers", payload, key, nil)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}
		atomic.AddUint64(&totalRequests, 1)
		record(code)
	}
}

// depositWorker runs the full deposit flow: create, settle in the sandbox,
// then poll the status endpoint until the ledger credit is visible.
func depositWorker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	httpClient := &http.Client{Timeout: 5 * time.Second}
	status := client.NewStatusClient(targetURL, 5*time.Second, client.PollConfig{Interval: 200 * time.Millisecond, MaxAttempts: 25})

	for time.Since(start) < duration {
		id, _ := generateAccounts()
		userID := fmt.Sprintf("bench-%04d", id)

		var dep domain.DepositRequest
		code, err := post(httpClient, "/api/v1/deposits", models.CreateDepositRequest{UserID: userID, Amount: 500}, "", &dep)
		atomic.AddUint64(&totalRequests, 1)
		if err != nil || code != http.StatusCreated {
			record(code)
			continue
		}
		if _, err := post(httpClient, "/sandbox/payments/"+dep.PaymentKey+"/settle", nil, "", nil); err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		accountID := id
		res, err := status.WaitForCompletion(context.Background(), models.StatusQuery{
			PaymentKey: dep.PaymentKey,
			OrderID:    dep.OrderID,
			Amount:     dep.Amount,
			AccountID:  &accountID,
		})
		switch {
		case err == nil && res.IsProcessed:
			atomic.AddUint64(&success200, 1)
		case err != nil && res == nil:
			log.Printf("status poll for %s failed: %v", dep.OrderID, err)
			atomic.AddUint64(&failOther, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
	}
}

func post(c *http.Client, path string, payload any, key string, out any) (int, error) {
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequest(http.MethodPost, targetURL+path, &body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := c.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func record(code int) {
	switch code {
	case http.StatusCreated:
		atomic.AddUint64(&success201, 1)
	case http.StatusOK:
		atomic.AddUint64(&success200, 1)
	case http.StatusConflict:
		atomic.AddUint64(&fail409, 1)
	default:
		atomic.AddUint64(&failOther, 1)
	}
}

func generateAccounts() (int64, int64) {
	// Assumes 1000 accounts seeded (IDs 1-1000)
	totalAccounts := 1000

	if workload == "hotspot" {
		// Hotspot: 90% of traffic goes to Account 1 & 2
		if rand.Float32() < 0.90 {
			if rand.Float32() < 0.5 {
				return 1, 2
			}
			return 2, 1
		}
	}

	// Uniform Random
	a := rand.Intn(totalAccounts) + 1
	b := rand.Intn(totalAccounts) + 1
	for a == b {
		b = rand.Intn(totalAccounts) + 1
	}
	return int64(a), int64(b)
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	s200 := atomic.LoadUint64(&success200)
	f409 := atomic.LoadUint64(&fail409)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	abortRate := 0.0
	if total > 0 {
		abortRate = float64(f409) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":        workload,
		"duration_sec":    d.Seconds(),
		"total_requests":  total,
		"throughput_tps":  tps,
		"success_created": s201,
		"success_ok":      s200,
		"aborts_conflict": f409,
		"abort_rate_pct":  abortRate,
		"errors":          fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("could not write %s: %v", filename, err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
