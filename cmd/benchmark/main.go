package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	routeIDs    string
	recipient   string
	replayRate  float64
)

// Metrics
var (
	totalRequests uint64
	success200    uint64 // Paid, or idempotent replays
	success201    uint64 // Created
	accepted202   uint64 // Settlement outcome unknown
	fail409       uint64 // Conflicts (double finalize, key in progress)
	fail422       uint64 // Insufficient funds and validation
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "fares", "Workload type: fares | transfers")
	flag.StringVar(&routeIDs, "routes", "R1,R2,R3,R4,R5,R6", "Route IDs to pick fares from")
	flag.StringVar(&recipient, "recipient", "0798765432", "Transfer recipient phone")
	flag.Float64Var(&replayRate, "replay", 0.1, "Share of transfers that resend the previous Idempotency-Key")
}

func main() {
	flag.Parse()
	if workload != "fares" && workload != "transfers" {
		log.Fatalf("unknown workload %q", workload)
	}
	log.Infof("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 20 * time.Second}
	routes := strings.Split(routeIDs, ",")
	var lastKey string

	for time.Since(start) < duration {
		switch workload {
		case "fares":
			payFare(client, routes[rand.Intn(len(routes))])
		case "transfers":
			// Replays reuse both key and body so they hit the stored response.
			key := uuid.NewString()
			if lastKey != "" && rand.Float64() < replayRate {
				key = lastKey
			}
			lastKey = key
			post(client, "/api/v1/transfers", map[string]interface{}{"recipientPhone": recipient, "amount": 1}, key)
		}
	}
}

// payFare is the Pay button: start a session, then pay it in one step.
func payFare(client *http.Client, routeID string) {
	plate := fmt.Sprintf("KB%c %03d%c", 'A'+rand.Intn(26), rand.Intn(1000), 'A'+rand.Intn(26))
	resp, ok := post(client, "/api/v1/fares", map[string]string{"route_id": routeID, "identifier": plate}, "")
	if !ok || resp == nil {
		return
	}
	var fare struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp, &fare); err != nil || fare.ID == "" {
		return
	}
	post(client, "/api/v1/fares/"+fare.ID+"/pay", nil, "")
}

func post(client *http.Client, path string, payload interface{}, key string) ([]byte, bool) {
	var body []byte
	if payload != nil {
		body, _ = json.Marshal(payload)
	}

	req, _ := http.NewRequest("POST", targetURL+path, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := client.Do(req)
	if err != nil {
		atomic.AddUint64(&failOther, 1)
		return nil, false
	}
	defer resp.Body.Close()

	atomic.AddUint64(&totalRequests, 1)
	switch resp.StatusCode {
	case 201:
		atomic.AddUint64(&success201, 1)
	case 200:
		atomic.AddUint64(&success200, 1)
	case 202:
		atomic.AddUint64(&accepted202, 1)
	case 409:
		atomic.AddUint64(&fail409, 1)
	case 422:
		atomic.AddUint64(&fail422, 1)
	default:
		atomic.AddUint64(&failOther, 1)
		return nil, false
	}

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return buf.Bytes(), resp.StatusCode < 300
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	s200 := atomic.LoadUint64(&success200)
	a202 := atomic.LoadUint64(&accepted202)
	f409 := atomic.LoadUint64(&fail409)
	f422 := atomic.LoadUint64(&fail422)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	var abortRate float64
	if total > 0 {
		abortRate = float64(f409+f422) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":             workload,
		"duration_sec":         d.Seconds(),
		"total_requests":       total,
		"throughput_tps":       tps,
		"success_created":      s201,
		"success_ok":           s200,
		"accepted_uncertain":   a202,
		"aborts_conflict":      f409,
		"rejected_unprocessed": f422,
		"abort_rate_pct":       abortRate,
		"errors":               fErr,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Warnf("results not saved: %v", err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
