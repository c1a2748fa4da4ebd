// Benchmark tool for measuring Kestrel against labelled account snapshots.
//
// Usage:
//
//	go run ./cmd/benchmark -data /path/to/snapshots.jsonl -url http://localhost:8080
//	go run ./cmd/benchmark -synthetic 2000 -url http://localhost:8080
//
// Each line of the data file is {"abusive": bool, "snapshot": {...}}. The tool:
//  1. Reads (or synthesizes) labelled snapshots
//  2. Sends each snapshot to POST /score
//  3. Compares the risk tier against the label
//  4. Prints precision, recall, F1-score, the confusion matrix, and the tier mix
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LabelledSnapshot is one line of the benchmark data file.
type LabelledSnapshot struct {
	Abusive  bool                   `json:"abusive"`
	Snapshot *domain.AccountSnapshot `json:"snapshot"`
}

// ScoreResponse is the subset of the POST /score response the tool reads.
type ScoreResponse struct {
	Record struct {
		AggregateScore float64          `json:"aggregateScore"`
		RiskLevel      domain.RiskLevel `json:"riskLevel"`
	} `json:"record"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Abusive account flagged
	FalsePositives int64 // Clean account flagged
	TrueNegatives  int64 // Clean account not flagged
	FalseNegatives int64 // Abusive account missed

	TotalProcessed int64
	TotalAbusive   int64
	TotalClean     int64
	TotalErrors    int64

	ProcessingTimeMs int64

	mu    sync.Mutex
	tiers map[domain.RiskLevel]int64
}

func (m *Metrics) countTier(level domain.RiskLevel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tiers == nil {
		m.tiers = make(map[domain.RiskLevel]int64)
	}
	m.tiers[level]++
}

// tierRank orders the tiers for the -flag-at threshold.
var tierRank = map[domain.RiskLevel]int{
	domain.RiskMinimal: 0,
	domain.RiskLow:     1,
	domain.RiskMedium:  2,
	domain.RiskHigh:    3,
}

func main() {
	dataPath := flag.String("data", "", "Path to labelled snapshot JSON Lines file")
	synthetic := flag.Int("synthetic", 0, "Generate this many labelled snapshots instead of reading -data")
	abusiveRate := flag.Float64("abusive-rate", 0.1, "Share of abusive accounts in synthetic data (0.0-1.0)")
	seed := flag.Uint64("seed", 1, "Seed for synthetic data")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	limit := flag.Int("limit", 10000, "Maximum snapshots to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	flagAt := flag.String("flag-at", string(domain.RiskHigh), "Lowest risk tier counted as flagged")
	verbose := flag.Bool("verbose", false, "Print each snapshot result")
	flag.Parse()

	if *dataPath == "" && *synthetic <= 0 {
		fmt.Println("Usage: benchmark -data /path/to/snapshots.jsonl | -synthetic N [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}
	threshold, ok := tierRank[domain.RiskLevel(*flagAt)]
	if !ok {
		fmt.Printf("ERROR: unknown tier %q\n", *flagAt)
		os.Exit(1)
	}

	fmt.Println("+---------------------------------------------------------------+")
	fmt.Println("|          KESTREL BENCHMARK - Account Risk Scoring             |")
	fmt.Println("+---------------------------------------------------------------+")
	fmt.Printf("\nKestrel URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Flag at:     %s\n", *flagAt)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel")
		os.Exit(1)
	}
	fmt.Println("OK Kestrel is healthy")

	var snapshots []LabelledSnapshot
	if *synthetic > 0 {
		snapshots = generateSnapshots(*synthetic, *abusiveRate, *seed)
		fmt.Printf("\nGenerated %d synthetic snapshots\n", len(snapshots))
	} else {
		var err error
		snapshots, err = readSnapshots(*dataPath, *limit)
		if err != nil {
			fmt.Printf("ERROR: Failed to read data: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\nLoaded %d snapshots from %s\n", len(snapshots), *dataPath)
	}
	if len(snapshots) == 0 {
		fmt.Println("ERROR: no snapshots to score")
		os.Exit(1)
	}

	abusive := 0
	for _, s := range snapshots {
		if s.Abusive {
			abusive++
		}
	}
	fmt.Printf("  - Abusive: %d (%.2f%%)\n", abusive, 100*float64(abusive)/float64(len(snapshots)))
	fmt.Printf("  - Clean:   %d (%.2f%%)\n", len(snapshots)-abusive, 100*float64(len(snapshots)-abusive)/float64(len(snapshots)))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(snapshots, *baseURL, *workers, threshold, *verbose)
	duration := time.Since(startTime)

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

func readSnapshots(path string, limit int) ([]LabelledSnapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)

	var snapshots []LabelledSnapshot
	line := 0
	for scanner.Scan() {
		line++
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}

		var ls LabelledSnapshot
		if err := json.Unmarshal(scanner.Bytes(), &ls); err != nil || ls.Snapshot == nil {
			fmt.Printf("WARN: skipping malformed line %d\n", line)
			continue
		}
		snapshots = append(snapshots, ls)

		if limit > 0 && len(snapshots) >= limit {
			break
		}
	}
	return snapshots, scanner.Err()
}

// generateSnapshots builds a reproducible mix of clean and abusive accounts.
// Abusive accounts draw a random subset of abuse traits so the tiers spread.
func generateSnapshots(n int, abusiveRate float64, seed uint64) []LabelledSnapshot {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	now := time.Now().UTC().Truncate(time.Second)

	events := func(count int, step time.Duration, content string) []domain.ActivityEvent {
		out := make([]domain.ActivityEvent, count)
		for i := range out {
			out[i] = domain.ActivityEvent{Timestamp: now.Add(-time.Duration(i) * step), ContentOrTarget: content}
		}
		return out
	}

	out := make([]LabelledSnapshot, n)
	for i := range out {
		id := fmt.Sprintf("bench-%06d", i)
		photos := 1 + rng.IntN(5)
		snap := &domain.AccountSnapshot{
			AccountID: id,
			CreatedAt: now.Add(-time.Duration(30+rng.IntN(300)) * 24 * time.Hour),
			AsOf:      now,
			Profile: &domain.Profile{
				Email:       id + "@example.com",
				DisplayName: "Member " + id[len(id)-4:],
				Alias:       id,
				Age:         18 + rng.IntN(50),
				HasPhotos:   true,
				PhotoCount:  &photos,
				BioLength:   40 + rng.IntN(200),
			},
			Activity: &domain.Activity{
				RecentLikes:    events(rng.IntN(30), 15*time.Minute, "target"),
				RecentMessages: events(rng.IntN(5), 40*time.Minute, fmt.Sprintf("hola %d", i)),
			},
			Network: &domain.NetworkHistory{
				IPHistory:    []domain.IPObservation{{IP: fmt.Sprintf("8.8.%d.%d", rng.IntN(256), 1+rng.IntN(254)), Timestamp: now}},
				LoginHistory: []domain.LoginEvent{{Timestamp: now, DeviceFingerprint: "dev-" + id}},
			},
			Content: []string{"Me gusta viajar"},
		}

		abusive := rng.Float64() < abusiveRate
		if abusive {
			if rng.IntN(2) == 0 {
				snap.Profile.Email = id + "@tempmail.com"
				snap.Profile.PhotoCount = nil
				snap.Profile.HasPhotos = false
			}
			if rng.IntN(3) > 0 {
				snap.Activity.RecentLikes = events(100+rng.IntN(100), 15*time.Second, "target")
				snap.Activity.RecentMessages = events(3+rng.IntN(5), 2*time.Second, "hola guapa")
			}
			if rng.IntN(2) == 0 {
				snap.Activity.RecentReportsAgainst = events(3+rng.IntN(3), time.Hour, "spam")
			}
			if rng.IntN(2) == 0 {
				snap.Network.IPAccountCounts = map[string]int{snap.Network.IPHistory[0].IP: 4 + rng.IntN(10)}
			}
			if rng.IntN(2) == 0 {
				snap.Content = []string{"oferta gratis", "click aquí www.promo.example"}
			}
		}

		out[i] = LabelledSnapshot{Abusive: abusive, Snapshot: snap}
	}
	return out
}

func runBenchmark(snapshots []LabelledSnapshot, baseURL string, numWorkers, threshold int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan LabelledSnapshot, 100)
	var wg sync.WaitGroup

	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for ls := range work {
				start := time.Now()
				result, err := scoreSnapshot(client, baseURL, ls.Snapshot)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", ls.Snapshot.AccountID, err)
					}
					continue
				}

				if ls.Abusive {
					atomic.AddInt64(&metrics.TotalAbusive, 1)
				} else {
					atomic.AddInt64(&metrics.TotalClean, 1)
				}
				metrics.countTier(result.Record.RiskLevel)

				predicted := tierRank[result.Record.RiskLevel] >= threshold
				actual := ls.Abusive

				switch {
				case predicted && actual:
					atomic.AddInt64(&metrics.TruePositives, 1)
				case predicted && !actual:
					atomic.AddInt64(&metrics.FalsePositives, 1)
				case !predicted && !actual:
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				default:
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					status := "ok"
					if predicted != actual {
						status = "XX"
					}
					fmt.Printf("%s %-14s | Abusive: %-5v | Kestrel: %-7s (%.3f)\n",
						status,
						ls.Snapshot.AccountID,
						ls.Abusive,
						result.Record.RiskLevel,
						result.Record.AggregateScore,
					)
				}
			}
		}()
	}

	for _, ls := range snapshots {
		work <- ls
	}
	close(work)

	wg.Wait()

	return metrics
}

func scoreSnapshot(client *http.Client, baseURL string, snap *domain.AccountSnapshot) (*ScoreResponse, error) {
	body, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/score", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result ScoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n+---------------------------------------------------------------+")
	fmt.Println("|                      BENCHMARK RESULTS                        |")
	fmt.Println("+---------------------------------------------------------------+")

	fmt.Printf("\nDATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Abusive:    %d\n", m.TotalAbusive)
	fmt.Printf("   Total Clean:      %d\n", m.TotalClean)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nTIER DISTRIBUTION\n")
	for _, level := range []domain.RiskLevel{domain.RiskMinimal, domain.RiskLow, domain.RiskMedium, domain.RiskHigh} {
		fmt.Printf("   %-8s %8d\n", level, m.tiers[level])
	}

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                    FLAG        PASS")
	fmt.Println("              +----------+----------+")
	fmt.Printf("   Actual  A  | %8d | %8d |  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              +----------+----------+")
	fmt.Printf("           C  | %8d | %8d |  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              +----------+----------+")

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flagged accounts, how many were abusive)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of abusive accounts, how many were flagged)\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)

	if m.TotalClean > 0 {
		falseAlarmRate := float64(m.FalsePositives) / float64(m.TotalClean) * 100
		fmt.Printf("   False Alarms: %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalClean, falseAlarmRate)
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		rate := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f accounts/sec\n", rate)
	}

	fmt.Println()
}
