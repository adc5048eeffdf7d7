// http-loadgen is a tiny, dependency-free HTTP load generator for exercising
// the gateway's proxy surface. It reuses HTTP connections (keep-alive) and
// supports concurrency so demo scripts run fast without external tools.
//
// Modes:
//   - single: send N requests through one registered application
//   - mixed:  spread N requests across several applications (app-1..app-K)
//
// Usage examples:
//
//	http-loadgen -base=http://127.0.0.1:8080 -mode=single -app=demo -n=5000 -c=16
//	http-loadgen -base=http://127.0.0.1:8080 -mode=mixed -apps=8 -n=8000 -c=16
//
// The summary line separates proxied (2xx) from queued (202) responses, which
// makes it easy to watch a rate limit budget exhaust in real time.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type modeType string

const (
	modeSingle modeType = "single"
	modeMixed  modeType = "mixed"
)

func main() {
	var (
		base  = flag.String("base", "http://127.0.0.1:8080", "Base URL including scheme and host, e.g. http://127.0.0.1:8080")
		path  = flag.String("path", "ping", "Upstream path appended after the application id")
		modeS = flag.String("mode", string(modeSingle), "Mode: single|mixed")
		app   = flag.String("app", "demo", "Application id for single mode")
		appsN = flag.Int("apps", 8, "Number of applications (app-1..app-K) for mixed mode")
		N     = flag.Int("n", 5000, "Total requests to send")
		conc  = flag.Int("c", 8, "Number of concurrent workers")
		// Timeouts & transport tuning
		timeout    = flag.Duration("timeout", 20*time.Second, "Overall timeout for the loadgen run")
		connIdle   = flag.Duration("idle_timeout", 30*time.Second, "HTTP idle connection timeout")
		maxIdle    = flag.Int("max_idle", 256, "Max idle connections total")
		maxIdlePer = flag.Int("max_idle_per_host", 256, "Max idle connections per host")
	)
	flag.Parse()

	m := modeType(strings.ToLower(*modeS))
	if m != modeSingle && m != modeMixed {
		fmt.Fprintf(os.Stderr, "unknown -mode=%s (want single|mixed)\n", *modeS)
		os.Exit(2)
	}
	if *N <= 0 || *conc <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -c must be > 0")
		os.Exit(2)
	}
	if m == modeMixed && *appsN <= 0 {
		fmt.Fprintln(os.Stderr, "-apps must be > 0 in mixed mode")
		os.Exit(2)
	}

	baseURL := strings.TrimRight(*base, "/")
	p := strings.TrimLeft(*path, "/")

	// Configure HTTP client with connection reuse
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        *maxIdle,
		MaxIdleConnsPerHost: *maxIdlePer,
		IdleConnTimeout:     *connIdle,
	}
	client := &http.Client{Transport: tr, Timeout: 5 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	start := time.Now()
	var proxied, queued, failed int64

	worker := func(id, count int) {
		for i := 0; i < count; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}
			appID := *app
			if m == modeMixed {
				appID = fmt.Sprintf("app-%d", ((i+id)%*appsN)+1)
			}
			u := baseURL + "/apis/" + appID + "/" + p
			req, _ := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
			resp, err := client.Do(req)
			if err != nil {
				atomic.AddInt64(&failed, 1)
				// Brief backoff on errors to avoid hot spinning
				time.Sleep(200 * time.Microsecond)
				continue
			}
			// Drain and close body to enable connection reuse
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			switch {
			case resp.StatusCode == http.StatusAccepted:
				atomic.AddInt64(&queued, 1)
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				atomic.AddInt64(&proxied, 1)
			default:
				atomic.AddInt64(&failed, 1)
			}
		}
	}

	// Split N across conc workers
	per := *N / *conc
	rem := *N - per**conc
	var wg sync.WaitGroup
	wg.Add(*conc)
	for w := 0; w < *conc; w++ {
		count := per
		if w == *conc-1 {
			count += rem
		}
		go func(id, n int) {
			defer wg.Done()
			worker(id, n)
		}(w, count)
	}
	wg.Wait()
	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	ops := float64(*N) / elapsed.Seconds()
	fmt.Printf("LoadGen: mode=%s N=%d c=%d go=%d Duration=%s Throughput=%.0f req/s proxied=%d queued=%d failed=%d\n",
		m, *N, *conc, runtime.GOMAXPROCS(0), elapsed.Truncate(time.Millisecond), ops, proxied, queued, failed)
}
