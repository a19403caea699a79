package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type options struct {
	baseURL        string
	clients        int
	turns          int
	voice          bool
	chunkMS        int
	realtime       float64
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	verbose        bool
}

var defaultUtterances = []string{
	"Reply in three words: latency bottleneck?",
	"Reply in three words: next optimization?",
	"Reply in three words: architecture summary?",
	"Reply in three words: top risk?",
}

func main() {
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "chorusload: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()
	rep, err := run(ctx, cfg, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chorusload: %v\n", err)
		os.Exit(1)
	}
	rep.print(os.Stdout)
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var cfg options
	var textsRaw string
	var interTurnMS, turnTimeoutMS int

	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "chorus base URL")
	fs.IntVar(&cfg.clients, "clients", 4, "concurrent websocket clients")
	fs.IntVar(&cfg.turns, "turns", 5, "turns per client")
	fs.BoolVar(&cfg.voice, "voice", false, "send synthetic mic audio instead of text")
	fs.IntVar(&cfg.chunkMS, "chunk-ms", 45, "audio chunk size in milliseconds")
	fs.Float64Var(&cfg.realtime, "realtime", 3.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.IntVar(&interTurnMS, "inter-turn-ms", 100, "delay between turns in milliseconds")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for a terminal task-status per turn in milliseconds")
	fs.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	fs.BoolVar(&cfg.verbose, "verbose", false, "print per-turn progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.clients <= 0 {
		return options{}, fmt.Errorf("clients must be > 0")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultUtterances...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts produced no non-empty utterances")
		}
	}
	return cfg, nil
}

func wsURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/ws"
	return u.String(), nil
}

func run(ctx context.Context, cfg options, progress io.Writer) (*report, error) {
	endpoint, err := wsURL(cfg.baseURL)
	if err != nil {
		return nil, fmt.Errorf("build ws URL: %w", err)
	}
	if !cfg.verbose {
		progress = io.Discard
	}

	rep := &report{}
	var mu sync.Mutex
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.clients; i++ {
		g.Go(func() error {
			c, err := dialClient(gctx, endpoint)
			if err != nil {
				return fmt.Errorf("client %d: %w", i+1, err)
			}
			defer c.close()
			for n := 0; n < cfg.turns; n++ {
				text := cfg.texts[(i+n)%len(cfg.texts)]
				res, err := c.turn(gctx, cfg, text)
				if err != nil {
					return fmt.Errorf("client %d turn %d: %w", i+1, n+1, err)
				}
				mu.Lock()
				rep.add(res)
				fmt.Fprintf(progress, "chorusload: client=%s turn=%d outcome=%s first=%s total=%s\n",
					c.uid, n+1, res.outcome, res.firstFragment, res.total)
				mu.Unlock()
				if cfg.interTurnDelay > 0 && n < cfg.turns-1 {
					select {
					case <-gctx.Done():
						return gctx.Err()
					case <-time.After(cfg.interTurnDelay):
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	rep.elapsed = time.Since(start)
	return rep, nil
}

type report struct {
	turns     int
	outcomes  map[string]int
	first     []time.Duration
	total     []time.Duration
	fragments int
	audio     time.Duration
	elapsed   time.Duration
}

func (r *report) add(res turnResult) {
	if r.outcomes == nil {
		r.outcomes = make(map[string]int)
	}
	r.turns++
	r.outcomes[res.outcome]++
	r.fragments += res.fragments
	r.audio += res.audio
	if res.fragments > 0 {
		r.first = append(r.first, res.firstFragment)
	}
	r.total = append(r.total, res.total)
}

func (r *report) print(w io.Writer) {
	fmt.Fprintf(w, "turns=%d elapsed=%s fragments=%d audio=%s\n", r.turns, r.elapsed.Round(time.Millisecond), r.fragments, r.audio.Round(time.Millisecond))
	keys := make([]string, 0, len(r.outcomes))
	for k := range r.outcomes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-12s %d\n", k, r.outcomes[k])
	}
	fmt.Fprintf(w, "first_fragment p50=%s p95=%s\n", percentile(r.first, 0.50), percentile(r.first, 0.95))
	fmt.Fprintf(w, "terminal       p50=%s p95=%s\n", percentile(r.total, 0.50), percentile(r.total, 0.95))
}

func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted))*p+0.999999) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx].Round(time.Millisecond)
}
