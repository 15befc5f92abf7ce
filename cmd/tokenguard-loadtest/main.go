// Command tokenguard-loadtest drives the engine against Redis (or an
// in-process miniredis) and reports latency percentiles for strict access
// validation and refresh rotation. A final phase replays each refresh token
// from two goroutines at once and fails if any token rotates twice.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"log/slog"
	mrand "math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	tokenGuard "github.com/MrEthical07/tokenGuard"
	"github.com/MrEthical07/tokenGuard/principals"
)

const (
	identifier = "+15550199999"
	password   = "loadtest-password"
)

type sessionState struct {
	mu      sync.Mutex
	device  string
	access  string
	refresh string
}

func main() {
	var (
		sessions    = flag.Int("sessions", 1000, "number of sessions to open")
		concurrency = flag.Int("concurrency", 64, "number of concurrent workers")
		ops         = flag.Int("ops", 20000, "operations per phase (validate + refresh)")
		races       = flag.Int("races", 500, "tokens to replay concurrently in the race phase")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "tgload", "redis key prefix")
	)
	flag.Parse()

	if *sessions <= 0 || *concurrency <= 0 || *ops <= 0 || *races < 0 {
		fmt.Fprintln(os.Stderr, "sessions, concurrency and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	engine, err := buildEngine(client, *prefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	states := make([]*sessionState, *sessions)
	fmt.Printf("opening %d sessions...\n", *sessions)
	startSeed := time.Now()
	for i := range states {
		st, err := openSession(ctx, engine, fmt.Sprintf("device-%d", i))
		if err != nil {
			fmt.Fprintf(os.Stderr, "login failed: %v\n", err)
			os.Exit(1)
		}
		states[i] = st
	}
	fmt.Printf("opened in %s\n", time.Since(startSeed).Round(time.Millisecond))

	validateStats := runValidatePhase(ctx, engine, states, *ops, *concurrency)
	refreshStats := runRefreshPhase(ctx, engine, states, *ops, *concurrency)
	race, err := runRacePhase(ctx, engine, *races, *concurrency)
	if err != nil {
		fmt.Fprintf(os.Stderr, "race phase: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("---- results ----")
	printStats("validate", validateStats)
	printStats("refresh", refreshStats)
	fmt.Printf("race: rounds=%d single-winner=%d double-rotation=%d no-winner=%d\n",
		race.rounds, race.single, race.double, race.none)

	if race.double > 0 {
		fmt.Fprintln(os.Stderr, "FAIL: a refresh token rotated more than once")
		os.Exit(1)
	}
}

func buildEngine(client redis.UniversalClient, prefix string) (*tokenGuard.Engine, error) {
	signingKey := make([]byte, 32)
	hashKey := make([]byte, 32)
	if _, err := rand.Read(signingKey); err != nil {
		return nil, err
	}
	if _, err := rand.Read(hashKey); err != nil {
		return nil, err
	}

	cfg := tokenGuard.DefaultConfig()
	cfg.Token.SigningMethod = "hs256"
	cfg.Token.PrivateKey = signingKey
	cfg.Secrets.HashKey = hashKey
	cfg.Session.RedisPrefix = prefix
	cfg.RateLimit.Enabled = false
	cfg.PoW.Required = false
	cfg.Password = tokenGuard.PasswordConfig{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}
	cfg.Metrics = tokenGuard.MetricsConfig{Enabled: true}

	store := principals.NewMemory()
	engine, err := tokenGuard.New().
		WithConfig(cfg).
		WithRedis(client).
		WithPrincipalStore(store).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))).
		Build()
	if err != nil {
		return nil, err
	}

	p, err := principals.Provision(engine, principals.Record{
		ID:            "load-user",
		Identifier:    identifier,
		Password:      password,
		RecoveryEmail: identifier,
	})
	if err != nil {
		engine.Close()
		return nil, err
	}
	store.Put(p)
	return engine, nil
}

func openSession(ctx context.Context, engine *tokenGuard.Engine, device string) (*sessionState, error) {
	res, err := engine.Login(ctx, tokenGuard.LoginRequest{
		Identifier: identifier,
		Password:   password,
		DeviceKey:  device,
		ClientIP:   "198.51.100.1",
		UserAgent:  "tokenguard-loadtest",
	})
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("login rejected: %s", res.ErrorCode)
	}
	return &sessionState{device: device, access: res.AccessToken, refresh: res.RefreshToken}, nil
}

func refreshRequest(st *sessionState, token string) tokenGuard.RefreshRequest {
	return tokenGuard.RefreshRequest{
		RefreshToken: token,
		DeviceKey:    st.device,
		ClientIP:     "198.51.100.1",
		UserAgent:    "tokenguard-loadtest",
	}
}

func runValidatePhase(ctx context.Context, engine *tokenGuard.Engine, states []*sessionState, ops, concurrency int) phaseStats {
	return runPhase(states, ops, concurrency, 7919, func(st *sessionState) bool {
		st.mu.Lock()
		access := st.access
		st.mu.Unlock()
		res, err := engine.ValidateAccess(ctx, access, tokenGuard.ModeStrict)
		return err == nil && res.Valid
	})
}

func runRefreshPhase(ctx context.Context, engine *tokenGuard.Engine, states []*sessionState, ops, concurrency int) phaseStats {
	return runPhase(states, ops, concurrency, 6151, func(st *sessionState) bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		res, err := engine.Refresh(ctx, refreshRequest(st, st.refresh))
		if err != nil || !res.Success {
			return false
		}
		st.access, st.refresh = res.AccessToken, res.RefreshToken
		return true
	})
}

func runPhase(states []*sessionState, ops, concurrency int, seed int64, op func(*sessionState) bool) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := mrand.New(mrand.NewSource(time.Now().UnixNano() + int64(worker)*seed))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				st := states[r.Intn(len(states))]
				t0 := time.Now()
				ok := op(st)
				d := time.Since(t0)
				if !ok {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

type raceStats struct {
	rounds int
	single int
	double int
	none   int
}

// runRacePhase opens a fresh session per round and presents its refresh
// token twice concurrently. Exactly one call may rotate.
func runRacePhase(ctx context.Context, engine *tokenGuard.Engine, rounds, concurrency int) (raceStats, error) {
	var (
		out raceStats
		mu  sync.Mutex
		sem = make(chan struct{}, concurrency)
		wg  sync.WaitGroup
	)
	errCh := make(chan error, 1)

	for i := 0; i < rounds; i++ {
		st, err := openSession(ctx, engine, fmt.Sprintf("race-%d", i))
		if err != nil {
			return out, err
		}
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() { <-sem; wg.Done() }()

			var wins int32
			var inner sync.WaitGroup
			for range 2 {
				inner.Add(1)
				go func() {
					defer inner.Done()
					res, err := engine.Refresh(ctx, refreshRequest(st, st.refresh))
					if err != nil {
						select {
						case errCh <- err:
						default:
						}
						return
					}
					if res.Success {
						atomic.AddInt32(&wins, 1)
					}
				}()
			}
			inner.Wait()

			mu.Lock()
			defer mu.Unlock()
			out.rounds++
			switch wins {
			case 1:
				out.single++
			case 0:
				out.none++
			default:
				out.double++
			}
		}()
	}
	wg.Wait()

	select {
	case err := <-errCh:
		return out, err
	default:
	}
	return out, nil
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
