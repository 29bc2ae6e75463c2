package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/velmie/outbox/v2"
)

const (
	defaultBenchType      = "BENCH_EVENT"
	defaultBenchRecords   = 10000
	defaultPayloadBytes   = 256
	defaultSeedBatchSize  = 500
	defaultBenchTimeout   = 2 * time.Minute
	defaultDrainPoll      = 10 * time.Millisecond
	percentileP50         = 0.50
	percentileP95         = 0.95
	percentileP99         = 0.99
	millisecondsPerSecond = 1e3
)

var (
	errRecordsInvalid   = errors.New("outboxctl: --records must be positive")
	errSeedBatchInvalid = errors.New("outboxctl: --seed-batch must be positive")
	errBenchIncomplete  = errors.New("outboxctl: bench timed out before draining every record")
	errSaveDisabled     = errors.New("outboxctl: saving is disabled for the bench type")
)

type benchOptions struct {
	eventType    string
	records      int
	keys         int
	payloadBytes int
	seedBatch    int
	timeout      time.Duration
}

// benchPayload is the seeded event body. Key doubles as the business lock key.
type benchPayload struct {
	Key        string    `json:"key"`
	Seq        int       `json:"seq"`
	ProducedAt time.Time `json:"produced_at"`
	Padding    string    `json:"padding,omitempty"`
}

func (p benchPayload) OutboxLockKey() string {
	return p.Key
}

type benchResult struct {
	EventType     string  `json:"event_type"`
	Records       int     `json:"records"`
	Processed     int64   `json:"processed"`
	Cycles        int     `json:"cycles"`
	SeedMs        float64 `json:"seed_ms"`
	DrainMs       float64 `json:"drain_ms"`
	Throughput    float64 `json:"throughput_msg_per_sec"`
	LatencyP50Ms  float64 `json:"latency_p50_ms"`
	LatencyP95Ms  float64 `json:"latency_p95_ms"`
	LatencyP99Ms  float64 `json:"latency_p99_ms"`
	LatencyMaxMs  float64 `json:"latency_max_ms"`
	LatencyMeanMs float64 `json:"latency_mean_ms"`
}

func newBenchCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &benchOptions{}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Seed events and measure how fast the relay drains them",
		Long: `Seed --records events of one type, then run drain cycles until every event is
handled or --timeout passes. Use a dedicated type: events already stored under it
are drained too and counted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			ctx := cmd.Context()
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			sess, err := rootOpts.open(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close(ctx) }()

			res, err := runBench(ctx, sess, opts)
			if err != nil && !errors.Is(err, errBenchIncomplete) {
				return err
			}
			if outErr := writeOutput(cmd.OutOrStdout(), rootOpts.Format, res, res.table); outErr != nil {
				return outErr
			}

			return err
		},
	}

	cmd.Flags().StringVarP(&opts.eventType, "type", "t", defaultBenchType, "event type to seed and drain")
	cmd.Flags().IntVar(&opts.records, "records", defaultBenchRecords, "number of events to seed")
	cmd.Flags().IntVar(&opts.keys, "keys", 0, "distinct lock keys (0 gives every event its own key)")
	cmd.Flags().IntVar(&opts.payloadBytes, "payload-bytes", defaultPayloadBytes, "padding added to every payload")
	cmd.Flags().IntVar(&opts.seedBatch, "seed-batch", defaultSeedBatchSize, "events inserted per statement while seeding")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", defaultBenchTimeout, "maximum drain duration")

	return cmd
}

func (o *benchOptions) validate() error {
	if o.records <= 0 {
		return errRecordsInvalid
	}
	if o.seedBatch <= 0 {
		return errSeedBatchInvalid
	}
	if o.eventType == "" {
		return errTypeRequired
	}

	return nil
}

func runBench(ctx context.Context, sess *session, opts *benchOptions) (benchResult, error) {
	res := benchResult{EventType: opts.eventType, Records: opts.records}

	seedStart := time.Now()
	if err := seedBench(ctx, sess.app.Enqueuer, opts); err != nil {
		return res, err
	}
	res.SeedMs = msFloat(time.Since(seedStart))

	latency := newLatencyStats()
	var processed atomic.Int64
	handler := outbox.NewHandler[benchPayload](opts.eventType, func(_ context.Context, p benchPayload) (outbox.Result, error) {
		latency.Record(time.Since(p.ProducedAt))
		processed.Add(1)

		return outbox.Processed(), nil
	})

	drainCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	drainStart := time.Now()
	var drainErr error
	for processed.Load() < int64(opts.records) {
		report, err := sess.app.Relay.Drain(drainCtx, handler)
		res.Cycles++
		if drainCtx.Err() != nil {
			drainErr = errBenchIncomplete

			break
		}
		if err != nil {
			sess.logger.Warn("outbox bench cycle failed", "err", err)
		}
		if report.Outcome != outbox.CycleDrained {
			if sleepErr := sleepContext(drainCtx, defaultDrainPoll); sleepErr != nil {
				drainErr = errBenchIncomplete

				break
			}
		}
	}
	drain := time.Since(drainStart)

	res.Processed = processed.Load()
	res.DrainMs = msFloat(drain)
	if drain > 0 {
		res.Throughput = float64(res.Processed) / drain.Seconds()
	}
	snap := latency.Snapshot()
	res.LatencyP50Ms = msFloat(snap.P50)
	res.LatencyP95Ms = msFloat(snap.P95)
	res.LatencyP99Ms = msFloat(snap.P99)
	res.LatencyMaxMs = msFloat(snap.Max)
	res.LatencyMeanMs = msFloat(snap.Mean)

	return res, drainErr
}

func seedBench(ctx context.Context, enqueuer *outbox.Enqueuer, opts *benchOptions) error {
	padding := strings.Repeat("x", max(opts.payloadBytes, 0))
	batch := make([]any, 0, opts.seedBatch)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		events, err := enqueuer.EnqueueBatch(ctx, opts.eventType, batch)
		if err != nil {
			return fmt.Errorf("outboxctl: seed: %w", err)
		}
		if len(events) == 0 {
			return errSaveDisabled
		}
		batch = batch[:0]

		return nil
	}

	for seq := range opts.records {
		batch = append(batch, benchPayload{
			Key:        benchKey(seq, opts.keys),
			Seq:        seq,
			ProducedAt: time.Now(),
			Padding:    padding,
		})
		if len(batch) == opts.seedBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	return flush()
}

func benchKey(seq, keys int) string {
	if keys > 0 {
		seq %= keys
	}

	return "bench-" + strconv.Itoa(seq)
}

func (r benchResult) table(w *tabWriter) {
	w.Row("event_type", r.EventType)
	w.Row("records", r.Records)
	w.Row("processed", r.Processed)
	w.Row("cycles", r.Cycles)
	w.Row("seed", fmt.Sprintf("%.1fms", r.SeedMs))
	w.Row("drain", fmt.Sprintf("%.1fms", r.DrainMs))
	w.Row("throughput", fmt.Sprintf("%.1f msg/s", r.Throughput))
	w.Row("latency p50/p95/p99", fmt.Sprintf("%.1f/%.1f/%.1fms", r.LatencyP50Ms, r.LatencyP95Ms, r.LatencyP99Ms))
	w.Row("latency max/mean", fmt.Sprintf("%.1f/%.1fms", r.LatencyMaxMs, r.LatencyMeanMs))
}

type latencyStats struct {
	mu      sync.Mutex
	samples []time.Duration
}

func newLatencyStats() *latencyStats {
	return &latencyStats{}
}

func (l *latencyStats) Record(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	l.samples = append(l.samples, d)
	l.mu.Unlock()
}

type latencySnapshot struct {
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Max   time.Duration
	Mean  time.Duration
	Count int
}

func (l *latencyStats) Snapshot() latencySnapshot {
	l.mu.Lock()
	samples := append([]time.Duration(nil), l.samples...)
	l.mu.Unlock()
	if len(samples) == 0 {
		return latencySnapshot{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	return latencySnapshot{
		P50:   percentile(samples, percentileP50),
		P95:   percentile(samples, percentileP95),
		P99:   percentile(samples, percentileP99),
		Max:   samples[len(samples)-1],
		Mean:  meanDuration(samples),
		Count: len(samples),
	}
}

// percentile expects sorted samples.
func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(samples)))) - 1
	idx = min(max(idx, 0), len(samples)-1)

	return samples[idx]
}

func meanDuration(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}

	return sum / time.Duration(len(samples))
}

func msFloat(d time.Duration) float64 {
	return float64(d) / float64(time.Second) * millisecondsPerSecond
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
