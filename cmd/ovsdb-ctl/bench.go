package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/juju/ratelimit"
	"github.com/montanaflynn/stats"
	"github.com/pingcap-incubator/tinyovsdb/ovs/api"
	"github.com/pingcap-incubator/tinyovsdb/ovs/ctl"
	"github.com/pingcap-incubator/tinyovsdb/ovs/txn"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
)

var (
	benchCount   int
	benchThreads int
	benchTarget  int
)

func newBenchCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "bench [-- COMMAND [ARG]...]",
		Short: "Measure transaction latency",
		Long: "Run a batch repeatedly from concurrent threads and report latency statistics.\n" +
			"Without a batch every operation creates and destroys a bridge. In a batch,\n" +
			"{thread} and {op} are replaced by the thread and operation number.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			e, err := newEnv(globalContext, cfg)
			if err != nil {
				return err
			}
			defer e.close()
			return bench(globalContext, e.backend, args, cmd.OutOrStdout())
		},
	}
	m.Flags().IntVar(&benchCount, "count", 1000, "operations per thread")
	m.Flags().IntVar(&benchThreads, "threads", 4, "concurrent threads")
	m.Flags().IntVar(&benchTarget, "target", 0, "attempt to do n transactions per second (default: unlimited)")
	return m
}

var defaultBench = []string{
	"create Bridge name=bench-{thread}-{op}",
	"destroy Bridge bench-{thread}-{op}",
}

type benchResult struct {
	latencies []float64
	errors    int
}

func bench(ctx context.Context, b *api.Backend, args []string, w io.Writer) error {
	lines := defaultBench
	if len(args) > 0 {
		lines = []string{strings.Join(quoteArgs(args), " ")}
	}
	if benchThreads <= 0 || benchCount <= 0 {
		return errors.New("threads and count must be positive")
	}

	var limit *ratelimit.Bucket
	if benchTarget > 0 {
		limit = ratelimit.NewBucketWithRate(float64(benchTarget), int64(benchThreads))
	}

	results := make([]benchResult, benchThreads)
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < benchThreads; i++ {
		wg.Add(1)
		go func(thread int) {
			defer wg.Done()
			res := &results[thread]
			for op := 0; op < benchCount && ctx.Err() == nil; op++ {
				for _, line := range lines {
					if limit != nil {
						limit.Wait(1)
					}
					began := time.Now()
					err := runBench(ctx, b, expand(line, thread, op))
					if err != nil {
						res.errors++
						continue
					}
					res.latencies = append(res.latencies, float64(time.Since(began))/float64(time.Millisecond))
				}
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	var all stats.Float64Data
	errs := 0
	for _, r := range results {
		all = append(all, r.latencies...)
		errs += r.errors
	}
	return report(w, all, errs, elapsed)
}

func runBench(ctx context.Context, b *api.Backend, line string) error {
	batch, err := ctl.ParseLine(b, line)
	if err != nil {
		return err
	}
	_, err = batch.Run(ctx, b, txn.Options{CheckError: true})
	return err
}

func expand(line string, thread, op int) string {
	r := strings.NewReplacer("{thread}", fmt.Sprint(thread), "{op}", fmt.Sprint(op))
	return r.Replace(line)
}

// quoteArgs turns words back into a line that splits into the same words.
func quoteArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if strings.ContainsAny(a, " \t'\"\\") {
			a = "'" + strings.Replace(a, "'", `'\''`, -1) + "'"
		}
		out[i] = a
	}
	return out
}

func report(w io.Writer, data stats.Float64Data, errs int, elapsed time.Duration) error {
	fmt.Fprintf(w, "transactions: %d, errors: %d, elapsed: %s\n", len(data), errs, elapsed)
	if len(data) == 0 {
		return nil
	}
	fmt.Fprintf(w, "throughput: %.1f txn/s\n", float64(len(data))/elapsed.Seconds())
	min, _ := stats.Min(data)
	max, _ := stats.Max(data)
	mean, _ := stats.Mean(data)
	median, _ := stats.Median(data)
	p95, _ := stats.Percentile(data, 95)
	p99, _ := stats.Percentile(data, 99)
	fmt.Fprintf(w, "latency(ms): min %.3f, mean %.3f, median %.3f, p95 %.3f, p99 %.3f, max %.3f\n",
		min, mean, median, p95, p99, max)
	return nil
}
