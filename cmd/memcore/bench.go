package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sort"
	"text/tabwriter"
	"time"

	"memcore/internal/ann"
	"memcore/internal/blobstore"
	"memcore/internal/indexcache"

	"github.com/spf13/cobra"
)

var (
	benchVectors int
	benchDims    int
	benchPending int
	benchQueries int
	benchK       int
	benchBackend string
	benchSeed    int64
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure search latency with and without pending vectors",
	Long: `Build an in-memory index, then compare search latency against the
committed index alone and against the merged view that includes unflushed
vectors. The merged view clones the whole index per search, so its cost
grows with the index size.

Examples:
  memcore bench --vectors 10000 --dims 128
  memcore bench --vectors 50000 --pending 1 --backend chromem`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBench(cmd.OutOrStdout())
	},
}

func init() {
	benchCmd.Flags().IntVar(&benchVectors, "vectors", 5000, "committed vectors")
	benchCmd.Flags().IntVar(&benchDims, "dims", 64, "vector dimensions")
	benchCmd.Flags().IntVar(&benchPending, "pending", 10, "unflushed vectors during the merged-view run")
	benchCmd.Flags().IntVar(&benchQueries, "queries", 100, "queries per run")
	benchCmd.Flags().IntVar(&benchK, "k", 10, "neighbors per query")
	benchCmd.Flags().StringVar(&benchBackend, "backend", "hnsw", "index backend (hnsw, chromem)")
	benchCmd.Flags().Int64Var(&benchSeed, "seed", 1, "random seed")

	rootCmd.AddCommand(benchCmd)
}

type benchStats struct {
	name string
	lat  []time.Duration
}

func (s benchStats) percentile(p float64) time.Duration {
	if len(s.lat) == 0 {
		return 0
	}
	i := int(p * float64(len(s.lat)-1))
	return s.lat[i]
}

func runBench(out io.Writer) error {
	if benchVectors <= 0 || benchDims <= 0 || benchQueries <= 0 {
		return fmt.Errorf("--vectors, --dims and --queries must be positive")
	}
	kind, err := ann.ParseKind(benchBackend)
	if err != nil {
		return err
	}
	factory, err := ann.NewFactory(ann.Config{Backend: kind})
	if err != nil {
		return err
	}

	cfg := indexcache.DefaultConfig()
	cfg.BatchDelay = time.Hour
	cfg.MaxBatchSize = benchVectors + benchPending + 1
	cfg.InitialCapacity = benchVectors + benchPending

	logger := log.New(io.Discard, "", 0)
	if verbose {
		logger = log.Default()
	}
	engine, err := indexcache.New(cfg, blobstore.NewMemory(), indexcache.WithFactory(factory), indexcache.WithLogger(logger))
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(benchSeed))
	randVec := func() []float32 {
		v := make([]float32, benchDims)
		for i := range v {
			v[i] = rng.Float32()*2 - 1
		}
		return v
	}

	const tenant = "bench"
	start := time.Now()
	for id := 1; id <= benchVectors; id++ {
		if err := engine.AddVectorBatched(tenant, uint64(id), randVec()); err != nil {
			return err
		}
	}
	if err := engine.ForceFlush(context.Background(), tenant); err != nil {
		return err
	}
	fmt.Fprintf(out, "Built %s index: %d x %d in %s\n\n", kind, benchVectors, benchDims, time.Since(start).Round(time.Millisecond))

	queries := make([][]float32, benchQueries)
	for i := range queries {
		queries[i] = randVec()
	}

	direct, err := timeSearches(engine, tenant, "committed", queries)
	if err != nil {
		return err
	}

	for i := 0; i < benchPending; i++ {
		if err := engine.AddVectorBatched(tenant, uint64(benchVectors+1+i), randVec()); err != nil {
			return err
		}
	}
	merged, err := timeSearches(engine, tenant, fmt.Sprintf("merged (+%d pending)", benchPending), queries)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VIEW\tP50\tP95\tP99\tMAX")
	for _, s := range []benchStats{direct, merged} {
		fmt.Fprintf(w, "%s\t%v\t%v\t%v\t%v\n", s.name,
			s.percentile(0.50).Round(time.Microsecond),
			s.percentile(0.95).Round(time.Microsecond),
			s.percentile(0.99).Round(time.Microsecond),
			s.percentile(1).Round(time.Microsecond))
	}
	w.Flush()

	if p := direct.percentile(0.5); p > 0 && benchPending > 0 {
		fmt.Fprintf(out, "\nMerged-view overhead at P50: %.1fx\n", float64(merged.percentile(0.5))/float64(p))
	}
	engine.ClearTenant(tenant)
	return nil
}

func timeSearches(engine *indexcache.Engine, tenant, name string, queries [][]float32) (benchStats, error) {
	s := benchStats{name: name, lat: make([]time.Duration, 0, len(queries))}
	for _, q := range queries {
		t0 := time.Now()
		if _, err := engine.Search(tenant, q, benchK); err != nil {
			return s, err
		}
		s.lat = append(s.lat, time.Since(t0))
	}
	sort.Slice(s.lat, func(i, j int) bool { return s.lat[i] < s.lat[j] })
	return s, nil
}
