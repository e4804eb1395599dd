package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"memcore/internal/ann"
	"memcore/internal/registry"

	"github.com/spf13/cobra"
)

var (
	inspectJSON  bool
	historyJSON  bool
	historyLimit int
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <blob-ref>",
	Short: "Decode a stored index blob and describe it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(args[0])
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [tenant]",
	Short: "List committed index versions",
	Long: `List the versions recorded in the registry for a tenant, newest first.
Without a tenant, list every tenant with its latest version.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return runHistoryAll()
		}
		return runHistory(args[0])
	},
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "output JSON")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "output JSON")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum entries to show (0 = all)")

	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(historyCmd)
}

// blobInfo summarizes a decoded index.
type blobInfo struct {
	Ref      string     `json:"ref"`
	Bytes    int        `json:"bytes"`
	Backend  string     `json:"backend"`
	Metric   ann.Metric `json:"metric"`
	Dims     int        `json:"dims"`
	Vectors  int        `json:"vectors"`
	Capacity int        `json:"capacity"`
}

func describeBlob(ref string, data []byte) (blobInfo, error) {
	idx, err := ann.Decode(data)
	if err != nil {
		return blobInfo{}, err
	}
	return blobInfo{
		Ref:      ref,
		Bytes:    len(data),
		Backend:  idx.Kind().String(),
		Metric:   ann.MetricOf(idx),
		Dims:     idx.Dimensions(),
		Vectors:  idx.Len(),
		Capacity: idx.Capacity(),
	}, nil
}

func runInspect(ref string) error {
	a, err := openApp(openFlags{store: true})
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	data, err := a.store.Get(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to fetch blob: %w", err)
	}
	info, err := describeBlob(ref, data)
	if err != nil {
		return fmt.Errorf("failed to decode blob: %w", err)
	}

	if inspectJSON {
		return json.NewEncoder(os.Stdout).Encode(info)
	}
	fmt.Printf("Ref:      %s\n", info.Ref)
	fmt.Printf("Size:     %d bytes\n", info.Bytes)
	fmt.Printf("Backend:  %s\n", info.Backend)
	fmt.Printf("Metric:   %s\n", info.Metric)
	fmt.Printf("Dims:     %d\n", info.Dims)
	fmt.Printf("Vectors:  %d\n", info.Vectors)
	fmt.Printf("Capacity: %d\n", info.Capacity)
	return nil
}

func runHistory(tenant string) error {
	a, err := openApp(openFlags{registry: true})
	if err != nil {
		return err
	}
	defer a.close()

	entries, err := a.registry.History(context.Background(), tenant, historyLimit)
	if err != nil {
		return err
	}
	if historyJSON {
		return json.NewEncoder(os.Stdout).Encode(entries)
	}
	if len(entries) == 0 {
		fmt.Printf("No versions recorded for %s\n", tenant)
		return nil
	}
	printEntries(entries)
	return nil
}

func runHistoryAll() error {
	a, err := openApp(openFlags{registry: true})
	if err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()
	tenants, err := a.registry.Tenants(ctx)
	if err != nil {
		return err
	}
	var latest []registry.Entry
	for _, t := range tenants {
		e, err := a.registry.History(ctx, t, 1)
		if err != nil {
			return err
		}
		latest = append(latest, e...)
	}
	if historyJSON {
		return json.NewEncoder(os.Stdout).Encode(latest)
	}
	if len(latest) == 0 {
		fmt.Println("No versions recorded")
		return nil
	}
	printEntries(latest)
	return nil
}

func printEntries(entries []registry.Entry) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TENANT\tVERSION\tCREATED\tBLOB")
	fmt.Fprintln(w, "------\t-------\t-------\t----")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", e.Tenant, e.Version, e.CreatedAt.Local().Format(time.DateTime), e.BlobRef)
	}
	w.Flush()
}
