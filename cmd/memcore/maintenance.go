package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"memcore/internal/maintenance"

	"github.com/spf13/cobra"
)

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Registry maintenance operations",
	Long:  `Run the housekeeping tasks that the engine otherwise schedules in the background.`,
}

var maintenanceRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run maintenance tasks immediately",
	Long:  `Execute all maintenance tasks immediately, bypassing the scheduler.`,
	RunE:  runMaintenanceTasks,
}

var maintenanceRunTaskCmd = &cobra.Command{
	Use:   "run-task [task-name]",
	Short: "Run a specific maintenance task",
	Args:  cobra.ExactArgs(1),
	RunE:  runSpecificMaintenanceTask,
}

var maintenanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List maintenance tasks and their schedules",
	RunE:  listMaintenanceTasks,
}

var maintenanceJSONOutput bool

const maintenanceTimeout = 30 * time.Minute

func init() {
	maintenanceCmd.AddCommand(maintenanceRunCmd)
	maintenanceCmd.AddCommand(maintenanceRunTaskCmd)
	maintenanceCmd.AddCommand(maintenanceListCmd)

	maintenanceCmd.PersistentFlags().BoolVar(&maintenanceJSONOutput, "json", false, "Output results in JSON format")

	rootCmd.AddCommand(maintenanceCmd)
}

// openMaintenance builds the engine so every task it registers is
// available, without starting any background loop.
func openMaintenance() (*app, error) {
	return openApp(openFlags{engine: true})
}

func runMaintenanceTasks(cmd *cobra.Command, args []string) error {
	a, err := openMaintenance()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(cmd.Context(), maintenanceTimeout)
	defer cancel()

	if err := a.maint.RunNow(ctx); err != nil {
		return fmt.Errorf("failed to run maintenance tasks: %w", err)
	}
	status := a.maint.GetStatus()
	return printTaskResults(cmd.OutOrStdout(), status, sortedTaskNames(status))
}

func runSpecificMaintenanceTask(cmd *cobra.Command, args []string) error {
	name := args[0]

	a, err := openMaintenance()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(cmd.Context(), maintenanceTimeout)
	defer cancel()

	if err := a.maint.RunTask(ctx, name); err != nil {
		return err
	}
	return printTaskResults(cmd.OutOrStdout(), a.maint.GetStatus(), []string{name})
}

func listMaintenanceTasks(cmd *cobra.Command, args []string) error {
	a, err := openMaintenance()
	if err != nil {
		return err
	}
	defer a.close()

	status := a.maint.GetStatus()
	out := cmd.OutOrStdout()
	if maintenanceJSONOutput {
		return json.NewEncoder(out).Encode(status)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSCHEDULE\tDESCRIPTION")
	for _, name := range sortedTaskNames(status) {
		s := status[name]
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, s.Schedule, s.Description)
	}
	return w.Flush()
}

func sortedTaskNames(status map[string]maintenance.TaskStatus) []string {
	names := make([]string, 0, len(status))
	for name := range status {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// taskReport is the JSON form of one task run. TaskResult.Error is not
// serializable, so it is flattened to a string here.
type taskReport struct {
	maintenance.TaskStatus
	Error string `json:"error,omitempty"`
}

// printTaskResults writes the last result of each named task.
func printTaskResults(out io.Writer, status map[string]maintenance.TaskStatus, names []string) error {
	if maintenanceJSONOutput {
		reports := make([]taskReport, 0, len(names))
		for _, name := range names {
			r := taskReport{TaskStatus: status[name]}
			if err := r.LastResult.Error; err != nil {
				r.Error = err.Error()
			}
			reports = append(reports, r)
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tRESULT\tTOOK\tITEMS\tRUNS/FAILED\tMESSAGE")
	for _, name := range names {
		st := status[name]
		res := st.LastResult

		outcome := "ok"
		if !res.Success || res.Error != nil {
			outcome = "FAILED"
		}
		items := "-"
		if res.RecordsProcessed > 0 {
			items = fmt.Sprint(res.RecordsProcessed)
		}
		fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%d/%d\t%s\n",
			name, outcome, res.Duration.Round(time.Millisecond), items, st.Runs, st.Failures, res.Message)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	for _, name := range names {
		if err := status[name].LastResult.Error; err != nil {
			fmt.Fprintf(out, "%s: %v\n", name, err)
		}
	}
	return nil
}
