package printer

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/omrkit/omr/internal/model"
)

// TablePrinter prints broker information in a table format.
type TablePrinter struct {
	writer io.Writer
}

// NewTablePrinter creates a new table printer.
func NewTablePrinter(w io.Writer) *TablePrinter {
	return &TablePrinter{writer: w}
}

// PrintStatus prints the broker status summary followed by its workers.
func (t *TablePrinter) PrintStatus(status model.BrokerStatus) error {
	sys := status.System
	fmt.Fprintf(t.writer, "Timestamp:   %s\n", FormatTimestamp(status.Timestamp))
	fmt.Fprintf(t.writer, "Workers:     %d\n", len(status.Workers))
	fmt.Fprintf(t.writer, "Sessions:    %d\n", status.Sessions)
	fmt.Fprintf(t.writer, "Goroutines:  %d\n", sys.NumGoroutine)
	fmt.Fprintf(t.writer, "Heap:        %s\n", FormatBytes(sys.HeapAllocBytes))
	fmt.Fprintf(t.writer, "Memory:      %s\n", FormatMemoryUsage(sys.TotalRAMBytes, sys.AvailableRAM, sys.UsedRAMPercent))
	fmt.Fprintf(t.writer, "CPU:         %d cores (%.1f%% used)\n", sys.CPUCores, sys.CPUUsagePercent)

	if len(status.Workers) == 0 {
		return nil
	}

	fmt.Fprintln(t.writer)
	return t.PrintWorkers(status.Workers)
}

// PrintWorkers prints the connected workers in a table format.
func (t *TablePrinter) PrintWorkers(workers []model.WorkerInfo) error {
	if len(workers) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "ID\tVERSION\tADDRESS\tACTIVE JOBS\tLAST HEARTBEAT\tCONNECTED")

	for _, w := range workers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			w.ID,
			w.Version,
			w.RemoteAddr,
			w.ActiveJobs,
			TimeAgo(w.LastHeartbeat),
			TimeAgo(w.ConnectedAt),
		)
	}

	return nil
}

// PrintJobs prints journal records in a table format.
func (t *TablePrinter) PrintJobs(jobs []model.JobRecord) error {
	if len(jobs) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "TASK\tCOMMAND\tWORKER\tSTATUS\tCREATED\tDURATION")

	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			j.TaskID,
			j.Command,
			j.WorkerID,
			j.Status,
			TimeAgo(j.CreatedAt),
			jobDuration(j),
		)
	}

	return nil
}

// PrintJob prints a detailed journal record.
func (t *TablePrinter) PrintJob(job model.JobRecord) error {
	fmt.Fprintf(t.writer, "Task:       %s\n", job.TaskID)
	fmt.Fprintf(t.writer, "ID:         %s\n", job.ID)
	fmt.Fprintf(t.writer, "Command:    %s\n", job.Command)
	fmt.Fprintf(t.writer, "Worker:     %s\n", job.WorkerID)
	if job.SessionID != "" {
		fmt.Fprintf(t.writer, "Session:    %s\n", job.SessionID)
	}
	fmt.Fprintf(t.writer, "Status:     %s\n", job.Status)
	if job.Error != "" {
		fmt.Fprintf(t.writer, "Error:      %s\n", job.Error)
	}
	fmt.Fprintf(t.writer, "Created:    %s\n", FormatTimestamp(job.CreatedAt))

	if job.FinishedAt != nil {
		fmt.Fprintf(t.writer, "Finished:   %s\n", FormatTimestamp(*job.FinishedAt))
		fmt.Fprintf(t.writer, "Duration:   %s\n", jobDuration(job))
	}

	return nil
}

// PrintMessage prints a simple text message.
func (t *TablePrinter) PrintMessage(msg string) error {
	fmt.Fprintln(t.writer, msg)
	return nil
}

func jobDuration(j model.JobRecord) string {
	if j.FinishedAt == nil {
		return "-"
	}
	return FormatDuration(j.FinishedAt.Sub(j.CreatedAt))
}
