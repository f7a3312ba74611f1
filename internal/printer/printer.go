package printer

import "github.com/omrkit/omr/internal/model"

// Printer knows how to print broker information in different formats.
type Printer interface {
	PrintStatus(status model.BrokerStatus) error
	PrintWorkers(workers []model.WorkerInfo) error
	PrintJobs(jobs []model.JobRecord) error
	PrintJob(job model.JobRecord) error
	PrintMessage(msg string) error
}
