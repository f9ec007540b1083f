package runner

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/expkit/experimenter/experiment"
)

// Report is the record of one run of an experiment. It contains the inputs
// and metadata that were used to execute it.
type Report struct {
	ID           string            `json:"id"`
	ExperimentID string            `json:"experimentId"`
	UnitID       string            `json:"unitId"`
	Status       experiment.Status `json:"status"`
	Result       any               `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
	StartedAt    time.Time         `json:"startedAt"`
	FinishedAt   time.Time         `json:"finishedAt"`
}

// ErrReportNotFound is returned when no report exists for the requested id.
var ErrReportNotFound = errors.New("report not found")

// Reporter manages run reports. It can store them in memory, on disk, etc.
type Reporter interface {
	AddReport(report Report) error
	GetReport(id string) (Report, error)
	GetReports() ([]Report, error)
}

// MemoryReporter stores reports in memory, in completion order.
// This is thread-safe and can be used in a multi-threaded environment.
type MemoryReporter struct {
	reports []Report
	mu      sync.RWMutex
}

// NewMemoryReporter creates a new MemoryReporter.
func NewMemoryReporter() *MemoryReporter {
	return &MemoryReporter{}
}

// AddReport adds a report to the memory reporter.
func (r *MemoryReporter) AddReport(report Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reports = append(r.reports, report)

	return nil
}

// GetReports returns all reports.
func (r *MemoryReporter) GetReports() ([]Report, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Create a copy to avoid data races after returning
	reports := make([]Report, len(r.reports))
	copy(reports, r.reports)

	return reports, nil
}

// GetReport returns a report by ID.
// Returns ErrReportNotFound if the report is not found.
func (r *MemoryReporter) GetReport(id string) (Report, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, report := range r.reports {
		if report.ID == id {
			return report, nil
		}
	}

	return Report{}, fmt.Errorf("report_id %s: %w", id, ErrReportNotFound)
}

// newReport creates a report for a finished run.
func newReport(experimentID, unitID string, status experiment.Status, result any, errDesc string, startedAt time.Time) Report {
	return Report{
		ID:           uuid.New().String(),
		ExperimentID: experimentID,
		UnitID:       unitID,
		Status:       status,
		Result:       result,
		Error:        errDesc,
		StartedAt:    startedAt,
		FinishedAt:   time.Now(),
	}
}
