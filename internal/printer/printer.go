// Package printer renders command results for humans or as JSON.
package printer

import (
	"github.com/aristath/nworlds/internal/phase"
	"github.com/aristath/nworlds/internal/pool"
	"github.com/aristath/nworlds/internal/sandbox"
	"github.com/aristath/nworlds/internal/speculative"
	"github.com/aristath/nworlds/internal/store"
)

// Printer knows how to print every result nworlds produces.
type Printer interface {
	PrintBatch(res *pool.BatchResult) error
	PrintSpeculative(res *speculative.Result) error
	PrintReport(rep *phase.Report) error
	PrintSandboxes(entries []sandbox.Entry, usage *sandbox.Usage) error
	PrintExecution(e *store.Execution) error
	PrintExecutions(es []store.Execution) error
	PrintMessage(msg string) error
}
