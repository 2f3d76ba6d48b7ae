package printer

import (
	"encoding/json"
	"io"

	"github.com/aristath/nworlds/internal/phase"
	"github.com/aristath/nworlds/internal/pool"
	"github.com/aristath/nworlds/internal/sandbox"
	"github.com/aristath/nworlds/internal/speculative"
	"github.com/aristath/nworlds/internal/store"
)

// JSONPrinter prints results as indented JSON documents.
type JSONPrinter struct {
	writer io.Writer
}

var _ Printer = (*JSONPrinter)(nil)

// NewJSONPrinter creates a JSON printer.
func NewJSONPrinter(w io.Writer) *JSONPrinter {
	return &JSONPrinter{writer: w}
}

type sandboxesOutput struct {
	Sandboxes []sandbox.Entry `json:"sandboxes"`
	Usage     *sandbox.Usage  `json:"usage,omitempty"`
}

type messageOutput struct {
	Message string `json:"message"`
}

func (j *JSONPrinter) PrintBatch(res *pool.BatchResult) error { return j.encode(res) }

func (j *JSONPrinter) PrintSpeculative(res *speculative.Result) error { return j.encode(res) }

func (j *JSONPrinter) PrintReport(rep *phase.Report) error { return j.encode(rep) }

func (j *JSONPrinter) PrintSandboxes(entries []sandbox.Entry, usage *sandbox.Usage) error {
	if entries == nil {
		entries = []sandbox.Entry{}
	}
	return j.encode(sandboxesOutput{Sandboxes: entries, Usage: usage})
}

func (j *JSONPrinter) PrintExecution(e *store.Execution) error { return j.encode(e) }

func (j *JSONPrinter) PrintExecutions(es []store.Execution) error {
	if es == nil {
		es = []store.Execution{}
	}
	return j.encode(es)
}

func (j *JSONPrinter) PrintMessage(msg string) error {
	return j.encode(messageOutput{Message: msg})
}

func (j *JSONPrinter) encode(v any) error {
	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
