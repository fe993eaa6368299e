package cron

import (
	"github.com/openclaw/openclaw/internal/store"
)

const (
	// maxRunsPerJob bounds the retained history per job; older runs fall
	// off on append, so the file never needs a separate prune pass.
	maxRunsPerJob = 200

	// maxSummaryRunes bounds one run's stored agent output.
	maxSummaryRunes = 2000
)

// HistoryFile is the cron run-history document: job id -> recent runs,
// oldest first.
type HistoryFile struct {
	Version int                      `json:"version"`
	Runs    map[string][]RunLogEntry `json:"runs"`
}

// History persists recent runs per job through the same durable-store lane
// as every other state file. A nil History discards everything.
type History struct {
	doc *store.Store[HistoryFile]
}

// NewHistory opens the run history at path. An empty path disables logging.
func NewHistory(path string) *History {
	if path == "" {
		return nil
	}
	return &History{
		doc: store.New(path, func() HistoryFile {
			return HistoryFile{Version: 1, Runs: map[string][]RunLogEntry{}}
		}),
	}
}

// Append records one run, truncating its summary and evicting the oldest
// entries past maxRunsPerJob. The write is atomic.
func (h *History) Append(jobID string, entry RunLogEntry) error {
	if h == nil {
		return nil
	}
	entry.Summary = TruncateSummary(entry.Summary)

	return h.doc.Mutate(func(file *HistoryFile) error {
		if file.Runs == nil {
			file.Runs = map[string][]RunLogEntry{}
		}
		runs := append(file.Runs[jobID], entry)
		if len(runs) > maxRunsPerJob {
			runs = runs[len(runs)-maxRunsPerJob:]
		}
		file.Runs[jobID] = runs
		return nil
	})
}

// Runs returns up to limit recent runs for a job, most recent first.
// limit <= 0 returns everything retained.
func (h *History) Runs(jobID string, limit int) ([]RunLogEntry, error) {
	if h == nil {
		return nil, nil
	}
	file, err := h.doc.Snapshot()
	if err != nil {
		return nil, err
	}
	runs := file.Runs[jobID]
	if limit > 0 && len(runs) > limit {
		runs = runs[len(runs)-limit:]
	}
	out := make([]RunLogEntry, len(runs))
	for i, r := range runs {
		out[len(runs)-1-i] = r
	}
	return out, nil
}

// Delete drops a job's history, typically when the job is removed.
func (h *History) Delete(jobID string) error {
	if h == nil {
		return nil
	}
	return h.doc.Mutate(func(file *HistoryFile) error {
		delete(file.Runs, jobID)
		return nil
	})
}

// TruncateSummary bounds text to maxSummaryRunes, cutting on rune
// boundaries so multi-byte output never splits mid-character.
func TruncateSummary(text string) string {
	runes := []rune(text)
	if len(runes) <= maxSummaryRunes {
		return text
	}
	return string(runes[:maxSummaryRunes-1]) + "…"
}
