package domain

// TargetResult is the outcome of one operation on one target.
type TargetResult struct {
	TargetID         string
	Name             string
	Success          bool
	Message          string
	LatencyMS        *int64
	Version          string
	AlreadyInstalled bool
}

// BulkSummary aggregates per-target outcomes.
type BulkSummary struct {
	Total      int
	Successful int
	Failed     int
}

// Summarize counts successes and failures in results.
func Summarize(results map[string]TargetResult) BulkSummary {
	summary := BulkSummary{Total: len(results)}
	for _, r := range results {
		if r.Success {
			summary.Successful++
		} else {
			summary.Failed++
		}
	}
	return summary
}
