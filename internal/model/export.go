package model

import "time"

// TestExport is the top-level JSON structure for a test and its results.
type TestExport struct {
	ExportedAt time.Time          `json:"exported_at"`
	Test       TestConfig         `json:"test"`
	NumResults int                `json:"num_results"`
	Results    []EvaluationResult `json:"results"`
	Summary    ExportSummary      `json:"summary"`
}

// ExportSummary aggregates the overall scores of a test's results.
type ExportSummary struct {
	AverageScore float64 `json:"average_score"`
	BestScore    float64 `json:"best_score"`
	WorstScore   float64 `json:"worst_score"`
}

// Summarize computes min, max and mean overall scores. An empty slice yields
// a zero summary.
func Summarize(results []EvaluationResult) ExportSummary {
	if len(results) == 0 {
		return ExportSummary{}
	}
	s := ExportSummary{BestScore: results[0].OverallScore, WorstScore: results[0].OverallScore}
	var sum float64
	for _, r := range results {
		sum += r.OverallScore
		s.BestScore = max(s.BestScore, r.OverallScore)
		s.WorstScore = min(s.WorstScore, r.OverallScore)
	}
	s.AverageScore = sum / float64(len(results))
	return s
}
