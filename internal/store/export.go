package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pavelanni/testforge/internal/model"
)

// ExportTest builds an export of a published test with all its results.
func (s *Store) ExportTest(ctx context.Context, testID string) (model.TestExport, error) {
	cfg, err := s.GetTest(ctx, testID)
	if err != nil {
		return model.TestExport{}, fmt.Errorf("get test %s: %w", testID, err)
	}

	results, err := s.ListResults(ctx, testID)
	if err != nil {
		return model.TestExport{}, err
	}
	if results == nil {
		results = []model.EvaluationResult{}
	}

	return model.TestExport{
		ExportedAt: time.Now().UTC(),
		Test:       cfg,
		NumResults: len(results),
		Results:    results,
		Summary:    model.Summarize(results),
	}, nil
}

func sortByCompletion(results []model.EvaluationResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CompletedAt.Before(results[j].CompletedAt)
	})
}
