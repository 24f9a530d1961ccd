package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pavelanni/testforge/internal/model"
)

const (
	testPrefix   = "test_"
	resultPrefix = "result_"
)

// Store persists published tests and evaluation results as JSON blobs
// under "test_<id>" and "result_<id>" keys.
type Store struct {
	kv KV
}

// New wraps a key-value backend.
func New(kv KV) *Store {
	return &Store{kv: kv}
}

// Close closes the underlying backend.
func (s *Store) Close() error {
	return s.kv.Close()
}

// SaveTest persists a published test. Tests are write-once.
func (s *Store) SaveTest(ctx context.Context, cfg model.TestConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("save test: empty id")
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal test: %w", err)
	}
	if err := s.kv.Create(ctx, testPrefix+cfg.ID, data); err != nil {
		return fmt.Errorf("save test %s: %w", cfg.ID, err)
	}
	return nil
}

// GetTest loads a published test by id.
func (s *Store) GetTest(ctx context.Context, id string) (model.TestConfig, error) {
	var cfg model.TestConfig
	data, err := s.kv.Get(ctx, testPrefix+id)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decode test %s: %w", id, err)
	}
	return cfg, nil
}

// ListTestIDs returns the ids of all published tests.
func (s *Store) ListTestIDs(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx, testPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, testPrefix))
	}
	return ids, nil
}

// SaveResult persists an evaluation result. Results are write-once.
func (s *Store) SaveResult(ctx context.Context, res model.EvaluationResult) error {
	if res.ID == "" {
		return fmt.Errorf("save result: empty id")
	}
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := s.kv.Create(ctx, resultPrefix+res.ID, data); err != nil {
		return fmt.Errorf("save result %s: %w", res.ID, err)
	}
	return nil
}

// GetResult loads an evaluation result by id.
func (s *Store) GetResult(ctx context.Context, id string) (model.EvaluationResult, error) {
	var res model.EvaluationResult
	data, err := s.kv.Get(ctx, resultPrefix+id)
	if err != nil {
		return res, err
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return res, fmt.Errorf("decode result %s: %w", id, err)
	}
	return res, nil
}

// ListResults returns all results whose testId matches, ordered by
// completion time. Undecodable records are skipped and logged.
func (s *Store) ListResults(ctx context.Context, testID string) ([]model.EvaluationResult, error) {
	keys, err := s.kv.Keys(ctx, resultPrefix)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	var results []model.EvaluationResult
	for _, k := range keys {
		res, err := s.GetResult(ctx, strings.TrimPrefix(k, resultPrefix))
		if err != nil {
			slog.Warn("skipping unreadable result", "key", k, "error", err)
			continue
		}
		if res.TestID == testID {
			results = append(results, res)
		}
	}
	sortByCompletion(results)
	return results, nil
}
