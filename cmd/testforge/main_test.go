package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pavelanni/testforge/internal/model"
	"github.com/pavelanni/testforge/internal/store"
)

func seedStore(t *testing.T, dbPath string) {
	t.Helper()
	kv, err := store.NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	s := store.New(kv)
	defer s.Close()

	ctx := context.Background()
	if err := s.SaveTest(ctx, model.TestConfig{
		ID:                "t1",
		TestSpecification: model.TestSpecification{Objective: "Go basics", QuestionCount: 5},
		SelectedQuestions: []model.GeneratedQuestion{{ID: "q1", Content: "What is a slice?", Points: 10}},
		CreatedAt:         time.Now().UTC(),
	}); err != nil {
		t.Fatalf("save test: %v", err)
	}
	for i, score := range []float64{40, 80} {
		res := model.EvaluationResult{
			ID:          "r" + string(rune('1'+i)),
			TestID:      "t1",
			Evaluation:  model.Evaluation{OverallScore: score},
			CompletedAt: time.Now().UTC().Add(time.Duration(i) * time.Minute),
		}
		if err := s.SaveResult(ctx, res); err != nil {
			t.Fatalf("save result: %v", err)
		}
	}
}

func TestExportCommand(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "testforge.db")
	outPath := filepath.Join(dir, "export.json")
	seedStore(t, dbPath)

	cmd := rootCmd()
	cmd.SetArgs([]string{"export", "--db", dbPath, "--test-id", "t1", "--output", outPath})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("export: %v", err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var export model.TestExport
	if err := json.Unmarshal(data, &export); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if export.Test.ID != "t1" || export.NumResults != 2 {
		t.Errorf("export = test %q with %d results, want t1 with 2", export.Test.ID, export.NumResults)
	}
	if export.Summary.AverageScore != 60 || export.Summary.BestScore != 80 || export.Summary.WorstScore != 40 {
		t.Errorf("summary = %+v", export.Summary)
	}
}

func TestExportUnknownTest(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "testforge.db")
	seedStore(t, dbPath)

	cmd := rootCmd()
	cmd.SetArgs([]string{"export", "--db", dbPath, "--test-id", "missing", "--output", filepath.Join(dir, "out.json")})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error for an unknown test")
	}
}

func TestUnknownStore(t *testing.T) {
	cmd := rootCmd()
	cmd.SetArgs([]string{"export", "--store", "cassandra", "--test-id", "t1"})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error for an unknown store backend")
	}
}

func TestServeRejectsUnknownLang(t *testing.T) {
	cmd := rootCmd()
	cmd.SetArgs([]string{"serve", "--db", filepath.Join(t.TempDir(), "testforge.db"), "--lang", "de", "--llm-ping=false"})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), `unsupported lang "de"`) {
		t.Fatalf("serve --lang de: err = %v, want unsupported lang", err)
	}
}
