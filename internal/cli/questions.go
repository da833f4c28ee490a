package cli

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/lukasbauer/rehearsal/internal/engine"
)

type questionFile struct {
	Questions []engine.Question `mapstructure:"questions"`
}

// loadQuestions reads a question bank. The format follows the extension:
// yaml, json or toml.
func loadQuestions(path string) ([]engine.Question, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read questions: %w", err)
	}

	var qf questionFile
	if err := v.Unmarshal(&qf); err != nil {
		return nil, fmt.Errorf("parse questions: %w", err)
	}
	if len(qf.Questions) == 0 {
		return nil, fmt.Errorf("no questions in %s", path)
	}

	seen := make(map[string]bool, len(qf.Questions))
	for i, q := range qf.Questions {
		if q.ID == "" || q.Prompt == "" {
			return nil, fmt.Errorf("question %d: id and prompt are required", i+1)
		}
		if seen[q.ID] {
			return nil, fmt.Errorf("question %q appears twice", q.ID)
		}
		seen[q.ID] = true
	}
	return qf.Questions, nil
}

// selectQuestions keeps the questions named in ids, in bank order. An empty
// ids keeps everything.
func selectQuestions(all []engine.Question, ids []string) ([]engine.Question, error) {
	if len(ids) == 0 {
		return all, nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []engine.Question
	for _, q := range all {
		if want[q.ID] {
			out = append(out, q)
			delete(want, q.ID)
		}
	}
	for id := range want {
		return nil, fmt.Errorf("unknown question %q", id)
	}
	return out, nil
}
