// Package catalog provides the built-in schedule templates.
package catalog

import (
	"context"
	_ "embed"
	"fmt"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/MarcoPoloResearchLab/polysleep/internal/schedules"
)

//go:embed catalog.yaml
var builtinYAML []byte

type document struct {
	Schedules []entry `yaml:"schedules"`
}

type entry struct {
	Name        string            `yaml:"name"`
	Difficulty  string            `yaml:"difficulty"`
	Description map[string]string `yaml:"description"`
	Blocks      []blockEntry      `yaml:"blocks"`
}

type blockEntry struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
	Core  bool   `yaml:"core"`
}

// Store is the part of the schedule service the seeder needs.
type Store interface {
	FetchAll(ctx context.Context, includeDeleted bool) ([]schedules.Schedule, error)
	Create(ctx context.Context, draft schedules.Draft) (schedules.Schedule, error)
}

// Builtin parses the embedded catalog.
func Builtin() ([]schedules.Draft, error) {
	return Parse(builtinYAML)
}

// Parse decodes a catalog document into validated drafts.
func Parse(raw []byte) ([]schedules.Draft, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	drafts := make([]schedules.Draft, 0, len(doc.Schedules))
	for _, item := range doc.Schedules {
		draft, err := item.draft()
		if err != nil {
			return nil, fmt.Errorf("catalog entry %q: %w", item.Name, err)
		}
		drafts = append(drafts, draft)
	}
	return drafts, nil
}

func (e entry) draft() (schedules.Draft, error) {
	difficulty, err := schedules.NewDifficulty(e.Difficulty)
	if err != nil {
		return schedules.Draft{}, err
	}
	description, err := schedules.NewLocalizedText(e.Description)
	if err != nil {
		return schedules.Draft{}, err
	}
	blocks := make([]schedules.SleepBlockSpec, 0, len(e.Blocks))
	for _, block := range e.Blocks {
		start, err := schedules.NewClockTime(block.Start)
		if err != nil {
			return schedules.Draft{}, err
		}
		end, err := schedules.NewClockTime(block.End)
		if err != nil {
			return schedules.Draft{}, err
		}
		blocks = append(blocks, schedules.SleepBlockSpec{Start: start, End: end, IsCore: block.Core})
	}
	return schedules.Draft{
		Name:        e.Name,
		Description: description,
		Difficulty:  difficulty,
		Blocks:      blocks,
	}, nil
}

// Seed creates the built-in schedules when the store holds no schedules at all,
// deleted ones included. It returns the number of schedules created.
func Seed(ctx context.Context, store Store, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	existing, err := store.FetchAll(ctx, true)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		logger.Debug("catalog seed skipped", zap.Int("existing", len(existing)))
		return 0, nil
	}
	drafts, err := Builtin()
	if err != nil {
		return 0, err
	}
	created := 0
	for _, draft := range drafts {
		if _, err := store.Create(ctx, draft); err != nil {
			return created, fmt.Errorf("seed %q: %w", draft.Name, err)
		}
		created++
	}
	logger.Info("catalog seeded", zap.Int("schedules", created))
	return created, nil
}
