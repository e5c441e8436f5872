package catalog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/p-n-ai/pai-arena/internal/arena"
)

type badgeFile struct {
	Badges []Badge `yaml:"badges"`
}

type arenaFile struct {
	Modules []arenaModuleDoc `yaml:"modules"`
}

type arenaModuleDoc struct {
	ID                   string             `yaml:"id"`
	Title                string             `yaml:"title"`
	Kind                 arena.Kind         `yaml:"kind"`
	PrerequisiteLessonID string             `yaml:"prerequisite_lesson_id"`
	Activities           []arenaActivityDoc `yaml:"activities"`
}

type arenaActivityDoc struct {
	ID      string         `yaml:"id"`
	Kind    arena.Kind     `yaml:"kind"`
	Content map[string]any `yaml:"content"`
}

// LoadDir walks root and builds a Catalog from every YAML file found.
//
//   - badges.yaml and *.badges.yaml hold a top-level "badges" list
//   - *.arena.yaml holds a top-level "modules" list
//   - any other .yaml/.yml file is one topic
//
// Any parse error fails the load.
func LoadDir(root string) (*Catalog, error) {
	var (
		topics  []Topic
		badges  []Badge
		modules []ArenaModule
	)

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		name := d.Name()
		switch {
		case name == "badges.yaml" || strings.HasSuffix(name, ".badges.yaml"):
			var f badgeFile
			if err := readYAML(path, &f); err != nil {
				return err
			}
			badges = append(badges, f.Badges...)
		case strings.HasSuffix(name, ".arena.yaml"):
			ms, err := loadArena(path)
			if err != nil {
				return err
			}
			modules = append(modules, ms...)
		case strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml"):
			var t Topic
			if err := readYAML(path, &t); err != nil {
				return err
			}
			if t.ID == "" {
				slog.Debug("skipping yaml without topic id", "path", path)
				return nil
			}
			topics = append(topics, t)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading catalog: %w", err)
	}

	c, err := New(topics, badges, modules)
	if err != nil {
		return nil, fmt.Errorf("loading catalog: %w", err)
	}

	slog.Info("catalog loaded",
		"topics", len(c.topics),
		"lessons", len(c.lessons),
		"quizzes", len(c.quizByID),
		"badges", len(c.badges),
		"arena_modules", len(c.modules),
	)
	return c, nil
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func loadArena(path string) ([]ArenaModule, error) {
	var f arenaFile
	if err := readYAML(path, &f); err != nil {
		return nil, err
	}

	modules := make([]ArenaModule, 0, len(f.Modules))
	for _, doc := range f.Modules {
		m := ArenaModule{
			ID:                   doc.ID,
			Title:                doc.Title,
			Kind:                 doc.Kind,
			PrerequisiteLessonID: doc.PrerequisiteLessonID,
		}
		for _, ad := range doc.Activities {
			kind := ad.Kind
			if kind == "" {
				kind = doc.Kind
			}
			payload, err := json.Marshal(ad.Content)
			if err != nil {
				return nil, fmt.Errorf("%s: activity %s: %w", path, ad.ID, err)
			}
			a, err := arena.Decode(ad.ID, doc.ID, kind, payload)
			if err != nil {
				return nil, fmt.Errorf("%s: activity %s: %w", path, ad.ID, err)
			}
			m.Activities = append(m.Activities, a)
		}
		modules = append(modules, m)
	}
	return modules, nil
}
