package taskstore

import (
	"fmt"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/taskfactory/factoryd/internal/core"
)

// TaskFileName is the task document inside each task directory.
const TaskFileName = "task.yaml"

// taskDoc mirrors the on-disk layout: frontmatter fields plus description
// and history in a single YAML document.
type taskDoc struct {
	core.TaskFrontmatter `yaml:",inline"`

	Description string                 `yaml:"description,omitempty"`
	History     []core.PhaseTransition `yaml:"history,omitempty"`
}

// knownDocKeys is the set of YAML keys owned by taskDoc. Anything else in a
// task file is preserved verbatim in Task.Extra.
var knownDocKeys = collectYAMLKeys(reflect.TypeOf(taskDoc{}))

func collectYAMLKeys(t reflect.Type) map[string]struct{} {
	keys := make(map[string]struct{})
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("yaml")
		name, _, _ := strings.Cut(tag, ",")
		if name == "" {
			if f.Anonymous && f.Type.Kind() == reflect.Struct {
				for k := range collectYAMLKeys(f.Type) {
					keys[k] = struct{}{}
				}
				continue
			}
			name = strings.ToLower(f.Name)
		}
		if name != "-" {
			keys[name] = struct{}{}
		}
	}
	return keys
}

// ParseTask decodes a task document. Unknown top-level keys land in
// Task.Extra; legacy phase values are normalised onto the current board.
func ParseTask(data []byte, filePath string) (*core.Task, error) {
	var doc taskDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing task document: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing task document: %w", err)
	}

	task := &core.Task{
		Frontmatter: doc.TaskFrontmatter,
		Description: doc.Description,
		History:     doc.History,
		FilePath:    filePath,
	}

	if !core.ValidPhase(task.Frontmatter.Phase) {
		normalized, _ := core.NormalizeLegacyPhase(string(task.Frontmatter.Phase))
		task.Frontmatter.Phase = normalized
	}

	for key, value := range raw {
		if _, known := knownDocKeys[key]; known {
			continue
		}
		if task.Extra == nil {
			task.Extra = make(map[string]any)
		}
		task.Extra[key] = value
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}
	return task, nil
}

// MarshalTask encodes a task back into its document form. Extra keys are
// appended after the known fields so edits by other tools survive a rewrite.
func MarshalTask(task *core.Task) ([]byte, error) {
	doc := taskDoc{
		TaskFrontmatter: task.Frontmatter,
		Description:     task.Description,
		History:         task.History,
	}
	out, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("encoding task document: %w", err)
	}

	if len(task.Extra) == 0 {
		return out, nil
	}

	extra := make(map[string]any, len(task.Extra))
	for k, v := range task.Extra {
		if _, known := knownDocKeys[k]; known {
			continue
		}
		extra[k] = v
	}
	if len(extra) == 0 {
		return out, nil
	}
	tail, err := yaml.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("encoding extra fields: %w", err)
	}
	return append(out, tail...), nil
}
