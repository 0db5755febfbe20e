// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/flowctl/prorch/internal/log"
	"github.com/flowctl/prorch/pkg/workflow"
)

// LoadDefinitions reads every *.yaml/*.yml file in dir as a
// workflow.Definition, applies defaults, and validates it. A missing dir
// is not an error: it simply yields no definitions, so an orchestrator
// can run on built-in definitions alone.
func LoadDefinitions(dir string) ([]*workflow.Definition, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading workflows dir %s: %w", dir, err)
	}

	var defs []*workflow.Definition
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		def, err := loadDefinitionFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", name, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// LoadDefinitionFile loads and validates a single workflow definition file.
func LoadDefinitionFile(path string) (*workflow.Definition, error) {
	return loadDefinitionFile(path)
}

func loadDefinitionFile(path string) (*workflow.Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def workflow.Definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, err
	}
	def.ApplyDefaults()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// watchDefinitions reloads dir's definitions on every fsnotify
// write/create/remove/rename event and hands the reloaded set to onReload, until ctx is cancelled.
func watchDefinitions(ctx context.Context, dir string, logger *slog.Logger, onReload func([]*workflow.Definition)) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating workflow definitions watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				defs, err := LoadDefinitions(dir)
				if err != nil {
					logger.Error("workflow definitions reload failed", log.Error(err))
					continue
				}
				onReload(defs)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("workflow definitions watcher error", log.Error(err))
			}
		}
	}()
	return nil
}

// DefaultDefinitions returns the orchestrator's built-in workflows. New
// registers them before loading workflows_dir, so a file definition with the
// same name replaces a built-in one. pr_analysis is the workflow
// ProcessPREvent starts by default.
func DefaultDefinitions() []*workflow.Definition {
	def := &workflow.Definition{
		Name:        "pr_analysis",
		Version:     "1",
		Description: "default PR analysis/codegen/validation/notification pipeline",
		Triggers:    []workflow.TriggerDefinition{{Type: workflow.TriggerPROpened}, {Type: workflow.TriggerPRUpdated}},
		Steps: []workflow.StepDefinition{
			{ID: "analyze", Type: workflow.StepTypeAnalysis},
			{ID: "generate", Type: workflow.StepTypeCodegen, DependsOn: []string{"analyze"}},
			{ID: "validate", Type: workflow.StepTypeValidation, DependsOn: []string{"generate"}},
			{ID: "notify", Type: workflow.StepTypeNotification, DependsOn: []string{"validate"}},
		},
	}
	def.ApplyDefaults()
	return []*workflow.Definition{def}
}
