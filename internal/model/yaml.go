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

package model

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/cdktr-io/cdktr/internal/cdkerrors"
)

// taskConfigWire is the on-disk shape of a task's config block: a "kind"
// discriminator plus the fields for whichever variant it names, mirroring
// the original Rust source's serde-tagged enum (!Subprocess / !UvPython).
type taskConfigWire struct {
	Kind             string   `yaml:"kind"`
	Cmd              string   `yaml:"cmd,omitempty"`
	Args             []string `yaml:"args,omitempty"`
	ScriptPath       string   `yaml:"script_path,omitempty"`
	Packages         []string `yaml:"packages,omitempty"`
	UvPath           string   `yaml:"uv_path,omitempty"`
	WorkingDirectory string   `yaml:"working_directory,omitempty"`
	IsUvProject      bool     `yaml:"is_uv_project,omitempty"`
}

// UnmarshalYAML implements the tagged-union decode for TaskConfig.
func (tc *TaskConfig) UnmarshalYAML(value *yaml.Node) error {
	var wire taskConfigWire
	if err := value.Decode(&wire); err != nil {
		return &cdkerrors.ParseError{Context: "task config", Cause: err}
	}

	switch TaskConfigKind(wire.Kind) {
	case TaskConfigSubprocess:
		if wire.Cmd == "" {
			return &cdkerrors.ParseError{Context: "task config", Cause: fmt.Errorf("subprocess config missing cmd")}
		}
		tc.Kind = TaskConfigSubprocess
		tc.Subprocess = &SubprocessConfig{Cmd: wire.Cmd, Args: wire.Args}
	case TaskConfigUvPython:
		if wire.ScriptPath == "" {
			return &cdkerrors.ParseError{Context: "task config", Cause: fmt.Errorf("uv_python config missing script_path")}
		}
		tc.Kind = TaskConfigUvPython
		tc.UvPython = &UvPythonConfig{
			ScriptPath:       wire.ScriptPath,
			Packages:         wire.Packages,
			UvPath:           wire.UvPath,
			WorkingDirectory: wire.WorkingDirectory,
			IsUvProject:      wire.IsUvProject,
		}
	default:
		return &cdkerrors.ParseError{Context: "task config", Cause: fmt.Errorf("unknown kind %q", wire.Kind)}
	}
	return nil
}

// MarshalYAML implements the inverse of UnmarshalYAML.
func (tc TaskConfig) MarshalYAML() (interface{}, error) {
	switch tc.Kind {
	case TaskConfigSubprocess:
		return taskConfigWire{Kind: string(TaskConfigSubprocess), Cmd: tc.Subprocess.Cmd, Args: tc.Subprocess.Args}, nil
	case TaskConfigUvPython:
		return taskConfigWire{
			Kind:             string(TaskConfigUvPython),
			ScriptPath:       tc.UvPython.ScriptPath,
			Packages:         tc.UvPython.Packages,
			UvPath:           tc.UvPython.UvPath,
			WorkingDirectory: tc.UvPython.WorkingDirectory,
			IsUvProject:      tc.UvPython.IsUvProject,
		}, nil
	default:
		return nil, fmt.Errorf("model: cannot marshal task config with empty kind")
	}
}
