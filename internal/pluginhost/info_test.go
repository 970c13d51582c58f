// Copyright 2025 The Reginald Authors
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

package pluginhost

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"testing"
)

// fakeRunner answers Output per def name from a fixed table, recording which
// names it was asked to run so tests can assert on which commands ran.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	outputs map[string][]byte
	errs    map[string]error
}

func (f *fakeRunner) Output(ctx context.Context, name string, args []string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf("%s %v", name, args))
	f.mu.Unlock()

	key := args[len(args)-1]

	if err, ok := f.errs[key]; ok {
		return nil, err
	}

	return f.outputs[key], nil
}

func TestLoadDescriptorsDedupesByName(t *testing.T) {
	defA := &ServerDef{Name: "a", InfoCmd: "cmd-a"}
	defB := &ServerDef{Name: "b", InfoCmd: "cmd-b"}

	run := &fakeRunner{
		outputs: map[string][]byte{
			"cmd-a": []byte("- name: echo\n  phases: [access]\n"),
			"cmd-b": []byte("- name: echo\n  phases: [log]\n- name: rewrite\n  phases: [rewrite]\n"),
		},
	}

	descs := LoadDescriptors(context.Background(), []*ServerDef{defA, defB}, run, slog.Default())

	names := make([]string, len(descs))
	for i, d := range descs {
		names[i] = d.Name
	}

	sort.Strings(names)

	if len(names) != 2 || names[0] != "echo" || names[1] != "rewrite" {
		t.Fatalf("unexpected descriptor names: %v", names)
	}

	for _, d := range descs {
		if d.Name == "echo" && d.Server != defA {
			t.Errorf("echo kept the second registration instead of the first")
		}
	}
}

func TestLoadDescriptorsSkipsServersWithNoInfoCmd(t *testing.T) {
	def := &ServerDef{Name: "managed-only"}

	descs := LoadDescriptors(context.Background(), []*ServerDef{def}, &fakeRunner{outputs: map[string][]byte{}}, slog.Default())

	if len(descs) != 0 {
		t.Fatalf("expected no descriptors, got %v", descs)
	}
}

func TestLoadDescriptorsMalformedOutputDoesNotFailStartup(t *testing.T) {
	good := &ServerDef{Name: "good", InfoCmd: "cmd-good"}
	bad := &ServerDef{Name: "bad", InfoCmd: "cmd-bad"}
	garbled := &ServerDef{Name: "garbled", InfoCmd: "cmd-garbled"}

	run := &fakeRunner{
		outputs: map[string][]byte{
			"cmd-good":    []byte("- name: echo\n"),
			"cmd-garbled": []byte("not a descriptor list\n"),
		},
		errs: map[string]error{"cmd-bad": fmt.Errorf("boom")},
	}

	descs := LoadDescriptors(context.Background(), []*ServerDef{good, bad, garbled}, run, slog.Default())

	if len(descs) != 1 || descs[0].Name != "echo" {
		t.Fatalf("unexpected descriptors: %v", descs)
	}
}

func TestLoadDescriptorsRunsEveryInfoCommand(t *testing.T) {
	defs := make([]*ServerDef, 10)
	outputs := make(map[string][]byte, 10)

	for i := range defs {
		name := fmt.Sprintf("server-%d", i)
		defs[i] = &ServerDef{Name: name, InfoCmd: "cmd-" + name}
		outputs["cmd-"+name] = []byte(fmt.Sprintf("- name: plugin-%d\n", i))
	}

	run := &fakeRunner{outputs: outputs}

	descs := LoadDescriptors(context.Background(), defs, run, slog.Default())

	if len(descs) != 10 {
		t.Fatalf("len(descs) = %d, want 10", len(descs))
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	if len(run.calls) != 10 {
		t.Fatalf("expected 10 info-command invocations, got %d", len(run.calls))
	}
}
