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

// A Snapshot is the frozen request and response data handed to a plugin's log
// phase. The log phase runs after the response has already been sent to the
// client, by which point the live request object the other phases could
// reach through bridge calls may be gone or reused; PDK calls the plugin's
// log handler makes are answered from this value instead (see
// WithSnapshot and SnapshotFromContext).
type Snapshot struct {
	Request  map[string]any
	Response map[string]any
	Vars     map[string]any
}

// NewSnapshot returns an empty Snapshot ready to be populated by the caller
// driving a phase invocation (normally the gateway's request-logging code,
// immediately before invoking the log phase).
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Request:  make(map[string]any),
		Response: make(map[string]any),
		Vars:     make(map[string]any),
	}
}
