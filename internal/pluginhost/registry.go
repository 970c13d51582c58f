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
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"golang.org/x/sync/singleflight"
)

// instanceMeta is the subset of a gateway-supplied configuration value this
// registry cares about. Gateways pass plugin configuration as an opaque
// value (typically a map decoded from their own route configuration); this
// registry asks only that it carry a "key" and a "seq" when the plugin
// wants per-config instances, and tolerates either field being absent.
type instanceMeta struct {
	Key string `mapstructure:"key"`
	Seq int64  `mapstructure:"seq"`
}

func deriveInstanceMeta(pluginName string, conf any) instanceMeta {
	var meta instanceMeta

	if conf != nil {
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &meta,
			WeaklyTypedInput: true,
		})
		if err == nil {
			_ = dec.Decode(conf)
		}
	}

	if meta.Key == "" {
		meta.Key = pluginName
	}

	return meta
}

// An Instance is one running, started plugin instance as tracked by the
// registry: the id the plugin server assigned it, the config sequence number
// that was current when it was started, and the name of the ServerDef it
// lives on (so a serverPid change can evict exactly the instances that
// server hosts, and no others).
type Instance struct {
	ID         string
	Seq        int64
	ServerName string
}

// StartFunc starts a new plugin instance for the given plugin and
// configuration value, returning the id the plugin server assigned it.
// Implementations normally call plugin.StartInstance over the server's RPC
// client.
type StartFunc func(ctx context.Context, pluginName string, conf any) (string, error)

// CloseFunc closes a previously started instance on a best-effort basis; any
// error it encounters is the implementation's concern, not the registry's —
// see the eviction step of GetInstanceID.
type CloseFunc func(ctx context.Context, instanceID string)

// Registry implements the at-most-one-start semantics described for instance
// lookup: concurrent callers asking for the same key while no instance yet
// exists, or while the existing instance is stale, collapse into a single
// start attempt. Instances are keyed by key alone, not by plugin name; the
// key defaults to the plugin name when conf carries none. It is the Go-native replacement for a
// cooperative busy-wait loop — golang.org/x/sync/singleflight already
// provides the "one flight in, all flights get the result" dedup this needs.
type Registry struct {
	group singleflight.Group

	mu        sync.RWMutex
	instances map[string]Instance // key -> current instance
}

// NewRegistry returns an empty instance registry.
func NewRegistry() *Registry {
	return &Registry{instances: make(map[string]Instance)}
}

// GetInstanceID returns the id of the running instance for pluginName under
// conf, starting one via start if none exists yet or the existing one was
// started under a different config sequence number. serverName is stamped on
// the resulting Instance so a later serverPid change can evict it
// selectively; close, if the start supersedes a previous instance, is handed
// that instance's id to close on a best-effort basis.
//
// Concurrent callers that resolve to the same key and the same seq share a
// single call to start. A caller whose seq does not match the instance that a
// just-finished, previously contended start produced loops: it re-enters with
// the group now uncontended for that key and issues its own start. This
// preserves per-seq correctness despite singleflight deduplicating by key
// alone, not by the (key, seq) pair.
func (r *Registry) GetInstanceID(
	ctx context.Context,
	pluginName, serverName string,
	conf any,
	start StartFunc,
	closeFn CloseFunc,
) (string, error) {
	meta := deriveInstanceMeta(pluginName, conf)

	for {
		if inst, ok := r.lookup(meta.Key); ok && inst.Seq == meta.Seq {
			return inst.ID, nil
		}

		v, err, _ := r.group.Do(meta.Key, func() (any, error) {
			// Re-check under the flight: another goroutine may have already
			// started an instance for this exact seq while we were waiting
			// to enter Do.
			if inst, ok := r.lookup(meta.Key); ok && inst.Seq == meta.Seq {
				return inst, nil
			}

			old, hadOld := r.lookup(meta.Key)

			id, err := start(ctx, pluginName, conf)
			if err != nil {
				return nil, &StartError{Plugin: pluginName, Key: meta.Key, Err: err}
			}

			inst := Instance{ID: id, Seq: meta.Seq, ServerName: serverName}

			r.mu.Lock()
			r.instances[meta.Key] = inst
			r.mu.Unlock()

			if hadOld && old.ID != id && closeFn != nil {
				go closeFn(context.Background(), old.ID)
			}

			return inst, nil
		})
		if err != nil {
			return "", err
		}

		inst, ok := v.(Instance)
		if !ok {
			return "", fmt.Errorf("pluginhost: registry: unexpected flight result %#v", v)
		}

		if inst.Seq == meta.Seq {
			return inst.ID, nil
		}

		// The flight we joined (or raced past) resolved a different seq than
		// ours, most likely because a concurrent config reload changed conf
		// between our lookup and our Do call. Loop: the group is no longer
		// contended for this key, so the next iteration starts our own.
	}
}

// Forget drops the recorded instance for key, if any, so that the next
// GetInstanceID call for it always starts fresh. It is used when a plugin
// server reports it no longer recognizes an instance id (the "No plugin
// instance" sentinel).
func (r *Registry) Forget(key string) {
	r.mu.Lock()
	delete(r.instances, key)
	r.mu.Unlock()
}

// ForgetServer drops every recorded instance whose ServerName is serverName.
// It is used when that server's RPC client observes a changed serverPid (an
// opaque restart) or when the server's own supervisor loop respawns it: none
// of the instances it previously hosted survive either event, and instances
// other servers host are untouched.
func (r *Registry) ForgetServer(serverName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, inst := range r.instances {
		if inst.ServerName == serverName {
			delete(r.instances, key)
		}
	}
}

// Clear drops every recorded instance. It is used when a Host is shut down:
// the remote instances themselves die with their owning server processes, so
// there is nothing left to close here, only bookkeeping to discard.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.instances = make(map[string]Instance)
	r.mu.Unlock()
}

func (r *Registry) lookup(key string) (Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[key]

	return inst, ok
}
