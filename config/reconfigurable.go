// Copyright 2025 The Uniffle Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"sync"
)

// Option keys accepted by Registry.Update.
const (
	KeyHighWatermarkPct = "high-watermark-pct"
	KeyLowWatermarkPct  = "low-watermark-pct"
)

// ChangeListener is invoked after a runtime config change with the set of
// changed keys it subscribed to.
type ChangeListener func(cfg *Config, changed map[string]bool)

type subscription struct {
	keys     map[string]bool
	listener ChangeListener
}

// Registry delivers runtime config changes to subscribers. Only a small
// set of options is reconfigurable; everything else is fixed at startup.
type Registry struct {
	mu   sync.Mutex
	subs []subscription
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register subscribes a listener to the given keys.
func (r *Registry) Register(listener ChangeListener, keys ...string) {
	keySet := make(map[string]bool, len(keys))
	for _, k := range keys {
		keySet[k] = true
	}
	r.mu.Lock()
	r.subs = append(r.subs, subscription{keys: keySet, listener: listener})
	r.mu.Unlock()
}

// Update notifies every listener subscribed to at least one of the changed
// keys. Callers mutate cfg before invoking Update; listeners observe the
// new values.
func (r *Registry) Update(cfg *Config, changed ...string) {
	r.mu.Lock()
	subs := make([]subscription, len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()

	for _, sub := range subs {
		hit := make(map[string]bool)
		for _, k := range changed {
			if sub.keys[k] {
				hit[k] = true
			}
		}
		if len(hit) > 0 {
			sub.listener(cfg, hit)
		}
	}
}
