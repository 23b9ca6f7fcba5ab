// Copyright 2025 CostPilot
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

// Package circuitbreaker provides per-dependency failure isolation.
//
// Each external dependency (inference backend, cost data provider,
// specialist agents) is guarded by its own Closed/Open/HalfOpen state
// machine with a sliding window of recent call outcomes. Once a
// dependency is judged unhealthy the breaker fails fast with a typed
// OpenError so callers can serve a degraded response instead of
// waiting on a dead dependency.
package circuitbreaker

import (
	"sync"
)

// Registry holds one breaker per distinct dependency name. Breakers
// are created lazily on first Get and live for the process lifetime.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	defaults  Config
	overrides map[string]Config

	onStateChange StateChangeFunc
}

// NewRegistry creates a registry with the given default breaker config.
// Per-dependency overrides take precedence over the defaults.
func NewRegistry(defaults Config, overrides map[string]Config) *Registry {
	if defaults.WindowSize <= 0 {
		defaults = DefaultConfig()
	}
	return &Registry{
		breakers:  make(map[string]*Breaker),
		defaults:  defaults,
		overrides: overrides,
	}
}

// SetStateChangeFunc registers a transition observer applied to every
// breaker the registry creates. Must be called before first Get.
func (r *Registry) SetStateChangeFunc(fn StateChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStateChange = fn
}

// Get returns the breaker for the named dependency, creating it on
// first use
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	breaker, exists := r.breakers[name]
	r.mu.RUnlock()
	if exists {
		return breaker
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if breaker, exists = r.breakers[name]; exists {
		return breaker
	}

	config := r.defaults
	if override, ok := r.overrides[name]; ok {
		config = override
	}

	breaker = NewBreaker(name, config)
	if r.onStateChange != nil {
		breaker.SetStateChangeFunc(r.onStateChange)
	}
	r.breakers[name] = breaker
	return breaker
}

// OpenCount returns the number of breakers currently not Closed
func (r *Registry) OpenCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, b := range r.breakers {
		if b.State() != StateClosed {
			count++
		}
	}
	return count
}

// Statuses returns a point-in-time view of every registered breaker
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make([]Status, 0, len(r.breakers))
	for _, b := range r.breakers {
		statuses = append(statuses, b.Status())
	}
	return statuses
}
