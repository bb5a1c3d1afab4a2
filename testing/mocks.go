// Copyright 2025 Tinfoil Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package testing

import (
	"context"
	"fmt"
	"sync"

	"github.com/tinfoilsh/tinfoil-go/tferrors"
)

// Getter is a static URL -> body map implementing trust.HTTPSGetter, with
// per-URL call counting and scriptable failures.
type Getter struct {
	mu sync.Mutex
	// Responses maps URLs to response bodies.
	Responses map[string][]byte
	// FailFirst holds per-URL counts of leading calls that fail with a
	// FetchError before Responses takes over.
	FailFirst map[string]int
	// Calls counts Get invocations per URL.
	Calls map[string]int
}

// Get returns the configured response for the URL, failing the first
// FailFirst[url] calls with a transient fetch error.
func (g *Getter) Get(_ context.Context, url string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Calls == nil {
		g.Calls = make(map[string]int)
	}
	g.Calls[url]++
	if g.FailFirst[url] > 0 {
		g.FailFirst[url]--
		return nil, tferrors.Fetch(url, fmt.Errorf("injected network error"))
	}
	body, ok := g.Responses[url]
	if !ok {
		return nil, tferrors.FetchStatus(url, 404)
	}
	return body, nil
}

// CallCount returns how many times url was requested.
func (g *Getter) CallCount(url string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Calls[url]
}
