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

package bundle

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tinfoilsh/tinfoil-go/tferrors"
	"github.com/tinfoilsh/tinfoil-go/verify/trust"
)

const (
	// retryInitialInterval is the delay before the first retry; subsequent
	// retries double it (500ms, then 1s).
	retryInitialInterval = 500 * time.Millisecond
	// maxRetries bounds each URL to 3 attempts total.
	maxRetries = 2
)

// retryGetter retries transient fetch failures with exponential backoff.
// Only FetchError values are retried; anything else aborts immediately.
// Response parsing happens above this layer, so parse failures never
// trigger a refetch.
type retryGetter struct {
	getter trust.HTTPSGetter
}

func (r *retryGetter) Get(ctx context.Context, url string) ([]byte, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialInterval
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	var body []byte
	op := func() error {
		var err error
		body, err = r.getter.Get(ctx, url)
		if err != nil && !tferrors.IsFetch(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), ctx))
	if err != nil {
		return nil, err
	}
	return body, nil
}
