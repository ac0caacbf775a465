// Copyright 2026 Kadir Pekel
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

// Package ratelimit throttles outbound calls per vendor. Embedding and
// index queries fan out under decomposition, so without a bucket a single
// turn can burst a dozen requests at an upstream in one scheduling quantum.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/kadirpekel/anchora/pkg/session"
)

// Limiter is a token-bucket throttle for one vendor. The zero source of a
// Limiter is its absence: a nil *Limiter admits every call, so callers wire
// it unconditionally and let configuration decide.
type Limiter struct {
	bucket *rate.Limiter
}

// New builds a limiter admitting rps requests per second with one second's
// allowance of burst. rps <= 0 means unthrottled and returns nil.
func New(rps float64) *Limiter {
	if rps <= 0 {
		return nil
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &Limiter{bucket: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until the bucket grants a slot or the context ends.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if err := l.bucket.Wait(ctx); err != nil {
		// Wait also fails when the remaining deadline cannot cover the
		// queue ahead; that is a deadline problem even though ctx.Err()
		// is still nil at that point.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return session.WrapError(session.KindDeadlineExceeded, "rate limit wait", err)
	}
	return nil
}
