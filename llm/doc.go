// Copyright 2024 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

/*
Package llm is the home for resilience primitives shared across the
dispatch core's upstream-facing components.

Only llm/circuitbreaker remains here: dispatch/executor wraps every
candidate attempt in a per-key circuit breaker (see executor.go) to
stop hammering a key that is already failing, independent of the
Adaptive RPM Manager's rate-limit bookkeeping in dispatch/ratelimit.
*/
package llm
