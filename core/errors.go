// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import "errors"

// ErrQueueAuth reports a credential or connection failure talking to a
// message source. Consumers back off for the configured auth error
// timeout before polling again when a receive error wraps this.
var ErrQueueAuth = errors.New("queue authentication or connection failure")

// IsAuthError reports whether err is, or wraps, a queue auth failure.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrQueueAuth)
}
