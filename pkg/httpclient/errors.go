// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package httpclient

import "fmt"

// RetryableError reports a request that kept failing after all retries.
type RetryableError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *RetryableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Message, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}
