// Copyright 2025 Tom Barlow
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

package errors

// ErrorClassifier defines methods for programmatic error handling.
// Errors that implement this interface can be classified by type
// for retry logic in the task queue and transaction manager.
type ErrorClassifier interface {
	error

	// ErrorType returns a string identifying the error category.
	// Examples: "validation", "not_found", "timeout", "external".
	ErrorType() string

	// IsRetryable returns true if the operation that produced this error
	// should be retried (e.g. by the task queue's fail() or a transaction
	// operation timeout).
	IsRetryable() bool
}

// Classify reports the ErrorType of err if it implements ErrorClassifier,
// and whether err should be treated as retryable. Errors that don't
// implement ErrorClassifier are treated as non-retryable with type "unknown".
func Classify(err error) (errType string, retryable bool) {
	if ec, ok := err.(ErrorClassifier); ok {
		return ec.ErrorType(), ec.IsRetryable()
	}
	return "unknown", false
}
