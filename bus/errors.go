// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"errors"
	"fmt"
)

// Error kinds. Returned errors wrap one of these and the root cause, so
// both can be matched with errors.Is.
var (
	// ErrValidation reports a malformed shard or service spec, a message
	// without a usable identifier, or a shard resolved out of range.
	ErrValidation = errors.New("validation error")

	// ErrInitialization reports a failure while connecting or provisioning
	// topology. It is fatal.
	ErrInitialization = errors.New("bus initialization failed")

	// ErrPublish reports a failed Send.
	ErrPublish = errors.New("publish failed")

	// ErrRouting reports a delivery whose type is unknown or has no handler.
	// Such deliveries are dropped.
	ErrRouting = errors.New("routing error")

	// ErrHandler reports a failure inside the handler pipeline.
	ErrHandler = errors.New("handler error")

	// ErrClosed is returned when using a closed sender or receiver.
	ErrClosed = errors.New("bus closed")
)

func wrap(kind, err error) error {
	return fmt.Errorf("%w: %w", kind, err)
}

func validation(err error) error {
	return wrap(ErrValidation, err)
}
