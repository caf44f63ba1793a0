// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp091

import "errors"

// Client errors.
var (
	ErrNoAddress    = errors.New("no broker address configured")
	ErrNotConnected = errors.New("connection is closed")
	ErrDialFailed   = errors.New("failed to connect to any broker address")
)
