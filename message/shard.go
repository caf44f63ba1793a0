// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"fmt"

	"github.com/google/uuid"
)

// ShardResolver maps a message identifier to a shard in [0, size). The id is
// the normalized identifier returned by ID: int64, uint64 or uuid.UUID.
type ShardResolver func(id any, size int) int

// IntShard is the default resolver for signed integer identifiers. Negative
// identifiers wrap around so the result is always in [0, size).
func IntShard(n int64, size int) int {
	s := int64(size)
	return int(((n % s) + s) % s)
}

// UintShard is the default resolver for unsigned integer identifiers.
func UintShard(n uint64, size int) int {
	return int(n % uint64(size))
}

// UUIDShard is the default resolver for UUID identifiers: the sum of the 16
// raw bytes modulo size.
func UUIDShard(id uuid.UUID, size int) int {
	sum := 0
	for _, b := range id {
		sum += int(b)
	}
	return sum % size
}

// DefaultShard dispatches to the default resolver for the identifier type.
func DefaultShard(id any, size int) (int, error) {
	switch v := id.(type) {
	case int64:
		return IntShard(v, size), nil
	case uint64:
		return UintShard(v, size), nil
	case uuid.UUID:
		return UUIDShard(v, size), nil
	}
	return 0, fmt.Errorf("%w: no default shard resolver for %T", ErrIncompatibleID, id)
}

// Shard resolves the shard of id with custom, or with the default resolver
// when custom is nil, and checks the result is within [0, size).
func Shard(id any, size int, custom ShardResolver) (int, error) {
	if size <= 0 {
		return 0, fmt.Errorf("%w: sharding size %d", ErrShardOutOfRange, size)
	}

	var shard int
	if custom != nil {
		shard = custom(id, size)
	} else {
		var err error
		if shard, err = DefaultShard(id, size); err != nil {
			return 0, err
		}
	}

	if shard < 0 || shard >= size {
		return 0, fmt.Errorf("%w: resolver returned %d for size %d", ErrShardOutOfRange, shard, size)
	}
	return shard, nil
}
