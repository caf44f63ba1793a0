// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package topology names the broker resources used by the bus and parses the
// shard and service selections a receiver listens to.
package topology

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ErrInvalidShardSpec is returned for malformed or out of range shard specs.
var ErrInvalidShardSpec = errors.New("invalid shard spec")

// ExchangeName returns the fanout exchange a service publishes a shard to.
func ExchangeName(id string, shard int) string {
	return "exchange." + id + "." + strconv.Itoa(shard)
}

// QueueName returns the durable queue a receiver consumes a shard from.
func QueueName(id string, shard int) string {
	return "queue." + id + "." + strconv.Itoa(shard)
}

// FullRange returns the shard spec covering every shard below maxShard.
func FullRange(maxShard int) string {
	if maxShard <= 1 {
		return "0"
	}
	return "0-" + strconv.Itoa(maxShard-1)
}

// ParseShardSpec parses a comma separated list of shards and inclusive
// ranges ("0-3,6,8-9") into sorted, distinct shard indices below maxShard.
// A spec selecting no shard is an error.
func ParseShardSpec(spec string, maxShard int) ([]int, error) {
	var shards []int

	for _, token := range strings.Split(spec, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}

		lo, hi, isRange := strings.Cut(token, "-")
		if !isRange {
			shard, err := parseShard(token)
			if err != nil {
				return nil, err
			}
			if shard >= maxShard {
				return nil, fmt.Errorf("%w: invalid shard %d. It must be less than maxShard %d", ErrInvalidShardSpec, shard, maxShard)
			}
			shards = append(shards, shard)
			continue
		}

		minShard, err := parseShard(lo)
		if err != nil {
			return nil, err
		}
		maxInterval, err := parseShard(hi)
		if err != nil {
			return nil, err
		}
		if minShard > maxInterval {
			return nil, fmt.Errorf("%w: invalid interval %d-%d", ErrInvalidShardSpec, minShard, maxInterval)
		}
		if minShard >= maxShard || maxInterval >= maxShard {
			return nil, fmt.Errorf("%w: invalid interval %d-%d. The interval must be less than maxShard %d", ErrInvalidShardSpec, minShard, maxInterval, maxShard)
		}
		for s := minShard; s <= maxInterval; s++ {
			shards = append(shards, s)
		}
	}

	if len(shards) == 0 {
		return nil, fmt.Errorf("%w: no shards selected in %q", ErrInvalidShardSpec, spec)
	}
	slices.Sort(shards)
	return slices.Compact(shards), nil
}

func parseShard(token string) (int, error) {
	token = strings.TrimSpace(token)
	shard, err := strconv.Atoi(token)
	if err != nil || shard < 0 {
		return 0, fmt.Errorf("%w: invalid shard token %q", ErrInvalidShardSpec, token)
	}
	return shard, nil
}

// ParseServiceList splits a comma separated list of service identifiers,
// dropping blank entries.
func ParseServiceList(spec string) []string {
	var services []string
	for _, s := range strings.Split(spec, ",") {
		if s = strings.TrimSpace(s); s != "" {
			services = append(services, s)
		}
	}
	return services
}
