// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNames(t *testing.T) {
	assert.Equal(t, "exchange.ident1.0", ExchangeName("ident1", 0))
	assert.Equal(t, "exchange.ident2.1", ExchangeName("ident2", 1))
	assert.Equal(t, "queue.ident1.0", QueueName("ident1", 0))
	assert.Equal(t, "queue.ident2.1", QueueName("ident2", 1))
}

func TestFullRange(t *testing.T) {
	assert.Equal(t, "0-9", FullRange(10))
	assert.Equal(t, "0", FullRange(1))
	assert.Equal(t, "0", FullRange(0))

	shards, err := ParseShardSpec(FullRange(4), 4)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, shards)
}

func TestParseShardSpec(t *testing.T) {
	tests := []struct {
		spec     string
		maxShard int
		want     []int
	}{
		{"0,1,2,3", 10, []int{0, 1, 2, 3}},
		{"0-5,6,8", 10, []int{0, 1, 2, 3, 4, 5, 6, 8}},
		{"0-3,6-9", 10, []int{0, 1, 2, 3, 6, 7, 8, 9}},
		{"1-3,6-6", 10, []int{1, 2, 3, 6}},
		{"3,1,2,1-2", 10, []int{1, 2, 3}},
		{" 4 , 2 ,", 10, []int{2, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := ParseShardSpec(tt.spec, tt.maxShard)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseShardSpec_Errors(t *testing.T) {
	tests := []struct {
		spec     string
		maxShard int
		wantMsg  string
	}{
		{"1,2,3,11", 10, "invalid shard spec: invalid shard 11. It must be less than maxShard 10"},
		{"7,10", 10, "invalid shard spec: invalid shard 10. It must be less than maxShard 10"},
		{"5-1", 10, "invalid shard spec: invalid interval 5-1"},
		{"10-4", 10, "invalid shard spec: invalid interval 10-4"},
		{"7-11", 10, "invalid shard spec: invalid interval 7-11. The interval must be less than maxShard 10"},
		{"11-12", 10, "invalid shard spec: invalid interval 11-12. The interval must be less than maxShard 10"},
		{"a", 10, `invalid shard spec: invalid shard token "a"`},
		{"-1", 10, `invalid shard spec: invalid shard token ""`},
		{"", 10, `invalid shard spec: no shards selected in ""`},
		{",", 10, `invalid shard spec: no shards selected in ","`},
		{" , ,", 10, `invalid shard spec: no shards selected in " , ,"`},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			_, err := ParseShardSpec(tt.spec, tt.maxShard)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidShardSpec)
			assert.Equal(t, tt.wantMsg, err.Error())
		})
	}
}

func TestParseServiceList(t *testing.T) {
	tests := []struct {
		spec string
		want []string
	}{
		{"service", []string{"service"}},
		{"service1,service2", []string{"service1", "service2"}},
		{"service1,,service2", []string{"service1", "service2"}},
		{"service1,   ,service2", []string{"service1", "service2"}},
		{" service1 ", []string{"service1"}},
		{"", nil},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseServiceList(tt.spec))
		})
	}
}
