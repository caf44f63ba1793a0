// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package stats stores per-message latency samples in BadgerDB.
package stats

import (
	"encoding/binary"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/nanobus/bus"
	"github.com/dgraph-io/badger/v4"
)

const (
	samplePrefix = "sample/"
	sequenceKey  = "seq/sample"

	defaultGCInterval = 5 * time.Minute
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("stats store closed")

// Sample is the latency record of one handled message.
type Sample struct {
	MessageType string        `json:"message_type"`
	Travel      time.Duration `json:"travel"`
	Total       time.Duration `json:"total"`
	At          time.Time     `json:"at"`
}

// NewSample builds a sample from delivery statistics. Travel is the time
// from the send call until the message reached the receiver.
func NewSample(messageType string, s bus.Statistics) Sample {
	return Sample{
		MessageType: messageType,
		Travel:      s.ReceivedAt.Sub(s.PrepareToSendAt),
		Total:       s.TotalDuration(),
		At:          s.HandledAt,
	}
}

// Summary aggregates samples.
type Summary struct {
	Count     int
	AvgTravel time.Duration
	AvgTotal  time.Duration
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir        string        // Directory for BadgerDB data
	InMemory   bool          // Keep everything in memory, Dir is ignored
	GCInterval time.Duration // Value log GC period, 0 uses 5m
}

// Store is a BadgerDB-backed latency repository.
//
// Key format: sample/{seq}, seq is a big-endian uint64 so that keys sort
// in insertion order.
type Store struct {
	db  *badger.DB
	seq *badger.Sequence

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Open opens or creates a sample store.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	// Samples are diagnostics and can be lost on crash.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open stats store: %w", err)
	}

	seq, err := db.GetSequence([]byte(sequenceKey), 1000)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to get sample sequence: %w", err)
	}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = defaultGCInterval
	}

	s := &Store{
		db:       db,
		seq:      seq,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}

	if cfg.InMemory {
		close(s.gcDone)
	} else {
		go s.runGC(interval)
	}

	return s, nil
}

// Save appends a sample.
func (s *Store) Save(sample Sample) error {
	if s.isClosed() {
		return ErrClosed
	}

	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal sample: %w", err)
	}

	n, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("failed to allocate sample key: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sampleKey(n), data)
	})
}

// List returns all samples in insertion order.
func (s *Store) List() ([]Sample, error) {
	var samples []Sample
	err := s.iterate(func(sample Sample) {
		samples = append(samples, sample)
	})
	if err != nil {
		return nil, err
	}
	return samples, nil
}

// Count returns the number of stored samples.
func (s *Store) Count() (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}

	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(samplePrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Summarize averages the samples of messageType, or all samples when
// messageType is empty.
func (s *Store) Summarize(messageType string) (Summary, error) {
	var (
		sum           Summary
		travel, total time.Duration
	)
	err := s.iterate(func(sample Sample) {
		if messageType != "" && sample.MessageType != messageType {
			return
		}
		sum.Count++
		travel += sample.Travel
		total += sample.Total
	})
	if err != nil {
		return Summary{}, err
	}
	if sum.Count > 0 {
		sum.AvgTravel = travel / time.Duration(sum.Count)
		sum.AvgTotal = total / time.Duration(sum.Count)
	}
	return sum, nil
}

// Reset removes all samples.
func (s *Store) Reset() error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.db.DropPrefix([]byte(samplePrefix))
}

// ExportCSV writes a "travel time;total time" header followed by one line
// per sample with both values in milliseconds.
func (s *Store) ExportCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	cw.Comma = ';'

	if err := cw.Write([]string{"travel time", "total time"}); err != nil {
		return err
	}

	var werr error
	err := s.iterate(func(sample Sample) {
		if werr != nil {
			return
		}
		werr = cw.Write([]string{millis(sample.Travel), millis(sample.Total)})
	})
	if err != nil {
		return err
	}
	if werr != nil {
		return werr
	}

	cw.Flush()
	return cw.Error()
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return errors.Join(s.seq.Release(), s.db.Close())
}

func (s *Store) iterate(fn func(Sample)) error {
	if s.isClosed() {
		return ErrClosed
	}

	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(samplePrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var sample Sample
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sample)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal sample: %w", err)
			}
			fn(sample)
		}
		return nil
	})
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns an error when there was nothing to collect.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}

func sampleKey(n uint64) []byte {
	key := make([]byte, len(samplePrefix)+8)
	copy(key, samplePrefix)
	binary.BigEndian.PutUint64(key[len(samplePrefix):], n)
	return key
}

func millis(d time.Duration) string {
	return strconv.FormatFloat(float64(d)/float64(time.Millisecond), 'f', 3, 64)
}
