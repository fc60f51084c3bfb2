package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/docker/go-units"
)

// Stats tracks the chunks a channel moved, for progress reporting.
type Stats struct {
	sum     time.Duration
	chunks  int64
	bytes   int64
	retries int64
	mu      sync.Mutex
}

func newStats() *Stats {
	return &Stats{}
}

// update records a successful chunk transfer.
func (s *Stats) update(d time.Duration, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.chunks++
	s.bytes += int64(n)
}

func (s *Stats) addRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
}

// Average returns the average duration of a chunk transfer, retries included.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chunks == 0 {
		return 0
	}
	return s.sum / time.Duration(s.chunks)
}

// Chunks returns the number of chunks moved.
func (s *Stats) Chunks() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks
}

// Bytes returns the number of bytes moved by this channel instance.
func (s *Stats) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// Retries returns the number of retried RPCs.
func (s *Stats) Retries() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// TotalDuration returns the sum of all chunk transfer durations.
func (s *Stats) TotalDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum
}

func (s *Stats) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("%d chunks, %s, %d retries, %s", s.chunks, units.BytesSize(float64(s.bytes)), s.retries, s.sum.Round(time.Millisecond))
}
