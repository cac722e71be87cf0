package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Metrics is the set of process-wide counters. Fields are updated with
// sync/atomic and read through Snapshot or String.
type Metrics struct {
	// Messages handed to the pipeline, whatever happened to them afterwards.
	MessagesReceivedTotal int64
	// Messages whose every result was accepted.
	MessagesSucceededTotal int64
	// Messages that stopped at a rejected or unsendable result, or whose
	// ResultsDB group lookup failed.
	MessagesFailedTotal int64
	// Messages no normalizer claimed.
	MessagesSkippedTotal int64
	// Messages rejected as malformed before any result was sent.
	MessagesInvalidTotal int64

	// Individual POST /results calls, by outcome.
	ResultsSubmittedTotal int64
	ResultsFailedTotal    int64

	// Single-mode group resolution: an existing uuid was found vs. a new one minted.
	GroupsReusedTotal  int64
	GroupsCreatedTotal int64

	// Failed messages written to / replayed from the archive.
	ArchivedTotal int64
	ReplayedTotal int64
}

// Snapshot is a consistent-enough copy of Metrics for serialisation.
type Snapshot struct {
	MessagesReceived  int64 `json:"messages_received_total"`
	MessagesSucceeded int64 `json:"messages_succeeded_total"`
	MessagesFailed    int64 `json:"messages_failed_total"`
	MessagesSkipped   int64 `json:"messages_skipped_total"`
	MessagesInvalid   int64 `json:"messages_invalid_total"`
	ResultsSubmitted  int64 `json:"results_submitted_total"`
	ResultsFailed     int64 `json:"results_failed_total"`
	GroupsReused      int64 `json:"groups_reused_total"`
	GroupsCreated     int64 `json:"groups_created_total"`
	Archived          int64 `json:"archived_total"`
	Replayed          int64 `json:"replayed_total"`
}

func New() *Metrics {
	return &Metrics{}
}

// Inc adds one to the counter. A nil *Metrics is allowed and ignored.
func (m *Metrics) Inc(counter *int64) {
	if m == nil || counter == nil {
		return
	}
	atomic.AddInt64(counter, 1)
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		MessagesReceived:  atomic.LoadInt64(&m.MessagesReceivedTotal),
		MessagesSucceeded: atomic.LoadInt64(&m.MessagesSucceededTotal),
		MessagesFailed:    atomic.LoadInt64(&m.MessagesFailedTotal),
		MessagesSkipped:   atomic.LoadInt64(&m.MessagesSkippedTotal),
		MessagesInvalid:   atomic.LoadInt64(&m.MessagesInvalidTotal),
		ResultsSubmitted:  atomic.LoadInt64(&m.ResultsSubmittedTotal),
		ResultsFailed:     atomic.LoadInt64(&m.ResultsFailedTotal),
		GroupsReused:      atomic.LoadInt64(&m.GroupsReusedTotal),
		GroupsCreated:     atomic.LoadInt64(&m.GroupsCreatedTotal),
		Archived:          atomic.LoadInt64(&m.ArchivedTotal),
		Replayed:          atomic.LoadInt64(&m.ReplayedTotal),
	}
}

func (m *Metrics) String() string {
	s := m.Snapshot()

	var sb strings.Builder
	sb.Grow(256)

	fmt.Fprintf(&sb, "messages_received_total=%d\n", s.MessagesReceived)
	fmt.Fprintf(&sb, "messages_succeeded_total=%d\n", s.MessagesSucceeded)
	fmt.Fprintf(&sb, "messages_failed_total=%d\n", s.MessagesFailed)
	fmt.Fprintf(&sb, "messages_skipped_total=%d\n", s.MessagesSkipped)
	fmt.Fprintf(&sb, "messages_invalid_total=%d\n", s.MessagesInvalid)

	fmt.Fprintf(&sb, "results_submitted_total=%d\n", s.ResultsSubmitted)
	fmt.Fprintf(&sb, "results_failed_total=%d\n", s.ResultsFailed)

	fmt.Fprintf(&sb, "groups_reused_total=%d\n", s.GroupsReused)
	fmt.Fprintf(&sb, "groups_created_total=%d\n", s.GroupsCreated)

	fmt.Fprintf(&sb, "archived_total=%d\n", s.Archived)
	fmt.Fprintf(&sb, "replayed_total=%d\n", s.Replayed)

	return sb.String()
}
