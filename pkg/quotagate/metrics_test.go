package quotagate_test

import (
	"testing"
	"time"

	"github.com/mihaimyh/quotagate/pkg/quotagate"
)

// blockingMetrics holds the async worker inside the first event until released
type blockingMetrics struct {
	recordingMetrics
	release chan struct{}
	entered chan struct{}
}

func (m *blockingMetrics) RecordFallback(component, reason string) {
	select {
	case m.entered <- struct{}{}:
	default:
	}
	<-m.release
	m.recordingMetrics.RecordFallback(component, reason)
}

func TestAsyncMetrics_FlushesOnClose(t *testing.T) {
	next := &recordingMetrics{}
	m := quotagate.NewAsyncMetrics(next, 16)

	m.RecordDecision(testPlanPro, quotagate.TierNone, true, time.Millisecond)
	m.RecordDecision(testPlanPro, quotagate.TierHourly, false, time.Millisecond)
	m.RecordFallback("window_tracker", "cache_unavailable")
	m.Close()

	if got := next.Decisions(); len(got) != 2 || got[1] != quotagate.TierHourly {
		t.Errorf("Decisions = %v", got)
	}
	if got := next.Fallbacks(); len(got) != 1 {
		t.Errorf("Fallbacks = %v", got)
	}
	if m.Dropped() != 0 {
		t.Errorf("Dropped = %d, want 0", m.Dropped())
	}
}

func TestAsyncMetrics_DropsWhenFull(t *testing.T) {
	next := &blockingMetrics{release: make(chan struct{}), entered: make(chan struct{}, 1)}
	m := quotagate.NewAsyncMetrics(next, 2)

	// The worker takes the first event and blocks inside it
	m.RecordFallback("a", "1")
	<-next.entered

	m.RecordFallback("a", "2")
	m.RecordFallback("a", "3")
	m.RecordFallback("a", "4") // queue is full

	if m.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", m.Dropped())
	}

	close(next.release)
	m.Close()
	if got := next.Fallbacks(); len(got) != 3 {
		t.Errorf("Delivered %d events, want 3", len(got))
	}

	m.RecordFallback("a", "5")
	if m.Dropped() != 2 {
		t.Errorf("Events after Close should be dropped, Dropped = %d", m.Dropped())
	}
}
