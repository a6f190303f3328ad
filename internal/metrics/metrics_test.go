package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNew_InstrumentsAreUsable(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.MailboxDepth.WithLabelValues("room", "1").Set(5)
	m.SendQueueDepth.WithLabelValues("play-2").Set(3)
	m.PendingRequests.Set(2)
	m.NodeReachable.WithLabelValues("play-2").Set(1)
	m.DispatchTotal.WithLabelValues("room", "Echo").Inc()
	m.DispatchErrorTotal.WithLabelValues("room", "Echo").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("no metric families registered")
	}

	var sawMailboxDepth bool
	for _, f := range families {
		if f.GetName() == "playhouse_stage_mailbox_depth" {
			sawMailboxDepth = true
			if len(f.Metric) != 1 || f.Metric[0].GetGauge().GetValue() != 5 {
				t.Errorf("mailbox depth metric = %+v", f.Metric)
			}
		}
	}
	if !sawMailboxDepth {
		t.Error("playhouse_stage_mailbox_depth not found among gathered families")
	}
}
