package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestCountersSnapshot(t *testing.T) {
	var c Counters
	c.ItemsIn.Add(3)
	c.BytesOut.Add(192)
	c.MissedPackets.Add(2)
	c.EOFMarkers.Add(1)

	st := c.Snapshot("rx")
	if st.Name != "rx" {
		t.Errorf("expected name rx, got %s", st.Name)
	}
	if st.ItemsIn != 3 || st.BytesOut != 192 || st.MissedPackets != 2 || st.EOFMarkers != 1 {
		t.Errorf("unexpected snapshot %+v", st)
	}
	if st.Overruns != 0 || st.QueueLen != 0 || st.State != "" {
		t.Errorf("expected queue fields left to the block, got %+v", st)
	}

	c.ItemsIn.Add(1)
	if st.ItemsIn != 3 {
		t.Errorf("snapshot changed after counter update: %d", st.ItemsIn)
	}
}

func TestSentinelErrorsWrap(t *testing.T) {
	err := fmt.Errorf("udp_sink tx: %w", ErrConfigInvalid)
	if !errors.Is(err, ErrConfigInvalid) {
		t.Error("expected wrapped ErrConfigInvalid to match")
	}
	if errors.Is(err, ErrEndOfStream) {
		t.Error("unexpected match with ErrEndOfStream")
	}
}
