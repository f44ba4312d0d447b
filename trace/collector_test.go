package trace

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/packetloom/streamcap/netflow"
)

type recordingCollector struct {
	events []netflow.Event
	closed bool
}

func (r *recordingCollector) Process(e netflow.Event) error {
	r.events = append(r.events, e)
	return nil
}

func (r *recordingCollector) Close() error {
	r.closed = true
	return nil
}

func testEvent(ts time.Time) netflow.Event {
	flow := netflow.NewFlowKey(netip.MustParseAddr("10.0.0.1"), 1111, netip.MustParseAddr("10.0.0.2"), 80)
	return netflow.Event{Flow: flow, Timestamp: ts, Protocol: netflow.ProtocolTCP}
}

func TestSamplingCollectorRate1PassesThrough(t *testing.T) {
	inner := &recordingCollector{}
	c := NewSamplingCollector(1.0, inner)
	require.Same(t, inner, c)
}

func TestSamplingCollectorRate0DropsEverything(t *testing.T) {
	inner := &recordingCollector{}
	c := NewSamplingCollector(0.0, inner)
	for i := 0; i < 20; i++ {
		require.NoError(t, c.Process(testEvent(time.Unix(int64(i), 0))))
	}
	require.Empty(t, inner.events)
}

func TestSamplingCollectorSameKeySameDecision(t *testing.T) {
	inner := &recordingCollector{}
	c := NewSamplingCollector(0.5, inner)
	ts := time.Unix(42, 0)
	require.NoError(t, c.Process(testEvent(ts)))
	require.NoError(t, c.Process(testEvent(ts)))
	// Same flow+timestamp key hashes identically, so it's included or
	// excluded consistently rather than independently per call.
	require.True(t, len(inner.events) == 0 || len(inner.events) == 2)
}

func TestDummyCollectorDiscardsEverything(t *testing.T) {
	c := NewDummyCollector()
	require.NoError(t, c.Process(testEvent(time.Unix(1, 0))))
	require.NoError(t, c.Close())
}

func TestTeeCollectorForwardsToBothAndClosesBoth(t *testing.T) {
	a := &recordingCollector{}
	b := &recordingCollector{}
	tc := TeeCollector{Dst1: a, Dst2: b}

	ev := testEvent(time.Unix(1, 0))
	require.NoError(t, tc.Process(ev))
	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)

	require.NoError(t, tc.Close())
	require.True(t, a.closed)
	require.True(t, b.closed)
}

type erroringCollector struct{ err error }

func (e erroringCollector) Process(netflow.Event) error { return e.err }
func (e erroringCollector) Close() error                { return e.err }

func TestTeeCollectorPropagatesDst1ErrorFirst(t *testing.T) {
	errA := errors.New("dst1 failed")
	tc := TeeCollector{Dst1: erroringCollector{errA}, Dst2: &recordingCollector{}}
	require.ErrorIs(t, tc.Process(testEvent(time.Unix(1, 0))), errA)
}

func TestAsEventSinkAdaptsCollector(t *testing.T) {
	inner := &recordingCollector{}
	sink := AsEventSink(inner)
	require.NoError(t, sink.HandleEvent(testEvent(time.Unix(1, 0))))
	require.Len(t, inner.events, 1)
}
