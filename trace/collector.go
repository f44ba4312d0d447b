// Package trace wires together the netflow.EventSink chain that receives
// reconstructed request/response pairs once demux/tcpstream/tlsstream have
// done their work: sampling, fan-out, and no-op sinks that a caller composes
// in front of whatever actually consumes the events (a file writer, a test
// assertion, a downstream service).
package trace

import (
	"math"
	"strconv"

	"github.com/OneOfOne/xxhash"

	"github.com/packetloom/streamcap/netflow"
)

// Collector is a netflow.EventSink with an explicit Close, mirroring the
// rest of this package's sinks. Implementations should only return an error
// from Process when it's unrecoverable and the whole pipeline should stop.
type Collector interface {
	Process(netflow.Event) error
	Close() error
}

// AsEventSink adapts a Collector to a netflow.EventSink so it can be wired
// as a flow handler's parent.
func AsEventSink(c Collector) netflow.EventSink {
	return netflow.EventSinkFunc(c.Process)
}

// SamplingCollector wraps a Collector and forwards only a sampled subset of
// events, keyed by flow and event timestamp: a given pair always gets the
// same decision, while different pairs of one flow are sampled independently.
type SamplingCollector struct {
	// A sample is used if a hash of its key falls below this threshold.
	sampleThreshold float64

	collector Collector
}

// NewSamplingCollector returns collector unchanged if sampleRate is 1.0,
// otherwise wraps it in a SamplingCollector.
func NewSamplingCollector(sampleRate float64, collector Collector) Collector {
	if sampleRate == 1.0 {
		return collector
	}
	return &SamplingCollector{
		sampleThreshold: float64(math.MaxUint32) * sampleRate,
		collector:       collector,
	}
}

func (sc *SamplingCollector) includeSample(key string) bool {
	h := xxhash.New32()
	h.WriteString(key)
	return float64(h.Sum32()) < sc.sampleThreshold
}

func (sc *SamplingCollector) Process(e netflow.Event) error {
	key := e.Flow.String() + strconv.FormatInt(e.Timestamp.UnixNano(), 10)
	if sc.includeSample(key) {
		return sc.collector.Process(e)
	}
	return nil
}

func (sc *SamplingCollector) Close() error {
	return sc.collector.Close()
}
