package trace

import "github.com/packetloom/streamcap/netflow"

type dummyCollector struct{}

var _ Collector = (*dummyCollector)(nil)

func (*dummyCollector) Process(netflow.Event) error {
	return nil
}

func (*dummyCollector) Close() error {
	return nil
}

// NewDummyCollector returns a Collector that discards every event, useful
// as a default when no real sink has been configured yet.
func NewDummyCollector() Collector {
	return &dummyCollector{}
}
