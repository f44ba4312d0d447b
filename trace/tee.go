package trace

import "github.com/packetloom/streamcap/netflow"

// TeeCollector forwards every event to both destinations.
type TeeCollector struct {
	Dst1 Collector
	Dst2 Collector
}

func (tc TeeCollector) Process(e netflow.Event) error {
	err1 := tc.Dst1.Process(e)
	err2 := tc.Dst2.Process(e)

	if err1 != nil {
		return err1
	}
	return err2
}

func (tc TeeCollector) Close() error {
	err1 := tc.Dst1.Close()
	err2 := tc.Dst2.Close()

	if err1 != nil {
		return err1
	}
	return err2
}
