package cmd

import (
	"github.com/packetloom/streamcap/connmeta"
	"github.com/packetloom/streamcap/netflow"
	"github.com/packetloom/streamcap/printer"
)

// printingCollector is the default sink for the CLI: one printer line per
// reconstructed pair, with the JA3/JA3S fingerprints called out when present.
type printingCollector struct{}

func (*printingCollector) Process(e netflow.Event) error {
	if e.Protocol == netflow.ProtocolTLS && e.TLS != nil {
		ja3, ja3s := "", ""
		if e.TLS.JA3 != nil {
			ja3 = *e.TLS.JA3
		}
		if e.TLS.JA3S != nil {
			ja3s = *e.TLS.JA3S
		}
		printer.Stdout.Infof("[%s] %s ja3=%s ja3s=%s sent=%d bytes recv=%d bytes\n",
			e.Protocol, e.Flow, ja3, ja3s, len(e.Sent), len(e.Recv))
		return nil
	}
	printer.Stdout.Infof("[%s] %s sent=%d bytes recv=%d bytes\n", e.Protocol, e.Flow, len(e.Sent), len(e.Recv))
	return nil
}

func (*printingCollector) Close() error { return nil }

// tapJA3IntoTracker wraps sink so a TLS event also records its fingerprints
// against tracker's connection summary, before the event is forwarded on
// unchanged.
func tapJA3IntoTracker(tracker *connmeta.Tracker, sink netflow.EventSink) netflow.EventSink {
	return netflow.EventSinkFunc(func(e netflow.Event) error {
		if e.Protocol == netflow.ProtocolTLS && e.TLS != nil {
			ja3, ja3s := "", ""
			if e.TLS.JA3 != nil {
				ja3 = *e.TLS.JA3
			}
			if e.TLS.JA3S != nil {
				ja3s = *e.TLS.JA3S
			}
			tracker.ObserveTLS(e.Flow, ja3, ja3s)
		}
		return sink.HandleEvent(e)
	})
}

// printSummary is a connmeta.SummarySinkFunc logging one line per connection
// lifecycle event, separate from printingCollector's per-pair output since a
// connection's summary and its individual request/response pairs are
// delivered on different schedules (the summary only once the connection is
// considered finished).
func printSummary(s connmeta.Summary) error {
	if s.TLS != nil {
		printer.Stdout.Infof("conn %s %s %s %s ja3=%s ja3s=%s duration=%s\n",
			s.ConnectionID, s.Flow, s.Direction, s.EndState, s.TLS.JA3, s.TLS.JA3S, s.LastSeen.Sub(s.FirstSeen))
		return nil
	}
	printer.Stdout.Infof("conn %s %s %s %s duration=%s\n",
		s.ConnectionID, s.Flow, s.Direction, s.EndState, s.LastSeen.Sub(s.FirstSeen))
	return nil
}
