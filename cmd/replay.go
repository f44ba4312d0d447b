package cmd

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/packetloom/streamcap/connmeta"
	"github.com/packetloom/streamcap/demux"
	"github.com/packetloom/streamcap/neterr"
	"github.com/packetloom/streamcap/netflow"
	"github.com/packetloom/streamcap/pcap"
	"github.com/packetloom/streamcap/secrets"
	"github.com/packetloom/streamcap/tlsstream"
	"github.com/packetloom/streamcap/trace"
)

var (
	keylogFlag      string
	tlsPortFlag     int
	sampleRateFlag  float64
	raiseErrorsFlag bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <capture-file>",
	Short: "Reconstruct request/response pairs from a pcap or pcapng file.",
	Long:  "Replays a capture file through TCP reassembly and, for the configured TLS port, TLS decryption, printing one line per reconstructed pair.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := loadSecrets(keylogFlag)
		if err != nil {
			return errors.Wrap(err, "failed to load TLS secrets")
		}

		errs := neterr.NewPolicy(raiseErrorsFlag)
		sink := trace.NewSamplingCollector(sampleRateFlag, &printingCollector{})
		tracker := connmeta.New(connmeta.SummarySinkFunc(printSummary))
		d := demux.New(tapJA3IntoTracker(tracker, trace.AsEventSink(sink)), errs)
		d.Register(demux.GenericPort, func(flow netflow.FlowKey) netflow.Handler {
			return netflow.NewForwarder()
		})
		d.Register(tlsPortFlag, func(flow netflow.FlowKey) netflow.Handler {
			return tlsstream.New(flow, store)
		})
		d.SetObserver(tracker.Observe)

		if err := pcap.Replay(args[0], d, errs); err != nil {
			return errors.Wrap(err, "failed replaying capture")
		}
		if err := tracker.Close(); err != nil {
			return err
		}
		if err := sink.Close(); err != nil {
			return err
		}
		if !errs.RaiseExceptions {
			for ts, collected := range errs.Errors() {
				for _, e := range collected {
					cmd.PrintErrf("%s: %s\n", ts, e)
				}
			}
		}
		return nil
	},
}

func loadSecrets(path string) (*secrets.Store, error) {
	if path == "" {
		return secrets.New(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return secrets.LoadKeylog(f)
}

func init() {
	replayCmd.Flags().StringVar(&keylogFlag, "keylog", "", "Path to an NSS key log file (SSLKEYLOGFILE format) providing TLS master secrets.")
	replayCmd.Flags().IntVar(&tlsPortFlag, "tls-port", 443, "TCP port whose flows should be run through the TLS record layer.")
	replayCmd.Flags().Float64Var(&sampleRateFlag, "sample-rate", 1.0, "A number in [0.0, 1.0] controlling what fraction of reconstructed pairs are printed.")
	replayCmd.Flags().BoolVar(&raiseErrorsFlag, "raise-errors", false, "Stop at the first decode or TCP reassembly error instead of collecting and continuing.")
}
