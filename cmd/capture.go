package cmd

import (
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/packetloom/streamcap/connmeta"
	"github.com/packetloom/streamcap/demux"
	"github.com/packetloom/streamcap/neterr"
	"github.com/packetloom/streamcap/netflow"
	"github.com/packetloom/streamcap/pcap"
	"github.com/packetloom/streamcap/tlsstream"
	"github.com/packetloom/streamcap/trace"
)

var (
	interfaceFlag  string
	bpfFilterFlag  string
	liveKeylogFlag string
	liveTLSPort    int
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Reconstruct request/response pairs from a live interface.",
	Long:  "Captures from a network interface until interrupted, running every flow through the same reassembly and (for the configured TLS port) decryption pipeline as replay.",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := loadSecrets(liveKeylogFlag)
		if err != nil {
			return errors.Wrap(err, "failed to load TLS secrets")
		}

		errs := neterr.NewPolicy(false)
		tracker := connmeta.New(connmeta.SummarySinkFunc(printSummary))
		d := demux.New(tapJA3IntoTracker(tracker, trace.AsEventSink(&printingCollector{})), errs)
		d.Register(demux.GenericPort, func(flow netflow.FlowKey) netflow.Handler {
			return netflow.NewForwarder()
		})
		d.Register(liveTLSPort, func(flow netflow.FlowKey) netflow.Handler {
			return tlsstream.New(flow, store)
		})
		d.SetObserver(tracker.Observe)

		stop := make(chan struct{})
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt)
		go func() {
			<-sig
			close(stop)
		}()

		if err := pcap.Capture(stop, interfaceFlag, bpfFilterFlag, d, errs); err != nil {
			return err
		}
		return tracker.Close()
	},
}

func init() {
	captureCmd.Flags().StringVar(&interfaceFlag, "interface", "", "Network interface to capture on.")
	captureCmd.Flags().StringVar(&bpfFilterFlag, "filter", "", "BPF filter restricting which packets are captured.")
	captureCmd.Flags().StringVar(&liveKeylogFlag, "keylog", "", "Path to an NSS key log file (SSLKEYLOGFILE format) providing TLS master secrets.")
	captureCmd.Flags().IntVar(&liveTLSPort, "tls-port", 443, "TCP port whose flows should be run through the TLS record layer.")
	captureCmd.MarkFlagRequired("interface")
}
