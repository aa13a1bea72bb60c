// hddsdump decodes RTPS traffic from a pcap capture: submessage kinds,
// writer sequence numbers, and discovery announcements. It is a debugging
// aid for interop work, not part of the data plane.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/hdds-platform/hdds/discovery"
	"github.com/hdds-platform/hdds/logging"
	"github.com/hdds-platform/hdds/rtps"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// File is the pcap file to decode.
	File string
	// Verbose prints payload details for discovery traffic.
	Verbose bool
}

var rootCmd = &cobra.Command{
	Use:   "hddsdump",
	Short: "Decode RTPS submessages from a pcap capture",
	RunE: func(_ *cobra.Command, _ []string) error {
		return run(cmd)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.File, "file", "f", "", "Path to the pcap file (required)")
	rootCmd.Flags().BoolVarP(&cmd.Verbose, "verbose", "v", false, "Decode discovery payloads")
	rootCmd.MarkFlagRequired("file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	level := zapcore.WarnLevel
	if cmd.Verbose {
		level = zapcore.DebugLevel
	}
	log, _, err := logging.Init(&logging.Config{Level: level})
	if err != nil {
		return err
	}
	defer log.Sync()

	f, err := os.Open(cmd.File)
	if err != nil {
		return fmt.Errorf("failed to open capture: %w", err)
	}
	defer f.Close()

	reader, err := pcapgo.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read pcap header: %w", err)
	}

	n := 0
	for {
		data, _, err := reader.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to read packet: %w", err)
		}
		pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Lazy)
		udp, ok := pkt.TransportLayer().(*layers.UDP)
		if !ok {
			continue
		}
		header, err := rtps.ParseHeader(udp.Payload)
		if err != nil {
			continue
		}
		n++
		fmt.Printf("#%d %s -> :%d vendor=%02x%02x prefix=%s\n",
			n,
			pkt.NetworkLayer().NetworkFlow().Src(),
			udp.DstPort,
			header.Vendor[0], header.Vendor[1],
			header.GUIDPrefix.String(),
		)
		v := &dumpVisitor{verbose: cmd.Verbose}
		if _, err := rtps.WalkMessage(udp.Payload, rtps.GUIDPrefix{}, v); err != nil {
			log.Warnw("malformed rtps message", "packet", n, "error", err)
		}
	}
	fmt.Printf("%d RTPS messages\n", n)
	return nil
}

type dumpVisitor struct {
	verbose bool
}

func (d *dumpVisitor) OnData(data rtps.Data, ts rtps.Time) {
	fmt.Printf("    DATA writer=%s sn=%d payload=%dB", data.WriterID.String(), data.WriterSN, len(data.Payload))
	if !ts.IsInvalid() {
		fmt.Printf(" ts=%s", ts.Std().Format("15:04:05.000"))
	}
	fmt.Println()
	if !d.verbose || !data.WriterID.IsBuiltin() {
		return
	}
	switch data.WriterID {
	case rtps.EntityIDSPDPWriter:
		if info, err := discovery.UnmarshalParticipant(data.Payload); err == nil {
			fmt.Printf("      SPDP domain=%d lease=%s locators=%d\n",
				info.DomainID, info.LeaseDuration, len(info.UnicastLocators))
		}
	case rtps.EntityIDSEDPPubWriter, rtps.EntityIDSEDPSubWriter:
		if info, err := discovery.UnmarshalEndpoint(data.Payload); err == nil {
			fmt.Printf("      SEDP %s topic=%q type=%q\n", info.Kind, info.TopicName, info.TypeName)
		}
	}
}

func (d *dumpVisitor) OnDataFrag(f rtps.DataFrag, _ rtps.Time) {
	fmt.Printf("    DATA_FRAG writer=%s sn=%d frag=%d/%dB sample=%dB\n",
		f.WriterID.String(), f.WriterSN, f.FragmentStartNum, f.FragmentSize, f.SampleSize)
}

func (d *dumpVisitor) OnHeartbeat(hb rtps.Heartbeat) {
	fmt.Printf("    HEARTBEAT writer=%s first=%d last=%d count=%d\n",
		hb.WriterID.String(), hb.FirstSN, hb.LastSN, hb.Count)
}

func (d *dumpVisitor) OnAckNack(an rtps.AckNack) {
	fmt.Printf("    ACKNACK writer=%s base=%d missing=%v count=%d\n",
		an.WriterID.String(), an.State.Base, an.State.Numbers(), an.Count)
}

func (d *dumpVisitor) OnGap(g rtps.Gap) {
	fmt.Printf("    GAP writer=%s start=%d list=%v\n",
		g.WriterID.String(), g.GapStart, g.GapList.Numbers())
}

func (d *dumpVisitor) OnNackFrag(nf rtps.NackFrag) {
	fmt.Printf("    NACK_FRAG writer=%s sn=%d frags=%v\n",
		nf.WriterID.String(), nf.WriterSN, nf.State.Numbers())
}

func (d *dumpVisitor) OnHeartbeatFrag(hf rtps.HeartbeatFrag) {
	fmt.Printf("    HEARTBEAT_FRAG writer=%s sn=%d last_frag=%d\n",
		hf.WriterID.String(), hf.WriterSN, hf.LastFragNum)
}
