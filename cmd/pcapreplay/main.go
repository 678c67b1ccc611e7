// Command pcapreplay replays UDP payloads out of a pcap or pcapng
// capture file through the pcapreceiver/reactor pair, either paced to
// the wall clock, drained flood-out, or single-stepped interactively.
package main

import (
	"fmt"
	"os"
	"runtime"
	"time"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/atupone/AtuReactor/internal/xlog"
	"github.com/atupone/AtuReactor/packet"
	"github.com/atupone/AtuReactor/pcapreceiver"
	"github.com/atupone/AtuReactor/reactor"
)

func main() {
	// The reactor is thread-hostile: pin this goroutine before it creates one.
	runtime.LockOSThread()
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		port       uint16
		speed      float64
		flood      bool
		logLevel   string
		statsEvery time.Duration
	)

	root := &cobra.Command{
		Use:   "pcapreplay <capture-file>",
		Short: "Replay UDP payloads from a pcap or pcapng capture file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			xlog.SetLevel(logLevel)

			mode := pcapreceiver.ModeTimed
			if flood {
				mode = pcapreceiver.ModeFlood
			}

			cfg := pcapreceiver.DefaultConfig()
			cfg.Mode = mode
			cfg.SpeedMultiplier = speed

			return runReplay(args[0], port, cfg, statsEvery)
		},
	}

	root.Flags().Uint16Var(&port, "port", 0, "UDP destination port to replay (0 replays every port)")
	root.Flags().Float64Var(&speed, "speed", 1.0, "replay speed multiplier (TIMED mode only)")
	root.Flags().BoolVar(&flood, "flood", false, "drain the capture as fast as possible instead of pacing to its timestamps")
	root.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")
	root.Flags().DurationVar(&statsEvery, "stats-interval", 2*time.Second, "how often to print delivery statistics")

	root.AddCommand(newStepCommand())
	return root
}

func newStepCommand() *cobra.Command {
	var port uint16

	cmd := &cobra.Command{
		Use:   "step <capture-file>",
		Short: "Dispatch one packet per Enter keypress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStep(args[0], port)
		},
	}
	cmd.Flags().Uint16Var(&port, "port", 0, "UDP destination port to replay (0 replays every port)")
	return cmd
}

func runReplay(path string, port uint16, cfg pcapreceiver.Config, statsEvery time.Duration) error {
	loop, err := reactor.New()
	if err != nil {
		return fmt.Errorf("failed to create reactor: %w", err)
	}
	defer loop.Close()

	recv, err := pcapreceiver.New(loop, cfg)
	if err != nil {
		return fmt.Errorf("failed to create replay receiver: %w", err)
	}
	defer recv.Close()

	if err := recv.Open(path); err != nil {
		return err
	}

	if _, err := recv.Subscribe(port, nil, countingHandler); err != nil {
		return fmt.Errorf("failed to subscribe to port %d: %w", port, err)
	}

	if _, err := loop.ScheduleEvery(statsEvery, func() { printStats(recv) }); err != nil {
		return fmt.Errorf("failed to schedule stats timer: %w", err)
	}

	recv.Start()
	for !recv.Finished() {
		if err := loop.RunOnce(100); err != nil {
			return err
		}
	}
	printStats(recv)
	return nil
}

func runStep(path string, port uint16) error {
	loop, err := reactor.New()
	if err != nil {
		return fmt.Errorf("failed to create reactor: %w", err)
	}
	defer loop.Close()

	cfg := pcapreceiver.DefaultConfig()
	cfg.Mode = pcapreceiver.ModeStep

	recv, err := pcapreceiver.New(loop, cfg)
	if err != nil {
		return fmt.Errorf("failed to create replay receiver: %w", err)
	}
	defer recv.Close()

	if err := recv.Open(path); err != nil {
		return err
	}

	if _, err := recv.Subscribe(port, nil, countingHandler); err != nil {
		return fmt.Errorf("failed to subscribe to port %d: %w", port, err)
	}

	fmt.Println("press Enter to dispatch the next packet, Ctrl-D to quit")
	for {
		if _, err := fmt.Scanln(); err != nil {
			break
		}
		stepped, err := recv.Step()
		if err != nil {
			return err
		}
		if !stepped && recv.Finished() {
			fmt.Println("capture exhausted")
			break
		}
		printStats(recv)
	}
	return nil
}

// countingHandler does nothing itself: the receiver's own substrate
// already tallies delivery counters for every dispatched payload.
func countingHandler(ctx unsafe.Pointer, data []byte, status packet.Status, ts packet.Timestamp) {}

func printStats(recv *pcapreceiver.Receiver) {
	s := recv.Stats()
	fmt.Printf("packets=%d dropped=%d bytes=%s\n", s.PacketsReceived, s.PacketsDropped, humanize.Bytes(s.BytesReceived))
}
