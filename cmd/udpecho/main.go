// Command udpecho listens on one or more UDP ports, driven by a
// single-threaded reactor, and reports periodic delivery statistics
// aggregated across all of them.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/atupone/AtuReactor/internal/xlog"
	"github.com/atupone/AtuReactor/packet"
	"github.com/atupone/AtuReactor/reactor"
	"github.com/atupone/AtuReactor/receiver"
	"github.com/atupone/AtuReactor/udpreceiver"
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
		rawPorts   []string
		logLevel   string
		statsEvery time.Duration
	)

	cmd := &cobra.Command{
		Use:   "udpecho",
		Short: "Listen on one or more UDP ports and report delivery statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			xlog.SetLevel(logLevel)

			ports, err := parsePorts(rawPorts)
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				return fmt.Errorf("at least one --port is required")
			}
			return run(ports, statsEvery)
		},
	}

	cmd.Flags().StringSliceVar(&rawPorts, "port", nil, "UDP port to listen on (repeatable)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")
	cmd.Flags().DurationVar(&statsEvery, "stats-interval", 5*time.Second, "how often to print delivery statistics")
	return cmd
}

func parsePorts(raw []string) ([]uint16, error) {
	ports := make([]uint16, 0, len(raw))
	for _, s := range raw {
		v, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid --port %q: %w", s, err)
		}
		ports = append(ports, uint16(v))
	}
	return ports, nil
}

func run(ports []uint16, statsEvery time.Duration) error {
	loop, err := reactor.New()
	if err != nil {
		return fmt.Errorf("failed to create reactor: %w", err)
	}
	defer loop.Close()

	cfg := receiver.DefaultConfig()
	recv, err := udpreceiver.New(loop, cfg)
	if err != nil {
		return fmt.Errorf("failed to create UDP receiver: %w", err)
	}
	defer recv.Close()

	for _, port := range ports {
		bound, err := recv.Subscribe(port, nil, echoHandler)
		if err != nil {
			return fmt.Errorf("failed to subscribe to port %d: %w", port, err)
		}
		xlog.Info("udpecho: listening on port %d", bound)
	}

	if _, err := loop.ScheduleEvery(statsEvery, func() { printStats(recv) }); err != nil {
		return fmt.Errorf("failed to schedule stats timer: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-sigCh:
			xlog.Info("udpecho: shutting down")
			return nil
		default:
			if err := loop.RunOnce(100); err != nil {
				return err
			}
		}
	}
}

// echoHandler is a placeholder delivery target: this receiver only
// counts and logs, since a genuine echo reply requires a per-datagram
// destination address that recvmmsg batching does not currently thread
// through to the handler contract. Counting itself is handled by the
// receiver's own substrate, aggregated across every subscribed port.
func echoHandler(ctx unsafe.Pointer, data []byte, status packet.Status, ts packet.Timestamp) {
	if status&packet.StatusTruncated != 0 {
		xlog.Debug("udpecho: truncated datagram (%d bytes delivered)", len(data))
	}
}

func printStats(recv *udpreceiver.Receiver) {
	s := recv.Stats()
	fmt.Printf("packets=%d dropped=%d bytes=%s\n", s.PacketsReceived, s.PacketsDropped, humanize.Bytes(s.BytesReceived))
}
