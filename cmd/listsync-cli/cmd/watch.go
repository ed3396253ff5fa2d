package cmd

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/nfrund/listsync/internal/config"
	"github.com/nfrund/listsync/internal/protocol"
	"github.com/nfrund/listsync/internal/stream"
)

var (
	watchURL       string
	watchTransport string
	watchItems     bool
)

var (
	errStreamTerminated = errors.New("stream terminated: reconnect attempts exhausted")
	errStreamDisabled   = errors.New("streaming is disabled (LISTSYNC_STREAM_ENABLED=false)")
)

var watchCmd = &cobra.Command{
	Use:   "watch <key> [key...]",
	Short: "Follow one or more lists as they change",
	Long: `Watch subscribes to the given lists over the websocket stream and prints a
line every time one of them changes. The connection is re-established with
exponential backoff; the LISTSYNC_STREAM_* and LISTSYNC_RECONNECT_* variables
tune it.

Examples:
  listsync-cli watch issues
  listsync-cli watch issues tasks --items
  listsync-cli watch issues --url ws://lists.internal:8080/ws/lists --transport gorilla`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

type watchEvent struct {
	key     string
	version int64
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if !cfg.GetStreamEnabled() {
		// A disabled client never leaves Idle; waiting on it would hang.
		return errStreamDisabled
	}

	url := watchURL
	if url == "" {
		url = cfg.StreamURL
	}
	if url == "" {
		c, err := newClient()
		if err != nil {
			return err
		}
		url = c.StreamURL()
	}
	transport := watchTransport
	if transport == "" {
		transport = cfg.StreamTransport
	}
	dialer, err := stream.NewDialer(transport)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()
	terminated := make(chan struct{})
	var terminateOnce sync.Once
	client := stream.New(url,
		stream.WithEnabled(cfg.GetStreamEnabled()),
		stream.WithDialer(dialer),
		stream.WithBaseDelay(cfg.ReconnectBaseDelay),
		stream.WithMaxDelay(cfg.ReconnectMaxDelay),
		stream.WithMaxAttempts(cfg.ReconnectMaxAttempts),
		stream.WithStateHandler(func(from, to stream.State) {
			fmt.Fprintf(errOut, "stream: %s -> %s\n", from, to)
			if to == stream.StateTerminated {
				terminateOnce.Do(func() { close(terminated) })
			}
		}),
	)

	events := make(chan watchEvent, 64)
	mirror := stream.NewMirror(client, func(key string, version int64) {
		select {
		case events <- watchEvent{key: key, version: version}:
		default:
			// The printer is behind; the next event for key prints the latest state.
		}
	})
	defer mirror.Close()

	client.On(protocol.TypeError, func(ev stream.Event) {
		var msg protocol.ErrorMessage
		if err := ev.Decode(&msg); err == nil {
			fmt.Fprintf(errOut, "server error for %q: %s\n", msg.Key, msg.Message)
		}
	})

	ctx := cmd.Context()
	for _, key := range args {
		if err := client.Subscribe(ctx, key); err != nil {
			return err
		}
	}
	client.Connect()
	defer client.Disconnect()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-terminated:
			return errStreamTerminated
		case ev := <-events:
			printChange(out, mirror, ev)
		}
	}
}

func printChange(w io.Writer, mirror *stream.Mirror, ev watchEvent) {
	items, version, ok := mirror.Items(ev.key)
	if !ok {
		return
	}
	if watchItems {
		if outputFormat == "json" {
			_ = writeJSON(w, map[string]any{"key": ev.key, "version": version, "items": items})
			return
		}
		writeItemsTable(w, ev.key, version, items)
		return
	}
	fmt.Fprintf(w, "%s %s v%d (%d items)\n", time.Now().Format(time.TimeOnly), ev.key, version, len(items))
}

func init() {
	watchCmd.Flags().StringVar(&watchURL, "url", "", "websocket URL (default LISTSYNC_STREAM_URL or derived from --server)")
	watchCmd.Flags().StringVar(&watchTransport, "transport", "", "websocket transport: coder or gorilla (default LISTSYNC_STREAM_TRANSPORT)")
	watchCmd.Flags().BoolVar(&watchItems, "items", false, "print the full item list on every change")
	rootCmd.AddCommand(watchCmd)
}
