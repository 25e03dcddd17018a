package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/livepipe/client"
	"github.com/petal-labs/livepipe/protocol"
)

// NewWatchCmd creates the "watch" subcommand, a terminal viewer of a
// running livepipe server.
func NewWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the live event stream of a livepipe server",
		RunE:  runWatch,
	}

	cmd.Flags().String("url", "http://localhost:3000", "Server base URL")
	cmd.Flags().Duration("duration", 0, "Stop after this long (0 = until interrupted)")
	cmd.Flags().Duration("connect-timeout", 0, "Fail if not connected within this long (0 = keep retrying)")
	cmd.Flags().Bool("json", false, "Print event records as JSON lines")

	return cmd
}

// websocketURL maps an http(s) base URL to its /ws endpoint.
func websocketURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func runWatch(cmd *cobra.Command, _ []string) error {
	base, _ := cmd.Flags().GetString("url")
	duration, _ := cmd.Flags().GetDuration("duration")
	connectTimeout, _ := cmd.Flags().GetDuration("connect-timeout")
	asJSON, _ := cmd.Flags().GetBool("json")

	wsURL, err := websocketURL(base)
	if err != nil {
		return exitError(exitConfig, "invalid --url %q: %v", base, err)
	}
	logger := newLogger(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	store := client.NewStore(client.StoreConfig{
		Puller: client.HTTPPuller{BaseURL: base},
		Logger: logger,
	})
	defer store.Close()

	changes, unsubscribe := store.Subscribe()
	defer unsubscribe()

	ctrl := client.NewController(client.ControllerConfig{
		Dialer:             client.WebsocketDialer{URL: wsURL},
		OnFrame:            store.HandleFrame,
		OnConnectionChange: store.SetConnected,
		Logger:             logger,
	})
	ctrl.Start()
	defer func() {
		_ = ctrl.Close()
	}()

	var deadline <-chan time.Time
	if connectTimeout > 0 {
		t := time.NewTimer(connectTimeout)
		defer t.Stop()
		deadline = t.C
	}

	p := &watchPrinter{out: cmd.OutOrStdout(), json: asJSON, seen: map[protocol.RecordKey]bool{}}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline:
			return exitError(exitTimeout, "not connected to %s after %s", wsURL, connectTimeout)
		case <-changes:
			st := store.Snapshot()
			if st.Connected {
				deadline = nil
			}
			p.render(st)
		}
	}
}

// watchPrinter writes the differences between successive store states.
type watchPrinter struct {
	out  io.Writer
	json bool

	started   bool
	connected bool
	stats     protocol.Stats
	seen      map[protocol.RecordKey]bool
}

func (p *watchPrinter) render(st client.State) {
	if !p.started || st.Connected != p.connected {
		if st.Connected {
			fmt.Fprintln(p.out, "* live")
		} else if p.started {
			fmt.Fprintln(p.out, "* offline, reconnecting")
		}
		p.connected = st.Connected
	}
	p.started = true

	// Events are newest first; print oldest unseen first.
	fresh := make(map[protocol.RecordKey]bool, len(st.Events))
	for _, rec := range slices.Backward(st.Events) {
		key := rec.Key()
		fresh[key] = true
		if !p.seen[key] {
			p.event(rec)
		}
	}
	p.seen = fresh

	if st.Stats != p.stats {
		p.stats = st.Stats
		fmt.Fprintf(p.out, "stats processed=%d active=%d avg=%.0fms last24h=%d\n",
			st.Stats.TotalProcessed, st.Stats.ActiveJobs, st.Stats.AvgProcessingMs, st.Stats.Last24hCount)
	}
}

func (p *watchPrinter) event(rec protocol.EventRecord) {
	if p.json {
		data, err := json.Marshal(rec)
		if err == nil {
			fmt.Fprintln(p.out, string(data))
		}
		return
	}
	line := fmt.Sprintf("%s %-9s %s %s", time.UnixMilli(rec.Timestamp).Format("15:04:05"), rec.Kind, rec.ID, rec.Description)
	if rec.Detail != "" {
		line += " (" + rec.Detail + ")"
	}
	fmt.Fprintln(p.out, line)
}
