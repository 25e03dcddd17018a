package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/livepipe/bus"
	"github.com/petal-labs/livepipe/config"
	"github.com/petal-labs/livepipe/protocol"
)

// NewPublishCmd creates the "publish" subcommand, which plays the part of
// the processing worker on a shared bus.
func NewPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <step|processed|error|simulate>",
		Short: "Publish worker messages for an upload",
		Long: "Publish pipeline worker messages to the configured bus. " +
			"simulate publishes a full step sequence followed by processed " +
			"(or error with --fail-at).",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"step", "processed", "error", "simulate"},
		RunE:      runPublish,
	}

	cmd.Flags().String("config", "", "Path to livepipe.yaml")
	cmd.Flags().String("id", "", "Upload id (required)")
	cmd.Flags().String("step", "resize", "Step name")
	cmd.Flags().String("detail", "", "Step detail")
	cmd.Flags().Int64("duration-ms", 100, "Step or total duration in milliseconds")
	cmd.Flags().String("message", "processing failed", "Error message")
	cmd.Flags().Duration("spacing", 300*time.Millisecond, "Delay between simulated steps")
	cmd.Flags().String("fail-at", "", "Simulated step that fails instead of completing")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

// simulatedStep is one stage of the worker sequence.
type simulatedStep struct {
	name   string
	detail string
	act    protocol.Activation
}

func simulatedSteps(id string) []simulatedStep {
	return []simulatedStep{
		{name: "download", detail: "fetching original", act: protocol.Activation{
			ActiveNodes: []string{"nats", "worker", "storage"},
			ActiveEdges: []string{"nats-worker", "worker-storage"},
			EdgeLabels:  map[string]string{"nats-worker": "CONSUME " + id, "worker-storage": "GET original"},
		}},
		{name: "resize", detail: "resizing to 1920px", act: protocol.Activation{
			ActiveNodes: []string{"worker"},
		}},
		{name: "thumbnail", detail: "generating 300px thumbnail", act: protocol.Activation{
			ActiveNodes: []string{"worker"},
		}},
		{name: "upload", detail: "storing variants", act: protocol.Activation{
			ActiveNodes: []string{"worker", "storage"},
			ActiveEdges: []string{"worker-storage"},
			EdgeLabels:  map[string]string{"worker-storage": "PUT thumbnail + resized"},
		}},
	}
}

func runPublish(cmd *cobra.Command, args []string) error {
	kind := args[0]
	switch kind {
	case "step", "processed", "error", "simulate":
	default:
		return exitError(exitInputParse, "unknown message kind %q (want step, processed, error or simulate)", kind)
	}

	explicit, _ := cmd.Flags().GetString("config")
	cfg, _, err := config.Load(explicit)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	if cfg.Bus.Driver == config.DriverMemory {
		return exitError(exitConfig, "publish needs a shared bus; set bus.driver to %q", config.DriverMQTT)
	}

	logger := newLogger(cmd)
	b, err := openBus(cfg, logger)
	if err != nil {
		return exitError(exitConnect, "%v", err)
	}
	defer func() {
		_ = b.Close()
	}()

	id, _ := cmd.Flags().GetString("id")
	step, _ := cmd.Flags().GetString("step")
	detail, _ := cmd.Flags().GetString("detail")
	durationMs, _ := cmd.Flags().GetInt64("duration-ms")
	message, _ := cmd.Flags().GetString("message")
	spacing, _ := cmd.Flags().GetDuration("spacing")
	failAt, _ := cmd.Flags().GetString("fail-at")

	p := publisher{bus: b, subjects: cfg.Bus.Subjects, out: cmd.OutOrStdout()}
	ctx := cmd.Context()
	switch kind {
	case "step":
		err = p.step(ctx, id, step, detail, durationMs, protocol.Activation{ActiveNodes: []string{"worker"}})
	case "processed":
		err = p.processed(ctx, id, durationMs)
	case "error":
		err = p.failed(ctx, id, step, message)
	case "simulate":
		err = p.simulate(ctx, id, spacing, failAt, message)
	}
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}
	return nil
}

type publisher struct {
	bus      bus.MessageBus
	subjects config.SubjectsConfig
	out      io.Writer
}

func (p publisher) send(ctx context.Context, subject string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	if err := p.bus.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	fmt.Fprintf(p.out, "published %s %s\n", subject, data)
	return nil
}

func (p publisher) step(ctx context.Context, id, step, detail string, durationMs int64, act protocol.Activation) error {
	return p.send(ctx, p.subjects.Step, protocol.StepMessage{
		ID:         id,
		Step:       step,
		Detail:     detail,
		DurationMs: durationMs,
		Timestamp:  time.Now().UnixMilli(),
		Activation: act,
	})
}

func (p publisher) processed(ctx context.Context, id string, totalMs int64) error {
	return p.send(ctx, p.subjects.Processed, protocol.ProcessedMessage{
		ID:           id,
		ThumbnailKey: "thumbs/" + id + ".webp",
		ResizedKey:   "resized/" + id + ".webp",
		Metadata: protocol.Metadata{
			Width:  1920,
			Height: 1080,
			Format: "webp",
		},
		TotalDurationMs: totalMs,
		Timestamp:       time.Now().UnixMilli(),
	})
}

func (p publisher) failed(ctx context.Context, id, step, message string) error {
	return p.send(ctx, p.subjects.Error, protocol.ErrorMessage{
		ID:        id,
		Error:     message,
		Step:      step,
		Timestamp: time.Now().UnixMilli(),
	})
}

// simulate walks the worker sequence for id, ending in processed or, when
// failAt names a step, in error at that step.
func (p publisher) simulate(ctx context.Context, id string, spacing time.Duration, failAt, message string) error {
	var total int64
	for i, st := range simulatedSteps(id) {
		if i > 0 {
			if err := sleepCtx(ctx, spacing); err != nil {
				return err
			}
		}
		if st.name == failAt {
			return p.failed(ctx, id, st.name, message)
		}
		ms := spacing.Milliseconds()
		total += ms
		if err := p.step(ctx, id, st.name, st.detail, ms, st.act); err != nil {
			return err
		}
	}
	if err := sleepCtx(ctx, spacing); err != nil {
		return err
	}
	return p.processed(ctx, id, total)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
