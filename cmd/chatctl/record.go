package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"chatpipe/internal/conversation"
	"chatpipe/internal/localfs"
	"chatpipe/internal/message"
	"chatpipe/internal/recorder"
	"chatpipe/internal/watcher"
)

var (
	recordFor    time.Duration
	recordSource string
)

var recordCmd = &cobra.Command{
	Use:   "record <conversation>",
	Short: "Record a voice message from a stream and send it",
	Long: `record captures encoded audio from --source (default stdin) until the
source ends or --for elapses, then sends it as a voice message. Interrupt
with Ctrl-C to cancel the recording instead.

  ffmpeg -f avfoundation -i ":0" -f ipod - | chatctl record c1 --for 10s`,
	Args: cobra.ExactArgs(1),
	RunE: runRecord,
}

func init() {
	rootCmd.AddCommand(recordCmd)
	recordCmd.Flags().DurationVar(&recordFor, "for", 0, "stop after this long (default: until the source ends)")
	recordCmd.Flags().StringVar(&recordSource, "source", "-", "audio source file, - for stdin")
}

func runRecord(cmd *cobra.Command, args []string) error {
	// The recording must outlive Ctrl-C long enough to be cancelled cleanly.
	ctx := context.WithoutCancel(cmd.Context())
	interrupted := cmd.Context().Done()

	eng, err := state.engine(ctx, args[0])
	if err != nil {
		return err
	}

	var src io.Reader = os.Stdin
	if recordSource != "-" {
		f, err := os.Open(recordSource)
		if err != nil {
			return err
		}
		defer f.Close()
		src = f
	}

	cfg := state.cfg.Recorder
	fs := localfs.New()
	log := state.log.WithComponent("recorder")
	dev := newStreamDevice(src, state.cfg.Storage.RecordingsDir, cfg.FileExtension, log)
	fin := watcher.NewFinalizer(fs, watcher.Options{
		PollInterval: cfg.FinalizePollInterval,
		Attempts:     cfg.FinalizeAttempts,
		MinBytes:     cfg.MinFileBytes,
		Logger:       state.log.WithComponent("watcher"),
	})

	rec, err := recorder.New(recorder.Options{
		Device:        dev,
		Finalizer:     fin,
		Files:         fs,
		Sender:        eng,
		RecordingsDir: state.cfg.Storage.RecordingsDir,
		FileExtension: cfg.FileExtension,
		Tick:          cfg.Tick,
		Metrics:       state.metrics,
		Logger:        log,
	})
	if err != nil {
		return err
	}
	defer rec.Close()

	out := cmd.ErrOrStderr()
	rec.Subscribe(func(ev recorder.Event) {
		switch ev.Type {
		case recorder.EventTick:
			fmt.Fprintf(out, "\rrecording %3ds", ev.Elapsed)
		case recorder.EventFailed:
			fmt.Fprintf(out, "\nrecording failed: %v\n", ev.Err)
		}
	})

	if !rec.Start(ctx) {
		return errors.New("recording could not start")
	}

	var limit <-chan time.Time
	if recordFor > 0 {
		timer := time.NewTimer(recordFor)
		defer timer.Stop()
		limit = timer.C
	}

	select {
	case <-interrupted:
		rec.Cancel()
		fmt.Fprintln(out, "\nrecording cancelled")
		return nil
	case <-limit:
	case <-dev.Done():
	}
	fmt.Fprintln(out)

	m, err := deliverRecording(ctx, rec, eng)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), formatMessage(m))
	return nil
}

// deliverRecording sends the finished recording. A session that Send leaves
// paused is cancelled and its files removed, since nothing can resume it once
// the command exits.
func deliverRecording(ctx context.Context, rec *recorder.Recorder, eng *conversation.Engine) (message.Message, error) {
	if rec.Elapsed() == 0 {
		rec.Cancel()
		return message.Message{}, errors.New("recording too short")
	}

	var cause error
	unsubscribe := rec.Subscribe(func(ev recorder.Event) {
		if ev.Type == recorder.EventFailed {
			cause = ev.Err
		}
	})
	defer unsubscribe()

	if rec.Send(ctx) {
		return last(eng.Messages()), nil
	}
	if rec.State() == recorder.StatePaused {
		rec.Cancel()
		return message.Message{}, fmt.Errorf("recording discarded: %w", cause)
	}
	return message.Message{}, errSendFailed(eng)
}
