package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dimiro1/banner"
	"github.com/voxstream/voxstream/pkg/session"
	"github.com/voxstream/voxstream/pkg/transcript"
	"github.com/voxstream/voxstream/pkg/voxstream"
)

const version = "dev"

func printBanner() {
	tpl := "{{ .Title \"VOXSTREAM\" \"\" 0 }}\nVersion: " + version + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	uploadPath := flag.String("file", "", "upload a raw PCM16 file instead of recording")
	maxDuration := flag.Duration("duration", 0, "stop recording after this long (0 = until interrupt)")
	flag.Parse()

	printBanner()

	cfg, err := voxstream.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	processingDone := make(chan struct{}, 1)
	client, err := voxstream.New(cfg, voxstream.Callbacks{
		OnTranscript: func(seg transcript.Segment) {
			if seg.IsFinal {
				fmt.Printf("\r%s\n", seg.Text)
				return
			}
			fmt.Printf("\r… %s", seg.Text)
		},
		OnConnectionStateChange: func(st session.Status) {
			slog.Info("connection_state",
				slog.String("state", string(st.State)),
				slog.Int("reconnect_attempts", st.ReconnectAttempts))
		},
		OnRecoveryProgress: func(attempt, max int) {
			fmt.Fprintf(os.Stderr, "reconnecting (%d/%d)...\n", attempt, max)
		},
		OnProcessing: func(active bool) {
			if !active {
				select {
				case processingDone <- struct{}{}:
				default:
				}
			}
		},
		OnRecordingComplete: func(dur time.Duration, size int) {
			slog.Info("recording_complete",
				slog.Duration("duration", dur),
				slog.Int("bytes", size))
		},
		OnError: func(err error) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx := context.Background()
	if *uploadPath != "" {
		runUpload(ctx, client, *uploadPath, processingDone)
		return
	}
	runRecording(ctx, client, *maxDuration, processingDone)
}

func runUpload(ctx context.Context, client *voxstream.Client, path string, done <-chan struct{}) {
	id, err := client.UploadFile(ctx, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "upload: %v\n", err)
		os.Exit(1)
	}
	slog.Info("upload_started", slog.String("session_id", id))

	select {
	case <-done:
	case <-time.After(2 * time.Minute):
		fmt.Fprintln(os.Stderr, "timed out waiting for transcription")
	}
	fmt.Println(client.Transcript())
}

func runRecording(ctx context.Context, client *voxstream.Client, maxDuration time.Duration, done <-chan struct{}) {
	id, err := client.StartRecording(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start recording: %v\n", err)
		os.Exit(1)
	}
	slog.Info("recording_started", slog.String("session_id", id))
	fmt.Fprintln(os.Stderr, "recording, press Ctrl-C to stop")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	if maxDuration > 0 {
		select {
		case <-sig:
		case <-time.After(maxDuration):
		}
	} else {
		<-sig
	}

	if err := client.StopRecording(); err != nil {
		fmt.Fprintf(os.Stderr, "stop: %v\n", err)
	}
	// Give the backend a moment to acknowledge the end marker.
	select {
	case <-done:
	case <-time.After(10 * time.Second):
	}

	fmt.Println("---")
	fmt.Println(client.Transcript())
	for name, count := range client.MetricsSummary() {
		slog.Debug("metric", slog.String("name", name), slog.Int("count", count))
	}
}
