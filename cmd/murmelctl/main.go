// murmelctl drives a running murmeld over the message bus: recorder control,
// model management, transcription, and history queries.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/murmelabs/murmel-core/internal/protocol"
)

var version = "0.1.0-dev"

const requestTimeout = 5 * time.Second

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "record":
		err = runRecord(os.Args[2:])
	case "models":
		err = runModels(os.Args[2:])
	case "transcribe":
		err = runTranscribe(os.Args[2:])
	case "history":
		err = runHistory(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: murmelctl <command> [flags]

commands:
  record start|stop|pause|resume|watch
  models list|download|cancel|delete|activate|storage [model-id]
  transcribe [-language L] [-translate] [-session ID]
  history [-session ID] [-limit N]
  status
  version

every command accepts -server (default `+nats.DefaultURL+`)`)
}

func connect(server string) (*nats.Conn, error) {
	nc, err := nats.Connect(server, nats.Timeout(requestTimeout))
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", server, err)
	}
	return nc, nil
}

// request sends a command and decodes the CommandResult ack.
func request(nc *nats.Conn, subject string, payload any) (protocol.CommandResult, error) {
	var res protocol.CommandResult
	data, err := encode(payload)
	if err != nil {
		return res, err
	}
	msg, err := nc.Request(subject, data, requestTimeout)
	if err != nil {
		return res, fmt.Errorf("request %s: %w", subject, err)
	}
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		return res, fmt.Errorf("decode %s reply: %w", subject, err)
	}
	if !res.OK {
		return res, fmt.Errorf("%s: %s", res.Kind, res.Error)
	}
	return res, nil
}

// query sends a read-only request whose reply is a document. Failures come
// back as a CommandResult instead, recognizable by a populated error.
func query(nc *nats.Conn, subject string, payload, out any) error {
	data, err := encode(payload)
	if err != nil {
		return err
	}
	msg, err := nc.Request(subject, data, requestTimeout)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}
	var res protocol.CommandResult
	if err := json.Unmarshal(msg.Data, &res); err == nil && !res.OK && res.Error != "" {
		return fmt.Errorf("%s: %s", res.Kind, res.Error)
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("decode %s reply: %w", subject, err)
	}
	return nil
}

func encode(payload any) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	return json.Marshal(payload)
}

func runRecord(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("expected record start|stop|pause|resume|watch")
	}
	action := args[0]
	fs := flag.NewFlagSet("record "+action, flag.ExitOnError)
	server := fs.String("server", nats.DefaultURL, "NATS server URL")
	fs.Parse(args[1:])

	nc, err := connect(*server)
	if err != nil {
		return err
	}
	defer nc.Close()

	if action == "watch" {
		return watchRecorder(nc)
	}
	subjects := map[string]string{
		"start":  protocol.SubjectRecorderStart,
		"stop":   protocol.SubjectRecorderStop,
		"pause":  protocol.SubjectRecorderPause,
		"resume": protocol.SubjectRecorderResume,
	}
	subject, ok := subjects[action]
	if !ok {
		return fmt.Errorf("unknown record action %q", action)
	}
	if _, err := request(nc, subject, nil); err != nil {
		return err
	}
	fmt.Println(action, "ok")
	return nil
}

func watchRecorder(nc *nats.Conn) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ch := make(chan *nats.Msg, 64)
	sub, err := nc.ChanSubscribe(protocol.SubjectRecorderState, ch)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	var st protocol.RecorderState
	if err := query(nc, protocol.SubjectRecorderStateGet, nil, &st); err != nil {
		return err
	}
	printState(st)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			if err := json.Unmarshal(msg.Data, &st); err != nil {
				continue
			}
			printState(st)
		}
	}
}

func printState(st protocol.RecorderState) {
	line := fmt.Sprintf("%-9s session=%s duration=%dms samples=%d",
		st.Phase, st.SessionID, st.DurationMS, st.Samples)
	if st.StopReason != "" {
		line += " reason=" + st.StopReason
	}
	if st.Error != "" {
		line += fmt.Sprintf(" error=%q kind=%s", st.Error, st.ErrorKind)
	}
	fmt.Println(line)
}

func runModels(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("expected models list|download|cancel|delete|activate|storage")
	}
	action := args[0]
	fs := flag.NewFlagSet("models "+action, flag.ExitOnError)
	server := fs.String("server", nats.DefaultURL, "NATS server URL")
	fs.Parse(args[1:])
	id := fs.Arg(0)

	nc, err := connect(*server)
	if err != nil {
		return err
	}
	defer nc.Close()

	switch action {
	case "list":
		var cat protocol.ModelCatalog
		if err := query(nc, protocol.SubjectModelList, nil, &cat); err != nil {
			return err
		}
		for _, m := range cat.Models {
			marker := " "
			if m.Current {
				marker = "*"
			}
			fmt.Printf("%s %-12s %-14s %8.1f MB  %s\n",
				marker, m.ID, m.Status, float64(m.SizeBytes)/(1024*1024), m.Name)
		}
		return nil
	case "storage":
		var info protocol.StorageInfo
		if err := query(nc, protocol.SubjectModelStorage, nil, &info); err != nil {
			return err
		}
		fmt.Printf("models: %d (%.1f MB)\nfree:   %.1f GB of %.1f GB\n",
			info.ModelsCount, float64(info.ModelsBytes)/(1024*1024),
			float64(info.AvailableBytes)/(1024*1024*1024),
			float64(info.TotalBytes)/(1024*1024*1024))
		return nil
	case "download":
		if id == "" {
			return fmt.Errorf("models download requires a model id")
		}
		return downloadModel(nc, id)
	case "cancel", "delete", "activate":
		if id == "" {
			return fmt.Errorf("models %s requires a model id", action)
		}
		subjects := map[string]string{
			"cancel":   protocol.SubjectModelCancel,
			"delete":   protocol.SubjectModelDelete,
			"activate": protocol.SubjectModelActivate,
		}
		if _, err := request(nc, subjects[action], protocol.ModelCommand{ModelID: id}); err != nil {
			return err
		}
		fmt.Println(action, id, "ok")
		return nil
	default:
		return fmt.Errorf("unknown models action %q", action)
	}
}

func downloadModel(nc *nats.Conn, id string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ch := make(chan *nats.Msg, 64)
	sub, err := nc.ChanSubscribe(protocol.ModelProgressSubject(id), ch)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	if err := nc.Flush(); err != nil {
		return err
	}

	if _, err := request(nc, protocol.SubjectModelDownload, protocol.ModelCommand{ModelID: id}); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			// The download keeps running in the daemon; cancel explicitly
			// with `models cancel` if that is not wanted.
			fmt.Println()
			return nil
		case msg := <-ch:
			var p protocol.DownloadProgress
			if err := json.Unmarshal(msg.Data, &p); err != nil {
				continue
			}
			fmt.Printf("\r%-11s %6.1f%%  %8.1f KB/s  eta %4ds",
				p.Status, p.Percent, float64(p.BytesPerSec)/1024, p.ETAMS/1000)
			switch p.Status {
			case "completed":
				fmt.Println()
				return nil
			case "failed":
				fmt.Println()
				return fmt.Errorf("download failed: %s", p.Error)
			case "cancelled":
				fmt.Println()
				return fmt.Errorf("download cancelled")
			}
		}
	}
}

func runTranscribe(args []string) error {
	fs := flag.NewFlagSet("transcribe", flag.ExitOnError)
	server := fs.String("server", nats.DefaultURL, "NATS server URL")
	language := fs.String("language", "", "Override the transcription language")
	translate := fs.Bool("translate", false, "Translate to English")
	session := fs.String("session", "", "Session to transcribe (defaults to the last finished one)")
	timeout := fs.Duration("timeout", 10*time.Minute, "How long to wait for completion")
	fs.Parse(args)

	nc, err := connect(*server)
	if err != nil {
		return err
	}
	defer nc.Close()

	ch := make(chan *nats.Msg, 64)
	sub, err := nc.ChanSubscribe(protocol.SubjectTranscribeProgressAll, ch)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	if err := nc.Flush(); err != nil {
		return err
	}

	res, err := request(nc, protocol.SubjectTranscribeRun, protocol.TranscribeRequest{
		SessionID: *session,
		Language:  *language,
		Translate: *translate,
	})
	if err != nil {
		return err
	}

	deadline := time.After(*timeout)
	for {
		select {
		case <-deadline:
			return fmt.Errorf("timed out waiting for transcription %s", res.RequestID)
		case msg := <-ch:
			var p protocol.TranscribeProgress
			if err := json.Unmarshal(msg.Data, &p); err != nil {
				continue
			}
			if p.RequestID != res.RequestID {
				continue
			}
			switch p.Stage {
			case "model_loaded":
				fmt.Fprintf(os.Stderr, "model %s loaded\n", p.ModelID)
			case "processing":
				fmt.Fprintln(os.Stderr, "processing")
			case "completed":
				fmt.Println(p.Text)
				fmt.Fprintf(os.Stderr, "confidence %.2f, %d ms\n", p.Confidence, p.ProcessingMS)
				return nil
			case "failed":
				return fmt.Errorf("%s: %s", p.ErrorKind, p.Error)
			}
		}
	}
}

func runHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	server := fs.String("server", nats.DefaultURL, "NATS server URL")
	session := fs.String("session", "", "List the transcripts of one session")
	limit := fs.Int("limit", 20, "Maximum rows")
	fs.Parse(args)

	nc, err := connect(*server)
	if err != nil {
		return err
	}
	defer nc.Close()

	if *session == "" {
		var list protocol.SessionList
		if err := query(nc, protocol.SubjectHistorySessions, protocol.HistoryQuery{Limit: *limit}, &list); err != nil {
			return err
		}
		for _, s := range list.Sessions {
			reason := s.StopReason
			if reason == "" {
				reason = "-"
			}
			fmt.Printf("%s  %s  %7.1fs  %-12s rate=%d\n",
				s.SessionID, s.StartedAt.Local().Format("2006-01-02 15:04:05"),
				float64(s.DurationMS)/1000, reason, s.SampleRate)
		}
		return nil
	}

	var list protocol.TranscriptList
	q := protocol.HistoryQuery{SessionID: *session, Limit: *limit}
	if err := query(nc, protocol.SubjectHistoryTranscripts, q, &list); err != nil {
		return err
	}
	for _, tr := range list.Transcripts {
		fmt.Printf("[%s %s conf=%.2f] %s\n",
			tr.CreatedAt.Local().Format("15:04:05"), tr.ModelID, tr.Confidence, tr.Text)
	}
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	server := fs.String("server", nats.DefaultURL, "NATS server URL")
	fs.Parse(args)

	nc, err := connect(*server)
	if err != nil {
		return err
	}
	defer nc.Close()

	var st protocol.RecorderState
	if err := query(nc, protocol.SubjectRecorderStateGet, nil, &st); err != nil {
		return err
	}
	fmt.Print("recorder: ")
	printState(st)

	var cat protocol.ModelCatalog
	if err := query(nc, protocol.SubjectModelList, nil, &cat); err != nil {
		return err
	}
	current := "none"
	available := 0
	for _, m := range cat.Models {
		if m.Status == "available" {
			available++
		}
		if m.Current {
			current = m.ID
		}
	}
	fmt.Printf("models:   %d in catalog, %d downloaded, current=%s\n", len(cat.Models), available, current)

	var info protocol.StorageInfo
	if err := query(nc, protocol.SubjectModelStorage, nil, &info); err != nil {
		return err
	}
	fmt.Printf("storage:  %.1f MB used, %.1f GB free\n",
		float64(info.ModelsBytes)/(1024*1024), float64(info.AvailableBytes)/(1024*1024*1024))
	return nil
}
