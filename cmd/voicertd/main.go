// Command voicertd is a minimal example host for the voice runtime: it
// loads credentials from .env, registers both backends, creates one
// session against the backend named by -backend (recognition by default),
// and drives it from stdin.
//
// This binary is a worked example, not part of the runtime's contract —
// the real host integration (a C API marshalling arguments into session
// calls) is out of this module's scope.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/nuttxapps/voicert/pkg/recognition"
	"github.com/nuttxapps/voicert/pkg/realtime"
	"github.com/nuttxapps/voicert/pkg/session"
	"github.com/nuttxapps/voicert/pkg/trace"
	"github.com/nuttxapps/voicert/pkg/voiceplugin"
)

func main() {
	_ = godotenv.Load()

	backendFlag := flag.String("backend", "recognition", "recognition or realtime-conversation")
	endpointFlag := flag.String("endpoint", os.Getenv("VOICERT_ENDPOINT"), "backend WebSocket endpoint")
	modelFlag := flag.String("model", os.Getenv("VOICERT_MODEL"), "backend model name")
	flag.Parse()

	ctx := context.Background()

	traceCfg := trace.DefaultConfig()
	if err := trace.Initialize(ctx, traceCfg); err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() { _ = trace.Shutdown(ctx) }()

	registry := voiceplugin.NewRegistry()
	registry.Register(voiceplugin.BackendRecognition, recognition.NewFactory(recognition.Config{
		Endpoint: *endpointFlag,
		Model:    *modelFlag,
	}))
	registry.Register(voiceplugin.BackendRealtime, realtime.NewFactory(realtime.Config{
		Endpoint: *endpointFlag,
		Model:    *modelFlag,
	}))

	hostLoop := session.NewChannelHostLoop(32)
	runLoopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()
	go hostLoop.Run(runLoopCtx)

	auth := voiceplugin.Auth{
		EngineType: os.Getenv("VOICERT_ENGINE_TYPE"),
		AppID:      os.Getenv("VOICERT_APP_ID"),
		AppKey:     os.Getenv("VOICERT_APP_KEY"),
	}

	sess, err := session.CreateWithAuth(voiceplugin.Backend(*backendFlag), registry, session.Params{
		Locale:           "CN",
		Mode:             "short",
		Language:         "zh-CN",
		SilenceTimeoutMS: 3000,
		HostLoop:         hostLoop,
		// A real host supplies its own FocusManager (and, optionally,
		// Recorder); this example drives the engine directly via stdin
		// commands instead of live capture.
	}, auth)
	if err != nil {
		log.Fatalf("create session: %v", err)
	}

	if err := sess.SetListener(func(ev voiceplugin.Event) {
		switch ev.Kind {
		case voiceplugin.EventFinalText, voiceplugin.EventPartialText:
			fmt.Printf("[%s] %s: %s\n", sess.ID(), ev.Kind, ev.Text)
		case voiceplugin.EventAudio:
			fmt.Printf("[%s] audio: %d bytes\n", sess.ID(), len(ev.Audio))
		case voiceplugin.EventError:
			fmt.Printf("[%s] error: %v\n", sess.ID(), ev.Err)
		default:
			fmt.Printf("[%s] %s\n", sess.ID(), ev.Kind)
		}
	}); err != nil {
		log.Fatalf("set listener: %v", err)
	}

	fmt.Println("commands: start, finish, cancel, close, quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch scanner.Text() {
		case "start":
			if err := sess.Start(ctx, voiceplugin.AudioHint{}); err != nil {
				log.Printf("start: %v", err)
			}
		case "finish":
			if err := sess.Finish(); err != nil {
				log.Printf("finish: %v", err)
			}
		case "cancel":
			if err := sess.Cancel(); err != nil {
				log.Printf("cancel: %v", err)
			}
		case "close":
			if err := sess.Close(); err != nil {
				log.Printf("close: %v", err)
			}
		case "quit":
			_ = sess.Close()
			return
		default:
			fmt.Println("unknown command")
		}
	}
}
