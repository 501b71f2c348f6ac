package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"

	"github.com/ent0n29/personachat/internal/app"
	"github.com/ent0n29/personachat/internal/config"
	"github.com/ent0n29/personachat/internal/orchestrator"
)

const chatHelp = "commands: /new starts a new chat, /skip stops the current audio, /quit exits. Ctrl-C cancels a reply."

func chat(cfg config.Config, logger *zap.Logger, persona string) error {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	built, err := app.Build(ctx, cfg, app.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := built.Cleanup(shutdownCtx); err != nil {
			logger.Warn("cleanup failed", zap.Error(err))
		}
	}()

	out := os.Stdout
	conv := built.Orchestrator.Conversation(persona, terminalListener(out))
	defer conv.Close()

	var busy atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGINT && busy.Load() {
				conv.Cancel()
				continue
			}
			stop()
			_ = os.Stdin.Close()
			return
		}
	}()

	if _, err := conv.EnsureSession(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	fmt.Fprintln(out, chatHelp)

	return runREPL(ctx, os.Stdin, out, conv, &busy)
}

// turnRunner is the part of a conversation the terminal drives.
type turnRunner interface {
	Send(ctx context.Context, text string) (orchestrator.TurnResult, error)
	NewChat(ctx context.Context) (string, error)
	SkipAudio()
}

func runREPL(ctx context.Context, in io.Reader, out io.Writer, conv turnRunner, busy *atomic.Bool) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/skip":
			conv.SkipAudio()
			continue
		case "/new":
			if id, err := conv.NewChat(ctx); err != nil {
				fmt.Fprintf(out, "new chat failed: %v\n", err)
			} else {
				fmt.Fprintf(out, "started a new chat (%s)\n", id)
			}
			continue
		}

		busy.Store(true)
		_, err := conv.Send(ctx, line)
		busy.Store(false)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(out, "turn failed: %v\n", err)
		}
	}
}

func terminalListener(out io.Writer) orchestrator.Listener {
	return orchestrator.Listener{
		OnDelta: func(_ string, text string) {
			fmt.Fprint(out, text)
		},
		OnTurnEnd: func(res orchestrator.TurnResult) {
			switch res.Outcome {
			case orchestrator.OutcomeCancelled:
				fmt.Fprintln(out, " [cancelled]")
			case orchestrator.OutcomeFailed:
				fmt.Fprintf(out, " [failed: %v]\n", res.Err)
			default:
				fmt.Fprintln(out)
			}
		},
		OnSpeechError: func(_ string, err error) {
			fmt.Fprintf(out, "(speech unavailable: %v)\n", err)
		},
	}
}
