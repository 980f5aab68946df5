package chat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/tinyland-inc/aetherbridge/cmd/aetherbridge/internal"
	"github.com/tinyland-inc/aetherbridge/pkg/bus"
	"github.com/tinyland-inc/aetherbridge/pkg/delegate"
)

// turnFunc sends one line and returns the reply text.
type turnFunc func(ctx context.Context, input string) (string, error)

func chatCmd(agent string, timeoutMS int, debug bool) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if err := internal.SetupLogging(cfg, debug); err != nil {
		return err
	}

	ctx, cancel := internal.SignalContext()
	defer cancel()

	tr, err := internal.NewTransport(ctx, cfg)
	if err != nil {
		return err
	}
	defer tr.Close()

	reg, err := internal.LoadRegistry(cfg)
	if err != nil {
		return err
	}
	if _, err := reg.Lookup(agent); err != nil {
		return err
	}
	d := internal.NewDelegator(cfg, tr, reg)

	sessionCode := "chat_" + time.Now().UTC().Format("20060102_150405")
	turn := func(ctx context.Context, input string) (string, error) {
		reply, err := d.Delegate(ctx, delegate.Request{
			Target:      agent,
			Content:     input,
			SessionCode: sessionCode,
			Timeout:     time.Duration(timeoutMS) * time.Millisecond,
		})
		if err != nil {
			return "", err
		}
		return replyText(reply), nil
	}

	fmt.Printf("%s Chatting with %s (Ctrl+C to exit)\n\n", internal.Logo, agent)
	interactiveMode(ctx, agent, turn)
	return nil
}

func replyText(env *bus.Envelope) string {
	if env.Text() != "" {
		return env.Text()
	}
	data, err := env.Content.MarshalJSON()
	if err != nil {
		return ""
	}
	return string(data)
}

func interactiveMode(ctx context.Context, agent string, turn turnFunc) {
	prompt := fmt.Sprintf("%s You: ", internal.Logo)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".aetherbridge_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		fmt.Println("Falling back to simple input mode...")
		simpleInteractiveMode(ctx, os.Stdin, os.Stdout, agent, turn)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		if !handleLine(ctx, os.Stdout, agent, line, turn) {
			return
		}
	}
}

func simpleInteractiveMode(ctx context.Context, in io.Reader, out io.Writer, agent string, turn turnFunc) {
	reader := bufio.NewReader(in)
	for {
		fmt.Fprintf(out, "%s You: ", internal.Logo)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(out, "\nGoodbye!")
				return
			}
			fmt.Fprintf(out, "Error reading input: %v\n", err)
			continue
		}

		if !handleLine(ctx, out, agent, line, turn) {
			return
		}
	}
}

// handleLine runs one turn. It returns false when the user asked to leave.
func handleLine(ctx context.Context, out io.Writer, agent, line string, turn turnFunc) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return true
	}
	if input == "exit" || input == "quit" {
		fmt.Fprintln(out, "Goodbye!")
		return false
	}

	response, err := turn(ctx, input)
	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		return ctx.Err() == nil
	}

	fmt.Fprintf(out, "\n%s %s: %s\n\n", internal.Logo, agent, response)
	return true
}
