// Copyright 2026 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/kadirpekel/anchora/pkg/config"
	"github.com/kadirpekel/anchora/pkg/orchestrator"
	"github.com/kadirpekel/anchora/pkg/runtime"
	"github.com/kadirpekel/anchora/pkg/session"
)

// AskCmd answers a question from the terminal without going through the
// HTTP edge. With a question argument it runs one turn; without one it
// reads the question from a pipe, or starts an interactive session when
// stdin is a terminal.
type AskCmd struct {
	Question string `arg:"" optional:"" help:"Question to ask. Omit to pipe via stdin or start an interactive session."`
	Session  string `help:"Session ID to continue."`
}

func (c *AskCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if cli.Config == "" {
		return fmt.Errorf("--config is required for ask")
	}
	_ = config.LoadDotEnvForConfig(cli.Config)

	cfg, loader, err := config.LoadConfigFile(ctx, cli.Config)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	defer loader.Close()

	rt, err := runtime.New(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	question := strings.TrimSpace(c.Question)
	if question == "" && !term.IsTerminal(int(os.Stdin.Fd())) {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		question = strings.TrimSpace(string(data))
		if question == "" {
			return fmt.Errorf("no question given")
		}
	}

	if question != "" {
		_, _, err := askOnce(ctx, rt.Orchestrator(), nil, c.Session, question)
		return err
	}

	return runInteractive(ctx, rt.Orchestrator(), c.Session)
}

// askOnce runs one turn and renders it: tokens stream to stdout as they
// arrive, sources print after the answer. Returns the final answer and the
// session ID the pipeline settled on.
func askOnce(ctx context.Context, orch *orchestrator.Orchestrator, history []session.Message, sessionID, question string) (string, string, error) {
	req := session.Request{
		Messages:  append(history, session.Message{Role: session.RoleUser, Content: question}),
		SessionID: sessionID,
		Mode:      session.ModeStream,
	}

	events, err := orch.RunStream(ctx, req)
	if err != nil {
		return "", sessionID, err
	}

	var (
		answer    string
		refs      []session.Reference
		runErr    error
		sawTokens bool
	)
	for ev := range events {
		switch ev.Type {
		case session.EventToken:
			fmt.Print(ev.Text)
			sawTokens = true
		case session.EventStatus:
			// A second synthesis pass means the critic sent the draft
			// back; break the line so the revision reads separately.
			if ev.Stage == session.StageSynthesizing && sawTokens {
				fmt.Print("\n\n(revising)\n\n")
			}
		case session.EventCitations:
			refs = ev.References
		case session.EventComplete:
			answer = ev.Answer
		case session.EventError:
			if ev.Error != nil {
				runErr = session.NewError(ev.Error.Kind, ev.Error.Message)
			}
		}
		if ev.SessionID != "" {
			sessionID = ev.SessionID
		}
	}
	fmt.Println()

	if runErr != nil {
		return "", sessionID, runErr
	}
	printReferences(refs)
	return answer, sessionID, nil
}

// runInteractive drives a line-based conversation against the pipeline.
func runInteractive(ctx context.Context, orch *orchestrator.Orchestrator, sessionID string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("\nInteractive session. Commands:")
	fmt.Println("  /quit or /exit - end the session")
	fmt.Println("  /clear - start a fresh conversation")
	fmt.Println()

	var history []session.Message
	for {
		fmt.Print("You: ")

		input, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Println()
				return nil
			}
			return fmt.Errorf("failed to read input: %w", err)
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			switch input {
			case "/quit", "/exit":
				return nil
			case "/clear":
				history = nil
				sessionID = ""
				fmt.Println("Conversation cleared")
				continue
			default:
				fmt.Printf("Unknown command: %s\n", input)
				continue
			}
		}

		fmt.Print("\nAnchora: ")
		answer, sid, err := askOnce(ctx, orch, history, sessionID, input)
		if err != nil {
			if ctx.Err() != nil {
				fmt.Println()
				return nil
			}
			fmt.Printf("error: %v\n\n", err)
			continue
		}
		sessionID = sid
		history = append(history,
			session.Message{Role: session.RoleUser, Content: input},
			session.Message{Role: session.RoleAssistant, Content: answer},
		)
		fmt.Println()
	}
}

func printReferences(refs []session.Reference) {
	if len(refs) == 0 {
		return
	}
	fmt.Println("\nSources:")
	for i, ref := range refs {
		title := ref.Title
		if title == "" {
			title = ref.ID
		}
		line := fmt.Sprintf("  [%d] %s", i+1, title)
		if ref.PageNumber > 0 {
			line += fmt.Sprintf(" (p.%d)", ref.PageNumber)
		}
		if ref.URL != "" {
			line += " - " + ref.URL
		}
		fmt.Println(line)
	}
}
