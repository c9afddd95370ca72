package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/lexiqai/finance-gateway/internal/present"
)

type sender interface {
	Send(ctx context.Context, prompt string) (*present.Reply, error)
}

// message is one entry of the local transcript
type message struct {
	Role    string
	Content string
}

type session struct {
	client   sender
	out      io.Writer
	renderer *present.Renderer
	history  []message

	promptStyle lipgloss.Style
	errorStyle  lipgloss.Style
}

func newSession(client sender, out io.Writer) *session {
	re := lipgloss.NewRenderer(out)
	return &session{
		client:      client,
		out:         out,
		renderer:    present.NewRenderer(out),
		promptStyle: re.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		errorStyle:  re.NewStyle().Foreground(lipgloss.Color("196")),
	}
}

// run reads prompts line by line until EOF, "exit" or ctx is done
func (s *session) run(ctx context.Context, in io.Reader) error {
	fmt.Fprintln(s.out, "Search Stonks. Type a question, /history to review, exit to quit.")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(s.out, s.promptStyle.Render("> "))
		if !scanner.Scan() {
			fmt.Fprintln(s.out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "/history":
			s.printHistory()
			continue
		}

		s.ask(ctx, line)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// ask sends one prompt and renders the answer. It reports whether an answer
// was shown.
func (s *session) ask(ctx context.Context, prompt string) bool {
	s.history = append(s.history, message{Role: "user", Content: prompt})

	reply, err := s.client.Send(ctx, prompt)
	if err != nil {
		fmt.Fprintln(s.out, s.errorStyle.Render(present.Notice(err)))
		return false
	}

	if err := s.renderer.Render(s.out, reply); err != nil {
		return false
	}
	s.history = append(s.history, message{Role: "assistant", Content: reply.Message})
	return true
}

func (s *session) printHistory() {
	if len(s.history) == 0 {
		fmt.Fprintln(s.out, "No messages yet.")
		return
	}
	for _, m := range s.history {
		fmt.Fprintf(s.out, "%s: %s\n", m.Role, m.Content)
	}
}
