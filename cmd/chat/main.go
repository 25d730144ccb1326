// Package main is a terminal client that chats with the groundwork pipeline
// in-process. Each line read from stdin is a user turn; answers stream to
// stdout with their sources.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"

	"github.com/WessleyAI/groundwork/engine/domain"
	"github.com/WessleyAI/groundwork/engine/rag"
	"github.com/WessleyAI/groundwork/engine/respond"
	"github.com/WessleyAI/groundwork/internal/app"
	"github.com/WessleyAI/groundwork/pkg/metrics"
)

type handler interface {
	Handle(ctx context.Context, msgs []domain.Message) (*rag.Reply, error)
}

type styles struct {
	source  lipgloss.Style
	warning lipgloss.Style
	err     lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		source:  lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		warning: lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Italic(true),
		err:     lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	}
}

// terminal is a respond.Encoder that prints tokens as they arrive and
// lists sources at the end.
type terminal struct {
	out   io.Writer
	style styles
	text  strings.Builder
}

func (t *terminal) Open(_ []domain.Citation, warning domain.Warning) error {
	if warning != "" {
		_, err := fmt.Fprintln(t.out, t.style.warning.Render("("+string(warning)+")"))
		return err
	}
	return nil
}

func (t *terminal) Token(text string) error {
	t.text.WriteString(text)
	_, err := io.WriteString(t.out, text)
	return err
}

func (t *terminal) Close(citations []domain.Citation, err error) error {
	if err != nil {
		_, werr := fmt.Fprintf(t.out, "\n%s\n", t.style.err.Render("[error] "+domain.PublicMessage(err)))
		return werr
	}
	var b strings.Builder
	b.WriteString("\n")
	for i, c := range citations {
		line := fmt.Sprintf("  [%d] %s", i+1, c.Title)
		if c.URL != "" {
			line += " <" + c.URL + ">"
		}
		b.WriteString(t.style.source.Render(line))
		b.WriteString("\n")
	}
	_, werr := io.WriteString(t.out, b.String())
	return werr
}

// session keeps the conversation history between turns.
type session struct {
	svc      handler
	streamer *respond.Streamer
	out      io.Writer
	style    styles
	history  []domain.Message
	// maxTurns bounds the history sent with each question.
	maxTurns int
}

// turn sends question with the prior history and prints the reply.
// Failed turns are dropped from the history.
func (s *session) turn(ctx context.Context, question string) error {
	msgs := append(s.window(), domain.Message{Role: domain.RoleUser, Content: question})
	reply, err := s.svc.Handle(ctx, msgs)
	if err != nil {
		fmt.Fprintln(s.out, s.style.err.Render("[error] "+domain.PublicMessage(err)))
		return err
	}

	var answer string
	if reply.Image != nil {
		for _, u := range reply.Image.URLs {
			fmt.Fprintln(s.out, u)
		}
		answer = strings.Join(reply.Image.URLs, "\n")
	} else {
		enc := &terminal{out: s.out, style: s.style}
		res, err := s.streamer.Forward(ctx, reply.Answer, enc)
		if err != nil {
			return err
		}
		if res.Err != nil {
			return res.Err
		}
		answer = enc.text.String()
	}

	s.history = append(s.history,
		domain.Message{Role: domain.RoleUser, Content: question},
		domain.Message{Role: domain.RoleAssistant, Content: answer})
	return nil
}

func (s *session) window() []domain.Message {
	h := s.history
	if s.maxTurns > 0 && len(h) > 2*s.maxTurns {
		h = h[len(h)-2*s.maxTurns:]
	}
	return append([]domain.Message(nil), h...)
}

// loop reads questions from in until EOF or a "/quit" line. "/reset"
// clears the history.
func (s *session) loop(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	fmt.Fprint(s.out, "> ")
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
		case "/quit":
			return nil
		case "/reset":
			s.history = nil
			fmt.Fprintln(s.out, "history cleared")
		default:
			if err := s.turn(ctx, line); err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
		}
		fmt.Fprint(s.out, "> ")
	}
	return sc.Err()
}

func main() {
	configPath := flag.String("config", "", "config file (default $GROUNDWORK_CONFIG or groundwork.yaml)")
	turns := flag.Int("history", 6, "prior turns sent with each question")
	flag.Parse()

	cfg, logger, err := app.Boot(*configPath)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()
	p, err := app.NewPipeline(ctx, cfg, reg, logger)
	if err != nil {
		logger.Error("pipeline setup failed", "err", err)
		os.Exit(1)
	}
	defer p.Close()

	s := &session{svc: p.RAG, streamer: respond.NewStreamer(reg), out: os.Stdout, style: defaultStyles(), maxTurns: *turns}
	if q := strings.Join(flag.Args(), " "); q != "" {
		if err := s.turn(ctx, q); err != nil {
			os.Exit(1)
		}
		return
	}
	if err := s.loop(ctx, os.Stdin); err != nil && ctx.Err() == nil {
		logger.Error("read input", "err", err)
		os.Exit(1)
	}
}
