package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"pairchat/pkg/client"
)

const chatHelp = `commands:
  /start          find a partner
  /ready          vote to advance to the next prompt
  /end [reason]   end the conversation
  /history        load older messages
  /retry <id>     resend a failed message
  /state          refresh state from the server
  /quit           leave
anything else is sent as a message`

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Open an interactive session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireAuth()
			if err != nil {
				return err
			}
			engine, err := client.New(client.Config{
				URL:    socketURL(cfg.Server.URL),
				UserID: cfg.Auth.UserID,
				Token:  cfg.Auth.Token,
			})
			if err != nil {
				return err
			}
			defer engine.Close()

			out := cmd.OutOrStdout()
			printer := newPrinter(out, cfg.Auth.UserID)
			engine.OnState(printer.state)
			engine.OnChange(printer.change)

			if err := engine.Connect(); err != nil {
				return err
			}
			fmt.Fprintln(out, chatHelp)
			return chatLoop(engine, cmd.InOrStdin(), out)
		},
	}
}

func chatLoop(engine *client.Engine, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		quit, err := runLine(engine, line)
		if quit {
			return nil
		}
		if err != nil {
			fmt.Fprintln(out, "!", err)
		}
	}
	return scanner.Err()
}

// runLine executes one input line and reports whether the session should end.
func runLine(engine *client.Engine, line string) (bool, error) {
	if !strings.HasPrefix(line, "/") {
		_, err := engine.Send(line)
		return false, err
	}
	command, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch command {
	case "/quit":
		return true, nil
	case "/start":
		return false, engine.StartConversation()
	case "/ready":
		return false, engine.SetReady()
	case "/end":
		if arg == "" {
			arg = "left"
		}
		return false, engine.EndConversation(arg)
	case "/history":
		return false, engine.FetchHistory(0)
	case "/retry":
		_, err := engine.Retry(arg)
		return false, err
	case "/state":
		return false, engine.RefreshState()
	default:
		return false, fmt.Errorf("unknown command %s", command)
	}
}

// printer renders snapshot changes as terminal lines. It runs on the engine
// loop, so it only writes.
type printer struct {
	mu     sync.Mutex
	out    io.Writer
	self   string
	seen   map[string]bool
	failed map[string]bool
	last   client.Snapshot
}

func newPrinter(out io.Writer, self string) *printer {
	return &printer{out: out, self: self, seen: map[string]bool{}, failed: map[string]bool{}}
}

func (p *printer) state(s client.ConnState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "* connection %s\n", s)
}

func (p *printer) change(s client.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.last
	p.last = s
	if s.Waiting && !prev.Waiting {
		fmt.Fprintln(p.out, "* waiting for a partner")
	}
	if s.ChatID != "" && s.ChatID != prev.ChatID {
		fmt.Fprintf(p.out, "* chatting in %s with %s\n", s.ChatID, strings.Join(s.Participants, ", "))
	}
	if s.QuestionIndex != prev.QuestionIndex {
		fmt.Fprintf(p.out, "* prompt %d\n", s.QuestionIndex)
	}
	if s.Final && !prev.Final {
		fmt.Fprintln(p.out, "* that was the last prompt")
	}
	if s.PeerReady && !prev.PeerReady {
		fmt.Fprintln(p.out, "* your partner is ready")
	}
	if s.PeerOnline != prev.PeerOnline && s.ChatID != "" {
		fmt.Fprintf(p.out, "* partner online: %v\n", s.PeerOnline)
	}
	if s.Ended && !prev.Ended {
		fmt.Fprintf(p.out, "* conversation ended by %s (%s)\n", s.EndedBy, s.EndReason)
	}

	for _, m := range s.Messages {
		if m.IsFailed && !p.failed[m.ID] {
			p.failed[m.ID] = true
			fmt.Fprintf(p.out, "! not delivered: %q (retry with /retry %s)\n", m.Content, m.ID)
			continue
		}
		if m.IsOptimistic || p.seen[m.ID] {
			continue
		}
		p.seen[m.ID] = true
		who := m.SenderID
		if who == p.self {
			who = "you"
		}
		fmt.Fprintf(p.out, "[%s] %s: %s\n", m.Timestamp.Local().Format("15:04:05"), who, m.Content)
	}
}
