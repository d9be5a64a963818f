package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/rovekit/rovekit-go/pkg/client"
)

func newShellCommand(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive session holding capability handles",
		Long: `Open one connection and keep it: handles acquired in the shell stay
held until released or until the shell exits, which releases everything.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.Dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			info := c.Broker()
			rl, err := readline.NewEx(&readline.Config{
				Prompt:          info.Name + "> ",
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
			})
			if err != nil {
				return fmt.Errorf("failed to create readline: %w", err)
			}
			defer rl.Close()

			sh := NewShell(c, rl.Stdout())
			return sh.Run(cmd.Context(), rl)
		},
	}
}

// LineReader is the input side of a shell session.
type LineReader interface {
	Readline() (string, error)
}

// Shell runs commands against one client connection.
type Shell struct {
	client  *client.Client
	out     io.Writer
	handles map[string]*client.Handle
}

// NewShell creates a shell writing to out.
func NewShell(c *client.Client, out io.Writer) *Shell {
	return &Shell{client: c, out: out, handles: make(map[string]*client.Handle)}
}

// Run reads lines until EOF, "quit" or a closed connection.
func (s *Shell) Run(ctx context.Context, in LineReader) error {
	s.printHelp()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.client.Done():
			fmt.Fprintf(s.out, "Broker disconnected (%s)\n", s.client.Reason())
			return nil
		default:
		}

		line, err := in.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(s.out, "Exiting...")
			return nil
		}
		quit, err := s.Exec(ctx, line)
		if err != nil {
			fmt.Fprintf(s.out, "Error: %s\n", Describe(err))
		}
		if quit {
			fmt.Fprintln(s.out, "Exiting...")
			return nil
		}
	}
}

// Exec runs one command line.
func (s *Shell) Exec(ctx context.Context, line string) (quit bool, err error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false, nil
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	switch cmd {
	case "help", "?":
		s.printHelp()
	case "list", "ls":
		descs, err := s.client.List(ctx)
		if err != nil {
			return false, err
		}
		writeDescriptors(s.out, descs)
	case "acquire", "a":
		if len(args) != 1 {
			return false, errors.New("usage: acquire CAPABILITY")
		}
		return false, s.acquire(ctx, args[0])
	case "release", "r":
		if len(args) != 1 {
			return false, errors.New("usage: release CAPABILITY")
		}
		return false, s.release(ctx, args[0])
	case "handles", "h":
		s.printHandles()
	case "invoke", "i":
		if len(args) < 2 {
			return false, errors.New("usage: invoke CAPABILITY OP [KEY=VALUE...]")
		}
		return false, s.invoke(ctx, args[0], args[1], args[2:])
	case "watch", "w":
		if len(args) < 2 {
			return false, errors.New("usage: watch CAPABILITY OP [COUNT]")
		}
		count := 5
		if len(args) > 2 {
			if count, err = strconv.Atoi(args[2]); err != nil || count <= 0 {
				return false, fmt.Errorf("invalid count %q", args[2])
			}
		}
		return false, watch(ctx, s.client, s.out, args[0], args[1], nil, WatchOptions{Count: count})
	case "quit", "exit", "q":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command: %s (type 'help' for commands)", cmd)
	}
	return false, nil
}

func (s *Shell) acquire(ctx context.Context, name string) error {
	if h, ok := s.handles[name]; ok {
		fmt.Fprintf(s.out, "%s already held as handle %d\n", name, h.ID())
		return nil
	}
	h, err := s.client.Acquire(ctx, name, 0)
	if err != nil {
		return err
	}
	s.handles[name] = h
	fmt.Fprintf(s.out, "%s acquired as handle %d (%s)\n", name, h.ID(), h.Descriptor().Sharing)
	return nil
}

func (s *Shell) release(ctx context.Context, name string) error {
	h, ok := s.handles[name]
	if !ok {
		return fmt.Errorf("%s is not held", name)
	}
	delete(s.handles, name)
	if err := h.Release(ctx); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s released\n", name)
	return nil
}

// invoke uses the held handle, or acquires one for the call only.
func (s *Shell) invoke(ctx context.Context, name, op string, pairs []string) error {
	h, ok := s.handles[name]
	if !ok {
		return invokeOnce(ctx, s.client, s.out, name, op, pairs)
	}
	args, err := ParseArgs(pairs)
	if err != nil {
		return err
	}
	result, err := h.Invoke(ctx, op, args)
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, FormatValue(result))
	return nil
}

func (s *Shell) printHandles() {
	if len(s.handles) == 0 {
		fmt.Fprintln(s.out, "No handles held")
		return
	}
	names := make([]string, 0, len(s.handles))
	for name := range s.handles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h := s.handles[name]
		fmt.Fprintf(s.out, "  %-22s handle %-4d since %s\n", name, h.ID(), h.AcquiredAt().Format("15:04:05"))
	}
}

func (s *Shell) printHelp() {
	fmt.Fprint(s.out, `
Commands:
  list                          - List capabilities
  acquire <cap>                 - Acquire and hold a capability
  release <cap>                 - Release a held capability
  handles                       - Show held handles
  invoke <cap> <op> [k=v...]    - Run an operation
  watch <cap> <op> [count]      - Print stream records
  help                          - Show this help
  quit                          - Release everything and exit

`)
}
