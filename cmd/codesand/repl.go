package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/codesand/codesand/internal/client"
)

var (
	serverFlag   string
	keyFlag      string
	replRunner   string
	replMaxLines int
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Run code against a codesand server interactively",
	Long: `Start an interactive prompt that sends each line to a codesand server
and streams the output back.

Examples:
  codesand repl --key secret
  codesand repl --server http://sandbox:8080 --runner python3`,
	Args: cobra.NoArgs,
	RunE: runRepl,
}

func init() {
	replCmd.Flags().StringVar(&serverFlag, "server", "http://localhost:8080", "Server base URL")
	replCmd.Flags().StringVar(&keyFlag, "key", os.Getenv("CODESAND_KEY"), "API key (default: $CODESAND_KEY)")
	replCmd.Flags().StringVar(&replRunner, "runner", "bash", "Runner to use")
	replCmd.Flags().IntVar(&replMaxLines, "max-lines", 0, "Output line cap (default: server setting)")
	rootCmd.AddCommand(replCmd)
}

type replSession struct {
	c        *client.Client
	runner   string
	maxLines int
	flags    string
}

func runRepl(cmd *cobra.Command, args []string) error {
	s := &replSession{
		c:        client.New(serverFlag, keyFlag),
		runner:   replRunner,
		maxLines: replMaxLines,
	}

	fmt.Printf("codesand - %s\n", serverFlag)
	fmt.Printf("Runner: %s\n", s.runner)
	fmt.Printf("Type /help for commands, /quit to exit\n\n")

	// Set up readline for input with history
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          s.prompt(),
		HistoryFile:     filepath.Join(os.TempDir(), "codesand_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	// Ctrl+C cancels the active run, not the whole app.
	var reqCancel context.CancelFunc
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if reqCancel != nil {
				reqCancel()
			}
		}
	}()

	for {
		rl.SetPrompt(s.prompt())
		input, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		// Handle slash commands
		if strings.HasPrefix(input, "/") {
			code, quit := s.handleCommand(rl, input)
			if quit {
				return nil
			}
			if code == "" {
				continue
			}
			input = code
		}

		reqCtx, cancel := context.WithCancel(context.Background())
		reqCancel = cancel
		s.run(reqCtx, input)
		cancel()
		reqCancel = nil
	}
}

func (s *replSession) prompt() string {
	return fmt.Sprintf("\033[36m%s>\033[0m ", s.runner)
}

func (s *replSession) run(ctx context.Context, code string) {
	res, err := s.c.Stream(ctx, s.runner, code, client.RunOptions{MaxLines: s.maxLines, Flags: s.flags}, func(line string) {
		fmt.Println(formatLine(line))
	})
	if err != nil {
		if errors.Is(err, client.ErrBusy) {
			fmt.Printf("\033[33mall containers are busy, try again\033[0m\n\n")
			return
		}
		fmt.Printf("\033[31merror: %s\033[0m\n\n", err)
		return
	}
	fmt.Printf("\033[90m(%s, job %s)\033[0m\n\n", res.Outcome, shortID(res.ID))
}

// handleCommand runs a slash command. It returns code to run, if the command
// produced any, and whether the session should end.
func (s *replSession) handleCommand(rl *readline.Instance, input string) (string, bool) {
	fields := strings.Fields(input)
	switch strings.ToLower(fields[0]) {
	case "/quit", "/exit", "/q":
		fmt.Println("Goodbye!")
		return "", true
	case "/runner":
		if len(fields) < 2 {
			fmt.Printf("Runner: %s\n\n", s.runner)
			break
		}
		s.runner = fields[1]
	case "/lines":
		if len(fields) < 2 {
			fmt.Printf("Max lines: %d\n\n", s.maxLines)
			break
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 0 {
			fmt.Printf("invalid line count %q\n\n", fields[1])
			break
		}
		s.maxLines = n
	case "/flags":
		s.flags = strings.Join(fields[1:], " ")
	case "/multi":
		return readMulti(rl), false
	case "/languages":
		langs, err := s.c.Languages(context.Background())
		if err != nil {
			fmt.Printf("\033[31merror: %s\033[0m\n\n", err)
			break
		}
		for _, l := range langs {
			aliases := ""
			if len(l.Aliases) > 0 {
				aliases = " (" + strings.Join(l.Aliases, ", ") + ")"
			}
			fmt.Printf("  %-10s %s%s\n", l.ID, l.Name, aliases)
		}
		fmt.Println()
	case "/status":
		st, err := s.c.Status(context.Background())
		if err != nil {
			fmt.Printf("\033[31merror: %s\033[0m\n\n", err)
			break
		}
		for _, sb := range st.Sandboxes {
			fmt.Printf("  %-14s %-11s %d recoveries\n", sb.Name, sb.State, sb.Recoveries)
		}
		fmt.Printf("  %d idle / %d total, %d active runs\n\n", st.Stats.Idle, st.Stats.Total, st.ActiveRuns)
	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /help           - Show this help")
		fmt.Println("  /runner [name]  - Show or switch the runner")
		fmt.Println("  /lines [n]      - Show or set the output line cap")
		fmt.Println("  /flags [flags]  - Set compiler flags (empty clears)")
		fmt.Println("  /multi          - Enter multi-line code, end with a lone '.'")
		fmt.Println("  /languages      - List runners")
		fmt.Println("  /status         - Show the container pool")
		fmt.Println("  /quit           - Exit")
		fmt.Println()
	default:
		fmt.Printf("Unknown command: %s (try /help)\n\n", input)
	}
	return "", false
}

func readMulti(rl *readline.Instance) string {
	rl.SetPrompt("\033[90m...\033[0m ")
	var lines []string
	for {
		line, err := rl.Readline()
		if err != nil || strings.TrimSpace(line) == "." {
			break
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
