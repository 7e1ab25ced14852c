package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bazelment/yoloswe/switchboard/agentstream"
	"github.com/bazelment/yoloswe/switchboard/confirm"
	"github.com/bazelment/yoloswe/switchboard/turn"
)

var (
	askConversation string
	askProvider     string
	askDeveloper    bool
	askYes          bool
	askJSON         bool
)

var askCmd = &cobra.Command{
	Use:   "ask <message>",
	Short: "Run one turn from the terminal",
	Long: `Ask sends one message through the router and prints the reply. Progress
goes to stderr; the reply goes to stdout. Dangerous tool invocations are
confirmed on the terminal, or approved up front with --yes.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !verbose {
			cfg.LogLevel = "warn"
		}
		logger := newLogger(os.Stderr, cfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		providers, err := buildProviders(ctx, cfg, logger)
		if err != nil {
			return err
		}
		rt := newRouter(cfg, providers, st, logger)
		if askProvider != "" {
			if err := rt.SetOverride(askConversation, askProvider); err != nil {
				return err
			}
		}

		interactive := term.IsTerminal(int(os.Stdin.Fd()))
		styles := newStyles(term.IsTerminal(int(os.Stderr.Fd())))
		gate := newGate(cfg, st, logger)
		svc := turn.New(turn.Deps{
			Router:   rt,
			Tracker:  newTracker(cfg, logger),
			Gate:     gate,
			Logger:   logger,
			Observer: progressSink(os.Stderr, styles),
			Notifier: &terminalNotifier{
				gate:        gate,
				in:          bufio.NewReader(os.Stdin),
				out:         os.Stderr,
				styles:      styles,
				autoApprove: askYes,
				interactive: interactive,
			},
		})

		message := strings.Join(args, " ")
		opts := askOptions{conversation: askConversation, developer: askDeveloper, json: askJSON}
		return runAsk(ctx, svc, opts, os.Stdout, os.Stderr, styles, message)
	},
}

func init() {
	rootCmd.AddCommand(askCmd)
	askCmd.Flags().StringVar(&askConversation, "conversation", "cli", "Conversation id; reuse it to resume the backend session")
	askCmd.Flags().StringVarP(&askProvider, "provider", "p", "", "Pin the turn to one provider")
	askCmd.Flags().BoolVar(&askDeveloper, "dev", false, "Use the developer prompt and developer fallback order")
	askCmd.Flags().BoolVarP(&askYes, "yes", "y", false, "Approve every dangerous tool invocation")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "Print the outcome as JSON")
}

type askOptions struct {
	conversation string
	developer    bool
	json         bool
}

func runAsk(ctx context.Context, svc *turn.Service, opts askOptions, stdout, stderr io.Writer, st styles, message string) error {
	conv := opts.conversation
	if opts.developer {
		res, err := svc.DeveloperTurn(ctx, conv, message)
		if err != nil {
			fmt.Fprintln(stderr, st.err.Render(err.Error()))
			return err
		}
		if opts.json {
			return writeJSON(stdout, res)
		}
		fmt.Fprintln(stdout, res.Text)
		fmt.Fprintln(stderr, st.dim.Render("via "+res.BackendID))
		return nil
	}

	out, err := svc.StartTurn(ctx, conv, message)
	if err != nil {
		fmt.Fprintln(stderr, st.err.Render(svc.Status(conv)))
		return err
	}
	if opts.json {
		return writeJSON(stdout, out)
	}
	fmt.Fprintln(stdout, out.Text)
	fmt.Fprintln(stderr, st.dim.Render(svc.Status(conv)))
	return nil
}

// progressSink prints a turn's progress as it happens. It runs on the
// backend's reader goroutine, so lines interleave correctly with prompts.
func progressSink(w io.Writer, st styles) agentstream.Sink {
	return agentstream.Callbacks{
		OnPhaseChange: func(p agentstream.Phase) {
			if p == agentstream.PhaseThinking || p == agentstream.PhaseToolUse {
				fmt.Fprintln(w, st.dim.Render(string(p)+"…"))
			}
		},
		OnToolInvocation: func(inv agentstream.ToolInvocation) {
			fmt.Fprintln(w, st.accent.Render("→ "+inv.Name))
		},
		OnToolOutcome: func(o agentstream.ToolOutcome) {
			if o.IsError {
				fmt.Fprintln(w, st.err.Render("  tool failed"))
			}
		},
	}.Sink()
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type styles struct {
	accent lipgloss.Style
	dim    lipgloss.Style
	warn   lipgloss.Style
	err    lipgloss.Style
	ok     lipgloss.Style
}

// newStyles returns colored styles for a terminal and plain ones otherwise.
func newStyles(color bool) styles {
	if !color {
		plain := lipgloss.NewStyle()
		return styles{accent: plain, dim: plain, warn: plain, err: plain, ok: plain}
	}
	return styles{
		accent: lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true),
		dim:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		warn:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		err:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		ok:     lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	}
}

// terminalNotifier asks for confirmations on the controlling terminal.
type terminalNotifier struct {
	gate        *confirm.Gate
	in          *bufio.Reader
	out         io.Writer
	styles      styles
	autoApprove bool
	interactive bool
}

func (n *terminalNotifier) NotifyConfirmation(_ context.Context, req confirm.Request) (string, error) {
	fmt.Fprintln(n.out, n.styles.warn.Render("Approval needed: "+req.Invocation.Name))
	if req.Reason != "" {
		fmt.Fprintln(n.out, "  "+req.Reason)
	}
	switch {
	case n.autoApprove:
		n.gate.Resolve(req.ID, true)
	case !n.interactive:
		fmt.Fprintln(n.out, n.styles.dim.Render("  stdin is not a terminal; rejecting (pass --yes to approve)"))
		n.gate.Resolve(req.ID, false)
	default:
		fmt.Fprint(n.out, "  approve? [y/N] ")
		go func() {
			line, _ := n.in.ReadString('\n')
			n.gate.Resolve(req.ID, isYes(line))
		}()
	}
	return "", nil
}

func (n *terminalNotifier) NotifyResolved(_ context.Context, req confirm.Request) {
	switch req.Decision {
	case confirm.DecisionApproved:
		fmt.Fprintln(n.out, n.styles.ok.Render("  approved"))
	case confirm.DecisionTimedOut:
		fmt.Fprintln(n.out, n.styles.err.Render("  timed out"))
	default:
		fmt.Fprintln(n.out, n.styles.err.Render("  rejected"))
	}
}

func isYes(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return true
	}
	return false
}

var _ confirm.Notifier = (*terminalNotifier)(nil)
