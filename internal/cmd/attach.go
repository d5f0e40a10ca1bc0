package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/reeflective/readline"
	"github.com/spf13/cobra"

	"github.com/inercia/verso/internal/bridge"
	"github.com/inercia/verso/internal/client"
	"github.com/inercia/verso/internal/transcript"
)

var (
	attachURL   string
	attachToken string
)

// attachCmd represents the attach command
var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Attach a terminal client to a running bridge",
	Long: `Connect to a bridge started with 'verso serve' and chat through it.

Several clients can attach to the same bridge at once; they all see
the same sessions and the same live transcript.

Example:
  verso attach --token <token>
  verso attach --url http://127.0.0.1:3000 --token <token>`,
	RunE: runAttach,
}

func init() {
	rootCmd.AddCommand(attachCmd)

	attachCmd.Flags().StringVar(&attachURL, "url", "http://127.0.0.1:7537", "Bridge base URL")
	attachCmd.Flags().StringVar(&attachToken, "token", "", "Bridge bearer token (or set VERSO_BRIDGE_TOKEN)")
}

func runAttach(cmd *cobra.Command, args []string) error {
	token := attachToken
	if token == "" {
		token = os.Getenv("VERSO_BRIDGE_TOKEN")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	view := &attachView{out: os.Stdout, printed: make(map[string]int)}

	c := client.New(attachURL, client.WithToken(token))
	c.SetHandlers(client.Handlers{
		OnHello:      view.hello,
		OnTranscript: view.transcript,
		OnSessions:   view.sessions,
		OnProcessing: view.processing,
		OnPermission: view.permission,
		OnError:      view.bridgeError,
		OnDisconnect: func(err error) {
			fmt.Println("\n🔌 Disconnected from bridge")
			cancel()
		},
	})
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Close()

	fmt.Printf("🔗 Attached to %s\n", attachURL)
	fmt.Println("📝 Type your message and press Enter. Use /help for commands.")

	rl := readline.NewShell()
	rl.Prompt.Primary(func() string { return "verso> " })
	history := readline.NewInMemoryHistory()
	rl.History.Add("default", history)
	rl.Completer = func(line []rune, cursor int) readline.Completions {
		return completeInput(string(line), cursor)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			return nil
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if err == io.EOF || err == readline.ErrInterrupt {
				fmt.Println("\n👋 Goodbye!")
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := view.handleCommand(c, line); quit {
				return nil
			}
			continue
		}

		if err := c.Send(line); err != nil {
			fmt.Printf("\n❌ Error: %v\n", err)
		}
	}
}

// attachView prints bridge updates, mirroring the local chat renderer
// but driven by wire payloads.
type attachView struct {
	mu      sync.Mutex
	out     io.Writer
	printed map[string]int
	listed  []bridge.SessionSummary
	// pending holds the option ids of the last permission request.
	pending []string
}

func (v *attachView) hello(p bridge.HelloPayload) {
	v.mu.Lock()
	v.listed = p.Sessions
	v.mu.Unlock()
	if len(p.Sessions) > 0 {
		fmt.Fprintf(v.out, "   %d session(s); foreground %s\n", len(p.Sessions), shortID(p.ForegroundID))
	}
}

func (v *attachView) transcript(p bridge.TranscriptPayload) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, msg := range p.Messages {
		if msg.Role != transcript.RoleAssistant {
			continue
		}
		done := v.printed[msg.ID]
		if len(msg.Text) > done {
			fmt.Fprint(v.out, msg.Text[done:])
			v.printed[msg.ID] = len(msg.Text)
		}
	}
}

func (v *attachView) sessions(p bridge.SessionsPayload) {
	v.mu.Lock()
	v.listed = p.Sessions
	v.mu.Unlock()
}

func (v *attachView) processing(p bridge.ProcessingPayload) {
	if !p.Processing {
		fmt.Fprintln(v.out)
	}
}

func (v *attachView) permission(p bridge.PermissionPayload) {
	v.mu.Lock()
	v.pending = v.pending[:0]
	for _, opt := range p.Options {
		v.pending = append(v.pending, opt.ID)
	}
	v.mu.Unlock()

	fmt.Fprintf(v.out, "\n🔐 Permission requested: %s\n", p.ToolName)
	for i, opt := range p.Options {
		fmt.Fprintf(v.out, "   %d. %s\n", i+1, opt.Name)
	}
	fmt.Fprint(v.out, "   Answer with /approve <number> or /deny\n")
}

func (v *attachView) bridgeError(message string) {
	fmt.Fprintf(v.out, "\n❌ Bridge error: %s\n", message)
}

// handleCommand executes a slash command against the bridge. It
// returns true when the client should exit.
func (v *attachView) handleCommand(c *client.Client, line string) bool {
	parts := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(parts) == 0 {
		return false
	}

	var err error
	switch strings.ToLower(parts[0]) {
	case "quit", "exit", "q":
		fmt.Println("👋 Goodbye!")
		return true
	case "cancel":
		err = c.Interrupt()
	case "help", "h", "?":
		printHelp()
	case "sessions":
		v.printSessions()
	case "switch":
		err = v.switchSession(c, parts[1:])
	case "delete":
		err = v.deleteSession(c, parts[1:])
	case "approve":
		err = v.respond(c, parts[1:])
	case "deny":
		err = c.RespondPermission("")
	default:
		fmt.Printf("❓ Unknown command: %s (use /help for available commands)\n", parts[0])
	}
	if err != nil {
		fmt.Printf("❌ %v\n", err)
	}
	return false
}

func (v *attachView) printSessions() {
	v.mu.Lock()
	listed := v.listed
	v.mu.Unlock()
	if len(listed) == 0 {
		fmt.Fprintln(v.out, "No sessions.")
		return
	}
	for i, s := range listed {
		marker := " "
		if s.Foreground {
			marker = "*"
		}
		title := s.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(v.out, " %s %d. %-40s %s [%s]\n", marker, i+1, title, shortID(s.ID), s.Phase)
	}
}

func (v *attachView) resolve(arg string) (string, error) {
	v.mu.Lock()
	listed := v.listed
	v.mu.Unlock()
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(listed) {
			return "", fmt.Errorf("session %d out of range (1-%d)", n, len(listed))
		}
		return listed[n-1].ID, nil
	}
	for _, s := range listed {
		if s.ID == arg || strings.HasPrefix(s.ID, arg) {
			return s.ID, nil
		}
	}
	return "", fmt.Errorf("no session matching %q", arg)
}

func (v *attachView) switchSession(c *client.Client, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: /switch <n|id>")
	}
	id, err := v.resolve(args[0])
	if err != nil {
		return err
	}
	return c.SwitchSession(id)
}

func (v *attachView) deleteSession(c *client.Client, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: /delete <n|id>")
	}
	id, err := v.resolve(args[0])
	if err != nil {
		return err
	}
	return c.DeleteSession(id)
}

func (v *attachView) respond(c *client.Client, args []string) error {
	v.mu.Lock()
	pending := v.pending
	v.mu.Unlock()
	if len(pending) == 0 {
		return fmt.Errorf("no pending permission request")
	}
	n := 1
	if len(args) > 0 {
		parsed, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid option number %q", args[0])
		}
		n = parsed
	}
	if n < 1 || n > len(pending) {
		return fmt.Errorf("option %d out of range (1-%d)", n, len(pending))
	}
	return c.RespondPermission(pending[n-1])
}
