package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/reeflective/readline"
	"github.com/spf13/cobra"

	"github.com/inercia/verso/internal/conversion"
	"github.com/inercia/verso/internal/engine"
	"github.com/inercia/verso/internal/logging"
	"github.com/inercia/verso/internal/manager"
	"github.com/inercia/verso/internal/store"
)

var (
	// chat-specific flags
	chatDir     string
	chatModel   string
	oncePrompt  string
	autoApprove bool
	resumeLast  bool
)

// chatCmd represents the chat command
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive terminal chat with an AI agent",
	Long: `Start an interactive chat session with the configured engine.

The conversation is persisted and can be resumed later with --resume.
Several sessions can be kept alive at once; use /new and /switch to
move between them while backgrounded sessions keep working.

Use --once to send a single prompt and exit:
  verso chat --once "What is the capital of France?"

Commands (interactive mode only):
  /quit, /exit     - Exit the chat
  /cancel          - Interrupt the current turn
  /new [engine]    - Start another session
  /sessions        - List sessions
  /switch <n|id>   - Bring a session to the foreground
  /help            - Show available commands`,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)

	chatCmd.Flags().StringVarP(&chatDir, "dir", "d", "", "Working directory for the session (default: current directory)")
	chatCmd.Flags().StringVar(&chatModel, "model", "", "Model to request from the engine")
	chatCmd.Flags().StringVar(&oncePrompt, "once", "", "Send a single prompt and exit (non-interactive mode)")
	chatCmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Automatically approve permission requests")
	chatCmd.Flags().BoolVar(&resumeLast, "resume", false, "Resume the last session in this project")
}

func runChat(cmd *cobra.Command, args []string) error {
	ec, err := selectedEngine()
	if err != nil {
		return err
	}
	workDir, err := resolveWorkingDir(chatDir)
	if err != nil {
		return err
	}

	isOnceMode := oncePrompt != ""
	if !isOnceMode || debug {
		fmt.Printf("🚀 Engine: %s (%s)\n", ec.Name, ec.Kind)
		fmt.Printf("   Directory: %s\n", workDir)
	}

	st, err := store.Open()
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer st.Close()
	prefs, err := store.OpenDefaultPrefs()
	if err != nil {
		logging.CLI().Warn("Preferences unavailable", "error", err)
	}

	dialer, err := buildDialer(workDir)
	if err != nil {
		return err
	}

	renderer := newTermRenderer(os.Stdout, autoApprove)
	m := manager.New(manager.Config{
		Dial:     dialer.Dial,
		Store:    st,
		Prefs:    prefs,
		Renderer: renderer,
	})
	defer m.Close()
	renderer.respond = m.RespondPermission

	projectID := projectIDFor(workDir)
	if resumeLast {
		if err := m.LoadProject(projectID); err != nil {
			logging.CLI().Warn("Failed to load project sessions", "error", err)
		}
	}
	if m.ForegroundID() == "" {
		if _, err := m.CreateSession(projectID, workDir, ec.Kind, chatModel); err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
	}

	// Handle signals for graceful shutdown
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		if !isOnceMode {
			fmt.Println("\n\n👋 Shutting down...")
		}
		close(done)
	}()

	if isOnceMode {
		return runOnce(m, renderer, done, oncePrompt)
	}
	return runInteractiveLoop(m, renderer, st, done, workDir, ec.Kind)
}

// runOnce sends a single prompt and exits after the turn completes.
func runOnce(m *manager.Manager, renderer *termRenderer, done chan struct{}, prompt string) error {
	if err := m.SendMessage(prompt); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	renderer.waitTurn(done)
	m.Flush()
	return nil
}

// slashCommands defines the available slash commands with their descriptions.
var slashCommands = []struct {
	name        string
	description string
}{
	{"/help", "Show available commands"},
	{"/quit", "Exit the chat"},
	{"/exit", "Exit the chat (alias)"},
	{"/cancel", "Interrupt the current turn"},
	{"/new", "Start another session: /new [engine-kind]"},
	{"/sessions", "List sessions"},
	{"/switch", "Bring a session to the foreground: /switch <n|id>"},
	{"/delete", "Delete a session: /delete <n|id>"},
	{"/models", "List models reported by the foreground engine"},
	{"/export", "Export the transcript: /export <file.md|file.html>"},
	{"/approve", "Answer a permission request: /approve <number>"},
	{"/deny", "Reject a permission request"},
}

func runInteractiveLoop(m *manager.Manager, renderer *termRenderer, st store.SessionStore, done chan struct{}, workDir string, kind engine.Kind) error {
	rl := readline.NewShell()
	rl.Prompt.Primary(func() string { return "verso> " })

	history := readline.NewInMemoryHistory()
	rl.History.Add("default", history)

	rl.Completer = func(line []rune, cursor int) readline.Completions {
		return completeInput(string(line), cursor)
	}

	fmt.Println("\n📝 Type your message and press Enter. Use /help for commands. Tab completes commands.")

	loop := &chatLoop{m: m, renderer: renderer, st: st, workDir: workDir, kind: kind}

	for {
		select {
		case <-done:
			m.Flush()
			return nil
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if err == io.EOF || err == readline.ErrInterrupt {
				fmt.Println("\n👋 Goodbye!")
				m.Flush()
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := loop.handleCommand(line); quit {
				m.Flush()
				return nil
			}
			continue
		}

		if err := m.SendMessage(line); err != nil {
			fmt.Printf("\n❌ Error: %v\n", err)
		}
	}
}

// chatLoop carries the state the slash command handlers need.
type chatLoop struct {
	m        *manager.Manager
	renderer *termRenderer
	st       store.SessionStore
	workDir  string
	kind     engine.Kind

	// listed remembers the last /sessions output so /switch and
	// /delete accept positional numbers.
	listed []manager.SessionInfo
}

// handleCommand executes a slash command. It returns true when the
// chat should exit.
func (l *chatLoop) handleCommand(line string) bool {
	parts := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(parts) == 0 {
		return false
	}

	switch strings.ToLower(parts[0]) {
	case "quit", "exit", "q":
		fmt.Println("👋 Goodbye!")
		return true
	case "cancel":
		l.m.Interrupt()
		fmt.Println("🛑 Interrupt requested")
	case "help", "h", "?":
		printHelp()
	case "new":
		l.newSession(parts[1:])
	case "sessions":
		l.listSessions()
	case "switch":
		l.switchSession(parts[1:])
	case "delete":
		l.deleteSession(parts[1:])
	case "models":
		l.listModels()
	case "export":
		l.export(parts[1:])
	case "approve":
		l.approve(parts[1:])
	case "deny":
		if err := l.renderer.answerPermission(0); err != nil {
			fmt.Printf("❌ %v\n", err)
		}
	default:
		fmt.Printf("❓ Unknown command: %s (use /help for available commands)\n", parts[0])
	}
	return false
}

func (l *chatLoop) newSession(args []string) {
	kind := l.kind
	if len(args) > 0 {
		k, err := engine.ParseKind(args[0])
		if err != nil {
			fmt.Printf("❌ %v\n", err)
			return
		}
		kind = k
	}
	id, err := l.m.CreateSession(projectIDFor(l.workDir), l.workDir, kind, chatModel)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		return
	}
	fmt.Printf("✨ New session %s (%s)\n", shortID(id), kind)
}

func (l *chatLoop) listSessions() {
	l.listed = l.m.Sessions()
	if len(l.listed) == 0 {
		fmt.Println("No sessions.")
		return
	}
	for i, info := range l.listed {
		marker := " "
		if info.Foreground {
			marker = "*"
		}
		status := info.Phase
		if info.Processing {
			status += ", working"
		}
		if info.NeedsAttention {
			status += ", needs attention"
		}
		title := info.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf(" %s %d. %-40s %s [%s]\n", marker, i+1, title, shortID(info.ID), status)
	}
}

// resolveListed turns a positional number or id prefix into a session id.
func (l *chatLoop) resolveListed(arg string) (string, error) {
	if l.listed == nil {
		l.listed = l.m.Sessions()
	}
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(l.listed) {
			return "", fmt.Errorf("session %d out of range (1-%d)", n, len(l.listed))
		}
		return l.listed[n-1].ID, nil
	}
	for _, info := range l.listed {
		if info.ID == arg || strings.HasPrefix(info.ID, arg) {
			return info.ID, nil
		}
	}
	return "", fmt.Errorf("no session matching %q", arg)
}

func (l *chatLoop) switchSession(args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: /switch <n|id>")
		return
	}
	id, err := l.resolveListed(args[0])
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		return
	}
	if err := l.m.SwitchSession(id); err != nil {
		fmt.Printf("❌ %v\n", err)
		return
	}
	fmt.Printf("↔️  Switched to %s\n", shortID(id))
}

func (l *chatLoop) deleteSession(args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: /delete <n|id>")
		return
	}
	id, err := l.resolveListed(args[0])
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		return
	}
	if err := l.m.DeleteSession(id); err != nil {
		fmt.Printf("❌ %v\n", err)
		return
	}
	l.listed = nil
	fmt.Printf("🗑  Deleted %s\n", shortID(id))
}

func (l *chatLoop) listModels() {
	models := l.m.ForegroundModels()
	if len(models) == 0 {
		fmt.Println("The engine did not report any models.")
		return
	}
	for _, model := range models {
		fmt.Printf("  - %s\n", model)
	}
}

func (l *chatLoop) export(args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: /export <file.md|file.html>")
		return
	}
	id := l.m.ForegroundID()
	if id == "" {
		fmt.Println("❌ No foreground session")
		return
	}
	l.m.Flush()
	if err := exportSession(l.st, id, args[0]); err != nil {
		fmt.Printf("❌ %v\n", err)
		return
	}
	fmt.Printf("📄 Exported to %s\n", args[0])
}

func (l *chatLoop) approve(args []string) {
	n := 1
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Printf("❌ invalid option number %q\n", args[0])
			return
		}
		n = v
	}
	if err := l.renderer.answerPermission(n); err != nil {
		fmt.Printf("❌ %v\n", err)
	}
}

// exportSession writes a session transcript to path, choosing the
// format from the file extension.
func exportSession(st store.SessionStore, sessionID, path string) error {
	rec, err := st.Load(sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	var out string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		out, err = conversion.ExportHTML(rec)
		if err != nil {
			return err
		}
	default:
		out = conversion.ExportMarkdown(rec)
	}
	return os.WriteFile(path, []byte(out), 0o644)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printHelp() {
	fmt.Println(`
Available commands:
  /quit, /exit      - Exit the chat
  /cancel           - Interrupt the current turn
  /new [kind]       - Start another session (acp, stream-json, threads)
  /sessions         - List sessions
  /switch <n|id>    - Bring a session to the foreground
  /delete <n|id>    - Delete a session
  /models           - List models reported by the foreground engine
  /export <file>    - Export the transcript (markdown or HTML by extension)
  /approve <n>      - Answer a pending permission request
  /deny             - Reject a pending permission request
  /help             - Show this help message

Tips:
  - Messages sent while the agent is busy are queued and delivered in order
  - Backgrounded sessions keep working; /sessions shows which need attention
  - Use up/down arrows for history and Tab to complete slash commands`)
}

// completeInput provides tab completion for the chat input.
// It completes slash commands when the input starts with "/".
func completeInput(line string, cursor int) readline.Completions {
	// Get the text up to the cursor position
	if cursor > len(line) {
		cursor = len(line)
	}
	text := line[:cursor]

	// Only complete if the line starts with "/"
	if !strings.HasPrefix(text, "/") {
		return readline.Completions{}
	}

	// Find matching commands
	var matches []string
	var descriptions []string
	for _, cmd := range slashCommands {
		if strings.HasPrefix(cmd.name, text) {
			matches = append(matches, cmd.name)
			descriptions = append(descriptions, cmd.description)
		}
	}

	if len(matches) == 0 {
		return readline.Completions{}
	}

	// Build value-description pairs for CompleteValuesDescribed
	pairs := make([]string, 0, len(matches)*2)
	for i, match := range matches {
		pairs = append(pairs, match, descriptions[i])
	}

	return readline.CompleteValuesDescribed(pairs...).
		Tag("commands").
		NoSpace('/') // Don't add space after completing partial command
}
