// Package channels provides runtime.Listener implementations for each
// supported input channel (console and Telegram).
package channels

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/shlex"
	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/qbot-ai/qbot/internal/runtime"
)

const (
	defaultReplPrompt    = "you> "
	defaultDispatchQueue = 20
	// Allow queued input to finish when stdin closes before shutting down the dispatcher.
	dispatchDrainTimeout = 5 * time.Second

	// Fixed member IDs for the single console conversation.
	consoleBotID  = "qbot"
	consoleUserID = "console-user"
)

var _ runtime.Listener = (*ConsoleListener)(nil)

// ConsoleWriter writes bot responses to terminal output.
type ConsoleWriter struct {
	out io.Writer
}

// WriteMessage writes one bot message line.
func (w *ConsoleWriter) WriteMessage(_ context.Context, text string) error {
	_, err := fmt.Fprintf(w.out, "bot> %s\n\n", text)
	return err
}

// ConsoleListener runs an interactive terminal conversation and dispatches
// each input line as an activity.
type ConsoleListener struct {
	in  io.Reader
	out io.Writer

	botName  string
	userName string

	rl       *readline.Instance
	fallback *bufio.Reader
}

// NewConsole creates a console listener over stdin/stdout style streams.
// botName is the bot's display name; userName may be empty, in which case
// the OS account name is used.
func NewConsole(in io.Reader, out io.Writer, botName, userName string) *ConsoleListener {
	return &ConsoleListener{in: in, out: out, botName: botName, userName: userName}
}

// Listen runs the interactive loop until EOF, /quit, /exit, or fatal handler error.
//
// A conversation update for the bot and the local user is dispatched before
// the first prompt, mirroring what chat services send when a conversation
// opens, so the session starts with the bot's welcome message.
func (c *ConsoleListener) Listen(ctx context.Context, handler runtime.Handler) error {
	if handler == nil {
		return fmt.Errorf("handler is required")
	}
	if err := c.ensureInputReady(); err != nil {
		return err
	}
	if c.rl != nil {
		defer c.rl.Close()
	}

	if _, err := fmt.Fprintln(c.out, "Interactive mode. Type /quit or /exit to stop."); err != nil {
		return err
	}

	writer := &ConsoleWriter{out: c.out}
	dispatchCtx, cancelDispatch := context.WithCancel(ctx)

	dispatcher := runtime.NewDispatcher(handler, defaultDispatchQueue)
	if err := dispatcher.Start(dispatchCtx); err != nil {
		cancelDispatch()
		return err
	}
	defer func() {
		cancelDispatch()
		dispatcher.Wait()
	}()

	opening := runtime.NewConversationUpdate(c.botMember(), c.botMember(), c.sessionUser())
	if err := dispatcher.Enqueue(ctx, opening, writer); err != nil {
		return err
	}

	inputCh := make(chan inputEvent)
	go c.readInputLoop(ctx, inputCh)

	for {
		select {
		case <-ctx.Done():
			dispatcher.Stop()
			return nil
		case event, ok := <-inputCh:
			if !ok {
				c.drainDispatcher(dispatcher)
				return nil
			}
			if event.err != nil {
				if errors.Is(event.err, io.EOF) {
					c.drainDispatcher(dispatcher)
					return nil
				}
				if errors.Is(event.err, context.Canceled) {
					dispatcher.Stop()
					return nil
				}
				return event.err
			}

			line := strings.TrimSpace(event.line)
			if line == "" {
				continue
			}

			switch strings.ToLower(line) {
			case "/quit", "/exit":
				dispatcher.Stop()
				if err := writer.WriteMessage(ctx, "Stopped."); err != nil {
					return err
				}
				return nil
			}

			activity, err := c.activityForLine(line)
			if err != nil {
				if _, printErr := fmt.Fprintf(c.out, "%s\n\n", err); printErr != nil {
					return printErr
				}
				continue
			}

			if err := dispatcher.Enqueue(ctx, activity, writer); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
		}
	}
}

// activityForLine maps one trimmed input line to the activity it stands for.
// Slash commands simulate channel events; anything else is a message.
func (c *ConsoleListener) activityForLine(line string) (*runtime.Activity, error) {
	if !strings.HasPrefix(line, "/") {
		activity := runtime.NewMessageActivity(line)
		activity.Recipient = c.botMember()
		return activity, nil
	}

	args, err := shlex.Split(line)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %v", line, err)
	}
	if len(args) == 0 {
		return nil, errors.New("empty command")
	}

	switch strings.ToLower(args[0]) {
	case "/join":
		if len(args) < 2 {
			return nil, errors.New("usage: /join <display name>")
		}
		name := strings.Join(args[1:], " ")
		member := runtime.Member{ID: uuid.NewString(), Name: name}
		return runtime.NewConversationUpdate(c.botMember(), member), nil
	case "/event":
		if len(args) != 2 {
			return nil, errors.New("usage: /event <kind>")
		}
		return runtime.NewEventActivity(args[1]), nil
	default:
		// Unknown slash input is passed through as a normal question.
		activity := runtime.NewMessageActivity(line)
		activity.Recipient = c.botMember()
		return activity, nil
	}
}

func (c *ConsoleListener) botMember() runtime.Member {
	return runtime.Member{ID: consoleBotID, Name: c.botName}
}

func (c *ConsoleListener) sessionUser() runtime.Member {
	name := strings.TrimSpace(c.userName)
	if name == "" {
		if current, err := user.Current(); err == nil {
			name = strings.TrimSpace(current.Username)
		}
	}
	if name == "" {
		name = "User"
	}
	return runtime.Member{ID: consoleUserID, Name: name}
}

func (c *ConsoleListener) drainDispatcher(dispatcher *runtime.Dispatcher) {
	drainCtx, cancel := context.WithTimeout(context.Background(), dispatchDrainTimeout)
	defer cancel()
	if err := dispatcher.WaitUntilIdle(drainCtx); err != nil {
		dispatcher.Stop()
	}
}

func (c *ConsoleListener) ensureInputReady() error {
	if c.rl != nil || c.fallback != nil {
		return nil
	}

	rl, err := newReadline(c.in, c.out)
	if err == nil {
		c.rl = rl
		return nil
	}

	c.fallback = bufio.NewReader(c.in)
	return nil
}

func (c *ConsoleListener) readLine(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if c.rl != nil {
		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return "", io.EOF
			}
			return "", err
		}
		return line, nil
	}

	if _, err := fmt.Fprint(c.out, defaultReplPrompt); err != nil {
		return "", err
	}
	line, err := c.fallback.ReadString('\n')
	if err != nil {
		if len(line) > 0 {
			return line, nil
		}
		return "", err
	}
	return line, nil
}

func (c *ConsoleListener) readInputLoop(ctx context.Context, out chan<- inputEvent) {
	defer close(out)
	for {
		line, err := c.readLine(ctx)
		select {
		case out <- inputEvent{line: line, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

type inputEvent struct {
	line string
	err  error
}

func newReadline(in io.Reader, out io.Writer) (*readline.Instance, error) {
	stdin, ok := in.(io.ReadCloser)
	if !ok {
		return nil, fmt.Errorf("stdin is not read-closer")
	}
	inFile, ok := in.(*os.File)
	if !ok || !term.IsTerminal(int(inFile.Fd())) {
		return nil, fmt.Errorf("stdin is not terminal")
	}
	outFile, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(outFile.Fd())) {
		return nil, fmt.Errorf("stdout is not terminal")
	}

	return readline.NewEx(&readline.Config{
		Prompt:          defaultReplPrompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".qbot_history"),
		HistoryLimit:    200,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdin:           stdin,
		Stdout:          out,
		Stderr:          out,
	})
}
