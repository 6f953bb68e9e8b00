// Package channels provides runtime.Listener implementations for each
// supported input channel: Telegram and the interactive terminal.
package channels

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"golang.org/x/term"

	"github.com/neoclaw-ai/llmbot/internal/runtime"
)

const (
	defaultReplPrompt    = "you> "
	defaultDispatchQueue = 20
	cliConversationID    = "cli"
	// Allow queued input to finish when stdin closes before shutting down the dispatcher.
	dispatchDrainTimeout = 5 * time.Second
)

var _ runtime.Listener = (*CLIListener)(nil)

// CLIWriter writes assistant responses to terminal output.
type CLIWriter struct {
	mu  sync.Mutex
	out io.Writer
}

// WriteMessage writes one assistant message line.
func (w *CLIWriter) WriteMessage(_ context.Context, text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := fmt.Fprintf(w.out, "assistant> %s\n\n", text)
	return err
}

// CLIListener listens for interactive terminal input and dispatches messages.
type CLIListener struct {
	in     io.Reader
	out    io.Writer
	writer *CLIWriter

	rl       *readline.Instance
	fallback *bufio.Reader

	stateMu      sync.Mutex
	promptReq    chan promptInputRequest
	listenDoneCh chan struct{}
}

// NewCLI creates a new CLI listener over stdin/stdout style streams.
func NewCLI(in io.Reader, out io.Writer) *CLIListener {
	return &CLIListener{in: in, out: out, writer: &CLIWriter{out: out}}
}

// Conversation returns the terminal conversation, for one-shot use outside
// Listen.
func (c *CLIListener) Conversation() runtime.Conversation {
	return &cliConversation{listener: c}
}

// Listen runs the interactive loop until EOF, /quit, /exit, or fatal handler error.
func (c *CLIListener) Listen(ctx context.Context, handler runtime.Handler) error {
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

	reqCh, doneCh := c.setupPromptChannels()
	defer c.teardownPromptChannels(reqCh, doneCh)

	inputCh := make(chan inputEvent)
	go c.readInputLoop(ctx, inputCh)

	conv := c.Conversation()
	var pending *promptInputRequest
	for {
		select {
		case <-ctx.Done():
			dispatcher.Stop()
			return nil
		case req := <-reqCh:
			if pending != nil && !pending.abandoned() {
				req.response <- promptInputResponse{err: ErrPromptPending}
				continue
			}
			pending = &req
			if _, err := fmt.Fprintf(c.out, "assistant> %s\n", req.prompt); err != nil {
				pending.response <- promptInputResponse{err: err}
				pending = nil
			}
		case event, ok := <-inputCh:
			if !ok {
				c.drainDispatcher(dispatcher)
				return nil
			}
			if event.err != nil {
				if pending != nil {
					pending.response <- promptInputResponse{err: event.err}
					pending = nil
				}
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
			if pending != nil {
				live := !pending.abandoned()
				if live {
					pending.response <- promptInputResponse{line: line}
				}
				pending = nil
				if live {
					continue
				}
			}
			if line == "" {
				continue
			}

			switch strings.ToLower(line) {
			case "/stop", "stop":
				dispatcher.Stop()
				c.writer.WriteMessage(ctx, "Stopped.")
				continue
			case "/quit", "quit", "/exit", "exit":
				dispatcher.Stop()
				c.writer.WriteMessage(ctx, "Stopped.")
				return nil
			}

			msg := &runtime.Message{ConversationID: cliConversationID, UserID: "local", Text: line}
			if err := dispatcher.Enqueue(ctx, msg, conv); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
		}
	}
}

func (c *CLIListener) drainDispatcher(dispatcher *runtime.Dispatcher) {
	drainCtx, cancel := context.WithTimeout(context.Background(), dispatchDrainTimeout)
	defer cancel()
	if err := dispatcher.WaitUntilIdle(drainCtx); err != nil {
		dispatcher.Stop()
	}
}

// cliConversation writes to the terminal and reads prompt replies from the
// same input the listener reads.
type cliConversation struct {
	listener *CLIListener
}

func (v *cliConversation) WriteMessage(ctx context.Context, text string) error {
	return v.listener.writer.WriteMessage(ctx, text)
}

func (v *cliConversation) Prompt(ctx context.Context, text string, timeout time.Duration) (string, bool, error) {
	return v.listener.prompt(ctx, text, timeout)
}

func (c *CLIListener) prompt(ctx context.Context, text string, timeout time.Duration) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if err := c.ensureInputReady(); err != nil {
		return "", false, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	reqCh, doneCh := c.promptChannels()
	if reqCh == nil || doneCh == nil {
		return c.promptDirect(ctx, text, timer.C)
	}

	pending := promptInputRequest{
		prompt:   text,
		response: make(chan promptInputResponse, 1),
		done:     make(chan struct{}),
	}
	defer close(pending.done)

	select {
	case reqCh <- pending:
	case <-doneCh:
		return "", false, errors.New("prompt unavailable: listener stopped")
	case <-ctx.Done():
		return "", false, ctx.Err()
	}

	select {
	case resp := <-pending.response:
		if resp.err != nil {
			return "", false, resp.err
		}
		return resp.line, true, nil
	case <-timer.C:
		return "", false, nil
	case <-doneCh:
		return "", false, errors.New("prompt unavailable: listener stopped")
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

func (c *CLIListener) promptDirect(ctx context.Context, text string, expired <-chan time.Time) (string, bool, error) {
	result := make(chan promptInputResponse, 1)
	go func() {
		var (
			line string
			err  error
		)
		if c.rl != nil {
			line, err = c.readPromptLineReadline(text + " ")
		} else {
			if _, err = fmt.Fprintf(c.out, "assistant> %s\n%s", text, defaultReplPrompt); err == nil {
				line, err = c.fallback.ReadString('\n')
				if err != nil && len(line) > 0 {
					err = nil
				}
			}
		}
		result <- promptInputResponse{line: strings.TrimSpace(line), err: err}
	}()

	select {
	case resp := <-result:
		if resp.err != nil {
			if errors.Is(resp.err, io.EOF) {
				return "", false, nil
			}
			return "", false, resp.err
		}
		return resp.line, true, nil
	case <-expired:
		return "", false, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

func (c *CLIListener) ensureInputReady() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
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

func (c *CLIListener) readLine(ctx context.Context) (string, error) {
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

func (c *CLIListener) readPromptLineReadline(prompt string) (string, error) {
	c.rl.SetPrompt(prompt)
	c.rl.Refresh()
	defer func() {
		c.rl.SetPrompt(defaultReplPrompt)
		c.rl.Refresh()
	}()

	return c.rl.Readline()
}

func (c *CLIListener) readInputLoop(ctx context.Context, out chan<- inputEvent) {
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

func (c *CLIListener) setupPromptChannels() (chan promptInputRequest, chan struct{}) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	reqCh := make(chan promptInputRequest)
	doneCh := make(chan struct{})
	c.promptReq = reqCh
	c.listenDoneCh = doneCh
	return reqCh, doneCh
}

func (c *CLIListener) teardownPromptChannels(reqCh chan promptInputRequest, doneCh chan struct{}) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.promptReq == reqCh {
		c.promptReq = nil
	}
	if c.listenDoneCh == doneCh {
		close(doneCh)
		c.listenDoneCh = nil
	}
}

func (c *CLIListener) promptChannels() (chan promptInputRequest, chan struct{}) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.promptReq, c.listenDoneCh
}

type promptInputRequest struct {
	prompt   string
	response chan promptInputResponse
	// done is closed once the asker stopped waiting.
	done chan struct{}
}

func (r *promptInputRequest) abandoned() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

type promptInputResponse struct {
	line string
	err  error
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
		HistoryFile:     filepath.Join(os.TempDir(), ".llmbot_history"),
		HistoryLimit:    200,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdin:           stdin,
		Stdout:          out,
		Stderr:          out,
	})
}
