package channels

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/neoclaw-ai/llmbot/internal/runtime"
)

func TestTelegramListener_PrivateMessageDispatched(t *testing.T) {
	listener := newTestTelegram()
	handler := &telegramTestHandler{done: make(chan *runtime.Message, 2)}
	dispatcher, stop := startTestDispatcher(t, handler)
	defer stop()

	listener.handleInboundMessage(context.Background(), dispatcher, privateMessage(7, 10, 111, "  hello  "))

	msg := handler.wait(t)
	if msg.ConversationID != "10" || msg.MessageID != "7" || msg.UserID != "111" {
		t.Fatalf("unexpected message identity: %+v", msg)
	}
	if msg.Text != "hello" {
		t.Fatalf("expected trimmed text, got %q", msg.Text)
	}
}

func TestTelegramListener_GroupRequiresMentionOrReply(t *testing.T) {
	listener := newTestTelegram()
	handler := &telegramTestHandler{done: make(chan *runtime.Message, 4)}
	dispatcher, stop := startTestDispatcher(t, handler)
	defer stop()

	listener.handleInboundMessage(context.Background(), dispatcher, groupMessage(1, -5, 111, "just chatting"))
	handler.expectNone(t)

	listener.handleInboundMessage(context.Background(), dispatcher, groupMessage(2, -5, 111, "@LLMBot what's up?"))
	if msg := handler.wait(t); msg.Text != "what's up?" {
		t.Fatalf("expected mention to be stripped, got %q", msg.Text)
	}

	reply := groupMessage(3, -5, 111, "and tomorrow?")
	reply.ReplyToMessage = &models.Message{ID: 2, From: &models.User{ID: 99, IsBot: true}}
	listener.handleInboundMessage(context.Background(), dispatcher, reply)
	if msg := handler.wait(t); msg.Text != "and tomorrow?" {
		t.Fatalf("expected reply-to-bot message, got %q", msg.Text)
	}
}

func TestTelegramListener_DuplicateMessageSkipped(t *testing.T) {
	listener := newTestTelegram()
	handler := &telegramTestHandler{done: make(chan *runtime.Message, 4)}
	dispatcher, stop := startTestDispatcher(t, handler)
	defer stop()

	listener.handleInboundMessage(context.Background(), dispatcher, privateMessage(7, 10, 111, "hello"))
	handler.wait(t)
	listener.handleInboundMessage(context.Background(), dispatcher, privateMessage(7, 10, 111, "hello"))
	handler.expectNone(t)
}

func TestTelegramListener_IgnoresBots(t *testing.T) {
	listener := newTestTelegram()
	handler := &telegramTestHandler{done: make(chan *runtime.Message, 2)}
	dispatcher, stop := startTestDispatcher(t, handler)
	defer stop()

	msg := privateMessage(1, 10, 222, "beep")
	msg.From.IsBot = true
	listener.handleInboundMessage(context.Background(), dispatcher, msg)
	handler.expectNone(t)
}

func TestTelegramConversationPrompt_ReceivesNextMessage(t *testing.T) {
	listener := newTestTelegram()
	api := newMockTelegramAPI()
	listener.sendMessage = api.sendMessage

	replies := make(chan string, 1)
	handler := runtime.HandlerFunc(func(ctx context.Context, conv runtime.Conversation, _ *runtime.Message) error {
		reply, ok, err := conv.Prompt(ctx, "Which city?", time.Second)
		if err != nil || !ok {
			replies <- "failed"
			return err
		}
		replies <- reply
		return nil
	})
	dispatcher, stop := startTestDispatcher(t, handler)
	defer stop()

	listener.handleInboundMessage(context.Background(), dispatcher, privateMessage(1, 10, 111, "weather"))
	if sent := api.waitForSend(t); sent.Text != "Which city?" {
		t.Fatalf("unexpected prompt text %q", sent.Text)
	}

	listener.handleInboundMessage(context.Background(), dispatcher, privateMessage(2, 10, 111, " Berlin "))
	select {
	case got := <-replies:
		if got != "Berlin" {
			t.Fatalf("expected Berlin, got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for prompt reply")
	}
}

func TestTelegramConversationPrompt_Timeout(t *testing.T) {
	listener := newTestTelegram()
	api := newMockTelegramAPI()
	listener.sendMessage = api.sendMessage
	conv := &telegramConversation{listener: listener, chatID: 10, userID: "111"}

	reply, ok, err := conv.Prompt(context.Background(), "Which city?", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if ok || reply != "" {
		t.Fatalf("expected timeout, got reply=%q ok=%v", reply, ok)
	}
	if listener.deliverReply(waiterKey(10, "111"), "late") {
		t.Fatal("expected waiter to be removed after timeout")
	}
}

func TestTelegramConversationPrompt_RejectsSecondPendingPrompt(t *testing.T) {
	listener := newTestTelegram()
	if _, err := listener.addWaiter(waiterKey(10, "111")); err != nil {
		t.Fatalf("add waiter: %v", err)
	}
	conv := &telegramConversation{listener: listener, chatID: 10, userID: "111"}
	if _, _, err := conv.Prompt(context.Background(), "again?", time.Second); err != ErrPromptPending {
		t.Fatalf("expected ErrPromptPending, got %v", err)
	}
}

func TestTelegramConversationWriteMessage_UsesHTMLParseMode(t *testing.T) {
	listener := newTestTelegram()
	api := newMockTelegramAPI()
	listener.sendMessage = api.sendMessage

	conv := &telegramConversation{listener: listener, chatID: 42}
	if err := conv.WriteMessage(context.Background(), "**ok**"); err != nil {
		t.Fatalf("write message: %v", err)
	}
	sent := api.waitForSend(t)
	if sent.ParseMode != models.ParseModeHTML {
		t.Fatalf("expected ParseModeHTML, got %q", sent.ParseMode)
	}
	if sent.Text != "<b>ok</b>" || chatIDFromAny(sent.ChatID) != 42 {
		t.Fatalf("unexpected send: %+v", sent)
	}
}

func TestTelegramConversationWriteMessage_FormatterFailureFallsBackToPlain(t *testing.T) {
	original := telegramMarkdown
	telegramMarkdown = nil
	defer func() {
		telegramMarkdown = original
	}()

	listener := newTestTelegram()
	api := newMockTelegramAPI()
	listener.sendMessage = api.sendMessage

	conv := &telegramConversation{listener: listener, chatID: 42}
	if err := conv.WriteMessage(context.Background(), "**ok**"); err != nil {
		t.Fatalf("write message: %v", err)
	}
	sent := api.waitForSend(t)
	if sent.ParseMode != "" || sent.Text != "**ok**" {
		t.Fatalf("expected plain fallback, got parse_mode=%q text=%q", sent.ParseMode, sent.Text)
	}
}

func TestTelegramTypingHandler_SendsTypingForNonSlash(t *testing.T) {
	for _, tc := range []struct {
		text   string
		typing bool
	}{
		{text: "hello", typing: true},
		{text: "/help", typing: false},
	} {
		t.Run(tc.text, func(t *testing.T) {
			listener := newTestTelegram()
			actions := make(chan int64, 4)
			listener.sendChatAction = func(_ context.Context, params *bot.SendChatActionParams) (bool, error) {
				actions <- chatIDFromAny(params.ChatID)
				return true, nil
			}

			release := make(chan struct{})
			h := &telegramTypingHandler{listener: listener, handler: runtime.HandlerFunc(func(context.Context, runtime.Conversation, *runtime.Message) error {
				<-release
				return nil
			})}
			conv := &telegramConversation{listener: listener, chatID: 10}
			done := make(chan struct{})
			go func() {
				_ = h.HandleMessage(context.Background(), conv, &runtime.Message{Text: tc.text})
				close(done)
			}()

			select {
			case id := <-actions:
				if !tc.typing {
					t.Fatalf("unexpected typing action for %q", tc.text)
				}
				if id != 10 {
					t.Fatalf("expected chat 10, got %d", id)
				}
			case <-time.After(100 * time.Millisecond):
				if tc.typing {
					t.Fatal("expected typing action")
				}
			}
			close(release)
			<-done
		})
	}
}

func TestRecentIDs_EvictsOldest(t *testing.T) {
	r := newRecentIDs(2)
	if !r.add("a") || !r.add("b") {
		t.Fatal("expected new keys to be accepted")
	}
	if r.add("a") {
		t.Fatal("expected duplicate to be rejected")
	}
	r.add("c")
	if !r.add("a") {
		t.Fatal("expected evicted key to be accepted again")
	}
}

func TestMessagePreview_TruncatesToLimit(t *testing.T) {
	if got := messagePreview("héllo world", 5); got != "héllo" {
		t.Fatalf("unexpected preview %q", got)
	}
}

func newTestTelegram() *TelegramListener {
	listener := NewTelegram("token")
	listener.setIdentity(99, "llmbot")
	listener.sendMessage = func(_ context.Context, params *bot.SendMessageParams) (*models.Message, error) {
		return &models.Message{ID: 1, Chat: models.Chat{ID: chatIDFromAny(params.ChatID)}}, nil
	}
	return listener
}

func privateMessage(id int, chatID, userID int64, text string) *models.Message {
	return &models.Message{
		ID:   id,
		From: &models.User{ID: userID, Username: "alice"},
		Chat: models.Chat{ID: chatID, Type: models.ChatTypePrivate},
		Text: text,
	}
}

func groupMessage(id int, chatID, userID int64, text string) *models.Message {
	return &models.Message{
		ID:   id,
		From: &models.User{ID: userID, Username: "alice"},
		Chat: models.Chat{ID: chatID, Type: models.ChatTypeGroup},
		Text: text,
	}
}

type telegramTestHandler struct {
	done chan *runtime.Message
}

func (h *telegramTestHandler) HandleMessage(ctx context.Context, conv runtime.Conversation, msg *runtime.Message) error {
	select {
	case h.done <- msg:
	default:
	}
	return conv.WriteMessage(ctx, "ok")
}

func (h *telegramTestHandler) wait(t *testing.T) *runtime.Message {
	t.Helper()
	select {
	case msg := <-h.done:
		return msg
	case <-time.After(300 * time.Millisecond):
		t.Fatal("expected message to be dispatched")
		return nil
	}
}

func (h *telegramTestHandler) expectNone(t *testing.T) {
	t.Helper()
	select {
	case msg := <-h.done:
		t.Fatalf("expected no handler call, got %#v", msg)
	case <-time.After(80 * time.Millisecond):
	}
}

func startTestDispatcher(t *testing.T, handler runtime.Handler) (*runtime.Dispatcher, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := runtime.NewDispatcher(handler, defaultDispatchQueue)
	if err := dispatcher.Start(ctx); err != nil {
		cancel()
		t.Fatalf("start dispatcher: %v", err)
	}
	return dispatcher, func() {
		cancel()
		dispatcher.Wait()
	}
}

type mockTelegramAPI struct {
	mu         sync.Mutex
	sendCalls  []*bot.SendMessageParams
	sendSignal chan struct{}
}

func newMockTelegramAPI() *mockTelegramAPI {
	return &mockTelegramAPI{sendSignal: make(chan struct{}, 10)}
}

func (m *mockTelegramAPI) sendMessage(_ context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	m.mu.Lock()
	m.sendCalls = append(m.sendCalls, params)
	m.mu.Unlock()
	select {
	case m.sendSignal <- struct{}{}:
	default:
	}
	return &models.Message{ID: 1, Chat: models.Chat{ID: chatIDFromAny(params.ChatID)}}, nil
}

func (m *mockTelegramAPI) waitForSend(t *testing.T) *bot.SendMessageParams {
	t.Helper()
	select {
	case <-m.sendSignal:
	case <-time.After(300 * time.Millisecond):
		t.Fatal("timed out waiting for send message call")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sendCalls[len(m.sendCalls)-1]
}

func chatIDFromAny(chatID any) int64 {
	switch v := chatID.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

func TestTelegramListenRequiresToken(t *testing.T) {
	err := NewTelegram(" ").Listen(context.Background(), runtime.HandlerFunc(func(context.Context, runtime.Conversation, *runtime.Message) error { return nil }))
	if err == nil || !strings.Contains(err.Error(), "token") {
		t.Fatalf("expected token error, got %v", err)
	}
}
