package channels

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/neoclaw-ai/llmbot/internal/logging"
	"github.com/neoclaw-ai/llmbot/internal/runtime"
)

const recentMessageCapacity = 16

// ErrPromptPending is returned when a second question is asked of a user
// who has not answered the first one yet.
var ErrPromptPending = errors.New("another question is already pending")

type telegramSendMessageFunc func(context.Context, *bot.SendMessageParams) (*models.Message, error)
type telegramSendChatActionFunc func(context.Context, *bot.SendChatActionParams) (bool, error)

// TelegramListener receives Telegram updates and dispatches messages
// addressed to the bot. Private chats are always addressed; in groups the
// bot must be mentioned or replied to.
type TelegramListener struct {
	token string

	botID       int64
	botUsername string

	sendMessage    telegramSendMessageFunc
	sendChatAction telegramSendChatActionFunc

	mu      sync.Mutex
	waiters map[string]chan string
	recent  *recentIDs
}

var _ runtime.Listener = (*TelegramListener)(nil)

// NewTelegram creates a Telegram listener over one bot token.
func NewTelegram(token string) *TelegramListener {
	return &TelegramListener{
		token:   token,
		waiters: make(map[string]chan string),
		recent:  newRecentIDs(recentMessageCapacity),
	}
}

// Listen starts long-polling Telegram and dispatches addressed messages
// until ctx is done.
func (t *TelegramListener) Listen(ctx context.Context, handler runtime.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	if strings.TrimSpace(t.token) == "" {
		return errors.New("telegram token is required")
	}

	dispatchCtx, cancelDispatch := context.WithCancel(ctx)
	dispatcher := runtime.NewDispatcher(&telegramTypingHandler{listener: t, handler: handler}, defaultDispatchQueue)
	defaultHandler := func(updateCtx context.Context, _ *bot.Bot, update *models.Update) {
		if update == nil || update.Message == nil || update.Message.From == nil {
			return
		}
		t.handleInboundMessage(updateCtx, dispatcher, update.Message)
	}

	b, err := bot.New(strings.TrimSpace(t.token), bot.WithDefaultHandler(defaultHandler))
	if err != nil {
		cancelDispatch()
		return fmt.Errorf("create telegram bot: %w", err)
	}

	me, err := b.GetMe(ctx)
	if err != nil {
		cancelDispatch()
		return fmt.Errorf("fetch telegram bot profile: %w", err)
	}
	t.setIdentity(me.ID, me.Username)
	logging.Logger().Info(fmt.Sprintf("Connected to Telegram Bot @%s", strings.TrimSpace(me.Username)))

	t.sendMessage = b.SendMessage
	t.sendChatAction = b.SendChatAction

	if err := dispatcher.Start(dispatchCtx); err != nil {
		cancelDispatch()
		return err
	}
	defer func() {
		cancelDispatch()
		dispatcher.Wait()
	}()

	go b.Start(ctx)
	<-ctx.Done()
	dispatcher.Stop()
	return nil
}

func (t *TelegramListener) setIdentity(id int64, username string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.botID = id
	t.botUsername = strings.TrimPrefix(strings.TrimSpace(username), "@")
}

func (t *TelegramListener) handleInboundMessage(ctx context.Context, dispatcher *runtime.Dispatcher, msg *models.Message) {
	if msg == nil || msg.From == nil || msg.From.IsBot {
		return
	}
	if !t.recent.add(fmt.Sprintf("%d:%d", msg.Chat.ID, msg.ID)) {
		logging.Logger().Debug("telegram duplicate message skipped", "chat_id", msg.Chat.ID, "message_id", msg.ID)
		return
	}

	userID := strconv.FormatInt(msg.From.ID, 10)
	username := strings.TrimSpace(msg.From.Username)
	logging.Logger().Info(
		"telegram inbound message",
		"chat_id", msg.Chat.ID,
		"user_id", userID,
		"username", username,
		"text", messagePreview(msg.Text, 100),
	)

	if t.deliverReply(waiterKey(msg.Chat.ID, userID), msg.Text) {
		return
	}

	text, ok := t.addressedText(msg)
	if !ok {
		return
	}

	conv := &telegramConversation{listener: t, chatID: msg.Chat.ID, userID: userID}
	inbound := &runtime.Message{
		ConversationID: strconv.FormatInt(msg.Chat.ID, 10),
		MessageID:      strconv.Itoa(msg.ID),
		UserID:         userID,
		Username:       username,
		Text:           text,
	}
	if err := dispatcher.Enqueue(ctx, inbound, conv); err != nil {
		logging.Logger().Warn("telegram enqueue failed", "chat_id", msg.Chat.ID, "user_id", userID, "err", err)
	}
}

// addressedText reports whether msg is meant for the bot and returns its
// text with the bot mention removed.
func (t *TelegramListener) addressedText(msg *models.Message) (string, bool) {
	t.mu.Lock()
	botID, botUsername := t.botID, t.botUsername
	t.mu.Unlock()

	text := strings.TrimSpace(msg.Text)
	if msg.Chat.Type == models.ChatTypePrivate {
		return text, true
	}
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil && botID != 0 && msg.ReplyToMessage.From.ID == botID {
		return text, true
	}
	if botUsername == "" {
		return "", false
	}
	mention := "@" + botUsername
	idx := strings.Index(strings.ToLower(text), strings.ToLower(mention))
	if idx < 0 {
		return "", false
	}
	return strings.TrimSpace(text[:idx] + text[idx+len(mention):]), true
}

func (t *TelegramListener) deliverReply(key, text string) bool {
	t.mu.Lock()
	ch, ok := t.waiters[key]
	if ok {
		delete(t.waiters, key)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- strings.TrimSpace(text)
	return true
}

func (t *TelegramListener) addWaiter(key string) (chan string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.waiters[key]; exists {
		return nil, ErrPromptPending
	}
	ch := make(chan string, 1)
	t.waiters[key] = ch
	return ch, nil
}

func (t *TelegramListener) removeWaiter(key string, ch chan string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.waiters[key] == ch {
		delete(t.waiters, key)
	}
}

func waiterKey(chatID int64, userID string) string {
	return strconv.FormatInt(chatID, 10) + ":" + userID
}

// telegramConversation is the reply target of one inbound message.
type telegramConversation struct {
	listener *TelegramListener
	chatID   int64
	userID   string
}

func (c *telegramConversation) WriteMessage(ctx context.Context, text string) error {
	if c == nil || c.listener == nil {
		return errors.New("telegram sender is not configured")
	}
	return c.listener.sendFormatted(ctx, c.chatID, text)
}

// Prompt asks the user a question and waits for their next message in the
// same chat. Messages that answer a prompt are not dispatched as new turns.
func (c *telegramConversation) Prompt(ctx context.Context, text string, timeout time.Duration) (string, bool, error) {
	key := waiterKey(c.chatID, c.userID)
	ch, err := c.listener.addWaiter(key)
	if err != nil {
		return "", false, err
	}
	defer c.listener.removeWaiter(key, ch)

	if err := c.WriteMessage(ctx, text); err != nil {
		return "", false, fmt.Errorf("send prompt: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply, true, nil
	case <-timer.C:
		return "", false, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

// telegramTypingHandler keeps the typing indicator up while a non-command
// message is being answered.
type telegramTypingHandler struct {
	listener *TelegramListener
	handler  runtime.Handler
}

func (h *telegramTypingHandler) HandleMessage(ctx context.Context, conv runtime.Conversation, msg *runtime.Message) error {
	if tc, ok := conv.(*telegramConversation); ok && msg != nil && !strings.HasPrefix(strings.TrimSpace(msg.Text), "/") {
		typingCtx, stop := context.WithCancel(ctx)
		defer stop()
		go h.listener.runTypingIndicator(typingCtx, tc.chatID)
	}
	return h.handler.HandleMessage(ctx, conv, msg)
}

func (t *TelegramListener) sendTelegramMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	send := t.sendMessage
	if send == nil {
		return nil, errors.New("telegram bot is not connected")
	}
	return send(ctx, params)
}

// sendFormatted sends text as Telegram HTML, or as plain text when the
// Markdown cannot be rendered.
func (t *TelegramListener) sendFormatted(ctx context.Context, chatID int64, text string) error {
	params := &bot.SendMessageParams{ChatID: chatID, Text: text}
	if formatted, ok := formatTelegram(text); ok {
		params.Text = formatted
		params.ParseMode = models.ParseModeHTML
	}
	_, err := t.sendTelegramMessage(ctx, params)
	return err
}

func (t *TelegramListener) runTypingIndicator(ctx context.Context, chatID int64) {
	t.sendTypingAction(ctx, chatID)

	ticker := time.NewTicker(4 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sendTypingAction(ctx, chatID)
		}
	}
}

func (t *TelegramListener) sendTypingAction(ctx context.Context, chatID int64) {
	send := t.sendChatAction
	if send == nil {
		return
	}
	send(ctx, &bot.SendChatActionParams{
		ChatID: chatID,
		Action: models.ChatActionTyping,
	})
}

// recentIDs remembers the last few handled message keys. Telegram may
// redeliver an update after a reconnect.
type recentIDs struct {
	mu    sync.Mutex
	limit int
	order []string
	seen  map[string]struct{}
}

func newRecentIDs(limit int) *recentIDs {
	return &recentIDs{limit: limit, seen: make(map[string]struct{}, limit)}
}

// add records key and reports whether it was new.
func (r *recentIDs) add(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[key]; ok {
		return false
	}
	r.seen[key] = struct{}{}
	r.order = append(r.order, key)
	if len(r.order) > r.limit {
		delete(r.seen, r.order[0])
		r.order = r.order[1:]
	}
	return true
}

func messagePreview(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
