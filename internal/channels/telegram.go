package channels

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/qbot-ai/qbot/internal/logging"
	"github.com/qbot-ai/qbot/internal/runtime"
)

// ErrWrongCode indicates the entered pairing code does not match the expected code.
var ErrWrongCode = errors.New("wrong pairing code")

type telegramPairUser struct {
	id       string
	username string
	name     string
}

// TelegramPairSession represents one active Telegram pairing session. Create
// it with BeginTelegramPairing, then call AwaitUser and SubmitCode in that
// order.
type TelegramPairSession struct {
	send             telegramSendMessageFunc
	botUsername      string
	firstInbound     chan telegramInboundMessage
	chatID           int64
	expectedCode     string
	user             telegramPairUser
	allowedUsersPath string
}

type telegramInboundMessage struct {
	userID   string
	username string
	name     string
	chatID   int64
}

type telegramPairCollector struct {
	firstInbound chan telegramInboundMessage
}

type telegramSendMessageFunc func(context.Context, *bot.SendMessageParams) (*models.Message, error)
type telegramSendChatActionFunc func(context.Context, *bot.SendChatActionParams) (bool, error)

// TelegramListener receives Telegram updates and dispatches authorized ones
// as activities.
type TelegramListener struct {
	token            string
	allowedUsersPath string

	allowedTelegramUsers map[string]struct{}

	// recipient is the bot's own identity, discovered via getMe. Conversation
	// updates carry it so the handler can skip greeting the bot itself.
	recipient runtime.Member

	sendMessage    telegramSendMessageFunc
	sendChatAction telegramSendChatActionFunc
}

// BeginTelegramPairing connects to the Telegram bot and starts collecting
// inbound messages. It returns as soon as the bot profile is known so the
// caller can tell the user to message the bot before AwaitUser blocks.
func BeginTelegramPairing(ctx context.Context, token, allowedUsersPath string) (*TelegramPairSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	trimmedToken := strings.TrimSpace(token)
	if trimmedToken == "" {
		return nil, errors.New("telegram token is required")
	}

	firstInbound := make(chan telegramInboundMessage, 1)
	collector := &telegramPairCollector{firstInbound: firstInbound}
	b, err := bot.New(trimmedToken, bot.WithDefaultHandler(collector.handleUpdate))
	if err != nil {
		return nil, fmt.Errorf("connect to telegram bot: %w", err)
	}

	me, err := b.GetMe(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch telegram bot profile: %w", err)
	}
	logging.Logger().Info(fmt.Sprintf("Connected to Telegram Bot @%s", strings.TrimSpace(me.Username)))

	go b.Start(ctx)

	return &TelegramPairSession{
		send:             b.SendMessage,
		botUsername:      strings.TrimSpace(me.Username),
		firstInbound:     firstInbound,
		allowedUsersPath: allowedUsersPath,
	}, nil
}

// AwaitUser blocks until the first user messages the bot, then sends that
// user a pairing code over Telegram.
func (s *TelegramPairSession) AwaitUser(ctx context.Context) error {
	var inbound telegramInboundMessage
	select {
	case <-ctx.Done():
		return ctx.Err()
	case inbound = <-s.firstInbound:
	}

	code, err := generateTelegramPairCode()
	if err != nil {
		return fmt.Errorf("generate pairing code: %w", err)
	}

	_, err = s.send(ctx, &bot.SendMessageParams{
		ChatID: inbound.chatID,
		Text:   fmt.Sprintf("Pairing mode active. Your code is: %s - enter this in your terminal.", code),
	})
	if err != nil {
		return fmt.Errorf("send pairing code: %w", err)
	}

	s.chatID = inbound.chatID
	s.expectedCode = code
	s.user = telegramPairUser{
		id:       inbound.userID,
		username: inbound.username,
		name:     inbound.name,
	}
	return nil
}

func (c *telegramPairCollector) handleUpdate(_ context.Context, _ *bot.Bot, update *models.Update) {
	if update == nil || update.Message == nil || update.Message.From == nil {
		return
	}

	msg := telegramInboundMessage{
		userID:   fmt.Sprintf("%d", update.Message.From.ID),
		username: strings.TrimSpace(update.Message.From.Username),
		name:     strings.TrimSpace(update.Message.From.FirstName),
		chatID:   update.Message.Chat.ID,
	}
	select {
	case c.firstInbound <- msg:
	default:
	}
}

// BotUsername returns the connected bot username discovered via getMe.
func (s *TelegramPairSession) BotUsername() string {
	return s.botUsername
}

// UserID returns the paired user's Telegram ID as a string.
func (s *TelegramPairSession) UserID() string {
	return s.user.id
}

// Username returns the paired user's Telegram username.
func (s *TelegramPairSession) Username() string {
	return s.user.username
}

// Name returns the paired user's display name.
func (s *TelegramPairSession) Name() string {
	return s.user.name
}

// SubmitCode validates an entered code and persists the paired Telegram user on success.
func (s *TelegramPairSession) SubmitCode(ctx context.Context, entered string) error {
	if strings.TrimSpace(entered) != s.expectedCode {
		return ErrWrongCode
	}

	if _, err := s.send(ctx, &bot.SendMessageParams{
		ChatID: s.chatID,
		Text:   "You are now authorized. Restart the bot server to activate.",
	}); err != nil {
		return fmt.Errorf("send pairing confirmation: %w", err)
	}

	if err := AddUser(s.allowedUsersPath, User{
		ID:       s.user.id,
		Channel:  ChannelTelegram,
		Username: s.user.username,
		Name:     s.user.name,
	}); err != nil {
		return fmt.Errorf("persist paired user: %w", err)
	}
	logging.Logger().Info(
		"telegram user paired",
		"user_id", s.user.id,
		"username", s.user.username,
		"channel", ChannelTelegram,
	)

	return nil
}

func generateTelegramPairCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

var _ runtime.Listener = (*TelegramListener)(nil)

// NewTelegram creates a Telegram listener over one bot token and allowlist path.
func NewTelegram(token, allowedUsersPath string) *TelegramListener {
	return &TelegramListener{
		token:            token,
		allowedUsersPath: allowedUsersPath,
	}
}

// Listen starts long-polling Telegram and dispatches authorized updates.
func (t *TelegramListener) Listen(ctx context.Context, handler runtime.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	if strings.TrimSpace(t.token) == "" {
		return errors.New("telegram token is required")
	}
	if err := t.loadAllowedUsers(); err != nil {
		return err
	}
	if len(t.allowedTelegramUsers) == 0 {
		logging.Logger().Warn("No authorized Telegram users. Run qbot pair to authorize your account.")
	}

	dispatchCtx, cancelDispatch := context.WithCancel(ctx)
	dispatcher := runtime.NewDispatcher(&telegramTypingHandler{listener: t, handler: handler}, defaultDispatchQueue)
	defaultHandler := func(updateCtx context.Context, _ *bot.Bot, update *models.Update) {
		if update == nil || update.Message == nil || update.Message.From == nil {
			return
		}
		t.handleInboundMessage(updateCtx, dispatcher, update.Message)
	}

	b, err := t.createTelegramBot(defaultHandler)
	if err != nil {
		cancelDispatch()
		return fmt.Errorf("create telegram bot: %w", err)
	}

	me, err := b.GetMe(ctx)
	if err != nil {
		cancelDispatch()
		return fmt.Errorf("fetch telegram bot profile: %w", err)
	}
	logging.Logger().Info(fmt.Sprintf("Connected to Telegram Bot @%s", strings.TrimSpace(me.Username)))
	t.recipient = runtime.Member{
		ID:   strconv.FormatInt(me.ID, 10),
		Name: telegramDisplayName(*me),
	}

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

func (t *TelegramListener) loadAllowedUsers() error {
	usersFile, err := LoadUsers(t.allowedUsersPath)
	if err != nil {
		return fmt.Errorf("load allowed users %q: %w", t.allowedUsersPath, err)
	}

	allowed := make(map[string]struct{}, len(usersFile.Users))
	for _, user := range usersFile.Users {
		if strings.EqualFold(strings.TrimSpace(user.Channel), ChannelTelegram) {
			id := strings.TrimSpace(user.ID)
			if id == "" {
				continue
			}
			allowed[id] = struct{}{}
		}
	}
	t.allowedTelegramUsers = allowed
	return nil
}

func (t *TelegramListener) handleInboundMessage(
	ctx context.Context,
	dispatcher *runtime.Dispatcher,
	msg *models.Message,
) {
	if msg == nil || msg.From == nil {
		return
	}

	userID := strconv.FormatInt(msg.From.ID, 10)
	username := strings.TrimSpace(msg.From.Username)
	logging.Logger().Info(
		"telegram inbound update",
		"user_id", userID,
		"username", username,
		"text", messagePreview(msg.Text, 100),
		"joined", len(msg.NewChatMembers),
	)

	if !t.isAllowedUser(userID) {
		return
	}

	writer := &telegramWriter{
		listener: t,
		chatID:   msg.Chat.ID,
		userID:   userID,
		username: username,
	}

	trimmedText := strings.TrimSpace(msg.Text)
	var activity *runtime.Activity
	switch {
	case len(msg.NewChatMembers) > 0:
		added := make([]runtime.Member, 0, len(msg.NewChatMembers))
		for _, joined := range msg.NewChatMembers {
			added = append(added, runtime.Member{
				ID:   strconv.FormatInt(joined.ID, 10),
				Name: telegramDisplayName(joined),
			})
		}
		activity = runtime.NewConversationUpdate(t.recipient, added...)
	case trimmedText == "/start":
		// Telegram clients send /start on first contact. Treat it as the
		// sender joining the conversation so they receive the welcome.
		activity = runtime.NewConversationUpdate(t.recipient, runtime.Member{
			ID:   userID,
			Name: telegramDisplayName(*msg.From),
		})
	default:
		activity = runtime.NewMessageActivity(trimmedText)
		activity.Recipient = t.recipient
	}

	if err := dispatcher.Enqueue(ctx, activity, writer); err != nil {
		logging.Logger().Warn("telegram enqueue failed", "user_id", userID, "username", username, "err", err)
	}
}

func (t *TelegramListener) isAllowedUser(userID string) bool {
	if t.allowedTelegramUsers == nil {
		return false
	}
	_, ok := t.allowedTelegramUsers[strings.TrimSpace(userID)]
	return ok
}

type telegramWriter struct {
	listener *TelegramListener
	chatID   int64
	userID   string
	username string
}

func (w *telegramWriter) WriteMessage(ctx context.Context, text string) error {
	if w == nil || w.listener == nil {
		return errors.New("telegram sender is not configured")
	}

	formatted, ok := formatTelegram(text)
	if !ok {
		return w.listener.sendChatMessage(ctx, w.chatID, text)
	}
	_, err := w.listener.sendTelegramMessage(ctx, &bot.SendMessageParams{
		ChatID:    w.chatID,
		Text:      formatted,
		ParseMode: models.ParseModeHTML,
	})
	return err
}

// telegramTypingHandler keeps a typing indicator running while an inbound
// message is being handled.
type telegramTypingHandler struct {
	listener *TelegramListener
	handler  runtime.Handler
}

func (h *telegramTypingHandler) HandleActivity(ctx context.Context, w runtime.ResponseWriter, activity *runtime.Activity) error {
	if h.listener != nil && activity != nil && activity.Kind == runtime.KindMessage {
		if writer, ok := w.(*telegramWriter); ok {
			typingCtx, stopTyping := context.WithCancel(ctx)
			defer stopTyping()
			go h.listener.runTypingIndicator(typingCtx, writer.chatID)
		}
	}
	return h.handler.HandleActivity(ctx, w, activity)
}

func (t *TelegramListener) sendTelegramMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	send := t.sendMessage
	if send == nil {
		return nil, errors.New("telegram bot is not connected")
	}
	return send(ctx, params)
}

func (t *TelegramListener) sendChatMessage(ctx context.Context, chatID int64, text string) error {
	_, err := t.sendTelegramMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	})
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

func telegramDisplayName(user models.User) string {
	name := strings.TrimSpace(user.FirstName)
	if last := strings.TrimSpace(user.LastName); last != "" {
		if name == "" {
			name = last
		} else {
			name += " " + last
		}
	}
	if name == "" {
		name = strings.TrimSpace(user.Username)
	}
	return name
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

func (t *TelegramListener) createTelegramBot(defaultHandler bot.HandlerFunc) (*bot.Bot, error) {
	return bot.New(strings.TrimSpace(t.token), bot.WithDefaultHandler(defaultHandler))
}
