package channels

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/qbot-ai/qbot/internal/runtime"
	"github.com/qbot-ai/qbot/internal/store"
)

const aliceAllowedUsers = `{
  "users": [
    {"id":"111","channel":"telegram","username":"alice","name":"Alice","added_at":"2026-02-19T14:30:00Z"}
  ]
}
`

func TestFormatTelegramMappings(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "bold",
			input:    "**bold**",
			expected: "<b>bold</b>",
		},
		{
			name:     "italic",
			input:    "*italic*",
			expected: "<i>italic</i>",
		},
		{
			name:     "strikethrough",
			input:    "~~gone~~",
			expected: "<s>gone</s>",
		},
		{
			name:     "heading",
			input:    "# Title",
			expected: "<b>Title</b>\n",
		},
		{
			name:     "inline code",
			input:    "`echo hi`",
			expected: "<code>echo hi</code>",
		},
		{
			name:     "fenced code",
			input:    "```go\nfmt.Println(\"hi\")\n```",
			expected: "<pre><code>fmt.Println(&#34;hi&#34;)\n</code></pre>",
		},
		{
			name:     "link",
			input:    "[site](https://example.com)",
			expected: `<a href="https://example.com">site</a>`,
		},
		{
			name:     "list item",
			input:    "- one\n- two",
			expected: "- one\n- two\n",
		},
		{
			name:     "ordered list",
			input:    "1. one\n2. two",
			expected: "1. one\n2. two\n",
		},
		{
			name:     "plain passthrough",
			input:    "hello world",
			expected: "hello world",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := formatTelegram(tt.input)
			if !ok {
				t.Fatalf("expected format success for input %q", tt.input)
			}
			if got != tt.expected {
				t.Fatalf("unexpected format output\ninput: %q\ngot: %q\nexpected: %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFormatTelegram_OmitsImagesAndRawHTML(t *testing.T) {
	got, ok := formatTelegram(`<b>raw</b> ![img](https://example.com/a.png)`)
	if !ok {
		t.Fatal("expected format success")
	}
	if strings.Contains(got, "<b>") || strings.Contains(got, "</b>") {
		t.Fatalf("expected raw html tags to be omitted, got %q", got)
	}
	if strings.Contains(got, "<img") {
		t.Fatalf("expected image tags to be omitted, got %q", got)
	}
}

func TestFormatTelegram_EscapesAngleBrackets(t *testing.T) {
	got, ok := formatTelegram("answers < questions > comments")
	if !ok {
		t.Fatal("expected format success")
	}
	if got != "answers &lt; questions &gt; comments" {
		t.Fatalf("unexpected escaped output: %q", got)
	}
}

func TestFormatTelegram_RenderErrorFallback(t *testing.T) {
	formatted, err := renderTelegram("hello", nil)
	if err == nil {
		t.Fatal("expected render error for nil parser")
	}
	if formatted != "" {
		t.Fatalf("expected empty formatted output on render failure, got %q", formatted)
	}

	got, ok := formatTelegram("hello")
	if !ok {
		t.Fatal("expected standard formatter to succeed")
	}
	if got != "hello" {
		t.Fatalf("expected passthrough text, got %q", got)
	}
}

func TestTelegramWriterWriteMessage_UsesHTMLParseMode(t *testing.T) {
	listener := NewTelegram("token", "")

	var sent *bot.SendMessageParams
	listener.sendMessage = func(_ context.Context, params *bot.SendMessageParams) (*models.Message, error) {
		sent = params
		return &models.Message{ID: 1, Chat: models.Chat{ID: chatIDFromAny(params.ChatID)}}, nil
	}

	writer := &telegramWriter{
		listener: listener,
		chatID:   42,
		userID:   "111",
		username: "alice",
	}
	if err := writer.WriteMessage(context.Background(), "**ok**"); err != nil {
		t.Fatalf("write message: %v", err)
	}

	if sent == nil {
		t.Fatal("expected send message call")
	}
	if sent.ParseMode != models.ParseModeHTML {
		t.Fatalf("expected ParseModeHTML, got %q", sent.ParseMode)
	}
	if sent.Text != "<b>ok</b>" {
		t.Fatalf("unexpected formatted text: %q", sent.Text)
	}
}

func TestTelegramWriterWriteMessage_FormatterFailureFallsBackToPlain(t *testing.T) {
	original := telegramMarkdown
	telegramMarkdown = nil
	defer func() {
		telegramMarkdown = original
	}()

	listener := NewTelegram("token", "")
	var sent *bot.SendMessageParams
	listener.sendMessage = func(_ context.Context, params *bot.SendMessageParams) (*models.Message, error) {
		sent = params
		return &models.Message{ID: 1, Chat: models.Chat{ID: chatIDFromAny(params.ChatID)}}, nil
	}

	writer := &telegramWriter{
		listener: listener,
		chatID:   42,
	}
	if err := writer.WriteMessage(context.Background(), "**ok**"); err != nil {
		t.Fatalf("write message: %v", err)
	}

	if sent == nil {
		t.Fatal("expected send message call")
	}
	if sent.ParseMode != "" {
		t.Fatalf("expected empty parse mode on formatter failure, got %q", sent.ParseMode)
	}
	if sent.Text != "**ok**" {
		t.Fatalf("expected plain fallback text, got %q", sent.Text)
	}
}

func TestTelegramSendChatMessage_DoesNotSetParseMode(t *testing.T) {
	listener := NewTelegram("token", "")

	var sent *bot.SendMessageParams
	listener.sendMessage = func(_ context.Context, params *bot.SendMessageParams) (*models.Message, error) {
		sent = params
		return &models.Message{ID: 1, Chat: models.Chat{ID: chatIDFromAny(params.ChatID)}}, nil
	}

	if err := listener.sendChatMessage(context.Background(), 42, "**ok**"); err != nil {
		t.Fatalf("send chat message: %v", err)
	}
	if sent == nil {
		t.Fatal("expected send message call")
	}
	if sent.ParseMode != "" {
		t.Fatalf("expected empty parse mode for plain chat send, got %q", sent.ParseMode)
	}
	if sent.Text != "**ok**" {
		t.Fatalf("unexpected plain text send content: %q", sent.Text)
	}
}

func TestTelegramPairSessionSubmitCodeWrongReturnsErrWrongCode(t *testing.T) {
	session := &TelegramPairSession{
		expectedCode: "123456",
	}

	err := session.SubmitCode(context.Background(), "000000")
	if !errors.Is(err, ErrWrongCode) {
		t.Fatalf("expected ErrWrongCode, got %v", err)
	}
}

func TestTelegramPairSessionAwaitUserSendsCode(t *testing.T) {
	outbound := &outboundMessages{}
	var sentChatID int64
	session := &TelegramPairSession{
		send: func(_ context.Context, params *bot.SendMessageParams) (*models.Message, error) {
			outbound.append(params.Text)
			sentChatID = chatIDFromAny(params.ChatID)
			return &models.Message{ID: 1}, nil
		},
		firstInbound: make(chan telegramInboundMessage, 1),
	}
	session.firstInbound <- telegramInboundMessage{
		userID:   "1001",
		username: "alice",
		name:     "Alice",
		chatID:   2002,
	}

	if err := session.AwaitUser(context.Background()); err != nil {
		t.Fatalf("await user: %v", err)
	}

	if len(outbound.messages) != 1 {
		t.Fatalf("expected one outbound message, got %d", len(outbound.messages))
	}
	if sentChatID != 2002 {
		t.Fatalf("expected code sent to chat 2002, got %d", sentChatID)
	}
	if !strings.Contains(outbound.messages[0], "Your code is: "+session.expectedCode) {
		t.Fatalf("expected pairing code in message, got %q", outbound.messages[0])
	}
	if session.UserID() != "1001" || session.Username() != "alice" || session.Name() != "Alice" {
		t.Fatalf("unexpected paired user: %q %q %q", session.UserID(), session.Username(), session.Name())
	}
}

func TestTelegramPairSessionAwaitUserCanceledContext(t *testing.T) {
	session := &TelegramPairSession{firstInbound: make(chan telegramInboundMessage)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := session.AwaitUser(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTelegramPairSessionSubmitCodePersistsUser(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allowed_users.json")
	outbound := &outboundMessages{}
	session := &TelegramPairSession{
		send: func(_ context.Context, params *bot.SendMessageParams) (*models.Message, error) {
			outbound.append(params.Text)
			return &models.Message{ID: 1}, nil
		},
		chatID:           2002,
		expectedCode:     "123456",
		user:             telegramPairUser{id: "1001", username: "alice", name: "Alice"},
		allowedUsersPath: path,
	}

	if err := session.SubmitCode(context.Background(), " 123456 "); err != nil {
		t.Fatalf("submit code: %v", err)
	}

	if len(outbound.messages) != 1 || !strings.Contains(outbound.messages[0], "You are now authorized") {
		t.Fatalf("expected authorization confirmation, got %#v", outbound.messages)
	}
	usersFile, err := LoadUsers(path)
	if err != nil {
		t.Fatalf("load users: %v", err)
	}
	if len(usersFile.Users) != 1 {
		t.Fatalf("expected one paired user, got %d", len(usersFile.Users))
	}
	paired := usersFile.Users[0]
	if paired.ID != "1001" || paired.Channel != ChannelTelegram || paired.Username != "alice" {
		t.Fatalf("unexpected paired user record: %+v", paired)
	}
}

func TestGenerateTelegramPairCode_IsSixDigits(t *testing.T) {
	re := regexp.MustCompile(`^\d{6}$`)
	for range 20 {
		code, err := generateTelegramPairCode()
		if err != nil {
			t.Fatalf("generate code: %v", err)
		}
		if !re.MatchString(code) {
			t.Fatalf("expected 6-digit code, got %q", code)
		}
	}
}

func TestTelegramListener_LoadAllowedUsersOnce(t *testing.T) {
	path := writeAllowedUsersFile(t, aliceAllowedUsers)

	listener := NewTelegram("token", path)
	if err := listener.loadAllowedUsers(); err != nil {
		t.Fatalf("load users: %v", err)
	}

	// If per-message reads were happening, this replacement would revoke access.
	if err := store.WriteFile(path, []byte("{\"users\": []}\n")); err != nil {
		t.Fatalf("replace users file: %v", err)
	}

	handler := &telegramTestHandler{done: make(chan *runtime.Activity, 2)}
	dispatcher, stop := startTestDispatcher(t, handler)
	defer stop()

	configureTelegramSendCapture(listener, &outboundMessages{})
	listener.handleInboundMessage(
		context.Background(),
		dispatcher,
		&models.Message{
			From: &models.User{ID: 111, Username: "alice"},
			Chat: models.Chat{ID: 10},
			Text: "hello",
		},
	)

	select {
	case activity := <-handler.done:
		if activity.Kind != runtime.KindMessage {
			t.Fatalf("expected message activity, got %q", activity.Kind)
		}
		if activity.Text != "hello" {
			t.Fatalf("unexpected dispatched text: %q", activity.Text)
		}
	case <-time.After(300 * time.Millisecond):
		t.Fatal("expected authorized message to be dispatched")
	}
}

func TestTelegramListener_UnauthorizedUserIsDropped(t *testing.T) {
	path := writeAllowedUsersFile(t, `{
  "users": [
    {"id":"222","channel":"telegram","username":"bob","name":"Bob","added_at":"2026-02-19T14:30:00Z"}
  ]
}
`)

	listener := NewTelegram("token", path)
	if err := listener.loadAllowedUsers(); err != nil {
		t.Fatalf("load users: %v", err)
	}

	handler := &telegramTestHandler{done: make(chan *runtime.Activity, 2)}
	dispatcher, stop := startTestDispatcher(t, handler)
	defer stop()

	outbound := &outboundMessages{}
	configureTelegramSendCapture(listener, outbound)
	listener.handleInboundMessage(
		context.Background(),
		dispatcher,
		&models.Message{
			From: &models.User{ID: 111, Username: "alice"},
			Chat: models.Chat{ID: 10},
			Text: "hello",
		},
	)

	select {
	case activity := <-handler.done:
		t.Fatalf("expected no handler call for unauthorized user, got %#v", activity)
	case <-time.After(80 * time.Millisecond):
	}
	if len(outbound.messages) != 0 {
		t.Fatalf("expected no outbound messages, got %#v", outbound.messages)
	}
}

func TestTelegramListener_NewChatMembersBecomeConversationUpdate(t *testing.T) {
	path := writeAllowedUsersFile(t, aliceAllowedUsers)

	listener := NewTelegram("token", path)
	if err := listener.loadAllowedUsers(); err != nil {
		t.Fatalf("load users: %v", err)
	}
	listener.recipient = runtime.Member{ID: "999", Name: "QnaBot"}

	handler := &telegramTestHandler{done: make(chan *runtime.Activity, 2)}
	dispatcher, stop := startTestDispatcher(t, handler)
	defer stop()

	configureTelegramSendCapture(listener, &outboundMessages{})
	listener.handleInboundMessage(
		context.Background(),
		dispatcher,
		&models.Message{
			From: &models.User{ID: 111, Username: "alice"},
			Chat: models.Chat{ID: 10},
			NewChatMembers: []models.User{
				{ID: 222, FirstName: "Bob", LastName: "Jones"},
				{ID: 999, FirstName: "QnaBot"},
			},
		},
	)

	select {
	case activity := <-handler.done:
		if activity.Kind != runtime.KindConversationUpdate {
			t.Fatalf("expected conversation update, got %q", activity.Kind)
		}
		if len(activity.MembersAdded) != 2 {
			t.Fatalf("expected two added members, got %#v", activity.MembersAdded)
		}
		if activity.MembersAdded[0].ID != "222" || activity.MembersAdded[0].Name != "Bob Jones" {
			t.Fatalf("unexpected first member: %#v", activity.MembersAdded[0])
		}
		if activity.Recipient.ID != "999" {
			t.Fatalf("unexpected recipient: %#v", activity.Recipient)
		}
	case <-time.After(300 * time.Millisecond):
		t.Fatal("expected conversation update to be dispatched")
	}
}

func TestTelegramListener_StartCommandBecomesConversationUpdate(t *testing.T) {
	path := writeAllowedUsersFile(t, aliceAllowedUsers)

	listener := NewTelegram("token", path)
	if err := listener.loadAllowedUsers(); err != nil {
		t.Fatalf("load users: %v", err)
	}
	listener.recipient = runtime.Member{ID: "999", Name: "QnaBot"}

	handler := &telegramTestHandler{done: make(chan *runtime.Activity, 2)}
	dispatcher, stop := startTestDispatcher(t, handler)
	defer stop()

	configureTelegramSendCapture(listener, &outboundMessages{})
	listener.handleInboundMessage(
		context.Background(),
		dispatcher,
		&models.Message{
			From: &models.User{ID: 111, Username: "alice", FirstName: "Alice"},
			Chat: models.Chat{ID: 10},
			Text: "/start",
		},
	)

	select {
	case activity := <-handler.done:
		if activity.Kind != runtime.KindConversationUpdate {
			t.Fatalf("expected conversation update for /start, got %q", activity.Kind)
		}
		if len(activity.MembersAdded) != 1 || activity.MembersAdded[0].Name != "Alice" {
			t.Fatalf("unexpected added members: %#v", activity.MembersAdded)
		}
	case <-time.After(300 * time.Millisecond):
		t.Fatal("expected /start to be dispatched as a conversation update")
	}
}

func TestTelegramListener_EnqueueIsNonBlocking(t *testing.T) {
	path := writeAllowedUsersFile(t, aliceAllowedUsers)

	listener := NewTelegram("token", path)
	if err := listener.loadAllowedUsers(); err != nil {
		t.Fatalf("load users: %v", err)
	}

	block := make(chan struct{})
	handler := &telegramBlockingHandler{block: block}
	dispatcher, stop := startTestDispatcher(t, handler)
	defer stop()

	done := make(chan struct{})
	start := time.Now()
	go func() {
		configureTelegramSendCapture(listener, &outboundMessages{})
		listener.handleInboundMessage(
			context.Background(),
			dispatcher,
			&models.Message{
				From: &models.User{ID: 111, Username: "alice"},
				Chat: models.Chat{ID: 10},
				Text: "hello",
			},
		)
		close(done)
	}()

	select {
	case <-done:
		if time.Since(start) > 100*time.Millisecond {
			t.Fatalf("enqueue unexpectedly slow: %s", time.Since(start))
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected enqueue path to return quickly")
	}
	close(block)
}

func TestTelegramTypingHandler_SendsTypingForMessages(t *testing.T) {
	listener := NewTelegram("token", "")
	actionCalls := make(chan *bot.SendChatActionParams, 1)
	listener.sendChatAction = func(_ context.Context, params *bot.SendChatActionParams) (bool, error) {
		select {
		case actionCalls <- params:
		default:
		}
		return true, nil
	}

	block := make(chan struct{})
	handler := &telegramTypingHandler{
		listener: listener,
		handler:  &telegramBlockingHandler{block: block},
	}
	writer := &telegramWriter{
		listener: listener,
		chatID:   42,
		userID:   "111",
		username: "alice",
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- handler.HandleActivity(ctx, writer, runtime.NewMessageActivity("hello"))
	}()

	select {
	case params := <-actionCalls:
		if got := chatIDFromAny(params.ChatID); got != 42 {
			t.Fatalf("unexpected typing chat id: %d", got)
		}
		if params.Action != models.ChatActionTyping {
			t.Fatalf("unexpected chat action: %q", params.Action)
		}
	case <-time.After(300 * time.Millisecond):
		t.Fatal("expected typing action for message activity")
	}

	close(block)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("handler failed: %v", err)
		}
	case <-time.After(300 * time.Millisecond):
		t.Fatal("handler did not complete")
	}
}

func TestTelegramTypingHandler_NoTypingForConversationUpdates(t *testing.T) {
	listener := NewTelegram("token", "")
	actionCalls := make(chan *bot.SendChatActionParams, 1)
	listener.sendChatAction = func(_ context.Context, params *bot.SendChatActionParams) (bool, error) {
		select {
		case actionCalls <- params:
		default:
		}
		return true, nil
	}

	block := make(chan struct{})
	handler := &telegramTypingHandler{
		listener: listener,
		handler:  &telegramBlockingHandler{block: block},
	}
	writer := &telegramWriter{
		listener: listener,
		chatID:   42,
		userID:   "111",
		username: "alice",
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	update := runtime.NewConversationUpdate(
		runtime.Member{ID: "999", Name: "QnaBot"},
		runtime.Member{ID: "111", Name: "Alice"},
	)
	done := make(chan error, 1)
	go func() {
		done <- handler.HandleActivity(ctx, writer, update)
	}()

	select {
	case <-actionCalls:
		t.Fatal("did not expect typing action for conversation update")
	case <-time.After(120 * time.Millisecond):
	}

	close(block)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("handler failed: %v", err)
		}
	case <-time.After(300 * time.Millisecond):
		t.Fatal("handler did not complete")
	}
}

func TestTelegramDisplayName(t *testing.T) {
	tests := []struct {
		name     string
		user     models.User
		expected string
	}{
		{name: "first and last", user: models.User{FirstName: "Alice", LastName: "Smith"}, expected: "Alice Smith"},
		{name: "first only", user: models.User{FirstName: "Alice"}, expected: "Alice"},
		{name: "username fallback", user: models.User{Username: "alice99"}, expected: "alice99"},
		{name: "empty", user: models.User{}, expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := telegramDisplayName(tt.user); got != tt.expected {
				t.Fatalf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestMessagePreview_TruncatesToLimit(t *testing.T) {
	full := strings.Repeat("x", 120)
	got := messagePreview(full, 100)
	if len(got) != 100 {
		t.Fatalf("expected 100-char preview, got %d", len(got))
	}
}

type telegramTestHandler struct {
	done chan *runtime.Activity
}

func (h *telegramTestHandler) HandleActivity(ctx context.Context, w runtime.ResponseWriter, activity *runtime.Activity) error {
	select {
	case h.done <- activity:
	default:
	}
	return w.WriteMessage(ctx, "ok")
}

type telegramBlockingHandler struct {
	block <-chan struct{}
}

func (h *telegramBlockingHandler) HandleActivity(context.Context, runtime.ResponseWriter, *runtime.Activity) error {
	<-h.block
	return nil
}

type outboundMessages struct {
	messages []string
}

func (o *outboundMessages) append(text string) {
	o.messages = append(o.messages, text)
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

func writeAllowedUsersFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "allowed_users.json")
	if err := store.WriteFile(path, []byte(content)); err != nil {
		t.Fatalf("write allowed users file: %v", err)
	}
	return path
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

func configureTelegramSendCapture(listener *TelegramListener, outbound *outboundMessages) {
	listener.sendMessage = func(_ context.Context, params *bot.SendMessageParams) (*models.Message, error) {
		if outbound != nil {
			outbound.append(params.Text)
		}
		return &models.Message{
			ID:   1,
			Chat: models.Chat{ID: chatIDFromAny(params.ChatID)},
		}, nil
	}
	listener.sendChatAction = func(context.Context, *bot.SendChatActionParams) (bool, error) {
		return true, nil
	}
}
