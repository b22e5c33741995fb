package bot

import (
	"fmt"
	"io"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Button is one inline-keyboard entry.
type Button struct {
	Label string
	Data  string
}

// Transport is the messaging surface the pipeline depends on. Implemented by
// TelegramTransport in production and by fakes in tests; no pipeline logic
// leaks transport payload shapes beyond these signatures.
type Transport interface {
	Send(chatID int64, text string) (int, error)
	SendWithKeyboard(chatID int64, text string, rows [][]Button) (int, error)
	Edit(chatID int64, messageID int, text string) error
	Delete(chatID int64, messageID int) error
	RemoveKeyboard(chatID int64, messageID int) error
	AckCallback(callbackID string)
	Typing(chatID int64)
	Download(fileID string) ([]byte, error)
}

// TelegramTransport implements Transport over the bot API.
type TelegramTransport struct {
	bot  *tgbotapi.BotAPI
	http *http.Client
}

func NewTelegramTransport(bot *tgbotapi.BotAPI) *TelegramTransport {
	return &TelegramTransport{
		bot:  bot,
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

func (t *TelegramTransport) Send(chatID int64, text string) (int, error) {
	sent, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

func (t *TelegramTransport) SendWithKeyboard(chatID int64, text string, rows [][]Button) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = inlineKeyboard(rows)
	sent, err := t.bot.Send(msg)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

func (t *TelegramTransport) Edit(chatID int64, messageID int, text string) error {
	_, err := t.bot.Send(tgbotapi.NewEditMessageText(chatID, messageID, text))
	return err
}

func (t *TelegramTransport) Delete(chatID int64, messageID int) error {
	_, err := t.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID))
	return err
}

func (t *TelegramTransport) RemoveKeyboard(chatID int64, messageID int) error {
	edit := tgbotapi.NewEditMessageReplyMarkup(chatID, messageID, tgbotapi.InlineKeyboardMarkup{
		InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{},
	})
	_, err := t.bot.Send(edit)
	return err
}

func (t *TelegramTransport) AckCallback(callbackID string) {
	_, _ = t.bot.Request(tgbotapi.NewCallback(callbackID, ""))
}

func (t *TelegramTransport) Typing(chatID int64) {
	_, _ = t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
}

// Download fetches the raw bytes of a user-submitted file.
func (t *TelegramTransport) Download(fileID string) ([]byte, error) {
	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", t.bot.Token, file.FilePath)
	resp, err := t.http.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("download status %d: %s", resp.StatusCode, string(body))
	}
	return io.ReadAll(resp.Body)
}

func inlineKeyboard(rows [][]Button) tgbotapi.InlineKeyboardMarkup {
	kb := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data))
		}
		kb = append(kb, buttons)
	}
	return tgbotapi.NewInlineKeyboardMarkup(kb...)
}

var _ Transport = (*TelegramTransport)(nil)

// Deliver sends a finished reading, replacing the placeholder message. A
// single chunk edits the placeholder in place; a longer reading deletes it
// and sends the chunks as fresh messages, since an edit cannot grow into
// several messages.
func Deliver(t Transport, chatID int64, placeholderID int, text string) error {
	chunks := Split(text, MessageLimit)
	if len(chunks) == 0 {
		return ErrNoChunks
	}
	if len(chunks) == 1 {
		return t.Edit(chatID, placeholderID, chunks[0])
	}
	// a stale placeholder is cosmetic; keep sending even if delete fails
	_ = t.Delete(chatID, placeholderID)
	for _, chunk := range chunks {
		if _, err := t.Send(chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}
