// Package telegram realizes the transport adapter on the Telegram Bot API.
//
// Users map to private chats keyed by numeric user id. Shared channels map
// to forum topic threads inside a single configured home group, so a
// channel id is the decimal thread id. Presence is approximated from the
// timestamp of each user's most recent update.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"html"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "matchbot/internal/transport"
	logx "matchbot/pkg/logx"
)

type Config struct {
	Token string
	// GroupID is the home supergroup holding the forum topics used as
	// shared channels.
	GroupID     int64
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot       *tele.Bot
	out       chan<- kit.Update
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
	runMu     sync.Mutex
	running   bool

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the Telegram poll loop. Logged periodically to avoid per-update
	// log spam.
	droppedUpdates uint64

	// lastSeen holds the most recent update time per user id. Telegram has
	// no presence API, so recency of activity stands in for it.
	seenMu   sync.RWMutex
	lastSeen map[int64]time.Time

	// topics maps topic name to thread id for channels this adapter
	// provisioned or discovered.
	topicMu sync.Mutex
	topics  map[string]int

	menuMu   sync.Mutex
	menuHash uint64
	http     *http.Client
}

const (
	onlineWithin = 5 * time.Minute
	idleWithin   = 30 * time.Minute
)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.GroupID == 0 {
		return nil, errors.New("telegram group id is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		cfg:      cfg,
		log:      log,
		bot:      b,
		lastSeen: map[int64]time.Time{},
		topics:   map[string]int{},
		http:     &http.Client{Timeout: 8 * time.Second},
	}, nil
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out = out
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(2)
	a.runMu.Unlock()

	// Periodic summary for dropped updates.
	go func() {
		defer a.runWG.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)",
						logx.Int64("count", int64(n)), logx.Int("chan_cap", cap(out)))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)",
						logx.Int64("count", int64(n)), logx.Int("chan_cap", cap(out)))
				}
			}
		}
	}()

	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		a.touch(m.Sender.ID)
		up := kit.Update{
			Kind: kit.UpdateMessage,
			Message: &kit.Message{
				ID:           m.ID,
				ChatID:       m.Chat.ID,
				ThreadID:     m.ThreadID,
				FromID:       strconv.FormatInt(m.Sender.ID, 10),
				FromUsername: m.Sender.Username,
				Text:         m.Text,
				IsGroup:      m.Chat.ID != m.Sender.ID,
			},
		}
		select {
		case out <- up:
		default:
			atomic.AddUint64(&a.droppedUpdates, 1)
		}
		return nil
	})

	go func() {
		defer a.runWG.Done()
		go func() {
			<-rctx.Done()
			a.bot.Stop()
		}()
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop() called
	}()

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		a.log.Debug("telegram stop called but not running")
		return nil
	}

	if cancel != nil {
		cancel()
	}
	if a.bot != nil {
		go a.bot.Stop()
	}

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()

	// Grace window: keep shutdown snappy even if getUpdates long-poll is
	// still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		rem := time.Until(dl)
		if rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		a.log.Info("polling stopped")
	case <-t.C:
		a.log.Warn("polling stop timed out, abandoning long-poll")
	}
	return nil
}

func (a *Adapter) touch(userID int64) {
	a.seenMu.Lock()
	a.lastSeen[userID] = time.Now()
	a.seenMu.Unlock()
}

// SendDM delivers text to the user's private chat, plain text mode.
func (a *Adapter) SendDM(ctx context.Context, userID string, text string) (kit.MessageRef, error) {
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return kit.MessageRef{}, fmt.Errorf("telegram: bad user id %q: %w", userID, err)
	}
	return a.send(ctx, id, 0, text, "")
}

// SendChannel delivers text to a forum topic thread in the home group.
// channelID is the decimal thread id; "0" targets the group's general
// topic.
func (a *Adapter) SendChannel(ctx context.Context, channelID string, text string) (kit.MessageRef, error) {
	thread, err := strconv.Atoi(channelID)
	if err != nil {
		return kit.MessageRef{}, fmt.Errorf("telegram: bad channel id %q: %w", channelID, err)
	}
	return a.send(ctx, a.cfg.GroupID, thread, text, tele.ModeHTML)
}

func (a *Adapter) send(ctx context.Context, chatID int64, threadID int, text, mode string) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	chat := &tele.Chat{ID: chatID}
	opt := &tele.SendOptions{
		ParseMode:             mode,
		DisableWebPagePreview: true,
		ThreadID:              threadID,
	}
	msg, err := a.bot.Send(chat, text, opt)
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: chatID, ThreadID: threadID, MessageID: msg.ID}, nil
}

// Presence derives availability from update recency: active in the last
// few minutes counts as online, within half an hour as idle, otherwise
// offline. Telegram exposes no do-not-disturb state.
func (a *Adapter) Presence(ctx context.Context, userID string) (kit.Presence, error) {
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return kit.PresenceOffline, nil
	}
	a.seenMu.RLock()
	seen, ok := a.lastSeen[id]
	a.seenMu.RUnlock()
	if !ok {
		return kit.PresenceOffline, nil
	}
	switch since := time.Since(seen); {
	case since <= onlineWithin:
		return kit.PresenceOnline, nil
	case since <= idleWithin:
		return kit.PresenceIdle, nil
	default:
		return kit.PresenceOffline, nil
	}
}

// Mention renders an HTML user link that pings the user in ModeHTML sends.
func (a *Adapter) Mention(userID string) string {
	return fmt.Sprintf(`<a href="tg://user?id=%s">@%s</a>`, html.EscapeString(userID), html.EscapeString(userID))
}

// EnsureChannel creates a forum topic with the given name in the home
// group, or returns the known thread id if this adapter already made one.
// Topic enumeration is not available over the Bot API, so the
// already-exists check only covers topics created through this adapter.
func (a *Adapter) EnsureChannel(ctx context.Context, name string) (string, bool, error) {
	a.topicMu.Lock()
	defer a.topicMu.Unlock()

	if thread, ok := a.topics[name]; ok {
		return strconv.Itoa(thread), false, nil
	}

	var out struct {
		MessageThreadID int `json:"message_thread_id"`
	}
	err := a.api(ctx, "createForumTopic", map[string]any{
		"chat_id": a.cfg.GroupID,
		"name":    name,
	}, &out)
	if err != nil {
		return "", false, err
	}
	a.topics[name] = out.MessageThreadID
	a.log.Info("forum topic created",
		logx.String("name", name), logx.Int("thread", out.MessageThreadID))
	return strconv.Itoa(out.MessageThreadID), true, nil
}

func (a *Adapter) RemoveChannel(ctx context.Context, channelID string) error {
	thread, err := strconv.Atoi(channelID)
	if err != nil {
		return fmt.Errorf("telegram: bad channel id %q: %w", channelID, err)
	}
	if err := a.api(ctx, "deleteForumTopic", map[string]any{
		"chat_id":           a.cfg.GroupID,
		"message_thread_id": thread,
	}, nil); err != nil {
		return err
	}
	a.topicMu.Lock()
	for name, id := range a.topics {
		if id == thread {
			delete(a.topics, name)
		}
	}
	a.topicMu.Unlock()
	return nil
}

// UpdateMenuCommands replaces the bot's command menu. A hash of the
// command set skips redundant calls when nothing changed.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	for _, c := range cmds {
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(c.Description))
		h.Write([]byte{0})
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}

	type cmd struct {
		Command     string `json:"command"`
		Description string `json:"description"`
	}
	payload := struct {
		Commands []cmd `json:"commands"`
	}{Commands: make([]cmd, 0, len(cmds))}

	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		payload.Commands = append(payload.Commands, cmd{Command: c.Command, Description: d})
		if len(payload.Commands) >= 100 {
			break
		}
	}

	if err := a.api(ctx, "setMyCommands", payload, nil); err != nil {
		return err
	}

	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(payload.Commands)))
	return nil
}

// api calls a Bot API method directly over HTTP. Used for methods telebot
// does not cover cleanly (forum topics, command menus).
func (a *Adapter) api(ctx context.Context, method string, payload any, result any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := "https://api.telegram.org/bot" + strings.TrimSpace(a.cfg.Token) + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := a.http
	if client == nil {
		client = &http.Client{Timeout: 8 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out struct {
		OK          bool            `json:"ok"`
		ErrorCode   int             `json:"error_code"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)

	if resp.StatusCode/100 != 2 || !out.OK {
		if out.Description != "" {
			return fmt.Errorf("telegram %s failed: %s (code=%d http=%d)", method, out.Description, out.ErrorCode, resp.StatusCode)
		}
		return fmt.Errorf("telegram %s failed: http=%d", method, resp.StatusCode)
	}
	if result != nil && len(out.Result) > 0 {
		if err := json.Unmarshal(out.Result, result); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}
