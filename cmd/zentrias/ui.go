package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MattCruikshank/zentrias/client"
	"github.com/MattCruikshank/zentrias/internal/audio"
	"github.com/MattCruikshank/zentrias/internal/models"
	"github.com/charmbracelet/lipgloss"
)

var (
	selfStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	peerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	timeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	mediaStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("13")).Italic(true)
	noticeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	headerStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
)

const helpText = `commands:
  /login <user> <password>     log in
  /register <user> <password>  create an account and log in
  /logout                      forget the saved session
  /chats                       list conversations
  /open <peer-id>              open a conversation
  /close                       close the open conversation
  /image <path>                send an image to the open conversation
  /audio start|stop            record and send a voice note
  /resync                      re-fetch the open conversation
  /save <media-ref> <path>     download media to a file
  /quit                        exit
anything else is sent as text to the open conversation`

// ui is the line-oriented presentation layer over a client.Client.
type ui struct {
	client       *client.Client
	audioCommand []string

	outMu sync.Mutex
	out   io.Writer

	mu          sync.Mutex
	view        *client.HistoryView
	printed     map[string]bool
	renderDone  chan struct{}
	recorder    audio.Recorder
	unsubscribe func()
}

func newUI(c *client.Client, out io.Writer, audioCommand []string) *ui {
	return &ui{client: c, out: out, audioCommand: audioCommand}
}

func (u *ui) printf(format string, args ...any) {
	u.outMu.Lock()
	defer u.outMu.Unlock()
	fmt.Fprintf(u.out, format+"\n", args...)
}

func (u *ui) notice(format string, args ...any) {
	u.printf("%s", noticeStyle.Render(fmt.Sprintf(format, args...)))
}

func (u *ui) fail(err error) {
	u.printf("%s %v", errorStyle.Render("error:"), err)
}

func (u *ui) run(ctx context.Context, in io.Reader) error {
	u.unsubscribe = u.client.Live().SubscribeAll(u.announce)
	defer u.unsubscribe()
	defer u.closeView()

	session, err := u.client.Restore(ctx)
	if err != nil {
		u.fail(err)
	}
	if session != nil {
		u.notice("restored session for %s", session.UserID)
		u.connect(ctx)
	} else {
		u.notice("not logged in; use /login or /register (/help for commands)")
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := u.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

func (u *ui) connect(ctx context.Context) {
	if _, err := u.client.Connect(ctx); err != nil {
		u.fail(err)
		return
	}
	u.notice("connected")
}

// handle executes one input line and reports whether the user asked to quit.
func (u *ui) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		u.sendText(ctx, line)
		return false
	}

	fields := strings.Fields(line)
	command, args := fields[0], fields[1:]
	switch command {
	case "/help":
		u.printf("%s", helpText)
	case "/quit", "/exit":
		return true
	case "/login", "/register":
		if len(args) != 2 {
			u.fail(fmt.Errorf("usage: %s <user> <password>", command))
			return false
		}
		u.login(ctx, command == "/register", args[0], args[1])
	case "/logout":
		u.closeView()
		if err := u.client.Logout(ctx); err != nil {
			u.fail(err)
			return false
		}
		u.notice("logged out")
	case "/chats":
		u.listChats(ctx)
	case "/open":
		if len(args) != 1 {
			u.fail(errors.New("usage: /open <peer-id>"))
			return false
		}
		u.open(ctx, args[0])
	case "/close":
		u.closeView()
	case "/image":
		if len(args) != 1 {
			u.fail(errors.New("usage: /image <path>"))
			return false
		}
		u.sendImage(ctx, args[0])
	case "/audio":
		if len(args) != 1 || (args[0] != "start" && args[0] != "stop") {
			u.fail(errors.New("usage: /audio start|stop"))
			return false
		}
		u.audio(ctx, args[0])
	case "/resync":
		if view := u.currentView(); view != nil {
			if err := view.Resync(ctx); err != nil {
				u.fail(err)
			}
		}
	case "/save":
		if len(args) != 2 {
			u.fail(errors.New("usage: /save <media-ref> <path>"))
			return false
		}
		u.save(ctx, args[0], args[1])
	default:
		u.fail(fmt.Errorf("unknown command %s (try /help)", command))
	}
	return false
}

func (u *ui) login(ctx context.Context, register bool, username, password string) {
	u.closeView()
	u.client.Disconnect()

	var session *models.Session
	var err error
	if register {
		session, err = u.client.Register(ctx, username, password)
	} else {
		session, err = u.client.Login(ctx, username, password)
	}
	if err != nil {
		u.fail(err)
		return
	}
	u.notice("logged in as %s (%s)", username, session.UserID)
	u.connect(ctx)
	u.listChats(ctx)
}

func (u *ui) listChats(ctx context.Context) {
	self := u.client.SelfID()
	if self == "" {
		u.fail(client.ErrNoSession)
		return
	}
	conversations, err := u.client.Directory.List(ctx, self)
	if err != nil {
		u.fail(err)
		return
	}
	if len(conversations) == 0 {
		u.notice("no conversations yet; /open <peer-id> to start one")
		return
	}
	u.printf("%s", headerStyle.Render("conversations"))
	for _, conv := range conversations {
		u.printf("  %s %s  %s  %s",
			peerStyle.Render(conv.PeerDisplayName),
			timeStyle.Render("("+conv.PeerID+")"),
			conv.LastMessagePreview,
			timeStyle.Render(conv.LastMessageTime.Local().Format(time.Stamp)),
		)
	}
}

func (u *ui) open(ctx context.Context, peerID string) {
	u.closeView()

	view, err := u.client.History.Open(ctx, u.client.SelfID(), peerID)
	if err != nil {
		u.fail(err)
		return
	}

	done := make(chan struct{})
	u.mu.Lock()
	u.view = view
	u.printed = make(map[string]bool)
	u.renderDone = done
	u.mu.Unlock()

	u.printf("%s", headerStyle.Render("conversation with "+peerID))
	go u.render(view, done)
}

// render prints messages as they appear in view until it is closed.
func (u *ui) render(view *client.HistoryView, done chan struct{}) {
	defer close(done)
	u.renderNew(view)
	for range view.Updates() {
		u.renderNew(view)
	}
}

func (u *ui) renderNew(view *client.HistoryView) {
	self := u.client.SelfID()
	for _, msg := range view.Messages() {
		u.mu.Lock()
		if u.view != view {
			u.mu.Unlock()
			return
		}
		key := msg.ClientID
		if key == "" {
			key = msg.Key()
		}
		if msg.State == models.StateFailed && !u.printed["failed:"+key] {
			u.printed["failed:"+key] = true
			u.mu.Unlock()
			u.printf("%s", errorStyle.Render("  (not delivered) "+describe(&msg)))
			continue
		}
		seen := u.printed[key]
		u.printed[key] = true
		u.mu.Unlock()
		if !seen {
			u.printMessage(self, &msg)
		}
	}
}

func (u *ui) printMessage(self string, msg *models.Message) {
	who := peerStyle.Render(msg.SenderID)
	if msg.SenderID == self {
		who = selfStyle.Render("me")
	}
	body := describe(msg)
	if msg.Kind.IsMedia() {
		body = mediaStyle.Render(body)
	}
	if msg.State == models.StatePending {
		body += " " + pendingStyle.Render("(sending)")
	}
	u.printf("%s %s: %s", timeStyle.Render(msg.CreatedAt.Local().Format("15:04")), who, body)
}

func describe(msg *models.Message) string {
	if msg.Kind.IsMedia() {
		return fmt.Sprintf("%s %s", msg.Preview(), msg.MediaRef)
	}
	return msg.Content
}

// announce notes messages that arrive for conversations other than the open one.
func (u *ui) announce(msg models.Message) {
	self := u.client.SelfID()
	peer := msg.SenderID
	if peer == self {
		return
	}
	if view := u.currentView(); view != nil && view.Peer() == peer {
		return
	}
	u.notice("new message from %s: %s", peer, msg.Preview())
}

func (u *ui) currentView() *client.HistoryView {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.view
}

func (u *ui) closeView() {
	u.mu.Lock()
	view, done := u.view, u.renderDone
	u.view, u.renderDone = nil, nil
	u.mu.Unlock()

	if view != nil {
		view.Close()
		<-done
	}
}

func (u *ui) requireView() (*client.HistoryView, bool) {
	view := u.currentView()
	if view == nil {
		u.fail(errors.New("no open conversation; use /open <peer-id>"))
		return nil, false
	}
	return view, true
}

func (u *ui) sendText(ctx context.Context, text string) {
	view, ok := u.requireView()
	if !ok {
		return
	}
	if _, err := u.client.Composer.SendText(ctx, u.client.SelfID(), view.Peer(), text); err != nil {
		u.fail(err)
	}
}

func (u *ui) sendImage(ctx context.Context, path string) {
	view, ok := u.requireView()
	if !ok {
		return
	}
	file, err := client.MediaFileFromPath(path)
	if err != nil {
		u.fail(err)
		return
	}
	if _, err := u.client.Composer.SendMedia(ctx, u.client.SelfID(), view.Peer(), file, models.KindImage); err != nil {
		u.fail(err)
	}
}

func (u *ui) audio(ctx context.Context, action string) {
	view, ok := u.requireView()
	if !ok {
		return
	}

	u.mu.Lock()
	recorder := u.recorder
	u.mu.Unlock()

	switch action {
	case "start":
		if recorder != nil {
			u.fail(audio.ErrAlreadyStarted)
			return
		}
		if len(u.audioCommand) == 0 {
			u.fail(errors.New("no audio_command configured"))
			return
		}
		recorder = audio.NewCommandRecorder(u.audioCommand[0], u.audioCommand[1:]...)
		if err := recorder.Start(); err != nil {
			u.fail(err)
			return
		}
		u.mu.Lock()
		u.recorder = recorder
		u.mu.Unlock()
		u.notice("recording; /audio stop to send")

	case "stop":
		if recorder == nil {
			u.fail(audio.ErrNotStarted)
			return
		}
		u.mu.Lock()
		u.recorder = nil
		u.mu.Unlock()
		if _, err := u.client.Composer.SendAudio(ctx, u.client.SelfID(), view.Peer(), recorder); err != nil {
			u.fail(err)
		}
	}
}

func (u *ui) save(ctx context.Context, mediaRef, path string) {
	data, err := u.client.Composer.Download(ctx, mediaRef)
	if err != nil {
		u.fail(err)
		return
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		u.fail(err)
		return
	}
	u.notice("saved %d bytes to %s", len(data), path)
}
