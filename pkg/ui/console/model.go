package console

import (
	"context"
	"fmt"
	"strings"
	"time"

	"popupbridge/pkg/bus"
	"popupbridge/pkg/playground"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const mouseWheelLines = 3

// Driver is the part of a playground session the console talks to.
type Driver interface {
	Open(ctx context.Context, url string) error
	Send(msgType string, value any) error
	Close() error
	CloseFromPopup() error
	UserClose() error
	Updates() <-chan playground.Update
	Info() playground.Info
}

type feedItem struct {
	role    string
	title   string
	content string
}

type updateMsg struct {
	update playground.Update
	ok     bool
}

type actionResultMsg struct {
	action string
	err    error
}

type bootTickMsg struct{}

type model struct {
	ctx    context.Context
	driver Driver

	theme     theme
	spinner   spinner.Model
	input     textinput.Model
	viewport  viewport.Model
	feed      []feedItem
	width     int
	height    int
	isReady   bool
	busy      string
	lastErr   string
	booting   bool
	bootStep  int
	followLog bool
	sent      int
	received  int
	streamEnd bool
}

func newModel(ctx context.Context, driver Driver) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = "Type a message, or /open, /close, /closeself, /userclose"
	in.Focus()
	in.CharLimit = 0

	vp := viewport.New(80, 12)

	return &model{
		ctx:       ctx,
		driver:    driver,
		theme:     defaultTheme(),
		spinner:   spin,
		input:     in,
		viewport:  vp,
		width:     100,
		height:    28,
		booting:   true,
		followLog: true,
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(bootTickCmd(), waitForUpdate(m.driver))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case bootTickMsg:
		if !m.booting {
			return m, nil
		}

		m.bootStep++
		if m.bootStep < len(bootScriptLines())+1 {
			return m, bootTickCmd()
		}

		m.booting = false
		return m, textinput.Blink
	case updateMsg:
		if !typed.ok {
			m.streamEnd = true
			return m, nil
		}
		m.applyUpdate(typed.update)
		m.refreshViewport(false)
		return m, waitForUpdate(m.driver)
	case actionResultMsg:
		m.busy = ""
		if typed.err != nil {
			m.lastErr = typed.err.Error()
			m.feed = append(m.feed, feedItem{role: "error", title: typed.action, content: typed.err.Error()})
		} else {
			m.lastErr = ""
		}
		m.refreshViewport(false)
		return m, nil
	case tea.MouseMsg:
		if m.handleViewportMouse(typed) {
			return m, nil
		}
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		}

		if m.booting {
			return m, nil
		}
		if handled := m.handleViewportKey(typed); handled {
			return m, nil
		}

		if typed.String() == "enter" {
			line := strings.TrimSpace(m.input.Value())
			if line == "" {
				return m, nil
			}
			if isExitCommand(line) {
				return m, tea.Quit
			}

			m.input.SetValue("")
			m.followLog = true
			return m, m.runLine(line)
		}
	}

	m.input, cmd = m.input.Update(msg)

	if tick, ok := msg.(spinner.TickMsg); ok {
		if m.busy == "" {
			return m, cmd
		}
		var spinCmd tea.Cmd
		m.spinner, spinCmd = m.spinner.Update(tick)
		return m, tea.Batch(cmd, spinCmd)
	}

	return m, cmd
}

// runLine turns one line of input into a driver call.
func (m *model) runLine(line string) tea.Cmd {
	command, arg := parseCommand(line)

	var (
		action string
		fn     func() error
	)
	switch command {
	case "/open":
		action = "open"
		fn = func() error { return m.driver.Open(m.ctx, arg) }
	case "/close":
		action = "close"
		fn = m.driver.Close
	case "/closeself":
		action = "close from popup"
		fn = m.driver.CloseFromPopup
	case "/userclose":
		action = "user close"
		fn = m.driver.UserClose
	case "":
		m.sent++
		m.feed = append(m.feed, feedItem{role: "sent", content: arg})
		action = "send"
		fn = func() error { return m.driver.Send(playground.TypeChat, arg) }
	default:
		m.feed = append(m.feed, feedItem{role: "error", title: "input", content: fmt.Sprintf("unknown command %s", command)})
		m.refreshViewport(true)
		return nil
	}

	m.lastErr = ""
	m.busy = action
	m.refreshViewport(true)
	return tea.Batch(m.spinner.Tick, runAction(action, fn))
}

func (m *model) applyUpdate(update playground.Update) {
	switch update.Kind {
	case playground.UpdateMessage:
		m.received++
		m.feed = append(m.feed, feedItem{
			role:    "reply",
			title:   update.Message.Type.String(),
			content: fmt.Sprint(update.Message.Value),
		})
	case playground.UpdateClosed:
		content := "closed by the bridge"
		if update.Close.ByUser() {
			content = update.Close.Err.Error()
		}
		m.feed = append(m.feed, feedItem{role: "closed", content: content})
	case playground.UpdateEvent:
		if line, ok := describeEvent(update.Event); ok {
			m.feed = append(m.feed, feedItem{role: "event", content: line})
		}
	}
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}
	if m.booting {
		return m.bootView()
	}

	info := m.driver.Info()
	header := m.theme.header.Width(m.width - 2).Render("popupbridge console")
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"popup:%s · codec:%s · readiness:%s · token:%s · pending:%d · sent/received:%d/%d",
		popupLabel(info),
		displayOrNA(info.Codec),
		displayOrNA(info.Readiness),
		displayOrNA(info.Token),
		info.Pending,
		m.sent,
		m.received,
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	status := m.theme.status.Render("Enter send · PgUp/PgDn scroll · End jump latest · Ctrl+C/Esc quit")
	if m.busy != "" {
		status = m.theme.statusBusy.Render(fmt.Sprintf("%s %s...", m.spinner.View(), m.busy))
	}
	if m.lastErr != "" {
		status = m.theme.statusErr.Render("last command failed: " + m.lastErr)
	}
	if m.streamEnd {
		status = m.theme.statusErr.Render("session ended")
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		meta,
		line,
		m.theme.viewport.Width(m.width-2).Render(m.viewport.View()),
		status,
		m.theme.inputLabel.Render("opener")+" "+m.theme.hint.Render("(type /exit, quit, or :q)"),
		m.theme.input.Width(m.width-2).Render(m.input.View()),
	)
}

func (m *model) resizeComponents() {
	w := m.width - 6
	if w < 50 {
		w = 50
	}
	h := m.height - 10
	if h < 8 {
		h = 8
	}

	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 2
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset
	sections := make([]string, 0, len(m.feed))
	for _, item := range m.feed {
		switch item.role {
		case "sent":
			sections = append(sections, m.renderCard(
				m.theme.sentTitle.Render("opener → popup"),
				m.theme.sentBox.Width(m.viewport.Width).Render(strings.TrimSpace(item.content)),
			))
		case "reply":
			sections = append(sections, m.renderCard(
				m.theme.replyTitle.Render("popup → opener · "+item.title),
				m.theme.replyBox.Width(m.viewport.Width).Render(strings.TrimSpace(item.content)),
			))
		case "closed":
			sections = append(sections, m.renderCard(
				m.theme.closedTitle.Render("popup closed"),
				m.theme.closedBox.Width(m.viewport.Width).Render(item.content),
			))
		case "event":
			sections = append(sections, m.theme.eventLine.Render("· "+item.content))
		case "error":
			sections = append(sections, m.renderCard(
				m.theme.errorTitle.Render("error · "+item.title),
				m.theme.errorBox.Width(m.viewport.Width).Render(strings.TrimSpace(item.content)),
			))
		}
	}

	m.viewport.SetContent(strings.Join(sections, "\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := m.viewport.TotalLineCount() - m.viewport.Height
	if maxOffset < 0 {
		maxOffset = 0
	}
	if previousOffset > maxOffset {
		previousOffset = maxOffset
	}
	m.viewport.SetYOffset(previousOffset)
}

func (m *model) renderCard(title string, body string) string {
	return lipgloss.JoinVertical(lipgloss.Left, title, body)
}

func (m *model) bootView() string {
	header := m.theme.header.Width(m.width - 2).Render("popupbridge console")
	meta := m.theme.headerMeta.Render("starting simulated browser")
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	script := bootScriptLines()
	count := min(m.bootStep, len(script))
	visible := make([]string, 0, count+1)
	for i := 0; i < count; i++ {
		visible = append(visible, m.theme.bootLine.Render(script[i]))
	}
	if m.bootStep > len(script) {
		visible = append(visible, m.theme.bootDone.Render("opener ready"))
	}

	body := m.theme.viewport.Width(m.width - 2).Render(strings.Join(visible, "\n"))
	return lipgloss.JoinVertical(lipgloss.Left, header, meta, line, body)
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.ViewUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.ViewDown()
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}

	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.LineUp(mouseWheelLines)
		m.followLog = false
		return true
	case tea.MouseButtonWheelDown:
		m.viewport.LineDown(mouseWheelLines)
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	default:
		return false
	}
}

func bootTickCmd() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(_ time.Time) tea.Msg {
		return bootTickMsg{}
	})
}

func bootScriptLines() []string {
	return []string{
		"[BOOT] starting window loops",
		"[BOOT] minting opener token",
		"[BOOT] installing message listener",
	}
}

func waitForUpdate(driver Driver) tea.Cmd {
	return func() tea.Msg {
		update, ok := <-driver.Updates()
		return updateMsg{update: update, ok: ok}
	}
}

func runAction(action string, fn func() error) tea.Cmd {
	return func() tea.Msg {
		return actionResultMsg{action: action, err: fn()}
	}
}

// parseCommand splits "/cmd arg" lines; plain text comes back with an
// empty command.
func parseCommand(line string) (string, string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return "", line
	}

	command, arg, _ := strings.Cut(line, " ")
	return strings.ToLower(command), strings.TrimSpace(arg)
}

// describeEvent renders the bridge events worth showing; queue and retry
// chatter is skipped.
func describeEvent(event bus.Event) (string, bool) {
	switch event.Type {
	case bus.EventMessagesFlushed:
		return fmt.Sprintf("flushed %d queued message(s) to %s", event.Count, event.Peer), true
	case bus.EventQueueGaveUp:
		return fmt.Sprintf("gave up on %d message(s) for %s", event.Count, event.Peer), true
	case bus.EventEnvelopeDropped:
		return fmt.Sprintf("dropped envelope (%s)", displayOrNA(event.Reason)), true
	case bus.EventHandlerFailed:
		return fmt.Sprintf("handler failed for %s: %s", displayOrNA(event.MessageType), event.Error), true
	case bus.EventWindowClosed:
		return fmt.Sprintf("window %s closed (%s)", event.Peer, displayOrNA(event.Reason)), true
	default:
		return "", false
	}
}

func popupLabel(info playground.Info) string {
	switch {
	case info.PopupURL == "":
		return "none"
	case info.PopupOpen:
		return info.PopupURL
	default:
		return info.PopupURL + " (closed)"
	}
}

func displayOrNA(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "n/a"
	}

	return trimmed
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}
