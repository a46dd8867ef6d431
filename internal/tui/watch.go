package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"k8s.io/utils/clock"

	"github.com/felixgeelhaar/crust/internal/notify"
	"github.com/felixgeelhaar/crust/internal/session"
)

const maxNotices = 5

// SnapshotMsg carries a new controller snapshot into the model.
type SnapshotMsg struct {
	Snapshot    session.Snapshot
	NextRefresh time.Time
}

// NoticeMsg carries a user-visible notice or redirect.
type NoticeMsg notify.Message

// watchClosedMsg is sent when the snapshot channel closes.
type watchClosedMsg struct{}

type tickMsg time.Time

// KeyMap holds the watch view key bindings.
type KeyMap struct {
	Quit    key.Binding
	SignOut key.Binding
}

// DefaultKeyMap returns the default bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c", "esc"),
			key.WithHelp("q", "quit"),
		),
		SignOut: key.NewBinding(
			key.WithKeys("o"),
			key.WithHelp("o", "sign out"),
		),
	}
}

// WatchModel renders the live session state for `crust session watch`.
type WatchModel struct {
	snapshots <-chan session.Snapshot
	next      func() (time.Time, bool)
	signOut   func() tea.Msg
	clock     clock.PassiveClock

	snap        session.Snapshot
	nextRefresh time.Time
	notices     []notify.Message
	closed      bool
	quitting    bool

	spinner spinner.Model
	keys    KeyMap
	styles  Styles
}

// WatchOption configures a WatchModel.
type WatchOption func(*WatchModel)

// WithNextRefresh supplies the armed refresh time for each snapshot.
func WithNextRefresh(fn func() (time.Time, bool)) WatchOption {
	return func(m *WatchModel) { m.next = fn }
}

// WithSignOut enables the sign-out key. fn runs off the UI goroutine and
// its result, if non-nil, is fed back as a message.
func WithSignOut(fn func() tea.Msg) WatchOption {
	return func(m *WatchModel) { m.signOut = fn }
}

// WithClock replaces the clock used for countdowns.
func WithClock(c clock.PassiveClock) WatchOption {
	return func(m *WatchModel) { m.clock = c }
}

// NewWatchModel watches snapshots until the channel closes.
func NewWatchModel(initial session.Snapshot, snapshots <-chan session.Snapshot, opts ...WatchOption) WatchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	m := WatchModel{
		snapshots: snapshots,
		clock:     clock.RealClock{},
		snap:      initial,
		spinner:   sp,
		keys:      DefaultKeyMap(),
		styles:    DefaultStyles(),
	}
	for _, opt := range opts {
		opt(&m)
	}
	m.nextRefresh = m.lookupNext()
	return m
}

func (m WatchModel) lookupNext() time.Time {
	if m.next == nil {
		return time.Time{}
	}
	if at, ok := m.next(); ok {
		return at
	}
	return time.Time{}
}

// waitForSnapshot blocks on the channel in a tea.Cmd goroutine.
func waitForSnapshot(ch <-chan session.Snapshot, next func() (time.Time, bool)) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-ch
		if !ok {
			return watchClosedMsg{}
		}
		msg := SnapshotMsg{Snapshot: snap}
		if next != nil {
			if at, armed := next(); armed {
				msg.NextRefresh = at
			}
		}
		return msg
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init starts the spinner, the countdown tick and the snapshot wait.
func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick(), waitForSnapshot(m.snapshots, m.next))
}

// Update handles messages and updates the model state (required by Bubble Tea)
func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, m.keys.SignOut) && m.signOut != nil && m.snap.SignedIn():
			return m, m.signOut
		}
		return m, nil

	case SnapshotMsg:
		m.snap = msg.Snapshot
		m.nextRefresh = msg.NextRefresh
		return m, waitForSnapshot(m.snapshots, m.next)

	case NoticeMsg:
		m.notices = append(m.notices, notify.Message(msg))
		if len(m.notices) > maxNotices {
			m.notices = m.notices[len(m.notices)-maxNotices:]
		}
		return m, nil

	case watchClosedMsg:
		m.closed = true
		m.quitting = true
		return m, tea.Quit

	case tickMsg:
		if m.quitting {
			return m, nil
		}
		return m, tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// Snapshot returns the last snapshot the model has seen.
func (m WatchModel) Snapshot() session.Snapshot { return m.snap }

// Closed reports whether the controller stopped publishing.
func (m WatchModel) Closed() bool { return m.closed }

// View renders the TUI (required by Bubble Tea)
func (m WatchModel) View() string {
	var b strings.Builder

	b.WriteString(m.styles.Title.Render("crust session"))
	b.WriteString("\n")
	b.WriteString(m.renderBody())

	if len(m.notices) > 0 {
		b.WriteString("\n\n")
		for _, n := range m.notices {
			b.WriteString(m.renderNotice(n))
			b.WriteString("\n")
		}
	}

	if !m.quitting {
		b.WriteString(m.renderHelp())
	}
	b.WriteString("\n")
	return b.String()
}

func (m WatchModel) row(label, value string) string {
	return m.styles.Label.Render(label) + m.styles.Value.Render(value) + "\n"
}

func (m WatchModel) renderBody() string {
	var b strings.Builder

	b.WriteString(m.row("State", m.renderState()))

	if m.snap.IsLoading || !m.snap.SessionChecked {
		b.WriteString(m.row("", m.spinner.View()+" checking session"))
		return m.styles.Border.Render(strings.TrimRight(b.String(), "\n"))
	}

	if u := m.snap.User; u != nil {
		name := u.Username
		if name == "" {
			name = u.Email
		}
		if name == "" {
			name = u.ID
		}
		b.WriteString(m.row("User", name))
		b.WriteString(m.row("Roles", m.renderRoles()))
		b.WriteString(m.row("Expires in", m.countdown(u.ExpiresAt)))
		if !m.nextRefresh.IsZero() {
			b.WriteString(m.row("Refresh in", m.countdown(m.nextRefresh)))
		}
		if m.snap.State == session.Refreshing {
			b.WriteString(m.row("", m.spinner.View()+" refreshing"))
		}
	} else {
		b.WriteString(m.row("User", m.styles.Muted.Render("nobody signed in")))
	}

	return m.styles.Border.Render(strings.TrimRight(b.String(), "\n"))
}

func (m WatchModel) renderState() string {
	style := m.styles.Badge
	switch m.snap.State {
	case session.Authenticated:
		style = style.Inherit(m.styles.Success)
	case session.Checking, session.Refreshing:
		style = style.Inherit(m.styles.Warning)
	case session.SignedOut:
		style = style.Inherit(m.styles.Error)
	default:
		style = style.Inherit(m.styles.Muted)
	}
	return style.Render(m.snap.State.String())
}

func (m WatchModel) renderRoles() string {
	var roles []string
	if m.snap.IsAdmin {
		roles = append(roles, "admin")
	}
	if m.snap.IsStaff {
		roles = append(roles, "staff")
	}
	out := "member"
	if len(roles) > 0 {
		out = strings.Join(roles, ", ")
	}
	if m.snap.IsSuspended {
		out += " " + m.styles.Error.Render("(suspended)")
	}
	return out
}

func (m WatchModel) countdown(at time.Time) string {
	d := at.Sub(m.clock.Now()).Round(time.Second)
	if d <= 0 {
		return m.styles.Error.Render("now")
	}
	return fmt.Sprintf("%s (%s)", d, at.Local().Format("15:04:05"))
}

func (m WatchModel) renderNotice(n notify.Message) string {
	switch n.Kind {
	case notify.KindRedirect:
		return m.styles.Muted.Render("→ " + n.Route)
	default:
		style := m.styles.Warning
		if n.Level == notify.LevelError {
			style = m.styles.Error
		}
		return style.Render("! ") + n.Text
	}
}

func (m WatchModel) renderHelp() string {
	parts := []string{m.keys.Quit.Help().Key + " " + m.keys.Quit.Help().Desc}
	if m.signOut != nil && m.snap.SignedIn() {
		parts = append(parts, m.keys.SignOut.Help().Key+" "+m.keys.SignOut.Help().Desc)
	}
	return m.styles.Help.Render(strings.Join(parts, " • "))
}
