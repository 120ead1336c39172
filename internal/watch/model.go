// Package watch is a terminal viewer for the live object model.
//
// It is a bubbletea program: stream updates arrive as UpdateMsg values sent
// from the gRPC stream goroutine, Update folds them into the table and View
// renders it.
package watch

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/banshee-data/worldmodel/internal/stream"
	"github.com/banshee-data/worldmodel/internal/worldmodel"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// UpdateMsg carries one stream update into the program.
type UpdateMsg stream.Update

// ErrMsg reports that the stream ended.
type ErrMsg struct{ Err error }

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	baseStyle   = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("240"))
)

var columns = []table.Column{
	{Title: "Object", Width: 16},
	{Title: "Class", Width: 12},
	{Title: "State", Width: 10},
	{Title: "Support", Width: 9},
	{Title: "X", Width: 8},
	{Title: "Y", Width: 8},
	{Title: "Z", Width: 8},
	{Title: "σxy", Width: 7},
}

// Model is the viewer state.
type Model struct {
	Source string

	table         table.Model
	objects       []worldmodel.Object
	showDiscarded bool
	updates       int
	lastUpdate    time.Time
	err           error
}

// NewModel creates an empty viewer for the given source address.
func NewModel(source string) Model {
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(15),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("240")).BorderBottom(true).Bold(false)
	s.Selected = s.Selected.Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57")).Bold(false)
	t.SetStyles(s)
	return Model{Source: source, table: t}
}

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "d":
			m.showDiscarded = !m.showDiscarded
			m.refresh()
			return m, nil
		}

	case tea.WindowSizeMsg:
		if h := msg.Height - 6; h > 3 {
			m.table.SetHeight(h)
		}
		return m, nil

	case UpdateMsg:
		m.apply(stream.Update(msg))
		return m, nil

	case ErrMsg:
		m.err = msg.Err
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// apply folds an update into the object list. Model updates replace it;
// object updates replace the matching entry or append a new one.
func (m *Model) apply(u stream.Update) {
	m.updates++
	m.lastUpdate = u.Time
	switch u.Kind {
	case stream.KindModel:
		m.objects = append(m.objects[:0:0], u.Objects...)
	case stream.KindObject:
		if u.Object == nil {
			return
		}
		replaced := false
		for i := range m.objects {
			if m.objects[i].Info.ObjectID == u.Object.Info.ObjectID {
				m.objects[i] = *u.Object
				replaced = true
				break
			}
		}
		if !replaced {
			m.objects = append(m.objects, *u.Object)
		}
	}
	m.refresh()
}

func (m *Model) refresh() {
	rows := make([]table.Row, 0, len(m.objects))
	for _, obj := range m.objects {
		if obj.State == worldmodel.StateDiscarded && !m.showDiscarded {
			continue
		}
		rows = append(rows, objectRow(obj))
	}
	m.table.SetRows(rows)
}

func objectRow(obj worldmodel.Object) table.Row {
	pos := obj.Pose.Position
	sigma := math.Sqrt(math.Max(obj.Covariance.At(0, 0)+obj.Covariance.At(1, 1), 0))
	return table.Row{
		obj.Info.ObjectID,
		obj.Info.ClassID,
		obj.State.String(),
		fmt.Sprintf("%.1f", obj.Info.Support),
		fmt.Sprintf("%.2f", pos.X),
		fmt.Sprintf("%.2f", pos.Y),
		fmt.Sprintf("%.2f", pos.Z),
		fmt.Sprintf("%.2f", sigma),
	}
}

// Rows returns the rows currently shown.
func (m Model) Rows() []table.Row { return m.table.Rows() }

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("World model @ %s", m.Source)))
	b.WriteString("\n")
	b.WriteString(baseStyle.Render(m.table.View()))
	b.WriteString("\n")

	status := fmt.Sprintf("%d objects shown, %d updates", len(m.table.Rows()), m.updates)
	if !m.lastUpdate.IsZero() {
		status += ", last " + m.lastUpdate.Format("15:04:05")
	}
	if m.showDiscarded {
		status += ", showing discarded"
	}
	b.WriteString(statusStyle.Render(status + "  (d: toggle discarded, q: quit)"))
	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("stream ended: " + m.err.Error()))
	}
	return b.String()
}
