package watch

import (
	"context"
	"errors"

	"github.com/banshee-data/worldmodel/internal/stream"
	tea "github.com/charmbracelet/bubbletea"
)

// Streamer is the update source. *stream.Client implements it.
type Streamer interface {
	StreamUpdates(ctx context.Context, fn func(stream.Update) error) error
}

// Pump forwards updates from s to send until the stream ends, then reports
// how it ended. Cancellation of ctx is not reported.
func Pump(ctx context.Context, s Streamer, send func(tea.Msg)) {
	err := s.StreamUpdates(ctx, func(u stream.Update) error {
		send(UpdateMsg(u))
		return nil
	})
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = errors.New("server closed the stream")
	}
	send(ErrMsg{Err: err})
}

// Run shows the viewer until the user quits or ctx is cancelled.
func Run(ctx context.Context, s Streamer, source string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(NewModel(source), tea.WithAltScreen(), tea.WithContext(ctx))
	go Pump(ctx, s, p.Send)

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
