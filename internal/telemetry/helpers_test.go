package telemetry

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"aqara-gateway-go/internal/loop"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type firedEvent struct {
	name string
	data map[string]any
}

type sentCommand struct {
	device  string
	command map[string]any
}

// recorder captures everything an entity hands to its host.
type recorder struct {
	clock  *loop.Manual
	snaps  []Snapshot
	events []firedEvent
	sent   []sentCommand
}

func (r *recorder) Send(device string, command map[string]any) error {
	r.sent = append(r.sent, sentCommand{device, command})
	return nil
}

func (r *recorder) env() Env {
	return Env{
		Sched:  r.clock,
		Notify: func(s Snapshot) { r.snaps = append(r.snaps, s) },
		Fire: func(name string, data map[string]any) {
			r.events = append(r.events, firedEvent{name, data})
		},
		Sender: r,
		Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}
}

func (r *recorder) eventCount(name string) int {
	n := 0
	for _, e := range r.events {
		if e.name == name {
			n++
		}
	}
	return n
}

func (r *recorder) last(t *testing.T) Snapshot {
	t.Helper()
	if len(r.snaps) == 0 {
		t.Fatal("no snapshot notified")
	}
	return r.snaps[len(r.snaps)-1]
}

func newRecorder() *recorder {
	return &recorder{clock: loop.NewManual(epoch)}
}

func testProfile(model string) Profile {
	return Profile{Device: "lumi.158d0001a2b3c4", Model: model}
}
