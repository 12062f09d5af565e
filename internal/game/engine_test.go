package game

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/petervdpas/sirenconsole/internal/frame"
	"github.com/petervdpas/sirenconsole/internal/proto"
)

type fakeOut struct {
	mu     sync.Mutex
	cmds   []map[string]any
	frames []frame.Frame
}

func (o *fakeOut) Broadcast(cmd proto.Command) int {
	b, _ := cmd.Encode()
	var m map[string]any
	json.Unmarshal(b, &m)
	o.mu.Lock()
	o.cmds = append(o.cmds, m)
	o.mu.Unlock()
	return 1
}

func (o *fakeOut) BroadcastBinary(b []byte) int {
	f, err := frame.Decode(b)
	if err != nil {
		panic(err)
	}
	o.mu.Lock()
	o.frames = append(o.frames, f)
	o.mu.Unlock()
	return 1
}

func (o *fakeOut) commands() []map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]map[string]any(nil), o.cmds...)
}

func (o *fakeOut) boards() []frame.Leaderboard {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []frame.Leaderboard
	for _, f := range o.frames {
		if lb, ok := f.(frame.Leaderboard); ok {
			out = append(out, lb)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func newTestEngine(t *testing.T) (*Engine, *fakeOut, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1_000_000))
	out := &fakeOut{}
	e := New(out, mock, time.Second)
	t.Cleanup(e.Close)
	return e, out, mock
}

func TestStartAnnouncesSyncTimestamp(t *testing.T) {
	e, out, _ := newTestEngine(t)
	at, err := e.Start(Options{MidiFile: "song.mid"})
	if err != nil {
		t.Fatal(err)
	}
	if at != 1_003_000 {
		t.Fatalf("sync timestamp = %d", at)
	}
	cmds := out.commands()
	if len(cmds) != 1 {
		t.Fatalf("got %d commands", len(cmds))
	}
	c := cmds[0]
	if c["type"] != proto.TypeGameStart || c["mode"] != "practice" || c["difficulty"] != "normal" {
		t.Fatalf("start = %v", c)
	}
	if c["syncTimestamp"].(float64) != 1_003_000 || c["countdown"].(float64) != 3 {
		t.Fatalf("start = %v", c)
	}
	opts := c["options"].(map[string]any)
	if opts["lookaheadMs"].(float64) != 2000 || opts["toleranceMs"].(float64) != 150 || opts["showNotes"] != true {
		t.Fatalf("options = %v", opts)
	}
	if !e.Active() {
		t.Fatal("engine not active")
	}
}

func TestStartNeedsFile(t *testing.T) {
	e, out, _ := newTestEngine(t)
	if _, err := e.Start(Options{}); !errors.Is(err, ErrNoFile) {
		t.Fatalf("err = %v", err)
	}
	if len(out.commands()) != 0 || e.Active() {
		t.Fatal("failed start must not broadcast")
	}
}

func TestLeaderboardRanksByScore(t *testing.T) {
	e, out, mock := newTestEngine(t)
	e.Start(Options{MidiFile: "song.mid"})
	e.HandleScoreUpdate(frame.ScoreUpdate{ConsoleID: 1, Score: 500, Combo: 2, MaxCombo: 7, Accuracy: 80})
	e.HandleScoreUpdate(frame.ScoreUpdate{ConsoleID: 2, Score: 900, Combo: 1, MaxCombo: 3, Accuracy: 95})
	e.HandleScoreUpdate(frame.ScoreUpdate{ConsoleID: 3, Score: 100, MaxCombo: 1, Accuracy: 40})

	mock.Add(time.Second)
	waitFor(t, "leaderboard", func() bool { return len(out.boards()) > 0 })

	lb := out.boards()[0]
	want := []frame.LeaderboardEntry{
		{Rank: 1, ConsoleID: 2, Score: 900, Combo: 3, Accuracy: 95},
		{Rank: 2, ConsoleID: 1, Score: 500, Combo: 7, Accuracy: 80},
		{Rank: 3, ConsoleID: 3, Score: 100, Combo: 1, Accuracy: 40},
	}
	if len(lb.Entries) != len(want) {
		t.Fatalf("entries = %v", lb.Entries)
	}
	for i := range want {
		if lb.Entries[i] != want[i] {
			t.Fatalf("entry %d = %+v, want %+v", i, lb.Entries[i], want[i])
		}
	}
}

func TestNoLeaderboardWithoutPlayers(t *testing.T) {
	e, out, mock := newTestEngine(t)
	e.Start(Options{MidiFile: "song.mid"})
	mock.Add(time.Second)
	mock.Add(time.Second)
	time.Sleep(20 * time.Millisecond)
	if n := len(out.boards()); n != 0 {
		t.Fatalf("broadcast %d empty leaderboards", n)
	}
}

func TestGameEndsWhenAllFinished(t *testing.T) {
	e, out, _ := newTestEngine(t)
	e.Start(Options{MidiFile: "song.mid"})
	e.HandleScoreUpdate(frame.ScoreUpdate{ConsoleID: 1, Score: 300})
	e.HandleScoreUpdate(frame.ScoreUpdate{ConsoleID: 2, Score: 200})

	e.HandleGameEnd(1, proto.GameEnd{ConsoleID: "P1", FinalScore: 300, Accuracy: 0.875})
	if !e.Active() {
		t.Fatal("ended with one player still running")
	}
	e.HandleGameEnd(2, proto.GameEnd{ConsoleID: "P2", FinalScore: 200, Accuracy: 64})
	if e.Active() {
		t.Fatal("still active after every player finished")
	}

	boards := out.boards()
	if len(boards) != 1 || len(boards[0].Entries) != 2 {
		t.Fatalf("final leaderboard = %+v", boards)
	}
	if got := boards[0].Entries; got[0].Accuracy != 87 || got[1].Accuracy != 64 {
		t.Fatalf("final leaderboard accuracy = %+v", got)
	}

	st := e.State()
	if st.Players[0].Accuracy != 87 || st.Players[1].Accuracy != 64 {
		t.Fatalf("accuracy = %d, %d", st.Players[0].Accuracy, st.Players[1].Accuracy)
	}
}

func TestLateScoreKeepsPlayerFinished(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.Start(Options{MidiFile: "song.mid"})
	e.HandleScoreUpdate(frame.ScoreUpdate{ConsoleID: 1, Score: 300})
	e.HandleScoreUpdate(frame.ScoreUpdate{ConsoleID: 2, Score: 200})

	e.HandleGameEnd(1, proto.GameEnd{FinalScore: 300, Accuracy: 90})
	e.HandleScoreUpdate(frame.ScoreUpdate{ConsoleID: 1, Score: 310})
	e.HandleGameEnd(2, proto.GameEnd{FinalScore: 200, Accuracy: 70})

	if e.Active() {
		t.Fatal("late score update kept the round running")
	}
}

func TestGameEndFromUnknownPlayerIsIgnored(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.Start(Options{MidiFile: "song.mid"})
	e.HandleScoreUpdate(frame.ScoreUpdate{ConsoleID: 1, Score: 300})
	e.HandleGameEnd(5, proto.GameEnd{FinalScore: 10})
	if !e.Active() {
		t.Fatal("unknown console ended the game")
	}
	if e.State().PlayerCount != 1 {
		t.Fatal("unknown console was added")
	}
}

func TestAbortBroadcastsReasonAndStops(t *testing.T) {
	e, out, mock := newTestEngine(t)
	e.Start(Options{MidiFile: "song.mid"})
	e.HandleScoreUpdate(frame.ScoreUpdate{ConsoleID: 4, Score: 10})

	r := e.Abort("")
	if r.Reason != "Aborted by server" || len(r.Leaderboard) != 1 {
		t.Fatalf("result = %+v", r)
	}
	cmds := out.commands()
	last := cmds[len(cmds)-1]
	if last["type"] != proto.TypeGameAbort || last["reason"] != "Aborted by server" {
		t.Fatalf("abort = %v", last)
	}
	if e.Active() {
		t.Fatal("still active")
	}

	n := len(out.boards())
	mock.Add(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if len(out.boards()) != n {
		t.Fatal("leaderboard broadcast after abort")
	}
}

func TestPauseBroadcasts(t *testing.T) {
	e, out, _ := newTestEngine(t)
	e.Pause(true)
	e.Pause(false)
	cmds := out.commands()
	if len(cmds) != 2 || cmds[0]["paused"] != true || cmds[1]["paused"] != false {
		t.Fatalf("pause = %v", cmds)
	}
}

func TestAccuracyPercent(t *testing.T) {
	for in, want := range map[float64]uint8{0: 0, 0.5: 50, 1: 100, 87.9: 87, 250: 100, -3: 0} {
		if got := accuracyPercent(in); got != want {
			t.Fatalf("accuracyPercent(%v) = %d, want %d", in, got, want)
		}
	}
}
