// Package game coordinates a multi-console rhythm game: it starts rounds,
// collects the scores each console computes, and broadcasts the leaderboard.
package game

import (
	"errors"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/petervdpas/sirenconsole/internal/frame"
	"github.com/petervdpas/sirenconsole/internal/proto"
	"github.com/petervdpas/sirenconsole/internal/util"
)

var ErrNoFile = errors.New("game needs a midi file")

// Broadcaster reaches every console.
type Broadcaster interface {
	Broadcast(cmd proto.Command) int
	BroadcastBinary(b []byte) int
}

// Options configure one round. Zero values take the defaults.
type Options struct {
	MidiFile     string `json:"midiFile"`
	Mode         string `json:"mode"`       // practice | performance | challenge | training
	Difficulty   string `json:"difficulty"` // easy | normal | hard | expert
	Countdown    *int   `json:"countdown"`
	LookaheadMs  int    `json:"lookaheadMs"`
	ToleranceMs  int    `json:"toleranceMs"`
	ShowNotes    *bool  `json:"showNotes"`
	PracticeMode bool   `json:"practiceMode"`
}

func (o *Options) setDefaults() {
	if o.Mode == "" {
		o.Mode = "practice"
	}
	if o.Difficulty == "" {
		o.Difficulty = "normal"
	}
	if o.Countdown == nil || *o.Countdown < 0 {
		n := 3
		o.Countdown = &n
	}
	if o.LookaheadMs <= 0 {
		o.LookaheadMs = 2000
	}
	if o.ToleranceMs <= 0 {
		o.ToleranceMs = 150
	}
	if o.ShowNotes == nil {
		v := true
		o.ShowNotes = &v
	}
}

// Player is the last reported score of one console.
type Player struct {
	ConsoleID  uint8          `json:"pupitreId"`
	Score      uint32         `json:"score"`
	Combo      uint16         `json:"combo"`
	MaxCombo   uint16         `json:"maxCombo"`
	Accuracy   uint8          `json:"accuracy"`
	Perfect    uint8          `json:"perfect"`
	Good       uint8          `json:"good"`
	Miss       uint8          `json:"miss"`
	Hits       int            `json:"hits"`
	LastUpdate time.Time      `json:"lastUpdate"`
	Finished   bool           `json:"finished"`
	FinalScore float64        `json:"finalScore,omitempty"`
	Rank       int            `json:"rank,omitempty"`
	Stats      map[string]any `json:"stats,omitempty"`
}

// Standing is one leaderboard row.
type Standing struct {
	Rank      uint8  `json:"rank"`
	ConsoleID uint8  `json:"pupitreId"`
	Score     uint32 `json:"score"`
	Combo     uint16 `json:"combo"`
	Accuracy  uint8  `json:"accuracy"`
}

type State struct {
	Active      bool       `json:"active"`
	Mode        string     `json:"mode"`
	Difficulty  string     `json:"difficulty"`
	MidiFile    string     `json:"midiFile"`
	StartTime   int64      `json:"startTime"`
	PlayerCount int        `json:"playerCount"`
	Leaderboard []Standing `json:"leaderboard"`
	Players     []Player   `json:"players"`
}

// Result is returned when a round ends.
type Result struct {
	Leaderboard []Standing `json:"leaderboard"`
	DurationMs  int64      `json:"duration"`
	Reason      string     `json:"reason,omitempty"`
}

type Engine struct {
	out      Broadcaster
	clk      clock.Clock
	interval time.Duration

	mu        sync.Mutex
	active    bool
	opts      Options
	syncAt    time.Time
	players   map[uint8]*Player
	standings []Standing
	task      *util.Task
}

func New(out Broadcaster, clk clock.Clock, interval time.Duration) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Engine{out: out, clk: clk, interval: interval, players: make(map[uint8]*Player)}
}

// Start opens a round and tells every console when to begin. Returns the
// shared start timestamp in unix milliseconds.
func (e *Engine) Start(opts Options) (int64, error) {
	if opts.MidiFile == "" {
		return 0, ErrNoFile
	}
	opts.setDefaults()

	e.mu.Lock()
	if e.task != nil {
		e.task.Cancel()
	}
	e.active = true
	e.opts = opts
	e.players = make(map[uint8]*Player)
	e.standings = nil
	e.syncAt = e.clk.Now().Add(time.Duration(*opts.Countdown) * time.Second)
	syncMs := e.syncAt.UnixMilli()
	e.task = util.Every(e.clk, "leaderboard", e.interval, e.broadcastStandings)
	e.mu.Unlock()

	log.Printf("GAME: start %s (mode %s, difficulty %s, countdown %ds)", opts.MidiFile, opts.Mode, opts.Difficulty, *opts.Countdown)
	e.out.Broadcast(proto.NewCommand(proto.TypeGameStart, map[string]any{
		"midiFile":      opts.MidiFile,
		"mode":          opts.Mode,
		"difficulty":    opts.Difficulty,
		"syncTimestamp": syncMs,
		"countdown":     *opts.Countdown,
		"options": map[string]any{
			"lookaheadMs":  opts.LookaheadMs,
			"toleranceMs":  opts.ToleranceMs,
			"showNotes":    *opts.ShowNotes,
			"practiceMode": opts.PracticeMode,
		},
	}))
	return syncMs, nil
}

// HandleScoreUpdate records the running score a console reports.
func (e *Engine) HandleScoreUpdate(u frame.ScoreUpdate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.players[u.ConsoleID]
	if !ok {
		p = &Player{ConsoleID: u.ConsoleID}
		e.players[u.ConsoleID] = p
	}
	p.Score = u.Score
	p.Combo = u.Combo
	p.MaxCombo = u.MaxCombo
	p.Accuracy = u.Accuracy
	p.Perfect = u.Perfect
	p.Good = u.Good
	p.Miss = u.Miss
	p.LastUpdate = e.clk.Now()
	e.rankLocked()
}

// HandleNoteHit counts one graded note.
func (e *Engine) HandleNoteHit(h frame.NoteHit) {
	e.mu.Lock()
	if p, ok := e.players[h.ConsoleID]; ok {
		p.Hits++
	}
	e.mu.Unlock()
	if h.Rating == frame.RatingPerfect {
		log.Printf("GAME: P%d PERFECT note %d, %d pts, timing %+dms", h.ConsoleID, h.Note, h.Points(), h.TimingMs)
	}
}

// HandleGameEnd marks a console finished. The round ends once every known
// player has finished.
func (e *Engine) HandleGameEnd(id uint8, ge proto.GameEnd) {
	e.mu.Lock()
	if p, ok := e.players[id]; ok {
		p.FinalScore = ge.FinalScore
		p.Accuracy = accuracyPercent(ge.Accuracy)
		p.Rank = ge.Rank
		p.Stats = ge.Stats
		p.Finished = true
		e.rankLocked()
	}
	log.Printf("GAME: P%d finished with %.0f pts", id, ge.FinalScore)

	all := len(e.players) > 0
	for _, p := range e.players {
		all = all && p.Finished
	}
	if !all || !e.active {
		e.mu.Unlock()
		return
	}
	log.Printf("GAME: all players finished")
	e.endLocked("")
}

// accuracyPercent accepts a 0..1 fraction or a 0..100 percentage.
func accuracyPercent(a float64) uint8 {
	if a <= 1 {
		a *= 100
	}
	return uint8(math.Max(0, math.Min(100, math.Floor(a))))
}

func (e *Engine) rankLocked() {
	list := make([]*Player, 0, len(e.players))
	for _, p := range e.players {
		list = append(list, p)
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Score != list[j].Score {
			return list[i].Score > list[j].Score
		}
		return list[i].ConsoleID < list[j].ConsoleID
	})
	e.standings = make([]Standing, len(list))
	for i, p := range list {
		e.standings[i] = Standing{
			Rank:      uint8(i + 1),
			ConsoleID: p.ConsoleID,
			Score:     p.Score,
			Combo:     p.MaxCombo,
			Accuracy:  p.Accuracy,
		}
	}
}

func (e *Engine) leaderboardFrameLocked() []byte {
	if !e.active || len(e.standings) == 0 {
		return nil
	}
	lb := frame.Leaderboard{Entries: make([]frame.LeaderboardEntry, len(e.standings))}
	for i, s := range e.standings {
		lb.Entries[i] = frame.LeaderboardEntry{
			Rank:      s.Rank,
			ConsoleID: s.ConsoleID,
			Score:     s.Score,
			Combo:     s.Combo,
			Accuracy:  s.Accuracy,
		}
	}
	return frame.Encode(lb)
}

func (e *Engine) broadcastStandings() {
	e.mu.Lock()
	b := e.leaderboardFrameLocked()
	e.mu.Unlock()
	if b != nil {
		e.out.BroadcastBinary(b)
	}
}

// Pause tells every console to pause or resume.
func (e *Engine) Pause(paused bool) {
	e.out.Broadcast(proto.GamePause(paused))
	if paused {
		log.Printf("GAME: paused")
	} else {
		log.Printf("GAME: resumed")
	}
}

// Abort cancels the round.
func (e *Engine) Abort(reason string) Result {
	if reason == "" {
		reason = "Aborted by server"
	}
	e.out.Broadcast(proto.GameAbort(reason))
	e.mu.Lock()
	r := e.endLocked(reason)
	log.Printf("GAME: aborted: %s", reason)
	return r
}

// endLocked stops the leaderboard task, sends the final leaderboard and
// releases the lock.
func (e *Engine) endLocked(reason string) Result {
	if e.task != nil {
		e.task.Cancel()
		e.task = nil
	}
	final := e.leaderboardFrameLocked()
	e.active = false
	r := Result{
		Leaderboard: append([]Standing(nil), e.standings...),
		DurationMs:  e.clk.Now().Sub(e.syncAt).Milliseconds(),
		Reason:      reason,
	}
	e.mu.Unlock()

	if final != nil {
		e.out.BroadcastBinary(final)
	}
	for _, s := range r.Leaderboard {
		log.Printf("GAME:   %d. P%d %d pts (combo %d, acc %d%%)", s.Rank, s.ConsoleID, s.Score, s.Combo, s.Accuracy)
	}
	return r
}

func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := State{
		Active:      e.active,
		Mode:        e.opts.Mode,
		Difficulty:  e.opts.Difficulty,
		MidiFile:    e.opts.MidiFile,
		PlayerCount: len(e.players),
		Leaderboard: append([]Standing{}, e.standings...),
		Players:     make([]Player, 0, len(e.players)),
	}
	if !e.syncAt.IsZero() {
		st.StartTime = e.syncAt.UnixMilli()
	}
	for _, p := range e.players {
		st.Players = append(st.Players, *p)
	}
	sort.Slice(st.Players, func(i, j int) bool { return st.Players[i].ConsoleID < st.Players[j].ConsoleID })
	return st
}

// Close stops the leaderboard task.
func (e *Engine) Close() {
	e.mu.Lock()
	t := e.task
	e.task = nil
	e.mu.Unlock()
	t.Stop()
}
