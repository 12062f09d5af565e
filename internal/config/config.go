package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/petervdpas/sirenconsole/internal/util"
)

// MaxConsoles is the size of the installation.
const MaxConsoles = 7

type Config struct {
	Consoles     []Console `json:"consoles"`
	Server       Server    `json:"server"`
	Sequencer    Sequencer `json:"sequencer"`
	Network      Network   `json:"network"`
	Events       Events    `json:"events"`
	Game         Game      `json:"game"`
	Logging      Logging   `json:"logging"`
	SnapshotPath string    `json:"snapshot_path"`
}

type Console struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Enabled       bool   `json:"enabled"`
	Outputs       int    `json:"outputs"`       // siren outputs, divides the RPM
	Transposition int    `json:"transposition"` // octaves
}

// UnmarshalJSON fills fields missing from the document with their defaults,
// so a console entry only needs an id and a host.
func (c *Console) UnmarshalJSON(b []byte) error {
	type plain Console
	v := plain{Port: 10002, Enabled: true, Outputs: 8, Transposition: 1}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*c = Console(v)
	return nil
}

type Server struct {
	HTTPAddr string `json:"http_addr"`
}

type Sequencer struct {
	TickMs  int    `json:"tick_ms"`
	MidiDir string `json:"midi_dir"`
}

type Network struct {
	ReconnectMs        int `json:"reconnect_ms"`
	HealthCheckMs      int `json:"health_check_ms"`
	RetrySweepMs       int `json:"retry_sweep_ms"`
	StatusMs           int `json:"status_ms"`
	FlushStaggerMs     int `json:"flush_stagger_ms"`
	QueueMax           int `json:"queue_max"`
	HandshakeTimeoutMs int `json:"handshake_timeout_ms"`
}

type Events struct {
	Max int `json:"max"`
}

type Game struct {
	LeaderboardMs int `json:"leaderboard_ms"`
}

// Logging sets go-log levels per subsystem, e.g. {"sequencer": "debug"}.
type Logging struct {
	Levels map[string]string `json:"levels"`
}

func Default() Config {
	outputs := []int{12, 12, 8, 9, 8, 8, 8}
	consoles := make([]Console, 0, MaxConsoles)
	for i := 0; i < MaxConsoles; i++ {
		tr := 1
		if i == MaxConsoles-1 {
			tr = 0
		}
		consoles = append(consoles, Console{
			ID:            fmt.Sprintf("P%d", i+1),
			Name:          fmt.Sprintf("Pupitre %d", i+1),
			Host:          fmt.Sprintf("192.168.1.%d", 41+i),
			Port:          10002,
			Enabled:       true,
			Outputs:       outputs[i],
			Transposition: tr,
		})
	}
	return Config{
		Consoles: consoles,
		Server: Server{
			HTTPAddr: "127.0.0.1:8000",
		},
		Sequencer: Sequencer{
			TickMs:  50,
			MidiDir: "midi",
		},
		Network: Network{
			ReconnectMs:        3000,
			HealthCheckMs:      5000,
			RetrySweepMs:       2000,
			StatusMs:           1000,
			FlushStaggerMs:     20,
			QueueMax:           64,
			HandshakeTimeoutMs: 5000,
		},
		Events: Events{
			Max: 500,
		},
		Game: Game{
			LeaderboardMs: 2000,
		},
		Logging: Logging{
			Levels: map[string]string{},
		},
		SnapshotPath: "data/snapshot.json",
	}
}

func (c *Config) Validate() error {
	// Consoles
	if len(c.Consoles) > MaxConsoles {
		return fmt.Errorf("at most %d consoles are supported, got %d", MaxConsoles, len(c.Consoles))
	}
	seen := make(map[string]bool, len(c.Consoles))
	for i, con := range c.Consoles {
		id := strings.TrimSpace(con.ID)
		if id == "" {
			return fmt.Errorf("consoles[%d].id is required", i)
		}
		if seen[id] {
			return fmt.Errorf("consoles[%d].id %q is duplicated", i, id)
		}
		seen[id] = true
		if con.Port < 1 || con.Port > 65535 {
			return fmt.Errorf("consoles[%d].port must be 1..65535", i)
		}
		if con.Enabled && strings.TrimSpace(con.Host) == "" {
			return fmt.Errorf("consoles[%d].host is required when enabled", i)
		}
		if con.Outputs < 1 {
			return fmt.Errorf("consoles[%d].outputs must be >= 1", i)
		}
	}

	// Server
	if strings.TrimSpace(c.Server.HTTPAddr) == "" {
		return errors.New("server.http_addr is required")
	}

	// Sequencer
	if c.Sequencer.TickMs <= 0 {
		return errors.New("sequencer.tick_ms must be > 0")
	}
	if strings.TrimSpace(c.Sequencer.MidiDir) == "" {
		return errors.New("sequencer.midi_dir is required")
	}

	// Network
	intervals := []struct {
		name string
		v    int
	}{
		{"network.reconnect_ms", c.Network.ReconnectMs},
		{"network.health_check_ms", c.Network.HealthCheckMs},
		{"network.retry_sweep_ms", c.Network.RetrySweepMs},
		{"network.status_ms", c.Network.StatusMs},
		{"network.queue_max", c.Network.QueueMax},
		{"network.handshake_timeout_ms", c.Network.HandshakeTimeoutMs},
		{"events.max", c.Events.Max},
		{"game.leaderboard_ms", c.Game.LeaderboardMs},
	}
	for _, iv := range intervals {
		if iv.v <= 0 {
			return fmt.Errorf("%s must be > 0", iv.name)
		}
	}
	if c.Network.FlushStaggerMs < 0 {
		return errors.New("network.flush_stagger_ms must be >= 0")
	}

	// Logging
	for sys, lvl := range c.Logging.Levels {
		if _, err := logging.LevelFromString(lvl); err != nil {
			return fmt.Errorf("logging.levels.%s: %w", sys, err)
		}
	}

	if strings.TrimSpace(c.SnapshotPath) == "" {
		return errors.New("snapshot_path is required")
	}
	return nil
}

// Ms converts a millisecond setting.
func Ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// EnabledConsoles returns the consoles to connect to, in file order.
func (c *Config) EnabledConsoles() []Console {
	var out []Console
	for _, con := range c.Consoles {
		if con.Enabled {
			out = append(out, con)
		}
	}
	return out
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(util.StripBOM(b), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
