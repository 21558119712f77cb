package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// RegionUnit is the width in metres of one grid cell.
const RegionUnit = 256

type Config struct {
	Host     HostSpec     `yaml:"host"`
	Grid     GridSpec     `yaml:"grid"`
	Regions  []RegionSpec `yaml:"regions"`
	Services ServiceURLs  `yaml:"services,omitempty"`
	Timeouts TimeoutSpec  `yaml:"timeouts"`
	Handoff  HandoffSpec  `yaml:"handoff"`
	Redis    RedisSpec    `yaml:"redis,omitempty"`
	Log      LogSpec      `yaml:"log"`
	DataDir  string       `yaml:"data_dir"`
}

type HostSpec struct {
	Listen    string `yaml:"listen"`
	ServerURI string `yaml:"server_uri"`
}

type GridSpec struct {
	GatekeeperURI string `yaml:"gatekeeper_uri"`
	ScopeID       string `yaml:"scope_id"`
	Standalone    bool   `yaml:"standalone"`
	// AllowForeignArrivals lets agents from other grids hand off into our regions.
	AllowForeignArrivals bool `yaml:"allow_foreign_arrivals"`
}

type RegionSpec struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	LocX     uint32 `yaml:"loc_x"`
	LocY     uint32 `yaml:"loc_y"`
	SizeX    uint32 `yaml:"size_x"`
	SizeY    uint32 `yaml:"size_y"`
	Access   uint8  `yaml:"access"`
	Default  bool   `yaml:"default"`
	Fallback bool   `yaml:"fallback"`
	// ServerURI is set for regions hosted by another simulator; empty means this process.
	ServerURI string `yaml:"server_uri,omitempty"`
}

type ServiceURLs struct {
	Asset     string `yaml:"asset,omitempty"`
	Inventory string `yaml:"inventory,omitempty"`
	Presence  string `yaml:"presence,omitempty"`
	Groups    string `yaml:"groups,omitempty"`
	Profile   string `yaml:"profile,omitempty"`
}

type TimeoutSpec struct {
	QueryAccessMS int `yaml:"query_access_ms"`
	CreateAgentMS int `yaml:"create_agent_ms"`
	UpdateAgentMS int `yaml:"update_agent_ms"`
	ReleaseMS     int `yaml:"release_ms"`
	GatekeeperMS  int `yaml:"gatekeeper_ms"`
}

type HandoffSpec struct {
	// LegacyTeleport lets teleports proceed against peers older than 0.2
	// using the fire-and-forget update with a release callback.
	LegacyTeleport bool `yaml:"legacy_teleport"`
	// MaxAgents caps agents per region; zero means unlimited.
	MaxAgents int `yaml:"max_agents"`
	// VerifySessions checks arriving agents against the presence store.
	VerifySessions bool `yaml:"verify_sessions"`
	// Audit enables the on-disk hand-off log under data_dir.
	Audit bool `yaml:"audit"`
}

type RedisSpec struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

type LogSpec struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("simhost.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("simhost.yaml: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		Host: HostSpec{
			Listen:    ":9000",
			ServerURI: "http://127.0.0.1:9000/",
		},
		Grid: GridSpec{
			GatekeeperURI: "http://127.0.0.1:9000/",
			ScopeID:       uuid.Nil.String(),
			Standalone:    true,
		},
		Regions: []RegionSpec{
			{
				ID:       "11111111-1111-1111-1111-111111111111",
				Name:     "Welcome",
				LocX:     1000,
				LocY:     1000,
				SizeX:    RegionUnit,
				SizeY:    RegionUnit,
				Default:  true,
				Fallback: true,
			},
			{
				ID:       "22222222-2222-2222-2222-222222222222",
				Name:     "Sandbox",
				LocX:     1001,
				LocY:     1000,
				SizeX:    RegionUnit,
				SizeY:    RegionUnit,
				Fallback: true,
			},
		},
		Timeouts: TimeoutSpec{
			QueryAccessMS: 10000,
			CreateAgentMS: 30000,
			UpdateAgentMS: 20000,
			ReleaseMS:     20000,
			GatekeeperMS:  20000,
		},
		Handoff: HandoffSpec{
			MaxAgents: 100,
			Audit:     true,
		},
		Log: LogSpec{
			Level:  "info",
			Format: "console",
		},
		DataDir: "./data",
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Host.ServerURI = NormalizeURI(c.Host.ServerURI)
	c.Grid.GatekeeperURI = NormalizeURI(c.Grid.GatekeeperURI)
	for _, s := range []*string{&c.Services.Asset, &c.Services.Inventory, &c.Services.Presence, &c.Services.Groups, &c.Services.Profile} {
		*s = NormalizeURI(*s)
	}
	if strings.TrimSpace(c.Grid.ScopeID) == "" {
		c.Grid.ScopeID = uuid.Nil.String()
	}
	for i := range c.Regions {
		r := &c.Regions[i]
		r.Name = strings.TrimSpace(r.Name)
		r.ServerURI = NormalizeURI(r.ServerURI)
		if r.SizeX == 0 {
			r.SizeX = RegionUnit
		}
		if r.SizeY == 0 {
			r.SizeY = RegionUnit
		}
	}
	c.Timeouts = c.Timeouts.WithDefaults()
}

func (c Config) Validate() error {
	c.Normalize()
	if c.Host.ServerURI == "" {
		return fmt.Errorf("host.server_uri must not be empty")
	}
	if c.Grid.GatekeeperURI == "" {
		return fmt.Errorf("grid.gatekeeper_uri must not be empty")
	}
	if _, err := uuid.Parse(c.Grid.ScopeID); err != nil {
		return fmt.Errorf("grid.scope_id: %w", err)
	}
	if c.Handoff.MaxAgents < 0 {
		return fmt.Errorf("handoff.max_agents must be >= 0")
	}
	if c.Handoff.VerifySessions && c.Redis.Addr == "" && !c.Grid.Standalone {
		return fmt.Errorf("handoff.verify_sessions needs a shared presence store (redis.addr)")
	}
	if len(c.Regions) == 0 {
		return fmt.Errorf("regions must not be empty")
	}
	ids := map[string]bool{}
	names := map[string]bool{}
	cells := map[[2]uint32]string{}
	local := 0
	for _, r := range c.Regions {
		if _, err := uuid.Parse(r.ID); err != nil {
			return fmt.Errorf("region %q id: %w", r.Name, err)
		}
		if ids[r.ID] {
			return fmt.Errorf("duplicate region id: %s", r.ID)
		}
		ids[r.ID] = true
		if r.Name == "" {
			return fmt.Errorf("region %s name must not be empty", r.ID)
		}
		key := strings.ToLower(r.Name)
		if names[key] {
			return fmt.Errorf("duplicate region name: %s", r.Name)
		}
		names[key] = true
		if r.SizeX%RegionUnit != 0 || r.SizeY%RegionUnit != 0 {
			return fmt.Errorf("region %s size must be a multiple of %d", r.Name, RegionUnit)
		}
		cell := [2]uint32{r.LocX, r.LocY}
		if other, ok := cells[cell]; ok {
			return fmt.Errorf("region %s overlaps %s at %d,%d", r.Name, other, r.LocX, r.LocY)
		}
		cells[cell] = r.Name
		if r.ServerURI == "" || r.ServerURI == c.Host.ServerURI {
			local++
		}
	}
	if local == 0 {
		return fmt.Errorf("at least one region must be hosted locally")
	}
	return nil
}

// LocalRegions are the regions this process simulates.
func (c Config) LocalRegions() []RegionSpec {
	out := []RegionSpec{}
	for _, r := range c.Regions {
		if r.ServerURI == "" || r.ServerURI == c.Host.ServerURI {
			out = append(out, r)
		}
	}
	return out
}

// WithDefaults fills unset timeouts with the stock values.
func (t TimeoutSpec) WithDefaults() TimeoutSpec {
	def := defaults().Timeouts
	if t.QueryAccessMS <= 0 {
		t.QueryAccessMS = def.QueryAccessMS
	}
	if t.CreateAgentMS <= 0 {
		t.CreateAgentMS = def.CreateAgentMS
	}
	if t.UpdateAgentMS <= 0 {
		t.UpdateAgentMS = def.UpdateAgentMS
	}
	if t.ReleaseMS <= 0 {
		t.ReleaseMS = def.ReleaseMS
	}
	if t.GatekeeperMS <= 0 {
		t.GatekeeperMS = def.GatekeeperMS
	}
	return t
}

func (t TimeoutSpec) QueryAccess() time.Duration { return ms(t.QueryAccessMS) }
func (t TimeoutSpec) CreateAgent() time.Duration { return ms(t.CreateAgentMS) }
func (t TimeoutSpec) UpdateAgent() time.Duration { return ms(t.UpdateAgentMS) }
func (t TimeoutSpec) Release() time.Duration     { return ms(t.ReleaseMS) }
func (t TimeoutSpec) Gatekeeper() time.Duration  { return ms(t.GatekeeperMS) }

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// NormalizeURI lowercases the scheme/host part and guarantees a trailing slash.
func NormalizeURI(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		s = "http://" + s
	}
	if !strings.HasSuffix(s, "/") {
		s += "/"
	}
	return strings.ToLower(s)
}
