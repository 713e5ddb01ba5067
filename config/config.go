// Package config holds the static, startup-time configuration for the room
// server: transport settings, room defaults, username/level restrictions,
// and the per-action ratelimit table (spec §6 "Configuration").
package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"

	"github.com/SneezingCactus/manifold-server/internal/ratelimit"
)

// UsernameRestrictions gates the admission pipeline's username checks
// (spec §4.F stages 5-8).
type UsernameRestrictions struct {
	NoDuplicates  bool   `envconfig:"NO_DUPLICATES" default:"true"`
	NoEmptyNames  bool   `envconfig:"NO_EMPTY_NAMES" default:"true"`
	MaxLength     int    `envconfig:"MAX_LENGTH" default:"15"`
	DisallowRegex string `envconfig:"DISALLOW_REGEX" default:""`
}

// LevelRestrictions gates the admission pipeline's level/xp checks
// (spec §4.F stages 9-12).
type LevelRestrictions struct {
	MinLevel         int  `envconfig:"MIN_LEVEL" default:"0"`
	MaxLevel         int  `envconfig:"MAX_LEVEL" default:"999999"`
	OnlyAllowNumbers bool `envconfig:"ONLY_ALLOW_NUMBERS" default:"true"`
	CensorLevels     bool `envconfig:"CENSOR_LEVELS" default:"false"`
}

// Restrictions bundles the admission-time username and level restrictions,
// plus the chat message length cap. The per-action ratelimit table is
// Config.Ratelimits.
type Restrictions struct {
	Usernames            UsernameRestrictions
	Levels                LevelRestrictions
	MaxChatMessageLength  int `envconfig:"MAX_CHAT_MESSAGE_LENGTH" default:"100"`
}

// GameSettings is the default settings record a fresh room starts with
// (spec §3 GameSettings); the host can mutate its fields through
// dispatcher opcodes once the room is running.
type GameSettings struct {
	Map  string         `json:"map"`
	GT   int            `json:"gt"`
	WL   int            `json:"wl"`
	Q    bool           `json:"q"`
	TL   bool           `json:"tl"`
	Tea  bool           `json:"tea"`
	GA   string         `json:"ga"`
	Mo   string         `json:"mo"`
	Bal  map[string]int `json:"bal"`
}

// RatelimitConfig is the raw (amount, timeframe-seconds, restore-seconds)
// tuple for one action class, as read from the environment;
// toRatelimitConfig converts the seconds to durations at startup.
type RatelimitConfig struct {
	Amount    int `envconfig:"AMOUNT"`
	Timeframe int `envconfig:"TIMEFRAME"` // seconds
	Restore   int `envconfig:"RESTORE"`   // seconds
}

func (r RatelimitConfig) toRatelimitConfig() ratelimit.Config {
	return ratelimit.Config{
		Amount:    r.Amount,
		Timeframe: time.Duration(r.Timeframe) * time.Second,
		Restore:   time.Duration(r.Restore) * time.Second,
	}
}

// Ratelimits holds one RatelimitConfig per action class named in spec §6.
type Ratelimits struct {
	Joining           RatelimitConfig `envconfig:"JOINING"`
	Chatting          RatelimitConfig `envconfig:"CHATTING"`
	ChangingTeams     RatelimitConfig `envconfig:"CHANGING_TEAMS"`
	Readying          RatelimitConfig `envconfig:"READYING"`
	TransferringHost  RatelimitConfig `envconfig:"TRANSFERRING_HOST"`
	ChangingMode      RatelimitConfig `envconfig:"CHANGING_MODE"`
	ChangingMap       RatelimitConfig `envconfig:"CHANGING_MAP"`
	StartGameCountdown RatelimitConfig `envconfig:"START_GAME_COUNTDOWN"`
	StartingEndingGame RatelimitConfig `envconfig:"STARTING_ENDING_GAME"`
}

// ToRatelimitTable converts the configured tuples into the map the
// internal/ratelimit.Limiter expects, keyed by the same action-class names
// the dispatch table uses.
func (r Ratelimits) ToRatelimitTable() map[ratelimit.Action]ratelimit.Config {
	return map[ratelimit.Action]ratelimit.Config{
		"joining":           r.Joining.toRatelimitConfig(),
		"chatting":          r.Chatting.toRatelimitConfig(),
		"changingTeams":     r.ChangingTeams.toRatelimitConfig(),
		"readying":          r.Readying.toRatelimitConfig(),
		"transferringHost":  r.TransferringHost.toRatelimitConfig(),
		"changingMode":      r.ChangingMode.toRatelimitConfig(),
		"changingMap":       r.ChangingMap.toRatelimitConfig(),
		"startGameCountdown": r.StartGameCountdown.toRatelimitConfig(),
		"startingEndingGame": r.StartingEndingGame.toRatelimitConfig(),
	}
}

// Config is the complete static startup configuration.
type Config struct {
	Port     int    `envconfig:"PORT" default:"3000"`
	UseHTTPS bool   `envconfig:"USE_HTTPS" default:"false"`
	Host     string `envconfig:"HOST" default:"0.0.0.0"`

	RoomNameOnStartup     string `envconfig:"ROOM_NAME_ON_STARTUP" default:"a bonk.io room"`
	RoomPasswordOnStartup string `envconfig:"ROOM_PASSWORD_ON_STARTUP" default:""`

	MaxPlayers      int  `envconfig:"MAX_PLAYERS" default:"8"`
	AutoAssignHost  bool `envconfig:"AUTO_ASSIGN_HOST" default:"true"`
	TimeStampFormat string `envconfig:"TIME_STAMP_FORMAT" default:"2006-01-02T15:04:05Z07:00"`

	EnableCORS bool `envconfig:"ENABLE_CORS" default:"true"`

	BanlistPath   string `envconfig:"BANLIST_PATH" default:"banlist.json"`
	ChatLogDir    string `envconfig:"CHAT_LOG_DIR" default:"chatlogs"`

	// AcceptRatePerSecond / AcceptBurst configure the process-wide
	// golang.org/x/time/rate limiter in front of the websocket upgrade -
	// independent of the per-address "joining" action class above.
	AcceptRatePerSecond float64 `envconfig:"ACCEPT_RATE_PER_SECOND" default:"20"`
	AcceptBurst         int     `envconfig:"ACCEPT_BURST" default:"40"`

	Restrictions Restrictions
	Ratelimits   Ratelimits

	DefaultGameSettings GameSettings
}

// DefaultGameSettings returns the settings record a fresh room starts with
// when none is supplied via the environment.
func DefaultGameSettings() GameSettings {
	return GameSettings{
		Map: "",
		GT:  0,
		WL:  3,
		Q:   false,
		TL:  false,
		Tea: true,
		GA:  "b",
		Mo:  "b",
		Bal: map[string]int{},
	}
}

// Load reads configuration from the environment, optionally preceded by a
// .env file in the working directory (its absence is not an error -
// mirrors the teacher's permissive os.Getenv fallback, generalized to
// typed parsing via envconfig instead of manual strconv.Atoi calls).
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file found, continuing with process environment")
	}

	var cfg Config
	cfg.DefaultGameSettings = DefaultGameSettings()

	if err := envconfig.Process("BONK", &cfg); err != nil {
		return nil, err
	}

	if cfg.DefaultGameSettings.Bal == nil {
		cfg.DefaultGameSettings.Bal = map[string]int{}
	}

	return &cfg, nil
}
