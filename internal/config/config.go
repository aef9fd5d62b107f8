// Package config loads process settings from defaults, an optional
// kartlobby.json, a .env file and KART_ environment variables, in rising
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/DoyleJ11/kart-lobby/internal/session"
	"github.com/DoyleJ11/kart-lobby/internal/storage"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const fileName = "kartlobby"

// ServerSettings covers everything outside the session itself.
type ServerSettings struct {
	Addr           string
	LogLevel       string
	LogDevelopment bool
	CatalogPath    string
	DB             storage.Config

	MessageRate  float64
	MessageBurst int
	IdleTimeout  time.Duration
}

// Load reads configuration from configDir. A missing config file or .env is
// not an error.
func Load(configDir string) error {
	if err := godotenv.Load(filepath.Join(configDir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error reading .env: %w", err)
	}

	d := session.Default()

	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("server.name", d.Name)
	viper.SetDefault("server.password", "")
	viper.SetDefault("server.version", d.Version)
	viper.SetDefault("server.minVersion", d.MinVersion)
	viper.SetDefault("server.maxPlayers", d.MaxPlayers)
	viper.SetDefault("server.minStartPlayers", d.MinStartPlayers)
	viper.SetDefault("server.ownerLess", false)
	viper.SetDefault("server.configurable", d.Configurable)
	viper.SetDefault("server.teamChoosing", d.TeamChoosing)
	viper.SetDefault("server.tickRate", d.TickRate)
	viper.SetDefault("server.bannedIdentities", []string{})

	viper.SetDefault("session.mode", int(d.Mode))
	viper.SetDefault("session.difficulty", d.Difficulty)
	viper.SetDefault("session.track", "")
	viper.SetDefault("session.laps", d.Laps)
	viper.SetDefault("session.reverse", false)
	viper.SetDefault("session.scoreLimit", 0)
	viper.SetDefault("session.timeLimit", 0)

	viper.SetDefault("timing.votingTimeout", d.Timing.Voting.String())
	viper.SetDefault("timing.loadTimeout", d.Timing.Load.String())
	viper.SetDefault("timing.resultsTimeout", d.Timing.Results.String())
	viper.SetDefault("timing.startDelay", d.Timing.StartDelay.String())
	viper.SetDefault("timing.autoStart", d.Timing.AutoStart.String())
	viper.SetDefault("timing.flagReturn", d.Timing.FlagReturn.String())

	viper.SetDefault("ctf.pickupRange", d.PickupRange)

	viper.SetDefault("protocol.maxViolations", d.MaxViolations)
	viper.SetDefault("protocol.messageRate", 50)
	viper.SetDefault("protocol.messageBurst", 100)
	viper.SetDefault("protocol.idleTimeout", "60s")

	viper.SetDefault("db.driver", storage.DriverSQLite)
	viper.SetDefault("db.dsn", "")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)

	viper.SetDefault("catalog.path", "")

	viper.SetEnvPrefix("KART")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName(fileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// Session builds the session configuration. The result is normalized and
// validated; an error here means the process must not start.
func Session() (session.Config, error) {
	cfg := session.Config{
		Name:            viper.GetString("server.name"),
		Password:        viper.GetString("server.password"),
		Version:         viper.GetUint32("server.version"),
		MinVersion:      viper.GetUint32("server.minVersion"),
		MaxPlayers:      viper.GetInt("server.maxPlayers"),
		MinStartPlayers: viper.GetInt("server.minStartPlayers"),
		OwnerLess:       viper.GetBool("server.ownerLess"),
		Configurable:    viper.GetBool("server.configurable"),
		TeamChoosing:    viper.GetBool("server.teamChoosing"),
		Banned:          viper.GetStringSlice("server.bannedIdentities"),

		Mode:       session.Mode(viper.GetUint("session.mode")),
		Difficulty: uint8(viper.GetUint("session.difficulty")),
		Track:      viper.GetString("session.track"),
		Laps:       uint8(viper.GetUint("session.laps")),
		Reverse:    viper.GetBool("session.reverse"),
		Limits: session.Limits{
			Score:   viper.GetInt("session.scoreLimit"),
			TimeSec: viper.GetInt("session.timeLimit"),
		},

		TickRate: viper.GetInt("server.tickRate"),
		Timing: session.Timing{
			Voting:     viper.GetDuration("timing.votingTimeout"),
			Load:       viper.GetDuration("timing.loadTimeout"),
			Results:    viper.GetDuration("timing.resultsTimeout"),
			StartDelay: viper.GetDuration("timing.startDelay"),
			AutoStart:  viper.GetDuration("timing.autoStart"),
			FlagReturn: viper.GetDuration("timing.flagReturn"),
		},
		PickupRange:   float32(viper.GetFloat64("ctf.pickupRange")),
		MaxViolations: viper.GetInt("protocol.maxViolations"),
	}
	if err := cfg.Validate(); err != nil {
		return session.Config{}, err
	}
	return cfg.Normalize(), nil
}

func Server() ServerSettings {
	return ServerSettings{
		Addr:           viper.GetString("server.addr"),
		LogLevel:       viper.GetString("log.level"),
		LogDevelopment: viper.GetBool("log.development"),
		CatalogPath:    viper.GetString("catalog.path"),
		DB: storage.Config{
			Driver: viper.GetString("db.driver"),
			DSN:    viper.GetString("db.dsn"),
		},
		MessageRate:  viper.GetFloat64("protocol.messageRate"),
		MessageBurst: viper.GetInt("protocol.messageBurst"),
		IdleTimeout:  viper.GetDuration("protocol.idleTimeout"),
	}
}
