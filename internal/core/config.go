package core

import (
	"time"
)

type Config struct {
	Spotify SpotifyConfig
	Game    GameConfig
	Store   StoreConfig
	Server  ServerConfig
	Log     LogConfig
}

type SpotifyConfig struct {
	ClientID    string
	RedirectURL string
	AuthURL     string
	TokenURL    string
	Scopes      []string
}

type GameConfig struct {
	// PlayWindow is how much of a track a round plays before the reveal.
	PlayWindow time.Duration
	// ScanDebounce suppresses duplicate decoder frames of the same card.
	ScanDebounce time.Duration
	// TransferRetries is the number of retries after the first transfer
	// attempt (total attempts = TransferRetries + 1).
	TransferRetries int
	// ProgressTick drives the countdown display only, never the cutoff.
	ProgressTick time.Duration
	// SDKReadyTimeout bounds the wait for the playback SDK ready event.
	SDKReadyTimeout time.Duration
}

type StoreConfig struct {
	DBPath                  string
	PlayedCapacity          int
	PlayedFalsePositiveRate float64
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

func DefaultConfig() *Config {
	return &Config{
		Spotify: SpotifyConfig{
			RedirectURL: "http://localhost:8080/callback",
			AuthURL:     "https://accounts.spotify.com/authorize",
			TokenURL:    "https://accounts.spotify.com/api/token",
			Scopes: []string{
				"streaming",
				"user-read-playback-state",
				"user-modify-playback-state",
				"user-read-currently-playing",
			},
		},
		Game: GameConfig{
			PlayWindow:      30 * time.Second,
			ScanDebounce:    1500 * time.Millisecond,
			TransferRetries: 2,
			ProgressTick:    80 * time.Millisecond,
			SDKReadyTimeout: 8 * time.Second,
		},
		Store: StoreConfig{
			DBPath:                  "./hitspin.db",
			PlayedCapacity:          10000,
			PlayedFalsePositiveRate: 0.001,
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
