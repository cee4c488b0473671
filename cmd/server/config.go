package main

import (
	"fmt"
	"time"
)

type Config struct {
	StoreBackend string `env:"STORE_BACKEND,default=memory"`
	StorePath    string `env:"STORE_PATH"`
	LogLevel     string `env:"LOG_LEVEL,default=info"`
	Host         string `env:"HOST,default=localhost"`
	Port         int    `env:"PORT,default=8080"`

	AckTimeout          time.Duration `env:"ACK_TIMEOUT,default=10s"`
	SweepInterval       time.Duration `env:"SWEEP_INTERVAL,default=1m"`
	InactivityThreshold time.Duration `env:"INACTIVITY_THRESHOLD,default=1h"`
	MessageRetention    time.Duration `env:"MESSAGE_RETENTION,default=720h"`
	RetentionInterval   time.Duration `env:"RETENTION_INTERVAL,default=1h"`

	CensoredWords   string `env:"CENSORED_WORDS"`
	CensoredChar    string `env:"MODERATION_CHARACTER_REPLACEMENT,default=*"`
	TrustIssuer     string `env:"TRUST_ISSUER"`
	TrustAudiences  string `env:"TRUST_AUDIENCES"`
	TrustAlgorithms string `env:"TRUST_ALGORITHMS,default=RS256"`
	TrustHSSecret   string `env:"TRUST_HS_SECRET"`
	IgnoreExpiry    bool   `env:"IGNORE_EXPIRATION"`
	IgnoreNotBefore bool   `env:"IGNORE_NOT_BEFORE"`
}

// CharacterRune enforces a single-rune replacement character.
func CharacterRune(str string) (rune, error) {
	r := []rune(str)
	if len(r) != 1 {
		return 0, fmt.Errorf(
			"MODERATION_CHARACTER_REPLACEMENT must be a single character, got %q",
			str,
		)
	}
	return r[0], nil
}
