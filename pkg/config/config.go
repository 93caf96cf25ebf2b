/*
 * Copyright 2024 dTelecom
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"fmt"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

var (
	ErrKeysNotSet = pkgerrors.New("one of api-key/api-secret or keys must be provided")
)

type Config struct {
	// websocket url of the media server, e.g. wss://example.com
	URL string `yaml:"url,omitempty"`
	// map of api key -> secret, used to mint join tokens
	Keys map[string]string `yaml:"keys,omitempty"`

	Timing  TimingConfig  `yaml:"timing,omitempty"`
	Audio   AudioConfig   `yaml:"audio,omitempty"`
	Logging LoggingConfig `yaml:"logging,omitempty"`

	Development bool `yaml:"development,omitempty"`
}

// TimingConfig holds the delay and retry knobs of the reconnection and
// restoration machinery. The delays are heuristics tuned against real
// deployments, not contracts; override them per environment.
type TimingConfig struct {
	// abort Connect if the transport has not established within this bound
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
	// wait after a reconnect before refreshing track state, since the
	// transport has usually not re-published local tracks immediately
	SettleDelay time.Duration `yaml:"settle_delay,omitempty"`
	// interval and cap for the best-effort publish-ready poll
	PublishReadyPollInterval time.Duration `yaml:"publish_ready_poll_interval,omitempty"`
	PublishReadyPollLimit    int           `yaml:"publish_ready_poll_limit,omitempty"`
	// wait after a device-enable call before looking for the new track
	RefreshDelay time.Duration `yaml:"refresh_delay,omitempty"`

	RestorationMaxAttempts int           `yaml:"restoration_max_attempts,omitempty"`
	RestorationBackoff     time.Duration `yaml:"restoration_backoff,omitempty"`

	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts,omitempty"`
	ReconnectBackoff     time.Duration `yaml:"reconnect_backoff,omitempty"`

	// collapse window for connection-quality driven refresh triggers
	QualityDebounce time.Duration `yaml:"quality_debounce,omitempty"`
}

type AudioConfig struct {
	// minimum level to be considered active, 0-127, where 0 is loudest
	ActiveLevel uint8 `yaml:"active_level,omitempty"`
	// percentile to measure, a track is considered active if it has
	// exceeded ActiveLevel more than MinPercentile% of the window
	MinPercentile uint8 `yaml:"min_percentile,omitempty"`
}

type LoggingConfig struct {
	// valid levels: debug, info, warn, error, fatal, panic
	Level     string `yaml:"level,omitempty"`
	JSON      bool   `yaml:"json,omitempty"`
	PionLevel string `yaml:"pion_level,omitempty"`
}

var DefaultConfig = Config{
	Timing: TimingConfig{
		ConnectTimeout:           15 * time.Second,
		SettleDelay:              2 * time.Second,
		PublishReadyPollInterval: 250 * time.Millisecond,
		PublishReadyPollLimit:    8,
		RefreshDelay:             time.Second,
		RestorationMaxAttempts:   3,
		RestorationBackoff:       2 * time.Second,
		ReconnectMaxAttempts:     3,
		ReconnectBackoff:         2 * time.Second,
		QualityDebounce:          3 * time.Second,
	},
	Audio: AudioConfig{
		ActiveLevel:   30,
		MinPercentile: 10,
	},
}

func NewConfig(confString string, strictMode bool, c *cli.Context) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	if err = yaml.Unmarshal(marshalled, &conf); err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c); err != nil {
			return nil, err
		}
	}

	conf.Timing.applyDefaults()
	return &conf, nil
}

func (conf *Config) updateFromCLI(c *cli.Context) error {
	if c.IsSet("url") {
		conf.URL = c.String("url")
	}
	if c.IsSet("api-key") != c.IsSet("api-secret") {
		return pkgerrors.Wrap(ErrKeysNotSet, "api-key and api-secret must be set together")
	}
	if c.IsSet("api-key") {
		if conf.Keys == nil {
			conf.Keys = make(map[string]string)
		}
		conf.Keys[c.String("api-key")] = c.String("api-secret")
	}
	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	return nil
}

// partial overrides from yaml leave zero values behind; re-fill them
// so callers never see a zero retry bound or timer
func (t *TimingConfig) applyDefaults() {
	def := DefaultConfig.Timing
	if t.ConnectTimeout <= 0 {
		t.ConnectTimeout = def.ConnectTimeout
	}
	if t.SettleDelay <= 0 {
		t.SettleDelay = def.SettleDelay
	}
	if t.PublishReadyPollInterval <= 0 {
		t.PublishReadyPollInterval = def.PublishReadyPollInterval
	}
	if t.PublishReadyPollLimit <= 0 {
		t.PublishReadyPollLimit = def.PublishReadyPollLimit
	}
	if t.RefreshDelay <= 0 {
		t.RefreshDelay = def.RefreshDelay
	}
	if t.RestorationMaxAttempts <= 0 {
		t.RestorationMaxAttempts = def.RestorationMaxAttempts
	}
	if t.RestorationBackoff <= 0 {
		t.RestorationBackoff = def.RestorationBackoff
	}
	if t.ReconnectMaxAttempts <= 0 {
		t.ReconnectMaxAttempts = def.ReconnectMaxAttempts
	}
	if t.ReconnectBackoff <= 0 {
		t.ReconnectBackoff = def.ReconnectBackoff
	}
	if t.QualityDebounce <= 0 {
		t.QualityDebounce = def.QualityDebounce
	}
}
