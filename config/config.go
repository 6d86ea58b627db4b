// config.go - replyctl configuration.
// Copyright (C) 2017  Yawning Angel and David Stainton.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config provides the replyctl configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"

	"github.com/BurntSushi/toml"

	"github.com/katzenpost/replyctl/core/epochtime"
	"github.com/katzenpost/replyctl/replies"
)

const (
	defaultLogLevel                  = "NOTICE"
	defaultMinimumStorageThreshold   = 10
	defaultMaximumStorageThreshold   = 200
	defaultMinimumThresholdBuffer    = 5
	defaultMinimumRequestSize        = 10
	defaultMaximumRequestSize        = 100
	defaultMaximumAllowedRequestSize = 500
	defaultMaximumRerequestWait      = 10 * time.Second
	defaultMaximumDropWait           = 5 * time.Minute
	defaultMaximumRerequests         = 10
	defaultMaximumTokenAge           = 12 * time.Hour
	defaultStaleInspectionInterval   = 5 * time.Second
	defaultFailureLogInterval        = 30 * time.Second
	defaultUnavailableReportWindow   = 30 * time.Second
	defaultFlushInterval             = time.Minute
	defaultEgressNetwork             = "tcp"
	defaultMetricsAddress            = "127.0.0.1:6543"
	defaultFragmentPayloadSize       = 2048
	defaultRoundTripTimeSlop         = 5 * time.Second
	defaultExpectedRoundTripTime     = 30 * time.Second

	// FairnessRandom pops queued fragments from uniformly chosen lanes.
	FairnessRandom = "random"

	// FairnessRoundRobin pops queued fragments from each lane in turn.
	FairnessRoundRobin = "round-robin"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Duration is a time.Duration written as a Go duration string, eg "10s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func orDefault(d *Duration, def time.Duration) {
	if d.Duration <= 0 {
		d.Duration = def
	}
}

// Logging is the replyctl logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "TRACE":
		lvl = "DEBUG"
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// ReplyTokens is the reply token budget configuration.
type ReplyTokens struct {
	// MinimumStorageThreshold is the number of tokens per correspondent
	// that are never spent on anything but requests for more tokens.
	MinimumStorageThreshold int

	// MaximumStorageThreshold is the number of tokens per correspondent
	// beyond which we stop asking for more.
	MaximumStorageThreshold int

	// MinimumThresholdBuffer is how many tokens above the minimum
	// threshold we try to keep around.
	MinimumThresholdBuffer int

	MinimumRequestSize int
	MaximumRequestSize int

	// MaximumAllowedRequestSize caps the size of token requests made of us.
	MaximumAllowedRequestSize int

	// MaximumRerequestWait is how long to wait for requested tokens before
	// asking again.
	MaximumRerequestWait Duration

	// MaximumDropWait is how long to wait for tokens before forgetting a
	// correspondent.
	MaximumDropWait Duration

	// MaximumRerequests is how many times we re-request before forgetting
	// a correspondent.
	MaximumRerequests uint32

	// MaximumTokenAge is the age beyond which a token is discarded.
	MaximumTokenAge Duration

	StaleInspectionInterval Duration
	FailureLogInterval      Duration
	UnavailableReportWindow Duration
}

func (rCfg *ReplyTokens) applyDefaults() {
	if rCfg.MinimumStorageThreshold <= 0 {
		rCfg.MinimumStorageThreshold = defaultMinimumStorageThreshold
	}
	if rCfg.MaximumStorageThreshold <= 0 {
		rCfg.MaximumStorageThreshold = defaultMaximumStorageThreshold
	}
	if rCfg.MinimumThresholdBuffer <= 0 {
		rCfg.MinimumThresholdBuffer = defaultMinimumThresholdBuffer
	}
	if rCfg.MinimumRequestSize <= 0 {
		rCfg.MinimumRequestSize = defaultMinimumRequestSize
	}
	if rCfg.MaximumRequestSize <= 0 {
		rCfg.MaximumRequestSize = defaultMaximumRequestSize
	}
	if rCfg.MaximumAllowedRequestSize <= 0 {
		rCfg.MaximumAllowedRequestSize = defaultMaximumAllowedRequestSize
	}
	if rCfg.MaximumRerequests == 0 {
		rCfg.MaximumRerequests = defaultMaximumRerequests
	}
	orDefault(&rCfg.MaximumRerequestWait, defaultMaximumRerequestWait)
	orDefault(&rCfg.MaximumDropWait, defaultMaximumDropWait)
	orDefault(&rCfg.MaximumTokenAge, defaultMaximumTokenAge)
	orDefault(&rCfg.StaleInspectionInterval, defaultStaleInspectionInterval)
	orDefault(&rCfg.FailureLogInterval, defaultFailureLogInterval)
	orDefault(&rCfg.UnavailableReportWindow, defaultUnavailableReportWindow)
}

func (rCfg *ReplyTokens) validate() error {
	if rCfg.MaximumStorageThreshold <= rCfg.MinimumStorageThreshold {
		return fmt.Errorf("config: ReplyTokens: MaximumStorageThreshold %d must exceed MinimumStorageThreshold %d",
			rCfg.MaximumStorageThreshold, rCfg.MinimumStorageThreshold)
	}
	if rCfg.MinimumRequestSize > rCfg.MaximumRequestSize {
		return fmt.Errorf("config: ReplyTokens: MinimumRequestSize %d exceeds MaximumRequestSize %d",
			rCfg.MinimumRequestSize, rCfg.MaximumRequestSize)
	}
	if rCfg.MaximumDropWait.Duration < rCfg.MaximumRerequestWait.Duration {
		return errors.New("config: ReplyTokens: MaximumDropWait is shorter than MaximumRerequestWait")
	}
	return nil
}

// Parameters returns the controller parameters described by the section.
func (rCfg *ReplyTokens) Parameters() replies.Parameters {
	return replies.Parameters{
		MinimumThresholdBuffer:    rCfg.MinimumThresholdBuffer,
		MinimumRequestSize:        rCfg.MinimumRequestSize,
		MaximumRequestSize:        rCfg.MaximumRequestSize,
		MaximumAllowedRequestSize: rCfg.MaximumAllowedRequestSize,
		MaximumRerequestWait:      rCfg.MaximumRerequestWait.Duration,
		MaximumDropWait:           rCfg.MaximumDropWait.Duration,
		MaximumRerequests:         rCfg.MaximumRerequests,
		MaximumTokenAge:           rCfg.MaximumTokenAge.Duration,
		FailureLogInterval:        rCfg.FailureLogInterval.Duration,
		UnavailableReportWindow:   rCfg.UnavailableReportWindow.Duration,
	}
}

// KeyRotation is the key rotation schedule of the network.
type KeyRotation struct {
	EpochDuration     Duration
	EpochsPerRotation uint32

	// InitialTime is the RFC3339 start of epoch zero.
	InitialTime string

	// StuckThreshold is how long past its expected end an epoch may last
	// before it is considered stuck.  Half an epoch if unset.
	StuckThreshold Duration

	initialTime time.Time
}

func (kCfg *KeyRotation) applyDefaults() {
	orDefault(&kCfg.EpochDuration, epochtime.DefaultEpochDuration)
	if kCfg.EpochsPerRotation == 0 {
		kCfg.EpochsPerRotation = epochtime.DefaultEpochsPerRotation
	}
}

func (kCfg *KeyRotation) validate() error {
	kCfg.initialTime = epochtime.DefaultInitialTime
	if kCfg.InitialTime != "" {
		t, err := time.Parse(time.RFC3339, kCfg.InitialTime)
		if err != nil {
			return fmt.Errorf("config: KeyRotation: InitialTime is invalid: %v", err)
		}
		kCfg.initialTime = t
	}
	schedule := kCfg.Schedule()
	if err := schedule.Validate(); err != nil {
		return fmt.Errorf("config: KeyRotation: %v", err)
	}
	return nil
}

// Schedule returns the rotation schedule described by the section.
func (kCfg *KeyRotation) Schedule() epochtime.RotationSchedule {
	return epochtime.RotationSchedule{
		EpochDuration:     kCfg.EpochDuration.Duration,
		EpochsPerRotation: kCfg.EpochsPerRotation,
		InitialTime:       kCfg.initialTime,
		StuckThreshold:    kCfg.StuckThreshold.Duration,
	}
}

// Storage is the token persistence configuration.
type Storage struct {
	// DatabasePath is the path of the bolt database reply tokens are
	// persisted to.  Tokens are kept in memory only if it is empty.
	DatabasePath string

	// FlushInterval is how often the in-memory store is written out.
	FlushInterval Duration
}

func (sCfg *Storage) applyDefaults() {
	orDefault(&sCfg.FlushInterval, defaultFlushInterval)
}

// Fairness selects the policy sharing tokens between lanes.
type Fairness struct {
	// Policy is either "random" or "round-robin".
	Policy string

	// Seed seeds the random policy.  A zero seed is drawn from the system
	// entropy source.
	Seed int64
}

func (fCfg *Fairness) validate() error {
	switch strings.ToLower(fCfg.Policy) {
	case "":
		fCfg.Policy = FairnessRandom
	case FairnessRandom, FairnessRoundRobin:
		fCfg.Policy = strings.ToLower(fCfg.Policy)
	default:
		return fmt.Errorf("config: Fairness: Policy '%v' is invalid", fCfg.Policy)
	}
	return nil
}

// NewPolicy returns the configured fairness policy.
func (fCfg *Fairness) NewPolicy() replies.FairnessPolicy {
	switch {
	case fCfg.Policy == FairnessRoundRobin:
		return new(replies.RoundRobinPolicy)
	case fCfg.Seed != 0:
		return replies.NewRandomPolicy(fCfg.Seed)
	default:
		return replies.NewEntropyRandomPolicy()
	}
}

// Egress is the link to the packet layer that builds and transmits the
// packets prepared by replyctl.
type Egress struct {
	// Network is "tcp", "tcp4", "tcp6" or "unix".
	Network string

	// Address is the address to dial.
	Address string
}

func (eCfg *Egress) validate() error {
	if eCfg.Network == "" {
		eCfg.Network = defaultEgressNetwork
	}
	if eCfg.Address == "" {
		return errors.New("config: Egress: Address is not set")
	}
	switch eCfg.Network {
	case "unix":
		return nil
	case "tcp", "tcp4", "tcp6":
	default:
		return fmt.Errorf("config: Egress: Network '%v' is invalid", eCfg.Network)
	}

	host, port, err := net.SplitHostPort(eCfg.Address)
	if err != nil {
		return fmt.Errorf("config: Egress: Address '%v' is invalid: %v", eCfg.Address, err)
	}
	if host, err = idna.Lookup.ToASCII(host); err != nil {
		return fmt.Errorf("config: Egress: Failed to normalize Address: %v", err)
	}
	eCfg.Address = net.JoinHostPort(host, port)
	return nil
}

// Metrics is the prometheus endpoint configuration.
type Metrics struct {
	Enable  bool
	Address string
}

func (mCfg *Metrics) applyDefaults() {
	if mCfg.Address == "" {
		mCfg.Address = defaultMetricsAddress
	}
}

// Recipients lists the recipients we handed our own reply tokens to, whose
// requests for more we honour.
type Recipients struct {
	Known []string
}

func (rCfg *Recipients) validate() error {
	for i, r := range rCfg.Known {
		normalized, err := precis.UsernameCaseMapped.String(r)
		if err != nil {
			return fmt.Errorf("config: Recipients: Known recipient '%v' is invalid: %v", r, err)
		}
		rCfg.Known[i] = normalized
	}
	return nil
}

// Debug is the replyctl debug configuration.
type Debug struct {
	// FragmentPayloadSize is the payload size of a single reply fragment.
	FragmentPayloadSize int

	// ExpectedRoundTripTime is how long a fragment takes to be
	// acknowledged.
	ExpectedRoundTripTime Duration

	// RoundTripTimeSlop is added to the expected round trip time of a
	// fragment before it is considered lost.
	RoundTripTimeSlop Duration
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.FragmentPayloadSize <= 0 {
		dCfg.FragmentPayloadSize = defaultFragmentPayloadSize
	}
	orDefault(&dCfg.ExpectedRoundTripTime, defaultExpectedRoundTripTime)
	orDefault(&dCfg.RoundTripTimeSlop, defaultRoundTripTimeSlop)
}

// Config is the top level replyctl configuration.
type Config struct {
	Logging     *Logging
	ReplyTokens *ReplyTokens
	KeyRotation *KeyRotation
	Storage     *Storage
	Fairness    *Fairness
	Egress      *Egress
	Metrics     *Metrics
	Recipients  *Recipients

	Debug *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Egress section is mandatory, everything else is optional.
	if cfg.Egress == nil {
		return errors.New("config: No Egress block was present")
	}
	if cfg.Logging == nil {
		logging := defaultLogging
		cfg.Logging = &logging
	}
	if cfg.ReplyTokens == nil {
		cfg.ReplyTokens = &ReplyTokens{}
	}
	if cfg.KeyRotation == nil {
		cfg.KeyRotation = &KeyRotation{}
	}
	if cfg.Storage == nil {
		cfg.Storage = &Storage{}
	}
	if cfg.Fairness == nil {
		cfg.Fairness = &Fairness{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}
	if cfg.Recipients == nil {
		cfg.Recipients = &Recipients{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	cfg.ReplyTokens.applyDefaults()
	cfg.KeyRotation.applyDefaults()
	cfg.Storage.applyDefaults()
	cfg.Metrics.applyDefaults()
	cfg.Debug.applyDefaults()

	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.ReplyTokens.validate(); err != nil {
		return err
	}
	if err := cfg.KeyRotation.validate(); err != nil {
		return err
	}
	if err := cfg.Fairness.validate(); err != nil {
		return err
	}
	if err := cfg.Egress.validate(); err != nil {
		return err
	}
	return cfg.Recipients.validate()
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
