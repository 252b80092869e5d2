// Package profile loads instrument connection profiles from TOML files and
// turns them into e1381 connection options.
//
// A profile captures everything site-specific about one analyzer link: the
// transport (TCP or serial), frame sizing, timers and retry budgets, and a
// non-default delimiter set when the instrument requires one.
package profile

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/labcomm/go-astm/astm"
	"github.com/labcomm/go-astm/e1381"
)

// Profile is one instrument link profile.
type Profile struct {
	// Name identifies the profile in logs and tooling.
	Name string `toml:"name"`

	Link       Link       `toml:"link"`
	Frame      Frame      `toml:"frame"`
	Timing     Timing     `toml:"timing"`
	Delimiters Delimiters `toml:"delimiters"`
}

// Link selects and parameterizes the transport.
type Link struct {
	// Mode is "tcp" or "serial".
	Mode string `toml:"mode"`

	// TCP settings.
	Host string `toml:"host"`
	Port int    `toml:"port"`
	// Role is "client" (dial out) or "server" (listen); default client.
	Role string `toml:"role"`

	// Serial settings.
	Device string `toml:"device"`
	Baud   int    `toml:"baud"`
}

// Frame holds frame sizing and packing settings.
type Frame struct {
	// MaxPayload bounds the payload bytes per frame; 0 keeps the default.
	MaxPayload int `toml:"max_payload"`
	// Transfer is "chunked" (one record per frame) or "bulk".
	Transfer string `toml:"transfer"`
}

// Timing holds protocol timers and retry budgets. Durations use Go syntax
// ("15s", "500ms"); zero values keep the defaults.
type Timing struct {
	T1         string `toml:"t1"`
	T2         string `toml:"t2"`
	T3         string `toml:"t3"`
	EnqRetry   int    `toml:"enq_retry"`
	FrameRetry int    `toml:"frame_retry"`
	RetryDelay string `toml:"retry_delay"`
}

// Delimiters overrides the record delimiter set. Each value is a single
// character; empty values keep the standard set.
type Delimiters struct {
	Field     string `toml:"field"`
	Repeat    string `toml:"repeat"`
	Component string `toml:"component"`
	Escape    string `toml:"escape"`
}

// Load reads and validates a profile from a TOML file. Unknown keys are
// rejected so a typo cannot silently fall back to a default.
func Load(path string) (*Profile, error) {
	var p Profile

	meta, err := toml.DecodeFile(path, &p)
	if err != nil {
		return nil, fmt.Errorf("profile: load %s: %w", path, err)
	}

	if err := checkUndecoded(meta); err != nil {
		return nil, fmt.Errorf("profile: %s: %w", path, err)
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("profile: %s: %w", path, err)
	}

	return &p, nil
}

// Decode parses a profile from TOML text.
func Decode(data string) (*Profile, error) {
	var p Profile

	meta, err := toml.Decode(data, &p)
	if err != nil {
		return nil, fmt.Errorf("profile: decode: %w", err)
	}

	if err := checkUndecoded(meta); err != nil {
		return nil, err
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return &p, nil
}

func checkUndecoded(meta toml.MetaData) error {
	undecoded := meta.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	keys := make([]string, 0, len(undecoded))
	for _, k := range undecoded {
		keys = append(keys, k.String())
	}

	return fmt.Errorf("profile: unknown keys: %s", strings.Join(keys, ", "))
}

// Validate checks the profile for structural errors. Range checks on
// timers and sizes happen later, when the values reach the connection
// options.
func (p *Profile) Validate() error {
	switch p.Link.Mode {
	case "", "tcp":
		if p.Link.Host == "" {
			return errors.New("profile: link.host is required for tcp mode")
		}
		if p.Link.Port <= 0 || p.Link.Port > 65535 {
			return fmt.Errorf("profile: link.port %d out of range", p.Link.Port)
		}
	case "serial":
		if p.Link.Device == "" {
			return errors.New("profile: link.device is required for serial mode")
		}
		if p.Link.Baud <= 0 {
			return fmt.Errorf("profile: invalid link.baud %d", p.Link.Baud)
		}
	default:
		return fmt.Errorf("profile: unknown link.mode %q", p.Link.Mode)
	}

	switch p.Link.Role {
	case "", "client", "server":
	default:
		return fmt.Errorf("profile: unknown link.role %q", p.Link.Role)
	}

	switch p.Frame.Transfer {
	case "", "chunked", "bulk":
	default:
		return fmt.Errorf("profile: unknown frame.transfer %q", p.Frame.Transfer)
	}

	for _, v := range []string{p.Delimiters.Field, p.Delimiters.Repeat, p.Delimiters.Component, p.Delimiters.Escape} {
		if len(v) > 1 {
			return fmt.Errorf("profile: delimiter %q must be a single character", v)
		}
	}

	return nil
}

// IsSerial reports whether the profile targets a serial device.
func (p *Profile) IsSerial() bool {
	return p.Link.Mode == "serial"
}

// IsServer reports whether the profile's TCP role is the listening side.
func (p *Profile) IsServer() bool {
	return p.Link.Role == "server"
}

// ConnectionConfig builds an e1381 connection configuration from the
// profile.
func (p *Profile) ConnectionConfig() (*e1381.ConnectionConfig, error) {
	opts, err := p.Options()
	if err != nil {
		return nil, err
	}

	if p.IsSerial() {
		return e1381.NewSerialConnectionConfig(p.Link.Device, p.Link.Baud, opts...)
	}

	return e1381.NewConnectionConfig(p.Link.Host, p.Link.Port, opts...)
}

// Options renders the profile's non-default settings as connection options.
func (p *Profile) Options() ([]e1381.ConnOption, error) {
	var opts []e1381.ConnOption

	if p.IsServer() {
		opts = append(opts, e1381.WithPassive())
	}

	if p.Frame.MaxPayload > 0 {
		opts = append(opts, e1381.WithMaxPayload(p.Frame.MaxPayload))
	}

	switch p.Frame.Transfer {
	case "bulk":
		opts = append(opts, e1381.WithTransferMode(e1381.BulkTransfer))
	case "chunked":
		opts = append(opts, e1381.WithTransferMode(e1381.ChunkedTransfer))
	}

	timerOpts := []struct {
		value string
		opt   func(time.Duration) e1381.ConnOption
		name  string
	}{
		{p.Timing.T1, e1381.WithT1Timeout, "timing.t1"},
		{p.Timing.T2, e1381.WithT2Timeout, "timing.t2"},
		{p.Timing.T3, e1381.WithT3Timeout, "timing.t3"},
		{p.Timing.RetryDelay, e1381.WithRetryDelay, "timing.retry_delay"},
	}
	for _, t := range timerOpts {
		if t.value == "" {
			continue
		}

		d, err := time.ParseDuration(t.value)
		if err != nil {
			return nil, fmt.Errorf("profile: parse %s: %w", t.name, err)
		}

		opts = append(opts, t.opt(d))
	}

	if p.Timing.EnqRetry > 0 {
		opts = append(opts, e1381.WithEnqRetryLimit(p.Timing.EnqRetry))
	}
	if p.Timing.FrameRetry > 0 {
		opts = append(opts, e1381.WithFrameRetryLimit(p.Timing.FrameRetry))
	}

	if d, ok := p.delimiterSet(); ok {
		opts = append(opts, e1381.WithDelimiters(d))
	}

	return opts, nil
}

// delimiterSet merges the profile's delimiter overrides onto the standard
// set. It reports false when no override is present.
func (p *Profile) delimiterSet() (astm.Delimiters, bool) {
	d := astm.DefaultDelimiters()
	overridden := false

	set := func(dst *byte, v string) {
		if v != "" {
			*dst = v[0]
			overridden = true
		}
	}

	set(&d.Field, p.Delimiters.Field)
	set(&d.Repeat, p.Delimiters.Repeat)
	set(&d.Component, p.Delimiters.Component)
	set(&d.Escape, p.Delimiters.Escape)

	return d, overridden
}
