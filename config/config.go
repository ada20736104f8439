// Package config loads gcodeflow.toml. File values are applied on top of
// Defaults, zero values that cannot be meant literally are filled in, and the
// result is validated before use.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"

	"gcodeflow/core"
	hostserial "gcodeflow/host/serial"
)

const DefaultFile = "gcodeflow.toml"

// Values is the complete configuration file
type Values struct {
	// StartMacro names a [macros] entry replayed once at startup
	StartMacro string              `toml:"start_macro,omitempty"`
	Ingest     Ingest              `toml:"ingest"`
	Serial     Serial              `toml:"serial"`
	Storage    Storage             `toml:"storage"`
	Log        Log                 `toml:"log"`
	Macros     map[string][]string `toml:"macros,omitempty" validate:"dive,keys,required,endkeys,min=1"`
}

// Ingest mirrors core.Options
type Ingest struct {
	MaxSources        int      `toml:"max_sources" validate:"min=1,max=16"`
	QueueSize         int      `toml:"queue_size" validate:"min=1,max=1024"`
	MaxFormatErrors   int      `toml:"max_format_errors" validate:"min=1"`
	ResendFormat      string   `toml:"resend_format" validate:"required,contains=%d"`
	Ack               string   `toml:"ack" validate:"oneof=ok ok_line none"`
	CommentChar       string   `toml:"comment_char" validate:"len=1,ascii"`
	RequireChecksum   bool     `toml:"require_checksum"`
	TextMCodes        []uint16 `toml:"text_m_codes"`
	FrameTimeout      string   `toml:"frame_timeout" validate:"duration"`
	ResendSkipASCII   int      `toml:"resend_skip_ascii" validate:"min=0,max=255"`
	ResendSkipBinary  int      `toml:"resend_skip_binary" validate:"min=0,max=255"`
	ResendRate        float64  `toml:"resend_rate" validate:"gt=0"`
	ResendBurst       int      `toml:"resend_burst" validate:"min=1"`
	KeepAliveInterval string   `toml:"keep_alive_interval" validate:"duration"`
}

type Serial struct {
	// Device is a port path; empty means auto-detect
	Device      string `toml:"device"`
	Baud        int    `toml:"baud" validate:"min=1200,max=4000000"`
	ReadTimeout string `toml:"read_timeout" validate:"duration"`
}

type Storage struct {
	// Root is the directory standing in for the SD card
	Root  string   `toml:"root"`
	Files []string `toml:"files,omitempty" validate:"dive,required"`
}

type Log struct {
	Level      string `toml:"level" validate:"oneof=trace debug info warn error"`
	File       string `toml:"file,omitempty"`
	Console    bool   `toml:"console"`
	MaxSizeMB  int    `toml:"max_size_mb" validate:"min=0"`
	MaxBackups int    `toml:"max_backups" validate:"min=0"`
}

// Defaults returns the stock configuration
func Defaults() Values {
	opts := core.DefaultOptions()
	return Values{
		Ingest: Ingest{
			MaxSources:        opts.MaxSources,
			QueueSize:         opts.QueueSize,
			MaxFormatErrors:   opts.MaxFormatErrors,
			ResendFormat:      opts.ResendFormat,
			Ack:               string(opts.Ack),
			CommentChar:       string(opts.CommentChar),
			TextMCodes:        append([]uint16(nil), opts.TextMCodes...),
			FrameTimeout:      opts.FrameTimeout.String(),
			ResendSkipASCII:   opts.ResendSkipASCII,
			ResendSkipBinary:  opts.ResendSkipBinary,
			ResendRate:        float64(opts.ResendRate),
			ResendBurst:       opts.ResendBurst,
			KeepAliveInterval: opts.KeepAliveInterval.String(),
		},
		Serial: Serial{
			Baud:        115200,
			ReadTimeout: "100ms",
		},
		Storage: Storage{Root: "."},
		Log: Log{
			Level:      "info",
			Console:    true,
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Load reads path from fs. Keys missing from the file keep their defaults.
func Load(fs afero.Fs, path string) (*Values, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	vals := Defaults()
	if err := toml.Unmarshal(data, &vals); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(&vals)

	if err := vals.Validate(); err != nil {
		return nil, err
	}
	return &vals, nil
}

// Save writes vals to path on fs
func Save(fs afero.Fs, path string, vals *Values) error {
	data, err := toml.Marshal(vals)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// applyDefaults fills in values an explicit empty entry in the file cannot mean
func applyDefaults(vals *Values) {
	def := Defaults()

	if vals.Ingest.ResendFormat == "" {
		vals.Ingest.ResendFormat = def.Ingest.ResendFormat
	}
	if vals.Ingest.Ack == "" {
		vals.Ingest.Ack = def.Ingest.Ack
	}
	if vals.Ingest.CommentChar == "" {
		vals.Ingest.CommentChar = def.Ingest.CommentChar
	}
	if vals.Serial.ReadTimeout == "" {
		vals.Serial.ReadTimeout = def.Serial.ReadTimeout
	}
	if vals.Storage.Root == "" {
		vals.Storage.Root = def.Storage.Root
	}
	if vals.Log.Level == "" {
		vals.Log.Level = def.Log.Level
	}
	vals.Log.Level = strings.ToLower(vals.Log.Level)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("duration", validateDuration)
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateDuration accepts an empty string or a non-negative Go duration
func validateDuration(fl validator.FieldLevel) bool {
	val := fl.Field().String()
	if val == "" {
		return true
	}
	d, err := time.ParseDuration(val)
	return err == nil && d >= 0
}

// Validate checks ranges and cross references. It does not modify vals.
func (vals *Values) Validate() error {
	if err := validate.Struct(vals); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return newError(verrs)
		}
		return fmt.Errorf("validation failed: %w", err)
	}
	if vals.StartMacro != "" {
		if _, ok := vals.Macros[vals.StartMacro]; !ok {
			return fmt.Errorf("start_macro %q: no such macro", vals.StartMacro)
		}
	}
	return nil
}

// CoreOptions converts the [ingest] section
func (vals *Values) CoreOptions() (core.Options, error) {
	in := vals.Ingest
	frameTimeout, err := parseDuration(in.FrameTimeout)
	if err != nil {
		return core.Options{}, fmt.Errorf("frame_timeout: %w", err)
	}
	keepAlive, err := parseDuration(in.KeepAliveInterval)
	if err != nil {
		return core.Options{}, fmt.Errorf("keep_alive_interval: %w", err)
	}

	opts := core.DefaultOptions()
	opts.MaxSources = in.MaxSources
	opts.QueueSize = in.QueueSize
	opts.MaxFormatErrors = in.MaxFormatErrors
	opts.ResendFormat = in.ResendFormat
	opts.Ack = core.AckMode(in.Ack)
	opts.CommentChar = in.CommentChar[0]
	opts.RequireChecksum = in.RequireChecksum
	if in.TextMCodes != nil {
		opts.TextMCodes = in.TextMCodes
	}
	opts.FrameTimeout = frameTimeout
	opts.ResendSkipASCII = in.ResendSkipASCII
	opts.ResendSkipBinary = in.ResendSkipBinary
	opts.ResendRate = rate.Limit(in.ResendRate)
	opts.ResendBurst = in.ResendBurst
	opts.KeepAliveInterval = keepAlive
	return opts, nil
}

// SerialConfig converts the [serial] section
func (vals *Values) SerialConfig() (*hostserial.Config, error) {
	timeout, err := parseDuration(vals.Serial.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("read_timeout: %w", err)
	}
	return &hostserial.Config{
		Device:      vals.Serial.Device,
		Baud:        vals.Serial.Baud,
		ReadTimeout: timeout,
	}, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
