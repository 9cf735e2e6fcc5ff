// Package config loads the guide configuration. Every field is optional:
// the Get* accessors supply the default for anything the file omits, so a
// partial file is always safe.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/autoguide/internal/extguide"
	"github.com/banshee-data/autoguide/internal/guide"
	"github.com/banshee-data/autoguide/internal/guide/control"
	"github.com/banshee-data/autoguide/internal/guide/starfind"
	"github.com/banshee-data/autoguide/internal/serialmux"
)

// DefaultConfigPath is the path to the canonical guide defaults file.
const DefaultConfigPath = "config/guide.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// AxisConfig tunes the controller for one axis.
type AxisConfig struct {
	ProportionalGain *float64 `json:"proportional_gain,omitempty" yaml:"proportional_gain,omitempty"`
	IntegralGain     *float64 `json:"integral_gain,omitempty" yaml:"integral_gain,omitempty"`
	DerivativeGain   *float64 `json:"derivative_gain,omitempty" yaml:"derivative_gain,omitempty"`
	Enabled          *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	EnabledPositive  *bool    `json:"enabled_positive,omitempty" yaml:"enabled_positive,omitempty"`
	EnabledNegative  *bool    `json:"enabled_negative,omitempty" yaml:"enabled_negative,omitempty"`
	MinPulseMs       *int     `json:"min_pulse_ms,omitempty" yaml:"min_pulse_ms,omitempty"`
	MaxPulseMs       *int     `json:"max_pulse_ms,omitempty" yaml:"max_pulse_ms,omitempty"`
	AccumFrames      *int     `json:"accum_frames,omitempty" yaml:"accum_frames,omitempty"`
}

// ExternalGuiderConfig configures the external guiding service client.
type ExternalGuiderConfig struct {
	Address       *string  `json:"address,omitempty" yaml:"address,omitempty"`
	SettlePixels  *float64 `json:"settle_pixels,omitempty" yaml:"settle_pixels,omitempty"`
	SettleTime    *int     `json:"settle_time_s,omitempty" yaml:"settle_time_s,omitempty"`
	SettleTimeout *int     `json:"settle_timeout_s,omitempty" yaml:"settle_timeout_s,omitempty"`
	Recalibrate   *bool    `json:"recalibrate,omitempty" yaml:"recalibrate,omitempty"`
	RAOnlyDither  *bool    `json:"ra_only_dither,omitempty" yaml:"ra_only_dither,omitempty"`
	FullPause     *bool    `json:"full_pause,omitempty" yaml:"full_pause,omitempty"`
	DialTimeout   *string  `json:"dial_timeout,omitempty" yaml:"dial_timeout,omitempty"` // duration string like "5s"
}

// MountConfig selects the serial port pulses are sent to. An empty port
// disables the mount link.
type MountConfig struct {
	Port                  string `json:"port,omitempty" yaml:"port,omitempty"`
	serialmux.PortOptions `yaml:",inline"`
	Init                  []string `json:"init,omitempty" yaml:"init,omitempty"`
}

// MonitorConfig configures the debug web server.
type MonitorConfig struct {
	Listen     *string `json:"listen,omitempty" yaml:"listen,omitempty"`
	GRPCListen *string `json:"grpc_listen,omitempty" yaml:"grpc_listen,omitempty"`
	History    *int    `json:"history,omitempty" yaml:"history,omitempty"`
}

// DatabaseConfig configures the sqlite store.
type DatabaseConfig struct {
	Path *string `json:"path,omitempty" yaml:"path,omitempty"`
}

// GuideConfig is the root configuration.
type GuideConfig struct {
	// Optics
	FocalLengthMm *float64 `json:"focal_length_mm,omitempty" yaml:"focal_length_mm,omitempty"`
	ApertureMm    *float64 `json:"aperture_mm,omitempty" yaml:"aperture_mm,omitempty"`
	PixelSizeUm   *float64 `json:"pixel_size_um,omitempty" yaml:"pixel_size_um,omitempty"`
	Binning       *int     `json:"binning,omitempty" yaml:"binning,omitempty"`
	GuidingRate   *float64 `json:"guiding_rate,omitempty" yaml:"guiding_rate,omitempty"`

	// Star detection
	Algorithm  *string `json:"algorithm,omitempty" yaml:"algorithm,omitempty"` // name or index
	BoxSize    *int    `json:"box_size,omitempty" yaml:"box_size,omitempty"`
	ImageGuide *bool   `json:"image_guide,omitempty" yaml:"image_guide,omitempty"`
	RegionSize *int    `json:"region_size,omitempty" yaml:"region_size,omitempty"`

	// Controller
	RA         *AxisConfig `json:"ra,omitempty" yaml:"ra,omitempty"`
	DEC        *AxisConfig `json:"dec,omitempty" yaml:"dec,omitempty"`
	Predictive *bool       `json:"predictive,omitempty" yaml:"predictive,omitempty"`

	DitherPixels *float64 `json:"dither_pixels,omitempty" yaml:"dither_pixels,omitempty"`
	DitherSettle *float64 `json:"dither_settle_pixels,omitempty" yaml:"dither_settle_pixels,omitempty"`

	LogDir *string `json:"log_dir,omitempty" yaml:"log_dir,omitempty"`
	Debug  *bool   `json:"debug,omitempty" yaml:"debug,omitempty"`

	ExternalGuider *ExternalGuiderConfig `json:"external_guider,omitempty" yaml:"external_guider,omitempty"`
	Mount          *MountConfig          `json:"mount,omitempty" yaml:"mount,omitempty"`
	Monitor        *MonitorConfig        `json:"monitor,omitempty" yaml:"monitor,omitempty"`
	Database       *DatabaseConfig       `json:"database,omitempty" yaml:"database,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyGuideConfig returns a GuideConfig with all fields set to nil.
func EmptyGuideConfig() *GuideConfig {
	return &GuideConfig{}
}

// LoadGuideConfig loads a GuideConfig from a .json, .yaml or .yml file no
// larger than 1MB and validates it.
func LoadGuideConfig(path string) (*GuideConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyGuideConfig()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", ext, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching the current directory and its parents. Panics if the file
// cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *GuideConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/guide/session/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadGuideConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *GuideConfig) Validate() error {
	if c.FocalLengthMm != nil && *c.FocalLengthMm < 0 {
		return fmt.Errorf("focal_length_mm must be non-negative, got %f", *c.FocalLengthMm)
	}
	if c.PixelSizeUm != nil && *c.PixelSizeUm < 0 {
		return fmt.Errorf("pixel_size_um must be non-negative, got %f", *c.PixelSizeUm)
	}
	if c.Binning != nil && (*c.Binning < 1 || *c.Binning > 4) {
		return fmt.Errorf("binning must be between 1 and 4, got %d", *c.Binning)
	}
	if c.Algorithm != nil {
		if _, err := starfind.ParseAlgorithm(*c.Algorithm); err != nil {
			return err
		}
	}
	if c.BoxSize != nil && *c.BoxSize < 8 {
		return fmt.Errorf("box_size must be at least 8, got %d", *c.BoxSize)
	}
	for name, axis := range map[string]*AxisConfig{"ra": c.RA, "dec": c.DEC} {
		if err := axis.validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.ExternalGuider != nil && c.ExternalGuider.DialTimeout != nil && *c.ExternalGuider.DialTimeout != "" {
		if _, err := time.ParseDuration(*c.ExternalGuider.DialTimeout); err != nil {
			return fmt.Errorf("invalid dial_timeout '%s': %w", *c.ExternalGuider.DialTimeout, err)
		}
	}
	if c.Mount != nil && c.Mount.Port != "" {
		if _, err := c.Mount.PortOptions.Normalize(); err != nil {
			return fmt.Errorf("mount: %w", err)
		}
	}
	return nil
}

func (a *AxisConfig) validate() error {
	if a == nil {
		return nil
	}
	minPulse, maxPulse := a.GetMinPulseMs(), a.GetMaxPulseMs()
	if minPulse < 0 || maxPulse < 0 {
		return fmt.Errorf("pulse limits must be non-negative, got %d..%d", minPulse, maxPulse)
	}
	if minPulse > maxPulse {
		return fmt.Errorf("min_pulse_ms %d exceeds max_pulse_ms %d", minPulse, maxPulse)
	}
	if n := a.GetAccumFrames(); n < 1 || n > control.MaxAccumCount {
		return fmt.Errorf("accum_frames must be between 1 and %d, got %d", control.MaxAccumCount, n)
	}
	return nil
}

var defaultAxis = control.DefaultInParams().Axis[guide.RA]

// GetProportionalGain returns the proportional_gain value or the default.
func (a *AxisConfig) GetProportionalGain() float64 {
	if a == nil || a.ProportionalGain == nil {
		return defaultAxis.ProportionalGain
	}
	return *a.ProportionalGain
}

// GetIntegralGain returns the integral_gain value or the default.
func (a *AxisConfig) GetIntegralGain() float64 {
	if a == nil || a.IntegralGain == nil {
		return defaultAxis.IntegralGain
	}
	return *a.IntegralGain
}

// GetDerivativeGain returns the derivative_gain value or the default.
func (a *AxisConfig) GetDerivativeGain() float64 {
	if a == nil || a.DerivativeGain == nil {
		return defaultAxis.DerivativeGain
	}
	return *a.DerivativeGain
}

func getBool(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// GetEnabled returns the enabled value or the default (true).
func (a *AxisConfig) GetEnabled() bool {
	if a == nil {
		return true
	}
	return getBool(a.Enabled, true)
}

// GetMinPulseMs returns the min_pulse_ms value or the default.
func (a *AxisConfig) GetMinPulseMs() int {
	if a == nil || a.MinPulseMs == nil {
		return defaultAxis.MinPulse
	}
	return *a.MinPulseMs
}

// GetMaxPulseMs returns the max_pulse_ms value or the default.
func (a *AxisConfig) GetMaxPulseMs() int {
	if a == nil || a.MaxPulseMs == nil {
		return defaultAxis.MaxPulse
	}
	return *a.MaxPulseMs
}

// GetAccumFrames returns the accum_frames value or the default.
func (a *AxisConfig) GetAccumFrames() int {
	if a == nil || a.AccumFrames == nil {
		return defaultAxis.AccumFrames
	}
	return *a.AccumFrames
}

// Params converts the axis section into controller parameters.
func (a *AxisConfig) Params() control.AxisParams {
	p := control.AxisParams{
		ProportionalGain: a.GetProportionalGain(),
		IntegralGain:     a.GetIntegralGain(),
		DerivativeGain:   a.GetDerivativeGain(),
		Enabled:          a.GetEnabled(),
		EnabledPositive:  true,
		EnabledNegative:  true,
		MinPulse:         a.GetMinPulseMs(),
		MaxPulse:         a.GetMaxPulseMs(),
		AccumFrames:      a.GetAccumFrames(),
	}
	if a != nil {
		p.EnabledPositive = getBool(a.EnabledPositive, true)
		p.EnabledNegative = getBool(a.EnabledNegative, true)
	}
	return p
}

// InParams builds the controller input for the current configuration.
func (c *GuideConfig) InParams() control.InParams {
	return control.InParams{
		Axis:       [2]control.AxisParams{guide.RA: c.RA.Params(), guide.DEC: c.DEC.Params()},
		Algorithm:  int(c.GetAlgorithm()),
		Predictive: c.GetPredictive(),
	}
}

// GetFocalLengthMm returns the focal_length_mm value or 0 when unset.
func (c *GuideConfig) GetFocalLengthMm() float64 {
	if c.FocalLengthMm == nil {
		return 0
	}
	return *c.FocalLengthMm
}

// GetApertureMm returns the aperture_mm value or 0 when unset.
func (c *GuideConfig) GetApertureMm() float64 {
	if c.ApertureMm == nil {
		return 0
	}
	return *c.ApertureMm
}

// GetPixelSizeUm returns the pixel_size_um value or 0 when unset.
func (c *GuideConfig) GetPixelSizeUm() float64 {
	if c.PixelSizeUm == nil {
		return 0
	}
	return *c.PixelSizeUm
}

// GetBinning returns the binning value or 1.
func (c *GuideConfig) GetBinning() int {
	if c.Binning == nil {
		return 1
	}
	return *c.Binning
}

// GetGuidingRate returns the guiding_rate value or 0.5 (x sidereal).
func (c *GuideConfig) GetGuidingRate() float64 {
	if c.GuidingRate == nil {
		return 0.5
	}
	return *c.GuidingRate
}

// GetAlgorithm returns the parsed algorithm or Centroid.
func (c *GuideConfig) GetAlgorithm() starfind.Algorithm {
	if c.Algorithm == nil {
		return starfind.Centroid
	}
	alg, err := starfind.ParseAlgorithm(*c.Algorithm)
	if err != nil {
		return starfind.Centroid
	}
	return alg
}

// GetBoxSize returns the box_size value or 32.
func (c *GuideConfig) GetBoxSize() int {
	if c.BoxSize == nil {
		return 32
	}
	return *c.BoxSize
}

// GetImageGuide returns the image_guide value or false.
func (c *GuideConfig) GetImageGuide() bool {
	return getBool(c.ImageGuide, false)
}

// GetRegionSize returns the region_size value or 0 (whole frame split in
// the default grid).
func (c *GuideConfig) GetRegionSize() int {
	if c.RegionSize == nil {
		return 0
	}
	return *c.RegionSize
}

// GetPredictive returns the predictive value or false.
func (c *GuideConfig) GetPredictive() bool {
	return getBool(c.Predictive, false)
}

// GetDitherPixels returns the dither_pixels value or 3.
func (c *GuideConfig) GetDitherPixels() float64 {
	if c.DitherPixels == nil {
		return 3
	}
	return *c.DitherPixels
}

// GetDitherSettle returns the dither_settle_pixels value or 1.5.
func (c *GuideConfig) GetDitherSettle() float64 {
	if c.DitherSettle == nil {
		return 1.5
	}
	return *c.DitherSettle
}

// GetLogDir returns the log_dir value or "guidelogs".
func (c *GuideConfig) GetLogDir() string {
	if c.LogDir == nil || *c.LogDir == "" {
		return "guidelogs"
	}
	return *c.LogDir
}

// GetDebug returns the debug value or false.
func (c *GuideConfig) GetDebug() bool {
	return getBool(c.Debug, false)
}

// GetMonitorListen returns the monitor listen address or ":8080".
func (c *GuideConfig) GetMonitorListen() string {
	if c.Monitor == nil || c.Monitor.Listen == nil {
		return ":8080"
	}
	return *c.Monitor.Listen
}

// GetGRPCListen returns the health service address, empty when disabled.
func (c *GuideConfig) GetGRPCListen() string {
	if c.Monitor == nil || c.Monitor.GRPCListen == nil {
		return ""
	}
	return *c.Monitor.GRPCListen
}

// GetMonitorHistory returns how many guide records the monitor keeps, 500
// by default.
func (c *GuideConfig) GetMonitorHistory() int {
	if c.Monitor == nil || c.Monitor.History == nil {
		return 500
	}
	return *c.Monitor.History
}

// GetDatabasePath returns the sqlite path or "autoguide.db".
func (c *GuideConfig) GetDatabasePath() string {
	if c.Database == nil || c.Database.Path == nil || *c.Database.Path == "" {
		return "autoguide.db"
	}
	return *c.Database.Path
}

// GetMount returns the mount section, never nil.
func (c *GuideConfig) GetMount() MountConfig {
	if c.Mount == nil {
		return MountConfig{}
	}
	return *c.Mount
}

// ExternalGuiderOptions builds the external guider client options.
// Callbacks and sinks are left for the caller.
func (c *GuideConfig) ExternalGuiderOptions() extguide.Options {
	e := c.ExternalGuider
	if e == nil {
		e = &ExternalGuiderConfig{}
	}
	settle := extguide.DefaultSettle()
	if e.SettlePixels != nil {
		settle.Pixels = *e.SettlePixels
	}
	if e.SettleTime != nil {
		settle.Time = *e.SettleTime
	}
	if e.SettleTimeout != nil {
		settle.Timeout = *e.SettleTimeout
	}
	opts := extguide.Options{
		Address:       extguide.DefaultAddress,
		PixelSizeUm:   c.GetPixelSizeUm(),
		FocalLengthMm: c.GetFocalLengthMm(),
		Binning:       c.GetBinning(),
		Settle:        settle,
		Recalibrate:   getBool(e.Recalibrate, false),
		RAOnlyDither:  getBool(e.RAOnlyDither, false),
		FullPause:     getBool(e.FullPause, false),
	}
	if e.Address != nil && *e.Address != "" {
		opts.Address = *e.Address
	}
	if e.DialTimeout != nil {
		if d, err := time.ParseDuration(*e.DialTimeout); err == nil {
			opts.DialTimeout = d
		}
	}
	return opts
}
