// Package config loads the world model service configuration.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/worldmodel/internal/geometry"
	"github.com/banshee-data/worldmodel/internal/tf"
	"github.com/banshee-data/worldmodel/internal/worldmodel"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is where the service looks for its configuration when
// no path is given.
const DefaultConfigPath = "config/worldmodel.yaml"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the root configuration. Every scalar is a pointer so that a
// partial file only overrides what it names; the Get* methods supply the
// defaults.
type Config struct {
	// Tracker params
	FrameID          *string  `json:"frame_id,omitempty" yaml:"frame_id,omitempty"`
	ProjectObjects   *bool    `json:"project_objects,omitempty" yaml:"project_objects,omitempty"`
	DefaultDistance  *float64 `json:"default_distance,omitempty" yaml:"default_distance,omitempty"`
	DistanceVariance *float64 `json:"distance_variance,omitempty" yaml:"distance_variance,omitempty"`
	AngleVariance    *float64 `json:"angle_variance,omitempty" yaml:"angle_variance,omitempty"`
	MinHeight        *float64 `json:"min_height,omitempty" yaml:"min_height,omitempty"`
	MaxHeight        *float64 `json:"max_height,omitempty" yaml:"max_height,omitempty"`

	// Collaborators
	TransformTimeout     *string               `json:"transform_timeout,omitempty" yaml:"transform_timeout,omitempty"` // duration string like "1s"
	TransformCacheTime   *string               `json:"transform_cache_time,omitempty" yaml:"transform_cache_time,omitempty"`
	VerificationTimeout  *string               `json:"verification_timeout,omitempty" yaml:"verification_timeout,omitempty"`
	VerificationServices []VerificationService `json:"verification_services,omitempty" yaml:"verification_services,omitempty"`
	ObstacleServiceURL   *string               `json:"obstacle_service_url,omitempty" yaml:"obstacle_service_url,omitempty"`
	StaticTransforms     []StaticTransform     `json:"static_transforms,omitempty" yaml:"static_transforms,omitempty"`
	PoseFrames           *tf.PoseFrames        `json:"pose_to_tf,omitempty" yaml:"pose_to_tf,omitempty"`

	// Transports
	HTTPListen *string      `json:"http_listen,omitempty" yaml:"http_listen,omitempty"`
	GRPCListen *string      `json:"grpc_listen,omitempty" yaml:"grpc_listen,omitempty"`
	UDPListen  *string      `json:"udp_listen,omitempty" yaml:"udp_listen,omitempty"`
	SerialPort *string      `json:"serial_port,omitempty" yaml:"serial_port,omitempty"`
	SerialBaud *int         `json:"serial_baud,omitempty" yaml:"serial_baud,omitempty"`
	Redis      *RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`

	// Persistence
	DatabasePath  *string `json:"database_path,omitempty" yaml:"database_path,omitempty"`
	RecordHistory *bool   `json:"record_history,omitempty" yaml:"record_history,omitempty"`

	Debug *bool `json:"debug,omitempty" yaml:"debug,omitempty"`
}

// VerificationService is an HTTP verifier endpoint.
type VerificationService struct {
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url" yaml:"url"`
}

// StaticTransform is a fixed mounting offset, rotation given in radians.
type StaticTransform struct {
	Parent string  `json:"parent" yaml:"parent"`
	Child  string  `json:"child" yaml:"child"`
	X      float64 `json:"x" yaml:"x"`
	Y      float64 `json:"y" yaml:"y"`
	Z      float64 `json:"z" yaml:"z"`
	Roll   float64 `json:"roll" yaml:"roll"`
	Pitch  float64 `json:"pitch" yaml:"pitch"`
	Yaw    float64 `json:"yaw" yaml:"yaw"`
}

// RedisConfig selects the message bus.
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }

// DefaultConfig returns a Config with every default filled in explicitly.
func DefaultConfig() *Config {
	tc := worldmodel.DefaultTrackerConfig()
	return &Config{
		FrameID:             ptrString(tc.FrameID),
		ProjectObjects:      ptrBool(tc.ProjectObjects),
		DefaultDistance:     ptrFloat64(tc.DefaultDistance),
		DistanceVariance:    ptrFloat64(tc.DistanceVariance),
		AngleVariance:       ptrFloat64(tc.AngleVariance),
		MinHeight:           ptrFloat64(tc.MinHeight),
		MaxHeight:           ptrFloat64(tc.MaxHeight),
		TransformTimeout:    ptrString("1s"),
		VerificationTimeout: ptrString("500ms"),
		HTTPListen:          ptrString(":8080"),
		GRPCListen:          ptrString("localhost:50061"),
		DatabasePath:        ptrString("worldmodel.db"),
		RecordHistory:       ptrBool(true),
	}
}

// LoadConfig reads a .json, .yaml or .yml file. Fields the file omits keep
// their defaults, so partial configs are safe.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
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

	cfg := &Config{}
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filepath.Base(cleanPath), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and that duration strings parse.
func (c *Config) Validate() error {
	if c.DefaultDistance != nil && *c.DefaultDistance <= 0 {
		return fmt.Errorf("default_distance must be positive, got %v", *c.DefaultDistance)
	}
	if c.DistanceVariance != nil && *c.DistanceVariance < 0 {
		return fmt.Errorf("distance_variance must be non-negative, got %v", *c.DistanceVariance)
	}
	if c.AngleVariance != nil && *c.AngleVariance < 0 {
		return fmt.Errorf("angle_variance must be non-negative, got %v", *c.AngleVariance)
	}
	if c.GetMinHeight() > c.GetMaxHeight() {
		return fmt.Errorf("min_height %v is above max_height %v", c.GetMinHeight(), c.GetMaxHeight())
	}
	for name, v := range map[string]*string{
		"transform_timeout":    c.TransformTimeout,
		"transform_cache_time": c.TransformCacheTime,
		"verification_timeout": c.VerificationTimeout,
	} {
		if v == nil {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", name, *v)
		}
	}
	for i, s := range c.VerificationServices {
		if s.URL == "" {
			return fmt.Errorf("verification_services[%d] has no url", i)
		}
	}
	for i, st := range c.StaticTransforms {
		if st.Parent == "" || st.Child == "" {
			return fmt.Errorf("static_transforms[%d] needs parent and child", i)
		}
	}
	if c.SerialBaud != nil && *c.SerialBaud <= 0 {
		return fmt.Errorf("serial_baud must be positive, got %d", *c.SerialBaud)
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func stringOr(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}

func floatOr(v *float64, def float64) float64 {
	if v == nil || math.IsNaN(*v) {
		return def
	}
	return *v
}

func (c *Config) GetFrameID() string {
	return stringOr(c.FrameID, worldmodel.DefaultTrackerConfig().FrameID)
}

func (c *Config) GetProjectObjects() bool {
	return c.ProjectObjects != nil && *c.ProjectObjects
}

func (c *Config) GetDefaultDistance() float64 {
	return floatOr(c.DefaultDistance, worldmodel.DefaultTrackerConfig().DefaultDistance)
}

func (c *Config) GetDistanceVariance() float64 {
	return floatOr(c.DistanceVariance, worldmodel.DefaultTrackerConfig().DistanceVariance)
}

func (c *Config) GetAngleVariance() float64 {
	return floatOr(c.AngleVariance, worldmodel.DefaultTrackerConfig().AngleVariance)
}

func (c *Config) GetMinHeight() float64 {
	return floatOr(c.MinHeight, worldmodel.DefaultTrackerConfig().MinHeight)
}

func (c *Config) GetMaxHeight() float64 {
	return floatOr(c.MaxHeight, worldmodel.DefaultTrackerConfig().MaxHeight)
}

func (c *Config) GetTransformTimeout() time.Duration {
	return durationOr(c.TransformTimeout, tf.DefaultWaitTimeout)
}

func (c *Config) GetTransformCacheTime() time.Duration {
	return durationOr(c.TransformCacheTime, tf.DefaultCacheTime)
}

func (c *Config) GetVerificationTimeout() time.Duration {
	return durationOr(c.VerificationTimeout, worldmodel.DefaultVerificationTimeout)
}

func (c *Config) GetObstacleServiceURL() string { return stringOr(c.ObstacleServiceURL, "") }
func (c *Config) GetHTTPListen() string         { return stringOr(c.HTTPListen, ":8080") }
func (c *Config) GetGRPCListen() string         { return stringOr(c.GRPCListen, "localhost:50061") }
func (c *Config) GetUDPListen() string          { return stringOr(c.UDPListen, "") }
func (c *Config) GetSerialPort() string         { return stringOr(c.SerialPort, "") }
func (c *Config) GetDatabasePath() string       { return stringOr(c.DatabasePath, "worldmodel.db") }

func (c *Config) GetSerialBaud() int {
	if c.SerialBaud == nil {
		return 115200
	}
	return *c.SerialBaud
}

func (c *Config) GetRecordHistory() bool {
	return c.RecordHistory == nil || *c.RecordHistory
}

func (c *Config) GetDebug() bool {
	return c.Debug != nil && *c.Debug
}

// GetPoseFrames returns the pose decomposition frames, or nil when robot
// poses should not be turned into transforms.
func (c *Config) GetPoseFrames() *tf.PoseFrames {
	if c.PoseFrames == nil {
		return nil
	}
	frames := *c.PoseFrames
	if frames.FrameID == "" {
		frames.FrameID = c.GetFrameID()
	}
	if frames.ChildFrameID == "" {
		frames.ChildFrameID = tf.DefaultPoseFrames().ChildFrameID
	}
	return &frames
}

// GetRedis returns the bus settings, or nil when no bus is configured.
func (c *Config) GetRedis() *RedisConfig {
	if c.Redis == nil || c.Redis.Addr == "" {
		return nil
	}
	r := *c.Redis
	if r.Namespace == "" {
		r.Namespace = "default"
	}
	return &r
}

// ToTrackerConfig converts the tracker section.
func (c *Config) ToTrackerConfig() worldmodel.TrackerConfig {
	return worldmodel.TrackerConfig{
		FrameID:             c.GetFrameID(),
		ProjectObjects:      c.GetProjectObjects(),
		DefaultDistance:     c.GetDefaultDistance(),
		DistanceVariance:    c.GetDistanceVariance(),
		AngleVariance:       c.GetAngleVariance(),
		MinHeight:           c.GetMinHeight(),
		MaxHeight:           c.GetMaxHeight(),
		VerificationTimeout: c.GetVerificationTimeout(),
	}
}

// StaticTransformMessage converts the static transforms for tf.Buffer.Apply.
func (c *Config) StaticTransformMessage() tf.Message {
	msg := tf.Message{Static: true}
	for _, st := range c.StaticTransforms {
		msg.Transforms = append(msg.Transforms, tf.StampedTransform{
			Parent:    st.Parent,
			Child:     st.Child,
			Transform: geometry.NewTransform(st.X, st.Y, st.Z, st.Roll, st.Pitch, st.Yaw),
		})
	}
	return msg
}
