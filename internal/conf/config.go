// config.go: This file contains the configuration for the BirdFrame
// application. It defines the settings struct and functions to load and save
// the settings. Settings are published as an immutable snapshot; readers
// must not mutate what Snapshot() returns.
package conf

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// LogConfig contains settings for the main application log file.
type LogConfig struct {
	Enabled bool   // true to enable main application log file
	Path    string // path to main application log file
}

// MainSettings contains general application settings.
type MainSettings struct {
	Name string    // name of this node, used as MQTT client id prefix
	Log  LogConfig // main log settings
}

// MQTTSettings contains settings for the MQTT broker connection.
type MQTTSettings struct {
	Broker     string // MQTT broker URL, e.g. tcp://localhost:1883
	Username   string // MQTT username
	Password   string // MQTT password
	EventTopic string // Frigate NVR event topic
	AudioTopic string // BirdNET-Go audio detection topic
}

// FrigateSettings contains settings for the Frigate NVR connection.
type FrigateSettings struct {
	URL              string   // base URL of the Frigate instance
	AuthToken        string   // optional bearer token passed through to Frigate
	Cameras          []string // cameras to accept bird events from, empty for all
	TrustSublabel    bool     // accept Frigate sub_label without local inference
	SublabelFallback bool     // adopt sub_label when local inference is below thresholds
	ClipsEnabled     bool     // enable clip proxying and caching
}

// ClassifierSettings contains settings for the image classifier.
type ClassifierSettings struct {
	ModelPath     string   // path to the TFLite model file
	LabelsPath    string   // path to the labels file
	Threshold     float64  // minimum score to accept a classification
	MinConfidence float64  // absolute floor applied after threshold
	BlockedLabels []string // labels that never produce a detection
	Threads       int      // TFLite interpreter threads, 0 for NumCPU
}

// AudioSettings contains settings for audio correlation with BirdNET-Go.
type AudioSettings struct {
	BufferHours       int               // hours of audio detections kept in memory
	CorrelationWindow int               // correlation window in seconds
	ConfirmScore      float64           // minimum audio score to confirm a visual detection
	SensorMap         map[string]string // camera name -> audio sensor id
}

// VideoAnalysisSettings contains settings for deep video reclassification.
type VideoAnalysisSettings struct {
	MaxFrames      int           // maximum frames sampled from a clip
	JobDeadline    time.Duration // total deadline per reclassification job
	FrameDeadline  time.Duration // deadline per sampled frame
	OverrideManual bool          // allow video results to replace manual relabels
}

// MediaCacheSettings contains settings for the local media cache.
type MediaCacheSettings struct {
	Path          string // cache root, holds snapshots/, clips/, thumbs/
	RetentionDays int    // files older than this are eligible for eviction
	MaxUsageMB    int64  // size budget before LRU eviction kicks in
}

// WeatherSettings contains settings for weather enrichment.
type WeatherSettings struct {
	Enabled   bool    // true to enable weather enrichment
	Provider  string  // weather provider, only "openweather" for now
	APIKey    string  // provider API key
	Latitude  float64 // station latitude
	Longitude float64 // station longitude
}

// TaxonomySettings contains settings for taxonomy enrichment.
type TaxonomySettings struct {
	Enabled  bool          // true to enable taxonomy lookups
	BaseURL  string        // taxonomy API base URL
	APIKey   string        // taxonomy API key
	CacheTTL time.Duration // lookaside cache TTL
}

// GuestSettings controls what unauthenticated readers may see.
type GuestSettings struct {
	Enabled        bool     // true to allow unauthenticated read access
	HistoryDays    int      // public history window in days, 0 for unlimited
	AllowedCameras []string // cameras visible to guests, empty for all
}

// SecuritySettings contains settings for API authentication.
type SecuritySettings struct {
	PasswordHash   string        // bcrypt hash of the UI password
	JWTSecret      string        // HMAC secret for session tokens
	SessionTTL     time.Duration // session token lifetime
	ShareTTL       time.Duration // share link lifetime
	TrustedProxies []string      // CIDRs whose X-Forwarded-For is trusted
}

// WebServerSettings contains settings for the HTTP server.
type WebServerSettings struct {
	Enabled bool   // true to enable web server
	Port    string // port for web server
	Guest   GuestSettings
}

// SQLiteSettings contains settings for the SQLite database.
type SQLiteSettings struct {
	Enabled bool   // true to enable SQLite output
	Path    string // path to SQLite database
}

// MySQLSettings contains settings for the MySQL database.
type MySQLSettings struct {
	Enabled  bool   // true to enable MySQL output
	Username string // MySQL database username
	Password string // MySQL database user password
	Database string // MySQL database name
	Host     string // MySQL database host
	Port     string // MySQL database port
}

// OutputSettings contains settings for database outputs.
type OutputSettings struct {
	SQLite SQLiteSettings
	MySQL  MySQLSettings
}

// RealtimeSettings groups the settings of the realtime pipeline.
type RealtimeSettings struct {
	MQTT          MQTTSettings
	Frigate       FrigateSettings
	Classifier    ClassifierSettings
	Audio         AudioSettings
	VideoAnalysis VideoAnalysisSettings
	MediaCache    MediaCacheSettings
	Weather       WeatherSettings
	Taxonomy      TaxonomySettings
	RetentionDays int // detections and audio projection older than this are pruned
}

// Settings contains all configuration options for the BirdFrame application.
type Settings struct {
	Debug bool // true to enable debug logging

	Main      MainSettings
	Realtime  RealtimeSettings
	WebServer WebServerSettings
	Security  SecuritySettings
	Output    OutputSettings

	Version string `yaml:"-"` // runtime value, not persisted
}

// current holds the published settings snapshot. Readers dereference it per
// call; writers replace the whole pointer.
var current atomic.Pointer[Settings]

var saveMutex sync.Mutex

// Snapshot returns the current immutable settings snapshot.
func Snapshot() *Settings {
	return current.Load()
}

// Publish replaces the current settings snapshot.
func Publish(s *Settings) {
	current.Store(s)
}

// Load reads the configuration from defaults, config file and environment
// (in increasing precedence), publishes the snapshot and returns it.
func Load() (*Settings, error) {
	setDefaultConfig()

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	applyEnvOverrides(settings)

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	Publish(settings)
	return settings, nil
}

// initViper initializes viper with config file search paths.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	err = viper.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("fatal error reading config file: %w", err)
		}
		// Config file not found, create from defaults
		configPath := filepath.Join(configPaths[0], "config.yaml")
		if err := createDefaultConfig(configPath); err != nil {
			return err
		}
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading newly created config: %w", err)
		}
	}
	return nil
}

// createDefaultConfig writes the current viper defaults as a new config file.
func createDefaultConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}
	if err := viper.SafeWriteConfigAs(configPath); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}
	log.Println("Created default config file at:", configPath)
	return nil
}

// GetDefaultConfigPaths returns the directories searched for config.yaml.
func GetDefaultConfigPaths() ([]string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return []string{"."}, nil //nolint:nilerr // fall back to cwd when home is unknown
	}
	return []string{
		".",
		filepath.Join(homeDir, ".config", "birdframe"),
		"/etc/birdframe",
	}, nil
}

// isPlaceholderSecret reports whether v is an empty or masked secret value
// that must not overwrite a stored secret.
func isPlaceholderSecret(v string) bool {
	switch v {
	case "", "********", "redacted", "<redacted>":
		return true
	}
	return false
}

// MergeForSave returns a copy of next with secret fields restored from prev
// wherever next carries a placeholder. An empty required secret is the
// caller's validation problem; an empty optional secret means "keep".
func MergeForSave(prev, next *Settings) *Settings {
	merged := *next
	if isPlaceholderSecret(merged.Realtime.MQTT.Password) {
		merged.Realtime.MQTT.Password = prev.Realtime.MQTT.Password
	}
	if isPlaceholderSecret(merged.Realtime.Frigate.AuthToken) {
		merged.Realtime.Frigate.AuthToken = prev.Realtime.Frigate.AuthToken
	}
	if isPlaceholderSecret(merged.Realtime.Weather.APIKey) {
		merged.Realtime.Weather.APIKey = prev.Realtime.Weather.APIKey
	}
	if isPlaceholderSecret(merged.Realtime.Taxonomy.APIKey) {
		merged.Realtime.Taxonomy.APIKey = prev.Realtime.Taxonomy.APIKey
	}
	if isPlaceholderSecret(merged.Security.PasswordHash) {
		merged.Security.PasswordHash = prev.Security.PasswordHash
	}
	if isPlaceholderSecret(merged.Security.JWTSecret) {
		merged.Security.JWTSecret = prev.Security.JWTSecret
	}
	if isPlaceholderSecret(merged.Output.MySQL.Password) {
		merged.Output.MySQL.Password = prev.Output.MySQL.Password
	}
	return &merged
}

// Redacted returns a copy of s with secrets masked for API exposure.
func (s *Settings) Redacted() *Settings {
	redacted := *s
	mask := func(v string) string {
		if v == "" {
			return ""
		}
		return "********"
	}
	redacted.Realtime.MQTT.Password = mask(s.Realtime.MQTT.Password)
	redacted.Realtime.Frigate.AuthToken = mask(s.Realtime.Frigate.AuthToken)
	redacted.Realtime.Weather.APIKey = mask(s.Realtime.Weather.APIKey)
	redacted.Realtime.Taxonomy.APIKey = mask(s.Realtime.Taxonomy.APIKey)
	redacted.Security.PasswordHash = mask(s.Security.PasswordHash)
	redacted.Security.JWTSecret = mask(s.Security.JWTSecret)
	redacted.Output.MySQL.Password = mask(s.Output.MySQL.Password)
	return &redacted
}

// SaveSettings validates next, restores secrets from the current snapshot,
// persists the result to the config file and publishes the new snapshot.
func SaveSettings(next *Settings) error {
	saveMutex.Lock()
	defer saveMutex.Unlock()

	prev := Snapshot()
	if prev != nil {
		next = MergeForSave(prev, next)
	}
	if err := ValidateSettings(next); err != nil {
		return err
	}

	configPath := viper.ConfigFileUsed()
	if configPath == "" {
		paths, _ := GetDefaultConfigPaths()
		configPath = filepath.Join(paths[0], "config.yaml")
	}

	out, err := yaml.Marshal(next)
	if err != nil {
		return fmt.Errorf("error marshaling settings: %w", err)
	}
	tmp := configPath + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("error writing settings file: %w", err)
	}
	if err := os.Rename(tmp, configPath); err != nil {
		return fmt.Errorf("error replacing settings file: %w", err)
	}

	Publish(next)
	return nil
}

// SensorFor maps a camera to its audio sensor id, falling back to the
// camera name when no explicit mapping exists.
func (a *AudioSettings) SensorFor(camera string) string {
	if sensor, ok := a.SensorMap[camera]; ok {
		return sensor
	}
	return camera
}

// CameraAllowed reports whether the given camera is in the configured set.
// An empty camera list accepts all cameras.
func (f *FrigateSettings) CameraAllowed(camera string) bool {
	if len(f.Cameras) == 0 {
		return true
	}
	for _, c := range f.Cameras {
		if c == camera {
			return true
		}
	}
	return false
}
