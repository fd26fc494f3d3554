package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	NATS       NATSConfig       `yaml:"nats"`
	MinIO      MinIOConfig      `yaml:"minio"`
	Vision     VisionConfig     `yaml:"vision"`
	Matching   MatchingConfig   `yaml:"matching"`
	Liveness   LivenessConfig   `yaml:"liveness"`
	Attendance AttendanceConfig `yaml:"attendance"`
	Review     ReviewConfig     `yaml:"review"`
	Capture    CaptureConfig    `yaml:"capture"`
	Enrollment EnrollmentConfig `yaml:"enrollment"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Port        int      `yaml:"port"`
	MetricsPort int      `yaml:"metrics_port"`
	APIKey      string   `yaml:"api_key"`
	AdminTokens []string `yaml:"admin_tokens"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type VisionConfig struct {
	ModelsDir          string  `yaml:"models_dir"`
	DetectorModel      string  `yaml:"detector_model"`
	EmbedderModel      string  `yaml:"embedder_model"`
	EyeStateModel      string  `yaml:"eye_state_model"`
	DetectionThreshold float64 `yaml:"detection_threshold"`
	EmbeddingDim       int     `yaml:"embedding_dim"`
	IntraOpThreads     int     `yaml:"intra_op_threads"`
}

// MatchingConfig holds the two similarity cut-offs. Match gates lookups such
// as duplicate enrollment; Attendance gates automatic ledger writes.
type MatchingConfig struct {
	MatchThreshold      float64 `yaml:"match_threshold"`
	AttendanceThreshold float64 `yaml:"attendance_threshold"`
}

type LivenessConfig struct {
	Challenges        []string      `yaml:"challenges"`
	Timeout           time.Duration `yaml:"timeout"`
	ConsecutiveFrames int           `yaml:"consecutive_frames"`
	BlinkCycles       int           `yaml:"blink_cycles"`
	EyesClosedMax     float64       `yaml:"eyes_closed_max"`
	EyesOpenMin       float64       `yaml:"eyes_open_min"`
	TurnYawDegrees    float64       `yaml:"turn_yaw_degrees"`
	ForwardDegrees    float64       `yaml:"forward_degrees"`
}

type AttendanceConfig struct {
	MinDeleteReason  int  `yaml:"min_delete_reason"`
	RequireAdminAuth bool `yaml:"require_admin_auth"`
}

type ReviewConfig struct {
	ExpireAfter   time.Duration `yaml:"expire_after"`
	Retention     time.Duration `yaml:"retention"`
	SweepSchedule string        `yaml:"sweep_schedule"`
}

type CaptureConfig struct {
	Device         string        `yaml:"device"`
	InputFormat    string        `yaml:"input_format"`
	FPS            int           `yaml:"fps"`
	Width          int           `yaml:"width"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

type EnrollmentConfig struct {
	MinInterval time.Duration `yaml:"min_interval"`
	Front       int           `yaml:"front"`
	Left        int           `yaml:"left"`
	Right       int           `yaml:"right"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var congruentChallenges = map[string]bool{
	"BLINK":      true,
	"TURN_LEFT":  true,
	"TURN_RIGHT": true,
}

// Load reads config from YAML file, applies environment variable overrides,
// fills defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 10
	}
	if cfg.MinIO.Bucket == "" {
		cfg.MinIO.Bucket = "checkpoint"
	}
	if cfg.Vision.DetectorModel == "" {
		cfg.Vision.DetectorModel = "det_10g.onnx"
	}
	if cfg.Vision.EmbedderModel == "" {
		cfg.Vision.EmbedderModel = "mobilefacenet.onnx"
	}
	if cfg.Vision.EyeStateModel == "" {
		cfg.Vision.EyeStateModel = "eye_state.onnx"
	}
	if cfg.Vision.DetectionThreshold == 0 {
		cfg.Vision.DetectionThreshold = 0.5
	}
	if cfg.Vision.EmbeddingDim == 0 {
		cfg.Vision.EmbeddingDim = 192
	}
	if cfg.Vision.IntraOpThreads == 0 {
		cfg.Vision.IntraOpThreads = 2
	}
	if cfg.Matching.MatchThreshold == 0 {
		cfg.Matching.MatchThreshold = 0.70
	}
	if cfg.Matching.AttendanceThreshold == 0 {
		cfg.Matching.AttendanceThreshold = 0.85
	}
	if len(cfg.Liveness.Challenges) == 0 {
		cfg.Liveness.Challenges = []string{"BLINK", "TURN_LEFT", "TURN_RIGHT"}
	}
	if cfg.Liveness.Timeout == 0 {
		cfg.Liveness.Timeout = 10 * time.Second
	}
	if cfg.Liveness.ConsecutiveFrames == 0 {
		cfg.Liveness.ConsecutiveFrames = 3
	}
	if cfg.Liveness.BlinkCycles == 0 {
		cfg.Liveness.BlinkCycles = 2
	}
	if cfg.Liveness.EyesClosedMax == 0 {
		cfg.Liveness.EyesClosedMax = 0.35
	}
	if cfg.Liveness.EyesOpenMin == 0 {
		cfg.Liveness.EyesOpenMin = 0.65
	}
	if cfg.Liveness.TurnYawDegrees == 0 {
		cfg.Liveness.TurnYawDegrees = 22
	}
	if cfg.Liveness.ForwardDegrees == 0 {
		cfg.Liveness.ForwardDegrees = 15
	}
	if cfg.Attendance.MinDeleteReason == 0 {
		cfg.Attendance.MinDeleteReason = 10
	}
	if cfg.Review.ExpireAfter == 0 {
		cfg.Review.ExpireAfter = 7 * 24 * time.Hour
	}
	if cfg.Review.Retention == 0 {
		cfg.Review.Retention = 30 * 24 * time.Hour
	}
	if cfg.Review.SweepSchedule == "" {
		cfg.Review.SweepSchedule = "@daily"
	}
	if cfg.Capture.Device == "" {
		cfg.Capture.Device = "/dev/video0"
	}
	if cfg.Capture.FPS == 0 {
		cfg.Capture.FPS = 5
	}
	if cfg.Capture.Width == 0 {
		cfg.Capture.Width = 640
	}
	if cfg.Capture.SessionTimeout == 0 {
		cfg.Capture.SessionTimeout = 30 * time.Second
	}
	if cfg.Enrollment.MinInterval == 0 {
		cfg.Enrollment.MinInterval = time.Second
	}
	if cfg.Enrollment.Front == 0 {
		cfg.Enrollment.Front = 3
	}
	if cfg.Enrollment.Left == 0 {
		cfg.Enrollment.Left = 2
	}
	if cfg.Enrollment.Right == 0 {
		cfg.Enrollment.Right = 2
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate rejects settings the attendance pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if !unitInterval(c.Matching.MatchThreshold) {
		errs = append(errs, fmt.Errorf("matching.match_threshold must be in (0,1], got %v", c.Matching.MatchThreshold))
	}
	if !unitInterval(c.Matching.AttendanceThreshold) {
		errs = append(errs, fmt.Errorf("matching.attendance_threshold must be in (0,1], got %v", c.Matching.AttendanceThreshold))
	}
	if c.Matching.AttendanceThreshold < c.Matching.MatchThreshold {
		errs = append(errs, errors.New("matching.attendance_threshold must not be below matching.match_threshold"))
	}
	if !unitInterval(c.Vision.DetectionThreshold) {
		errs = append(errs, fmt.Errorf("vision.detection_threshold must be in (0,1], got %v", c.Vision.DetectionThreshold))
	}
	for _, ch := range c.Liveness.Challenges {
		if !congruentChallenges[strings.ToUpper(ch)] {
			errs = append(errs, fmt.Errorf("liveness.challenges: %q has no enrollment pose", ch))
		}
	}
	if c.Liveness.EyesClosedMax >= c.Liveness.EyesOpenMin {
		errs = append(errs, errors.New("liveness.eyes_closed_max must be below liveness.eyes_open_min"))
	}
	if c.Liveness.ConsecutiveFrames < 1 || c.Liveness.BlinkCycles < 1 {
		errs = append(errs, errors.New("liveness frame and blink counts must be positive"))
	}
	if c.Enrollment.Front < 1 || c.Enrollment.Left < 1 || c.Enrollment.Right < 1 {
		errs = append(errs, errors.New("enrollment capture counts must be positive"))
	}
	if c.Capture.FPS < 1 {
		errs = append(errs, errors.New("capture.fps must be positive"))
	}

	return errors.Join(errs...)
}

func unitInterval(v float64) bool {
	return v > 0 && v <= 1
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CP_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CP_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("CP_ADMIN_TOKENS"); v != "" {
		cfg.Server.AdminTokens = strings.Split(v, ",")
	}
	if v := os.Getenv("CP_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("CP_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("CP_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("CP_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("CP_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("CP_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("CP_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("CP_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("CP_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("CP_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("CP_MODELS_DIR"); v != "" {
		cfg.Vision.ModelsDir = v
	}
	if v := os.Getenv("CP_CAPTURE_DEVICE"); v != "" {
		cfg.Capture.Device = v
	}
	if v := os.Getenv("CP_ATTENDANCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Matching.AttendanceThreshold = f
		}
	}
	if v := os.Getenv("CP_LIVENESS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Liveness.Timeout = d
		}
	}
}
