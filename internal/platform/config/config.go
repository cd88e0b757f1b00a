package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures HTTP gateway configuration.
type Server struct {
	Addr            string
	Environment     string
	LogLevel        string
	LogFormat       string
	JWTSigningKey   string
	TokenTTL        time.Duration
	RequireToken    bool
	IntegritySecret string
	TempDir         string
	MaxUploadBytes  int64
	ShutdownTimeout time.Duration

	Database    DatabaseConfig
	Redis       RedisConfig
	Queue       QueueConfig
	ObjectStore ObjectStoreConfig
	Audit       AuditConfig
}

// Worker captures pipeline worker configuration.
type Worker struct {
	Environment       string
	LogLevel          string
	LogFormat         string
	MetricsAddr       string
	Concurrency       int
	MaxAttempts       int
	RetryDelay        time.Duration
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	CallTimeout       time.Duration
	FrameInterval     int
	FrameDecoder      string
	FFmpegPath        string
	ShutdownTimeout   time.Duration

	Database      DatabaseConfig
	Redis         RedisConfig
	Queue         QueueConfig
	ObjectStore   ObjectStoreConfig
	Audit         AuditConfig
	Collaborators CollaboratorsConfig
	Scoring       Scoring
}

// DatabaseConfig selects the session store backend. An empty URL means the
// in-memory store.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig configures the shared Redis client. An empty URL means Redis is
// not configured.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// QueueConfig names the job queue and its visibility timeout.
type QueueConfig struct {
	Name              string
	VisibilityTimeout time.Duration
}

// ObjectStoreConfig points at S3 or MinIO. An empty endpoint with no region
// means the in-memory store.
type ObjectStoreConfig struct {
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	UseSSL       bool
	VideosBucket string
	FramesBucket string
}

// AuditConfig enables the Kafka audit publisher when brokers are set.
type AuditConfig struct {
	Brokers []string
	Topic   string
}

// CollaboratorsConfig holds the analysis service endpoints.
type CollaboratorsConfig struct {
	Mode        string
	PAD         string
	Deepfake    string
	FaceMatch   string
	OCR         string
	MRZ         string
	DocLiveness string
}

const (
	CollaboratorsHTTP = "http"
	CollaboratorsStub = "stub"
)

const (
	FrameDecoderFFmpeg    = "ffmpeg"
	FrameDecoderSynthetic = "synthetic"
)

// EnvironmentDev is the only environment that may run without shared backends.
const EnvironmentDev = "dev"

// Defaults mirror the values the pipeline was tuned with.
const (
	DefaultQueueName     = "kyc_processing_queue"
	DefaultVideosBucket  = "kyc-videos"
	DefaultFramesBucket  = "kyc-frames"
	DefaultMaxAttempts   = 3
	DefaultRetryDelay    = 60 * time.Second
	DefaultCallTimeout   = 300 * time.Second
	DefaultFrameInterval = 30
	DefaultTokenTTL      = time.Hour
)

// FromEnv builds the gateway config from environment variables so main stays lean.
func FromEnv() (Server, error) {
	jwtSigningKey := os.Getenv("JWT_SIGNING_KEY")
	if jwtSigningKey == "" {
		// Use a default for development - should be overridden in production
		jwtSigningKey = "dev-secret-key-change-in-production"
	}
	integritySecret := os.Getenv("KYC_INTEGRITY_SECRET")
	if integritySecret == "" {
		integritySecret = "shared_secret"
	}

	cfg := Server{
		Addr:            getEnv("KYC_ADDR", ":8080"),
		Environment:     getEnv("KYC_ENV", EnvironmentDev),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "text"),
		JWTSigningKey:   jwtSigningKey,
		TokenTTL:        getDuration("KYC_TOKEN_TTL", DefaultTokenTTL),
		RequireToken:    os.Getenv("KYC_REQUIRE_TOKEN") == "true",
		IntegritySecret: integritySecret,
		TempDir:         getEnv("KYC_TEMP_DIR", os.TempDir()),
		MaxUploadBytes:  int64(getInt("KYC_MAX_UPLOAD_MB", 512)) << 20,
		ShutdownTimeout: getDuration("KYC_SHUTDOWN_TIMEOUT", 15*time.Second),
		Database:        databaseFromEnv(),
		Redis:           redisFromEnv(),
		Queue:           queueFromEnv(),
		ObjectStore:     objectStoreFromEnv(),
		Audit:           auditFromEnv(),
	}
	if cfg.TokenTTL <= 0 {
		return Server{}, fmt.Errorf("KYC_TOKEN_TTL must be positive")
	}
	return cfg, nil
}

// WorkerFromEnv builds the worker config, including the scoring file.
func WorkerFromEnv() (Worker, error) {
	scoring := DefaultScoring()
	if path := os.Getenv("KYC_SCORING_FILE"); path != "" {
		loaded, err := LoadScoring(path)
		if err != nil {
			return Worker{}, err
		}
		scoring = loaded
	}

	cfg := Worker{
		Environment:       getEnv("KYC_ENV", EnvironmentDev),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "text"),
		MetricsAddr:       getEnv("KYC_WORKER_METRICS_ADDR", ":9090"),
		Concurrency:       getInt("KYC_WORKER_CONCURRENCY", 4),
		MaxAttempts:       getInt("KYC_MAX_ATTEMPTS", DefaultMaxAttempts),
		RetryDelay:        getDuration("KYC_RETRY_DELAY", DefaultRetryDelay),
		LeaseTTL:          getDuration("KYC_LEASE_TTL", 2*time.Minute),
		HeartbeatInterval: getDuration("KYC_LEASE_HEARTBEAT", 30*time.Second),
		CallTimeout:       getDuration("KYC_CALL_TIMEOUT", DefaultCallTimeout),
		FrameInterval:     getInt("KYC_FRAME_INTERVAL", DefaultFrameInterval),
		FrameDecoder:      getEnv("KYC_FRAME_DECODER", FrameDecoderFFmpeg),
		FFmpegPath:        getEnv("KYC_FFMPEG_PATH", "ffmpeg"),
		ShutdownTimeout:   getDuration("KYC_SHUTDOWN_TIMEOUT", 15*time.Second),
		Database:          databaseFromEnv(),
		Redis:             redisFromEnv(),
		Queue:             queueFromEnv(),
		ObjectStore:       objectStoreFromEnv(),
		Audit:             auditFromEnv(),
		Collaborators: CollaboratorsConfig{
			Mode:        getEnv("KYC_COLLABORATORS", CollaboratorsHTTP),
			PAD:         getEnv("KYC_PAD_URL", "http://pad_svc:8000/analyze"),
			Deepfake:    getEnv("KYC_DEEPFAKE_URL", "http://deepfake_svc:8000/analyze"),
			FaceMatch:   getEnv("KYC_FACEMATCH_URL", "http://facematch_svc:8000/match"),
			OCR:         getEnv("KYC_OCR_URL", "http://ocr_svc:8000/extract"),
			MRZ:         getEnv("KYC_MRZ_URL", "http://mrz_svc:8000/parse"),
			DocLiveness: getEnv("KYC_DOCLIVE_URL", "http://doclive_svc:8000/analyze"),
		},
		Scoring: scoring,
	}
	if err := cfg.validate(); err != nil {
		return Worker{}, err
	}
	return cfg, nil
}

func (w Worker) validate() error {
	switch {
	case w.Concurrency < 1:
		return fmt.Errorf("KYC_WORKER_CONCURRENCY must be at least 1")
	case w.MaxAttempts < 1:
		return fmt.Errorf("KYC_MAX_ATTEMPTS must be at least 1")
	case w.FrameInterval < 1:
		return fmt.Errorf("KYC_FRAME_INTERVAL must be at least 1")
	case w.HeartbeatInterval >= w.LeaseTTL:
		return fmt.Errorf("KYC_LEASE_HEARTBEAT must be shorter than KYC_LEASE_TTL")
	}
	switch w.Collaborators.Mode {
	case CollaboratorsHTTP, CollaboratorsStub:
	default:
		return fmt.Errorf("KYC_COLLABORATORS must be %q or %q", CollaboratorsHTTP, CollaboratorsStub)
	}
	switch w.FrameDecoder {
	case FrameDecoderFFmpeg, FrameDecoderSynthetic:
	default:
		return fmt.Errorf("KYC_FRAME_DECODER must be %q or %q", FrameDecoderFFmpeg, FrameDecoderSynthetic)
	}
	return w.Scoring.Validate()
}

func databaseFromEnv() DatabaseConfig {
	return DatabaseConfig{
		URL:             os.Getenv("DATABASE_URL"),
		MaxOpenConns:    getInt("DATABASE_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getInt("DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

func redisFromEnv() RedisConfig {
	return RedisConfig{
		URL:          os.Getenv("REDIS_URL"),
		PoolSize:     getInt("REDIS_POOL_SIZE", 10),
		MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 2),
		DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		ReadTimeout:  getDuration("REDIS_READ_TIMEOUT", 3*time.Second),
		WriteTimeout: getDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
	}
}

func queueFromEnv() QueueConfig {
	return QueueConfig{
		Name:              getEnv("KYC_QUEUE_NAME", DefaultQueueName),
		VisibilityTimeout: getDuration("KYC_QUEUE_VISIBILITY_TIMEOUT", 45*time.Minute),
	}
}

func objectStoreFromEnv() ObjectStoreConfig {
	return ObjectStoreConfig{
		Endpoint:     os.Getenv("S3_ENDPOINT"),
		Region:       getEnv("S3_REGION", "us-east-1"),
		AccessKey:    os.Getenv("S3_ACCESS_KEY"),
		SecretKey:    os.Getenv("S3_SECRET_KEY"),
		UseSSL:       os.Getenv("S3_USE_SSL") == "true",
		VideosBucket: getEnv("KYC_VIDEOS_BUCKET", DefaultVideosBucket),
		FramesBucket: getEnv("KYC_FRAMES_BUCKET", DefaultFramesBucket),
	}
}

func auditFromEnv() AuditConfig {
	var brokers []string
	for _, b := range strings.Split(os.Getenv("KAFKA_BROKERS"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return AuditConfig{
		Brokers: brokers,
		Topic:   getEnv("KYC_AUDIT_TOPIC", "kyc.session.events"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
