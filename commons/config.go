package commons

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/xid"
	yaml "gopkg.in/yaml.v2"

	"github.com/modernistik/MemoryJar/utils"
)

const (
	DiskRecordCountMaxDefault       int   = 1000
	MediaDiskRecordCountMaxDefault  int   = 10000
	DiskCacheSizeMaxDefault         int64 = 1024 * 1024 * 256      // 256MB
	MediaDiskCacheSizeMaxDefault    int64 = 1024 * 1024 * 1024 * 2 // 2GB
	MemoryRecordSizeMaxDefault      int64 = 1024 * 1024            // 1MB
	MediaMemoryRecordSizeMaxDefault int64 = 1024 * 1024 * 4        // 4MB
	MemoryRecordCountMaxDefault     int   = 10000

	MaxAgeDefault      time.Duration = 24 * time.Hour
	MediaMaxAgeDefault time.Duration = 7 * 24 * time.Hour

	TimestampGranularityDefault time.Duration = 1 * time.Second
	MemoryTTLCleanupDefault     time.Duration = 10 * time.Minute
	WriteQueueSizeDefault       int           = 128

	CacheRootPathPrefixDefault string = "memoryjar_cache"

	// MemoryCachePolicyLRU holds a bounded number of records in memory and
	// evicts the least recently used record when the bound is reached.
	MemoryCachePolicyLRU string = "lru"
	// MemoryCachePolicyTTL holds records in memory until they age out and a
	// background janitor reclaims them.
	MemoryCachePolicyTTL string = "ttl"

	ProfileServicePortDefault     int = 12021
	PrometheusExporterPortDefault int = 12022
)

var (
	instanceID string
)

// getInstanceID returns instance ID
func getInstanceID() string {
	if len(instanceID) == 0 {
		instanceID = xid.New().String()
	}

	return instanceID
}

// GetDefaultCacheRootPath returns default cache root path, unique per process
func GetDefaultCacheRootPath() string {
	return utils.JoinPath(os.TempDir(), fmt.Sprintf("%s_%s", CacheRootPathPrefixDefault, getInstanceID()))
}

// Config holds the parameters list which can be configured
type Config struct {
	CacheRootPath        string         `yaml:"cache_root_path"`
	DiskRecordCountMax   int            `yaml:"disk_record_count_max"`
	DiskCacheSizeMax     int64          `yaml:"disk_cache_size_max"`
	MemoryRecordSizeMax  int64          `yaml:"memory_record_size_max"`
	MemoryRecordCountMax int            `yaml:"memory_record_count_max"`
	MemoryCachePolicy    string         `yaml:"memory_cache_policy"`
	MemoryTTLCleanup     utils.Duration `yaml:"memory_ttl_cleanup,omitempty"`
	MaxAge               utils.Duration `yaml:"max_age"`
	TimestampGranularity utils.Duration `yaml:"timestamp_granularity"`
	WriteQueueSize       int            `yaml:"write_queue_size"`

	LogPath string `yaml:"log_path,omitempty"`

	Profile            bool `yaml:"profile,omitempty"`
	ProfileServicePort int  `yaml:"profile_service_port,omitempty"`

	PrometheusExporterPort int `yaml:"prometheus_exporter_port,omitempty"`

	Debug bool `yaml:"debug,omitempty"`

	InstanceID string `yaml:"instanceid,omitempty"`
}

// NewDefaultConfig creates DefaultConfig, tuned for small text records
func NewDefaultConfig() *Config {
	return &Config{
		CacheRootPath:        GetDefaultCacheRootPath(),
		DiskRecordCountMax:   DiskRecordCountMaxDefault,
		DiskCacheSizeMax:     DiskCacheSizeMaxDefault,
		MemoryRecordSizeMax:  MemoryRecordSizeMaxDefault,
		MemoryRecordCountMax: MemoryRecordCountMaxDefault,
		MemoryCachePolicy:    MemoryCachePolicyLRU,
		MemoryTTLCleanup:     utils.Duration(MemoryTTLCleanupDefault),
		MaxAge:               utils.Duration(MaxAgeDefault),
		TimestampGranularity: utils.Duration(TimestampGranularityDefault),
		WriteQueueSize:       WriteQueueSizeDefault,

		LogPath: "",

		Profile:            false,
		ProfileServicePort: ProfileServicePortDefault,

		PrometheusExporterPort: 0,

		Debug: false,

		InstanceID: getInstanceID(),
	}
}

// NewMediaConfig creates a Config tuned for large binary records such as
// images, keeping more of them for longer
func NewMediaConfig() *Config {
	config := NewDefaultConfig()
	config.DiskRecordCountMax = MediaDiskRecordCountMaxDefault
	config.DiskCacheSizeMax = MediaDiskCacheSizeMaxDefault
	config.MemoryRecordSizeMax = MediaMemoryRecordSizeMaxDefault
	config.MaxAge = utils.Duration(MediaMaxAgeDefault)
	return config
}

// NewConfigFromYAML creates Config from YAML
func NewConfigFromYAML(yamlBytes []byte) (*Config, error) {
	config := NewDefaultConfig()

	err := yaml.Unmarshal(yamlBytes, config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML - %v", err)
	}

	return config, nil
}

// Validate validates configuration
func (config *Config) Validate() error {
	if len(config.CacheRootPath) == 0 {
		return fmt.Errorf("cache root path must be given")
	}

	if config.DiskRecordCountMax <= 0 {
		return fmt.Errorf("disk record count max must be a positive value")
	}

	if config.DiskCacheSizeMax <= 0 {
		return fmt.Errorf("disk cache size max must be a positive value")
	}

	if config.MemoryRecordSizeMax <= 0 {
		return fmt.Errorf("memory record size max must be a positive value")
	}

	switch config.MemoryCachePolicy {
	case MemoryCachePolicyLRU:
		if config.MemoryRecordCountMax <= 0 {
			return fmt.Errorf("memory record count max must be a positive value for %q policy", MemoryCachePolicyLRU)
		}
	case MemoryCachePolicyTTL:
		if time.Duration(config.MemoryTTLCleanup) <= 0 {
			return fmt.Errorf("memory ttl cleanup must be a positive duration for %q policy", MemoryCachePolicyTTL)
		}
	default:
		return fmt.Errorf("unknown memory cache policy %q", config.MemoryCachePolicy)
	}

	if time.Duration(config.MaxAge) <= 0 {
		return fmt.Errorf("max age must be a positive duration")
	}

	if time.Duration(config.TimestampGranularity) <= 0 {
		return fmt.Errorf("timestamp granularity must be a positive duration")
	}

	if config.WriteQueueSize <= 0 {
		return fmt.Errorf("write queue size must be a positive value")
	}

	if config.Profile && config.ProfileServicePort <= 0 {
		return fmt.Errorf("profile service port must be given")
	}

	return nil
}
