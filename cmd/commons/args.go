package commons

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/modernistik/MemoryJar/commons"
	"github.com/modernistik/MemoryJar/utils"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func SetCommonFlags(command *cobra.Command) {
	command.PersistentFlags().BoolP("version", "v", false, "Print version")
	command.PersistentFlags().BoolP("help", "h", false, "Print help")
	command.PersistentFlags().BoolP("debug", "d", false, "Enable debug mode")
	command.PersistentFlags().BoolP("profile", "", false, "Enable profiling")
	command.PersistentFlags().BoolP("media", "", false, "Use media cache defaults for large binary records")

	command.PersistentFlags().StringP("config", "", "", "Set config file (yaml)")
	command.PersistentFlags().StringP("cache_root", "", commons.GetDefaultCacheRootPath(), "Set cache root directory path")
	command.PersistentFlags().IntP("disk_record_count_max", "", commons.DiskRecordCountMaxDefault, "Set disk cache max record count")
	command.PersistentFlags().Int64P("disk_cache_size_max", "", commons.DiskCacheSizeMaxDefault, "Set disk cache max total size in bytes")
	command.PersistentFlags().StringP("memory_cache_policy", "", commons.MemoryCachePolicyLRU, "Set memory cache policy (lru or ttl)")
	command.PersistentFlags().StringP("max_age", "", commons.MaxAgeDefault.String(), "Set default record max age")
	command.PersistentFlags().StringP("log_path", "", "", "Set log file path")

	command.PersistentFlags().IntP("profile_port", "", commons.ProfileServicePortDefault, "Set profile service port")
	command.PersistentFlags().IntP("prometheus_exporter_port", "", 0, "Set prometheus exporter port")
}

func ProcessCommonFlags(command *cobra.Command) (*commons.Config, io.WriteCloser, bool, error) {
	logger := log.WithFields(log.Fields{
		"package":  "commons",
		"function": "ProcessCommonFlags",
	})

	debug := false
	debugFlag := command.Flags().Lookup("debug")
	if debugFlag != nil {
		debugMode, err := strconv.ParseBool(debugFlag.Value.String())
		if err == nil {
			debug = debugMode
		}
	}

	profile := false
	profileFlag := command.Flags().Lookup("profile")
	if profileFlag != nil {
		profileMode, err := strconv.ParseBool(profileFlag.Value.String())
		if err == nil {
			profile = profileMode
		}
	}

	media := false
	mediaFlag := command.Flags().Lookup("media")
	if mediaFlag != nil {
		mediaMode, err := strconv.ParseBool(mediaFlag.Value.String())
		if err == nil {
			media = mediaMode
		}
	}

	if debug {
		log.SetLevel(log.DebugLevel)
	}

	helpFlag := command.Flags().Lookup("help")
	if helpFlag != nil {
		help, err := strconv.ParseBool(helpFlag.Value.String())
		if err != nil {
			help = false
		}

		if help {
			PrintHelp(command)
			return nil, nil, false, nil // stop here
		}
	}

	versionFlag := command.Flags().Lookup("version")
	if versionFlag != nil {
		version, err := strconv.ParseBool(versionFlag.Value.String())
		if err != nil {
			version = false
		}

		if version {
			PrintVersion(command)
			return nil, nil, false, nil // stop here
		}
	}

	readConfig := false
	var config *commons.Config

	configFlag := command.Flags().Lookup("config")
	if configFlag != nil {
		configPath := configFlag.Value.String()
		if len(configPath) > 0 {
			yamlBytes, err := os.ReadFile(configPath)
			if err != nil {
				logger.Error(err)
				return nil, nil, false, err // stop here
			}

			fileConfig, err := commons.NewConfigFromYAML(yamlBytes)
			if err != nil {
				logger.Error(err)
				return nil, nil, false, err // stop here
			}

			// overwrite config
			config = fileConfig
			readConfig = true
		}
	}

	// default config
	if !readConfig {
		if media {
			config = commons.NewMediaConfig()
		} else {
			config = commons.NewDefaultConfig()
		}
	}

	// prioritize command-line flags over config files
	if debug {
		log.SetLevel(log.DebugLevel)
		config.Debug = true
	}

	if profile {
		config.Profile = true
	}

	cacheRootFlag := command.Flags().Lookup("cache_root")
	if cacheRootFlag != nil && cacheRootFlag.Changed {
		cacheRoot := cacheRootFlag.Value.String()
		if len(cacheRoot) > 0 {
			config.CacheRootPath = cacheRoot
		}
	}

	diskRecordCountMaxFlag := command.Flags().Lookup("disk_record_count_max")
	if diskRecordCountMaxFlag != nil && diskRecordCountMaxFlag.Changed {
		diskRecordCountMax, err := strconv.ParseInt(diskRecordCountMaxFlag.Value.String(), 10, 32)
		if err != nil {
			logger.WithError(err).Errorf("failed to convert input to int")
			return nil, nil, false, err // stop here
		}

		if diskRecordCountMax > 0 {
			config.DiskRecordCountMax = int(diskRecordCountMax)
		}
	}

	diskCacheSizeMaxFlag := command.Flags().Lookup("disk_cache_size_max")
	if diskCacheSizeMaxFlag != nil && diskCacheSizeMaxFlag.Changed {
		diskCacheSizeMax, err := strconv.ParseInt(diskCacheSizeMaxFlag.Value.String(), 10, 64)
		if err != nil {
			logger.WithError(err).Errorf("failed to convert input to int64")
			return nil, nil, false, err // stop here
		}

		if diskCacheSizeMax > 0 {
			config.DiskCacheSizeMax = diskCacheSizeMax
		}
	}

	memoryCachePolicyFlag := command.Flags().Lookup("memory_cache_policy")
	if memoryCachePolicyFlag != nil && memoryCachePolicyFlag.Changed {
		memoryCachePolicy := memoryCachePolicyFlag.Value.String()
		if len(memoryCachePolicy) > 0 {
			config.MemoryCachePolicy = memoryCachePolicy
		}
	}

	maxAgeFlag := command.Flags().Lookup("max_age")
	if maxAgeFlag != nil && maxAgeFlag.Changed {
		maxAge, err := time.ParseDuration(maxAgeFlag.Value.String())
		if err != nil {
			logger.WithError(err).Errorf("failed to convert input to duration")
			return nil, nil, false, err // stop here
		}

		if maxAge > 0 {
			config.MaxAge = utils.Duration(maxAge)
		}
	}

	logPathFlag := command.Flags().Lookup("log_path")
	if logPathFlag != nil && logPathFlag.Changed {
		logPath := logPathFlag.Value.String()
		if len(logPath) > 0 {
			config.LogPath = logPath
		}
	}

	profilePortFlag := command.Flags().Lookup("profile_port")
	if profilePortFlag != nil && profilePortFlag.Changed {
		profilePort, err := strconv.ParseInt(profilePortFlag.Value.String(), 10, 32)
		if err != nil {
			logger.WithError(err).Errorf("failed to convert input to int")
			return nil, nil, false, err // stop here
		}

		if profilePort > 0 {
			config.ProfileServicePort = int(profilePort)
		}
	}

	prometheusExporterPortFlag := command.Flags().Lookup("prometheus_exporter_port")
	if prometheusExporterPortFlag != nil && prometheusExporterPortFlag.Changed {
		prometheusExporterPort, err := strconv.ParseInt(prometheusExporterPortFlag.Value.String(), 10, 32)
		if err != nil {
			logger.WithError(err).Errorf("failed to convert input to int")
			return nil, nil, false, err // stop here
		}

		if prometheusExporterPort > 0 {
			config.PrometheusExporterPort = int(prometheusExporterPort)
		}
	}

	err := config.Validate()
	if err != nil {
		logger.Error(err)
		return nil, nil, false, err // stop here
	}

	if config.Debug {
		log.SetLevel(log.DebugLevel)
	}

	var logWriter io.WriteCloser
	if config.LogPath == "-" || len(config.LogPath) == 0 {
		log.SetOutput(os.Stderr)
	} else {
		logWriter = getLogWriter(config.LogPath)

		// use multi output - to output to file and stderr
		mw := io.MultiWriter(os.Stderr, logWriter)
		log.SetOutput(mw)

		logger.Infof("Logging to %s", config.LogPath)
	}

	return config, logWriter, true, nil // continue
}

func PrintVersion(command *cobra.Command) error {
	info, err := commons.GetVersionJSON()
	if err != nil {
		return err
	}

	fmt.Println(info)
	return nil
}

func PrintHelp(command *cobra.Command) error {
	return command.Usage()
}

func getLogWriter(logPath string) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    50, // 50MB
		MaxBackups: 5,
		MaxAge:     30, // 30 days
		Compress:   false,
	}
}
