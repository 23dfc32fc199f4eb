package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/profile"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	memoryjar "github.com/modernistik/MemoryJar"
	cmd_commons "github.com/modernistik/MemoryJar/cmd/commons"
	"github.com/modernistik/MemoryJar/commons"
	log "github.com/sirupsen/logrus"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "memoryjar [subcommand]",
	Short: "Manage a MemoryJar record cache",
	Long:  "Manage a MemoryJar record cache that keeps records in memory and spills them to files under a cache root directory.",
	RunE:  processCommand,
}

var setCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Store a record",
	Long:  "Store a record under the given key and wait until it is written to the cache root.",
	Args:  cobra.ExactArgs(2),
	RunE:  processSetCommand,
}

var getCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Look up a record",
	Long:  "Look up a record by key and print its value.",
	Args:  cobra.ExactArgs(1),
	RunE:  processGetCommand,
}

var hasCmd = &cobra.Command{
	Use:   "has [key]",
	Short: "Check whether a record exists",
	Long:  "Check whether a record with the given key exists without touching it.",
	Args:  cobra.ExactArgs(1),
	RunE:  processHasCommand,
}

var removeCmd = &cobra.Command{
	Use:   "remove [key]",
	Short: "Remove a record",
	Long:  "Remove the record with the given key from memory and from the cache root.",
	Args:  cobra.ExactArgs(1),
	RunE:  processRemoveCommand,
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove all records",
	Long:  "Remove every record from memory and from the cache root.",
	Args:  cobra.NoArgs,
	RunE:  processPurgeCommand,
}

var statCmd = &cobra.Command{
	Use:   "stat",
	Short: "Print cache statistics",
	Long:  "Print the record count and total size of the cache root.",
	Args:  cobra.NoArgs,
	RunE:  processStatCommand,
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run a cache benchmark",
	Long:  "Write and read back generated records to measure cache throughput.",
	Args:  cobra.NoArgs,
	RunE:  processBenchCommand,
}

func Execute() error {
	return rootCmd.Execute()
}

func main() {
	log.SetFormatter(&log.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05.000000",
		FullTimestamp:   true,
	})

	log.SetLevel(log.InfoLevel)

	logger := log.WithFields(log.Fields{
		"package":  "main",
		"function": "main",
	})

	// attach common flags
	cmd_commons.SetCommonFlags(rootCmd)

	getCmd.Flags().BoolP("any_age", "", false, "Accept records of any age")

	benchCmd.Flags().IntP("records", "", 1000, "Set the number of records to write")
	benchCmd.Flags().IntP("record_size", "", 4096, "Set the record payload size in bytes")
	benchCmd.Flags().IntP("workers", "", 4, "Set the number of concurrent workers")
	benchCmd.Flags().IntP("reads_per_record", "", 3, "Set the number of read passes over the records")

	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(hasCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(statCmd)
	rootCmd.AddCommand(benchCmd)

	err := Execute()
	if err != nil {
		logger.Fatal(err)
		os.Exit(1)
	}
}

func processCommand(command *cobra.Command, args []string) error {
	logger := log.WithFields(log.Fields{
		"package":  "main",
		"function": "processCommand",
	})

	_, logWriter, cont, err := cmd_commons.ProcessCommonFlags(command)
	if logWriter != nil {
		defer logWriter.Close()
	}

	if err != nil {
		logger.Error(err)
		return err
	}

	if !cont {
		return nil
	}

	// no subcommand given
	return command.Usage()
}

// openJar opens a string record cache for the given configuration
func openJar(config *commons.Config) (*memoryjar.Jar[string], error) {
	return memoryjar.New(config, memoryjar.StringCodec{})
}

func processSetCommand(command *cobra.Command, args []string) error {
	logger := log.WithFields(log.Fields{
		"package":  "main",
		"function": "processSetCommand",
	})

	config, logWriter, cont, err := cmd_commons.ProcessCommonFlags(command)
	if logWriter != nil {
		defer logWriter.Close()
	}

	if err != nil {
		logger.Error(err)
		return err
	}

	if !cont {
		return nil
	}

	jar, err := openJar(config)
	if err != nil {
		logger.WithError(err).Error("failed to open the cache")
		return err
	}
	defer jar.Release()

	jar.SetSync(args[0], args[1])
	return nil
}

func processGetCommand(command *cobra.Command, args []string) error {
	logger := log.WithFields(log.Fields{
		"package":  "main",
		"function": "processGetCommand",
	})

	config, logWriter, cont, err := cmd_commons.ProcessCommonFlags(command)
	if logWriter != nil {
		defer logWriter.Close()
	}

	if err != nil {
		logger.Error(err)
		return err
	}

	if !cont {
		return nil
	}

	anyAge := false
	anyAgeFlag := command.Flags().Lookup("any_age")
	if anyAgeFlag != nil {
		anyAgeMode, err := strconv.ParseBool(anyAgeFlag.Value.String())
		if err == nil {
			anyAge = anyAgeMode
		}
	}

	jar, err := openJar(config)
	if err != nil {
		logger.WithError(err).Error("failed to open the cache")
		return err
	}
	defer jar.Release()

	var value string
	found := false
	if anyAge {
		value, found = jar.GetWithMaxAge(args[0], memoryjar.AgeUnlimited)
	} else {
		value, found = jar.Get(args[0])
	}

	if !found {
		return commons.NewCacheEntryNotFoundError(args[0])
	}

	fmt.Println(value)
	return nil
}

func processHasCommand(command *cobra.Command, args []string) error {
	logger := log.WithFields(log.Fields{
		"package":  "main",
		"function": "processHasCommand",
	})

	config, logWriter, cont, err := cmd_commons.ProcessCommonFlags(command)
	if logWriter != nil {
		defer logWriter.Close()
	}

	if err != nil {
		logger.Error(err)
		return err
	}

	if !cont {
		return nil
	}

	jar, err := openJar(config)
	if err != nil {
		logger.WithError(err).Error("failed to open the cache")
		return err
	}
	defer jar.Release()

	fmt.Println(jar.HasValue(args[0]))
	return nil
}

func processRemoveCommand(command *cobra.Command, args []string) error {
	logger := log.WithFields(log.Fields{
		"package":  "main",
		"function": "processRemoveCommand",
	})

	config, logWriter, cont, err := cmd_commons.ProcessCommonFlags(command)
	if logWriter != nil {
		defer logWriter.Close()
	}

	if err != nil {
		logger.Error(err)
		return err
	}

	if !cont {
		return nil
	}

	jar, err := openJar(config)
	if err != nil {
		logger.WithError(err).Error("failed to open the cache")
		return err
	}
	defer jar.Release()

	jar.Remove(args[0])
	jar.Drain()
	return nil
}

func processPurgeCommand(command *cobra.Command, args []string) error {
	logger := log.WithFields(log.Fields{
		"package":  "main",
		"function": "processPurgeCommand",
	})

	config, logWriter, cont, err := cmd_commons.ProcessCommonFlags(command)
	if logWriter != nil {
		defer logWriter.Close()
	}

	if err != nil {
		logger.Error(err)
		return err
	}

	if !cont {
		return nil
	}

	jar, err := openJar(config)
	if err != nil {
		logger.WithError(err).Error("failed to open the cache")
		return err
	}
	defer jar.Release()

	jar.RemoveAll()
	jar.Drain()
	return nil
}

func processStatCommand(command *cobra.Command, args []string) error {
	logger := log.WithFields(log.Fields{
		"package":  "main",
		"function": "processStatCommand",
	})

	config, logWriter, cont, err := cmd_commons.ProcessCommonFlags(command)
	if logWriter != nil {
		defer logWriter.Close()
	}

	if err != nil {
		logger.Error(err)
		return err
	}

	if !cont {
		return nil
	}

	jar, err := openJar(config)
	if err != nil {
		logger.WithError(err).Error("failed to open the cache")
		return err
	}
	defer jar.Release()

	summary := jar.Summary()

	yamlBytes, err := yaml.Marshal(summary)
	if err != nil {
		logger.WithError(err).Error("failed to marshal cache statistics")
		return err
	}

	fmt.Print(string(yamlBytes))
	return nil
}

func processBenchCommand(command *cobra.Command, args []string) error {
	logger := log.WithFields(log.Fields{
		"package":  "main",
		"function": "processBenchCommand",
	})

	config, logWriter, cont, err := cmd_commons.ProcessCommonFlags(command)
	if logWriter != nil {
		defer logWriter.Close()
	}

	if err != nil {
		logger.Error(err)
		return err
	}

	if !cont {
		return nil
	}

	records := 1000
	recordsFlag := command.Flags().Lookup("records")
	if recordsFlag != nil {
		recordsValue, err := strconv.ParseInt(recordsFlag.Value.String(), 10, 32)
		if err == nil && recordsValue > 0 {
			records = int(recordsValue)
		}
	}

	recordSize := 4096
	recordSizeFlag := command.Flags().Lookup("record_size")
	if recordSizeFlag != nil {
		recordSizeValue, err := strconv.ParseInt(recordSizeFlag.Value.String(), 10, 32)
		if err == nil && recordSizeValue > 0 {
			recordSize = int(recordSizeValue)
		}
	}

	workers := 4
	workersFlag := command.Flags().Lookup("workers")
	if workersFlag != nil {
		workersValue, err := strconv.ParseInt(workersFlag.Value.String(), 10, 32)
		if err == nil && workersValue > 0 {
			workers = int(workersValue)
		}
	}

	readsPerRecord := 3
	readsPerRecordFlag := command.Flags().Lookup("reads_per_record")
	if readsPerRecordFlag != nil {
		readsPerRecordValue, err := strconv.ParseInt(readsPerRecordFlag.Value.String(), 10, 32)
		if err == nil && readsPerRecordValue > 0 {
			readsPerRecord = int(readsPerRecordValue)
		}
	}

	versionInfo := commons.GetVersion()
	logger.Infof("MemoryJar version - %s, commit - %s", versionInfo.ReleaseVersion, versionInfo.GitCommit)

	return bench(config, records, recordSize, workers, readsPerRecord)
}

// bench writes generated records through the cache, reads them back, and
// logs the throughput of both phases
func bench(config *commons.Config, records int, recordSize int, workers int, readsPerRecord int) error {
	logger := log.WithFields(log.Fields{
		"package":  "main",
		"function": "bench",
	})

	jar, err := openJar(config)
	if err != nil {
		logger.WithError(err).Error("failed to open the cache")
		return err
	}

	// profile
	if config.Profile && config.ProfileServicePort > 0 {
		go func() {
			profileServiceAddr := fmt.Sprintf(":%d", config.ProfileServicePort)

			logger.Infof("Starting profile service at %s", profileServiceAddr)
			http.ListenAndServe(profileServiceAddr, nil)
		}()

		prof := profile.Start(profile.MemProfile)
		defer prof.Stop()
	}

	var prometheusExporterServer *http.Server
	if config.PrometheusExporterPort > 0 {
		go func() {
			prometheusExporterAddr := fmt.Sprintf(":%d", config.PrometheusExporterPort)
			http.Handle("/metrics", promhttp.Handler())

			logger.Infof("Starting prometheus exporter at %s", prometheusExporterAddr)
			prometheusExporterServer = &http.Server{Addr: prometheusExporterAddr, Handler: nil}
			prometheusExporterServer.ListenAndServe()
		}()
	}

	defer func() {
		if prometheusExporterServer != nil {
			prometheusExporterServer.Shutdown(context.TODO())
		}

		jar.Release()
	}()

	payload := strings.Repeat("m", recordSize)

	logger.Infof("Writing %d records of %d bytes with %d workers", records, recordSize, workers)

	writeStart := time.Now()

	writeChannel := make(chan string, workers)
	writeWaiter := sync.WaitGroup{}

	for i := 0; i < workers; i++ {
		writeWaiter.Add(1)
		go func() {
			defer writeWaiter.Done()

			for key := range writeChannel {
				jar.Set(key, payload)
			}
		}()
	}

	for i := 0; i < records; i++ {
		writeChannel <- fmt.Sprintf("bench_record_%d", i)
	}

	close(writeChannel)
	writeWaiter.Wait()

	// wait until queued writes land on disk
	jar.Drain()

	writeDuration := time.Since(writeStart)
	logger.Infof("Wrote %d records in %s, %.0f records/sec", records, writeDuration, float64(records)/writeDuration.Seconds())

	logger.Infof("Reading the records %d times with %d workers", readsPerRecord, workers)

	readStart := time.Now()

	readChannel := make(chan string, workers)
	readWaiter := sync.WaitGroup{}

	hits := int64(0)

	for i := 0; i < workers; i++ {
		readWaiter.Add(1)
		go func() {
			defer readWaiter.Done()

			for key := range readChannel {
				_, found := jar.Get(key)
				if found {
					atomic.AddInt64(&hits, 1)
				}
			}
		}()
	}

	for pass := 0; pass < readsPerRecord; pass++ {
		for i := 0; i < records; i++ {
			readChannel <- fmt.Sprintf("bench_record_%d", i)
		}
	}

	close(readChannel)
	readWaiter.Wait()

	readDuration := time.Since(readStart)
	reads := records * readsPerRecord
	logger.Infof("Read %d records in %s, %.0f records/sec, %d hits", reads, readDuration, float64(reads)/readDuration.Seconds(), atomic.LoadInt64(&hits))

	summary := jar.Summary()
	logger.Infof("Cache root holds %d records, %d bytes in total", summary.RecordCount, summary.TotalSize)

	return nil
}
