// Package memoryjar implements a two-layer record cache: a volatile
// in-memory layer in front of a bounded, flat-directory disk layer with
// least-recently-used eviction and age-based expiration.
package memoryjar

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/xerrors"

	"github.com/modernistik/MemoryJar/commons"
	"github.com/modernistik/MemoryJar/utils"
)

// AgeUnlimited accepts records of any age on reads
const AgeUnlimited time.Duration = 0

// Summary reports the disk layer's location and bookkeeping totals
type Summary struct {
	CacheRootPath string `yaml:"cache_root_path" json:"cache_root_path"`
	RecordCount   int    `yaml:"record_count" json:"record_count"`
	TotalSize     int64  `yaml:"total_size" json:"total_size"`
}

// loadedRecord carries a decoded record and its encoded size through the
// read dedup group
type loadedRecord[V any] struct {
	value V
	size  int64
}

// Jar is a two-layer record cache addressed by string keys. Values live in
// a volatile in-memory layer and in one file per record under a flat cache
// root directory. The disk layer is bounded by record count and total size;
// the least recently used records are evicted first. The cache root may be
// shared with other processes; external changes are detected and the
// bookkeeping is rebuilt, but there is no cross-process locking.
type Jar[V any] struct {
	config *commons.Config
	codec  Codec[V]
	digest DigestFunc

	memory   memoryCache[V]
	disk     *diskStore
	metadata *metadataIndex

	// diskMutex serializes disk mutations against disk reads; the metadata
	// index is only accessed with the write side held
	diskMutex sync.RWMutex

	// keysByName maps record file names back to the keys that produced
	// them, so evicting a file can expel the matching in-memory record
	keysByName map[string]string
	keysMutex  sync.Mutex

	readGroup singleflight.Group

	taskQueue   chan func()
	workerWait  sync.WaitGroup
	enqueueWait sync.WaitGroup

	clock func() time.Time

	terminated bool
	mutex      sync.Mutex
}

// New creates a Jar with the standard key digest
func New[V any](config *commons.Config, codec Codec[V]) (*Jar[V], error) {
	return NewWithDigest(config, codec, utils.MakeHash)
}

// NewWithDigest creates a Jar with a caller-provided key digest
func NewWithDigest[V any](config *commons.Config, codec Codec[V], digest DigestFunc) (*Jar[V], error) {
	logger := log.WithFields(log.Fields{
		"package":  "memoryjar",
		"function": "NewWithDigest",
	})

	if config == nil {
		return nil, xerrors.Errorf("configuration must be given")
	}

	err := config.Validate()
	if err != nil {
		return nil, xerrors.Errorf("invalid configuration: %w", err)
	}

	if codec == nil {
		return nil, xerrors.Errorf("codec must be given")
	}

	if digest == nil {
		digest = utils.MakeHash
	}

	rootPath, err := utils.ExpandHomeDir(config.CacheRootPath)
	if err != nil {
		return nil, xerrors.Errorf("failed to expand the cache root path %q: %w", config.CacheRootPath, err)
	}

	memory, err := newMemoryCache[V](config)
	if err != nil {
		return nil, err
	}

	disk, err := newDiskStore(rootPath)
	if err != nil {
		return nil, err
	}

	jar := &Jar[V]{
		config: config,
		codec:  codec,
		digest: digest,

		memory:   memory,
		disk:     disk,
		metadata: newMetadataIndex(time.Duration(config.TimestampGranularity)),

		keysByName: map[string]string{},

		taskQueue: make(chan func(), config.WriteQueueSize),

		clock: time.Now,
	}

	jar.workerWait.Add(1)
	go jar.processTasks()

	logger.Debugf("Opened a cache at %s", rootPath)
	return jar, nil
}

// processTasks runs queued disk work in order until the queue closes
func (jar *Jar[V]) processTasks() {
	defer jar.workerWait.Done()

	for task := range jar.taskQueue {
		task()
	}
}

func (jar *Jar[V]) isTerminated() bool {
	jar.mutex.Lock()
	defer jar.mutex.Unlock()

	return jar.terminated
}

// enqueue hands a task to the worker, keeping FIFO order per caller. The
// handoff happens outside the lifecycle lock, so a full queue delays only
// the enqueuing caller. Returns false if the jar is already released.
func (jar *Jar[V]) enqueue(task func()) bool {
	jar.mutex.Lock()
	if jar.terminated {
		jar.mutex.Unlock()
		return false
	}
	jar.enqueueWait.Add(1)
	jar.mutex.Unlock()

	jar.taskQueue <- task
	jar.enqueueWait.Done()
	return true
}

// tryEnqueue queues a task without ever blocking; a full queue drops the
// task instead. Used for the advisory work queued from the read path, which
// must not wait behind pending writes.
func (jar *Jar[V]) tryEnqueue(task func()) bool {
	jar.mutex.Lock()
	if jar.terminated {
		jar.mutex.Unlock()
		return false
	}
	jar.enqueueWait.Add(1)
	jar.mutex.Unlock()

	queued := false
	select {
	case jar.taskQueue <- task:
		queued = true
	default:
	}
	jar.enqueueWait.Done()
	return queued
}

// Release stops the jar after finishing all queued disk work. Records on
// disk stay behind for the next instance sharing the cache root; in-memory
// records are dropped. Operations on a released jar are no-ops.
func (jar *Jar[V]) Release() {
	logger := log.WithFields(log.Fields{
		"package":  "memoryjar",
		"struct":   "Jar",
		"function": "Release",
	})

	jar.mutex.Lock()
	if jar.terminated {
		jar.mutex.Unlock()
		return
	}

	jar.terminated = true
	jar.mutex.Unlock()

	logger.Info("Finishing queued cache updates")

	// senders already past the release gate finish their handoff against the
	// still running worker before the queue closes
	jar.enqueueWait.Wait()
	close(jar.taskQueue)

	jar.workerWait.Wait()

	jar.memory.DeleteAllEntries()
	jar.forgetKeys()
}

// Set stores a record in memory right away and queues the disk write; it
// returns before the record is durable. Use SetSync when the write must be
// on disk before continuing.
func (jar *Jar[V]) Set(key string, value V) {
	jar.set(key, value, nil)
}

// SetSync stores a record and waits until its disk write and the following
// rebalance have finished
func (jar *Jar[V]) SetSync(key string, value V) {
	done := make(chan struct{})
	if jar.set(key, value, done) {
		<-done
	}
}

func (jar *Jar[V]) set(key string, value V, done chan struct{}) bool {
	logger := log.WithFields(log.Fields{
		"package":  "memoryjar",
		"struct":   "Jar",
		"function": "set",
	})

	if jar.isTerminated() {
		return false
	}

	data, err := jar.codec.Encode(value)
	if err != nil {
		logger.WithError(err).Errorf("failed to encode the record for key %q", key)
		return false
	}

	name := jar.digest(key)
	now := jar.clock()

	if int64(len(data)) < jar.config.MemoryRecordSizeMax {
		jar.memory.PutEntry(key, &memoryEntry[V]{
			value:     value,
			createdAt: now,
		})
	} else {
		// records at or above the memory bound live on disk only
		jar.memory.DeleteEntry(key)
	}

	jar.rememberKey(name, key)

	return jar.enqueue(func() {
		jar.storeTask(key, name, data, now)
		if done != nil {
			close(done)
		}
	})
}

// Get returns the record for a key, applying the configured default age
// bound
func (jar *Jar[V]) Get(key string) (V, bool) {
	return jar.GetWithMaxAge(key, time.Duration(jar.config.MaxAge))
}

// GetWithMaxAge returns the record for a key if it is younger than maxAge.
// The in-memory layer is consulted first; on a memory miss the record is
// read back from disk and becomes memory resident again. A hit moves the
// record's disk timestamp forward in the background when the write queue
// has room. An over-age record is removed from both layers and reported as
// a miss. Pass AgeUnlimited to accept any record age.
func (jar *Jar[V]) GetWithMaxAge(key string, maxAge time.Duration) (V, bool) {
	logger := log.WithFields(log.Fields{
		"package":  "memoryjar",
		"struct":   "Jar",
		"function": "GetWithMaxAge",
	})

	var zero V

	if jar.isTerminated() {
		return zero, false
	}

	name := jar.digest(key)
	now := jar.clock()

	if entry := jar.memory.GetEntry(key); entry != nil {
		if withinAge(entry.createdAt, now, maxAge) {
			promCounterForMemoryCacheHit.Inc()
			jar.tryEnqueue(func() {
				jar.touchTask(name)
			})
			return entry.value, true
		}

		// over age, expire from both layers
		promCounterForCacheExpiration.Inc()
		jar.memory.DeleteEntry(key)
		jar.tryEnqueue(func() {
			jar.removeTask(name)
		})
		return zero, false
	}

	modTime, err := jar.diskModTime(name)
	if err != nil {
		if !commons.IsCacheEntryNotFoundError(err) {
			logger.WithError(err).Errorf("failed to check the record for key %q", key)
		}
		promCounterForCacheMiss.Inc()
		return zero, false
	}

	if !withinAge(modTime, now, maxAge) {
		promCounterForCacheExpiration.Inc()
		jar.tryEnqueue(func() {
			jar.removeTask(name)
		})
		return zero, false
	}

	value, size, err := jar.readRecord(name)
	if err != nil {
		if !commons.IsCacheEntryNotFoundError(err) {
			logger.WithError(err).Errorf("failed to read the record for key %q", key)
		}
		promCounterForCacheMiss.Inc()
		return zero, false
	}

	promCounterForDiskCacheHit.Inc()

	if size < jar.config.MemoryRecordSizeMax {
		jar.memory.PutEntry(key, &memoryEntry[V]{
			value:     value,
			createdAt: modTime,
		})
	}

	jar.rememberKey(name, key)
	jar.tryEnqueue(func() {
		jar.touchTask(name)
	})

	return value, true
}

// HasValue reports whether a usable record exists for a key under the
// configured default age bound
func (jar *Jar[V]) HasValue(key string) bool {
	return jar.HasValueWithMaxAge(key, time.Duration(jar.config.MaxAge))
}

// HasValueWithMaxAge reports whether a record younger than maxAge exists
// for a key, without reading record content. Unlike GetWithMaxAge it leaves
// the cache untouched: no timestamp refresh, no expiry, no memory
// repopulation.
func (jar *Jar[V]) HasValueWithMaxAge(key string, maxAge time.Duration) bool {
	logger := log.WithFields(log.Fields{
		"package":  "memoryjar",
		"struct":   "Jar",
		"function": "HasValueWithMaxAge",
	})

	if jar.isTerminated() {
		return false
	}

	now := jar.clock()

	if entry := jar.memory.GetEntry(key); entry != nil {
		return withinAge(entry.createdAt, now, maxAge)
	}

	name := jar.digest(key)
	modTime, err := jar.diskModTime(name)
	if err != nil {
		if !commons.IsCacheEntryNotFoundError(err) {
			logger.WithError(err).Errorf("failed to check the record for key %q", key)
		}
		return false
	}

	return withinAge(modTime, now, maxAge)
}

// Remove deletes the record for a key from both layers. The disk deletion
// is queued behind earlier writes.
func (jar *Jar[V]) Remove(key string) {
	if jar.isTerminated() {
		return
	}

	jar.memory.DeleteEntry(key)

	name := jar.digest(key)
	jar.enqueue(func() {
		jar.removeTask(name)
	})
}

// RemoveAll deletes every record from both layers. The next write rebuilds
// the bookkeeping from the emptied cache root.
func (jar *Jar[V]) RemoveAll() {
	if jar.isTerminated() {
		return
	}

	jar.memory.DeleteAllEntries()
	jar.forgetKeys()

	jar.enqueue(func() {
		jar.removeAllTask()
	})
}

// Drain blocks until all disk work queued so far has finished
func (jar *Jar[V]) Drain() {
	done := make(chan struct{})
	if jar.enqueue(func() {
		close(done)
	}) {
		<-done
	}
}

// Summary returns the cache root path and the disk layer's record count
// and total size, refreshing the bookkeeping first if the cache root looks
// externally modified
func (jar *Jar[V]) Summary() Summary {
	if jar.isTerminated() {
		return Summary{}
	}

	jar.diskMutex.Lock()
	defer jar.diskMutex.Unlock()

	jar.refreshIfNeeded()

	return Summary{
		CacheRootPath: jar.disk.GetRootPath(),
		RecordCount:   jar.metadata.GetRecordCount(),
		TotalSize:     jar.metadata.GetTotalSize(),
	}
}

// GetConfig returns the configuration the jar was created with
func (jar *Jar[V]) GetConfig() *commons.Config {
	return jar.config
}

// GetRootPath returns the cache root directory path
func (jar *Jar[V]) GetRootPath() string {
	return jar.disk.GetRootPath()
}

// withinAge reports whether a record stamped at createdAt is younger than
// maxAge at the time now
func withinAge(createdAt time.Time, now time.Time, maxAge time.Duration) bool {
	if maxAge == AgeUnlimited {
		return true
	}

	return now.Sub(createdAt) < maxAge
}

func (jar *Jar[V]) diskModTime(name string) (time.Time, error) {
	jar.diskMutex.RLock()
	defer jar.diskMutex.RUnlock()

	return jar.disk.ModTime(name)
}

// readRecord reads and decodes one record file; concurrent reads of the
// same record share a single disk read
func (jar *Jar[V]) readRecord(name string) (V, int64, error) {
	result, err, _ := jar.readGroup.Do(name, func() (interface{}, error) {
		jar.diskMutex.RLock()
		data, readErr := jar.disk.Read(name)
		jar.diskMutex.RUnlock()
		if readErr != nil {
			return nil, readErr
		}

		value, decodeErr := jar.codec.Decode(data)
		if decodeErr != nil {
			promCounterForDecodeFailure.Inc()
			return nil, xerrors.Errorf("failed to decode the record file %q: %w", name, decodeErr)
		}

		return &loadedRecord[V]{
			value: value,
			size:  int64(len(data)),
		}, nil
	})

	var zero V
	if err != nil {
		return zero, 0, err
	}

	record, ok := result.(*loadedRecord[V])
	if !ok {
		return zero, 0, xerrors.Errorf("failed to convert the read result for the record file %q", name)
	}

	return record.value, record.size, nil
}

// rememberKey records which key produced a record file name
func (jar *Jar[V]) rememberKey(name string, key string) {
	jar.keysMutex.Lock()
	defer jar.keysMutex.Unlock()

	jar.keysByName[name] = key
}

// expelKey drops the in-memory record belonging to a record file name
func (jar *Jar[V]) expelKey(name string) {
	jar.keysMutex.Lock()
	key, ok := jar.keysByName[name]
	if ok {
		delete(jar.keysByName, name)
	}
	jar.keysMutex.Unlock()

	if ok {
		jar.memory.DeleteEntry(key)
	}
}

func (jar *Jar[V]) forgetKeys() {
	jar.keysMutex.Lock()
	defer jar.keysMutex.Unlock()

	jar.keysByName = map[string]string{}
}

// storeTask persists one record and enforces the capacity bounds. Runs on
// the worker with exclusive disk access.
func (jar *Jar[V]) storeTask(key string, name string, data []byte, modTime time.Time) {
	logger := log.WithFields(log.Fields{
		"package":  "memoryjar",
		"struct":   "Jar",
		"function": "storeTask",
	})

	jar.diskMutex.Lock()
	defer jar.diskMutex.Unlock()

	jar.refreshIfNeeded()

	err := jar.disk.Write(name, data, modTime)
	if err != nil {
		promCounterForDiskWriteFailure.Inc()
		logger.WithError(err).Errorf("failed to store the record for key %q", key)
		return
	}

	promCounterForDiskWrite.Inc()
	promCounterForBytesWritten.Add(float64(len(data)))
	logger.Debugf("Stored a %d byte record for key %q", len(data), key)

	jar.metadata.Insert(metadataRef{
		name:    name,
		modTime: modTime,
		size:    int64(len(data)),
	})

	jar.rebalance()
	jar.markUpdated()
}

// touchTask refreshes a record's modification time and its index position.
// Runs on the worker with exclusive disk access.
func (jar *Jar[V]) touchTask(name string) {
	logger := log.WithFields(log.Fields{
		"package":  "memoryjar",
		"struct":   "Jar",
		"function": "touchTask",
	})

	now := jar.clock()

	jar.diskMutex.Lock()
	defer jar.diskMutex.Unlock()

	jar.refreshIfNeeded()

	err := jar.disk.Touch(name, now)
	if err != nil {
		if !commons.IsCacheEntryNotFoundError(err) {
			logger.WithError(err).Errorf("failed to touch the record file %q", name)
		}
		return
	}

	jar.metadata.Touch(name, now)
}

// removeTask deletes one record file and its index reference. Runs on the
// worker with exclusive disk access.
func (jar *Jar[V]) removeTask(name string) {
	logger := log.WithFields(log.Fields{
		"package":  "memoryjar",
		"struct":   "Jar",
		"function": "removeTask",
	})

	jar.diskMutex.Lock()
	defer jar.diskMutex.Unlock()

	jar.refreshIfNeeded()

	err := jar.disk.Remove(name)
	if err != nil {
		logger.WithError(err).Errorf("failed to remove the record file %q", name)
	}

	jar.metadata.RemoveByName(name)
	jar.expelKey(name)
	jar.markUpdated()
}

// removeAllTask clears the cache root and resets the bookkeeping. Runs on
// the worker with exclusive disk access.
func (jar *Jar[V]) removeAllTask() {
	logger := log.WithFields(log.Fields{
		"package":  "memoryjar",
		"struct":   "Jar",
		"function": "removeAllTask",
	})

	jar.diskMutex.Lock()
	defer jar.diskMutex.Unlock()

	err := jar.disk.RemoveAll()
	if err != nil {
		logger.WithError(err).Errorf("failed to clear the cache root %q", jar.disk.GetRootPath())
	}

	jar.metadata.Reset()
}

// rebalance evicts least recently used records until the bookkeeping totals
// satisfy the configured bounds again. A single over-size record is
// retained. Caller must hold the disk write lock.
func (jar *Jar[V]) rebalance() {
	logger := log.WithFields(log.Fields{
		"package":  "memoryjar",
		"struct":   "Jar",
		"function": "rebalance",
	})

	for (jar.metadata.GetRecordCount() > jar.config.DiskRecordCountMax ||
		jar.metadata.GetTotalSize() > jar.config.DiskCacheSizeMax) &&
		jar.metadata.GetRecordCount() > 1 {
		ref := jar.metadata.PopFront()
		if ref == nil {
			break
		}

		err := jar.disk.Remove(ref.name)
		if err != nil {
			// the reference is dropped either way
			logger.WithError(err).Errorf("failed to remove the evicted record file %q", ref.name)
		}

		promCounterForEviction.Inc()
		logger.Debugf("Evicted the record file %q", ref.name)

		jar.expelKey(ref.name)
	}
}

// refreshIfNeeded rebuilds the metadata index from the cache root when no
// baseline exists yet or the directory changed behind the engine's back.
// Must run before the calling task's own disk mutation, which would move
// the root timestamp past the baseline. Caller must hold the disk write
// lock.
func (jar *Jar[V]) refreshIfNeeded() {
	logger := log.WithFields(log.Fields{
		"package":  "memoryjar",
		"struct":   "Jar",
		"function": "refreshIfNeeded",
	})

	rootModTime, err := jar.disk.RootModTime()
	if err != nil {
		logger.WithError(err).Errorf("failed to stat the cache root %q", jar.disk.GetRootPath())
		return
	}

	if !jar.metadata.NeedsRefresh(rootModTime) {
		return
	}

	refs, err := jar.disk.List()
	if err != nil {
		logger.WithError(err).Errorf("failed to list the cache root %q", jar.disk.GetRootPath())
		return
	}

	jar.metadata.Rebuild(refs, rootModTime)
	promCounterForMetadataRebuild.Inc()
	logger.Infof("Rebuilt cache metadata for %q, found %d records", jar.disk.GetRootPath(), len(refs))
}

// markUpdated records the cache root modification time after a mutation, so
// this engine's own writes are not mistaken for external ones. Caller must
// hold the disk write lock.
func (jar *Jar[V]) markUpdated() {
	logger := log.WithFields(log.Fields{
		"package":  "memoryjar",
		"struct":   "Jar",
		"function": "markUpdated",
	})

	rootModTime, err := jar.disk.RootModTime()
	if err != nil {
		logger.WithError(err).Errorf("failed to stat the cache root %q", jar.disk.GetRootPath())
		return
	}

	jar.metadata.MarkUpdated(rootModTime)
}
