package memoryjar

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modernistik/MemoryJar/commons"
	"github.com/modernistik/MemoryJar/utils"
)

// fakeClock lets tests move the jar's record time forward without sleeping
type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now: time.Now(),
	}
}

func (clock *fakeClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()

	return clock.now
}

func (clock *fakeClock) Advance(d time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()

	clock.now = clock.now.Add(d)
}

func newTestConfig(t *testing.T) *commons.Config {
	config := commons.NewDefaultConfig()
	config.CacheRootPath = t.TempDir()
	return config
}

func newTestJar(t *testing.T, config *commons.Config) (*Jar[string], *fakeClock) {
	jar, err := New(config, StringCodec{})
	require.NoError(t, err)
	t.Cleanup(jar.Release)

	clock := newFakeClock()
	jar.clock = clock.Now
	return jar, clock
}

// recordPath returns the file a record is stored under
func recordPath[V any](jar *Jar[V], key string) string {
	return utils.JoinPath(jar.GetRootPath(), jar.digest(key))
}

func TestSetAndGet(t *testing.T) {
	jar, _ := newTestJar(t, newTestConfig(t))

	jar.Set("greeting", "hello")

	value, found := jar.Get("greeting")
	assert.True(t, found)
	assert.Equal(t, "hello", value)

	_, found = jar.Get("missing")
	assert.False(t, found)
}

func TestSetOverwrite(t *testing.T) {
	jar, clock := newTestJar(t, newTestConfig(t))

	jar.Set("greeting", "hello")
	jar.Drain()

	clock.Advance(time.Second)

	jar.Set("greeting", "goodbye")
	jar.Drain()

	value, found := jar.Get("greeting")
	assert.True(t, found)
	assert.Equal(t, "goodbye", value)

	summary := jar.Summary()
	assert.Equal(t, 1, summary.RecordCount)
	assert.Equal(t, int64(len("goodbye")), summary.TotalSize)
}

func TestSetSyncIsDurable(t *testing.T) {
	jar, _ := newTestJar(t, newTestConfig(t))

	jar.SetSync("greeting", "hello")

	data, err := os.ReadFile(recordPath(jar, "greeting"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestGetFromDiskAfterMemoryLoss(t *testing.T) {
	jar, _ := newTestJar(t, newTestConfig(t))

	jar.Set("greeting", "hello")
	jar.Drain()

	jar.memory.DeleteAllEntries()

	value, found := jar.Get("greeting")
	assert.True(t, found)
	assert.Equal(t, "hello", value)

	// the record is memory resident again
	entry := jar.memory.GetEntry("greeting")
	require.NotNil(t, entry)
	assert.Equal(t, "hello", entry.value)
}

func TestMaxAgeBoundary(t *testing.T) {
	config := newTestConfig(t)
	config.MaxAge = utils.Duration(time.Minute)
	jar, clock := newTestJar(t, config)

	jar.Set("greeting", "hello")
	jar.Drain()

	// still younger than the bound
	clock.Advance(59 * time.Second)

	_, found := jar.Get("greeting")
	assert.True(t, found)
	jar.Drain()

	// exactly at the bound counts as over age
	clock.Advance(time.Second)

	_, found = jar.Get("greeting")
	assert.False(t, found)
	jar.Drain()

	// the record was dropped from both layers
	assert.Nil(t, jar.memory.GetEntry("greeting"))
	_, err := os.Stat(recordPath(jar, "greeting"))
	assert.True(t, os.IsNotExist(err))
}

func TestDiskRecordOverAge(t *testing.T) {
	config := newTestConfig(t)
	config.MaxAge = utils.Duration(time.Minute)
	jar, clock := newTestJar(t, config)

	jar.Set("greeting", "hello")
	jar.Drain()

	// lose the memory copy so the disk layer answers
	jar.memory.DeleteEntry("greeting")
	clock.Advance(time.Minute)

	_, found := jar.Get("greeting")
	assert.False(t, found)
	jar.Drain()

	_, err := os.Stat(recordPath(jar, "greeting"))
	assert.True(t, os.IsNotExist(err))
}

func TestGetWithAgeUnlimited(t *testing.T) {
	config := newTestConfig(t)
	config.MaxAge = utils.Duration(time.Minute)
	jar, clock := newTestJar(t, config)

	jar.Set("greeting", "hello")
	jar.Drain()

	clock.Advance(365 * 24 * time.Hour)

	value, found := jar.GetWithMaxAge("greeting", AgeUnlimited)
	assert.True(t, found)
	assert.Equal(t, "hello", value)

	// the disk layer honors the unlimited age as well
	jar.Drain()
	jar.memory.DeleteAllEntries()
	jar.forgetKeys()

	value, found = jar.GetWithMaxAge("greeting", AgeUnlimited)
	assert.True(t, found)
	assert.Equal(t, "hello", value)
}

func TestRecordCountBound(t *testing.T) {
	config := newTestConfig(t)
	config.DiskRecordCountMax = 2
	jar, clock := newTestJar(t, config)

	jar.Set("a", "value a")
	jar.Drain()
	clock.Advance(time.Second)

	jar.Set("b", "value b")
	jar.Drain()
	clock.Advance(time.Second)

	jar.Set("c", "value c")
	jar.Drain()

	summary := jar.Summary()
	assert.Equal(t, 2, summary.RecordCount)

	// the oldest record is gone from both layers
	_, found := jar.Get("a")
	assert.False(t, found)

	_, found = jar.Get("b")
	assert.True(t, found)
	_, found = jar.Get("c")
	assert.True(t, found)
}

func TestReadProtectsFromEviction(t *testing.T) {
	config := newTestConfig(t)
	config.DiskRecordCountMax = 2
	jar, clock := newTestJar(t, config)

	jar.Set("a", "value a")
	jar.Drain()
	clock.Advance(time.Second)

	jar.Set("b", "value b")
	jar.Drain()
	clock.Advance(time.Second)

	// reading refreshes the record timestamp
	_, found := jar.Get("a")
	assert.True(t, found)
	jar.Drain()
	clock.Advance(time.Second)

	jar.Set("c", "value c")
	jar.Drain()

	// the unread record lost its place instead
	_, found = jar.Get("b")
	assert.False(t, found)

	_, found = jar.Get("a")
	assert.True(t, found)
	_, found = jar.Get("c")
	assert.True(t, found)

	summary := jar.Summary()
	assert.Equal(t, 2, summary.RecordCount)
}

func TestTotalSizeBound(t *testing.T) {
	config := newTestConfig(t)
	config.DiskCacheSizeMax = 100
	jar, clock := newTestJar(t, config)

	for i := 0; i < 3; i++ {
		jar.Set(fmt.Sprintf("record_%d", i), strings.Repeat("x", 60))
		jar.Drain()
		clock.Advance(time.Second)
	}

	summary := jar.Summary()
	assert.Equal(t, 1, summary.RecordCount)
	assert.Equal(t, int64(60), summary.TotalSize)

	_, found := jar.Get("record_0")
	assert.False(t, found)
	_, found = jar.Get("record_1")
	assert.False(t, found)
	_, found = jar.Get("record_2")
	assert.True(t, found)
}

func TestOversizedRecordRetained(t *testing.T) {
	config := newTestConfig(t)
	config.DiskCacheSizeMax = 100
	jar, clock := newTestJar(t, config)

	// a single record over the byte bound stays
	jar.Set("big", strings.Repeat("x", 150))
	jar.Drain()

	summary := jar.Summary()
	assert.Equal(t, 1, summary.RecordCount)
	assert.Equal(t, int64(150), summary.TotalSize)

	_, found := jar.Get("big")
	assert.True(t, found)
	jar.Drain()

	// the next write makes the oversized record evictable again
	clock.Advance(time.Second)
	jar.Set("small", strings.Repeat("y", 20))
	jar.Drain()

	summary = jar.Summary()
	assert.Equal(t, 1, summary.RecordCount)
	assert.Equal(t, int64(20), summary.TotalSize)

	_, found = jar.Get("big")
	assert.False(t, found)
}

func TestMemoryRecordSizeGate(t *testing.T) {
	config := newTestConfig(t)
	config.MemoryRecordSizeMax = 8
	jar, _ := newTestJar(t, config)

	jar.Set("small", "abc")
	assert.NotNil(t, jar.memory.GetEntry("small"))

	jar.Set("large", "0123456789")
	assert.Nil(t, jar.memory.GetEntry("large"))
	jar.Drain()

	// the large record is still served from disk
	value, found := jar.Get("large")
	assert.True(t, found)
	assert.Equal(t, "0123456789", value)

	// and stays disk only after the read
	assert.Nil(t, jar.memory.GetEntry("large"))
}

func TestHasValueLeavesCacheUntouched(t *testing.T) {
	config := newTestConfig(t)
	config.MaxAge = utils.Duration(time.Minute)
	jar, clock := newTestJar(t, config)

	jar.Set("greeting", "hello")
	jar.Drain()

	before, err := os.Stat(recordPath(jar, "greeting"))
	require.NoError(t, err)

	clock.Advance(30 * time.Second)

	assert.True(t, jar.HasValue("greeting"))
	assert.False(t, jar.HasValue("missing"))
	jar.Drain()

	// no timestamp refresh happened
	after, err := os.Stat(recordPath(jar, "greeting"))
	require.NoError(t, err)
	assert.True(t, before.ModTime().Equal(after.ModTime()))

	// a disk side check does not repopulate memory
	jar.memory.DeleteEntry("greeting")
	assert.True(t, jar.HasValue("greeting"))
	assert.Nil(t, jar.memory.GetEntry("greeting"))
}

func TestHasValueOverAge(t *testing.T) {
	config := newTestConfig(t)
	config.MaxAge = utils.Duration(time.Minute)
	jar, clock := newTestJar(t, config)

	jar.Set("greeting", "hello")
	jar.Drain()

	clock.Advance(2 * time.Minute)

	assert.False(t, jar.HasValue("greeting"))
	assert.True(t, jar.HasValueWithMaxAge("greeting", AgeUnlimited))
	jar.Drain()

	// the over age record was reported, not removed
	assert.NotNil(t, jar.memory.GetEntry("greeting"))
	_, err := os.Stat(recordPath(jar, "greeting"))
	assert.NoError(t, err)
}

func TestRemove(t *testing.T) {
	jar, _ := newTestJar(t, newTestConfig(t))

	jar.Set("greeting", "hello")
	jar.Drain()

	jar.Remove("greeting")
	jar.Drain()

	assert.Nil(t, jar.memory.GetEntry("greeting"))
	_, err := os.Stat(recordPath(jar, "greeting"))
	assert.True(t, os.IsNotExist(err))

	summary := jar.Summary()
	assert.Equal(t, 0, summary.RecordCount)
	assert.Equal(t, int64(0), summary.TotalSize)

	// removing an absent record is fine
	jar.Remove("missing")
	jar.Drain()
}

func TestRemoveAll(t *testing.T) {
	jar, clock := newTestJar(t, newTestConfig(t))

	for i := 0; i < 5; i++ {
		jar.Set(fmt.Sprintf("record_%d", i), "value")
	}
	jar.Drain()

	jar.RemoveAll()
	jar.Drain()

	summary := jar.Summary()
	assert.Equal(t, 0, summary.RecordCount)
	assert.Equal(t, int64(0), summary.TotalSize)

	dirEntries, err := os.ReadDir(jar.GetRootPath())
	require.NoError(t, err)
	assert.Empty(t, dirEntries)

	// the emptied cache accepts new records
	clock.Advance(time.Second)
	jar.Set("fresh", "value")
	jar.Drain()

	summary = jar.Summary()
	assert.Equal(t, 1, summary.RecordCount)
}

func TestConcurrentSetsAndGets(t *testing.T) {
	jar, _ := newTestJar(t, newTestConfig(t))

	recordCount := 50
	workerCount := 10

	keyChannel := make(chan string, workerCount)
	waiter := sync.WaitGroup{}

	for i := 0; i < workerCount; i++ {
		waiter.Add(1)
		go func() {
			defer waiter.Done()

			for key := range keyChannel {
				jar.Set(key, "value of "+key)
			}
		}()
	}

	for i := 0; i < recordCount; i++ {
		keyChannel <- fmt.Sprintf("record_%d", i)
	}

	close(keyChannel)
	waiter.Wait()
	jar.Drain()

	for i := 0; i < recordCount; i++ {
		key := fmt.Sprintf("record_%d", i)
		value, found := jar.Get(key)
		assert.True(t, found)
		assert.Equal(t, "value of "+key, value)
	}

	summary := jar.Summary()
	assert.Equal(t, recordCount, summary.RecordCount)
}

func TestMemoryHitsDoNotBlockOnFullQueue(t *testing.T) {
	config := newTestConfig(t)
	config.WriteQueueSize = 1
	jar, _ := newTestJar(t, config)

	// wedge the worker so the queue behind it stays full
	gate := make(chan struct{})
	require.True(t, jar.enqueue(func() { <-gate }))

	jar.Set("steady", "value")

	got := make(chan bool, 1)
	go func() {
		_, found := jar.Get("steady")
		got <- found
	}()

	select {
	case found := <-got:
		assert.True(t, found)
	case <-time.After(2 * time.Second):
		close(gate)
		t.Fatal("a read of a memory resident record waited on the full write queue")
	}

	has := make(chan bool, 1)
	go func() {
		has <- jar.HasValue("steady")
	}()

	select {
	case ok := <-has:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		close(gate)
		t.Fatal("a membership check waited on the full write queue")
	}

	close(gate)
	jar.Drain()

	value, found := jar.Get("steady")
	assert.True(t, found)
	assert.Equal(t, "value", value)
}

func TestUndecodableRecordIsAMiss(t *testing.T) {
	config := newTestConfig(t)

	jar, err := New(config, JSONCodec[int]{})
	require.NoError(t, err)
	t.Cleanup(jar.Release)

	jar.Set("answer", 42)
	jar.Drain()

	// corrupt the record file behind the jar's back
	filePath := utils.JoinPath(jar.GetRootPath(), jar.digest("answer"))
	require.NoError(t, os.WriteFile(filePath, []byte("not json"), 0666))

	jar.memory.DeleteEntry("answer")

	_, found := jar.Get("answer")
	assert.False(t, found)

	// a decode failure does not remove the record file
	_, err = os.Stat(filePath)
	assert.NoError(t, err)
}

func TestExternalFilesDiscovered(t *testing.T) {
	config := newTestConfig(t)
	config.TimestampGranularity = utils.Duration(time.Millisecond)
	jar, _ := newTestJar(t, config)

	jar.Set("greeting", "hello")
	jar.Drain()

	summary := jar.Summary()
	assert.Equal(t, 1, summary.RecordCount)

	// another writer drops a record file into the cache root
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, os.WriteFile(utils.JoinPath(jar.GetRootPath(), "foreign_record"), []byte(strings.Repeat("z", 30)), 0666))

	summary = jar.Summary()
	assert.Equal(t, 2, summary.RecordCount)
	assert.Equal(t, int64(len("hello")+30), summary.TotalSize)

	// unpublished temp files and subdirectories are not records
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, os.WriteFile(utils.JoinPath(jar.GetRootPath(), "half.tmp.done"), []byte("partial"), 0666))
	require.NoError(t, os.Mkdir(utils.JoinPath(jar.GetRootPath(), "subdir"), 0777))

	summary = jar.Summary()
	assert.Equal(t, 2, summary.RecordCount)
	assert.Equal(t, int64(len("hello")+30), summary.TotalSize)
}

func TestExternalFilesEvictedFirst(t *testing.T) {
	config := newTestConfig(t)
	config.TimestampGranularity = utils.Duration(time.Millisecond)
	config.DiskRecordCountMax = 2
	jar, clock := newTestJar(t, config)

	jar.Set("mine", "value")
	jar.Drain()

	// seed two record files older than anything the jar wrote
	time.Sleep(20 * time.Millisecond)
	old := clock.Now().Add(-time.Hour)
	for _, name := range []string{"seeded_1", "seeded_2"} {
		filePath := utils.JoinPath(jar.GetRootPath(), name)
		require.NoError(t, os.WriteFile(filePath, []byte("seeded"), 0666))
		require.NoError(t, os.Chtimes(filePath, old, old))
	}

	clock.Advance(time.Second)
	jar.Set("second", "value")
	jar.Drain()

	// the rebuilt bookkeeping saw the seeded files and evicted them first
	summary := jar.Summary()
	assert.Equal(t, 2, summary.RecordCount)

	_, err := os.Stat(utils.JoinPath(jar.GetRootPath(), "seeded_1"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(utils.JoinPath(jar.GetRootPath(), "seeded_2"))
	assert.True(t, os.IsNotExist(err))

	_, found := jar.Get("mine")
	assert.True(t, found)
	_, found = jar.Get("second")
	assert.True(t, found)
}

func TestOwnWritesDoNotTriggerRebuild(t *testing.T) {
	config := newTestConfig(t)
	config.TimestampGranularity = utils.Duration(10 * time.Millisecond)
	jar, _ := newTestJar(t, config)

	before := testutil.ToFloat64(promCounterForMetadataRebuild)

	// spaced well past the granularity, so a staleness check that ran after
	// the task's own write would see a moved root timestamp every time
	for i := 0; i < 4; i++ {
		jar.SetSync(fmt.Sprintf("record_%d", i), "payload")
		time.Sleep(50 * time.Millisecond)
	}

	// only the first write scans the empty root to build the baseline; the
	// engine's own writes keep the bookkeeping incremental
	assert.Equal(t, float64(1), testutil.ToFloat64(promCounterForMetadataRebuild)-before)

	summary := jar.Summary()
	assert.Equal(t, 4, summary.RecordCount)
}

func TestReleaseKeepsDiskRecords(t *testing.T) {
	config := newTestConfig(t)

	jar, _ := newTestJar(t, config)
	jar.SetSync("greeting", "hello")
	jar.Release()

	// records on disk survive the instance
	_, err := os.Stat(recordPath(jar, "greeting"))
	assert.NoError(t, err)

	// a later instance sharing the cache root picks them up
	reopened, err := New(config, StringCodec{})
	require.NoError(t, err)
	t.Cleanup(reopened.Release)

	value, found := reopened.Get("greeting")
	assert.True(t, found)
	assert.Equal(t, "hello", value)

	summary := reopened.Summary()
	assert.Equal(t, 1, summary.RecordCount)
}

func TestReleasedJarIsInert(t *testing.T) {
	jar, _ := newTestJar(t, newTestConfig(t))

	jar.Set("greeting", "hello")
	jar.Release()

	jar.Set("late", "value")
	jar.SetSync("late_sync", "value")

	_, found := jar.Get("greeting")
	assert.False(t, found)
	assert.False(t, jar.HasValue("greeting"))

	jar.Remove("greeting")
	jar.RemoveAll()
	jar.Drain()

	summary := jar.Summary()
	assert.Equal(t, 0, summary.RecordCount)

	// releasing again is fine
	jar.Release()
}

func TestCustomDigest(t *testing.T) {
	config := newTestConfig(t)

	jar, err := NewWithDigest(config, StringCodec{}, func(key string) string {
		return "record_" + key
	})
	require.NoError(t, err)
	t.Cleanup(jar.Release)

	jar.SetSync("greeting", "hello")

	data, err := os.ReadFile(utils.JoinPath(jar.GetRootPath(), "record_greeting"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	value, found := jar.Get("greeting")
	assert.True(t, found)
	assert.Equal(t, "hello", value)
}

func TestNewRejectsBadArguments(t *testing.T) {
	_, err := New[string](nil, StringCodec{})
	assert.Error(t, err)

	config := newTestConfig(t)
	config.DiskRecordCountMax = 0
	_, err = New(config, StringCodec{})
	assert.Error(t, err)

	_, err = New[string](newTestConfig(t), nil)
	assert.Error(t, err)
}

func TestGetConfigAndRootPath(t *testing.T) {
	config := newTestConfig(t)
	jar, _ := newTestJar(t, config)

	assert.Same(t, config, jar.GetConfig())
	assert.Equal(t, config.CacheRootPath, jar.GetRootPath())

	summary := jar.Summary()
	assert.Equal(t, jar.GetRootPath(), summary.CacheRootPath)
}

func TestTTLPolicyJar(t *testing.T) {
	config := newTestConfig(t)
	config.MemoryCachePolicy = commons.MemoryCachePolicyTTL
	jar, _ := newTestJar(t, config)

	jar.Set("greeting", "hello")

	value, found := jar.Get("greeting")
	assert.True(t, found)
	assert.Equal(t, "hello", value)
}

func TestSharedStrings(t *testing.T) {
	first, err := SharedStrings()
	require.NoError(t, err)

	second, err := SharedStrings()
	require.NoError(t, err)
	assert.Same(t, first, second)

	first.Set("greeting", "hello")

	value, found := first.Get("greeting")
	assert.True(t, found)
	assert.Equal(t, "hello", value)

	first.RemoveAll()
	first.Drain()
}

func TestSharedData(t *testing.T) {
	first, err := SharedData()
	require.NoError(t, err)

	second, err := SharedData()
	require.NoError(t, err)
	assert.Same(t, first, second)

	payload := []byte{0x00, 0x01, 0x02, 0xff}
	first.Set("blob", payload)

	value, found := first.Get("blob")
	assert.True(t, found)
	assert.Equal(t, payload, value)

	first.RemoveAll()
	first.Drain()
}
