package memoryjar

import (
	"fmt"
	"sync"

	"github.com/modernistik/MemoryJar/commons"
)

var (
	sharedStrings *Jar[string]
	sharedData    *Jar[[]byte]
	sharedMutex   sync.Mutex
)

// SharedStrings returns a process-wide jar for small text records, created
// with the default configuration on first use
func SharedStrings() (*Jar[string], error) {
	sharedMutex.Lock()
	defer sharedMutex.Unlock()

	if sharedStrings == nil {
		config := commons.NewDefaultConfig()
		config.CacheRootPath = fmt.Sprintf("%s_strings", config.CacheRootPath)

		jar, err := New(config, StringCodec{})
		if err != nil {
			return nil, err
		}

		sharedStrings = jar
	}

	return sharedStrings, nil
}

// SharedData returns a process-wide jar for large binary records such as
// images, created with the media configuration on first use
func SharedData() (*Jar[[]byte], error) {
	sharedMutex.Lock()
	defer sharedMutex.Unlock()

	if sharedData == nil {
		config := commons.NewMediaConfig()
		config.CacheRootPath = fmt.Sprintf("%s_data", config.CacheRootPath)

		jar, err := New(config, BytesCodec{})
		if err != nil {
			return nil, err
		}

		sharedData = jar
	}

	return sharedData, nil
}
