package commons

import (
	"errors"
	"fmt"
)

// CacheEntryNotFoundError contains cache entry not found error information
type CacheEntryNotFoundError struct {
	Name string
}

// NewCacheEntryNotFoundError creates an error for cache entry not found error
func NewCacheEntryNotFoundError(name string) error {
	return &CacheEntryNotFoundError{
		Name: name,
	}
}

// Error returns error message
func (err *CacheEntryNotFoundError) Error() string {
	return fmt.Sprintf("cache entry '%s' not found error", err.Name)
}

// Is tests type of error
func (err *CacheEntryNotFoundError) Is(other error) bool {
	_, ok := other.(*CacheEntryNotFoundError)
	return ok
}

// ToString stringifies the object
func (err *CacheEntryNotFoundError) ToString() string {
	return "<CacheEntryNotFoundError>"
}

// IsCacheEntryNotFoundError evaluates if the given error is cache entry not found error
func IsCacheEntryNotFoundError(err error) bool {
	return errors.Is(err, &CacheEntryNotFoundError{})
}
