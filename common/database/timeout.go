// Package database holds the statement deadlines shared by the storage
// backends.
package database

import (
	"context"
	"time"
)

const (
	ReadTimeout  = 5 * time.Second
	WriteTimeout = 5 * time.Second
)

// ReadContext bounds a single SELECT.
func ReadContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, ReadTimeout)
}

// WriteContext bounds a single INSERT, UPDATE or DELETE, including the
// small transactions that take pending block requests.
func WriteContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, WriteTimeout)
}
