package main

import "time"

const (
	txQueueSize       = 64   // queued keyer commands before ErrTxOverflow
	serialReadBufSize = 4096 // per read() buffer
	rxBackoffMin      = 20 * time.Millisecond
	rxBackoffMax      = 500 * time.Millisecond
)
