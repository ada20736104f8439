// Package sources provides the concrete channels the ingest core reads from: host
// serial ports, MCU hardware UARTs, files on removable storage and in-memory macros.
package sources

import "errors"

// ErrNoData is returned by ReadByte when nothing is buffered. Callers check
// DataAvailable first and never see it in normal operation.
var ErrNoData = errors.New("no data available")

// ErrClosed is returned when writing to a closed channel
var ErrClosed = errors.New("channel closed")
