// Package store provides SQLite persistence for consumed key events and stack
// scan samples.
package store

// KeyEvent is a key event taken out of the keyboard buffer.
type KeyEvent struct {
	ID          int64
	TimestampNs int64
	Tick        uint32
	Mask        uint32
	Label       string
	Repeat      bool
	Long        bool
	Overwrote   bool
}

// Scan is one pass of the stack monitor.
type Scan struct {
	ID          int64
	TimestampNs int64
	Warnings    int
	Samples     []StackSample
}

// StackSample is the state of one task stack within a scan.
type StackSample struct {
	ScanID int64
	TaskID uint64
	Name   string
	Base   uint64
	Size   int64
	Free   int64
	Low    bool
}
