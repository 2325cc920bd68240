package board

import (
	"sync"
	"time"
)

// OpKind identifies an operation variant. Exactly one operation is active
// per session; the kind selects the stream consumer that interprets the
// helper's output.
type OpKind string

const (
	KindScanPorts             OpKind = "scanPorts"
	KindCommand               OpKind = "command"
	KindFriendlyCommand       OpKind = "friendlyCommand"
	KindRetrieveTabComp       OpKind = "retrieveTabComp"
	KindRunFile               OpKind = "runFile"
	KindListContents          OpKind = "listContents"
	KindListContentsRecursive OpKind = "listContentsRecursive"
	KindUploadFiles           OpKind = "uploadFiles"
	KindDownloadFiles         OpKind = "downloadFiles"
	KindDeleteFiles           OpKind = "deleteFiles"
	KindCreateFolders         OpKind = "createFolders"
	KindDeleteFolders         OpKind = "deleteFolders"
	KindDeleteFolderRecursive OpKind = "deleteFolderRecursive"
	KindDeleteFileOrFolder    OpKind = "deleteFileOrFolder"
	KindCalcHashes            OpKind = "calcHashes"
	KindGetItemStat           OpKind = "getItemStat"
	KindRenameItem            OpKind = "renameItem"
	KindSyncRtc               OpKind = "syncRtc"
	KindGetRtcTime            OpKind = "getRtcTime"
	KindCheckStatus           OpKind = "checkStatus"
	KindSoftReset             OpKind = "softReset"
	KindHardReset             OpKind = "hardReset"
	KindCtrlD                 OpKind = "ctrlD"
	KindExit                  OpKind = "exit"
	KindStopRunning           OpKind = "stopRunning"
)

// FollowFunc receives streamed output or progress lines during an operation.
// It is borrowed only for the lifetime of that operation and every call
// happens before the operation's final result is delivered.
type FollowFunc func(output string)

// FileRecord describes one entry produced by list and stat operations.
type FileRecord struct {
	Path         string
	IsDir        bool
	Size         uint64
	LastModified *time.Time
	Created      *time.Time
}

// CommandResult reports whether a command-like operation succeeded.
type CommandResult struct {
	Ok bool
}

// CommandWithResponse carries the cleaned output of a command-like operation
// run without a follow callback.
type CommandWithResponse struct {
	Response string
}

// TabComp is the result of a tab-completion request. IsSimple marks a
// single completion; otherwise Completion holds the multi-line listing.
type TabComp struct {
	IsSimple   bool
	Completion string
}

// ListContents holds directory entries in the order the helper emitted them.
type ListContents struct {
	Files []FileRecord
}

// Status is the result of filesystem-mutation and status operations.
type Status struct {
	Ok bool
}

// ItemStat wraps the stat of a single item; Stat is nil when the item does
// not exist or the helper reported an error.
type ItemStat struct {
	Stat *FileRecord
}

// RtcTime wraps the device clock reading; Time is nil on error.
type RtcTime struct {
	Time *time.Time
}

// PortsScan lists detected board ports as "device,baud" entries.
type PortsScan struct {
	Ports []string
}

// operation is a single request in flight. Its waiter channel is resolved
// exactly once: with a typed result, or with nil when the session
// disconnects, the write fails, or the queue is flushed on device switch.
type operation struct {
	id      int64
	kind    OpKind
	request []byte
	follow  FollowFunc
	cons    consumer

	// charStream marks operations whose output is fed to the consumer on
	// every chunk instead of waiting for newline boundaries: interactive
	// commands echo device output character by character.
	charStream bool

	once sync.Once
	done chan any
}

func newOperation(id int64, kind OpKind, request []byte, follow FollowFunc, cons consumer) *operation {
	return &operation{
		id:      id,
		kind:    kind,
		request: request,
		follow:  follow,
		cons:    cons,
		done:    make(chan any, 1),
	}
}

// resolve delivers the final result. Safe to call more than once; only the
// first call wins.
func (o *operation) resolve(result any) {
	o.once.Do(func() {
		o.done <- result
	})
}
