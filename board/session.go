package board

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/picolink/picolink-core/logger"
)

// Sentinel errors surfaced by facade methods.
var (
	// ErrNotConnected is returned when a facade method is called with no
	// live helper.
	ErrNotConnected = errors.New("no device connected")

	// ErrCancelled is returned when a pending operation is released without
	// a result: disconnect, device switch, or a failed request write.
	ErrCancelled = errors.New("operation cancelled before completion")
)

// disconnectGrace is how long a graceful disconnect or device switch waits
// for the helper to honor the exit request before killing it.
const disconnectGrace = 500 * time.Millisecond

// CommandOutcome is the result of a command-like operation: a
// *CommandResult when output streamed through a follow callback, or a
// *CommandWithResponse carrying the collected output otherwise.
type CommandOutcome interface {
	commandOutcome()
}

func (*CommandResult) commandOutcome()       {}
func (*CommandWithResponse) commandOutcome() {}

// Session owns one helper child and one operation queue. Callers may invoke
// facade methods concurrently; the queue serializes them so exactly one
// operation is outstanding on the helper at any time.
type Session struct {
	// ID uniquely identifies this session across reconnects.
	ID string

	log     *slog.Logger
	factory HelperFactory

	mu         sync.Mutex
	device     string
	baud       int
	helperPath string
	helper     HelperProcess
	gen        int // bumped per spawn; stale helper callbacks are dropped
	connected  bool
	disconning bool // a deliberate teardown is in progress
	queue      opQueue
	buf        []byte
	nextOpID   int64
	lock       *deviceLock

	// Hard reset: the waiter survives the helper's exit and is resolved by
	// the post-respawn hook. listening is the --listen boot-stream phase.
	resetWaiter *operation
	resetFollow FollowFunc
	listening   bool

	// Project caches, overwritten on each project upload. Kept on the
	// session for diagnostics.
	localHashes  map[string]string
	remoteHashes map[string]string
	projectRoot  string

	onConnect func()
	onExit    func(code int, err error)
}

// NewSession creates a session for a device. Connect must be called before
// any operation.
func NewSession(device string, baud int, helperPath string) *Session {
	id := uuid.New().String()
	return &Session{
		ID:         id,
		log:        logger.WithDevice(device),
		factory:    NewSupervisor,
		device:     device,
		baud:       baud,
		helperPath: helperPath,
	}
}

// SetHelperFactory replaces the helper factory. Must be called before
// Connect; tests inject scripted fakes here.
func (s *Session) SetHelperFactory(f HelperFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factory = f
}

// SetOnConnect registers the connect notification, delivered once per spawn.
func (s *Session) SetOnConnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = fn
}

// SetExitSink registers the sink receiving unexpected helper exits.
func (s *Session) SetExitSink(fn func(code int, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExit = fn
}

// Device returns the current device identifier.
func (s *Session) Device() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

// Connected reports whether a helper is live.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// QueueDepth returns the number of operations waiting or active.
func (s *Session) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.depth()
}

// Connect takes the device lock and spawns the helper.
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(false)
}

// connectLocked spawns a helper for the current device. Caller holds s.mu.
func (s *Session) connectLocked(listen bool) error {
	if s.connected {
		return nil
	}

	if s.lock == nil {
		lock, err := acquireDeviceLock(s.device)
		if err != nil {
			return err
		}
		s.lock = lock
	}

	cfg := HelperConfig{
		HelperPath: s.helperPath,
		Device:     s.device,
		Baud:       s.baud,
		Listen:     listen,
	}
	s.gen++
	gen := s.gen
	helper := s.factory(cfg, HelperCallbacks{
		OnData:   func(chunk []byte) { s.handleData(gen, chunk) },
		OnStderr: s.handleStderr,
		OnExit:   func(err error, code int) { s.handleExit(gen, err, code) },
	})
	if err := helper.Start(); err != nil {
		s.lock.release()
		s.lock = nil
		return err
	}

	s.helper = helper
	s.connected = true
	s.disconning = false
	s.buf = nil
	s.log.Info("session connected", "sessionID", s.ID)

	if s.onConnect != nil {
		// Empty-error connect notification, outside the data path.
		go s.onConnect()
	}
	return nil
}

// handleStderr forwards helper stderr to the error sink.
func (s *Session) handleStderr(data []byte) {
	s.log.Error("helper stderr", "output", strings.TrimSpace(string(data)))
}

// handleData is the single stdout consumer. It appends the chunk to the
// read buffer and feeds the active operation's state machine. The helper's
// stdout and the buffer are only ever touched from here; the queue, not a
// lock, guarantees exclusivity between operations.
func (s *Session) handleData(gen int, chunk []byte) {
	s.mu.Lock()

	if gen != s.gen {
		// Output from a helper that was already replaced.
		s.mu.Unlock()
		return
	}

	if s.listening {
		forward, follow, teardown := s.consumeListenLocked(chunk)
		if teardown {
			s.listening = false
			s.resetFollow = nil
		}
		s.mu.Unlock()
		if follow != nil && forward != "" {
			follow(forward)
		}
		if teardown {
			s.mu.Lock()
			s.promoteLocked()
			s.mu.Unlock()
		}
		return
	}

	s.buf = append(s.buf, chunk...)

	op := s.queue.active
	if op == nil {
		s.mu.Unlock()
		return
	}

	// Character-streaming operations are fed on every chunk; everything
	// else waits for a newline boundary.
	if !op.charStream && !bytes.ContainsRune(chunk, '\n') {
		s.mu.Unlock()
		return
	}

	remaining, act := op.cons.feed(s.buf)
	s.buf = remaining
	if act.done {
		s.queue.complete(op)
		if op.kind == KindCalcHashes {
			if hashes, ok := act.result.(map[string]string); ok {
				s.remoteHashes = hashes
			}
		}
	}
	s.mu.Unlock()

	// Progress strictly precedes the final result; both run on this
	// goroutine so callbacks for one operation never interleave.
	if op.follow != nil {
		for _, p := range act.progress {
			op.follow(p)
		}
	}

	if len(act.stdin) > 0 {
		if err := s.writeRaw(act.stdin); err != nil {
			s.log.Debug("sentinel ack write failed", "error", err)
		}
	}

	if act.done {
		op.resolve(act.result)
	}

	if act.syntheticExit != 0 {
		s.log.Warn("forcing synthetic exit", "code", act.syntheticExit)
		if sink := s.exitSink(); sink != nil {
			sink(act.syntheticExit, nil)
		}
		s.ForceDisconnect()
		return
	}

	if act.disconnect {
		s.ForceDisconnect()
		return
	}

	if act.done {
		s.mu.Lock()
		s.promoteLocked()
		s.mu.Unlock()
	}
}

// consumeListenLocked buffers post-reset boot output and prepares it for
// the reset follow callback, skipping reconnect chatter. The first
// end-of-response token tears the listener down. Caller holds s.mu; the
// callback itself runs outside the lock.
func (s *Session) consumeListenLocked(chunk []byte) (forward string, follow FollowFunc, teardown bool) {
	s.buf = append(s.buf, chunk...)
	data := string(s.buf)

	teardown = strings.Contains(data, tokEOO)
	if teardown {
		forward = beforeToken(data, tokEOO)
		s.buf = nil
	} else {
		// Forward whole lines, keep the partial tail.
		idx := strings.LastIndexByte(data, '\n')
		if idx < 0 {
			return "", nil, false
		}
		forward = data[:idx+1]
		s.buf = []byte(data[idx+1:])
	}

	var kept []string
	for _, line := range strings.Split(forward, "\n") {
		if isBootNoise(line) {
			continue
		}
		kept = append(kept, line)
	}
	forward = stripTokens(strings.Join(kept, "\n"))

	return forward, s.resetFollow, teardown
}

// exitSink snapshots the exit sink under lock.
func (s *Session) exitSink() func(code int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onExit
}

// handleExit reacts to the helper process going away. A hard reset respawns
// the helper and resolves the stashed waiter; anything else tears the
// session down and releases every parked caller.
func (s *Session) handleExit(gen int, err error, code int) {
	s.mu.Lock()

	if gen != s.gen {
		// A helper that was already replaced finished dying.
		s.mu.Unlock()
		return
	}

	if s.disconning {
		s.connected = false
		s.mu.Unlock()
		return
	}

	if s.resetWaiter != nil {
		waiter := s.resetWaiter
		s.resetWaiter = nil
		s.queue.complete(waiter)
		s.connected = false
		s.helper = nil
		listen := waiter.follow != nil

		respawnErr := s.connectLocked(listen)
		if respawnErr == nil {
			if listen {
				s.listening = true
				s.resetFollow = waiter.follow
			}
			s.mu.Unlock()
			waiter.resolve(&CommandResult{Ok: true})
			if !listen {
				s.mu.Lock()
				s.promoteLocked()
				s.mu.Unlock()
			}
			return
		}

		s.log.Error("respawn after hard reset failed", "error", respawnErr)
		ops := s.queue.flush()
		s.releaseLockLocked()
		s.mu.Unlock()
		waiter.resolve(nil)
		for _, op := range ops {
			op.resolve(nil)
		}
		return
	}

	s.log.Warn("helper exited unexpectedly", "code", code, "error", err)
	s.connected = false
	s.helper = nil
	ops := s.queue.flush()
	sink := s.onExit
	s.releaseLockLocked()
	s.mu.Unlock()

	for _, op := range ops {
		op.resolve(nil)
	}
	if sink != nil {
		sink(code, err)
	}
}

// releaseLockLocked drops the device lock. Caller holds s.mu.
func (s *Session) releaseLockLocked() {
	s.lock.release()
	s.lock = nil
}

// writeRaw writes bytes to the helper's stdin.
func (s *Session) writeRaw(data []byte) error {
	s.mu.Lock()
	helper := s.helper
	s.mu.Unlock()
	if helper == nil {
		return errHelperNotRunning
	}
	return helper.Write(data)
}

// promoteLocked activates queued operations until one is successfully
// written to the helper. Write failures resolve the operation with the nil
// sentinel and the next one is tried. Caller holds s.mu.
func (s *Session) promoteLocked() {
	for {
		if s.listening {
			return
		}
		op := s.queue.next()
		if op == nil {
			return
		}

		// The buffer is never shared across operations.
		s.buf = nil

		if op.kind == KindHardReset {
			s.resetWaiter = op
		}

		helper := s.helper
		var err error
		if helper == nil {
			err = errHelperNotRunning
		} else {
			err = helper.Write(op.request)
		}
		if err != nil {
			s.log.Error("request write failed", "kind", op.kind, "error", err)
			if s.resetWaiter == op {
				s.resetWaiter = nil
			}
			s.queue.complete(op)
			op.resolve(nil)
			continue
		}

		if op.kind == KindExit {
			// No reply expected.
			s.queue.complete(op)
			op.resolve(nil)
			continue
		}
		return
	}
}

// nextID returns the next operation id. Caller holds s.mu.
func (s *Session) nextID() int64 {
	s.nextOpID++
	return s.nextOpID
}

// enqueue builds and enqueues an operation, returning its waiter.
func (s *Session) enqueue(kind OpKind, command string, args map[string]any, follow FollowFunc, cons consumer, charStream bool) (*operation, error) {
	req, err := encodeRequest(command, args)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil, ErrNotConnected
	}

	op := newOperation(s.nextID(), kind, req, follow, cons)
	op.charStream = charStream
	if s.queue.push(op) {
		s.promoteLocked()
	}
	return op, nil
}

// await parks on an operation's waiter. A nil resolution maps to
// ErrCancelled; the context lets the caller stop waiting without affecting
// the operation itself.
func (s *Session) await(ctx context.Context, op *operation) (any, error) {
	select {
	case res := <-op.done:
		if res == nil {
			return nil, ErrCancelled
		}
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run is the common enqueue-and-await path for facade methods.
func (s *Session) run(ctx context.Context, kind OpKind, command string, args map[string]any, follow FollowFunc, cons consumer, charStream bool) (any, error) {
	op, err := s.enqueue(kind, command, args, follow, cons, charStream)
	if err != nil {
		return nil, err
	}
	return s.await(ctx, op)
}

// RunCommand executes code on the board. With a follow callback the output
// streams through it and a *CommandResult is returned; otherwise the
// collected output comes back as *CommandWithResponse.
func (s *Session) RunCommand(ctx context.Context, command string, interactive bool, follow FollowFunc) (CommandOutcome, error) {
	args := map[string]any{"command": command}
	if interactive {
		args["interactive"] = true
	}
	res, err := s.run(ctx, KindCommand, "command", args, follow,
		newStreamConsumer(follow != nil, s.log), interactive)
	if err != nil {
		return nil, err
	}
	return res.(CommandOutcome), nil
}

// FriendlyCommand executes code in the friendly REPL, echoing expression
// results the way the interactive prompt would.
func (s *Session) FriendlyCommand(ctx context.Context, code string, follow FollowFunc) (CommandOutcome, error) {
	res, err := s.run(ctx, KindFriendlyCommand, "friendly_code",
		map[string]any{"code": code}, follow,
		newStreamConsumer(follow != nil, s.log), true)
	if err != nil {
		return nil, err
	}
	return res.(CommandOutcome), nil
}

// RetrieveTabComp asks the board's REPL for tab completion of a line.
func (s *Session) RetrieveTabComp(ctx context.Context, code string) (*TabComp, error) {
	res, err := s.run(ctx, KindRetrieveTabComp, "retrieve_tab_comp",
		map[string]any{"code": code}, nil, &tabCompConsumer{}, false)
	if err != nil {
		return nil, err
	}
	return res.(*TabComp), nil
}

// RunFile executes a local file on the board.
func (s *Session) RunFile(ctx context.Context, file string, follow FollowFunc) (CommandOutcome, error) {
	res, err := s.run(ctx, KindRunFile, "run_file",
		map[string]any{"files": []string{file}}, follow,
		newStreamConsumer(follow != nil, s.log), true)
	if err != nil {
		return nil, err
	}
	return res.(CommandOutcome), nil
}

// SendCtrlD soft-reboots the friendly REPL, streaming its banner.
func (s *Session) SendCtrlD(ctx context.Context, follow FollowFunc) (CommandOutcome, error) {
	res, err := s.run(ctx, KindCtrlD, "ctrl_d", nil, follow,
		newStreamConsumer(follow != nil, s.log), false)
	if err != nil {
		return nil, err
	}
	return res.(CommandOutcome), nil
}

// ListContents lists a directory on the board.
func (s *Session) ListContents(ctx context.Context, target string) (*ListContents, error) {
	res, err := s.run(ctx, KindListContents, "list_contents",
		map[string]any{"target": target}, nil, &listConsumer{}, false)
	if err != nil {
		return nil, err
	}
	return res.(*ListContents), nil
}

// ListContentsRecursive lists a directory tree on the board.
func (s *Session) ListContentsRecursive(ctx context.Context, target string) (*ListContents, error) {
	res, err := s.run(ctx, KindListContentsRecursive, "list_contents_recursive",
		map[string]any{"target": target}, nil, &listConsumer{}, false)
	if err != nil {
		return nil, err
	}
	return res.(*ListContents), nil
}

// fsOp runs a filesystem-mutation operation with the shared status framing.
func (s *Session) fsOp(ctx context.Context, kind OpKind, command string, args map[string]any, verbose bool, follow FollowFunc, files []string) (*Status, error) {
	res, err := s.run(ctx, kind, command, args, follow,
		newFsOpConsumer(verbose, follow != nil, files, s.log), false)
	if err != nil {
		return nil, err
	}
	return res.(*Status), nil
}

// UploadFiles copies local files to the board. localBaseDir, when set,
// preserves the directory layout relative to it.
func (s *Session) UploadFiles(ctx context.Context, files []string, remote, localBaseDir string, verbose bool, follow FollowFunc) (*Status, error) {
	args := map[string]any{"files": files, "remote": remote}
	if localBaseDir != "" {
		args["local_base_dir"] = localBaseDir
	}
	if verbose {
		args["verbose"] = true
	}
	return s.fsOp(ctx, KindUploadFiles, "upload_files", args, verbose, follow, files)
}

// DownloadFiles copies files from the board into local.
func (s *Session) DownloadFiles(ctx context.Context, files []string, local string, verbose bool, follow FollowFunc) (*Status, error) {
	args := map[string]any{"files": files, "local": local}
	if verbose {
		args["verbose"] = true
	}
	return s.fsOp(ctx, KindDownloadFiles, "download_files", args, verbose, follow, files)
}

// DeleteFiles removes files on the board.
func (s *Session) DeleteFiles(ctx context.Context, files []string) (*Status, error) {
	return s.fsOp(ctx, KindDeleteFiles, "delete_files", map[string]any{"files": files}, false, nil, files)
}

// CreateFolders creates folders on the board; already-existing targets
// count as success.
func (s *Session) CreateFolders(ctx context.Context, folders []string) (*Status, error) {
	return s.fsOp(ctx, KindCreateFolders, "mkdirs", map[string]any{"folders": folders}, false, nil, folders)
}

// DeleteFolders removes empty folders on the board.
func (s *Session) DeleteFolders(ctx context.Context, folders []string) (*Status, error) {
	return s.fsOp(ctx, KindDeleteFolders, "rmdirs", map[string]any{"folders": folders}, false, nil, folders)
}

// DeleteFolderRecursive removes a folder tree on the board.
func (s *Session) DeleteFolderRecursive(ctx context.Context, folder string) (*Status, error) {
	return s.fsOp(ctx, KindDeleteFolderRecursive, "rmtree", map[string]any{"folders": []string{folder}}, false, nil, nil)
}

// DeleteFileOrFolder removes a path of either kind on the board.
func (s *Session) DeleteFileOrFolder(ctx context.Context, target string, recursive bool) (*Status, error) {
	return s.fsOp(ctx, KindDeleteFileOrFolder, "rm_file_or_dir",
		map[string]any{"target": target, "recursive": recursive}, false, nil, nil)
}

// CalcFileHashes asks the board for the hashes of the given files. The
// result is also cached on the session for the project sync diff.
func (s *Session) CalcFileHashes(ctx context.Context, files []string) (map[string]string, error) {
	res, err := s.run(ctx, KindCalcHashes, "calc_file_hashes",
		map[string]any{"files": files}, nil, &hashConsumer{log: s.log}, false)
	if err != nil {
		return nil, err
	}
	return res.(map[string]string), nil
}

// GetItemStat returns the stat of one item; Stat is nil when it does not
// exist.
func (s *Session) GetItemStat(ctx context.Context, item string) (*ItemStat, error) {
	res, err := s.run(ctx, KindGetItemStat, "get_item_stat",
		map[string]any{"item": item}, nil, &statConsumer{path: item, log: s.log}, false)
	if err != nil {
		return nil, err
	}
	return res.(*ItemStat), nil
}

// RenameItem renames a file or folder on the board.
func (s *Session) RenameItem(ctx context.Context, item, target string) (*Status, error) {
	res, err := s.run(ctx, KindRenameItem, "rename",
		map[string]any{"item": item, "target": target}, nil, &renameConsumer{log: s.log}, false)
	if err != nil {
		return nil, err
	}
	return res.(*Status), nil
}

// SyncRtc sets the board clock from the host clock. Unlike the other
// methods it reports a failed Status instead of ErrNotConnected when no
// helper is live.
func (s *Session) SyncRtc(ctx context.Context) (*Status, error) {
	res, err := s.run(ctx, KindSyncRtc, "sync_rtc", nil, nil,
		newFsOpConsumer(false, false, nil, s.log), false)
	if errors.Is(err, ErrNotConnected) {
		return &Status{}, nil
	}
	if err != nil {
		return nil, err
	}
	return res.(*Status), nil
}

// GetRtcTime reads the board clock; Time is nil on error.
func (s *Session) GetRtcTime(ctx context.Context) (*RtcTime, error) {
	res, err := s.run(ctx, KindGetRtcTime, "get_rtc_time", nil, nil, &rtcConsumer{}, false)
	if err != nil {
		return nil, err
	}
	return res.(*RtcTime), nil
}

// CheckStatus probes the connection with a bare print on the board. It is a
// no-op returning (nil, nil) while other operations are queued — the queue
// making progress already proves the link.
func (s *Session) CheckStatus(ctx context.Context) (*Status, error) {
	s.mu.Lock()
	busy := s.queue.depth() > 0
	s.mu.Unlock()
	if busy {
		return nil, nil
	}

	res, err := s.run(ctx, KindCheckStatus, "status", nil, nil, &statusConsumer{}, false)
	if err != nil {
		return nil, err
	}
	return res.(*Status), nil
}

// SoftReset restarts the MicroPython interpreter without rebooting the
// board.
func (s *Session) SoftReset(ctx context.Context, verbose bool) (CommandOutcome, error) {
	res, err := s.run(ctx, KindSoftReset, "soft_reset", nil, nil,
		&softResetConsumer{verbose: verbose}, false)
	if err != nil {
		return nil, err
	}
	return res.(CommandOutcome), nil
}

// HardReset reboots the board. The helper exits as a side effect; the
// supervisor respawns it (with --listen when a follow callback is supplied,
// streaming the boot output) and the stashed waiter resolves on respawn.
func (s *Session) HardReset(ctx context.Context, follow FollowFunc) (*CommandResult, error) {
	res, err := s.run(ctx, KindHardReset, "hard_reset", nil, follow, &resetConsumer{}, false)
	if err != nil {
		return nil, err
	}
	return res.(*CommandResult), nil
}

// StopRunningStuff interrupts whatever the board is executing with a double
// Ctrl-C.
func (s *Session) StopRunningStuff(ctx context.Context) (*Status, error) {
	return s.fsOp(ctx, KindStopRunning, "double_ctrlc", nil, false, nil, nil)
}

// ScanPorts spawns a one-shot helper enumerating candidate board ports.
// It does not touch the session queue or require a connection.
func (s *Session) ScanPorts(ctx context.Context) (*PortsScan, error) {
	s.mu.Lock()
	factory := s.factory
	helperPath := s.helperPath
	s.mu.Unlock()

	var (
		mu   sync.Mutex
		buf  []byte
		cons scanConsumer
	)
	resultCh := make(chan *PortsScan, 1)

	cfg := HelperConfig{HelperPath: helperPath, ScanPorts: true}
	helper := factory(cfg, HelperCallbacks{
		OnData: func(chunk []byte) {
			mu.Lock()
			buf = append(buf, chunk...)
			remaining, act := cons.feed(buf)
			buf = remaining
			mu.Unlock()
			if act.done {
				select {
				case resultCh <- act.result.(*PortsScan):
				default:
				}
			}
		},
	})

	if err := helper.Start(); err != nil {
		return nil, err
	}
	defer helper.Kill()

	select {
	case res := <-resultCh:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect gracefully shuts the session down: an exit request is queued,
// the helper gets a short grace window, then it is killed. Every parked
// waiter resolves with the nil sentinel.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.disconning = true

	if req, err := encodeRequest("exit", nil); err == nil {
		op := newOperation(s.nextID(), KindExit, req, nil, nil)
		if s.queue.push(op) {
			s.promoteLocked()
		}
	}
	helper := s.helper
	s.mu.Unlock()

	if helper != nil {
		deadline := time.Now().Add(disconnectGrace)
		for helper.IsRunning() && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		if helper.IsRunning() {
			helper.Kill()
		}
	}

	s.teardown()
}

// ForceDisconnect kills the helper immediately and releases every parked
// waiter with the nil sentinel.
func (s *Session) ForceDisconnect() {
	s.mu.Lock()
	if !s.connected && s.helper == nil {
		s.mu.Unlock()
		return
	}
	s.disconning = true
	helper := s.helper
	s.mu.Unlock()

	if helper != nil {
		helper.Kill()
	}

	s.teardown()
}

// teardown clears session state after the helper is gone and releases all
// waiters. No parked waiter may survive.
func (s *Session) teardown() {
	s.mu.Lock()
	s.connected = false
	s.helper = nil
	s.buf = nil
	s.listening = false
	s.resetFollow = nil
	if s.resetWaiter != nil {
		s.queue.push(s.resetWaiter) // ensure flush releases it exactly once
		s.resetWaiter = nil
	}
	ops := s.queue.flush()
	s.releaseLockLocked()
	s.mu.Unlock()

	for _, op := range ops {
		op.resolve(nil)
	}
	s.log.Info("session disconnected", "sessionID", s.ID)
}

// SwitchDevice tears the current helper down, flushes the queue (pending
// callers resolve with the nil sentinel), resets counters and buffer, and
// respawns against the new device.
func (s *Session) SwitchDevice(newDevice string) error {
	s.mu.Lock()
	s.disconning = true
	helper := s.helper
	connected := s.connected
	s.mu.Unlock()

	if connected && helper != nil {
		if req, err := encodeRequest("exit", nil); err == nil {
			helper.Write(req)
		}
		deadline := time.Now().Add(disconnectGrace)
		for helper.IsRunning() && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		if helper.IsRunning() {
			helper.Kill()
		}
	}

	s.mu.Lock()
	s.connected = false
	s.helper = nil
	s.buf = nil
	s.listening = false
	s.resetFollow = nil
	s.resetWaiter = nil
	ops := s.queue.flush()
	s.nextOpID = 0
	s.releaseLockLocked()

	s.device = newDevice
	s.log = logger.WithDevice(newDevice)
	err := s.connectLocked(false)
	s.mu.Unlock()

	for _, op := range ops {
		op.resolve(nil)
	}
	return err
}

// SetProjectContext records the local side of a project sync for
// diagnostics.
func (s *Session) SetProjectContext(root string, localHashes map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projectRoot = root
	s.localHashes = localHashes
}

// ProjectCaches returns the hash caches of the last project sync.
func (s *Session) ProjectCaches() (local, remote map[string]string, root string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localHashes, s.remoteHashes, s.projectRoot
}
