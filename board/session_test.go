package board

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/picolink/picolink-core/paths"
)

// fakeHelper is a scripted HelperProcess. Tests emit stdout chunks and exits
// on it; the session under test cannot tell it from a real supervisor.
type fakeHelper struct {
	mu        sync.Mutex
	cfg       HelperConfig
	cb        HelperCallbacks
	running   bool
	writes    []string
	failWrite bool
	exitOnce  sync.Once
}

func (f *fakeHelper) Start() error {
	f.mu.Lock()
	f.running = true
	f.mu.Unlock()
	return nil
}

func (f *fakeHelper) Write(data []byte) error {
	f.mu.Lock()
	if f.failWrite {
		f.failWrite = false
		f.mu.Unlock()
		return errors.New("broken pipe")
	}
	f.writes = append(f.writes, string(data))
	f.mu.Unlock()

	// The helper process dies on an exit request.
	if strings.Contains(string(data), `"command":"exit"`) {
		go f.exit(nil, 0)
	}
	return nil
}

func (f *fakeHelper) Stop() { f.exit(nil, 0) }
func (f *fakeHelper) Kill() { f.exit(nil, -1) }

func (f *fakeHelper) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// emit delivers a stdout chunk the way the supervisor's reader goroutine
// would.
func (f *fakeHelper) emit(s string) {
	f.mu.Lock()
	cb := f.cb.OnData
	f.mu.Unlock()
	if cb != nil {
		cb([]byte(s))
	}
}

// exit simulates the helper process going away.
func (f *fakeHelper) exit(err error, code int) {
	f.exitOnce.Do(func() {
		f.mu.Lock()
		f.running = false
		cb := f.cb.OnExit
		f.mu.Unlock()
		if cb != nil {
			cb(err, code)
		}
	})
}

func (f *fakeHelper) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeHelper) lastWrite() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return ""
	}
	return f.writes[len(f.writes)-1]
}

// fakeFactory records every helper it spawns.
type fakeFactory struct {
	mu      sync.Mutex
	spawned []*fakeHelper
}

func (ff *fakeFactory) new(cfg HelperConfig, cb HelperCallbacks) HelperProcess {
	h := &fakeHelper{cfg: cfg, cb: cb}
	ff.mu.Lock()
	ff.spawned = append(ff.spawned, h)
	ff.mu.Unlock()
	return h
}

func (ff *fakeFactory) helper(i int) *fakeHelper {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if i >= len(ff.spawned) {
		return nil
	}
	return ff.spawned[i]
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.spawned)
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// newTestSession returns a connected session driven by a fake factory.
func newTestSession(t *testing.T) (*Session, *fakeFactory) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_STATE_HOME", "")
	paths.Reset()
	t.Cleanup(paths.Reset)

	ff := &fakeFactory{}
	sess := NewSession("/dev/ttyTEST", 115200, "/opt/helper/mpy-wrapper")
	sess.SetHelperFactory(ff.new)
	if err := sess.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(sess.ForceDisconnect)
	return sess, ff
}

func TestListContents_EndToEnd(t *testing.T) {
	sess, ff := newTestSession(t)
	helper := ff.helper(0)

	type outcome struct {
		res *ListContents
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := sess.ListContents(context.Background(), "/")
		done <- outcome{res, err}
	}()

	waitFor(t, "request write", func() bool { return helper.writeCount() == 1 })
	if got := helper.lastWrite(); got != `{"command":"list_contents","args":{"target":"/"}}`+"\n" {
		t.Errorf("request = %q", got)
	}

	helper.emit("   123 main.py\n     0 lib/\n!!EOO!!\n")

	out := <-done
	if out.err != nil {
		t.Fatalf("ListContents: %v", out.err)
	}
	want := []FileRecord{
		{Path: "main.py", Size: 123},
		{Path: "lib/", IsDir: true, Size: 0},
	}
	if len(out.res.Files) != 2 || out.res.Files[0] != want[0] || out.res.Files[1] != want[1] {
		t.Errorf("files = %+v", out.res.Files)
	}
}

func TestSerialization_OneActiveCompleteInOrder(t *testing.T) {
	sess, ff := newTestSession(t)
	helper := ff.helper(0)

	var mu sync.Mutex
	var completions []int

	results := make(chan error, 2)
	go func() {
		_, err := sess.ListContents(context.Background(), "/first")
		mu.Lock()
		completions = append(completions, 1)
		mu.Unlock()
		results <- err
	}()
	waitFor(t, "first request", func() bool { return helper.writeCount() == 1 })

	go func() {
		_, err := sess.ListContents(context.Background(), "/second")
		mu.Lock()
		completions = append(completions, 2)
		mu.Unlock()
		results <- err
	}()

	// The second operation must not reach the helper while the first is
	// active.
	time.Sleep(20 * time.Millisecond)
	if helper.writeCount() != 1 {
		t.Fatalf("second request written while first active: %d writes", helper.writeCount())
	}

	helper.emit("!!EOO!!\n")
	waitFor(t, "second request", func() bool { return helper.writeCount() == 2 })
	if !strings.Contains(helper.lastWrite(), "/second") {
		t.Errorf("second request = %q", helper.lastWrite())
	}
	helper.emit("!!EOO!!\n")

	if err := <-results; err != nil {
		t.Fatalf("first op: %v", err)
	}
	if err := <-results; err != nil {
		t.Fatalf("second op: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(completions) != 2 || completions[0] != 1 || completions[1] != 2 {
		t.Errorf("completion order = %v, want [1 2]", completions)
	}
}

func TestCommandErr_DisconnectsAndReturnsResponse(t *testing.T) {
	sess, ff := newTestSession(t)
	helper := ff.helper(0)

	done := make(chan CommandOutcome, 1)
	go func() {
		res, err := sess.RunCommand(context.Background(), "1/0", false, nil)
		if err != nil {
			t.Errorf("RunCommand: %v", err)
		}
		done <- res
	}()

	waitFor(t, "request write", func() bool { return helper.writeCount() == 1 })
	helper.emit("Traceback (most recent call last):\nZeroDivisionError\n!!ERR!!\n!!EOO!!\n")

	res := <-done
	withResp, ok := res.(*CommandWithResponse)
	if !ok {
		t.Fatalf("expected *CommandWithResponse, got %T", res)
	}
	if withResp.Response != "Traceback (most recent call last):\nZeroDivisionError" {
		t.Errorf("Response = %q", withResp.Response)
	}

	waitFor(t, "disconnect", func() bool { return !sess.Connected() })
}

func TestInteractiveSentinel_WritesNewline(t *testing.T) {
	sess, ff := newTestSession(t)
	helper := ff.helper(0)

	done := make(chan CommandOutcome, 1)
	go func() {
		res, err := sess.RunCommand(context.Background(), "input()", true, nil)
		if err != nil {
			t.Errorf("RunCommand: %v", err)
		}
		done <- res
	}()

	waitFor(t, "request write", func() bool { return helper.writeCount() == 1 })
	if !strings.Contains(helper.lastWrite(), `"interactive":true`) {
		t.Errorf("interactive flag missing from request: %q", helper.lastWrite())
	}

	// No newline in the chunk: interactive commands stream char by char.
	helper.emit("!!__SENTINEL__!!")
	waitFor(t, "sentinel ack", func() bool { return helper.writeCount() == 2 })
	if helper.lastWrite() != "\n" {
		t.Errorf("sentinel ack = %q, want newline", helper.lastWrite())
	}

	helper.emit("!!EOO!!\n")
	<-done
}

func TestUploadVerbose_ProgressBeforeResult(t *testing.T) {
	sess, ff := newTestSession(t)
	helper := ff.helper(0)

	var mu sync.Mutex
	var events []string
	follow := func(out string) {
		mu.Lock()
		events = append(events, "progress:"+out)
		mu.Unlock()
	}

	done := make(chan *Status, 1)
	go func() {
		res, err := sess.UploadFiles(context.Background(), []string{"/a.py", "/b.py"}, ":", "", true, follow)
		if err != nil {
			t.Errorf("UploadFiles: %v", err)
		}
		mu.Lock()
		events = append(events, "result")
		mu.Unlock()
		done <- res
	}()

	waitFor(t, "request write", func() bool { return helper.writeCount() == 1 })
	helper.emit(`{"written":50,"total":100,"currentFilePos":1,"totalFilesCount":2}` + "\n")
	helper.emit(`{"written":100,"total":100,"currentFilePos":2,"totalFilesCount":2}` + "\n")
	helper.emit("!!EOO!!\n")

	res := <-done
	if !res.Ok {
		t.Error("expected ok status")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"progress:'/a.py' [1/2]", "progress:'/b.py' [2/2]", "result"}
	if len(events) != 3 || events[0] != want[0] || events[1] != want[1] || events[2] != want[2] {
		t.Errorf("events = %v, want %v", events, want)
	}
}

func TestSwitchDevice_ReleasesWaitersAndRespawns(t *testing.T) {
	sess, ff := newTestSession(t)
	helper := ff.helper(0)

	errs := make(chan error, 2)
	go func() {
		_, err := sess.ListContents(context.Background(), "/")
		errs <- err
	}()
	waitFor(t, "first request", func() bool { return helper.writeCount() == 1 })
	go func() {
		_, err := sess.GetRtcTime(context.Background())
		errs <- err
	}()
	waitFor(t, "second enqueue", func() bool { return sess.QueueDepth() == 2 })

	if err := sess.SwitchDevice("COM4"); err != nil {
		t.Fatalf("SwitchDevice: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, ErrCancelled) {
			t.Errorf("pre-switch op error = %v, want ErrCancelled", err)
		}
	}

	if sess.Device() != "COM4" {
		t.Errorf("Device = %q, want COM4", sess.Device())
	}
	if !sess.Connected() {
		t.Error("session should be connected to the new device")
	}
	if sess.QueueDepth() != 0 {
		t.Errorf("queue depth = %d, want 0", sess.QueueDepth())
	}
	if ff.count() != 2 {
		t.Fatalf("expected a second helper spawn, got %d", ff.count())
	}
	if got := ff.helper(1).cfg.Device; got != "COM4" {
		t.Errorf("new helper device = %q, want COM4", got)
	}
}

func TestHardReset_RespawnResolvesWaiter(t *testing.T) {
	sess, ff := newTestSession(t)
	helper := ff.helper(0)

	done := make(chan *CommandResult, 1)
	go func() {
		res, err := sess.HardReset(context.Background(), nil)
		if err != nil {
			t.Errorf("HardReset: %v", err)
		}
		done <- res
	}()

	waitFor(t, "hard_reset write", func() bool { return helper.writeCount() == 1 })
	if !strings.Contains(helper.lastWrite(), `"command":"hard_reset"`) {
		t.Errorf("request = %q", helper.lastWrite())
	}

	// The helper process exits as a side effect of the reboot.
	helper.exit(nil, 0)

	res := <-done
	if !res.Ok {
		t.Error("expected ok result after respawn")
	}
	if ff.count() != 2 {
		t.Fatalf("expected respawn, got %d spawns", ff.count())
	}
	if ff.helper(1).cfg.Listen {
		t.Error("respawn without follow must not pass --listen")
	}
	if !sess.Connected() {
		t.Error("session should be connected after respawn")
	}
}

func TestHardReset_ListenStreamsBootOutput(t *testing.T) {
	sess, ff := newTestSession(t)
	helper := ff.helper(0)

	var mu sync.Mutex
	var boot []string
	follow := func(out string) {
		mu.Lock()
		boot = append(boot, out)
		mu.Unlock()
	}

	done := make(chan *CommandResult, 1)
	go func() {
		res, err := sess.HardReset(context.Background(), follow)
		if err != nil {
			t.Errorf("HardReset: %v", err)
		}
		done <- res
	}()

	waitFor(t, "hard_reset write", func() bool { return helper.writeCount() == 1 })
	helper.exit(nil, 0)

	res := <-done
	if !res.Ok {
		t.Fatal("expected ok result")
	}

	second := ff.helper(1)
	if second == nil || !second.cfg.Listen {
		t.Fatal("respawn with follow must pass --listen")
	}

	second.emit("MPY: soft reboot\nWaiting 5 seconds for pyboard to reboot\nready\n!!EOO!!\n")

	mu.Lock()
	joined := strings.Join(boot, "")
	mu.Unlock()
	if !strings.Contains(joined, "MPY: soft reboot") || !strings.Contains(joined, "ready") {
		t.Errorf("boot output = %q", joined)
	}
	if strings.Contains(joined, "seconds for pyboard") {
		t.Error("reconnect chatter should be skipped")
	}

	// The listener is torn down on the first EOO; the queue resumes.
	resCh := make(chan error, 1)
	go func() {
		_, err := sess.ListContents(context.Background(), "/")
		resCh <- err
	}()
	waitFor(t, "post-reset request", func() bool { return second.writeCount() == 1 })
	second.emit("!!EOO!!\n")
	if err := <-resCh; err != nil {
		t.Fatalf("post-reset op: %v", err)
	}
}

func TestNotConnected(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	paths.Reset()
	t.Cleanup(paths.Reset)

	sess := NewSession("/dev/ttyTEST", 115200, "/opt/helper/mpy-wrapper")

	if _, err := sess.ListContents(context.Background(), "/"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ListContents error = %v, want ErrNotConnected", err)
	}
	if _, err := sess.RunCommand(context.Background(), "1+1", false, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("RunCommand error = %v, want ErrNotConnected", err)
	}

	// SyncRtc is the exception: it reports a failed status instead.
	res, err := sess.SyncRtc(context.Background())
	if err != nil {
		t.Fatalf("SyncRtc: %v", err)
	}
	if res.Ok {
		t.Error("SyncRtc while disconnected should report ok=false")
	}
}

func TestWriteFailure_ResolvesAndDrainsNext(t *testing.T) {
	sess, ff := newTestSession(t)
	helper := ff.helper(0)

	helper.mu.Lock()
	helper.failWrite = true
	helper.mu.Unlock()

	if _, err := sess.ListContents(context.Background(), "/"); !errors.Is(err, ErrCancelled) {
		t.Fatalf("error = %v, want ErrCancelled", err)
	}

	// The queue must still drain subsequent operations.
	done := make(chan error, 1)
	go func() {
		_, err := sess.ListContents(context.Background(), "/")
		done <- err
	}()
	waitFor(t, "next request", func() bool { return helper.writeCount() == 1 })
	helper.emit("!!EOO!!\n")
	if err := <-done; err != nil {
		t.Fatalf("follow-up op: %v", err)
	}
}

func TestDisconnect_NoLeakedWaiters(t *testing.T) {
	sess, ff := newTestSession(t)
	helper := ff.helper(0)

	errs := make(chan error, 1)
	go func() {
		_, err := sess.ListContents(context.Background(), "/")
		errs <- err
	}()
	waitFor(t, "request write", func() bool { return helper.writeCount() == 1 })

	sess.Disconnect()

	if err := <-errs; !errors.Is(err, ErrCancelled) {
		t.Errorf("parked op error = %v, want ErrCancelled", err)
	}
	if sess.Connected() {
		t.Error("session should be disconnected")
	}
	if sess.QueueDepth() != 0 {
		t.Errorf("queue depth = %d, want 0", sess.QueueDepth())
	}
}

func TestUnexpectedExit_ReleasesWaitersAndReportsSink(t *testing.T) {
	sess, ff := newTestSession(t)
	helper := ff.helper(0)

	exitCh := make(chan int, 1)
	sess.SetExitSink(func(code int, err error) {
		exitCh <- code
	})

	errs := make(chan error, 1)
	go func() {
		_, err := sess.ListContents(context.Background(), "/")
		errs <- err
	}()
	waitFor(t, "request write", func() bool { return helper.writeCount() == 1 })

	helper.exit(errors.New("helper crashed"), 1)

	if err := <-errs; !errors.Is(err, ErrCancelled) {
		t.Errorf("parked op error = %v, want ErrCancelled", err)
	}
	if code := <-exitCh; code != 1 {
		t.Errorf("exit sink code = %d, want 1", code)
	}
	if sess.Connected() {
		t.Error("pipe should be flagged disconnected")
	}
}

func TestCheckStatus_NoopWhenQueueBusy(t *testing.T) {
	sess, ff := newTestSession(t)
	helper := ff.helper(0)

	pending := make(chan error, 1)
	go func() {
		_, err := sess.ListContents(context.Background(), "/")
		pending <- err
	}()
	waitFor(t, "request write", func() bool { return helper.writeCount() == 1 })

	res, err := sess.CheckStatus(context.Background())
	if err != nil || res != nil {
		t.Errorf("busy CheckStatus = (%v, %v), want (nil, nil)", res, err)
	}
	if helper.writeCount() != 1 {
		t.Error("busy CheckStatus must not write a request")
	}

	helper.emit("!!EOO!!\n")
	<-pending
}

func TestCalcHashes_CachesRemote(t *testing.T) {
	sess, ff := newTestSession(t)
	helper := ff.helper(0)

	done := make(chan map[string]string, 1)
	go func() {
		res, err := sess.CalcFileHashes(context.Background(), []string{"main.py"})
		if err != nil {
			t.Errorf("CalcFileHashes: %v", err)
		}
		done <- res
	}()

	waitFor(t, "request write", func() bool { return helper.writeCount() == 1 })
	helper.emit(`{"file": "main.py", "hash": "cafe"}` + "\n!!EOO!!\n")

	hashes := <-done
	if hashes["main.py"] != "cafe" {
		t.Errorf("hashes = %v", hashes)
	}

	_, remote, _ := sess.ProjectCaches()
	if remote["main.py"] != "cafe" {
		t.Error("remote hashes should be cached on the session")
	}
}

func TestScanPorts_OneShot(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	paths.Reset()
	t.Cleanup(paths.Reset)

	ff := &fakeFactory{}
	sess := NewSession("/dev/ttyTEST", 115200, "/opt/helper/mpy-wrapper")
	sess.SetHelperFactory(ff.new)

	done := make(chan *PortsScan, 1)
	go func() {
		res, err := sess.ScanPorts(context.Background())
		if err != nil {
			t.Errorf("ScanPorts: %v", err)
		}
		done <- res
	}()

	waitFor(t, "scan helper spawn", func() bool { return ff.count() == 1 })
	scanner := ff.helper(0)
	if !scanner.cfg.ScanPorts {
		t.Error("scan helper must be spawned with ScanPorts")
	}
	scanner.emit("/dev/ttyACM0,115200\n!!EOO!!\n")

	res := <-done
	if len(res.Ports) != 1 || res.Ports[0] != "/dev/ttyACM0,115200" {
		t.Errorf("ports = %v", res.Ports)
	}
	waitFor(t, "scan helper killed", func() bool { return !scanner.IsRunning() })
}
