package board

import (
	"context"
	"sync"
)

// MockSession is a test double for Session that doesn't spawn real helper
// processes. Tests preload canned results and inspect the recorded calls.
type MockSession struct {
	mu sync.Mutex

	// State
	DeviceID     string
	ConnectedVal bool
	Depth        int

	// Canned results returned by the facade methods
	Hashes    map[string]string
	Listing   *ListContents
	StatusOK  bool
	Stat      *ItemStat
	Rtc       *RtcTime
	Ports     *PortsScan
	TabResult *TabComp
	Outcome   CommandOutcome

	// Recorded calls for assertions
	Calls       []string
	Uploaded    [][]string
	UploadBase  []string
	Downloaded  [][]string
	DownloadTos []string
	HashedFiles [][]string

	// Callbacks for test hooks
	OnUpload func(files []string, remote, localBaseDir string)

	localHashes  map[string]string
	remoteHashes map[string]string
	projectRoot  string
}

// NewMockSession returns a connected mock with success defaults.
func NewMockSession(device string) *MockSession {
	return &MockSession{
		DeviceID:     device,
		ConnectedVal: true,
		StatusOK:     true,
		Hashes:       map[string]string{},
	}
}

func (m *MockSession) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, call)
}

func (m *MockSession) Device() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.DeviceID
}

func (m *MockSession) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ConnectedVal
}

func (m *MockSession) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Depth
}

func (m *MockSession) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConnectedVal = true
	return nil
}

func (m *MockSession) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConnectedVal = false
}

func (m *MockSession) ForceDisconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConnectedVal = false
}

func (m *MockSession) SwitchDevice(newDevice string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeviceID = newDevice
	m.ConnectedVal = true
	return nil
}

func (m *MockSession) guard() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ConnectedVal {
		return ErrNotConnected
	}
	return nil
}

func (m *MockSession) outcome() CommandOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Outcome != nil {
		return m.Outcome
	}
	return &CommandResult{Ok: true}
}

func (m *MockSession) RunCommand(ctx context.Context, command string, interactive bool, follow FollowFunc) (CommandOutcome, error) {
	m.record("command")
	if err := m.guard(); err != nil {
		return nil, err
	}
	return m.outcome(), nil
}

func (m *MockSession) FriendlyCommand(ctx context.Context, code string, follow FollowFunc) (CommandOutcome, error) {
	m.record("friendly_code")
	if err := m.guard(); err != nil {
		return nil, err
	}
	return m.outcome(), nil
}

func (m *MockSession) RetrieveTabComp(ctx context.Context, code string) (*TabComp, error) {
	m.record("retrieve_tab_comp")
	if err := m.guard(); err != nil {
		return nil, err
	}
	return m.TabResult, nil
}

func (m *MockSession) RunFile(ctx context.Context, file string, follow FollowFunc) (CommandOutcome, error) {
	m.record("run_file")
	if err := m.guard(); err != nil {
		return nil, err
	}
	return m.outcome(), nil
}

func (m *MockSession) SendCtrlD(ctx context.Context, follow FollowFunc) (CommandOutcome, error) {
	m.record("ctrl_d")
	if err := m.guard(); err != nil {
		return nil, err
	}
	return m.outcome(), nil
}

func (m *MockSession) StopRunningStuff(ctx context.Context) (*Status, error) {
	m.record("double_ctrlc")
	if err := m.guard(); err != nil {
		return nil, err
	}
	return &Status{Ok: m.StatusOK}, nil
}

func (m *MockSession) ListContents(ctx context.Context, target string) (*ListContents, error) {
	m.record("list_contents")
	if err := m.guard(); err != nil {
		return nil, err
	}
	if m.Listing == nil {
		return &ListContents{}, nil
	}
	return m.Listing, nil
}

func (m *MockSession) ListContentsRecursive(ctx context.Context, target string) (*ListContents, error) {
	m.record("list_contents_recursive")
	if err := m.guard(); err != nil {
		return nil, err
	}
	if m.Listing == nil {
		return &ListContents{}, nil
	}
	return m.Listing, nil
}

func (m *MockSession) UploadFiles(ctx context.Context, files []string, remote, localBaseDir string, verbose bool, follow FollowFunc) (*Status, error) {
	m.record("upload_files")
	if err := m.guard(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.Uploaded = append(m.Uploaded, files)
	m.UploadBase = append(m.UploadBase, localBaseDir)
	hook := m.OnUpload
	m.mu.Unlock()
	if hook != nil {
		hook(files, remote, localBaseDir)
	}
	return &Status{Ok: m.StatusOK}, nil
}

func (m *MockSession) DownloadFiles(ctx context.Context, files []string, local string, verbose bool, follow FollowFunc) (*Status, error) {
	m.record("download_files")
	if err := m.guard(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.Downloaded = append(m.Downloaded, files)
	m.DownloadTos = append(m.DownloadTos, local)
	m.mu.Unlock()
	return &Status{Ok: m.StatusOK}, nil
}

func (m *MockSession) DeleteFiles(ctx context.Context, files []string) (*Status, error) {
	m.record("delete_files")
	if err := m.guard(); err != nil {
		return nil, err
	}
	return &Status{Ok: m.StatusOK}, nil
}

func (m *MockSession) CreateFolders(ctx context.Context, folders []string) (*Status, error) {
	m.record("mkdirs")
	if err := m.guard(); err != nil {
		return nil, err
	}
	return &Status{Ok: m.StatusOK}, nil
}

func (m *MockSession) DeleteFolders(ctx context.Context, folders []string) (*Status, error) {
	m.record("rmdirs")
	if err := m.guard(); err != nil {
		return nil, err
	}
	return &Status{Ok: m.StatusOK}, nil
}

func (m *MockSession) DeleteFolderRecursive(ctx context.Context, folder string) (*Status, error) {
	m.record("rmtree")
	if err := m.guard(); err != nil {
		return nil, err
	}
	return &Status{Ok: m.StatusOK}, nil
}

func (m *MockSession) DeleteFileOrFolder(ctx context.Context, target string, recursive bool) (*Status, error) {
	m.record("rm_file_or_dir")
	if err := m.guard(); err != nil {
		return nil, err
	}
	return &Status{Ok: m.StatusOK}, nil
}

func (m *MockSession) CalcFileHashes(ctx context.Context, files []string) (map[string]string, error) {
	m.record("calc_file_hashes")
	if err := m.guard(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.HashedFiles = append(m.HashedFiles, files)
	m.remoteHashes = m.Hashes
	hashes := m.Hashes
	m.mu.Unlock()
	return hashes, nil
}

func (m *MockSession) GetItemStat(ctx context.Context, item string) (*ItemStat, error) {
	m.record("get_item_stat")
	if err := m.guard(); err != nil {
		return nil, err
	}
	if m.Stat == nil {
		return &ItemStat{}, nil
	}
	return m.Stat, nil
}

func (m *MockSession) RenameItem(ctx context.Context, item, target string) (*Status, error) {
	m.record("rename")
	if err := m.guard(); err != nil {
		return nil, err
	}
	return &Status{Ok: m.StatusOK}, nil
}

func (m *MockSession) SyncRtc(ctx context.Context) (*Status, error) {
	m.record("sync_rtc")
	if !m.Connected() {
		return &Status{}, nil
	}
	return &Status{Ok: m.StatusOK}, nil
}

func (m *MockSession) GetRtcTime(ctx context.Context) (*RtcTime, error) {
	m.record("get_rtc_time")
	if err := m.guard(); err != nil {
		return nil, err
	}
	if m.Rtc == nil {
		return &RtcTime{}, nil
	}
	return m.Rtc, nil
}

func (m *MockSession) CheckStatus(ctx context.Context) (*Status, error) {
	m.record("status")
	if err := m.guard(); err != nil {
		return nil, err
	}
	return &Status{Ok: m.StatusOK}, nil
}

func (m *MockSession) SoftReset(ctx context.Context, verbose bool) (CommandOutcome, error) {
	m.record("soft_reset")
	if err := m.guard(); err != nil {
		return nil, err
	}
	return m.outcome(), nil
}

func (m *MockSession) HardReset(ctx context.Context, follow FollowFunc) (*CommandResult, error) {
	m.record("hard_reset")
	if err := m.guard(); err != nil {
		return nil, err
	}
	return &CommandResult{Ok: true}, nil
}

func (m *MockSession) ScanPorts(ctx context.Context) (*PortsScan, error) {
	m.record("scan_ports")
	if m.Ports == nil {
		return &PortsScan{}, nil
	}
	return m.Ports, nil
}

func (m *MockSession) SetProjectContext(root string, localHashes map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projectRoot = root
	m.localHashes = localHashes
}

func (m *MockSession) ProjectCaches() (local, remote map[string]string, root string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localHashes, m.remoteHashes, m.projectRoot
}

// Ensure MockSession implements SessionInterface at compile time.
var _ SessionInterface = (*MockSession)(nil)
