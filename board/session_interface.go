package board

import "context"

// SessionInterface defines the contract for device sessions.
// This allows for mock implementations in tests while keeping
// the production Session implementation unchanged.
type SessionInterface interface {
	// Session state
	Device() string
	Connected() bool
	QueueDepth() int

	// Lifecycle
	Connect() error
	Disconnect()
	ForceDisconnect()
	SwitchDevice(newDevice string) error

	// Execution
	RunCommand(ctx context.Context, command string, interactive bool, follow FollowFunc) (CommandOutcome, error)
	FriendlyCommand(ctx context.Context, code string, follow FollowFunc) (CommandOutcome, error)
	RetrieveTabComp(ctx context.Context, code string) (*TabComp, error)
	RunFile(ctx context.Context, file string, follow FollowFunc) (CommandOutcome, error)
	SendCtrlD(ctx context.Context, follow FollowFunc) (CommandOutcome, error)
	StopRunningStuff(ctx context.Context) (*Status, error)

	// Filesystem
	ListContents(ctx context.Context, target string) (*ListContents, error)
	ListContentsRecursive(ctx context.Context, target string) (*ListContents, error)
	UploadFiles(ctx context.Context, files []string, remote, localBaseDir string, verbose bool, follow FollowFunc) (*Status, error)
	DownloadFiles(ctx context.Context, files []string, local string, verbose bool, follow FollowFunc) (*Status, error)
	DeleteFiles(ctx context.Context, files []string) (*Status, error)
	CreateFolders(ctx context.Context, folders []string) (*Status, error)
	DeleteFolders(ctx context.Context, folders []string) (*Status, error)
	DeleteFolderRecursive(ctx context.Context, folder string) (*Status, error)
	DeleteFileOrFolder(ctx context.Context, target string, recursive bool) (*Status, error)
	CalcFileHashes(ctx context.Context, files []string) (map[string]string, error)
	GetItemStat(ctx context.Context, item string) (*ItemStat, error)
	RenameItem(ctx context.Context, item, target string) (*Status, error)

	// Device management
	SyncRtc(ctx context.Context) (*Status, error)
	GetRtcTime(ctx context.Context) (*RtcTime, error)
	CheckStatus(ctx context.Context) (*Status, error)
	SoftReset(ctx context.Context, verbose bool) (CommandOutcome, error)
	HardReset(ctx context.Context, follow FollowFunc) (*CommandResult, error)
	ScanPorts(ctx context.Context) (*PortsScan, error)

	// Project sync context
	SetProjectContext(root string, localHashes map[string]string)
	ProjectCaches() (local, remote map[string]string, root string)
}

// Ensure Session implements SessionInterface at compile time.
var _ SessionInterface = (*Session)(nil)
