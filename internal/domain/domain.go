// Package domain defines the cross-cutting entity types shared across the
// analysis orchestrator: the sample being analyzed, the VMs it is detonated
// in, the task that tracks one analysis run, and the per-VM results it
// produces.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a new random task, sample or alert identifier.
func NewID() uuid.UUID {
	return uuid.New()
}

// Sample is a suspect binary submitted for analysis.
type Sample struct {
	ID        uuid.UUID
	SHA256    string
	Filename  string
	SizeBytes int64
	StoredAt  string // absolute path under the configured upload directory
	CreatedAt time.Time
}

// VMSpec describes one configured analysis VM: its virtualization identity
// and which agent or behavioral monitor it carries.
type VMSpec struct {
	Name            string   // virtualization-platform VM name, unique
	AgentKind       string   // "defender", "kaspersky", "mcafee", "avira", "trend", "behavioral-monitor"
	SnapshotName    string   // clean snapshot to restore before every run
	GuestOS         string   // "windows", "linux" — selects guest path/shell conventions
	GuestUser       string
	GuestPassword   string
	UploadDir       string // guest-side directory the sample is copied into
	AgentLogDir     string // guest-side path the agent/behavioral monitor exports its log or quarantine to
	BootTimeout     time.Duration
	GuestReadyProbe string // guest-side command used to decide the guest is responsive
}

// TaskStatus is the lifecycle status of an analysis Task. Status advances
// monotonically from Queued through Running to a terminal state, except
// that Cancelled may preempt either Queued or Running.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task tracks one submitted analysis: a Sample fanned out across
// RequestedVMs, one VMResult per requested VM.
type Task struct {
	ID             uuid.UUID
	Sample         Sample
	RequestedVMs   []VMSpec // the VMs this task actually fans out across, set at submission
	TimeoutSeconds int      // caller-requested ceiling on total run time; 0 means "use the server default"
	Status         TaskStatus
	VMResults      map[string]*VMResult // keyed by VMSpec.Name
	Summary        *TaskSummary
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FinishedAt     *time.Time
}

// VMPhase is a single step of the per-sample-per-VM pipeline.
type VMPhase string

const (
	PhaseAcquired   VMPhase = "acquired"
	PhaseRestoring  VMPhase = "restoring"
	PhaseStarting   VMPhase = "starting"
	PhaseWaitGuest  VMPhase = "waiting_guest"
	PhaseUploading  VMPhase = "uploading"
	PhaseDetonating VMPhase = "detonating"
	PhaseDwelling   VMPhase = "dwelling"
	PhaseCollecting VMPhase = "collecting"
	PhaseCleanup    VMPhase = "cleanup"
	PhaseReleased   VMPhase = "released"
)

// VMResultStatus is the terminal outcome of one VM's pipeline run.
type VMResultStatus string

const (
	VMResultSucceeded VMResultStatus = "succeeded"
	VMResultFailed    VMResultStatus = "failed"
)

// Stable error taxonomy identifiers, carried on VMResult.ErrorKind.
const (
	ErrorKindEnvironmentFailed = "EnvironmentFailed"
	ErrorKindTransferFailed    = "TransferFailed"
	ErrorKindAuthFailed        = "AuthFailed"
	ErrorKindDetonationFailed  = "DetonationFailed"
	ErrorKindCollectionFailed  = "CollectionFailed"
	ErrorKindAgentUnavailable  = "AgentUnavailable"
	ErrorKindCleanupFailed     = "CleanupFailed"
	ErrorKindCancelled         = "Cancelled"
	ErrorKindInternal          = "Internal"
)

// VMResult is the per-VM outcome of an analysis run: the phase it reached,
// the alerts/events the collector extracted, and whether cleanup left the
// VM in a state that needs operator attention.
type VMResult struct {
	VMName          string
	Status          VMResultStatus
	Phase           VMPhase // critical phase that failed, else PhaseReleased once cleanup and release ran
	Error           string
	ErrorKind       string // one of the ErrorKind* constants, empty on success
	Alerts          []Alert
	Events          []Event
	NeedsAttention  bool // VM Health Ledger flag carried forward from Acquire/Cleanup
	SampleDeletedByAgent bool // the agent consumed/removed the sample before execution could be attempted
	DetonatedAt     *time.Time
	CollectionStart *time.Time
	CollectionEnd   *time.Time
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Alert is a detection emitted by a security product's own engine.
type Alert struct {
	AlertID    string
	Timestamp  time.Time
	Severity   string
	Kind       string // e.g. "quarantine", "block", "detect"
	ThreatName string
	FileHint   string
	RawFields  map[string]string // the collector's un-normalized view of the source line, for formats richer than the fields above capture
}

// EventType is the closed set of behavioral event kinds a monitor can emit:
// the 27 named kinds the in-guest event monitor's channel is seeded with,
// plus Other (28 values in all) for anything the monitor reports that doesn't map cleanly.
type EventType string

const (
	EventProcessCreate       EventType = "process_create"
	EventProcessExit         EventType = "process_exit"
	EventRemoteThread        EventType = "remote_thread"
	EventProcessAccess       EventType = "process_access"
	EventProcessTampering    EventType = "process_tampering"
	EventFileCreate          EventType = "file_create"
	EventFileDelete          EventType = "file_delete"
	EventFileStreamCreate    EventType = "file_stream_create"
	EventFileCreateTimeChange EventType = "file_create_time_change"
	EventFileBlockExec       EventType = "file_block_exec"
	EventFileBlockShred      EventType = "file_block_shred"
	EventRegKeyChange        EventType = "reg_key_change"
	EventRegValueSet         EventType = "reg_value_set"
	EventRegRename           EventType = "reg_rename"
	EventNetConnect          EventType = "net_connect"
	EventDNSQuery            EventType = "dns_query"
	EventDriverLoad          EventType = "driver_load"
	EventImageLoad           EventType = "image_load"
	EventRawRead             EventType = "raw_read"
	EventServiceConfigChange EventType = "service_config_change"
	EventPipeCreate          EventType = "pipe_create"
	EventPipeConnect         EventType = "pipe_connect"
	EventWMIFilter           EventType = "wmi_filter"
	EventWMIConsumer         EventType = "wmi_consumer"
	EventWMIBinding          EventType = "wmi_binding"
	EventClipboardChange     EventType = "clipboard_change"
	EventServiceStateChange  EventType = "svc_state_change"
	EventOther               EventType = "other"
)

// Event is a single behavioral observation from a monitoring agent.
type Event struct {
	Timestamp   time.Time
	Type        EventType
	PID         int
	PPID        int
	Image       string
	CommandLine string
	Targets     []string // files, registry keys, hosts, or queries the event acted on, depending on Type
	RawFields   map[string]string
}

// TaskSummary is the aggregated, report-facing view of a Task's VMResults.
type TaskSummary struct {
	Detected         bool
	FirstDetectionAt *time.Time
	AlertCounts      map[string]int // vmName -> alert count
	EventCount       int
}

// VMLease represents exclusive ownership of a VM by one pipeline run.
type VMLease struct {
	VMName         string
	TaskID         uuid.UUID
	AcquiredAt     time.Time
	NeedsAttention bool // the VM Health Ledger flagged this VM at lease time
}

// VMHealthRecord is the persisted health flag for one configured VM,
// surviving process restart. Written by the Cleanup phase on failure and
// cleared on the next successful cleanup; also updated by the periodic
// health sweep when it finds a VM running outside any lease.
type VMHealthRecord struct {
	VMName               string
	NeedsAttention       bool
	LastError            string
	LastCleanupAttemptAt *time.Time
	UpdatedAt            time.Time
}
