package installer

import "fmt"

type IssueCode int

const (
	// Fatal: the boot partition is missing or unwritable; nothing was
	// mutated.
	PartitionUnavailable IssueCode = iota + 1
	// Fatal: the configured host architecture has no loader; no
	// output was produced.
	UnsupportedArchitecture
	// Fatal: staging failed before the configuration swap; the live
	// configuration is untouched, staged files may remain as orphans.
	InstallIncomplete
	// Non-fatal: the firmware tool failed; the partition is already
	// correctly configured.
	FirmwareWriteFailed
	// Non-fatal, per generation: stale artifacts could not be
	// removed.
	PruneFailed
	// Non-fatal: two instances claimed the same generation number;
	// the lower-priority one was dropped.
	DuplicateGeneration
	// Non-fatal: the partition could not be flushed after pruning.
	// The configuration is published; at worst swept files resurface
	// as orphans after a crash and are swept again on the next run.
	FlushFailed
)

func (c IssueCode) String() string {
	switch c {
	case PartitionUnavailable:
		return "PartitionUnavailable"
	case UnsupportedArchitecture:
		return "UnsupportedArchitecture"
	case InstallIncomplete:
		return "InstallIncomplete"
	case FirmwareWriteFailed:
		return "FirmwareWriteFailed"
	case PruneFailed:
		return "PruneFailed"
	case DuplicateGeneration:
		return "DuplicateGeneration"
	case FlushFailed:
		return "FlushFailed"
	default:
		return fmt.Sprintf("IssueCode(%d)", int(c))
	}
}

// Issue is one classified problem of a run. Fatal codes are returned as
// the run's error; non-fatal ones are collected in the report.
type Issue struct {
	Code   IssueCode
	Reason string
}

func (i *Issue) Error() string {
	return fmt.Sprintf("%s: %s", i.Code, i.Reason)
}

func newIssue(code IssueCode, format string, args ...interface{}) *Issue {
	return &Issue{Code: code, Reason: fmt.Sprintf(format, args...)}
}
