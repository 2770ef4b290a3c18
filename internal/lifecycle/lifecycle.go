// Package lifecycle defines the job status state machine.
//
// Valid status graph:
//
//	needs_printer ──► claimed ──► printing_in_progress ──► completed_printing
//	      ▲              │                                        │
//	      └──────────────┘ (unclaim)                              ▼
//	                                     fulfilled_awaiting_confirmation ──► finished
//
// Every non-terminal status may also move to cancelled. finished and
// cancelled are terminal.
package lifecycle

import "fmt"

// Status values are persisted verbatim; other collaborators match on these
// exact strings, so they must not be renamed.
type Status string

const (
	StatusNeedsPrinter       Status = "needs_printer"
	StatusClaimed            Status = "claimed"
	StatusPrintingInProgress Status = "printing_in_progress"
	StatusCompletedPrinting  Status = "completed_printing"
	StatusAwaitingConfirm    Status = "fulfilled_awaiting_confirmation"
	StatusFinished           Status = "finished"
	StatusCancelled          Status = "cancelled"
)

// validTransitions lists every allowed (from → to) pair. Cancellation is
// handled separately since it is reachable from any non-terminal status.
var validTransitions = map[Status][]Status{
	StatusNeedsPrinter:       {StatusClaimed},
	StatusClaimed:            {StatusPrintingInProgress, StatusNeedsPrinter},
	StatusPrintingInProgress: {StatusCompletedPrinting},
	StatusCompletedPrinting:  {StatusAwaitingConfirm},
	StatusAwaitingConfirm:    {StatusFinished},
	// finished and cancelled are terminal — no outgoing transitions
}

// All returns every status in lifecycle order.
func All() []Status {
	return []Status{
		StatusNeedsPrinter,
		StatusClaimed,
		StatusPrintingInProgress,
		StatusCompletedPrinting,
		StatusAwaitingConfirm,
		StatusFinished,
		StatusCancelled,
	}
}

// Active lists the statuses that count against the one-job-in-flight limit
// for a printer.
func Active() []Status {
	return []Status{StatusClaimed, StatusPrintingInProgress, StatusCompletedPrinting}
}

// Parse converts a raw string to a Status, returning an error for unknown
// values.
func Parse(s string) (Status, error) {
	st := Status(s)
	switch st {
	case StatusNeedsPrinter, StatusClaimed, StatusPrintingInProgress,
		StatusCompletedPrinting, StatusAwaitingConfirm, StatusFinished, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// IsTerminal reports whether no further transitions are permitted.
func IsTerminal(s Status) bool {
	return s == StatusFinished || s == StatusCancelled
}

// CanTransition reports whether moving from → to is permitted by the state
// machine.
func CanTransition(from, to Status) bool {
	if to == StatusCancelled {
		return !IsTerminal(from)
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Role identifies which party may trigger a transition.
type Role int

const (
	// RoleCandidate is any printer attempting to claim an unassigned job.
	RoleCandidate Role = iota
	// RoleAssignedPrinter is the printer currently assigned to the job.
	RoleAssignedPrinter
	// RoleCreator is the user who submitted the job.
	RoleCreator
	// RoleParticipant is either the creator or the assigned printer.
	RoleParticipant
)

// AuthorizedRole returns the role required to execute from → to. The second
// return is false when the pair is not a legal transition at all.
func AuthorizedRole(from, to Status) (Role, bool) {
	if !CanTransition(from, to) {
		return 0, false
	}
	switch {
	case to == StatusCancelled:
		return RoleParticipant, true
	case from == StatusNeedsPrinter && to == StatusClaimed:
		return RoleCandidate, true
	case to == StatusFinished:
		return RoleCreator, true
	default:
		// unclaim and every printing-side advance belong to the assigned printer
		return RoleAssignedPrinter, true
	}
}
