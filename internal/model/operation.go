package model

import "fmt"

// OpLocation identifies which side of the sync pair an operation targets.
type OpLocation string

const (
	// LocationInternal targets the CRM store.
	LocationInternal OpLocation = "internal"
	// LocationExternal targets the remote provider.
	LocationExternal OpLocation = "external"
)

// OpAction identifies the mutation an operation performs.
type OpAction string

const (
	ActionCreate OpAction = "create"
	ActionUpdate OpAction = "update"
	ActionDelete OpAction = "delete"
)

// Operation is a single planned mutation produced by the reconciler. It is
// immutable once constructed; the engine builds a fresh operation list on
// every run.
type Operation struct {
	// UserID is the CRM user the operation acts on behalf of.
	UserID string

	// AccountID is the calendar account the operation belongs to.
	AccountID string

	// SubjectID identifies the record being acted on: for creates it is the
	// source event's id, for updates and deletes the target side's id.
	SubjectID string

	// Location is the side being mutated.
	Location OpLocation

	// Action is the mutation kind.
	Action OpAction

	// Payload carries the event data to write. Required for create and
	// update, absent for delete.
	Payload *Event
}

// NewOperation validates and constructs an Operation. Create and update
// require a payload; delete must not carry one.
func NewOperation(userID, accountID, subjectID string, loc OpLocation, action OpAction, payload *Event) (Operation, error) {
	switch action {
	case ActionCreate, ActionUpdate:
		if payload == nil {
			return Operation{}, fmt.Errorf("%s operation for %q requires a payload", action, subjectID)
		}
	case ActionDelete:
		if payload != nil {
			return Operation{}, fmt.Errorf("delete operation for %q must not carry a payload", subjectID)
		}
	default:
		return Operation{}, fmt.Errorf("unknown operation action %q", action)
	}
	switch loc {
	case LocationInternal, LocationExternal:
	default:
		return Operation{}, fmt.Errorf("unknown operation location %q", loc)
	}

	return Operation{
		UserID:    userID,
		AccountID: accountID,
		SubjectID: subjectID,
		Location:  loc,
		Action:    action,
		Payload:   payload,
	}, nil
}
