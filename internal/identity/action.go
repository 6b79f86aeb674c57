package identity

import "fmt"

// Action is one of the four per-menu permission bits.
type Action int

const (
	ActionView Action = iota
	ActionCreate
	ActionEdit
	ActionDelete
)

// ParseAction maps the wire name of an action to its enum value.
func ParseAction(s string) (Action, error) {
	switch s {
	case "view":
		return ActionView, nil
	case "create":
		return ActionCreate, nil
	case "edit":
		return ActionEdit, nil
	case "delete":
		return ActionDelete, nil
	}
	return 0, fmt.Errorf("unknown permission action %q", s)
}

func (a Action) String() string {
	switch a {
	case ActionView:
		return "view"
	case ActionCreate:
		return "create"
	case ActionEdit:
		return "edit"
	case ActionDelete:
		return "delete"
	}
	return "unknown"
}
