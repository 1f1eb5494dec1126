package safezone

import "errors"

var (
	// ErrPathRestricted is returned when a path is outside every safe zone or
	// matches a restricted pattern. Callers must treat it as terminal.
	ErrPathRestricted = errors.New("safezone: path restricted")
	// ErrCommandBlocked is returned when a command is not allow-listed or an
	// argument matches an unsafe pattern.
	ErrCommandBlocked = errors.New("safezone: command blocked")
)
