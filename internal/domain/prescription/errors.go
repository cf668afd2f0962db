package prescription

import "errors"

// Failures are reported in these classes so callers can tell an export
// failure from a save or deletion failure.
var (
	ErrValidation = errors.New("validation failed")
	ErrExport     = errors.New("export failed")
	ErrSave       = errors.New("save failed")
	ErrDeletion   = errors.New("deletion failed")
	ErrNotFound   = errors.New("not found")

	// ErrDuplicatePrescription is returned when a folio already exists. It is
	// always wrapped in ErrSave.
	ErrDuplicatePrescription = errors.New("duplicate prescription id")
)
