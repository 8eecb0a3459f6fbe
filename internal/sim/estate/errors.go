package estate

import (
	"errors"
	"fmt"
)

// Code is the stable identifier of a rejection reason.
type Code string

const (
	CodePlotLocked         Code = "PLOT_LOCKED"
	CodeUnknownStructure   Code = "UNKNOWN_STRUCTURE"
	CodeInsufficientFunds  Code = "INSUFFICIENT_FUNDS"
	CodeFootprintExceeded  Code = "FOOTPRINT_EXCEEDED"
	CodeInstanceNotFound   Code = "INSTANCE_NOT_FOUND"
	CodePlotAlreadyOwned   Code = "PLOT_ALREADY_OWNED"
	CodeNoFurtherTier      Code = "NO_FURTHER_TIER_AVAILABLE"
	CodePlotOutOfRange     Code = "PLOT_OUT_OF_RANGE"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeCatalogBaseProtect Code = "CATALOG_BASE_PROTECTED"
	CodeInvalidDefinition  Code = "INVALID_DEFINITION"
)

var (
	ErrPlotLocked         = errors.New("plot is locked")
	ErrUnknownStructure   = errors.New("unknown structure")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrFootprintExceeded  = errors.New("footprint exceeded")
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrPlotAlreadyOwned   = errors.New("plot already owned")
	ErrNoFurtherTier      = errors.New("no further tier available")
	ErrPlotOutOfRange     = errors.New("plot index out of range")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrCatalogBaseProtect = errors.New("base catalog definitions cannot be removed")
	ErrInvalidDefinition  = errors.New("invalid structure definition")
)

var sentinels = map[Code]error{
	CodePlotLocked:         ErrPlotLocked,
	CodeUnknownStructure:   ErrUnknownStructure,
	CodeInsufficientFunds:  ErrInsufficientFunds,
	CodeFootprintExceeded:  ErrFootprintExceeded,
	CodeInstanceNotFound:   ErrInstanceNotFound,
	CodePlotAlreadyOwned:   ErrPlotAlreadyOwned,
	CodeNoFurtherTier:      ErrNoFurtherTier,
	CodePlotOutOfRange:     ErrPlotOutOfRange,
	CodeInvalidArgument:    ErrInvalidArgument,
	CodeCatalogBaseProtect: ErrCatalogBaseProtect,
	CodeInvalidDefinition:  ErrInvalidDefinition,
}

// PlacementError rejects a build or rename.
type PlacementError struct {
	Code        Code
	PlotIndex   int
	StructureID string
	Need        int64
	Have        int64
}

func (e *PlacementError) Error() string {
	switch e.Code {
	case CodeInsufficientFunds:
		return fmt.Sprintf("build %s on plot %d: %s (need %d, have %d)", e.StructureID, e.PlotIndex, sentinels[e.Code], e.Need, e.Have)
	case CodeFootprintExceeded:
		return fmt.Sprintf("build %s on plot %d: %s (need %d, free %d)", e.StructureID, e.PlotIndex, sentinels[e.Code], e.Need, e.Have)
	}
	if e.StructureID != "" {
		return fmt.Sprintf("build %s on plot %d: %s", e.StructureID, e.PlotIndex, sentinels[e.Code])
	}
	return fmt.Sprintf("plot %d: %s", e.PlotIndex, sentinels[e.Code])
}

func (e *PlacementError) Unwrap() error { return sentinels[e.Code] }

// DemolitionError rejects a demolish.
type DemolitionError struct {
	Code      Code
	PlotIndex int
	RuntimeID string
}

func (e *DemolitionError) Error() string {
	return fmt.Sprintf("demolish %s on plot %d: %s", e.RuntimeID, e.PlotIndex, sentinels[e.Code])
}

func (e *DemolitionError) Unwrap() error { return sentinels[e.Code] }

// GridError rejects a purchase or expansion.
type GridError struct {
	Code      Code
	PlotIndex int
	Size      int
	Need      int64
	Have      int64
}

func (e *GridError) Error() string {
	switch e.Code {
	case CodeInsufficientFunds:
		return fmt.Sprintf("grid: %s (need %d, have %d)", sentinels[e.Code], e.Need, e.Have)
	case CodeNoFurtherTier:
		return fmt.Sprintf("grid: %s beyond size %d", sentinels[e.Code], e.Size)
	}
	return fmt.Sprintf("grid: plot %d: %s", e.PlotIndex, sentinels[e.Code])
}

func (e *GridError) Unwrap() error { return sentinels[e.Code] }

// CatalogError rejects a developer catalog edit.
type CatalogError struct {
	Code        Code
	StructureID string
	Err         error
}

func (e *CatalogError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("catalog %s: %v", e.StructureID, e.Err)
	}
	return fmt.Sprintf("catalog %s: %s", e.StructureID, sentinels[e.Code])
}

func (e *CatalogError) Unwrap() []error {
	if e.Err != nil {
		return []error{sentinels[e.Code], e.Err}
	}
	return []error{sentinels[e.Code]}
}

// ArgumentError rejects a malformed request value.
type ArgumentError struct {
	Field  string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ArgumentError) Unwrap() error { return ErrInvalidArgument }

// CodeOf extracts the rejection code from any estate error.
func CodeOf(err error) (Code, bool) {
	var pe *PlacementError
	if errors.As(err, &pe) {
		return pe.Code, true
	}
	var de *DemolitionError
	if errors.As(err, &de) {
		return de.Code, true
	}
	var ge *GridError
	if errors.As(err, &ge) {
		return ge.Code, true
	}
	var ce *CatalogError
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	var ae *ArgumentError
	if errors.As(err, &ae) {
		return CodeInvalidArgument, true
	}
	return "", false
}
