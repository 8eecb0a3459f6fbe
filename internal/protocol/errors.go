package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Estate routing/state.
	ErrEstateNotFound = "E_ESTATE_NOT_FOUND"

	// Rule/action layer.
	ErrBadRequest        = "E_BAD_REQUEST"
	ErrPlotLocked        = "E_PLOT_LOCKED"
	ErrPlotOwned         = "E_PLOT_OWNED"
	ErrOutOfRange        = "E_OUT_OF_RANGE"
	ErrUnknownStructure  = "E_UNKNOWN_STRUCTURE"
	ErrNoFunds           = "E_NO_FUNDS"
	ErrFootprint         = "E_FOOTPRINT"
	ErrNotFound          = "E_NOT_FOUND"
	ErrNoTier            = "E_NO_TIER"
	ErrInvalidDefinition = "E_INVALID_DEFINITION"
	ErrConflict          = "E_CONFLICT"
	ErrInternal          = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:   {},
	ErrEstateNotFound:    {},
	ErrBadRequest:        {},
	ErrPlotLocked:        {},
	ErrPlotOwned:         {},
	ErrOutOfRange:        {},
	ErrUnknownStructure:  {},
	ErrNoFunds:           {},
	ErrFootprint:         {},
	ErrNotFound:          {},
	ErrNoTier:            {},
	ErrInvalidDefinition: {},
	ErrConflict:          {},
	ErrInternal:          {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
