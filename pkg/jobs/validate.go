package jobs

import (
	"fmt"
	"strings"

	"github.com/mihaimyh/leadledger/pkg/ledger"
)

// ValidationError lists the filter dimensions a search request is missing.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: missing %s", strings.Join(e.Missing, ", "))
}

// Is reports whether target is ledger.ErrInvalidRequest.
func (e *ValidationError) Is(target error) bool {
	return target == ledger.ErrInvalidRequest
}

// Validate checks that req carries the filters its kind requires.
//
// A business search needs at least one category and at least one city or state.
// A people search needs at least one location, each with a city, a state and
// at least one street.
func Validate(req *SearchRequest) error {
	if req == nil {
		return &ValidationError{Missing: []string{"request"}}
	}

	var missing []string
	switch req.Kind {
	case KindBusiness:
		if len(nonEmpty(req.Categories)) == 0 {
			missing = append(missing, "categories")
		}
		if len(nonEmpty(req.Cities)) == 0 && len(nonEmpty(req.States)) == 0 {
			missing = append(missing, "city_or_state")
		}
	case KindPeople:
		if len(req.Locations) == 0 {
			missing = append(missing, "locations")
		}
		for i, loc := range req.Locations {
			if len(nonEmpty(loc.Streets)) == 0 {
				missing = append(missing, fmt.Sprintf("locations[%d].streets", i))
			}
			if strings.TrimSpace(loc.City) == "" {
				missing = append(missing, fmt.Sprintf("locations[%d].city", i))
			}
			if strings.TrimSpace(loc.State) == "" {
				missing = append(missing, fmt.Sprintf("locations[%d].state", i))
			}
		}
	default:
		missing = append(missing, "kind")
	}

	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}
	return nil
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			out = append(out, s)
		}
	}
	return out
}
