package jobs

import (
	"errors"
	"reflect"
	"testing"

	"github.com/mihaimyh/leadledger/pkg/ledger"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		req         *SearchRequest
		wantMissing []string
	}{
		{
			name: "business with category and state",
			req:  &SearchRequest{Kind: KindBusiness, Categories: []string{"dentists"}, States: []string{"TX"}},
		},
		{
			name:        "business without filters",
			req:         &SearchRequest{Kind: KindBusiness},
			wantMissing: []string{"categories", "city_or_state"},
		},
		{
			name:        "business with blank category",
			req:         &SearchRequest{Kind: KindBusiness, Categories: []string{"  "}, Cities: []string{"Austin"}},
			wantMissing: []string{"categories"},
		},
		{
			name: "people with full location",
			req: &SearchRequest{Kind: KindPeople, Locations: []PeopleLocation{
				{Streets: []string{"Main St"}, City: "Austin", State: "TX"},
			}},
		},
		{
			name:        "people without locations",
			req:         &SearchRequest{Kind: KindPeople},
			wantMissing: []string{"locations"},
		},
		{
			name: "people with incomplete second location",
			req: &SearchRequest{Kind: KindPeople, Locations: []PeopleLocation{
				{Streets: []string{"Main St"}, City: "Austin", State: "TX"},
				{Streets: []string{"Elm St"}, State: "TX"},
			}},
			wantMissing: []string{"locations[1].city"},
		},
		{
			name:        "unknown kind",
			req:         &SearchRequest{Kind: "vehicles"},
			wantMissing: []string{"kind"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.req)
			if tt.wantMissing == nil {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}

			if !errors.Is(err, ledger.ErrInvalidRequest) {
				t.Fatalf("Expected ErrInvalidRequest, got %v", err)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Expected *ValidationError, got %T", err)
			}
			if !reflect.DeepEqual(verr.Missing, tt.wantMissing) {
				t.Errorf("Missing = %v, want %v", verr.Missing, tt.wantMissing)
			}
		})
	}
}

func TestKindUsageSource(t *testing.T) {
	if KindBusiness.UsageSource() != ledger.UsageSourceBusinessJob {
		t.Errorf("business kind should map to business_job")
	}
	if KindPeople.UsageSource() != ledger.UsageSourcePeopleJob {
		t.Errorf("people kind should map to people_job")
	}
}
