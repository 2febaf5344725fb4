package wire

import "testing"

func TestMarshalUnmarshal_RoundTrip(t *testing.T) {
	cases := []struct {
		name string
		env  *Envelope
	}{
		{"ping", &Envelope{RequestID: 1, Kind: KindPing}},
		{"open_buffer", &Envelope{RequestID: 2, DeadlineMillis: 1234, Kind: KindOpenBuffer, OpenBuffer: &OpenBufferReq{Path: "/tmp/x.go"}}},
		{"save_buffer", &Envelope{RequestID: 3, Kind: KindSaveBuffer, SaveBuffer: &SaveBufferReq{ID: "abc", Contents: []byte{0, 1, 2, 255}}}},
		{"search", &Envelope{RequestID: 4, Kind: KindSearch, Search: &SearchReq{Root: "/src", Pattern: "TODO", MaxResults: 10}}},
		{"cancel", &Envelope{RequestID: 5, Kind: KindCancel, Cancel: &CancelReq{TargetID: 4}}},
		{"search_results", &Envelope{RequestID: 6, Kind: KindSearchResults, SearchResults: &SearchResultsResp{
			Items:     []SearchResult{{Path: "/src/a.go", Line: 10, Text: "// TODO: fix"}},
			Truncated: true,
		}}},
		{"stats", &Envelope{RequestID: 7, Kind: KindStats, Stats: &StatsResp{Cancels: 1, Deadlines: 2, Backpressure: 3, InFlight: 4}}},
		{"error", NewError(8, ErrPermissionDenied, "outside root")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := Marshal(tc.env)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			got, err := Unmarshal(b)
			if err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if got.RequestID != tc.env.RequestID || got.Kind != tc.env.Kind || got.DeadlineMillis != tc.env.DeadlineMillis {
				t.Fatalf("round trip mismatch: got %+v, want %+v", got, tc.env)
			}
		})
	}
}

func TestNewError_SetsClosedErrorKind(t *testing.T) {
	env := NewError(42, ErrBackpressure, "too busy")
	if env.Kind != KindError {
		t.Fatalf("Kind = %v, want KindError", env.Kind)
	}
	if env.Error == nil || env.Error.ErrKind != ErrBackpressure || env.Error.Message != "too busy" {
		t.Fatalf("Error = %+v, want {Backpressure, \"too busy\"}", env.Error)
	}
	if env.RequestID != 42 {
		t.Fatalf("RequestID = %d, want 42", env.RequestID)
	}
}

func TestNewPong_CarriesRequestID(t *testing.T) {
	env := NewPong(7)
	if env.Kind != KindPong || env.RequestID != 7 {
		t.Fatalf("NewPong(7) = %+v, want {Kind: Pong, RequestID: 7}", env)
	}
}

func TestKindString_CoversEveryDeclaredKind(t *testing.T) {
	kinds := []Kind{
		KindPing, KindOpenBuffer, KindSaveBuffer, KindCloseBuffer, KindSearch, KindCancel, KindGetStats,
		KindPong, KindBufferOpened, KindBufferSaved, KindBufferClosed, KindSearchResults, KindStats, KindError,
	}
	seen := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		s := k.String()
		if s == "" {
			t.Fatalf("Kind(%d).String() is empty", k)
		}
		if seen[s] {
			t.Fatalf("duplicate Kind string %q", s)
		}
		seen[s] = true
	}
}

func TestErrorKindString_CoversEveryDeclaredKind(t *testing.T) {
	kinds := []ErrorKind{
		ErrInvalidArgument, ErrNotFound, ErrPermissionDenied, ErrCancelled,
		ErrDeadline, ErrBackpressure, ErrTransport, ErrInternal,
	}
	seen := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		s := k.String()
		if s == "" {
			t.Fatalf("ErrorKind(%d).String() is empty", k)
		}
		if seen[s] {
			t.Fatalf("duplicate ErrorKind string %q", s)
		}
		seen[s] = true
	}
}

func TestUnmarshal_RejectsGarbage(t *testing.T) {
	if _, err := Unmarshal([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Fatal("Unmarshal(garbage) = nil error, want decode failure")
	}
}
