package allowance

import (
	"testing"
	"time"
)

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func ptr(s string) *time.Time {
	t := at(s)
	return &t
}

func TestAddMonth(t *testing.T) {
	cases := []struct{ in, want string }{
		{"2024-01-15T10:30:00Z", "2024-02-15T10:30:00Z"},
		{"2024-01-31T00:00:00Z", "2024-02-29T00:00:00Z"},
		{"2023-01-31T00:00:00Z", "2023-02-28T00:00:00Z"},
		{"2024-03-31T00:00:00Z", "2024-04-30T00:00:00Z"},
		{"2024-12-31T23:59:59Z", "2025-01-31T23:59:59Z"},
		{"2024-02-29T00:00:00Z", "2024-03-29T00:00:00Z"},
	}
	for _, tc := range cases {
		if got := AddMonth(at(tc.in)); !got.Equal(at(tc.want)) {
			t.Errorf("AddMonth(%s) = %s, want %s", tc.in, got.Format(time.RFC3339), tc.want)
		}
	}
}

func TestAddMonthNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	in := time.Date(2024, 2, 1, 1, 0, 0, 0, loc) // Jan 31 23:00 UTC
	if got := AddMonth(in); !got.Equal(at("2024-02-29T23:00:00Z")) {
		t.Fatalf("got %s", got.Format(time.RFC3339))
	}
}

func TestCurrent_NoWindow(t *testing.T) {
	now := at("2024-01-10T00:00:00Z")
	cases := map[string][2]*time.Time{
		"missing start": {nil, ptr("2024-02-01T00:00:00Z")},
		"missing end":   {ptr("2024-01-01T00:00:00Z"), nil},
		"equal":         {ptr("2024-01-01T00:00:00Z"), ptr("2024-01-01T00:00:00Z")},
		"inverted":      {ptr("2024-02-01T00:00:00Z"), ptr("2024-01-01T00:00:00Z")},
	}
	for name, c := range cases {
		if _, ok := Current(c[0], c[1], now); ok {
			t.Errorf("%s: expected no window", name)
		}
		if w := Tile(c[0], c[1]); w != nil {
			t.Errorf("%s: expected no tiles, got %v", name, w)
		}
	}
}

func TestCurrent_MonthlyPeriod(t *testing.T) {
	start, end := ptr("2024-01-01T00:00:00Z"), ptr("2024-02-01T00:00:00Z")
	w, ok := Current(start, end, at("2024-01-20T12:00:00Z"))
	if !ok {
		t.Fatal("expected window")
	}
	if !w.Start.Equal(*start) || !w.End.Equal(*end) {
		t.Fatalf("expected whole period, got %v", w)
	}
}

func TestCurrent_AnnualPeriod(t *testing.T) {
	start, end := ptr("2024-03-15T09:00:00Z"), ptr("2025-03-15T09:00:00Z")
	w, _ := Current(start, end, at("2024-08-20T00:00:00Z"))
	if !w.Start.Equal(at("2024-08-15T09:00:00Z")) || !w.End.Equal(at("2024-09-15T09:00:00Z")) {
		t.Fatalf("unexpected window %v", w)
	}

	// Reference exactly on an anchor starts the new window.
	w, _ = Current(start, end, at("2024-09-15T09:00:00Z"))
	if !w.Start.Equal(at("2024-09-15T09:00:00Z")) {
		t.Fatalf("expected window starting at the anchor, got %v", w)
	}
}

func TestCurrent_LeapYearClamp(t *testing.T) {
	start, end := ptr("2024-01-31T00:00:00Z"), ptr("2024-04-30T00:00:00Z")

	w, _ := Current(start, end, at("2024-02-15T00:00:00Z"))
	if !w.Start.Equal(*start) || !w.End.Equal(at("2024-02-29T00:00:00Z")) {
		t.Fatalf("expected [Jan 31, Feb 29), got %v", w)
	}

	w, _ = Current(start, end, at("2024-03-01T00:00:00Z"))
	if !w.Start.Equal(at("2024-02-29T00:00:00Z")) || !w.End.Equal(at("2024-03-29T00:00:00Z")) {
		t.Fatalf("expected [Feb 29, Mar 29), got %v", w)
	}

	w, _ = Current(start, end, at("2024-04-10T00:00:00Z"))
	if !w.Start.Equal(at("2024-03-29T00:00:00Z")) || !w.End.Equal(at("2024-04-29T00:00:00Z")) {
		t.Fatalf("expected [Mar 29, Apr 29), got %v", w)
	}

	// Last sliver is cut at the period end.
	w, _ = Current(start, end, at("2024-04-29T12:00:00Z"))
	if !w.Start.Equal(at("2024-04-29T00:00:00Z")) || !w.End.Equal(*end) {
		t.Fatalf("expected [Apr 29, Apr 30), got %v", w)
	}
}

func TestCurrent_ClampsReference(t *testing.T) {
	start, end := ptr("2024-01-01T00:00:00Z"), ptr("2024-04-01T00:00:00Z")

	before, _ := Current(start, end, at("2023-06-01T00:00:00Z"))
	if !before.Start.Equal(*start) {
		t.Fatalf("reference before period must map to the first window, got %v", before)
	}

	for _, ref := range []string{"2024-04-01T00:00:00Z", "2030-01-01T00:00:00Z"} {
		w, _ := Current(start, end, at(ref))
		if !w.Start.Equal(at("2024-03-01T00:00:00Z")) || !w.End.Equal(*end) {
			t.Fatalf("reference %s must map to the last window, got %v", ref, w)
		}
	}
}

func TestCurrent_ShortPeriod(t *testing.T) {
	start, end := ptr("2024-01-01T00:00:00Z"), ptr("2024-01-08T00:00:00Z")
	w, _ := Current(start, end, at("2024-01-05T00:00:00Z"))
	if !w.Start.Equal(*start) || !w.End.Equal(*end) {
		t.Fatalf("expected window cut at period end, got %v", w)
	}
}

func TestCurrent_WindowBoundsProperty(t *testing.T) {
	periods := [][2]string{
		{"2024-01-31T00:00:00Z", "2024-04-30T00:00:00Z"},
		{"2023-05-31T08:00:00Z", "2024-05-31T08:00:00Z"},
		{"2024-02-29T00:00:00Z", "2025-02-28T00:00:00Z"},
		{"2024-06-10T00:00:00Z", "2024-06-11T00:00:00Z"},
	}
	for _, p := range periods {
		start, end := ptr(p[0]), ptr(p[1])
		for ref := start.Add(-48 * time.Hour); ref.Before(end.Add(48 * time.Hour)); ref = ref.Add(13 * time.Hour) {
			w, ok := Current(start, end, ref)
			if !ok {
				t.Fatalf("%v: expected window at %s", p, ref)
			}
			if w.Start.Before(*start) || !w.Start.Before(w.End) || w.End.After(*end) {
				t.Fatalf("%v: window %v escapes period", p, w)
			}
			if w.End.After(AddMonth(w.Start)) {
				t.Fatalf("%v: window %v longer than one month", p, w)
			}
			if !ref.Before(*start) && ref.Before(*end) && !w.Contains(ref) {
				t.Fatalf("%v: window %v does not contain %s", p, w, ref)
			}
		}
	}
}

func TestTilingBySuccessiveCalls(t *testing.T) {
	start, end := ptr("2024-01-31T00:00:00Z"), ptr("2025-01-31T00:00:00Z")

	var walked []Window
	ref := *start
	for ref.Before(*end) {
		w, ok := Current(start, end, ref)
		if !ok {
			t.Fatal("expected window")
		}
		walked = append(walked, w)
		ref = w.End
	}

	tiles := Tile(start, end)
	if len(tiles) != len(walked) {
		t.Fatalf("Tile returned %d windows, walk produced %d", len(tiles), len(walked))
	}
	if !tiles[0].Start.Equal(*start) || !tiles[len(tiles)-1].End.Equal(*end) {
		t.Fatalf("tiling does not cover the period: %v", tiles)
	}
	for i := range tiles {
		if !tiles[i].Start.Equal(walked[i].Start) || !tiles[i].End.Equal(walked[i].End) {
			t.Fatalf("window %d: Tile %v, walk %v", i, tiles[i], walked[i])
		}
		if i > 0 && !tiles[i].Start.Equal(tiles[i-1].End) {
			t.Fatalf("gap or overlap between %v and %v", tiles[i-1], tiles[i])
		}
	}
}
