package prescription

import (
	"errors"
	"testing"
	"time"
)

func TestDailyExpand(t *testing.T) {
	rule := Daily(MustTimeOfDay("20:00"), MustTimeOfDay("08:00"), MustTimeOfDay("08:00"))

	slots, err := rule.Expand(NewDate(2026, time.March, 10))
	if err != nil {
		t.Fatalf("expand failed: %v", err)
	}

	// Duplicates collapse, order is ascending.
	want := []TimeOfDay{MustTimeOfDay("08:00"), MustTimeOfDay("20:00")}
	if len(slots) != len(want) {
		t.Fatalf("got %d slots, want %d", len(slots), len(want))
	}
	for i := range want {
		if slots[i] != want[i] {
			t.Errorf("slot %d = %s, want %s", i, slots[i], want[i])
		}
	}
}

func TestWeeklyExpandOnlyMatchingDays(t *testing.T) {
	rule := Weekly([]time.Weekday{time.Monday, time.Thursday}, MustTimeOfDay("09:00"))

	// 2026-03-09 is a Monday.
	monday := NewDate(2026, time.March, 9)
	slots, err := rule.Expand(monday)
	if err != nil {
		t.Fatalf("expand failed: %v", err)
	}
	if len(slots) != 1 || slots[0] != MustTimeOfDay("09:00") {
		t.Fatalf("monday slots = %v", slots)
	}

	tuesday := monday.Next()
	slots, err = rule.Expand(tuesday)
	if err != nil {
		t.Fatalf("expand failed: %v", err)
	}
	if len(slots) != 0 {
		t.Fatalf("tuesday slots = %v, want none", slots)
	}
}

func TestIntervalExpandAnchoredAtMidnight(t *testing.T) {
	rule := Interval(8)

	slots, err := rule.Expand(NewDate(2026, time.March, 10))
	if err != nil {
		t.Fatalf("expand failed: %v", err)
	}

	want := []TimeOfDay{MustTimeOfDay("00:00"), MustTimeOfDay("08:00"), MustTimeOfDay("16:00")}
	if len(slots) != len(want) {
		t.Fatalf("got %v, want %v", slots, want)
	}
	for i := range want {
		if slots[i] != want[i] {
			t.Errorf("slot %d = %s, want %s", i, slots[i], want[i])
		}
	}
}

func TestIntervalExpandNonDivisorHours(t *testing.T) {
	rule := Interval(7)

	slots, err := rule.Expand(NewDate(2026, time.March, 10))
	if err != nil {
		t.Fatalf("expand failed: %v", err)
	}
	// 00:00, 07:00, 14:00, 21:00 - the remainder is simply dropped, the next
	// day re-anchors at midnight.
	if len(slots) != 4 {
		t.Fatalf("got %v, want 4 slots", slots)
	}
	if slots[3] != MustTimeOfDay("21:00") {
		t.Errorf("last slot = %s, want 21:00", slots[3])
	}
}

func TestPRNExpandsToNothing(t *testing.T) {
	slots, err := PRN().Expand(NewDate(2026, time.March, 10))
	if err != nil {
		t.Fatalf("expand failed: %v", err)
	}
	if len(slots) != 0 {
		t.Fatalf("PRN produced slots: %v", slots)
	}
}

func TestValidateRejectsMalformedRules(t *testing.T) {
	cases := []struct {
		name string
		rule Rule
	}{
		{"daily without times", Rule{Kind: KindDaily}},
		{"weekly without days", Rule{Kind: KindWeekly, Times: []TimeOfDay{480}}},
		{"weekly without times", Rule{Kind: KindWeekly, Days: []time.Weekday{time.Monday}}},
		{"zero interval", Rule{Kind: KindInterval}},
		{"negative interval", Rule{Kind: KindInterval, IntervalHours: -4}},
		{"unknown kind", Rule{Kind: "fortnightly"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.rule.Validate(); !errors.Is(err, ErrInvalidRecurrence) {
				t.Fatalf("Validate() = %v, want ErrInvalidRecurrence", err)
			}
			if _, err := tc.rule.Expand(NewDate(2026, time.March, 10)); !errors.Is(err, ErrInvalidRecurrence) {
				t.Fatalf("Expand() = %v, want ErrInvalidRecurrence", err)
			}
		})
	}
}

func TestParseRuleLegacyEncoding(t *testing.T) {
	daily, err := ParseRule("daily", "08:00,20:00")
	if err != nil {
		t.Fatalf("parse daily: %v", err)
	}
	if daily.Kind != KindDaily || len(daily.Times) != 2 {
		t.Fatalf("daily = %+v", daily)
	}

	weekly, err := ParseRule("weekly", "1,4|09:00")
	if err != nil {
		t.Fatalf("parse weekly: %v", err)
	}
	if weekly.Kind != KindWeekly {
		t.Fatalf("weekly kind = %s", weekly.Kind)
	}
	if len(weekly.Days) != 2 || weekly.Days[0] != time.Monday || weekly.Days[1] != time.Thursday {
		t.Fatalf("weekly days = %v", weekly.Days)
	}

	interval, err := ParseRule("interval", "6")
	if err != nil {
		t.Fatalf("parse interval: %v", err)
	}
	if interval.IntervalHours != 6 {
		t.Fatalf("interval hours = %d", interval.IntervalHours)
	}

	prn, err := ParseRule("prn", "")
	if err != nil {
		t.Fatalf("parse prn: %v", err)
	}
	if prn.Kind != KindPRN {
		t.Fatalf("prn kind = %s", prn.Kind)
	}
}

func TestParseRuleRejectsMalformedDetail(t *testing.T) {
	cases := []struct {
		kind, detail string
	}{
		{"daily", ""},
		{"daily", "25:00"},
		{"daily", "08:61"},
		{"daily", "eight"},
		{"weekly", "09:00"},       // missing day segment
		{"weekly", "7|09:00"},     // weekday out of range
		{"weekly", "1,2|"},        // no times
		{"interval", "0"},
		{"interval", "-3"},
		{"interval", "six"},
		{"biweekly", "1|09:00"},
	}

	for _, tc := range cases {
		if _, err := ParseRule(tc.kind, tc.detail); !errors.Is(err, ErrInvalidRecurrence) {
			t.Errorf("ParseRule(%q, %q) = %v, want ErrInvalidRecurrence", tc.kind, tc.detail, err)
		}
	}
}

func TestEncodeDetailRoundTrip(t *testing.T) {
	rules := []Rule{
		Daily(MustTimeOfDay("08:00"), MustTimeOfDay("20:00")),
		Weekly([]time.Weekday{time.Monday, time.Thursday}, MustTimeOfDay("09:00")),
		Interval(8),
	}

	for _, r := range rules {
		parsed, err := ParseRule(string(r.Kind), r.EncodeDetail())
		if err != nil {
			t.Fatalf("round trip %s: %v", r.Kind, err)
		}
		slots, _ := parsed.Expand(NewDate(2026, time.March, 9)) // a Monday
		orig, _ := r.Expand(NewDate(2026, time.March, 9))
		if len(slots) != len(orig) {
			t.Errorf("%s: round-tripped rule expands to %v, original %v", r.Kind, slots, orig)
		}
	}
}

func TestPrescriptionActiveWindow(t *testing.T) {
	until := NewDate(2026, time.March, 20)
	p := &Prescription{
		Name:        "Lisinopril 10mg",
		Recurrence:  Daily(MustTimeOfDay("08:00")),
		ActiveFrom:  NewDate(2026, time.March, 10),
		ActiveUntil: &until,
	}

	if p.ActiveOn(NewDate(2026, time.March, 9)) {
		t.Error("active before ActiveFrom")
	}
	if !p.ActiveOn(NewDate(2026, time.March, 10)) {
		t.Error("not active on ActiveFrom")
	}
	if !p.ActiveOn(until) {
		t.Error("not active on ActiveUntil (inclusive)")
	}
	if p.ActiveOn(NewDate(2026, time.March, 21)) {
		t.Error("active after ActiveUntil")
	}

	now := time.Now()
	p.CancelledAt = &now
	if p.ActiveOn(NewDate(2026, time.March, 15)) {
		t.Error("cancelled prescription reported active")
	}
}

func TestClampWindow(t *testing.T) {
	until := NewDate(2026, time.March, 12)
	p := &Prescription{
		ActiveFrom:  NewDate(2026, time.March, 10),
		ActiveUntil: &until,
	}

	from, to, ok := p.ClampWindow(NewDate(2026, time.March, 8), NewDate(2026, time.March, 15))
	if !ok {
		t.Fatal("expected non-empty window")
	}
	if from != p.ActiveFrom || to != until {
		t.Fatalf("clamped to [%s, %s]", from, to)
	}

	if _, _, ok := p.ClampWindow(NewDate(2026, time.March, 13), NewDate(2026, time.March, 15)); ok {
		t.Fatal("expected empty window past ActiveUntil")
	}
}
