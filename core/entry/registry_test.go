package entry_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/artpar/pkghost/core/entry"
)

func nopControl() entry.Control {
	return entry.ControlFunc(func(ctx context.Context, p *entry.Packet) error { return nil })
}

func nopIO() entry.IO {
	return entry.IOFunc(func(ctx context.Context, p *entry.Packet) error { return nil })
}

// =============================================================================
// Registry Tests
// =============================================================================

func TestRegistry_PublishAndLookup(t *testing.T) {
	reg := entry.NewRegistry()

	if err := reg.Publish("physical", entry.KindControl, nopControl()); err != nil {
		t.Fatalf("Publish(control) error = %v", err)
	}
	if err := reg.Publish("physical", entry.KindIO, nopIO()); err != nil {
		t.Fatalf("Publish(io) error = %v", err)
	}

	if _, err := reg.LookupControl("physical"); err != nil {
		t.Errorf("LookupControl() error = %v", err)
	}
	if _, err := reg.LookupIO("physical"); err != nil {
		t.Errorf("LookupIO() error = %v", err)
	}
	if got := reg.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
}

func TestRegistry_LookupMissing(t *testing.T) {
	reg := entry.NewRegistry()

	_, err := reg.Lookup("esp", entry.KindControl)
	if !errors.Is(err, entry.ErrEntryAbsent) {
		t.Errorf("Lookup() error = %v, want ErrEntryAbsent", err)
	}
}

func TestRegistry_PublishDuplicate(t *testing.T) {
	reg := entry.NewRegistry()

	if err := reg.Publish("sep", entry.KindControl, nopControl()); err != nil {
		t.Fatalf("first Publish() error = %v", err)
	}
	if err := reg.Publish("sep", entry.KindControl, nopControl()); err == nil {
		t.Error("second Publish() should fail for same module and kind")
	}
}

func TestRegistry_PublishWrongKind(t *testing.T) {
	reg := entry.NewRegistry()

	if err := reg.Publish("sep", entry.KindIO, "not an entry"); err == nil {
		t.Error("Publish() should reject a value that is not an IO entry")
	}
	if err := reg.Publish("sep", entry.Kind("bogus"), nopControl()); err == nil {
		t.Error("Publish() should reject an unknown kind")
	}
	if err := reg.Publish("", entry.KindControl, nopControl()); err == nil {
		t.Error("Publish() should reject an empty module name")
	}
}

func TestRegistry_PublishAbsentRejected(t *testing.T) {
	reg := entry.NewRegistry()

	err := reg.Publish("esp", entry.KindControl, entry.Absent("esp", entry.KindControl))
	if !errors.Is(err, entry.ErrEntryAbsent) {
		t.Errorf("Publish(absent) error = %v, want ErrEntryAbsent", err)
	}
}

func TestRegistry_Retract(t *testing.T) {
	reg := entry.NewRegistry()
	_ = reg.Publish("physical", entry.KindControl, nopControl())
	_ = reg.Publish("physical", entry.KindIO, nopIO())
	_ = reg.Publish("sep", entry.KindControl, nopControl())

	reg.Retract("physical")

	if _, err := reg.LookupControl("physical"); !errors.Is(err, entry.ErrEntryAbsent) {
		t.Errorf("LookupControl() after Retract error = %v, want ErrEntryAbsent", err)
	}
	if _, err := reg.LookupIO("physical"); !errors.Is(err, entry.ErrEntryAbsent) {
		t.Errorf("LookupIO() after Retract error = %v, want ErrEntryAbsent", err)
	}
	if _, err := reg.LookupControl("sep"); err != nil {
		t.Errorf("LookupControl(sep) should be unaffected, error = %v", err)
	}

	mods := reg.Modules()
	if len(mods) != 1 || mods[0] != "sep" {
		t.Errorf("Modules() = %v, want [sep]", mods)
	}

	// Retracting again is harmless.
	reg.Retract("physical")
	if got := reg.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
}

func TestRegistry_RepublishAfterRetract(t *testing.T) {
	reg := entry.NewRegistry()
	_ = reg.Publish("neit", entry.KindControl, nopControl())
	reg.Retract("neit")

	if err := reg.Publish("neit", entry.KindControl, nopControl()); err != nil {
		t.Errorf("Publish() after Retract error = %v", err)
	}
}

func TestRegistry_Kinds(t *testing.T) {
	reg := entry.NewRegistry()
	_ = reg.Publish("physical", entry.KindIO, nopIO())
	_ = reg.Publish("physical", entry.KindControl, nopControl())

	kinds := reg.Kinds("physical")
	if len(kinds) != 2 || kinds[0] != entry.KindControl || kinds[1] != entry.KindIO {
		t.Errorf("Kinds() = %v, want [control io]", kinds)
	}
	if got := reg.Kinds("missing"); len(got) != 0 {
		t.Errorf("Kinds(missing) = %v, want empty", got)
	}
}

func TestRegistry_ConcurrentReaders(t *testing.T) {
	reg := entry.NewRegistry()
	_ = reg.Publish("physical", entry.KindControl, nopControl())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = reg.LookupControl("physical")
				_ = reg.Modules()
			}
		}()
	}
	for j := 0; j < 100; j++ {
		reg.Retract("sep")
		_ = reg.Publish("sep", entry.KindControl, nopControl())
	}
	wg.Wait()
}

// =============================================================================
// Kind and Absent Tests
// =============================================================================

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    entry.Kind
		wantErr bool
	}{
		{"control", entry.KindControl, false},
		{"CONTROL", entry.KindControl, false},
		{"io", entry.KindIO, false},
		{"i/o", entry.KindIO, false},
		{"", "", true},
		{"data", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := entry.ParseKind(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseKind(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseKind(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestAbsent(t *testing.T) {
	ctx := context.Background()
	a := entry.Absent("esp", entry.KindControl)

	if err := a.SendControl(ctx, &entry.Packet{}); !errors.Is(err, entry.ErrEntryAbsent) {
		t.Errorf("SendControl() error = %v, want ErrEntryAbsent", err)
	}
	if err := a.SendIO(ctx, &entry.Packet{}); !errors.Is(err, entry.ErrEntryAbsent) {
		t.Errorf("SendIO() error = %v, want ErrEntryAbsent", err)
	}
	if !entry.IsAbsent(a) {
		t.Error("IsAbsent() = false for absent stand-in")
	}
	if !entry.IsAbsent(nil) {
		t.Error("IsAbsent(nil) = false")
	}
	if entry.IsAbsent(nopControl()) {
		t.Error("IsAbsent() = true for a real entry")
	}
}
