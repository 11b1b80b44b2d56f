package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carelinx/medtrack/internal/domain/dose"
	"github.com/carelinx/medtrack/internal/domain/prescription"
	"github.com/carelinx/medtrack/internal/notify"
)

// In-memory store fakes mirroring the Postgres semantics: slot uniqueness on
// (prescription, scheduled time), guarded version check on Record, guarded
// escalation advance.

type memPrescriptions struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*prescription.Prescription
}

func newMemPrescriptions() *memPrescriptions {
	return &memPrescriptions{byID: make(map[uuid.UUID]*prescription.Prescription)}
}

func (m *memPrescriptions) Create(_ context.Context, p *prescription.Prescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.byID[p.ID] = &cp
	return nil
}

func (m *memPrescriptions) Get(_ context.Context, id uuid.UUID) (*prescription.Prescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, prescription.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memPrescriptions) ListForRecipient(_ context.Context, recipientID uuid.UUID) ([]*prescription.Prescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*prescription.Prescription
	for _, p := range m.byID {
		if p.CareRecipientID == recipientID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memPrescriptions) ListActiveOn(_ context.Context, d prescription.Date) ([]*prescription.Prescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*prescription.Prescription
	for _, p := range m.byID {
		if p.ActiveOn(d) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memDoses struct {
	mu            sync.Mutex
	byID          map[uuid.UUID]*dose.Instance
	slots         map[string]uuid.UUID
	events        []*dose.AdministrationEvent
	prescriptions *memPrescriptions
}

func newMemDoses(ps *memPrescriptions) *memDoses {
	return &memDoses{
		byID:          make(map[uuid.UUID]*dose.Instance),
		slots:         make(map[string]uuid.UUID),
		prescriptions: ps,
	}
}

func slotKey(prescriptionID uuid.UUID, at time.Time) string {
	return fmt.Sprintf("%s|%d", prescriptionID, at.UnixNano())
}

func (m *memDoses) InsertIfAbsent(_ context.Context, inst *dose.Instance) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := slotKey(inst.PrescriptionID, inst.ScheduledTime)
	if _, exists := m.slots[key]; exists {
		return false, nil
	}
	cp := *inst
	m.byID[inst.ID] = &cp
	m.slots[key] = inst.ID
	return true, nil
}

func (m *memDoses) Get(_ context.Context, id uuid.UUID) (*dose.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.byID[id]
	if !ok {
		return nil, dose.ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (m *memDoses) FindBySlot(_ context.Context, prescriptionID uuid.UUID, at time.Time) (*dose.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.slots[slotKey(prescriptionID, at)]
	if !ok {
		return nil, dose.ErrNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *memDoses) ListForRecipientBetween(_ context.Context, recipientID uuid.UUID, from, to time.Time) ([]*dose.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*dose.Instance
	for _, inst := range m.byID {
		if inst.CareRecipientID != recipientID {
			continue
		}
		if inst.ScheduledTime.Before(from) || !inst.ScheduledTime.Before(to) {
			continue
		}
		cp := *inst
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memDoses) ListUnresolvedBefore(_ context.Context, before time.Time) ([]*dose.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*dose.Instance
	for _, inst := range m.byID {
		if inst.State == dose.StateScheduled && !inst.ScheduledTime.After(before) {
			cp := *inst
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memDoses) Record(_ context.Context, inst *dose.Instance, expectedVersion int, ev *dose.AdministrationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.byID[inst.ID]
	if !ok {
		return dose.ErrNotFound
	}
	if stored.Version != expectedVersion || stored.State != dose.StateScheduled {
		return dose.ErrConcurrentModification
	}
	cp := *inst
	m.byID[inst.ID] = &cp
	m.events = append(m.events, ev)
	return nil
}

func (m *memDoses) AppendEvent(_ context.Context, ev *dose.AdministrationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memDoses) AdvanceEscalation(_ context.Context, id uuid.UUID, level int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.byID[id]
	if !ok {
		return false, dose.ErrNotFound
	}
	if inst.State != dose.StateScheduled || inst.EscalationLevel >= level {
		return false, nil
	}
	inst.EscalationLevel = level
	return true, nil
}

func (m *memDoses) CancelPrescription(_ context.Context, prescriptionID uuid.UUID, asOf time.Time) ([]uuid.UUID, error) {
	m.prescriptions.mu.Lock()
	if p, ok := m.prescriptions.byID[prescriptionID]; ok {
		t := asOf
		p.CancelledAt = &t
	}
	m.prescriptions.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	var cancelled []uuid.UUID
	for _, inst := range m.byID {
		if inst.PrescriptionID == prescriptionID && inst.State == dose.StateScheduled && inst.ScheduledTime.After(asOf) {
			inst.State = dose.StateCancelled
			cancelled = append(cancelled, inst.ID)
		}
	}
	return cancelled, nil
}

func (m *memDoses) stateOf(id uuid.UUID) dose.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id].State
}

func (m *memDoses) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

type memNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (m *memNotifier) Notify(_ context.Context, n notify.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
	return nil
}

func (m *memNotifier) all() []notify.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notify.Notification(nil), m.sent...)
}

// stepClock is a settable clock for walking a scenario through time.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}
