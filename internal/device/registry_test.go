package device

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/nerrad567/teleop-core/internal/capability"
	"github.com/nerrad567/teleop-core/internal/events"
)

// recorder captures every event published on a bus.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) names() []events.Name {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Name, len(r.events))
	for i, e := range r.events {
		out[i] = e.Name
	}
	return out
}

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *recorder) {
	t.Helper()
	bus := events.NewBus()
	rec := &recorder{}
	bus.SubscribeAll(rec.handle)
	return NewRegistry(cfg, bus), rec
}

func approvedDevice(t *testing.T, r *Registry, owner string) string {
	t.Helper()
	regID, err := r.Submit(testRegistration(owner))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	id, err := r.Approve(regID, "reviewer")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	return id
}

func TestRegistrySubmit(t *testing.T) {
	t.Run("leaves registration under review", func(t *testing.T) {
		r, rec := newTestRegistry(t, DefaultConfig())
		id, err := r.Submit(testRegistration("alice"))
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		p, err := r.GetRegistration(id)
		if err != nil {
			t.Fatalf("GetRegistration() error = %v", err)
		}
		if p.Status != RegistrationUnderReview {
			t.Errorf("Status = %q, want %q", p.Status, RegistrationUnderReview)
		}
		if r.GetDeviceCount() != 0 {
			t.Errorf("GetDeviceCount() = %d, want 0", r.GetDeviceCount())
		}
		if got := rec.names(); len(got) != 1 || got[0] != events.RegistrationSubmitted {
			t.Errorf("events = %v, want [registrationSubmitted]", got)
		}
	})

	t.Run("returns ValidationError with all violations", func(t *testing.T) {
		r, rec := newTestRegistry(t, DefaultConfig())
		reg := testRegistration("")
		reg.DeviceInfo.Pricing.BaseRate = -1
		reg.DeviceInfo.Capabilities = nil

		_, err := r.Submit(reg)
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("Submit() error = %v, want ErrValidation", err)
		}
		var verr *ValidationError
		if !errors.As(err, &verr) || len(verr.Violations) != 3 {
			t.Errorf("violations = %v, want 3", verr)
		}
		if len(r.ListRegistrations("")) != 0 {
			t.Error("invalid registration was recorded")
		}
		if len(rec.names()) != 0 {
			t.Errorf("events = %v, want none", rec.names())
		}
	})

	t.Run("auto approval creates the device", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.AutoApproval = true
		r, rec := newTestRegistry(t, cfg)

		id, err := r.Submit(testRegistration("alice"))
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		p, _ := r.GetRegistration(id)
		if p.Status != RegistrationApproved || p.Reviewer != "system" || p.DeviceID == "" {
			t.Errorf("registration = %+v, want approved by system with device id", p)
		}
		want := []events.Name{events.RegistrationSubmitted, events.RegistrationApproved, events.DeviceRegistered}
		got := rec.names()
		if len(got) != len(want) {
			t.Fatalf("events = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("events[%d] = %q, want %q", i, got[i], want[i])
			}
		}
	})

	t.Run("enforces per-owner limit across devices and open registrations", func(t *testing.T) {
		r, _ := newTestRegistry(t, Config{MaxDevicesPerOwner: 2})
		approvedDevice(t, r, "alice")
		if _, err := r.Submit(testRegistration("alice")); err != nil {
			t.Fatalf("second Submit() error = %v", err)
		}
		_, err := r.Submit(testRegistration("alice"))
		if !errors.Is(err, ErrLimitExceeded) {
			t.Errorf("third Submit() error = %v, want ErrLimitExceeded", err)
		}
		if _, err := r.Submit(testRegistration("bob")); err != nil {
			t.Errorf("other owner Submit() error = %v", err)
		}
	})

	t.Run("rejected registrations free the owner's slot", func(t *testing.T) {
		r, _ := newTestRegistry(t, Config{MaxDevicesPerOwner: 1})
		id, _ := r.Submit(testRegistration("alice"))
		if err := r.Reject(id, "rev", "blurry photos"); err != nil {
			t.Fatalf("Reject() error = %v", err)
		}
		if _, err := r.Submit(testRegistration("alice")); err != nil {
			t.Errorf("Submit() after reject error = %v", err)
		}
	})
}

func TestRegistryApprove(t *testing.T) {
	r, rec := newTestRegistry(t, DefaultConfig())
	regID, _ := r.Submit(testRegistration("alice"))

	devID, err := r.Approve(regID, "ops")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	dev, err := r.GetDevice(devID)
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if dev.Status != StatusOffline {
		t.Errorf("Status = %q, want offline", dev.Status)
	}
	if dev.TrustScore != 50 {
		t.Errorf("TrustScore = %d, want 50", dev.TrustScore)
	}
	if dev.VerificationStatus != VerificationPending {
		t.Errorf("VerificationStatus = %q, want pending", dev.VerificationStatus)
	}
	if dev.Owner != "alice" || len(dev.Capabilities) != 1 {
		t.Errorf("device = %+v, want alice's device with 1 capability", dev)
	}

	names := rec.names()
	if names[len(names)-1] != events.DeviceRegistered {
		t.Errorf("last event = %q, want deviceRegistered", names[len(names)-1])
	}

	t.Run("approving twice is an invalid state", func(t *testing.T) {
		_, err := r.Approve(regID, "ops")
		if !errors.Is(err, ErrInvalidState) {
			t.Errorf("Approve() error = %v, want ErrInvalidState", err)
		}
	})

	t.Run("unknown registration", func(t *testing.T) {
		_, err := r.Approve("reg-missing", "ops")
		if !errors.Is(err, ErrRegistrationNotFound) {
			t.Errorf("Approve() error = %v, want ErrRegistrationNotFound", err)
		}
	})
}

func TestRegistryReject(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())
	regID, _ := r.Submit(testRegistration("alice"))

	if err := r.Reject(regID, "ops", "no safety cert"); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	p, _ := r.GetRegistration(regID)
	if p.Status != RegistrationRejected || p.ReviewNotes != "no safety cert" {
		t.Errorf("registration = %+v, want rejected with notes", p)
	}

	t.Run("approving a rejected registration fails", func(t *testing.T) {
		_, err := r.Approve(regID, "ops")
		if !errors.Is(err, ErrInvalidState) {
			t.Errorf("Approve() error = %v, want ErrInvalidState", err)
		}
	})

	t.Run("rejecting twice fails", func(t *testing.T) {
		if err := r.Reject(regID, "ops", "again"); !errors.Is(err, ErrInvalidState) {
			t.Errorf("Reject() error = %v, want ErrInvalidState", err)
		}
	})
}

func TestRegistryVerify(t *testing.T) {
	t.Run("pass raises trust and appends certificate", func(t *testing.T) {
		r, _ := newTestRegistry(t, DefaultConfig())
		id := approvedDevice(t, r, "alice")

		res, err := r.Verify(id, VerificationData{
			SecurityToken: "tok",
			Certificate:   &Certification{ID: "c1", Name: "ISO 10218", Status: CertificationActive},
		})
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if !res.Success || len(res.Checks) != 3 {
			t.Errorf("result = %+v, want success with 3 checks", res)
		}
		dev, _ := r.GetDevice(id)
		if dev.VerificationStatus != VerificationVerified || dev.TrustScore != 70 {
			t.Errorf("device = %s/%d, want verified/70", dev.VerificationStatus, dev.TrustScore)
		}
		if len(dev.Certifications) != 1 {
			t.Errorf("Certifications = %d, want 1", len(dev.Certifications))
		}
	})

	t.Run("trust is clamped to 100", func(t *testing.T) {
		r, _ := newTestRegistry(t, DefaultConfig())
		id := approvedDevice(t, r, "alice")
		for i := 0; i < 5; i++ {
			if _, err := r.Verify(id, VerificationData{SecurityToken: "tok"}); err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
		}
		dev, _ := r.GetDevice(id)
		if dev.TrustScore != 100 {
			t.Errorf("TrustScore = %d, want 100", dev.TrustScore)
		}
	})

	t.Run("failure lowers trust and clamps at 0", func(t *testing.T) {
		r, _ := newTestRegistry(t, DefaultConfig())
		id := approvedDevice(t, r, "alice")

		res, _ := r.Verify(id, VerificationData{})
		if res.Success {
			t.Error("Verify() without token succeeded")
		}
		dev, _ := r.GetDevice(id)
		if dev.VerificationStatus != VerificationRejected || dev.TrustScore != 40 {
			t.Errorf("device = %s/%d, want rejected/40", dev.VerificationStatus, dev.TrustScore)
		}
		for i := 0; i < 10; i++ {
			_, _ = r.Verify(id, VerificationData{})
		}
		dev, _ = r.GetDevice(id)
		if dev.TrustScore != 0 {
			t.Errorf("TrustScore = %d, want 0", dev.TrustScore)
		}
	})

	t.Run("certification check when required", func(t *testing.T) {
		r, _ := newTestRegistry(t, Config{RequireCertification: true})
		id := approvedDevice(t, r, "alice")
		res, _ := r.Verify(id, VerificationData{SecurityToken: "tok"})
		if res.Success || len(res.Checks) != 4 {
			t.Errorf("result = %+v, want failure with 4 checks", res)
		}
	})

	t.Run("unknown device", func(t *testing.T) {
		r, _ := newTestRegistry(t, DefaultConfig())
		if _, err := r.Verify("nope", VerificationData{}); !errors.Is(err, ErrDeviceNotFound) {
			t.Errorf("Verify() error = %v, want ErrDeviceNotFound", err)
		}
	})
}

func TestRegistryUpdate(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())
	id := approvedDevice(t, r, "alice")

	t.Run("applies partial fields", func(t *testing.T) {
		name := "Renamed Arm"
		grip := capability.Capability{ID: "grip", Name: "Grip", CostPerExecution: 0.005, ExecutionTimeMs: 500}
		dev, err := r.Update(id, DeviceUpdate{
			Name:         &name,
			Capabilities: []capability.Capability{moveCap(), grip},
		})
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if dev.Name != name || len(dev.Capabilities) != 2 {
			t.Errorf("device = %q with %d caps, want %q with 2", dev.Name, len(dev.Capabilities), name)
		}
		if dev.Status != StatusOffline {
			t.Errorf("Status = %q, update must not change status", dev.Status)
		}
	})

	t.Run("invalid capabilities leave device untouched", func(t *testing.T) {
		before, _ := r.GetDevice(id)
		bad := moveCap()
		bad.ExecutionTimeMs = 0
		name := "Should Not Apply"
		_, err := r.Update(id, DeviceUpdate{Name: &name, Capabilities: []capability.Capability{bad}})
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("Update() error = %v, want ErrValidation", err)
		}
		after, _ := r.GetDevice(id)
		if after.Name != before.Name || len(after.Capabilities) != len(before.Capabilities) {
			t.Error("failed Update() partially applied changes")
		}
	})

	t.Run("unknown device", func(t *testing.T) {
		if _, err := r.Update("nope", DeviceUpdate{}); !errors.Is(err, ErrDeviceNotFound) {
			t.Errorf("Update() error = %v, want ErrDeviceNotFound", err)
		}
	})
}

func TestRegistryRemove(t *testing.T) {
	r, rec := newTestRegistry(t, DefaultConfig())
	id := approvedDevice(t, r, "alice")

	if err := r.Remove(id, "decommissioned"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := r.GetDevice(id); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetDevice() after Remove error = %v, want ErrDeviceNotFound", err)
	}
	if len(r.ListDevices(Filter{})) != 0 {
		t.Error("removed device still listed")
	}
	tomb, err := r.GetRetired(id)
	if err != nil || tomb.Reason != "decommissioned" {
		t.Errorf("GetRetired() = %+v, %v", tomb, err)
	}
	if err := r.RecordSession(id, 0.5); err != nil {
		t.Errorf("RecordSession() on retired device error = %v", err)
	}
	if names := rec.names(); names[len(names)-1] != events.DeviceRemoved {
		t.Errorf("last event = %q, want deviceRemoved", names[len(names)-1])
	}
	if err := r.Remove(id, "again"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("second Remove() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRegistryQueries(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())
	a1 := approvedDevice(t, r, "alice")
	approvedDevice(t, r, "alice")
	b1 := approvedDevice(t, r, "bob")

	if _, err := r.SetStatus(a1, StatusOnline); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	if _, err := r.Verify(b1, VerificationData{SecurityToken: "t"}); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if got := len(r.GetDevicesByOwner("alice")); got != 2 {
		t.Errorf("GetDevicesByOwner(alice) = %d, want 2", got)
	}
	if got := len(r.GetDevicesByType(DeviceTypeRobotArm)); got != 3 {
		t.Errorf("GetDevicesByType(robot_arm) = %d, want 3", got)
	}
	if got := r.GetDevicesByStatus(StatusOnline); len(got) != 1 || got[0].ID != a1 {
		t.Errorf("GetDevicesByStatus(online) = %v, want [%s]", got, a1)
	}

	minTrust := 60
	if got := r.ListDevices(Filter{MinTrustScore: &minTrust}); len(got) != 1 || got[0].ID != b1 {
		t.Errorf("ListDevices(min trust 60) = %d devices, want bob's", len(got))
	}
	if got := r.ListDevices(Filter{Owner: "alice", Status: StatusOffline}); len(got) != 1 {
		t.Errorf("ListDevices(alice, offline) = %d, want 1", len(got))
	}

	t.Run("returned devices are copies", func(t *testing.T) {
		d, _ := r.GetDevice(a1)
		d.Capabilities[0].Name = "mutated"
		d.Status = StatusError
		again, _ := r.GetDevice(a1)
		if again.Capabilities[0].Name == "mutated" || again.Status == StatusError {
			t.Error("GetDevice() returned a shared reference")
		}
	})
}

func TestRegistrySetStatus(t *testing.T) {
	r, rec := newTestRegistry(t, DefaultConfig())
	id := approvedDevice(t, r, "alice")
	before := len(rec.names())

	prev, err := r.SetStatus(id, StatusOnline)
	if err != nil || prev != StatusOffline {
		t.Fatalf("SetStatus() = %q, %v; want offline, nil", prev, err)
	}
	if _, err := r.SetStatus(id, StatusOnline); err != nil {
		t.Fatalf("SetStatus() repeat error = %v", err)
	}
	if got := len(rec.names()) - before; got != 1 {
		t.Errorf("status events = %d, want 1 (no event for unchanged status)", got)
	}
	if _, err := r.SetStatus(id, "sleeping"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("SetStatus(sleeping) error = %v, want ErrInvalidStatus", err)
	}
}

func TestRegistryStats(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())
	a := approvedDevice(t, r, "alice")
	approvedDevice(t, r, "bob")
	pendingID, _ := r.Submit(testRegistration("carol"))
	_ = pendingID

	if _, err := r.Verify(a, VerificationData{SecurityToken: "t"}); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if err := r.RecordSession(a, 1.25); err != nil {
		t.Fatalf("RecordSession() error = %v", err)
	}

	s := r.GetStats()
	if s.TotalDevices != 2 {
		t.Errorf("TotalDevices = %d, want 2", s.TotalDevices)
	}
	if s.ByVerification[VerificationVerified] != 1 || s.ByVerification[VerificationPending] != 1 {
		t.Errorf("ByVerification = %v", s.ByVerification)
	}
	if s.Registrations[RegistrationApproved] != 2 || s.Registrations[RegistrationUnderReview] != 1 {
		t.Errorf("Registrations = %v", s.Registrations)
	}
	if s.AverageTrustScore != 60 {
		t.Errorf("AverageTrustScore = %v, want 60", s.AverageTrustScore)
	}
	if s.TotalRevenue != 1.25 {
		t.Errorf("TotalRevenue = %v, want 1.25", s.TotalRevenue)
	}
}

func TestRegistryConcurrentReadsAndWrites(t *testing.T) {
	r, _ := newTestRegistry(t, Config{MaxDevicesPerOwner: 1000})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			regID, err := r.Submit(testRegistration(fmt.Sprintf("owner-%d", i%3)))
			if err != nil {
				t.Errorf("Submit() error = %v", err)
				return
			}
			if _, err := r.Approve(regID, "ops"); err != nil {
				t.Errorf("Approve() error = %v", err)
			}
		}(i)
		go func() {
			defer wg.Done()
			for _, d := range r.ListDevices(Filter{}) {
				if d.ID == "" || d.Owner == "" {
					t.Error("observed half-initialised device")
				}
			}
		}()
	}
	wg.Wait()

	if n := r.GetDeviceCount(); n != 20 {
		t.Errorf("GetDeviceCount() = %d, want 20", n)
	}
}
