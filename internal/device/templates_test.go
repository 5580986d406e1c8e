package device

import (
	"errors"
	"testing"

	"github.com/nerrad567/teleop-core/internal/capability"
)

func TestDefaultTemplates(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())

	list := r.ListTemplates()
	if len(list) != 2 {
		t.Fatalf("ListTemplates() = %d, want 2 defaults", len(list))
	}

	arm, err := r.GetTemplateByType(DeviceTypeRobotArm)
	if err != nil {
		t.Fatalf("GetTemplateByType(robot_arm) error = %v", err)
	}
	move, ok := capability.Find(arm.DefaultCapabilities, "move_to_position")
	if !ok || move.CostPerExecution != 0.01 || move.ExecutionTimeMs != 3000 {
		t.Errorf("move_to_position = %+v", move)
	}
	if arm.DefaultPricing.Currency != CurrencySOL || arm.DefaultPricing.BillingModel != BillingPerAction {
		t.Errorf("arm pricing = %+v", arm.DefaultPricing)
	}

	if _, err := r.GetTemplateByType(DeviceTypeSensorArray); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("GetTemplateByType(sensor_array) error = %v, want ErrTemplateNotFound", err)
	}
}

func TestCreateFromTemplate(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())
	arm, _ := r.GetTemplateByType(DeviceTypeRobotArm)

	override := capability.Capability{ID: "grip_object", Name: "Soft Grip", CostPerExecution: 0.001, ExecutionTimeMs: 800}
	extra := capability.Capability{ID: "wave", Name: "Wave", CostPerExecution: 0, ExecutionTimeMs: 200}
	base := 0.3

	reg, err := r.CreateFromTemplate(arm.ID, Customization{
		Name:           "Lab Arm",
		Owner:          "alice",
		Connection:     ConnectionInfo{Protocol: ProtocolWebSocket, Endpoint: "ws://arm.test"},
		Capabilities:   []capability.Capability{override, extra},
		Pricing:        &PricingOverride{BaseRate: &base, Currency: CurrencyUSDC},
		OwnerSignature: "sig",
	})
	if err != nil {
		t.Fatalf("CreateFromTemplate() error = %v", err)
	}

	info := reg.DeviceInfo
	if info.Type != DeviceTypeRobotArm {
		t.Errorf("Type = %q, want robot_arm", info.Type)
	}
	wantIDs := []string{"move_to_position", "grip_object", "wave"}
	if len(info.Capabilities) != len(wantIDs) {
		t.Fatalf("capabilities = %d, want %d", len(info.Capabilities), len(wantIDs))
	}
	for i, id := range wantIDs {
		if info.Capabilities[i].ID != id {
			t.Errorf("capabilities[%d] = %q, want %q", i, info.Capabilities[i].ID, id)
		}
	}
	if info.Capabilities[1].Name != "Soft Grip" {
		t.Errorf("override not applied: %q", info.Capabilities[1].Name)
	}
	if info.Pricing.BaseRate != 0.3 || info.Pricing.Currency != CurrencyUSDC || info.Pricing.BillingModel != BillingPerAction {
		t.Errorf("pricing = %+v, want base 0.3 USDC per_action", info.Pricing)
	}

	if _, err := r.Submit(reg); err != nil {
		t.Errorf("Submit(template registration) error = %v", err)
	}

	t.Run("unknown template", func(t *testing.T) {
		if _, err := r.CreateFromTemplate("tpl-missing", Customization{}); !errors.Is(err, ErrTemplateNotFound) {
			t.Errorf("error = %v, want ErrTemplateNotFound", err)
		}
	})
}

func TestCreateTemplateValidation(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())
	_, err := r.CreateTemplate(Template{DeviceType: "toaster", DefaultPricing: Pricing{Currency: CurrencySOL}})
	var verr *ValidationError
	if !errors.As(err, &verr) || len(verr.Violations) != 2 {
		t.Errorf("CreateTemplate() error = %v, want 2 violations", err)
	}
}
