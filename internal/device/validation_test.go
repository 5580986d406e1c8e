package device

import (
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/teleop-core/internal/capability"
)

func moveCap() capability.Capability {
	return capability.Capability{
		ID:       "move",
		Name:     "Move",
		Category: capability.CategoryMovement,
		Parameters: []capability.Parameter{
			{Name: "x", Type: capability.TypeNumber, Required: true},
		},
		CostPerExecution: 0.01,
		ExecutionTimeMs:  1000,
	}
}

func testInfo(owner string) DeviceInfo {
	return DeviceInfo{
		Name:         "Bench Arm",
		Type:         DeviceTypeRobotArm,
		Owner:        owner,
		Capabilities: []capability.Capability{moveCap()},
		Connection:   ConnectionInfo{Protocol: ProtocolHTTP, Endpoint: "http://arm.test/cmd"},
		Pricing:      Pricing{BaseRate: 0.1, Currency: CurrencySOL, BillingModel: BillingPerAction},
	}
}

func testRegistration(owner string) Registration {
	return Registration{DeviceInfo: testInfo(owner), OwnerSignature: "sig-" + owner}
}

func TestValidateRegistration(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Registration)
		want   []string
	}{
		{
			name:   "valid registration",
			mutate: func(*Registration) {},
			want:   nil,
		},
		{
			name: "negative base rate, empty owner and no capabilities are all reported",
			mutate: func(r *Registration) {
				r.DeviceInfo.Pricing.BaseRate = -1
				r.DeviceInfo.Owner = ""
				r.DeviceInfo.Capabilities = nil
			},
			want: []string{
				"device owner is required",
				"at least one capability is required",
				"base rate cannot be negative",
			},
		},
		{
			name: "missing endpoint and unknown protocol",
			mutate: func(r *Registration) {
				r.DeviceInfo.Connection = ConnectionInfo{Protocol: "serial"}
			},
			want: []string{
				"connection endpoint is required",
				`connection protocol "serial" is not recognised`,
			},
		},
		{
			name: "capability errors are included",
			mutate: func(r *Registration) {
				r.DeviceInfo.Capabilities[0].CostPerExecution = -1
			},
			want: []string{"move: capability cost cannot be negative"},
		},
		{
			name: "blank name and missing signature",
			mutate: func(r *Registration) {
				r.DeviceInfo.Name = "  "
				r.OwnerSignature = ""
			},
			want: []string{"device name is required", "owner signature is required"},
		},
		{
			name: "unknown currency and negative overage",
			mutate: func(r *Registration) {
				r.DeviceInfo.Pricing.Currency = "EUR"
				r.DeviceInfo.Pricing.OverageRate = -0.5
			},
			want: []string{
				"overage rate cannot be negative",
				`currency "EUR" is not recognised`,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := testRegistration("alice")
			tt.mutate(&reg)
			got := ValidateRegistration(reg)
			if len(got) != len(tt.want) {
				t.Fatalf("ValidateRegistration() = %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("violation[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestValidateDeviceInfoNameLength(t *testing.T) {
	info := testInfo("alice")
	info.Name = strings.Repeat("a", maxNameLength+1)
	got := ValidateDeviceInfo(info)
	if len(got) != 1 || !strings.Contains(got[0], "exceeds") {
		t.Errorf("ValidateDeviceInfo() = %v, want name length violation", got)
	}
}

func TestValidateStatus(t *testing.T) {
	for _, s := range AllStatuses() {
		if err := ValidateStatus(s); err != nil {
			t.Errorf("ValidateStatus(%q) = %v, want nil", s, err)
		}
	}
	if err := ValidateStatus("sleeping"); err == nil {
		t.Error("ValidateStatus(sleeping) = nil, want error")
	}
}

func TestPricingCommandCost(t *testing.T) {
	c := moveCap() // 0.01 per execution, 1000ms budget

	tests := []struct {
		name     string
		pricing  Pricing
		measured time.Duration
		want     float64
	}{
		{"within budget", Pricing{}, 500 * time.Millisecond, 0.01},
		{"exactly on budget", Pricing{}, time.Second, 0.01},
		{"overage uses default rate", Pricing{}, 3 * time.Second, 0.01 + 2*0.001},
		{"overage uses device rate", Pricing{OverageRate: 0.5}, 1500 * time.Millisecond, 0.01 + 0.25},
		{"capability rate overrides cost", Pricing{CapabilityRates: map[string]float64{"move": 0.2}}, 0, 0.2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.pricing.CommandCost(c, tt.measured, 0.001)
			if diff := got - tt.want; diff > 1e-12 || diff < -1e-12 {
				t.Errorf("CommandCost() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPricingUsageCharge(t *testing.T) {
	tests := []struct {
		name    string
		pricing Pricing
		elapsed time.Duration
		want    float64
	}{
		{"per minute", Pricing{BaseRate: 0.6, BillingModel: BillingPerMinute}, 5 * time.Minute, 3},
		{"per minute pro rata", Pricing{BaseRate: 0.6, BillingModel: BillingPerMinute}, 90 * time.Second, 0.9},
		{"per minute zero time", Pricing{BaseRate: 0.6, BillingModel: BillingPerMinute}, 0, 0},
		{"per action", Pricing{BaseRate: 0.6, BillingModel: BillingPerAction}, time.Hour, 0},
		{"subscription", Pricing{BaseRate: 0.6, BillingModel: BillingSubscription}, time.Hour, 0},
		{"model unset", Pricing{BaseRate: 0.6}, time.Hour, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.pricing.UsageCharge(tt.elapsed)
			if diff := got - tt.want; diff > 1e-12 || diff < -1e-12 {
				t.Errorf("UsageCharge(%v) = %v, want %v", tt.elapsed, got, tt.want)
			}
		})
	}
}

func TestDeviceRedacted(t *testing.T) {
	d := &Device{Connection: ConnectionInfo{Credentials: &Credentials{Username: "u", Password: "p", APIKey: "k"}}}
	r := d.Redacted()
	if r.Connection.Credentials.Password != "" || r.Connection.Credentials.APIKey != "" {
		t.Error("Redacted() kept secrets")
	}
	if d.Connection.Credentials.APIKey != "k" {
		t.Error("Redacted() modified the original")
	}
}
