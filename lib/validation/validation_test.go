package validation

import (
	"errors"
	"strings"
	"testing"
	"time"

	apperrors "github.com/go-i2p/tunlock/lib/errors"
)

const testKey = "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8="

func TestRequired(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"valid string", "test", false},
		{"empty string", "", true},
		{"whitespace only", "   ", true},
		{"tab only", "\t", true},
		{"valid with spaces", " test ", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Required("name", tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("Required() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrRequired) {
				t.Errorf("Required() error should wrap ErrRequired")
			}
		})
	}
}

func TestSentinelsWrapInvalidInput(t *testing.T) {
	for _, err := range []error{ErrRequired, ErrTooLong, ErrInvalidFormat, ErrOutOfRange, ErrInvalidDuration} {
		if !errors.Is(err, apperrors.ErrInvalidInput) {
			t.Errorf("%v does not wrap ErrInvalidInput", err)
		}
	}
	err := MTU("mtu", 9000)
	if !apperrors.IsInvalidInput(err) {
		t.Errorf("MTU error %v is not classified as a validation error", err)
	}
}

func TestMaxLength(t *testing.T) {
	if err := MaxLength("f", "héllo", 5); err != nil {
		t.Errorf("MaxLength counted bytes instead of runes: %v", err)
	}
	if err := MaxLength("f", "hello!", 5); !errors.Is(err, ErrTooLong) {
		t.Errorf("MaxLength() = %v, want ErrTooLong", err)
	}
}

func TestIntRange(t *testing.T) {
	tests := []struct {
		value   int
		wantErr bool
	}{
		{1, false}, {10, false}, {0, true}, {11, true},
	}
	for _, tt := range tests {
		err := IntRange("n", tt.value, 1, 10)
		if (err != nil) != tt.wantErr {
			t.Errorf("IntRange(%d) error = %v, wantErr %v", tt.value, err, tt.wantErr)
		}
	}
}

func TestDurationRange(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    time.Duration
		wantErr error
	}{
		{"empty means default", "", 0, nil},
		{"in range", "30s", 30 * time.Second, nil},
		{"too short", "10ms", 0, ErrOutOfRange},
		{"too long", "2h", 0, ErrOutOfRange},
		{"negative", "-5s", 0, ErrOutOfRange},
		{"garbage", "soon", 0, ErrInvalidDuration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DurationRange("d", tt.value, time.Second, time.Hour)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("DurationRange() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("DurationRange() = %v, %v; want %v", got, err, tt.want)
			}
		})
	}
}

func TestHostPort(t *testing.T) {
	tests := []struct {
		value   string
		wantErr bool
	}{
		{"127.0.0.1:7656", false},
		{":9090", false},
		{"[::1]:9090", false},
		{"localhost:8080", false},
		{"localhost", true},
		{"127.0.0.1:0", true},
		{"127.0.0.1:70000", true},
		{"", true},
	}
	for _, tt := range tests {
		err := HostPort("addr", tt.value)
		if (err != nil) != tt.wantErr {
			t.Errorf("HostPort(%q) error = %v, wantErr %v", tt.value, err, tt.wantErr)
		}
	}
}

func TestWireGuardKey(t *testing.T) {
	key, err := WireGuardKey("k", testKey)
	if err != nil {
		t.Fatalf("WireGuardKey() error = %v", err)
	}
	if key.String() != testKey {
		t.Errorf("key round trip = %q", key.String())
	}
	if _, err := WireGuardKey("k", "not-a-key"); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("WireGuardKey(garbage) = %v, want ErrInvalidFormat", err)
	}
	if _, err := WireGuardKey("k", ""); !errors.Is(err, ErrRequired) {
		t.Errorf("WireGuardKey(empty) = %v, want ErrRequired", err)
	}
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		value   string
		wantErr error
	}{
		{"198.51.100.7:51820", nil},
		{"[2001:db8::7]:51820", nil},
		{"vpn.example.com:51820", ErrInvalidFormat},
		{"198.51.100.7", ErrInvalidFormat},
		{"198.51.100.7:0", ErrOutOfRange},
		{"", ErrRequired},
	}
	for _, tt := range tests {
		_, err := Endpoint("endpoint", tt.value)
		if tt.wantErr == nil && err != nil {
			t.Errorf("Endpoint(%q) error = %v", tt.value, err)
		}
		if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
			t.Errorf("Endpoint(%q) error = %v, want %v", tt.value, err, tt.wantErr)
		}
	}
}

func TestPrefixes(t *testing.T) {
	got, err := Prefixes("addresses", []string{"10.64.0.2/32", "fc00:bbbb::2/128"})
	if err != nil || len(got) != 2 {
		t.Fatalf("Prefixes() = %v, %v", got, err)
	}
	if _, err := Prefixes("addresses", nil); !errors.Is(err, ErrRequired) {
		t.Errorf("Prefixes(nil) = %v, want ErrRequired", err)
	}
	_, err = Prefixes("addresses", []string{"10.64.0.2/32", "10.64.0.300/32"})
	var res *Result
	if !errors.As(err, &res) || res.Field != "addresses[1]" {
		t.Errorf("Prefixes(bad) = %v, want field addresses[1]", err)
	}
	many := make([]string, MaxAddresses+1)
	for i := range many {
		many[i] = "10.0.0.1/32"
	}
	if _, err := Prefixes("addresses", many); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Prefixes(too many) = %v, want ErrOutOfRange", err)
	}
}

func TestAddrs(t *testing.T) {
	got, err := Addrs("dns", nil)
	if err != nil || got != nil {
		t.Errorf("Addrs(nil) = %v, %v", got, err)
	}
	if _, err := Addrs("dns", []string{"10.64.0.1", "dns.example"}); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("Addrs(host name) = %v, want ErrInvalidFormat", err)
	}
}

func TestMTU(t *testing.T) {
	for _, v := range []int{0, MinMTU, 1420, MaxMTU} {
		if err := MTU("mtu", v); err != nil {
			t.Errorf("MTU(%d) = %v", v, err)
		}
	}
	for _, v := range []int{576, MaxMTU + 1} {
		if err := MTU("mtu", v); err == nil {
			t.Errorf("MTU(%d) accepted", v)
		}
	}
}

func TestI2PDestination(t *testing.T) {
	b32 := strings.Repeat("a", 52) + ".b32.i2p"
	if err := I2PDestination("d", b32); err != nil {
		t.Errorf("I2PDestination(b32) = %v", err)
	}
	if err := I2PDestination("d", strings.Repeat("A", 516)); err != nil {
		t.Errorf("I2PDestination(base64) = %v", err)
	}
	if err := I2PDestination("d", "example.com"); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("I2PDestination(dns name) = %v", err)
	}
	if err := I2PDestination("d", strings.Repeat("A", MaxI2PDestinationLength+1)); !errors.Is(err, ErrTooLong) {
		t.Errorf("I2PDestination(huge) = %v", err)
	}
}

func TestPIDs(t *testing.T) {
	if err := PIDs("pids", nil); err != nil {
		t.Errorf("PIDs(nil) = %v", err)
	}
	if err := PIDs("pids", []int{1, 4242}); err != nil {
		t.Errorf("PIDs(valid) = %v", err)
	}
	if err := PIDs("pids", []int{12, 0}); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("PIDs(zero) = %v", err)
	}
}

func TestAll(t *testing.T) {
	calls := 0
	err := All(
		func() error { calls++; return nil },
		func() error { calls++; return Required("a", "") },
		func() error { calls++; return nil },
	)
	if !errors.Is(err, ErrRequired) {
		t.Errorf("All() = %v, want ErrRequired", err)
	}
	if calls != 2 {
		t.Errorf("All() ran %d validators, want 2", calls)
	}
}

func TestErrors(t *testing.T) {
	var errs Errors
	errs.Add(nil)
	if errs.HasErrors() || errs.First() != nil || errs.Error() != "" {
		t.Fatal("empty Errors reports errors")
	}
	errs.Add(Required("a", ""))
	if errs.Error() != "a: is required" {
		t.Errorf("single Error() = %q", errs.Error())
	}
	errs.Add(MTU("mtu", 1))
	if !strings.HasPrefix(errs.Error(), "multiple validation errors: ") {
		t.Errorf("multi Error() = %q", errs.Error())
	}
	if !errors.Is(errs.First(), ErrRequired) {
		t.Errorf("First() = %v", errs.First())
	}
}

func TestResult(t *testing.T) {
	r := NewResult("", "bad", ErrInvalidFormat)
	if r.Error() != "bad" {
		t.Errorf("Error() without field = %q", r.Error())
	}
	if !errors.Is(r, ErrInvalidFormat) {
		t.Error("Result does not unwrap to its sentinel")
	}
}
