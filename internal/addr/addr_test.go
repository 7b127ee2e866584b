package addr

import (
	"errors"
	"math/big"
	"testing"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		ip   string
		want string
	}{
		{"0.0.0.0", "0"},
		{"0.0.0.1", "1"},
		{"1.2.3.4", "16909060"},
		{"255.255.255.255", "4294967295"},
		{"::ffff:1.2.3.4", "16909060"},
		{"::", "4294967296"},
		{"::1", "4294967297"},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			k, err := Encode(tt.ip)
			if err != nil {
				t.Fatalf("Encode(%q): %v", tt.ip, err)
			}
			if got := k.String(); got != tt.want {
				t.Errorf("Encode(%q) = %s, want %s", tt.ip, got, tt.want)
			}
			if got := k.Int().String(); got != tt.want {
				t.Errorf("Encode(%q).Int() = %s, want %s", tt.ip, got, tt.want)
			}
		})
	}
}

func TestEncodeIPv6Max(t *testing.T) {
	k := MustEncode("ffff:ffff:ffff:ffff:ffff:ffff:ffff:ffff")
	want := new(big.Int).Lsh(big.NewInt(1), 128)
	want.Sub(want, big.NewInt(1))
	want.Add(want, new(big.Int).Lsh(big.NewInt(1), 32))
	if k.Int().Cmp(want) != 0 {
		t.Errorf("Int() = %s, want %s", k.Int(), want)
	}
	if k.IsV4() {
		t.Error("IPv6 key reported as IPv4")
	}
}

func TestEncodeDistinct(t *testing.T) {
	ips := []string{"0.0.0.1", "::1", "1.2.3.4", "::102:304", "2001:db8::1", "2001:db8::2"}
	seen := make(map[Key]string)
	for _, ip := range ips {
		k := MustEncode(ip)
		if prev, ok := seen[k]; ok {
			t.Errorf("%s and %s share key %s", prev, ip, k)
		}
		seen[k] = ip
	}
}

func TestEncodeDeterministic(t *testing.T) {
	if MustEncode("203.0.113.7") != MustEncode("203.0.113.7") {
		t.Error("same address produced different keys")
	}
}

func TestEncodeInvalid(t *testing.T) {
	for _, in := range []string{"", "1.2.3", "1.2.3.256", "example.com", "1.2.3.4:22"} {
		_, err := Encode(in)
		var invalid *InvalidAddressError
		if !errors.As(err, &invalid) {
			t.Errorf("Encode(%q) error = %v, want *InvalidAddressError", in, err)
			continue
		}
		if invalid.Input != in {
			t.Errorf("InvalidAddressError.Input = %q, want %q", invalid.Input, in)
		}
	}
}
