package vless

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/wenwu/saas-platform/fleet-service/internal/models"
)

func inboundFrom(t *testing.T, raw string) *models.Inbound {
	t.Helper()
	var in models.Inbound
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		t.Fatalf("unmarshal inbound: %v", err)
	}
	return &in
}

func TestGenerateFingerprints(t *testing.T) {
	set := Generate(Params{UUID: "u-1", Host: "de1.example.com", Port: 8445, Remark: "user@example.com", Network: "tcp", Security: "reality"})

	cases := []struct {
		link string
		fp   string
	}{
		{set.Standard, FingerprintChrome},
		{set.Android, FingerprintIOS},
		{set.IOS, FingerprintIOS},
		{set.Linux, FingerprintChrome},
		{set.Windows, FingerprintChrome},
		{set.MacOS, FingerprintFirefox},
	}
	for _, tc := range cases {
		link, fp := tc.link, tc.fp
		l, err := Parse(link)
		if err != nil {
			t.Fatalf("parse %s: %v", link, err)
		}
		if l.Fingerprint != fp {
			t.Fatalf("fp = %s, want %s in %s", l.Fingerprint, fp, link)
		}
		if l.UUID != "u-1" || l.Host != "de1.example.com" || l.Port != 8445 {
			t.Fatalf("identity differs across variants: %+v", l)
		}
		if l.Remark != "user@example.com" {
			t.Fatalf("remark = %q", l.Remark)
		}
	}
}

func TestBuildFormat(t *testing.T) {
	link := Build(Params{
		UUID: "abc", Host: "h", Port: 1, Remark: "a b", Network: "tcp", Security: "reality",
		SNI: "play.google.com", PublicKey: "PK", ShortID: "01", Flow: "xtls-rprx-vision",
	}, FingerprintChrome)

	want := "vless://abc@h:1?type=tcp&security=reality&sni=play.google.com&pbk=PK&sid=01&fp=chrome&encryption=none&flow=xtls-rprx-vision#a%20b"
	if link != want {
		t.Fatalf("link =\n%s\nwant\n%s", link, want)
	}

	noFlow := Build(Params{UUID: "abc", Host: "h", Port: 1, Network: "tcp", Security: "none"}, FingerprintIOS)
	if strings.Contains(noFlow, "flow=") {
		t.Fatalf("empty flow should be omitted: %s", noFlow)
	}
}

func TestParamsForReality(t *testing.T) {
	in := inboundFrom(t, `{"protocol":"vless","settings":{"decryption":"none"},
		"streamSettings":{"network":"tcp","security":"reality","realitySettings":{"serverNames":["www.apple.com"],"shortIds":["s1","s2"]}}}`)
	server := &models.Server{Domain: "fi.example.com", XrayPort: 443}
	client := &models.Client{ID: "id-1", Email: "e", Flow: "xtls-rprx-vision"}

	p := ParamsFor(server, in, client, "FALLBACK", "play.google.com")
	if p.SNI != "www.apple.com" || p.ShortID != "s1" || p.PublicKey != "FALLBACK" {
		t.Fatalf("params = %+v", p)
	}
	if p.Host != "fi.example.com" || p.Port != 443 {
		t.Fatalf("endpoint = %s:%d", p.Host, p.Port)
	}
}

func TestParamsForRealityDefaults(t *testing.T) {
	in := inboundFrom(t, `{"protocol":"vless","streamSettings":{"network":"grpc","security":"reality","realitySettings":{"serverNames":[],"publicKey":"CFGKEY"}}}`)
	server := &models.Server{IP: "10.1.1.1"}
	client := &models.Client{ID: "id-1", Email: "e"}

	p := ParamsFor(server, in, client, "FALLBACK", "play.google.com")
	if p.SNI != "play.google.com" {
		t.Fatalf("sni default = %q", p.SNI)
	}
	if p.PublicKey != "CFGKEY" {
		t.Fatalf("config public key should win, got %q", p.PublicKey)
	}
	if p.Port != DefaultXrayPort || p.Host != "10.1.1.1" {
		t.Fatalf("endpoint = %s:%d", p.Host, p.Port)
	}
	if p.Network != "grpc" {
		t.Fatalf("network = %q", p.Network)
	}
}

func TestParamsForNonReality(t *testing.T) {
	in := inboundFrom(t, `{"protocol":"vless","streamSettings":{"network":"ws","security":"tls","realitySettings":{"serverNames":["x"],"shortIds":["y"]}}}`)
	p := ParamsFor(&models.Server{Domain: "d"}, in, &models.Client{ID: "i"}, "FALLBACK", "play.google.com")
	if p.SNI != "" || p.PublicKey != "" || p.ShortID != "" {
		t.Fatalf("non-reality should leave sni/pbk/sid empty: %+v", p)
	}

	bare := inboundFrom(t, `{"protocol":"vless"}`)
	p = ParamsFor(&models.Server{Domain: "d"}, bare, &models.Client{ID: "i"}, "FALLBACK", "play.google.com")
	if p.Security != "none" || p.Network != "tcp" || p.Encryption != "none" {
		t.Fatalf("bare inbound defaults = %+v", p)
	}
}

func TestJoinOrder(t *testing.T) {
	set := LinkSet{Standard: "s", Android: "a", IOS: "i", Linux: "l", Windows: "w", MacOS: "m"}
	if got := set.Join(); got != "a,i,l,m,s,w" {
		t.Fatalf("join = %s", got)
	}
}

func TestParseRejects(t *testing.T) {
	for _, raw := range []string{"vmess://abc@h:1", "vless://h:1", "vless://u@h:notaport"} {
		if _, err := Parse(raw); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
}
