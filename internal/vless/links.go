// Package vless builds and parses vless:// client connection URIs.
package vless

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/wenwu/saas-platform/fleet-service/internal/models"
)

// Client fingerprint tags
const (
	FingerprintChrome  = "chrome"
	FingerprintIOS     = "ios"
	FingerprintFirefox = "firefox"
)

// DefaultXrayPort is used when a server has no proxy port recorded.
const DefaultXrayPort = 8445

// Params are the connection parameters shared by every link variant.
type Params struct {
	UUID       string
	Host       string
	Port       int
	Remark     string // shown in the client, usually the identifying email
	Network    string
	Security   string
	SNI        string
	PublicKey  string
	ShortID    string
	Flow       string
	Encryption string
}

// LinkSet holds one URI per client platform.
type LinkSet struct {
	Standard string `json:"standard"`
	Android  string `json:"android"`
	IOS      string `json:"ios"`
	Linux    string `json:"linux"`
	Windows  string `json:"windows"`
	MacOS    string `json:"macos"`
}

// Join returns the links comma-separated in the stored order.
func (l LinkSet) Join() string {
	return strings.Join([]string{l.Android, l.IOS, l.Linux, l.MacOS, l.Standard, l.Windows}, ",")
}

// Generate renders the six platform variants, differing only in fingerprint.
func Generate(p Params) LinkSet {
	return LinkSet{
		Standard: Build(p, FingerprintChrome),
		Android:  Build(p, FingerprintIOS),
		IOS:      Build(p, FingerprintIOS),
		Linux:    Build(p, FingerprintChrome),
		Windows:  Build(p, FingerprintChrome),
		MacOS:    Build(p, FingerprintFirefox),
	}
}

// Build renders a single URI for the given fingerprint.
func Build(p Params, fingerprint string) string {
	encryption := p.Encryption
	if encryption == "" {
		encryption = "none"
	}

	q := []string{
		"type=" + url.QueryEscape(p.Network),
		"security=" + url.QueryEscape(p.Security),
		"sni=" + url.QueryEscape(p.SNI),
		"pbk=" + url.QueryEscape(p.PublicKey),
		"sid=" + url.QueryEscape(p.ShortID),
		"fp=" + url.QueryEscape(fingerprint),
		"encryption=" + url.QueryEscape(encryption),
	}
	if p.Flow != "" {
		q = append(q, "flow="+url.QueryEscape(p.Flow))
	}

	return fmt.Sprintf("vless://%s@%s:%d?%s#%s",
		p.UUID, p.Host, p.Port, strings.Join(q, "&"), escapeComponent(p.Remark))
}

// ParamsFor derives link parameters from the server row, the inbound and the
// credential. Reality values are only filled when the inbound uses reality;
// otherwise sni, pbk and sid stay empty.
func ParamsFor(server *models.Server, inbound *models.Inbound, client *models.Client, fallbackPublicKey, defaultSNI string) Params {
	port := server.XrayPort
	if port == 0 {
		port = DefaultXrayPort
	}

	stream := inbound.Stream()
	p := Params{
		UUID:       client.ID,
		Host:       server.Host(),
		Port:       port,
		Remark:     client.Email,
		Network:    stream.Network,
		Security:   stream.Security,
		Flow:       client.Flow,
		Encryption: inbound.Decryption(),
	}
	if p.Network == "" {
		p.Network = "tcp"
	}
	if p.Security == "" {
		p.Security = "none"
	}

	if p.Security == models.SecurityReality {
		rs := stream.RealitySettings
		p.SNI = defaultSNI
		p.PublicKey = fallbackPublicKey
		if rs != nil {
			if len(rs.ServerNames) > 0 && rs.ServerNames[0] != "" {
				p.SNI = rs.ServerNames[0]
			}
			if len(rs.ShortIDs) > 0 {
				p.ShortID = rs.ShortIDs[0]
			}
			if k := rs.Key(); k != "" {
				p.PublicKey = k
			}
		}
	}
	return p
}

// Link is a parsed vless URI.
type Link struct {
	UUID        string
	Host        string
	Port        int
	Network     string
	Security    string
	SNI         string
	PublicKey   string
	ShortID     string
	Fingerprint string
	Flow        string
	Encryption  string
	Remark      string
}

// Parse decodes a vless:// URI.
func Parse(raw string) (*Link, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse link: %w", err)
	}
	if u.Scheme != "vless" {
		return nil, fmt.Errorf("parse link: unexpected scheme %q", u.Scheme)
	}
	if u.User == nil || u.User.Username() == "" {
		return nil, fmt.Errorf("parse link: missing uuid")
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return nil, fmt.Errorf("parse link: bad port %q", u.Port())
	}

	q := u.Query()
	return &Link{
		UUID:        u.User.Username(),
		Host:        u.Hostname(),
		Port:        port,
		Network:     q.Get("type"),
		Security:    q.Get("security"),
		SNI:         q.Get("sni"),
		PublicKey:   q.Get("pbk"),
		ShortID:     q.Get("sid"),
		Fingerprint: q.Get("fp"),
		Flow:        q.Get("flow"),
		Encryption:  q.Get("encryption"),
		Remark:      u.Fragment,
	}, nil
}

func escapeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
