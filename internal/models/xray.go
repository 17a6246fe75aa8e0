package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ProtocolVLESS is the inbound protocol this service provisions into.
const ProtocolVLESS = "vless"

// SecurityReality is the stream security mode that needs sni/pbk/sid in links.
const SecurityReality = "reality"

var ErrNoVLESSInbound = errors.New("no vless inbound in remote config")

// ConfigDocument is the remote proxy configuration. Only the parts this
// service edits are typed; every other key is carried through unchanged on
// a read-modify-write.
type ConfigDocument struct {
	Inbounds []*Inbound

	extra map[string]json.RawMessage
}

func (d *ConfigDocument) UnmarshalJSON(data []byte) error {
	var known struct {
		Inbounds []*Inbound `json:"inbounds"`
	}
	extra, err := decodeFields(data, &known)
	if err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	d.Inbounds = known.Inbounds
	d.extra = extra
	return nil
}

func (d ConfigDocument) MarshalJSON() ([]byte, error) {
	fields := map[string]interface{}{}
	if d.Inbounds != nil {
		fields["inbounds"] = d.Inbounds
	}
	return encodeFields(d.extra, []string{"inbounds"}, fields)
}

// VLESSInbound returns the first inbound speaking vless.
func (d *ConfigDocument) VLESSInbound() (*Inbound, error) {
	for _, in := range d.Inbounds {
		if in != nil && in.Protocol == ProtocolVLESS {
			return in, nil
		}
	}
	return nil, ErrNoVLESSInbound
}

// ClientCount counts clients across all vless inbounds.
func (d *ConfigDocument) ClientCount() int {
	n := 0
	for _, in := range d.Inbounds {
		if in != nil && in.Protocol == ProtocolVLESS && in.Settings != nil {
			n += len(in.Settings.Clients)
		}
	}
	return n
}

// Inbound is one listener of the proxy daemon.
type Inbound struct {
	Tag      string
	Protocol string
	Settings *InboundSettings

	extra map[string]json.RawMessage
}

var inboundKeys = []string{"tag", "protocol", "settings"}

func (in *Inbound) UnmarshalJSON(data []byte) error {
	var known struct {
		Tag      string           `json:"tag"`
		Protocol string           `json:"protocol"`
		Settings *InboundSettings `json:"settings"`
	}
	extra, err := decodeFields(data, &known)
	if err != nil {
		return fmt.Errorf("decode inbound: %w", err)
	}
	in.Tag = known.Tag
	in.Protocol = known.Protocol
	in.Settings = known.Settings
	in.extra = extra
	return nil
}

func (in Inbound) MarshalJSON() ([]byte, error) {
	fields := map[string]interface{}{
		"protocol": in.Protocol,
	}
	if in.Tag != "" {
		fields["tag"] = in.Tag
	}
	if in.Settings != nil {
		fields["settings"] = in.Settings
	}
	return encodeFields(in.extra, inboundKeys, fields)
}

// Stream parses the inbound's streamSettings. A missing block yields zero values.
func (in *Inbound) Stream() StreamSettings {
	var s StreamSettings
	if raw, ok := in.extra["streamSettings"]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

// Port returns the listening port, which xray accepts as number or string.
func (in *Inbound) Port() int {
	raw, ok := in.extra["port"]
	if !ok {
		return 0
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		n, _ = strconv.Atoi(s)
	}
	return n
}

// EnsureClients makes an absent client list an empty one.
func (in *Inbound) EnsureClients() {
	if in.Settings == nil {
		in.Settings = &InboundSettings{}
	}
	if in.Settings.Clients == nil {
		in.Settings.Clients = []*Client{}
	}
}

// HasClient reports whether a client with this email exists.
func (in *Inbound) HasClient(email string) bool {
	if in.Settings == nil {
		return false
	}
	for _, c := range in.Settings.Clients {
		if c.Email == email {
			return true
		}
	}
	return false
}

// AddClient appends c, creating the client list if needed.
func (in *Inbound) AddClient(c *Client) {
	in.EnsureClients()
	in.Settings.Clients = append(in.Settings.Clients, c)
}

// RemoveClient drops every client with this email and reports whether any matched.
func (in *Inbound) RemoveClient(email string) bool {
	if in.Settings == nil || len(in.Settings.Clients) == 0 {
		return false
	}
	kept := make([]*Client, 0, len(in.Settings.Clients))
	for _, c := range in.Settings.Clients {
		if c.Email != email {
			kept = append(kept, c)
		}
	}
	if len(kept) == len(in.Settings.Clients) {
		return false
	}
	in.Settings.Clients = kept
	return true
}

// Decryption returns settings.decryption, defaulting to "none".
func (in *Inbound) Decryption() string {
	if in.Settings != nil && in.Settings.Decryption != "" {
		return in.Settings.Decryption
	}
	return "none"
}

// InboundSettings is the protocol settings block of an inbound.
type InboundSettings struct {
	Clients    []*Client
	Decryption string

	extra map[string]json.RawMessage
}

var settingsKeys = []string{"clients", "decryption"}

func (s *InboundSettings) UnmarshalJSON(data []byte) error {
	var known struct {
		Clients    []*Client `json:"clients"`
		Decryption string    `json:"decryption"`
	}
	extra, err := decodeFields(data, &known)
	if err != nil {
		return fmt.Errorf("decode inbound settings: %w", err)
	}
	s.Clients = known.Clients
	s.Decryption = known.Decryption
	s.extra = extra
	return nil
}

func (s InboundSettings) MarshalJSON() ([]byte, error) {
	fields := map[string]interface{}{}
	// nil stays absent, empty is written as []
	if s.Clients != nil {
		fields["clients"] = s.Clients
	}
	if s.Decryption != "" {
		fields["decryption"] = s.Decryption
	}
	return encodeFields(s.extra, settingsKeys, fields)
}

// Client is a vless credential entry.
type Client struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	Flow       string    `json:"flow,omitempty"`
	LimitIP    int       `json:"limitIp"`
	TotalGB    Gigabytes `json:"totalGB"`
	ExpireTime int64     `json:"expireTime"` // unix ms
	CreatedAt  string    `json:"createdAt,omitempty"`

	// raw is the exact remote encoding; untouched clients are written back as-is
	raw json.RawMessage
}

// NewClient builds a credential entry for a fresh provisioning.
func NewClient(id, email, flow string, totalGB float64, expiresAt, now time.Time) *Client {
	return &Client{
		ID:         id,
		Email:      email,
		Flow:       flow,
		LimitIP:    0,
		TotalGB:    Gigabytes(totalGB),
		ExpireTime: expiresAt.UnixMilli(),
		CreatedAt:  now.UTC().Format(time.RFC3339),
	}
}

func (c *Client) UnmarshalJSON(data []byte) error {
	type plain Client
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		// other panels write odd types into numeric fields; identity is what matters
		var id struct {
			ID    string `json:"id"`
			Email string `json:"email"`
			Flow  string `json:"flow"`
		}
		if err2 := json.Unmarshal(data, &id); err2 != nil {
			return fmt.Errorf("decode client: %w", err)
		}
		p = plain{ID: id.ID, Email: id.Email, Flow: id.Flow}
	}
	*c = Client(p)
	c.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (c Client) MarshalJSON() ([]byte, error) {
	if c.raw != nil {
		return c.raw, nil
	}
	type plain Client
	return json.Marshal(plain(c))
}

// Gigabytes accepts both JSON numbers and numeric strings.
type Gigabytes float64

func (g *Gigabytes) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*g = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*g = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("parse totalGB %q: %w", s, err)
		}
		*g = Gigabytes(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*g = Gigabytes(f)
	return nil
}

// StreamSettings is the subset of inbound transport settings used to build links.
type StreamSettings struct {
	Network         string           `json:"network"`
	Security        string           `json:"security"`
	RealitySettings *RealitySettings `json:"realitySettings"`
}

type RealitySettings struct {
	ServerNames []string `json:"serverNames"`
	ShortIDs    []string `json:"shortIds"`
	PublicKey   string   `json:"publicKey"`
	Settings    *struct {
		PublicKey string `json:"publicKey"`
	} `json:"settings"`
}

// Key returns the reality public key if the config carries one.
func (r *RealitySettings) Key() string {
	if r == nil {
		return ""
	}
	if r.PublicKey != "" {
		return r.PublicKey
	}
	if r.Settings != nil {
		return r.Settings.PublicKey
	}
	return ""
}

// UserTraffic is a per-identifier traffic sample from the status endpoint.
type UserTraffic struct {
	Username string `json:"username"`
	Uplink   int64  `json:"uplink"`
	Downlink int64  `json:"downlink"`
}

// Total is the session usage in bytes.
func (u UserTraffic) Total() int64 {
	return u.Uplink + u.Downlink
}

// StatusSnapshot is one telemetry poll of a server.
type StatusSnapshot struct {
	OK    bool          `json:"ok"`
	Users []UserTraffic `json:"users"`
}

// UnreachableSnapshot is returned when a server cannot be polled.
func UnreachableSnapshot() *StatusSnapshot {
	return &StatusSnapshot{OK: false, Users: []UserTraffic{}}
}

// ByIdentifier indexes the samples by username.
func (s *StatusSnapshot) ByIdentifier() map[string]UserTraffic {
	m := make(map[string]UserTraffic, len(s.Users))
	for _, u := range s.Users {
		m[u.Username] = u
	}
	return m
}

// decodeFields decodes the known fields into v and returns every raw field.
func decodeFields(data []byte, v interface{}) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return nil, err
	}
	return all, nil
}

// encodeFields writes extra with the known keys replaced by fields.
func encodeFields(extra map[string]json.RawMessage, knownKeys []string, fields map[string]interface{}) ([]byte, error) {
	out := make(map[string]interface{}, len(extra)+len(fields))
	for k, v := range extra {
		out[k] = v
	}
	for _, k := range knownKeys {
		delete(out, k)
	}
	for k, v := range fields {
		out[k] = v
	}
	return json.Marshal(out)
}
