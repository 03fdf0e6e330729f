package route

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Descriptor identifies the SIP route a call is placed through. It is
// what platform callers send with an origination request.
//
// Optional fields default explicitly and are validated once at the API
// boundary; nothing downstream re-checks them.
type Descriptor struct {
	ID     string `json:"id"`
	Domain string `json:"domain"`

	// OutboundURI is an optional dial-string template, e.g.
	// "PJSIP/{number}@{domain}". Placeholders: {number}, {domain}, {id}.
	OutboundURI string `json:"outbound_uri,omitempty"`

	Metadata *Metadata `json:"metadata,omitempty"`
}

// Metadata carries optional per-route overrides.
type Metadata struct {
	// DialEndpoint overrides OutboundURI when set; same placeholders.
	DialEndpoint string `json:"dial_endpoint,omitempty"`
}

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

var ErrInvalidRoute = errors.New("route: invalid route")

func (d Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRoute)
	}
	if !idPattern.MatchString(d.ID) {
		// Route ids become endpoint names and file names; keep them tame.
		return fmt.Errorf("%w: id %q must match %s", ErrInvalidRoute, d.ID, idPattern.String())
	}
	if d.Domain == "" && d.OutboundURI == "" && d.dialTemplate() == "" {
		return fmt.Errorf("%w: domain or a dial template is required", ErrInvalidRoute)
	}
	return nil
}

func (d Descriptor) dialTemplate() string {
	if d.Metadata != nil && d.Metadata.DialEndpoint != "" {
		return d.Metadata.DialEndpoint
	}
	return d.OutboundURI
}

// DialEndpoint expands the route's dial template for a destination
// number. Without a template the endpoint targets the route's pjsip
// endpoint directly.
func (d Descriptor) DialEndpoint(number string) string {
	tpl := d.dialTemplate()
	if tpl == "" {
		return "PJSIP/" + number + "@" + d.ID
	}
	r := strings.NewReplacer(
		"{number}", number,
		"{domain}", d.Domain,
		"{id}", d.ID,
	)
	return r.Replace(tpl)
}

// Trunk is the persisted SIP-route configuration rendered into PBX
// stanzas by the trunk synchronizer.
type Trunk struct {
	ID     string `json:"id"`
	Domain string `json:"domain"`

	Transport string `json:"transport,omitempty"`
	Context   string `json:"context,omitempty"`

	// Codecs in preference order; empty defaults to ulaw/alaw.
	Codecs []string `json:"codecs,omitempty"`

	CallerIDFormat string `json:"caller_id_format,omitempty"`
	OutboundProxy  string `json:"outbound_proxy,omitempty"`

	// Username/Password enable the auth and registration sections.
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	MaxContacts int `json:"max_contacts,omitempty"`

	// Variables are set on every channel using this trunk.
	Variables map[string]string `json:"variables,omitempty"`
}

func (t Trunk) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRoute)
	}
	if !idPattern.MatchString(t.ID) {
		return fmt.Errorf("%w: id %q must match %s", ErrInvalidRoute, t.ID, idPattern.String())
	}
	if t.Domain == "" {
		return fmt.Errorf("%w: domain is required", ErrInvalidRoute)
	}
	if (t.Username == "") != (t.Password == "") {
		return fmt.Errorf("%w: username and password must be set together", ErrInvalidRoute)
	}
	return nil
}

// HasCredentials reports whether auth/registration stanzas apply.
func (t Trunk) HasCredentials() bool {
	return t.Username != "" && t.Password != ""
}

// EffectiveCodecs returns the codec list with the default applied.
func (t Trunk) EffectiveCodecs() []string {
	if len(t.Codecs) == 0 {
		return []string{"ulaw", "alaw"}
	}
	return t.Codecs
}

// EffectiveTransport returns the transport with the default applied.
func (t Trunk) EffectiveTransport() string {
	if t.Transport == "" {
		return "transport-udp"
	}
	return t.Transport
}

// EffectiveContext returns the dialplan context with the default applied.
func (t Trunk) EffectiveContext() string {
	if t.Context == "" {
		return "from-trunk"
	}
	return t.Context
}

// EffectiveMaxContacts returns the AOR contact limit with the default.
func (t Trunk) EffectiveMaxContacts() int {
	if t.MaxContacts <= 0 {
		return 1
	}
	return t.MaxContacts
}
