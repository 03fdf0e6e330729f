package trunk

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flosch/pongo2/v6"

	"dialcast/internal/route"
)

// pjsipTemplate is the stanza set for one trunk. Sections:
// endpoint + aor always; auth + registration only with credentials.
const pjsipTemplate = `; trunk {{ id }} (generated, do not edit)
[{{ id }}]
type=endpoint
transport={{ transport }}
context={{ context }}
disallow=all
{% for codec in codecs %}allow={{ codec }}
{% endfor %}aors={{ id }}
{% if has_auth %}outbound_auth={{ id }}-auth
{% endif %}{% if callerid %}callerid={{ callerid }}
{% endif %}{% if proxy %}outbound_proxy={{ proxy }}
{% endif %}{% for v in variables %}set_var={{ v }}
{% endfor %}
[{{ id }}]
type=aor
contact=sip:{{ domain }}
max_contacts={{ max_contacts }}
{% if has_auth %}
[{{ id }}-auth]
type=auth
auth_type=userpass
username={{ username }}
password={{ password }}

[{{ id }}-reg]
type=registration
outbound_auth={{ id }}-auth
server_uri=sip:{{ domain }}
client_uri=sip:{{ username }}@{{ domain }}
retry_interval=60
{% endif %}`

// Renderer produces pjsip configuration for trunks. Output is
// deterministic for a given trunk so the synchronizer can compare
// renders byte for byte.
type Renderer struct {
	tpl *pongo2.Template
}

func NewRenderer() (*Renderer, error) {
	tpl, err := pongo2.FromString(pjsipTemplate)
	if err != nil {
		return nil, fmt.Errorf("trunk: parse template: %w", err)
	}
	return &Renderer{tpl: tpl}, nil
}

// Render produces the pjsip stanzas for one trunk.
func (r *Renderer) Render(t route.Trunk) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}

	// Channel variables render in sorted order so identical trunks
	// always produce identical bytes.
	vars := make([]string, 0, len(t.Variables))
	for k, v := range t.Variables {
		vars = append(vars, k+"="+v)
	}
	sort.Strings(vars)

	out, err := r.tpl.Execute(pongo2.Context{
		"id":           t.ID,
		"domain":       t.Domain,
		"transport":    t.EffectiveTransport(),
		"context":      t.EffectiveContext(),
		"codecs":       t.EffectiveCodecs(),
		"callerid":     t.CallerIDFormat,
		"proxy":        t.OutboundProxy,
		"max_contacts": t.EffectiveMaxContacts(),
		"has_auth":     t.HasCredentials(),
		"username":     t.Username,
		"password":     t.Password,
		"variables":    vars,
	})
	if err != nil {
		return "", fmt.Errorf("trunk: render %s: %w", t.ID, err)
	}
	return strings.TrimRight(out, "\n") + "\n", nil
}
