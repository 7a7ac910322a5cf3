package clean

import (
	_ "embed"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/crash-pipeline/internal/model"
)

// Unknown replaces blank and unrecognized categorical values.
const Unknown = "UNKNOWN"

//go:embed domains.yaml
var domainsYAML []byte

// Domains maps a domain name to its allowed values.
type Domains map[string]map[string]struct{}

// LoadDomains parses the embedded domain table. Every domain also admits
// Unknown, and the derived severity domain is added.
func LoadDomains() (Domains, error) {
	return ParseDomains(domainsYAML)
}

// ParseDomains parses a YAML document of domain name to value list.
func ParseDomains(data []byte) (Domains, error) {
	var raw map[string][]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrap(err, "clean: parse domains")
	}
	d := make(Domains, len(raw)+1)
	for name, values := range raw {
		set := map[string]struct{}{Unknown: {}}
		for _, v := range values {
			set[Normalize(v)] = struct{}{}
		}
		d[name] = set
	}
	d[model.SeverityDomain] = map[string]struct{}{
		model.SeverityFatal:    {},
		model.SeverityInjury:   {},
		model.SeverityNoInjury: {},
	}
	for _, c := range model.GoldColumns {
		if c.Domain != "" && d[c.Domain] == nil {
			return nil, eris.Errorf("clean: no values for domain %q of column %s", c.Domain, c.Name)
		}
	}
	return d, nil
}

// Normalize applies NFKC, collapses whitespace and upper-cases s.
func Normalize(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(norm.NFKC.String(s)), " "))
}

// Canonical returns the normalized value when it belongs to domain and
// Unknown otherwise. The flag reports whether a non-blank value was
// replaced.
func (d Domains) Canonical(domain, s string) (string, bool) {
	v := Normalize(s)
	if v == "" {
		return Unknown, false
	}
	if _, ok := d[domain][v]; ok {
		return v, false
	}
	return Unknown, true
}

// Contains reports whether v is an allowed value of domain.
func (d Domains) Contains(domain, v string) bool {
	_, ok := d[domain][v]
	return ok
}

// Values returns the sorted allowed values of domain.
func (d Domains) Values(domain string) []string {
	out := make([]string, 0, len(d[domain]))
	for v := range d[domain] {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}
