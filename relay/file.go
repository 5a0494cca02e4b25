package relay

import (
	"fmt"
	"os"
	"strings"

	yaml "gopkg.in/yaml.v3"

	"github.com/ivan-stragalis-trasys/FakeSMTP/internal/expand"
)

type fileFormat struct {
	RelayDomains *[]string `yaml:"relayDomains"`
}

// Parse reads a relay domain document:
//
//	relayDomains:
//	  - example.com
//	  - ${env.EXTRA_RELAY_DOMAIN}
//
// A missing or null relayDomains key yields a nil *Domains (no restriction),
// an empty list yields a set that rejects every recipient. Entries that are
// blank after expansion are skipped.
func Parse(b []byte) (*Domains, error) {
	var ff fileFormat
	if err := yaml.Unmarshal(b, &ff); err != nil {
		return nil, fmt.Errorf("failed to parse relay domains: %w", err)
	}
	if ff.RelayDomains == nil {
		return nil, nil
	}
	return FromList(*ff.RelayDomains), nil
}

func LoadFile(path string) (*Domains, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	d, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// FromList builds a non-nil snapshot from configured entries, expanding
// ${env.NAME} references and dropping blank ones.
func FromList(entries []string) *Domains {
	suffixes := make([]string, 0, len(entries))
	for _, e := range entries {
		e = expand.Expand(e, expand.Env)
		if strings.TrimSpace(e) == "" {
			continue
		}
		suffixes = append(suffixes, e)
	}
	return &Domains{suffixes: suffixes}
}
