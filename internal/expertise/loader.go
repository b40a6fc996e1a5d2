// Package expertise loads read-only domain knowledge packs that enrich
// sub-agent prompts. Packs live as one YAML file per domain; the kernel
// never writes them.
package expertise

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/crew-dev/crewd/internal/common/logger"
)

// Pack is one domain's knowledge bundle.
type Pack struct {
	Domain      string   `yaml:"domain"`
	MentalModel string   `yaml:"mentalModel"`
	KeyFiles    []string `yaml:"keyFiles"`
	Patterns    []string `yaml:"patterns"`
	KnownIssues []string `yaml:"knownIssues"`
	Confidence  float64  `yaml:"confidence"`
}

// Loader reads packs from a directory on demand.
type Loader struct {
	dir    string
	logger *logger.Logger
}

// NewLoader creates a pack loader. An empty dir disables packs entirely.
func NewLoader(dir string, log *logger.Logger) *Loader {
	return &Loader{
		dir:    dir,
		logger: log.WithFields(zap.String("component", "expertise")),
	}
}

// Domains lists the domain tags with a pack on disk, sorted.
func (l *Loader) Domains() []string {
	if l.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Warn("failed to read expertise dir", zap.Error(err))
		}
		return nil
	}
	var domains []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		domains = append(domains, strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml"))
	}
	sort.Strings(domains)
	return domains
}

// Load reads one domain's pack. A missing pack returns (nil, nil).
func (l *Loader) Load(domain string) (*Pack, error) {
	if l.dir == "" {
		return nil, nil
	}

	var data []byte
	var err error
	for _, ext := range []string{".yaml", ".yml"} {
		data, err = os.ReadFile(filepath.Join(l.dir, domain+ext))
		if err == nil {
			break
		}
	}
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read expertise pack for %s: %w", domain, err)
	}

	var pack Pack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("failed to parse expertise pack for %s: %w", domain, err)
	}
	if pack.Domain == "" {
		pack.Domain = domain
	}
	if pack.Confidence < 0 || pack.Confidence > 1 {
		return nil, fmt.Errorf("expertise pack %s: confidence must be in [0,1], got %v", domain, pack.Confidence)
	}
	return &pack, nil
}

// PromptSection renders the pack as prompt-injectable context.
func (p *Pack) PromptSection() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Domain expertise (%s, confidence %.2f):\n", p.Domain, p.Confidence)
	if p.MentalModel != "" {
		fmt.Fprintf(&b, "Mental model: %s\n", p.MentalModel)
	}
	if len(p.KeyFiles) > 0 {
		fmt.Fprintf(&b, "Key files: %s\n", strings.Join(p.KeyFiles, ", "))
	}
	for _, pat := range p.Patterns {
		fmt.Fprintf(&b, "Pattern: %s\n", pat)
	}
	for _, issue := range p.KnownIssues {
		fmt.Fprintf(&b, "Known issue: %s\n", issue)
	}
	return b.String()
}
