package subscriber

import (
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/zeusync/variantsync/internal/core/resource"
)

// IgnorePolicy holds global ignore hints. Patterns without a slash match
// resource names; patterns with a slash match workspace paths.
type IgnorePolicy struct {
	mu       sync.RWMutex
	patterns []string
}

// DefaultIgnorePatterns are editor and OS artefacts.
var DefaultIgnorePatterns = []string{".DS_Store", "*~", "*.swp", ".#*"}

func NewIgnorePolicy(patterns ...string) (*IgnorePolicy, error) {
	p := &IgnorePolicy{}
	if err := p.Add(patterns...); err != nil {
		return nil, err
	}
	return p, nil
}

// Add validates and appends patterns.
func (p *IgnorePolicy) Add(patterns ...string) error {
	for _, pattern := range patterns {
		if _, err := path.Match(pattern, ""); err != nil {
			return fmt.Errorf("ignore pattern %q: %w", pattern, err)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.patterns = append(p.patterns, patterns...)
	return nil
}

func (p *IgnorePolicy) Patterns() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.patterns...)
}

// IsIgnored reports whether r or one of its ancestors matches a pattern.
func (p *IgnorePolicy) IsIgnored(r resource.Resource) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for cur := r; cur != nil && cur.Path() != "/"; cur = cur.Parent() {
		if p.matchLocked(cur) {
			return true
		}
	}
	return false
}

func (p *IgnorePolicy) matchLocked(r resource.Resource) bool {
	for _, pattern := range p.patterns {
		subject := r.Name()
		if strings.Contains(pattern, "/") {
			subject = r.Path()
		}
		if ok, _ := path.Match(pattern, subject); ok {
			return true
		}
	}
	return false
}
