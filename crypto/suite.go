package crypto

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/katzenpost/hpqc/kem"
	"github.com/katzenpost/hpqc/kem/mlkem768"
	"github.com/katzenpost/hpqc/kem/xwing"
)

// ErrUnknownSuite is returned when a KEM suite name is not registered.
var ErrUnknownSuite = errors.New("unknown KEM suite")

// DefaultSuite is the KEM used when no suite is configured. X-Wing combines
// ML-KEM-768 with X25519 so a break of either primitive alone does not expose
// message keys.
const DefaultSuite = "XWING"

var suites = func() map[string]kem.Scheme {
	m := make(map[string]kem.Scheme)
	for _, s := range []kem.Scheme{mlkem768.Scheme(), xwing.Scheme()} {
		m[strings.ToUpper(s.Name())] = s
	}
	return m
}()

// SuiteByName returns the KEM scheme registered under name (case-insensitive).
func SuiteByName(name string) (kem.Scheme, error) {
	if name == "" {
		name = DefaultSuite
	}
	s, ok := suites[strings.ToUpper(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %s)", ErrUnknownSuite, name, strings.Join(SuiteNames(), ", "))
	}
	return s, nil
}

// SuiteNames lists the registered suite names in sorted order.
func SuiteNames() []string {
	names := make([]string, 0, len(suites))
	for n := range suites {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// suiteName is the canonical registry name of a scheme.
func suiteName(s kem.Scheme) string {
	return strings.ToUpper(s.Name())
}
