package validator

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/remiblancher/qpki-ra/internal/catalog"
	"github.com/remiblancher/qpki-ra/internal/profile"
)

// FieldValidatorFunc checks one field value against validator parameters.
type FieldValidatorFunc func(value, params string) error

// FieldValidator is a named custom field validator.
type FieldValidator struct {
	// Check validates a value.
	Check FieldValidatorFunc

	// CheckParams validates the parameters configured in a profile. Nil
	// accepts any parameters.
	CheckParams func(params string) error
}

// FieldValidators is the registry of custom field validators referenced by
// name from profile field instances. It is populated at startup.
type FieldValidators struct {
	mu         sync.RWMutex
	validators map[string]FieldValidator
}

// Names of the builtin field validators.
const (
	RegexValidator  = "regex"
	LengthValidator = "length"
)

// NewFieldValidators creates a registry holding the builtin validators.
func NewFieldValidators() *FieldValidators {
	r := &FieldValidators{validators: make(map[string]FieldValidator)}
	r.Register(RegexValidator, newRegexValidator())
	r.Register(LengthValidator, FieldValidator{Check: checkLength, CheckParams: checkLengthParams})
	return r
}

// Register adds or replaces a validator.
func (r *FieldValidators) Register(name string, v FieldValidator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[name] = v
}

// Lookup returns a validator by name.
func (r *FieldValidators) Lookup(name string) (FieldValidator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.validators[name]
	return v, ok
}

// Names returns the registered validator names, sorted.
func (r *FieldValidators) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.validators))
	for name := range r.validators {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Run applies the validator configured on a field instance to value.
func (r *FieldValidators) Run(field string, fv *profile.FieldValidator, value string) error {
	if fv == nil {
		return nil
	}
	v, ok := r.Lookup(fv.Name)
	if !ok {
		return Reject(ReasonValidatorRejected, field, "unknown validator %q", fv.Name)
	}
	if err := v.Check(value, fv.Params); err != nil {
		return Reject(ReasonValidatorRejected, field, "%q rejected by %s validator: %v", value, fv.Name, err)
	}
	return nil
}

// CheckProfile reports validators referenced by a profile that are unknown or
// configured with invalid parameters.
func (r *FieldValidators) CheckProfile(p *profile.Profile) error {
	for _, id := range p.FieldIDs() {
		f, _ := catalog.ByID(id)
		for i, fi := range p.Instances(id) {
			if fi.Validator == nil {
				continue
			}
			v, ok := r.Lookup(fi.Validator.Name)
			if !ok {
				return profile.NewProfileError(p.Name,
					fmt.Errorf("%w: %s[%d]: unknown validator %q", profile.ErrInvalidProfile, f.Name, i, fi.Validator.Name))
			}
			if v.CheckParams == nil {
				continue
			}
			if err := v.CheckParams(fi.Validator.Params); err != nil {
				return profile.NewProfileError(p.Name,
					fmt.Errorf("%w: %s[%d]: %v", profile.ErrInvalidProfile, f.Name, i, err))
			}
		}
	}
	return nil
}

// newRegexValidator matches the whole value against the pattern in params.
// Compiled patterns are cached.
func newRegexValidator() FieldValidator {
	var cache sync.Map
	compile := func(pattern string) (*regexp.Regexp, error) {
		if re, ok := cache.Load(pattern); ok {
			return re.(*regexp.Regexp), nil
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		cache.Store(pattern, re)
		return re, nil
	}
	return FieldValidator{
		Check: func(value, params string) error {
			re, err := compile(params)
			if err != nil {
				return fmt.Errorf("invalid pattern: %w", err)
			}
			loc := re.FindStringIndex(value)
			if loc == nil || loc[0] != 0 || loc[1] != len(value) {
				return fmt.Errorf("does not match %s", params)
			}
			return nil
		},
		CheckParams: func(params string) error {
			if _, err := compile(params); err != nil {
				return fmt.Errorf("invalid pattern: %w", err)
			}
			return nil
		},
	}
}

// parseLengthParams parses "min:max". Either bound may be empty.
func parseLengthParams(params string) (minLen, maxLen int, err error) {
	lo, hi, ok := strings.Cut(params, ":")
	if !ok {
		return 0, 0, fmt.Errorf("length parameters must be min:max, got %q", params)
	}
	maxLen = -1
	if lo = strings.TrimSpace(lo); lo != "" {
		if minLen, err = strconv.Atoi(lo); err != nil || minLen < 0 {
			return 0, 0, fmt.Errorf("invalid minimum length %q", lo)
		}
	}
	if hi = strings.TrimSpace(hi); hi != "" {
		if maxLen, err = strconv.Atoi(hi); err != nil || maxLen < minLen {
			return 0, 0, fmt.Errorf("invalid maximum length %q", hi)
		}
	}
	return minLen, maxLen, nil
}

func checkLengthParams(params string) error {
	_, _, err := parseLengthParams(params)
	return err
}

func checkLength(value, params string) error {
	minLen, maxLen, err := parseLengthParams(params)
	if err != nil {
		return err
	}
	n := utf8.RuneCountInString(value)
	if n < minLen {
		return fmt.Errorf("shorter than %d characters", minLen)
	}
	if maxLen >= 0 && n > maxLen {
		return fmt.Errorf("longer than %d characters", maxLen)
	}
	return nil
}
