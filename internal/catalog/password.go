package catalog

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"
)

// ManualPasswordCharsetSize is the alphabet size assumed when estimating the
// strength of a password chosen by an operator.
const ManualPasswordCharsetSize = 72

// PasswordGenerator is a named alphabet used for auto-generated passwords.
type PasswordGenerator struct {
	Name    string
	Charset string
}

// Generator names.
const (
	PwgenDigits           = "PWGEN_DIGITS"
	PwgenLettersAndDigits = "PWGEN_LETTERSANDDIGITS"
	PwgenAllPrintable     = "PWGEN_ALLPRINTABLE"
	PwgenNoLookalike      = "PWGEN_NOLOOKALIKELD"
)

var generators = func() map[string]PasswordGenerator {
	const (
		digits  = "0123456789"
		lower   = "abcdefghijklmnopqrstuvwxyz"
		upper   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
		symbols = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"
	)
	noLookalike := ""
	for _, r := range digits + lower + upper {
		switch r {
		case '0', 'O', 'o', '1', 'l', 'I':
			continue
		}
		noLookalike += string(r)
	}
	return map[string]PasswordGenerator{
		PwgenDigits:           {Name: PwgenDigits, Charset: digits},
		PwgenLettersAndDigits: {Name: PwgenLettersAndDigits, Charset: digits + lower + upper},
		PwgenAllPrintable:     {Name: PwgenAllPrintable, Charset: digits + lower + upper + symbols},
		PwgenNoLookalike:      {Name: PwgenNoLookalike, Charset: noLookalike},
	}
}()

// PasswordGeneratorByName returns the generator registered under name.
func PasswordGeneratorByName(name string) (PasswordGenerator, bool) {
	g, ok := generators[name]
	return g, ok
}

// PasswordGeneratorNames lists the registered generators in sorted order.
func PasswordGeneratorNames() []string {
	names := make([]string, 0, len(generators))
	for n := range generators {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Generate returns a random password of the given length drawn from the
// generator alphabet.
func (g PasswordGenerator) Generate(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("password length must be positive, got %d", length)
	}
	max := big.NewInt(int64(len(g.Charset)))
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate password: %w", err)
		}
		buf[i] = g.Charset[n.Int64()]
	}
	return string(buf), nil
}
