package notifications

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxTemplateArgs is the largest number of arguments a template may consume
const MaxTemplateArgs = 5

var errTooManyArgs = errors.New("too many template arguments")

// Render substitutes args into tmpl. "%s" takes the next argument, "%N$s" takes the
// Nth (1-based) and moves the cursor past it, "%%" is a literal percent sign.
func Render(tmpl string, args ...string) (string, error) {
	if len(args) > MaxTemplateArgs {
		return "", errTooManyArgs
	}

	var b strings.Builder
	b.Grow(len(tmpl))
	next := 0

	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(tmpl) {
			return "", errors.New("unterminated format directive")
		}

		switch {
		case tmpl[i] == '%':
			b.WriteByte('%')
		case tmpl[i] == 's':
			if next >= len(args) {
				return "", fmt.Errorf("argument %d out of range", next+1)
			}
			b.WriteString(args[next])
			next++
		case tmpl[i] >= '1' && tmpl[i] <= '9':
			j := i
			for j < len(tmpl) && tmpl[j] >= '0' && tmpl[j] <= '9' {
				j++
			}
			if j+1 >= len(tmpl) || tmpl[j] != '$' || tmpl[j+1] != 's' {
				return "", fmt.Errorf("malformed format directive at offset %d", i-1)
			}
			n, err := strconv.Atoi(tmpl[i:j])
			if err != nil || n > len(args) {
				return "", fmt.Errorf("argument %s out of range", tmpl[i:j])
			}
			b.WriteString(args[n-1])
			next = n
			i = j + 1
		default:
			return "", fmt.Errorf("unsupported format directive %%%c", tmpl[i])
		}
	}
	return b.String(), nil
}

// renderOrRaw renders tmpl and falls back to the unrendered text on any error
func renderOrRaw(tmpl string, args []string) string {
	out, err := Render(tmpl, args...)
	if err != nil {
		return tmpl
	}
	return out
}
