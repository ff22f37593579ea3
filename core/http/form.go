package http

import "strings"

// Form holds decoded key/value pairs of a url-encoded form.
type Form map[string]string

func hexDigit(ch byte) (int, bool) {
	switch {
	case ch >= '0' && ch <= '9':
		return int(ch - '0'), true
	case ch >= 'a' && ch <= 'f':
		return int(ch-'a') + 10, true
	case ch >= 'A' && ch <= 'F':
		return int(ch-'A') + 10, true
	}
	return 0, false
}

// decodeFormComponent resolves %XX escapes and '+'-as-space. Malformed
// escapes are kept literally.
func decodeFormComponent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		switch {
		case s[i] == '%' && i+2 < len(s):
			hi, ok1 := hexDigit(s[i+1])
			lo, ok2 := hexDigit(s[i+2])
			if ok1 && ok2 {
				b.WriteByte(byte(hi*16 + lo))
				i += 3
				continue
			}
			b.WriteByte(s[i])
			i++
		case s[i] == '+':
			b.WriteByte(' ')
			i++
		default:
			b.WriteByte(s[i])
			i++
		}
	}
	return b.String()
}

// ParseForm splits "a=b&c=d" into decoded pairs. A pair without '='
// makes the whole form invalid and yields an empty result.
func ParseForm(data string) Form {
	form := Form{}
	for len(data) > 0 {
		pair := data
		if amp := strings.IndexByte(data, '&'); amp >= 0 {
			pair, data = data[:amp], data[amp+1:]
		} else {
			data = ""
		}
		if pair == "" {
			continue
		}
		eq := strings.IndexByte(pair, '=')
		if eq < 0 {
			return Form{}
		}
		form[decodeFormComponent(pair[:eq])] = decodeFormComponent(pair[eq+1:])
	}
	return form
}
