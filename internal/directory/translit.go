package directory

import (
	"strings"
	"unicode"
)

// cyrillicMap is the fixed per-character Cyrillic→Latin table used to derive
// a display alias from a raw user id. It is deliberately not configurable —
// it mirrors the reference mapping exactly, including the two characters
// ('ъ', 'ь') that transliterate to nothing.
var cyrillicMap = map[rune]string{
	'а': "a", 'б': "b", 'в': "v", 'г': "g", 'д': "d", 'е': "e", 'ё': "yo",
	'ж': "zh", 'з': "z", 'и': "i", 'й': "y", 'к': "k", 'л': "l", 'м': "m",
	'н': "n", 'о': "o", 'п': "p", 'р': "r", 'с': "s", 'т': "t", 'у': "u",
	'ф': "f", 'х': "h", 'ц': "ts", 'ч': "ch", 'ш': "sh", 'щ': "sch",
	'ъ': "", 'ы': "y", 'ь': "", 'э': "e", 'ю': "yu", 'я': "ya",
}

// Transliterate derives a display alias from a raw id: each Cyrillic letter
// (а-я plus ёЁъЪьЬ) is mapped through cyrillicMap, capitalized to match the
// source letter's case when the source was uppercase; every other rune
// passes through unchanged except whitespace, which becomes '_'.
func Transliterate(id string) string {
	var b strings.Builder
	for _, r := range id {
		if isCyrillicLetter(r) {
			lower := unicode.ToLower(r)
			trans, ok := cyrillicMap[lower]
			if !ok {
				trans = string(r)
			}
			if unicode.IsUpper(r) && trans != "" {
				trans = strings.ToUpper(trans[:1]) + trans[1:]
			}
			b.WriteString(trans)
			continue
		}
		if unicode.IsSpace(r) {
			b.WriteRune('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isCyrillicLetter(r rune) bool {
	lower := unicode.ToLower(r)
	if lower >= 'а' && lower <= 'я' {
		return true
	}
	switch r {
	case 'ё', 'Ё', 'ъ', 'Ъ', 'ь', 'Ь':
		return true
	}
	return false
}
