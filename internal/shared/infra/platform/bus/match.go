package bus

import "strings"

// MatchRoutingKey aplica la semántica de un topic exchange:
// "*" sustituye exactamente una palabra y "#" cero o más.
func MatchRoutingKey(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

// MatchAny devuelve true si alguno de los patrones acepta la key.
func MatchAny(patterns []string, key string) bool {
	for _, p := range patterns {
		if MatchRoutingKey(p, key) {
			return true
		}
	}
	return false
}

func matchWords(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}

	switch pattern[0] {
	case "#":
		// "#" consume de cero a todas las palabras restantes.
		for i := 0; i <= len(words); i++ {
			if matchWords(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && matchWords(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && matchWords(pattern[1:], words[1:])
	}
}
