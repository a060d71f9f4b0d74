package sandbox

import "strings"

// DetectLanguage guesses the language of a code snippet from surface
// markers. Used only when the task carries no language hint; a wrong guess
// surfaces as a failed runtime check, not a crash.
func DetectLanguage(code string) string {
	trimmed := strings.TrimSpace(code)

	switch {
	case strings.Contains(trimmed, "package main") && strings.Contains(trimmed, "func "):
		return "go"
	case strings.HasPrefix(trimmed, "#include") || strings.Contains(trimmed, "int main("):
		return "c"
	case strings.Contains(trimmed, "fn main()") || strings.Contains(trimmed, "let mut "):
		return "rust"
	case strings.Contains(trimmed, "public static void main") || strings.Contains(trimmed, "public class "):
		return "java"
	case containsAny(trimmed, "def ", "import ", "print(") && !strings.Contains(trimmed, "function "):
		return "python"
	case containsAny(trimmed, ": string", ": number", "interface ") && containsAny(trimmed, "const ", "let ", "function "):
		return "typescript"
	case containsAny(trimmed, "function ", "const ", "=>", "console.log"):
		return "javascript"
	default:
		return "python"
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
