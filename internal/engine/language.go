package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// Language selects how a cell is presented to the Python kernel.
type Language string

const (
	Python Language = "python"
	// R cells run through the rpy2 cell magic loaded at bootstrap.
	R Language = "r"
	// Julia cells are evaluated by the juliacall bridge loaded at bootstrap.
	Julia Language = "julia"
)

// ParseLanguage maps a user supplied name to a Language. The empty string
// selects Python.
func ParseLanguage(name string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "python", "py", "python3":
		return Python, nil
	case "r":
		return R, nil
	case "julia", "jl":
		return Julia, nil
	default:
		return "", fmt.Errorf("unsupported language %q", name)
	}
}

// Wrap returns the code to submit for a cell written in l.
func (l Language) Wrap(code string) string {
	switch l {
	case R:
		if strings.HasPrefix(code, "%%R") {
			return code
		}
		return "%%R\n" + code
	case Julia:
		return "jl.seval(" + strconv.Quote(code) + ")"
	default:
		return code
	}
}
