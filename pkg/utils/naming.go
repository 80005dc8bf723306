package utils

import (
	"regexp"
	"strings"
)

var (
	camelBoundary = regexp.MustCompile(`([a-z0-9])([A-Z])`)
	separators    = regexp.MustCompile(`[\s\-]+`)
)

// ToSnakeCase renames API field names into column names:
// headTeacher_firstName -> head_teacher_first_name, some-column -> some_column.
func ToSnakeCase(name string) string {
	name = camelBoundary.ReplaceAllString(name, "${1}_${2}")
	name = separators.ReplaceAllString(name, "_")
	return strings.Trim(strings.ToLower(name), "_")
}
